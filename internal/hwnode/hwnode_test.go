package hwnode

import (
	"testing"
	"time"

	"github.com/smazurov/campipe/internal/camera"
)

func TestOpenMissingNodeIsDriverError(t *testing.T) {
	open := NewOpener(Options{PollInterval: time.Millisecond})
	h, err := open(987, "MISSING")
	if !camera.IsCode(err, camera.ErrDriver) {
		t.Fatalf("open = %v, %v; want DRIVER", h, err)
	}
}

func TestOptionsDefaults(t *testing.T) {
	var o Options
	o.defaults()
	if o.PollInterval != 100*time.Millisecond || o.Logger == nil {
		t.Errorf("defaults = %+v", o)
	}
}
