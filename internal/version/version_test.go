package version

import (
	"runtime"
	"strings"
	"testing"
)

func TestBanner(t *testing.T) {
	oldVersion, oldCommit, oldDate := Version, GitCommit, BuildDate
	t.Cleanup(func() { Version, GitCommit, BuildDate = oldVersion, oldCommit, oldDate })

	Version, GitCommit, BuildDate = "1.2.0", "0123456789abcdef", "2025-01-27 10:30"
	got := Banner()
	want := "campipe 1.2.0 (0123456, built 2025-01-27 10:30, " + runtime.GOOS + "/" + runtime.GOARCH + ")"
	if got != want {
		t.Errorf("Banner() = %q, want %q", got, want)
	}

	GitCommit = "unknown"
	if !strings.Contains(Banner(), "(unknown,") {
		t.Errorf("short commit mangled: %q", Banner())
	}
}

func TestGet(t *testing.T) {
	info := Get()
	if info.GoVersion != runtime.Version() || info.Compiler != runtime.Compiler {
		t.Errorf("Get() = %+v", info)
	}
	if String() != Version {
		t.Errorf("String() = %q, want %q", String(), Version)
	}
}
