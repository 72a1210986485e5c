package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/smazurov/campipe/internal/hwnode"
)

// CreateNodesCmd creates the nodes command.
func CreateNodesCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "List V4L2 multi-planar video nodes",
		Long:  `Probes /dev/video* and lists the multi-planar capture and output nodes the pipeline can use.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			devs, err := hwnode.Probe()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(devs)
			}
			if len(devs) == 0 {
				fmt.Fprintln(out, "no multi-planar video nodes found")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NUM\tPATH\tCARD\tDRIVER\tCAPTURE\tOUTPUT")
			for _, d := range devs {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%t\t%t\n", d.Num, d.Path, d.Card, d.Driver, d.Capture, d.Output)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}
