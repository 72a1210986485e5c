package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/smazurov/campipe/internal/api"
	"github.com/smazurov/campipe/internal/camera"
	"github.com/smazurov/campipe/internal/config"
	"github.com/smazurov/campipe/internal/factory"
)

// CreateTopologyCmd creates the topology command.
func CreateTopologyCmd() *cobra.Command {
	var pipelineFile string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "topology",
		Short: "Print the device table of a pipeline",
		Long: `Builds the node table for the links in a pipeline file and prints every active stage ` +
			`with its nodes, packed input routes and the resulting pipeline groups. No device is opened.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := config.LoadPipeline(pipelineFile)
			if err != nil {
				return err
			}
			links, err := p.Links()
			if err != nil {
				return err
			}
			opts, err := p.TopologyOptions()
			if err != nil {
				return err
			}
			topo, err := factory.BuildTopology(links, opts)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(api.TopologyData(links, topo))
			}
			return printTopology(cmd.OutOrStdout(), links, topo)
		},
	}

	cmd.Flags().StringVarP(&pipelineFile, "pipeline", "p", "pipeline.toml", "Pipeline calibration file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func printTopology(out io.Writer, links factory.Links, topo factory.Topology) error {
	fmt.Fprintf(out, "links: %s\n\n", links)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tLEADER\tROLE\tNODE\tNAME\tQUEUED\tINPUT")
	for _, id := range topo.Chain() {
		d := topo[id]
		for r, n := range d.Nodes {
			if !n.Present() {
				continue
			}
			input := "-"
			if camera.NodeRole(r) == camera.RoleOutput {
				input = factory.ParseInputID(n.InputID).String()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%t\t%s\n",
				id, d.Leader, camera.NodeRole(r), n.Num, n.Name, n.Queued, input)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out)
	for _, g := range topo.Groups() {
		fmt.Fprintf(out, "group %s: %v", g.Leader, g.Members)
		if g.Parent >= 0 {
			fmt.Fprintf(out, " <- %s %s", g.ParentStage, g.ParentRole)
		}
		fmt.Fprintln(out)
	}
	return nil
}
