package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/dunamismax/canvasfit/internal/domain"
	"github.com/spf13/cobra"
)

func newProfilesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List the built-in canvas profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tCANVAS\tSCALE\tROTATE\tNAMING\tARCHIVE")
			for _, p := range domain.Profiles() {
				scale := fmt.Sprintf("%.2f", p.ScaleFactor)
				if p.LandscapeScaleFactor > 0 {
					scale += fmt.Sprintf(" (landscape %.2f)", p.LandscapeScaleFactor)
				}
				naming := "_" + p.Suffix
				if p.Slotted() {
					naming = "_" + strings.Join(p.Slots, ", _")
				}
				rotate := "no"
				if p.RotateIfLandscape {
					rotate = "landscape"
				}
				fmt.Fprintf(tw, "%s\t%dx%d\t%s\t%s\t%s\t%s\n",
					p.Name, p.CanvasWidth, p.CanvasHeight, scale, rotate, naming, p.ArchiveName)
			}
			return tw.Flush()
		},
	}
}
