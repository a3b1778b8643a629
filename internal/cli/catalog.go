package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MJE43/vision-trainer-go/internal/calibration"
)

func newProtocolsCmd(e *env) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "protocols",
		Short: "List the training protocols",
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := e.registry()
			if err != nil {
				return err
			}
			defs := reg.List()
			if asJSON {
				return printJSON(cmd.OutOrStdout(), defs)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTIMULUS\tSTART\tRANGE\tANSWERS\tNAME")
			for _, d := range defs {
				fmt.Fprintf(tw, "%s\t%s\t%g\t%g..%g\t%s\t%s\n",
					d.ID, d.Stimulus, d.Staircase.Start, d.Staircase.Floor, d.Staircase.Ceiling,
					strings.Join(d.Answers, ","), d.Name)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print full definitions as JSON")
	return cmd
}

func newCalibrateCmd(e *env) *cobra.Command {
	var (
		referencePx float64
		physicalMm  float64
		dryRun      bool
	)
	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Set the screen scale from an on-screen reference object",
		Long: `calibrate derives pixels per millimetre from the on-screen width of a
physical reference, a credit card unless --physical-mm says otherwise, and
stores it in the config file.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if physicalMm <= 0 {
				physicalMm = calibration.CreditCardWidthMm
			}
			p, err := calibration.Calibrate(referencePx, physicalMm)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%.3f px/mm\n", p.PixelsPerMillimeter)
			if dryRun {
				return nil
			}
			if err := e.loader.Set("calibration.physical_width_mm", physicalMm); err != nil {
				return err
			}
			path, err := e.loader.Persist("calibration.reference_width_px", referencePx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "saved to %s\n", path)
			return nil
		},
	}
	f := cmd.Flags()
	f.Float64Var(&referencePx, "reference-px", 0, "on-screen width of the reference in pixels")
	f.Float64Var(&physicalMm, "physical-mm", 0, "physical width of the reference (default 85.60, a credit card)")
	f.BoolVar(&dryRun, "dry-run", false, "print the result without saving it")
	_ = cmd.MarkFlagRequired("reference-px")
	return cmd
}
