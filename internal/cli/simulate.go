package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/MJE43/vision-trainer-go/internal/protocol"
	"github.com/MJE43/vision-trainer-go/internal/session"
	"github.com/MJE43/vision-trainer-go/internal/sim"
)

func newSimulateCmd(e *env) *cobra.Command {
	var (
		protocolID string
		sessions   int
		workers    int
		maxTrials  int
		seed       string
		asJSON     bool
		save       bool
		obs        sim.Observer
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a protocol against a simulated observer",
		Long: `simulate plays sessions on a virtual clock with a psychometric observer
answering, and reports where the staircase ends up. With --save the
simulated sessions are written to the progress history.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := e.registry()
			if err != nil {
				return err
			}
			def, err := reg.Get(protocolID)
			if err != nil {
				return err
			}
			if maxTrials > 0 {
				def = protocol.Override{Stop: protocol.Stop{MaxTrials: maxTrials}}.Apply(def)
			}

			req := sim.BatchRequest{
				Protocol: def,
				Observer: obs,
				Sessions: sessions,
				Workers:  workers,
				Seed:     seed,
				Logger:   e.log.Named("sim"),
			}
			var saved []*session.Summary
			if save {
				saved = make([]*session.Summary, sessions)
				req.OnSession = func(i int, s *session.Summary) { saved[i] = s }
			}

			rep, err := sim.Batch(cmd.Context(), req)
			if err != nil {
				return err
			}
			if save {
				if err := e.saveSummaries(cmd, saved); err != nil {
					return err
				}
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), rep)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "protocol          %s\n", rep.Protocol)
			fmt.Fprintf(out, "sessions          %d (%s)\n", rep.Sessions, rep.Elapsed)
			fmt.Fprintf(out, "observer          threshold %g\n", rep.Threshold)
			fmt.Fprintf(out, "final difficulty  mean %g  sd %g  min %g  max %g\n",
				rep.FinalDifficulty.Mean, rep.FinalDifficulty.SD, rep.FinalDifficulty.Min, rep.FinalDifficulty.Max)
			fmt.Fprintf(out, "accuracy          mean %g%%\n", rep.Accuracy.Mean)
			fmt.Fprintf(out, "trials            mean %g\n", rep.Trials.Mean)
			fmt.Fprintf(out, "reversals         mean %g\n", rep.Reversals.Mean)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&protocolID, "protocol", "p", "vernier", "protocol id")
	f.IntVarP(&sessions, "sessions", "n", 100, "number of sessions")
	f.IntVar(&workers, "workers", 0, "parallel workers (default GOMAXPROCS)")
	f.IntVar(&maxTrials, "max-trials", 0, "override the protocol's trial limit")
	f.StringVar(&seed, "seed", "sim", "seed prefix")
	f.BoolVar(&asJSON, "json", false, "print the report as JSON")
	f.BoolVar(&save, "save", false, "record the simulated sessions in the progress history")
	f.Float64Var(&obs.Threshold, "threshold", 2, "observer threshold on the protocol's difficulty axis")
	f.Float64Var(&obs.Slope, "slope", 0.5, "psychometric slope")
	f.Float64Var(&obs.Guess, "guess", 0, "chance rate (default one over the answer count)")
	f.Float64Var(&obs.Lapse, "lapse", 0.02, "lapse rate")
	f.Float64Var(&obs.MissRate, "miss-rate", 0, "probability of not answering")
	f.DurationVar(&obs.ReactionTime, "reaction-time", 250*time.Millisecond, "response delay after the stimulus is withdrawn")
	return cmd
}

func (e *env) saveSummaries(cmd *cobra.Command, sums []*session.Summary) error {
	st, err := e.openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	for _, s := range sums {
		if s == nil {
			continue
		}
		if err := st.SaveSession(cmd.Context(), s.Record()); err != nil {
			return err
		}
		if err := st.SaveTrials(cmd.Context(), s.ID, s.Trials); err != nil {
			return err
		}
	}
	return nil
}
