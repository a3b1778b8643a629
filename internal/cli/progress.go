package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/MJE43/vision-trainer-go/internal/store"
)

func newHistoryCmd(e *env) *cobra.Command {
	var (
		game   string
		limit  int
		since  time.Duration
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent training sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := e.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			q := store.Query{GameType: game, Limit: limit}
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}
			recs, total, err := st.ListSessions(cmd.Context(), q)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, recs)
			}
			if total == 0 {
				fmt.Fprintln(out, "no sessions recorded")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "WHEN\tGAME\tSCORE\tLEVEL\tACCURACY\tROUNDS\tDURATION")
			for _, r := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%.1f%%\t%d\t%s\n",
					time.UnixMilli(r.Timestamp).Local().Format("2006-01-02 15:04"),
					r.GameType, r.Score, r.DifficultyLevel, r.AccuracyPercent, r.RoundCount,
					time.Duration(r.DurationSeconds)*time.Second)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if total > len(recs) {
				fmt.Fprintf(out, "%d of %d sessions\n", len(recs), total)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&game, "game", "g", "", "only this protocol")
	f.IntVarP(&limit, "limit", "n", 20, "number of sessions")
	f.DurationVar(&since, "since", 0, "only sessions newer than this, e.g. 168h")
	f.BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newStatsCmd(e *env) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats [game]",
		Short: "Show overall or per-protocol statistics",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := e.openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			out := cmd.OutOrStdout()

			if len(args) == 0 {
				overall, err := st.OverallStats(cmd.Context())
				if err != nil {
					return err
				}
				streak, err := st.Streak(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(out, map[string]any{"overall": overall, "streak": streak})
				}
				fmt.Fprintf(out, "sessions      %d\n", overall.TotalSessions)
				fmt.Fprintf(out, "hours         %g\n", overall.TotalHours)
				fmt.Fprintf(out, "accuracy      %.1f%%\n", overall.AverageAccuracy)
				fmt.Fprintf(out, "games         %v\n", overall.GamesPlayed)
				fmt.Fprintf(out, "last 7 days   %v\n", overall.WeeklyActivity)
				fmt.Fprintf(out, "streak        %d (longest %d)\n", streak.Current, streak.Longest)
				return nil
			}

			gs, err := st.GameStats(cmd.Context(), args[0])
			if errors.Is(err, store.ErrNoSessions) {
				fmt.Fprintf(out, "no sessions recorded for %s\n", args[0])
				return nil
			}
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(out, gs)
			}
			fmt.Fprintf(out, "game          %s\n", gs.GameType)
			fmt.Fprintf(out, "sessions      %d\n", gs.TotalSessions)
			fmt.Fprintf(out, "best score    %d\n", gs.BestScore)
			fmt.Fprintf(out, "avg score     %g\n", gs.AverageScore)
			fmt.Fprintf(out, "avg accuracy  %.1f%%\n", gs.AverageAccuracy)
			fmt.Fprintf(out, "improvement   %+g%%\n", gs.Improvement)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newExportCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "export [file]",
		Short: "Export the progress history as JSON (stdout when no file or -)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := e.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			if len(args) == 0 || args[0] == "-" {
				return st.Export(cmd.Context(), cmd.OutOrStdout())
			}
			f, err := os.Create(args[0])
			if err != nil {
				return err
			}
			w := bufio.NewWriter(f)
			if err := st.Export(cmd.Context(), w); err != nil {
				f.Close()
				return err
			}
			if err := w.Flush(); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		},
	}
}

func newImportCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Replace the progress history with an exported file (stdin with -)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := e.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			n, err := st.Import(cmd.Context(), r)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d sessions\n", n)
			return nil
		},
	}
}
