package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/edgesync/go-node/internal/replay"
)

var errReplayDiverged = errors.New("replay diverged from fixture expectations")

func replayCmd() *cobra.Command {
	var (
		quiet   bool
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "replay <fixture.json>",
		Short: "Replay recorded viewing events offline and report learning",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := replay.LoadFixture(args[0])
			if err != nil {
				return err
			}
			results, summary, err := replay.Replay(cmd.Context(), f.Config.ToReplayConfig(), f.Candidates, f.ToEvents())
			if err != nil {
				return err
			}

			if jsonOut {
				if err := printJSON(struct {
					Results []replay.ReplayResult `json:"results"`
					Summary replay.ReplaySummary  `json:"summary"`
				}{results, summary}); err != nil {
					return err
				}
			} else {
				if f.Description != "" {
					fmt.Printf("%s\n\n", f.Description)
				}
				if !quiet {
					printResults(results)
				}
				printSummary(summary)
			}
			return checkExpected(f.Expected, summary)
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "only print the summary")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON")
	return cmd
}

// #region output
func printResults(results []replay.ReplayResult) {
	fmt.Printf("%-10s| %-10s| %-18s| %-8s| %7s| %8s| %8s\n",
		"User", "Item", "Context", "Action", "Reward", "Before", "After")
	fmt.Printf("%-10s+%-11s+%-19s+%-9s+%8s+%9s+%9s\n",
		"----------", "-----------", "-------------------", "---------", "--------", "---------", "---------")
	for _, r := range results {
		if r.Action == replay.ActionSkipped {
			fmt.Printf("%-10s| %-10s| %-18s| %-8s| %s\n", r.UserID, r.ItemID, r.ContextSummary, r.Action, r.Reason)
			continue
		}
		fmt.Printf("%-10s| %-10s| %-18s| %-8s| %+7.3f| %8.4f| %8.4f\n",
			r.UserID, r.ItemID, r.ContextSummary, r.Action, r.Reward, r.MeanBefore, r.MeanAfter)
	}
	fmt.Println()
}

func printSummary(s replay.ReplaySummary) {
	fmt.Printf("Summary: %d events, %d learned, %d skipped, %d users\n", s.Events, s.Learned, s.Skipped, s.Users)
	fmt.Printf("  mean reward %+.3f, lift %+.4f\n", s.MeanReward, s.Lift)
	fmt.Printf("  %d patterns, %d syncable\n", s.Patterns, s.Syncable)
}

// checkExpected compares the summary with the fixture's expectations, if any.
func checkExpected(exp *replay.FixtureExpected, s replay.ReplaySummary) error {
	if exp == nil {
		return nil
	}
	var diffs []string
	check := func(name string, want, got int) {
		if want != got {
			diffs = append(diffs, fmt.Sprintf("%s: want %d, got %d", name, want, got))
		}
	}
	check("learned", exp.Learned, s.Learned)
	check("skipped", exp.Skipped, s.Skipped)
	check("patterns", exp.Patterns, s.Patterns)
	check("syncable", exp.Syncable, s.Syncable)
	if s.Lift < exp.MinLift {
		diffs = append(diffs, fmt.Sprintf("lift: want >= %.4f, got %.4f", exp.MinLift, s.Lift))
	}
	if len(diffs) == 0 {
		fmt.Println("\nExpectations: OK")
		return nil
	}
	fmt.Println("\nExpectations:")
	for _, d := range diffs {
		fmt.Printf("  DIFF %s\n", d)
	}
	return fmt.Errorf("%w (%d mismatches)", errReplayDiverged, len(diffs))
}

// #endregion output
