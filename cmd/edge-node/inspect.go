package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/edgesync/go-node/internal/config"
	"github.com/danielpatrickdp/edgesync/go-node/internal/logging"
	"github.com/danielpatrickdp/edgesync/go-node/internal/state"
)

func inspectCmd() *cobra.Command {
	var (
		dbPath      string
		last        int
		patternsTop int
		jsonOut     bool
	)
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show saved node state, recent syncs and top patterns",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbPath == "" {
				cfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				dbPath = cfg.DBPath
			}
			if _, err := os.Stat(dbPath); err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			store, err := state.NewStore(dbPath)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer store.Close()
			return runInspect(store, last, patternsTop, jsonOut)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "path to the node database (default from config)")
	cmd.Flags().IntVar(&last, "last", 20, "show N most recent syncs")
	cmd.Flags().IntVar(&patternsTop, "patterns", 0, "also list the N best local patterns")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON instead of tables")
	return cmd
}

// #region report
type syncRow struct {
	CreatedAt     string              `json:"created_at"`
	Decision      string              `json:"decision"`
	Reason        string              `json:"reason,omitempty"`
	LocalVersion  uint64              `json:"local_version"`
	ServerVersion uint64              `json:"server_version"`
	PatternsSent  int                 `json:"patterns_sent"`
	BytesSent     int                 `json:"bytes_sent"`
	BytesReceived int                 `json:"bytes_received"`
	Attempts      int                 `json:"attempts"`
	Gate          *logging.GateRecord `json:"gate,omitempty"`
}

type patternRow struct {
	Context       string  `json:"context"`
	ItemID        string  `json:"item_id"`
	SuccessRate   float64 `json:"success_rate"`
	TotalUses     uint64  `json:"total_uses"`
	AverageReward float64 `json:"average_reward"`
}

type report struct {
	DeviceID      string       `json:"device_id,omitempty"`
	LocalVersion  uint64       `json:"local_version"`
	DeltaVersion  uint64       `json:"delta_version"`
	GlobalVersion uint64       `json:"global_version"`
	Patterns      int          `json:"patterns"`
	Global        int          `json:"global_patterns"`
	BanditUsers   int          `json:"bandit_users"`
	LastSyncAt    string       `json:"last_sync_at,omitempty"`
	SavedAt       string       `json:"saved_at,omitempty"`
	Syncs         []syncRow    `json:"syncs"`
	Top           []patternRow `json:"top_patterns,omitempty"`
}

func runInspect(store *state.Store, last, top int, jsonOut bool) error {
	var rep report
	snap, err := store.LoadSnapshot()
	switch {
	case state.IsNoSnapshot(err):
		if !jsonOut {
			fmt.Fprintln(os.Stderr, "no snapshot saved yet")
		}
	case err != nil:
		return err
	default:
		rep.DeviceID = snap.DeviceID
		rep.LocalVersion = snap.LocalVersion
		rep.DeltaVersion = snap.DeltaVersion
		rep.GlobalVersion = snap.GlobalVersion
		rep.Patterns = len(snap.Patterns)
		rep.Global = len(snap.Global)
		rep.BanditUsers = len(snap.Bandit)
		rep.LastSyncAt = formatTime(snap.LastSyncAt)
		rep.SavedAt = formatTime(snap.SavedAt)
	}

	entries, err := store.ListSyncLog(last)
	if err != nil {
		return err
	}
	// newest first from the store, shown oldest first
	rep.Syncs = make([]syncRow, len(entries))
	for i, e := range entries {
		rep.Syncs[len(entries)-1-i] = syncRow{
			CreatedAt:     formatTime(e.CreatedAt),
			Decision:      e.Decision,
			Reason:        e.Reason,
			LocalVersion:  e.LocalVersion,
			ServerVersion: e.ServerVersion,
			PatternsSent:  e.PatternsSent,
			BytesSent:     e.BytesSent,
			BytesReceived: e.BytesReceived,
			Attempts:      e.Attempts,
			Gate:          parseGateRecord(e.GateJSON),
		}
	}

	if top > 0 {
		ps, err := store.ListPatterns(top)
		if err != nil {
			return err
		}
		for _, p := range ps {
			rep.Top = append(rep.Top, patternRow{
				Context:       p.ContextSummary,
				ItemID:        p.ItemID,
				SuccessRate:   p.SuccessRate,
				TotalUses:     p.TotalUses,
				AverageReward: p.AverageReward,
			})
		}
	}

	if jsonOut {
		return printJSON(rep)
	}
	printReport(rep)
	return nil
}

func printReport(rep report) {
	if rep.DeviceID != "" {
		fmt.Printf("Device:     %s\n", rep.DeviceID)
		fmt.Printf("Versions:   local=%d delta=%d global=%d\n", rep.LocalVersion, rep.DeltaVersion, rep.GlobalVersion)
		fmt.Printf("Patterns:   %d local, %d global, %d bandit users\n", rep.Patterns, rep.Global, rep.BanditUsers)
		fmt.Printf("Last sync:  %s\n", orDash(rep.LastSyncAt))
		fmt.Printf("Saved:      %s\n\n", orDash(rep.SavedAt))
	}

	if len(rep.Syncs) == 0 {
		fmt.Println("no syncs recorded")
	} else {
		fmt.Printf("%-20s  %-8s  %6s  %6s  %5s  %7s  %7s  %3s  %s\n",
			"Time", "Decision", "Local", "Server", "Sent", "Up", "Down", "Try", "Gate")
		fmt.Printf("%-20s+-%-8s+-%6s+-%6s+-%5s+-%7s+-%7s+-%3s+-%s\n",
			"--------------------", "--------", "------", "------", "-----", "-------", "-------", "---", "--------")
		for _, r := range rep.Syncs {
			gate := "-"
			if r.Gate != nil {
				gate = fmt.Sprintf("%s %.2f", r.Gate.GateAction, r.Gate.GateSoftScore)
				if !r.Gate.EvalPassed && r.Gate.EvalReason != "" {
					gate += " eval: " + r.Gate.EvalReason
				}
			}
			fmt.Printf("%-20s  %-8s  %6d  %6d  %5d  %7d  %7d  %3d  %s\n",
				r.CreatedAt, r.Decision, r.LocalVersion, r.ServerVersion,
				r.PatternsSent, r.BytesSent, r.BytesReceived, r.Attempts, gate)
		}
	}

	if len(rep.Top) > 0 {
		fmt.Printf("\nTop patterns:\n")
		for _, p := range rep.Top {
			fmt.Printf("  %-20s %-16s rate=%.2f uses=%-5d reward=%+.2f\n",
				p.Context, p.ItemID, p.SuccessRate, p.TotalUses, p.AverageReward)
		}
	}
}

// #endregion report

// #region output
func parseGateRecord(gateJSON string) *logging.GateRecord {
	if gateJSON == "" {
		return nil
	}
	var gr logging.GateRecord
	if err := json.Unmarshal([]byte(gateJSON), &gr); err == nil && gr.GateAction != "" {
		return &gr
	}
	return nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// #endregion output
