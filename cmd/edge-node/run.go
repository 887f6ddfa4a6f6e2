package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/danielpatrickdp/edgesync/go-node/internal/features"
	"github.com/danielpatrickdp/edgesync/go-node/internal/node"
	"github.com/danielpatrickdp/edgesync/go-node/internal/signals"
)

func runCmd() *cobra.Command {
	var noStdin bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the node: serve commands from stdin, sync and persist in the background",
		Long: `Run the node until interrupted.

Each stdin line is a JSON command; each answer is one JSON line on stdout:
  {"op":"recommend","user_id":"alice","context":{"hour_of_day":20,"day_of_week":5},"candidates":["m1","m2"]}
  {"op":"observe","event":{"user_id":"alice","item_id":"m1","watch_percentage":0.9,"engagement_score":0.7}}
  {"op":"sync"}
  {"op":"stats"}`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			reg := newRegistry()
			n, err := openNode(cfg, log, reg, true)
			if err != nil {
				return err
			}
			defer func() {
				if err := n.Close(); err != nil {
					log.Error("close node", "err", err)
				}
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.Info("edge node ready",
				"db", cfg.DBPath,
				"aggregator", cfg.AggregatorAddr,
				"transport", cfg.Transport,
				"sync_interval", cfg.SyncInterval(),
			)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return n.Start(gctx) })
			if cfg.MetricsAddr != "" {
				g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr, reg, log) })
			}
			if !noStdin {
				go serveCommands(gctx, n, os.Stdin, os.Stdout)
			}
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&noStdin, "no-stdin", false, "do not read commands from stdin")
	return cmd
}

// #region commands
// contextJSON leaves omitted hour and day unknown rather than zero.
type contextJSON struct {
	HourOfDay       *int     `json:"hour_of_day"`
	DayOfWeek       *int     `json:"day_of_week"`
	SessionMinutes  float64  `json:"session_minutes"`
	PreferredGenres []string `json:"preferred_genres"`
}

func (c *contextJSON) userContext() features.UserContext {
	uc := features.UnknownContext()
	if c == nil {
		return uc
	}
	if c.HourOfDay != nil {
		uc.HourOfDay = *c.HourOfDay
	}
	if c.DayOfWeek != nil {
		uc.DayOfWeek = *c.DayOfWeek
	}
	uc.SessionMinutes = c.SessionMinutes
	uc.PreferredGenres = c.PreferredGenres
	return uc
}

type command struct {
	Op         string                `json:"op"`
	UserID     string                `json:"user_id"`
	Context    *contextJSON          `json:"context"`
	Candidates []string              `json:"candidates"`
	Event      *signals.ViewingEvent `json:"event"`
}

type recommendationJSON struct {
	ItemID string  `json:"item_id"`
	Score  float64 `json:"score"`
	Mean   float64 `json:"mean"`
	Bonus  float64 `json:"bonus"`
	Prior  float64 `json:"prior"`
}

type reply struct {
	OK              bool                 `json:"ok"`
	Error           string               `json:"error,omitempty"`
	Recommendations []recommendationJSON `json:"recommendations,omitempty"`
	Result          any                  `json:"result,omitempty"`
}

// serveCommands answers stdin commands until EOF or ctx is done.
func serveCommands(ctx context.Context, n *node.Node, in io.Reader, out io.Writer) {
	scanner := bufio.NewScanner(in)
	enc := json.NewEncoder(out)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var c command
		if err := json.Unmarshal(line, &c); err != nil {
			enc.Encode(reply{Error: "parse command: " + err.Error()})
			continue
		}
		enc.Encode(handleCommand(ctx, n, c))
	}
}

func handleCommand(ctx context.Context, n *node.Node, c command) reply {
	switch c.Op {
	case "recommend":
		recs := n.Recommend(ctx, c.UserID, c.Context.userContext(), c.Candidates)
		out := make([]recommendationJSON, len(recs))
		for i, r := range recs {
			out[i] = recommendationJSON{ItemID: r.ItemID, Score: r.Score, Mean: r.Estimate.Mean, Bonus: r.Estimate.Bonus, Prior: r.Prior}
		}
		return reply{OK: true, Recommendations: out}
	case "observe":
		if c.Event == nil {
			return reply{Error: "observe needs an event"}
		}
		var err error
		if c.Context != nil {
			err = n.ObserveIn(ctx, *c.Event, c.Context.userContext())
		} else {
			err = n.Observe(ctx, *c.Event)
		}
		if err != nil {
			return reply{Error: err.Error()}
		}
		return reply{OK: true}
	case "sync":
		n.TriggerSync()
		return reply{OK: true}
	case "stats":
		return reply{OK: true, Result: n.Stats()}
	default:
		return reply{Error: fmt.Sprintf("unknown op %q", c.Op)}
	}
}

// #endregion commands
