package gate

import (
	"fmt"

	"github.com/danielpatrickdp/edgesync/go-node/internal/codec"
	"github.com/danielpatrickdp/edgesync/go-node/internal/wire"
)

// #region gate
// Gate decides whether an aggregator response may be merged into the
// node's global view.
type Gate struct {
	config GateConfig
}

// NewGate creates a gate with the given configuration.
func NewGate(config GateConfig) *Gate {
	if config.OversizeFactor <= 0 {
		config.OversizeFactor = 2
	}
	return &Gate{config: config}
}

// CheckResponse runs the envelope-level vetoes before the payload is
// decoded. lastApplied is the global version currently held by the node.
func (g *Gate) CheckResponse(resp *wire.SyncResponse, lastApplied uint64) GateDecision {
	var vetoes []VetoSignal

	// 1. Server reported failure
	if resp.Status == wire.StatusError {
		reason := "aggregator returned error status"
		if resp.Message != "" {
			reason += ": " + resp.Message
		}
		vetoes = append(vetoes, VetoSignal{Type: VetoServerError, Reason: reason})
	}

	// 2. Server went backwards
	if resp.ServerVersion < lastApplied {
		vetoes = append(vetoes, VetoSignal{
			Type:   VetoVersionRegression,
			Reason: fmt.Sprintf("server version %d below applied %d", resp.ServerVersion, lastApplied),
		})
	}

	// 3. Payload far over the pull budget
	if limit := g.config.PullBudgetBytes * g.config.OversizeFactor; limit > 0 && len(resp.CompressedPatterns) > limit {
		vetoes = append(vetoes, VetoSignal{
			Type:   VetoOversize,
			Reason: fmt.Sprintf("payload %d bytes exceeds %d", len(resp.CompressedPatterns), limit),
		})
	}

	if len(vetoes) > 0 {
		return reject(vetoes)
	}

	if resp.ServerVersion == lastApplied {
		return GateDecision{
			Action: ActionNoOp,
			Reason: fmt.Sprintf("version %d already applied", lastApplied),
		}
	}

	return GateDecision{
		Action: ActionCommit,
		Reason: fmt.Sprintf("envelope accepted: version %d", resp.ServerVersion),
	}
}

// CheckDelta runs the vetoes that need the decoded global delta.
func (g *Gate) CheckDelta(d codec.GlobalDelta, serverVersion uint64) GateDecision {
	var vetoes []VetoSignal

	if d.Version != serverVersion {
		vetoes = append(vetoes, VetoSignal{
			Type:   VetoVersionMismatch,
			Reason: fmt.Sprintf("delta version %d does not match server version %d", d.Version, serverVersion),
		})
	}

	seen := make(map[string]struct{}, len(d.Upserted)+len(d.Removed))
	for _, p := range d.Upserted {
		if _, dup := seen[p.Signature]; dup {
			vetoes = append(vetoes, VetoSignal{
				Type:   VetoDuplicate,
				Reason: fmt.Sprintf("signature %q appears twice", p.Signature),
			})
			break
		}
		seen[p.Signature] = struct{}{}
	}
	for _, sig := range d.Removed {
		if _, dup := seen[sig]; dup {
			vetoes = append(vetoes, VetoSignal{
				Type:   VetoDuplicate,
				Reason: fmt.Sprintf("signature %q both upserted and removed", sig),
			})
			break
		}
		seen[sig] = struct{}{}
	}

	if len(vetoes) > 0 {
		return reject(vetoes)
	}

	soft := g.softScore(d)
	return GateDecision{
		Action:    ActionCommit,
		Reason:    fmt.Sprintf("passed gate: soft_score=%.4f", soft),
		SoftScore: soft,
	}
}

// #endregion gate

// #region helpers
func reject(vetoes []VetoSignal) GateDecision {
	return GateDecision{
		Action:      ActionReject,
		Reason:      fmt.Sprintf("hard veto: %s", vetoes[0].Reason),
		Vetoed:      true,
		VetoSignals: vetoes,
	}
}

// softScore is the mean contributor confidence of the upserted patterns,
// saturating at ConfidentAt contributors. An empty delta scores 1.
func (g *Gate) softScore(d codec.GlobalDelta) float64 {
	if len(d.Upserted) == 0 || g.config.ConfidentAt == 0 {
		return 1
	}
	var sum float64
	for _, p := range d.Upserted {
		c := float64(p.ContributorCount) / float64(g.config.ConfidentAt)
		if c > 1 {
			c = 1
		}
		sum += c
	}
	return sum / float64(len(d.Upserted))
}

// #endregion helpers
