package gate

// #region veto-type
// VetoType enumerates hard veto categories.
type VetoType string

const (
	VetoServerError       VetoType = "server_error"
	VetoVersionRegression VetoType = "version_regression"
	VetoOversize          VetoType = "payload_oversize"
	VetoVersionMismatch   VetoType = "version_mismatch"
	VetoDuplicate         VetoType = "duplicate_signature"
)

// #endregion veto-type

// #region veto-signal
// VetoSignal represents a detected hard veto condition.
type VetoSignal struct {
	Type   VetoType
	Reason string
}

// #endregion veto-signal

// #region action
// Action is what the sync client should do with a response.
type Action string

const (
	ActionCommit Action = "commit"
	ActionReject Action = "reject"
	ActionNoOp   Action = "no_op" // already applied, nothing to merge
)

// #endregion action

// #region gate-config
// GateConfig holds thresholds for gate decisions.
type GateConfig struct {
	PullBudgetBytes int // expected upper bound of a global payload
	OversizeFactor  int // veto payloads above PullBudgetBytes × OversizeFactor
	ConfidentAt     uint32
}

// DefaultGateConfig returns the production thresholds.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		PullBudgetBytes: 5120,
		OversizeFactor:  2,
		ConfidentAt:     10,
	}
}

// #endregion gate-config

// #region gate-decision
// GateDecision is the output of the gate evaluation.
type GateDecision struct {
	Action      Action
	Reason      string
	Vetoed      bool
	VetoSignals []VetoSignal // non-empty if vetoed
	SoftScore   float64      // 0-1 contributor confidence, logged only
}

// #endregion gate-decision
