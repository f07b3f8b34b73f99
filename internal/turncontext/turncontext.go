// Package turncontext defines the immutable per-turn configuration recorded
// at the start of every turn-initiating operation.
package turncontext

// SandboxPolicy is the child/turn execution sandbox mode.
type SandboxPolicy string

const (
	SandboxReadOnly         SandboxPolicy = "read-only"
	SandboxWorkspaceWrite   SandboxPolicy = "workspace-write"
	SandboxDangerFullAccess SandboxPolicy = "danger-full-access"
)

// ApprovalPolicy governs whether actions require user confirmation.
type ApprovalPolicy string

const (
	ApprovalUnlessTrusted ApprovalPolicy = "unless-trusted"
	ApprovalOnRequest     ApprovalPolicy = "on-request"
	ApprovalNever         ApprovalPolicy = "never"
)

// ReasoningEffort is a model reasoning-depth hint, passed through verbatim
// to the provider.
type ReasoningEffort string

// ToolConfig records which tool categories this turn's model may use.
type ToolConfig struct {
	IncludeSubagentTool  bool
	IncludePlanningTool  bool
}

// TurnContext is recorded once per turn-initiating operation (a user turn,
// an inline compaction, a staged compaction) and never mutated afterward.
type TurnContext struct {
	Cwd                    string
	ApprovalPolicy         ApprovalPolicy
	SandboxPolicy          SandboxPolicy
	ModelID                string
	ReasoningEffort        ReasoningEffort
	ReasoningSummaryStyle  string
	BaseInstructions       string
	UserInstructions       string
	Tools                  ToolConfig
}

// Clone returns a value copy; TurnContext has no reference fields requiring
// deep copy, but Clone documents the immutability contract at call sites.
func (tc TurnContext) Clone() TurnContext {
	return tc
}
