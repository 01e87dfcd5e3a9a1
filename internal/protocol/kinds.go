package protocol

import "time"

// RequestKind names an RPC carried in a request message.
type RequestKind string

// Client -> orchestrator kinds.
const (
	KindInitialize        RequestKind = "initialize"
	KindListChannels      RequestKind = "list_channels"
	KindGetChannel        RequestKind = "get_channel"
	KindSetModel          RequestKind = "set_model"
	KindSetPermissionMode RequestKind = "set_permission_mode"
	KindSetThinkingBudget RequestKind = "set_thinking_budget"
	KindChannelHistory    RequestKind = "channel_history"
)

// Orchestrator -> client kinds.
const (
	KindToolPermission RequestKind = "tool_permission"
	KindOpenFile       RequestKind = "open_file"
	KindOpenDiff       RequestKind = "open_diff"
)

// Default timeout budgets.
const (
	DefaultInitTimeout       = 10 * time.Second
	DefaultEditorTimeout     = 5 * time.Second
	DefaultPermissionTimeout = 300 * time.Second
	DefaultRequestTimeout    = 30 * time.Second
)

// Timeouts holds per-class RPC budgets. Zero fields fall back to the defaults.
type Timeouts struct {
	Initialize time.Duration
	Editor     time.Duration
	Permission time.Duration
	Default    time.Duration
}

// DefaultTimeouts returns the built-in budgets.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Initialize: DefaultInitTimeout,
		Editor:     DefaultEditorTimeout,
		Permission: DefaultPermissionTimeout,
		Default:    DefaultRequestTimeout,
	}
}

// For returns the budget for kind.
func (t Timeouts) For(kind RequestKind) time.Duration {
	d := DefaultTimeouts()
	pick := func(v, fallback time.Duration) time.Duration {
		if v > 0 {
			return v
		}
		return fallback
	}

	switch kind {
	case KindInitialize:
		return pick(t.Initialize, d.Initialize)
	case KindOpenFile, KindOpenDiff:
		return pick(t.Editor, d.Editor)
	case KindToolPermission:
		return pick(t.Permission, d.Permission)
	default:
		return pick(t.Default, d.Default)
	}
}

// DefaultTimeout returns the built-in budget for kind.
func DefaultTimeout(kind RequestKind) time.Duration {
	return DefaultTimeouts().For(kind)
}

// InitializeParams opens a client session with the orchestrator.
type InitializeParams struct {
	ClientName    string `json:"clientName"`
	ClientVersion string `json:"clientVersion,omitempty"`
}

// InitializeResult describes the orchestrator to a newly connected client.
type InitializeResult struct {
	ServerVersion string   `json:"serverVersion"`
	Engine        string   `json:"engine"`
	Codec         string   `json:"codec"`
	Channels      []string `json:"channels"`
}

// ChannelParams addresses one channel.
type ChannelParams struct {
	ChannelID string `json:"channelId"`
}

// ChannelInfo is the public snapshot of a live channel.
type ChannelInfo struct {
	ID             string    `json:"id"`
	Status         string    `json:"status"`
	Cwd            string    `json:"cwd"`
	Model          string    `json:"model,omitempty"`
	PermissionMode string    `json:"permissionMode"`
	ThinkingBudget int       `json:"thinkingBudget,omitempty"`
	ResumeToken    string    `json:"resumeToken,omitempty"`
	StartedAt      time.Time `json:"startedAt"`
}

// ListChannelsResult answers list_channels.
type ListChannelsResult struct {
	Channels []ChannelInfo `json:"channels"`
}

// SetModelParams changes the model of a live channel.
type SetModelParams struct {
	ChannelID string `json:"channelId"`
	Model     string `json:"model"`
}

// SetPermissionModeParams changes the permission mode of a live channel.
type SetPermissionModeParams struct {
	ChannelID      string `json:"channelId"`
	PermissionMode string `json:"permissionMode"`
}

// SetThinkingBudgetParams changes the thinking budget of a live channel.
type SetThinkingBudgetParams struct {
	ChannelID      string `json:"channelId"`
	ThinkingBudget int    `json:"thinkingBudget"`
}

// ChannelHistoryParams asks for journal entries of one channel.
type ChannelHistoryParams struct {
	ChannelID string `json:"channelId"`
	Limit     int    `json:"limit,omitempty"`
}

// HistoryEntry is one journal record.
type HistoryEntry struct {
	Event       string    `json:"event"`
	Reason      string    `json:"reason,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	ResumeToken string    `json:"resumeToken,omitempty"`
	At          time.Time `json:"at"`
}

// ChannelHistoryResult answers channel_history.
type ChannelHistoryResult struct {
	ChannelID string         `json:"channelId"`
	Entries   []HistoryEntry `json:"entries"`

	// ResumeToken is the newest token recorded for the channel, even when
	// it falls outside the returned entries.
	ResumeToken string `json:"resumeToken,omitempty"`
}

// ToolPermissionParams asks the client to approve a tool invocation.
type ToolPermissionParams struct {
	ToolName string `json:"toolName"`
	ToolID   string `json:"toolId"`
	Input    string `json:"input,omitempty"`
}

// Permission decisions.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// ToolPermissionResult is the client's decision.
type ToolPermissionResult struct {
	Behavior string `json:"behavior"`
	Message  string `json:"message,omitempty"`
}

// OpenFileParams asks the client to show a file.
type OpenFileParams struct {
	Path string `json:"path"`
	Line int    `json:"line,omitempty"`
}

// OpenDiffParams asks the client to show a proposed edit.
type OpenDiffParams struct {
	Path     string `json:"path"`
	Original string `json:"original"`
	Modified string `json:"modified"`
}

// Ack is the empty success result.
type Ack struct {
	OK bool `json:"ok"`
}
