// Package config loads conduit's configuration file.
//
// The file is conduit.jsonc (JSON with comments) or conduit.yaml and lives
// in the conduit home directory. Every field has a default, so a missing
// file is not an error.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/HyphaGroup/conduit/internal/agent"
	"github.com/HyphaGroup/conduit/internal/protocol"
	"github.com/HyphaGroup/conduit/internal/router"
)

// Config is the full configuration shared by conduitd and the conduit CLI.
type Config struct {
	Socket      SocketSection              `json:"socket" yaml:"socket"`
	Log         LogSection                 `json:"log" yaml:"log"`
	Metrics     MetricsSection             `json:"metrics" yaml:"metrics"`
	Timeouts    TimeoutsSection            `json:"timeouts" yaml:"timeouts"`
	Router      RouterSection              `json:"router" yaml:"router"`
	Engine      EngineSection              `json:"engine" yaml:"engine"`
	Credentials CredentialRegistry         `json:"credentials" yaml:"credentials"`
	Models      map[string]ModelDefinition `json:"models" yaml:"models"`
	Journal     JournalSection             `json:"journal" yaml:"journal"`
	Channels    ChannelsSection            `json:"channels" yaml:"channels"`
	MCP         MCPSection                 `json:"mcp" yaml:"mcp"`

	// Path is the file the config was loaded from; empty for pure defaults.
	Path string `json:"-" yaml:"-"`
}

// SocketSection configures the Unix socket transport.
type SocketSection struct {
	Path  string `json:"path" yaml:"path"`
	Codec string `json:"codec" yaml:"codec"`

	// RateLimit caps inbound messages per second per connection. Zero disables it.
	RateLimit float64 `json:"rate_limit" yaml:"rate_limit"`
	RateBurst int     `json:"rate_burst" yaml:"rate_burst"`
}

type LogSection struct {
	Dir   string `json:"dir" yaml:"dir"`
	JSON  bool   `json:"json" yaml:"json"`
	Level string `json:"level" yaml:"level"`
}

type MetricsSection struct {
	// Address serves /metrics; empty disables the endpoint.
	Address string `json:"address" yaml:"address"`
}

// TimeoutsSection overrides the per-kind request budgets.
type TimeoutsSection struct {
	Initialize Duration `json:"initialize" yaml:"initialize"`
	Editor     Duration `json:"editor" yaml:"editor"`
	Permission Duration `json:"permission" yaml:"permission"`
	Default    Duration `json:"default" yaml:"default"`
}

// RouterSection overrides the client's stream idle budgets.
type RouterSection struct {
	Thinking Duration `json:"thinking" yaml:"thinking"`
	ToolUse  Duration `json:"tool_use" yaml:"tool_use"`
	Default  Duration `json:"default" yaml:"default"`
}

// EngineSection selects and tunes the agent engine.
type EngineSection struct {
	// Type is anthropic, openai, echo or auto.
	Type           string   `json:"type" yaml:"type"`
	Model          string   `json:"model" yaml:"model"`
	MaxTokens      int      `json:"max_tokens" yaml:"max_tokens"`
	SystemPrompt   string   `json:"system_prompt" yaml:"system_prompt"`
	TranscriptTTL  Duration `json:"transcript_ttl" yaml:"transcript_ttl"`
	MaxTranscripts int      `json:"max_transcripts" yaml:"max_transcripts"`

	// EchoChunkDelay slows the echo engine down for demos.
	EchoChunkDelay Duration `json:"echo_chunk_delay" yaml:"echo_chunk_delay"`
}

type JournalSection struct {
	Enabled       bool     `json:"enabled" yaml:"enabled"`
	Dir           string   `json:"dir" yaml:"dir"`
	Retention     Duration `json:"retention" yaml:"retention"`
	PruneSchedule string   `json:"prune_schedule" yaml:"prune_schedule"`
}

type ChannelsSection struct {
	// IdleTimeout closes channels without traffic; zero keeps them forever.
	IdleTimeout Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// MCPSection configures `conduit mcp`.
type MCPSection struct {
	HTTPAddress  string   `json:"http_address" yaml:"http_address"`
	Cwd          string   `json:"cwd" yaml:"cwd"`
	ReplyTimeout Duration `json:"reply_timeout" yaml:"reply_timeout"`
	AllowTools   bool     `json:"allow_tools" yaml:"allow_tools"`

	// RequireAuth demands a bearer token on the HTTP endpoint. Tokens are
	// kept in AuthDir and issued with `conduit token create`.
	RequireAuth bool    `json:"require_auth" yaml:"require_auth"`
	AuthDir     string  `json:"auth_dir" yaml:"auth_dir"`
	RateLimit   float64 `json:"rate_limit" yaml:"rate_limit"`
	RateBurst   int     `json:"rate_burst" yaml:"rate_burst"`
}

// Duration is a time.Duration written as a Go duration string ("90s", "5m").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	return d.parse(s)
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string like \"30s\": %w", value.Line, err)
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Defaults returns the configuration used when no file is present.
func Defaults() *Config {
	home := Home()
	t := protocol.DefaultTimeouts()
	b := router.DefaultBudgets()
	return &Config{
		Socket: SocketSection{
			Path:  filepath.Join(home, "conduit.sock"),
			Codec: protocol.CodecJSON,
		},
		Log: LogSection{
			Dir:   filepath.Join(home, "logs"),
			Level: "info",
		},
		Metrics: MetricsSection{Address: "127.0.0.1:9464"},
		Timeouts: TimeoutsSection{
			Initialize: Duration(t.Initialize),
			Editor:     Duration(t.Editor),
			Permission: Duration(t.Permission),
			Default:    Duration(t.Default),
		},
		Router: RouterSection{
			Thinking: Duration(b.Thinking),
			ToolUse:  Duration(b.ToolUse),
			Default:  Duration(b.Default),
		},
		Engine: EngineSection{
			Type:           string(agent.EngineTypeAuto),
			MaxTokens:      8192,
			TranscriptTTL:  Duration(24 * time.Hour),
			MaxTranscripts: 256,
		},
		Models: map[string]ModelDefinition{},
		Journal: JournalSection{
			Enabled:       true,
			Dir:           filepath.Join(home, "journal"),
			Retention:     Duration(30 * 24 * time.Hour),
			PruneSchedule: "0 * * * *",
		},
		MCP: MCPSection{
			ReplyTimeout: Duration(5 * time.Minute),
			AuthDir:      filepath.Join(home, "auth"),
			RateLimit:    10,
			RateBurst:    20,
		},
	}
}

// Home returns the conduit home directory: $CONDUIT_HOME, else ~/.conduit.
func Home() string {
	if dir := os.Getenv("CONDUIT_HOME"); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".conduit")
	}
	return ".conduit"
}

// ProtocolTimeouts converts the timeouts section.
func (c *Config) ProtocolTimeouts() protocol.Timeouts {
	return protocol.Timeouts{
		Initialize: c.Timeouts.Initialize.Std(),
		Editor:     c.Timeouts.Editor.Std(),
		Permission: c.Timeouts.Permission.Std(),
		Default:    c.Timeouts.Default.Std(),
	}
}

// RouterBudgets converts the router section.
func (c *Config) RouterBudgets() router.Budgets {
	return router.Budgets{
		Thinking: c.Router.Thinking.Std(),
		ToolUse:  c.Router.ToolUse.Std(),
		Default:  c.Router.Default.Std(),
	}
}

// EngineType resolves "auto" against the available credentials.
func (c *Config) EngineType() (agent.EngineType, error) {
	t, err := agent.ParseEngineType(c.Engine.Type)
	if err != nil {
		return "", err
	}
	if t == agent.EngineTypeAuto {
		t = agent.DetectEngineType(c.Credentials.APIKey("anthropic"), c.Credentials.APIKey("openai"))
	}
	return t, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if _, err := protocol.CodecByName(c.Socket.Codec); err != nil {
		return fmt.Errorf("socket.codec: %w", err)
	}
	if c.Socket.RateLimit < 0 || c.Socket.RateBurst < 0 {
		return fmt.Errorf("socket.rate_limit and socket.rate_burst cannot be negative")
	}
	if _, err := agent.ParseEngineType(c.Engine.Type); err != nil {
		return fmt.Errorf("engine.type: %w", err)
	}
	if c.Engine.MaxTokens < 0 {
		return fmt.Errorf("engine.max_tokens cannot be negative: %d", c.Engine.MaxTokens)
	}
	if c.MCP.RateLimit < 0 || c.MCP.RateBurst < 0 {
		return fmt.Errorf("mcp.rate_limit and mcp.rate_burst cannot be negative")
	}
	if c.MCP.RequireAuth && c.MCP.AuthDir == "" {
		return fmt.Errorf("mcp.auth_dir is required when mcp.require_auth is set")
	}
	for name, d := range map[string]Duration{
		"timeouts.initialize":   c.Timeouts.Initialize,
		"timeouts.editor":       c.Timeouts.Editor,
		"timeouts.permission":   c.Timeouts.Permission,
		"timeouts.default":      c.Timeouts.Default,
		"router.thinking":       c.Router.Thinking,
		"router.tool_use":       c.Router.ToolUse,
		"router.default":        c.Router.Default,
		"channels.idle_timeout": c.Channels.IdleTimeout,
		"mcp.reply_timeout":     c.MCP.ReplyTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s cannot be negative: %v", name, d)
		}
	}
	if c.Journal.Enabled {
		if c.Journal.Retention <= 0 {
			return fmt.Errorf("journal.retention must be positive")
		}
		if _, err := cron.ParseStandard(c.Journal.PruneSchedule); err != nil {
			return fmt.Errorf("journal.prune_schedule: %w", err)
		}
	}
	return nil
}
