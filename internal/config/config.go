package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultProviderType      = "anthropic"
	DefaultPrimaryModel      = "claude-haiku-4-5"
	DefaultVisionModel       = "claude-sonnet-4-5"
	DefaultMaxTokens         = 1024
	DefaultAnalysisTimeoutMs = 20000
	DefaultSlowTimeoutMs     = 60000
	DefaultRichness          = "balanced"
	DefaultWindowMaxAgeMs    = 120000
	DefaultHistorySize       = 50

	DefaultDebounceMs    = 2000
	DefaultMaxIntervalMs = 30000
	DefaultCooldownMs    = 5000

	DefaultFeedCapacity     = 200
	DefaultSenseCapacity    = 120
	DefaultMaxImagesKept    = 3
	DefaultImageRetentionMs = 90000
	DefaultSSIMThreshold    = 0.92
	DefaultOCRThreshold     = 0.9

	DefaultEscalationMode       = "selective"
	DefaultEscalationCooldownMs = 60000
	DefaultStaleAfterMs         = 600000
	DefaultEscalationThreshold  = 3

	DefaultGatewayURL         = "ws://127.0.0.1:18789"
	DefaultProtocolVersion    = 3
	DefaultCallTimeoutMs      = 15000
	DefaultFinalTimeoutMs     = 120000
	DefaultReconnectFloorMs   = 1000
	DefaultReconnectCeilingMs = 30000
	DefaultBreakerThreshold   = 5
	DefaultBreakerWindowMs    = 120000
	DefaultBreakerCooloffMs   = 60000
	DefaultBreakerJitterMs    = 15000
	DefaultSessionKey         = "agent:main:ambient"

	DefaultHooksURL  = "http://127.0.0.1:18789/hooks/agent"
	DefaultHooksName = "ambient"

	DefaultControlHost = "127.0.0.1"
	DefaultControlPort = 18795

	DefaultJournalRetentionDays = 14
	DefaultJournalPruneExpr     = "0 30 4 * * *"
	DefaultStatsEvery           = "5m"

	DefaultRedisStream = "ambient:events"
	DefaultRedisGroup  = "ambient"
)

// EscalationModes lists the accepted escalation.mode values.
var EscalationModes = []string{"off", "selective", "focus", "rich"}

type Config struct {
	Workspace  string           `json:"workspace" yaml:"workspace"`
	Provider   ProviderConfig   `json:"provider" yaml:"provider"`
	Analysis   AnalysisConfig   `json:"analysis" yaml:"analysis"`
	Scheduler  SchedulerConfig  `json:"scheduler" yaml:"scheduler"`
	Buffers    BuffersConfig    `json:"buffers" yaml:"buffers"`
	Escalation EscalationConfig `json:"escalation" yaml:"escalation"`
	Gateway    GatewayConfig    `json:"gateway" yaml:"gateway"`
	Hooks      HooksConfig      `json:"hooks" yaml:"hooks"`
	Control    ControlConfig    `json:"control" yaml:"control"`
	Journal    JournalConfig    `json:"journal" yaml:"journal"`
	Snapshot   SnapshotConfig   `json:"snapshot" yaml:"snapshot"`
	Channels   ChannelsConfig   `json:"channels" yaml:"channels"`
	Ingest     IngestConfig     `json:"ingest" yaml:"ingest"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty" yaml:"type,omitempty" validate:"omitempty,oneof=anthropic openai"`
	APIKey  string `json:"apiKey" yaml:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`
	// OpenAI credentials for "openai/" prefixed models when Type is anthropic.
	OpenAIKey     string `json:"openaiKey,omitempty" yaml:"openaiKey,omitempty"`
	OpenAIBaseURL string `json:"openaiBaseUrl,omitempty" yaml:"openaiBaseUrl,omitempty"`
}

type AnalysisConfig struct {
	Primary        string   `json:"primary" yaml:"primary" validate:"required"`
	Fallbacks      []string `json:"fallbacks,omitempty" yaml:"fallbacks,omitempty"`
	VisionModel    string   `json:"visionModel,omitempty" yaml:"visionModel,omitempty"`
	SlowModels     []string `json:"slowModels,omitempty" yaml:"slowModels,omitempty"`
	TimeoutMs      int      `json:"timeoutMs" yaml:"timeoutMs" validate:"min=100"`
	SlowTimeoutMs  int      `json:"slowTimeoutMs" yaml:"slowTimeoutMs" validate:"min=100"`
	MaxTokens      int      `json:"maxTokens" yaml:"maxTokens" validate:"min=64"`
	Richness       string   `json:"richness" yaml:"richness" validate:"oneof=minimal balanced rich"`
	WindowMaxAgeMs int      `json:"windowMaxAgeMs" yaml:"windowMaxAgeMs" validate:"min=1000"`
	HistorySize    int      `json:"historySize" yaml:"historySize" validate:"min=1"`
}

type SchedulerConfig struct {
	DebounceMs    int `json:"debounceMs" yaml:"debounceMs" validate:"min=0"`
	MaxIntervalMs int `json:"maxIntervalMs" yaml:"maxIntervalMs" validate:"min=100"`
	CooldownMs    int `json:"cooldownMs" yaml:"cooldownMs" validate:"min=0"`
}

type BuffersConfig struct {
	FeedCapacity     int     `json:"feedCapacity" yaml:"feedCapacity" validate:"min=1"`
	SenseCapacity    int     `json:"senseCapacity" yaml:"senseCapacity" validate:"min=1"`
	MaxImagesKept    int     `json:"maxImagesKept" yaml:"maxImagesKept" validate:"min=0"`
	ImageRetentionMs int     `json:"imageRetentionMs" yaml:"imageRetentionMs" validate:"min=0"`
	SSIMThreshold    float64 `json:"ssimThreshold" yaml:"ssimThreshold" validate:"gte=0,lte=1"`
	OCRThreshold     float64 `json:"ocrThreshold" yaml:"ocrThreshold" validate:"gte=0,lte=1"`
}

type EscalationConfig struct {
	Mode         string `json:"mode" yaml:"mode" validate:"oneof=off selective focus rich"`
	CooldownMs   int    `json:"cooldownMs" yaml:"cooldownMs" validate:"min=0"`
	StaleAfterMs int    `json:"staleAfterMs" yaml:"staleAfterMs" validate:"min=0"`
	Threshold    int    `json:"threshold" yaml:"threshold" validate:"min=1"`
}

type GatewayConfig struct {
	Enabled            bool   `json:"enabled" yaml:"enabled"`
	URL                string `json:"url" yaml:"url" validate:"required_if=Enabled true"`
	Token              string `json:"token,omitempty" yaml:"token,omitempty"`
	SessionKey         string `json:"sessionKey,omitempty" yaml:"sessionKey,omitempty"`
	MinProtocol        int    `json:"minProtocol" yaml:"minProtocol" validate:"min=1"`
	MaxProtocol        int    `json:"maxProtocol" yaml:"maxProtocol" validate:"gtefield=MinProtocol"`
	CallTimeoutMs      int    `json:"callTimeoutMs" yaml:"callTimeoutMs" validate:"min=100"`
	FinalTimeoutMs     int    `json:"finalTimeoutMs" yaml:"finalTimeoutMs" validate:"min=100"`
	ReconnectFloorMs   int    `json:"reconnectFloorMs" yaml:"reconnectFloorMs" validate:"min=10"`
	ReconnectCeilingMs int    `json:"reconnectCeilingMs" yaml:"reconnectCeilingMs" validate:"gtefield=ReconnectFloorMs"`
	BreakerThreshold   int    `json:"breakerThreshold" yaml:"breakerThreshold" validate:"min=1"`
	BreakerWindowMs    int    `json:"breakerWindowMs" yaml:"breakerWindowMs" validate:"min=1"`
	BreakerCooloffMs   int    `json:"breakerCooloffMs" yaml:"breakerCooloffMs" validate:"min=0"`
	BreakerJitterMs    int    `json:"breakerJitterMs" yaml:"breakerJitterMs" validate:"min=0"`
}

type HooksConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	URL      string `json:"url" yaml:"url" validate:"required_if=Enabled true"`
	Token    string `json:"token,omitempty" yaml:"token,omitempty"`
	Name     string `json:"name" yaml:"name"`
	WakeMode string `json:"wakeMode" yaml:"wakeMode" validate:"omitempty,oneof=now next-heartbeat"`
	Deliver  bool   `json:"deliver" yaml:"deliver"`
}

type ControlConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port" validate:"min=0,max=65535"`
}

type JournalConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	DBPath        string `json:"dbPath,omitempty" yaml:"dbPath,omitempty"`
	RetentionDays int    `json:"retentionDays" yaml:"retentionDays" validate:"min=1"`
	PruneExpr     string `json:"pruneExpr" yaml:"pruneExpr"`
	StatsEvery    string `json:"statsEvery" yaml:"statsEvery"`
}

type SnapshotConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
	HUDFeed  HUDFeedConfig  `json:"hudFeed" yaml:"hudFeed"`
}

type TelegramConfig struct {
	Enabled         bool   `json:"enabled" yaml:"enabled"`
	Token           string `json:"token" yaml:"token" validate:"required_if=Enabled true"`
	ChatID          int64  `json:"chatId" yaml:"chatId"`
	Proxy           string `json:"proxy,omitempty" yaml:"proxy,omitempty"`
	MirrorHUD       bool   `json:"mirrorHud" yaml:"mirrorHud"`
	MirrorEscalated bool   `json:"mirrorEscalated" yaml:"mirrorEscalated"`
}

type HUDFeedConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Backlog int  `json:"backlog" yaml:"backlog" validate:"min=0"`
}

type IngestConfig struct {
	Redis RedisIngestConfig `json:"redis" yaml:"redis"`
}

type RedisIngestConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	URL      string `json:"url" yaml:"url" validate:"required_if=Enabled true"`
	Stream   string `json:"stream" yaml:"stream"`
	Group    string `json:"group" yaml:"group"`
	Consumer string `json:"consumer,omitempty" yaml:"consumer,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Workspace: filepath.Join(ConfigDir(), "workspace"),
		Provider:  ProviderConfig{Type: DefaultProviderType},
		Analysis: AnalysisConfig{
			Primary:        DefaultPrimaryModel,
			VisionModel:    DefaultVisionModel,
			TimeoutMs:      DefaultAnalysisTimeoutMs,
			SlowTimeoutMs:  DefaultSlowTimeoutMs,
			MaxTokens:      DefaultMaxTokens,
			Richness:       DefaultRichness,
			WindowMaxAgeMs: DefaultWindowMaxAgeMs,
			HistorySize:    DefaultHistorySize,
		},
		Scheduler: SchedulerConfig{
			DebounceMs:    DefaultDebounceMs,
			MaxIntervalMs: DefaultMaxIntervalMs,
			CooldownMs:    DefaultCooldownMs,
		},
		Buffers: BuffersConfig{
			FeedCapacity:     DefaultFeedCapacity,
			SenseCapacity:    DefaultSenseCapacity,
			MaxImagesKept:    DefaultMaxImagesKept,
			ImageRetentionMs: DefaultImageRetentionMs,
			SSIMThreshold:    DefaultSSIMThreshold,
			OCRThreshold:     DefaultOCRThreshold,
		},
		Escalation: EscalationConfig{
			Mode:         DefaultEscalationMode,
			CooldownMs:   DefaultEscalationCooldownMs,
			StaleAfterMs: DefaultStaleAfterMs,
			Threshold:    DefaultEscalationThreshold,
		},
		Gateway: GatewayConfig{
			URL:                DefaultGatewayURL,
			SessionKey:         DefaultSessionKey,
			MinProtocol:        DefaultProtocolVersion,
			MaxProtocol:        DefaultProtocolVersion,
			CallTimeoutMs:      DefaultCallTimeoutMs,
			FinalTimeoutMs:     DefaultFinalTimeoutMs,
			ReconnectFloorMs:   DefaultReconnectFloorMs,
			ReconnectCeilingMs: DefaultReconnectCeilingMs,
			BreakerThreshold:   DefaultBreakerThreshold,
			BreakerWindowMs:    DefaultBreakerWindowMs,
			BreakerCooloffMs:   DefaultBreakerCooloffMs,
			BreakerJitterMs:    DefaultBreakerJitterMs,
		},
		Hooks: HooksConfig{
			URL:      DefaultHooksURL,
			Name:     DefaultHooksName,
			WakeMode: "now",
		},
		Control: ControlConfig{
			Host: DefaultControlHost,
			Port: DefaultControlPort,
		},
		Journal: JournalConfig{
			Enabled:       true,
			RetentionDays: DefaultJournalRetentionDays,
			PruneExpr:     DefaultJournalPruneExpr,
			StatsEvery:    DefaultStatsEvery,
		},
		Snapshot: SnapshotConfig{Enabled: true},
		Channels: ChannelsConfig{
			HUDFeed: HUDFeedConfig{Enabled: true, Backlog: 20},
		},
		Ingest: IngestConfig{
			Redis: RedisIngestConfig{
				Stream: DefaultRedisStream,
				Group:  DefaultRedisGroup,
			},
		},
	}
}

func ConfigDir() string {
	if dir := strings.TrimSpace(os.Getenv("AMBIENT_HOME")); dir != "" {
		return dir
	}
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".ambient")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// StateDir holds the journal database and the situational snapshot.
func StateDir() string {
	return filepath.Join(ConfigDir(), "state")
}

func LoadConfig() (*Config, error) {
	// .env files are optional; values already in the environment win.
	_ = godotenv.Load(filepath.Join(ConfigDir(), ".env"))
	_ = godotenv.Load()

	cfg := DefaultConfig()

	if err := readConfigFile(cfg); err != nil {
		return nil, err
	}
	applyEnv(cfg)
	fillDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readConfigFile(cfg *Config) error {
	data, err := os.ReadFile(ConfigPath())
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("read config: %w", err)
	}

	yamlPath := filepath.Join(ConfigDir(), "config.yaml")
	data, err = os.ReadFile(yamlPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if key := os.Getenv("AMBIENT_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		if cfg.Provider.OpenAIKey == "" {
			cfg.Provider.OpenAIKey = key
		}
		if cfg.Provider.APIKey == "" {
			cfg.Provider.APIKey = key
			cfg.Provider.Type = "openai"
		}
	}
	if url := os.Getenv("AMBIENT_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if model := os.Getenv("AMBIENT_MODEL"); model != "" {
		cfg.Analysis.Primary = model
	}
	if fallbacks := os.Getenv("AMBIENT_FALLBACK_MODELS"); fallbacks != "" {
		cfg.Analysis.Fallbacks = splitList(fallbacks)
	}
	if url := os.Getenv("AMBIENT_GATEWAY_URL"); url != "" {
		cfg.Gateway.URL = url
		cfg.Gateway.Enabled = true
	}
	if token := os.Getenv("AMBIENT_GATEWAY_TOKEN"); token != "" {
		cfg.Gateway.Token = token
		if cfg.Hooks.Token == "" {
			cfg.Hooks.Token = token
		}
	}
	if token := os.Getenv("AMBIENT_HOOKS_TOKEN"); token != "" {
		cfg.Hooks.Token = token
	}
	if mode := os.Getenv("AMBIENT_ESCALATION_MODE"); mode != "" {
		cfg.Escalation.Mode = strings.ToLower(strings.TrimSpace(mode))
	}
	if port := os.Getenv("AMBIENT_CONTROL_PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil {
			cfg.Control.Port = parsed
		}
	}
	if token := os.Getenv("AMBIENT_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if chatID := os.Getenv("AMBIENT_TELEGRAM_CHAT_ID"); chatID != "" {
		if parsed, err := strconv.ParseInt(chatID, 10, 64); err == nil {
			cfg.Channels.Telegram.ChatID = parsed
		}
	}
	if url := os.Getenv("AMBIENT_REDIS_URL"); url != "" {
		cfg.Ingest.Redis.URL = url
		cfg.Ingest.Redis.Enabled = true
	}
}

// fillDefaults restores zero values a partial config file may have left.
func fillDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Workspace == "" {
		cfg.Workspace = def.Workspace
	}
	if cfg.Provider.Type == "" {
		cfg.Provider.Type = DefaultProviderType
	}
	if cfg.Analysis.Primary == "" {
		cfg.Analysis.Primary = DefaultPrimaryModel
	}
	if cfg.Analysis.TimeoutMs <= 0 {
		cfg.Analysis.TimeoutMs = DefaultAnalysisTimeoutMs
	}
	if cfg.Analysis.SlowTimeoutMs <= 0 {
		cfg.Analysis.SlowTimeoutMs = DefaultSlowTimeoutMs
	}
	if cfg.Analysis.MaxTokens <= 0 {
		cfg.Analysis.MaxTokens = DefaultMaxTokens
	}
	if cfg.Analysis.Richness == "" {
		cfg.Analysis.Richness = DefaultRichness
	}
	if cfg.Analysis.WindowMaxAgeMs <= 0 {
		cfg.Analysis.WindowMaxAgeMs = DefaultWindowMaxAgeMs
	}
	if cfg.Analysis.HistorySize <= 0 {
		cfg.Analysis.HistorySize = DefaultHistorySize
	}
	if cfg.Scheduler.MaxIntervalMs <= 0 {
		cfg.Scheduler.MaxIntervalMs = DefaultMaxIntervalMs
	}
	if cfg.Escalation.Mode == "" {
		cfg.Escalation.Mode = DefaultEscalationMode
	}
	if cfg.Escalation.Threshold <= 0 {
		cfg.Escalation.Threshold = DefaultEscalationThreshold
	}
	if cfg.Gateway.SessionKey == "" {
		cfg.Gateway.SessionKey = DefaultSessionKey
	}
	if cfg.Hooks.Name == "" {
		cfg.Hooks.Name = DefaultHooksName
	}
	if cfg.Journal.RetentionDays <= 0 {
		cfg.Journal.RetentionDays = DefaultJournalRetentionDays
	}
	if cfg.Journal.PruneExpr == "" {
		cfg.Journal.PruneExpr = DefaultJournalPruneExpr
	}
	if cfg.Ingest.Redis.Stream == "" {
		cfg.Ingest.Redis.Stream = DefaultRedisStream
	}
	if cfg.Ingest.Redis.Group == "" {
		cfg.Ingest.Redis.Group = DefaultRedisGroup
	}
}

var validate = validator.New()

// Validate checks field constraints declared in struct tags.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0600)
}

// Clone returns a deep copy of cfg.
func (c *Config) Clone() *Config {
	out := *c
	out.Analysis.Fallbacks = append([]string(nil), c.Analysis.Fallbacks...)
	out.Analysis.SlowModels = append([]string(nil), c.Analysis.SlowModels...)
	return &out
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Redacted returns a copy with credentials masked, for display.
func (c *Config) Redacted() *Config {
	out := c.Clone()
	for _, s := range []*string{
		&out.Provider.APIKey, &out.Provider.OpenAIKey, &out.Gateway.Token,
		&out.Hooks.Token, &out.Channels.Telegram.Token,
	} {
		if *s != "" {
			*s = redactedValue
		}
	}
	if out.Ingest.Redis.URL != "" {
		out.Ingest.Redis.URL = redactedValue
	}
	return out
}

const redactedValue = "***"
