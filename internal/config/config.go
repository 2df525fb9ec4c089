// Package config loads relay settings from the environment, an optional
// .env file and an optional config file.
package config

import (
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// Mode selects which conversation strategy the relay serves.
type Mode string

const (
	ModeCompletion Mode = "completion"
	ModeAssistant  Mode = "assistant"
)

const (
	ProviderAzure = "azure"
	ProviderDummy = "dummy"
)

// Azure holds the Azure OpenAI resource settings.
type Azure struct {
	Endpoint    string
	APIKey      string
	APIVersion  string
	Deployment  string
	AssistantID string
}

// Config holds configuration for the relay process.
type Config struct {
	Mode     Mode
	Provider string
	Addr     string
	Azure    Azure

	SystemPrompt        string
	MaxMessages         int
	MaxCompletionTokens int
	MaxSessions         int
	SessionIdleTTL      time.Duration

	PollInitial     time.Duration
	PollMaxInterval time.Duration
	PollMultiplier  float64
	PollMaxWait     time.Duration

	RequestTimeout   time.Duration
	ShutdownTimeout  time.Duration
	CircuitThreshold int
	CircuitCooldown  time.Duration

	DBPath    string
	LogLevel  string
	LogPretty bool

	DummyCompletionScript string
	DummyRunScript        string
	DummyReplyScript      string
}

type key struct {
	name string
	env  string
	def  any
}

// keys maps config-file keys to their environment variables and defaults.
var keys = []key{
	{"mode", "RELAY_MODE", string(ModeCompletion)},
	{"provider", "RELAY_MODEL_PROVIDER", ProviderAzure},
	{"addr", "RELAY_ADDR", ":8000"},
	{"azure.endpoint", "AZURE_OPENAI_ENDPOINT", ""},
	{"azure.api_key", "AZURE_OPENAI_API_KEY", ""},
	{"azure.api_version", "API_VERSION", ""},
	{"azure.deployment", "AZURE_OPENAI_DEPLOYMENT", ""},
	{"azure.assistant_id", "AZURE_OPENAI_ASSISTANT_ID", ""},
	{"system_prompt", "RELAY_SYSTEM_PROMPT", "You are Chaaya, calm AI guide for BODH."},
	{"max_messages", "RELAY_MAX_MESSAGES", 15},
	{"max_completion_tokens", "RELAY_MAX_COMPLETION_TOKENS", 1024},
	{"max_sessions", "RELAY_MAX_SESSIONS", 10000},
	{"session_idle_ttl", "RELAY_SESSION_IDLE_TTL", "30m"},
	{"poll.initial", "RELAY_POLL_INITIAL", "1s"},
	{"poll.max_interval", "RELAY_POLL_MAX_INTERVAL", "8s"},
	{"poll.multiplier", "RELAY_POLL_MULTIPLIER", 2.0},
	{"poll.max_wait", "RELAY_POLL_MAX_WAIT", "2m"},
	{"request_timeout", "RELAY_REQUEST_TIMEOUT", "60s"},
	{"shutdown_timeout", "RELAY_SHUTDOWN_TIMEOUT", "10s"},
	{"circuit.threshold", "RELAY_CIRCUIT_THRESHOLD", 0},
	{"circuit.cooldown", "RELAY_CIRCUIT_COOLDOWN", "30s"},
	{"db_path", "RELAY_DB_PATH", ""},
	{"log.level", "RELAY_LOG_LEVEL", "info"},
	{"log.pretty", "RELAY_LOG_PRETTY", false},
	{"dummy.completion_script", "RELAY_DUMMY_COMPLETION_SCRIPT", "ok"},
	{"dummy.run_script", "RELAY_DUMMY_RUN_SCRIPT", "completed"},
	{"dummy.reply_script", "RELAY_DUMMY_REPLY_SCRIPT", "ok"},
}

// LoadOptions controls where configuration is read from.
type LoadOptions struct {
	// EnvFile is loaded into the process environment without overriding
	// variables that are already set. Empty means ".env".
	EnvFile string
	// EnvFileRequired makes a missing EnvFile an error.
	EnvFileRequired bool
	// ConfigFile is an optional yaml/json/toml file read by viper.
	ConfigFile string
	// Overrides take precedence over every other source, e.g. CLI flags.
	Overrides map[string]any
}

// Load reads and validates the relay configuration.
func Load(opts LoadOptions) (Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil {
		if opts.EnvFileRequired || !errors.Is(err, fs.ErrNotExist) {
			return Config{}, errors.Wrapf(err, "load env file %s", envFile)
		}
	}

	v := viper.New()
	for _, k := range keys {
		v.SetDefault(k.name, k.def)
		if err := v.BindEnv(k.name, k.env); err != nil {
			return Config{}, errors.Wrapf(err, "bind %s", k.env)
		}
	}
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "read config file %s", opts.ConfigFile)
		}
	}
	for name, val := range opts.Overrides {
		v.Set(name, val)
	}

	p := parser{v: v}
	cfg := Config{
		Mode:     Mode(strings.ToLower(strings.TrimSpace(v.GetString("mode")))),
		Provider: strings.ToLower(strings.TrimSpace(v.GetString("provider"))),
		Addr:     v.GetString("addr"),
		Azure: Azure{
			Endpoint:    strings.TrimRight(strings.TrimSpace(v.GetString("azure.endpoint")), "/"),
			APIKey:      v.GetString("azure.api_key"),
			APIVersion:  v.GetString("azure.api_version"),
			Deployment:  v.GetString("azure.deployment"),
			AssistantID: v.GetString("azure.assistant_id"),
		},
		SystemPrompt:          v.GetString("system_prompt"),
		MaxMessages:           p.int("max_messages"),
		MaxCompletionTokens:   p.int("max_completion_tokens"),
		MaxSessions:           p.int("max_sessions"),
		SessionIdleTTL:        p.duration("session_idle_ttl"),
		PollInitial:           p.duration("poll.initial"),
		PollMaxInterval:       p.duration("poll.max_interval"),
		PollMultiplier:        p.float("poll.multiplier"),
		PollMaxWait:           p.duration("poll.max_wait"),
		RequestTimeout:        p.duration("request_timeout"),
		ShutdownTimeout:       p.duration("shutdown_timeout"),
		CircuitThreshold:      p.int("circuit.threshold"),
		CircuitCooldown:       p.duration("circuit.cooldown"),
		DBPath:                v.GetString("db_path"),
		LogLevel:              v.GetString("log.level"),
		LogPretty:             p.bool("log.pretty"),
		DummyCompletionScript: v.GetString("dummy.completion_script"),
		DummyRunScript:        v.GetString("dummy.run_script"),
		DummyReplyScript:      v.GetString("dummy.reply_script"),
	}
	if p.err != nil {
		return Config{}, p.err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements. Messages name the environment
// variables an operator has to set.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeCompletion, ModeAssistant:
	default:
		return errors.Errorf("RELAY_MODE must be %q or %q, got %q", ModeCompletion, ModeAssistant, c.Mode)
	}
	switch c.Provider {
	case ProviderAzure:
		if err := c.validateAzure(); err != nil {
			return err
		}
	case ProviderDummy:
	default:
		return errors.Errorf("RELAY_MODEL_PROVIDER must be %q or %q, got %q", ProviderAzure, ProviderDummy, c.Provider)
	}

	if c.Addr == "" {
		return errors.New("RELAY_ADDR must not be empty")
	}
	if c.MaxMessages < 2 {
		return errors.Errorf("RELAY_MAX_MESSAGES must be at least 2, got %d", c.MaxMessages)
	}
	if c.MaxCompletionTokens <= 0 {
		return errors.Errorf("RELAY_MAX_COMPLETION_TOKENS must be positive, got %d", c.MaxCompletionTokens)
	}
	if c.MaxSessions <= 0 {
		return errors.Errorf("RELAY_MAX_SESSIONS must be positive, got %d", c.MaxSessions)
	}
	if c.SessionIdleTTL < 0 {
		return errors.New("RELAY_SESSION_IDLE_TTL must not be negative")
	}
	if c.PollInitial <= 0 || c.PollMaxInterval < c.PollInitial || c.PollMaxWait <= 0 {
		return errors.New("RELAY_POLL_INITIAL, RELAY_POLL_MAX_INTERVAL and RELAY_POLL_MAX_WAIT must be positive with initial <= max interval")
	}
	if c.PollMultiplier < 1 {
		return errors.Errorf("RELAY_POLL_MULTIPLIER must be at least 1, got %v", c.PollMultiplier)
	}
	if c.CircuitThreshold < 0 {
		return errors.Errorf("RELAY_CIRCUIT_THRESHOLD must not be negative, got %d", c.CircuitThreshold)
	}
	return nil
}

func (c Config) validateAzure() error {
	var missing []string
	if c.Azure.Endpoint == "" {
		missing = append(missing, "AZURE_OPENAI_ENDPOINT")
	}
	if c.Azure.APIKey == "" {
		missing = append(missing, "AZURE_OPENAI_API_KEY")
	}
	if c.Azure.APIVersion == "" {
		missing = append(missing, "API_VERSION")
	}
	if c.Mode == ModeCompletion && c.Azure.Deployment == "" {
		missing = append(missing, "AZURE_OPENAI_DEPLOYMENT")
	}
	if c.Mode == ModeAssistant && c.Azure.AssistantID == "" {
		missing = append(missing, "AZURE_OPENAI_ASSISTANT_ID")
	}
	if len(missing) > 0 {
		return errors.Errorf("%s required in environment when RELAY_MODEL_PROVIDER=azure and RELAY_MODE=%s",
			strings.Join(missing, ", "), c.Mode)
	}
	return nil
}

// parser converts viper values and keeps the first conversion error.
type parser struct {
	v   *viper.Viper
	err error
}

func (p *parser) fail(name string, err error) {
	if p.err == nil {
		p.err = errors.Wrapf(err, "invalid value for %s", envName(name))
	}
}

func (p *parser) int(name string) int {
	n, err := cast.ToIntE(p.v.Get(name))
	if err != nil {
		p.fail(name, err)
	}
	return n
}

func (p *parser) float(name string) float64 {
	f, err := cast.ToFloat64E(p.v.Get(name))
	if err != nil {
		p.fail(name, err)
	}
	return f
}

func (p *parser) bool(name string) bool {
	b, err := cast.ToBoolE(p.v.Get(name))
	if err != nil {
		p.fail(name, err)
	}
	return b
}

func (p *parser) duration(name string) time.Duration {
	d, err := cast.ToDurationE(p.v.Get(name))
	if err != nil {
		p.fail(name, err)
	}
	return d
}

func envName(name string) string {
	for _, k := range keys {
		if k.name == name {
			return k.env
		}
	}
	return name
}
