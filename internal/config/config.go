package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	PurgeOff        = "off"
	PurgeAuthorized = "authorized"
	PurgeAlways     = "always"
)

const (
	keyToken           = "token"
	keyCommandsChannel = "channel_id_(for_c2)"
	keyActionsChannel  = "channel_id_(for_actions)"
	keyLogsChannel     = "channel_id_(for_logs)"
	keyWebhookUsers    = "webhooks_username"
	keyDebug           = "log_using_debug?"
)

const (
	tagString = "!!str"
	tagInt    = "!!int"
	tagSeq    = "!!seq"
	tagBool   = "!!bool"
)

// ErrInvalidFormat wraps every problem found in the credentials file.
var ErrInvalidFormat = errors.New("invalid JSON file format")

var requiredKeys = []struct {
	key string
	tag string
}{
	{keyToken, tagString},
	{keyCommandsChannel, tagInt},
	{keyActionsChannel, tagInt},
	{keyLogsChannel, tagInt},
	{keyWebhookUsers, tagSeq},
	{keyDebug, tagBool},
}

type Config struct {
	Token            string
	Channels         ChannelIDs
	WebhookUsernames []string
	Debug            bool
	Log              LogConfig
	PurgeHistory     string
	CountdownSeconds int
	DatabasePath     string
	RetentionDays    int
	LockPath         string
	Health           HealthConfig
}

// ChannelIDs holds one snowflake per channel role.
type ChannelIDs struct {
	Commands string
	Actions  string
	Logs     string
}

type LogConfig struct {
	File      string
	ErrorFile string
	MaxSizeMB int
	Color     bool
}

type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type optionalKeys struct {
	LogFile          string        `yaml:"log_file"`
	ErrorLogFile     string        `yaml:"error_log_file"`
	LogMaxSizeMB     int           `yaml:"log_max_size_mb"`
	LogColor         *bool         `yaml:"log_color"`
	PurgeHistory     string        `yaml:"purge_history"`
	CountdownSeconds int           `yaml:"countdown_seconds"`
	DatabasePath     string        `yaml:"database_path"`
	RetentionDays    int           `yaml:"audit_retention_days"`
	LockPath         string        `yaml:"lock_path"`
	Health           *HealthConfig `yaml:"health"`
}

type envOverrides struct {
	Token            string `env:"AGENT_TOKEN"`
	Debug            *bool  `env:"AGENT_DEBUG"`
	LogFile          string `env:"AGENT_LOG_FILE"`
	ErrorLogFile     string `env:"AGENT_ERROR_LOG_FILE"`
	LogColor         *bool  `env:"AGENT_LOG_COLOR"`
	PurgeHistory     string `env:"AGENT_PURGE_HISTORY"`
	CountdownSeconds int    `env:"AGENT_COUNTDOWN_SECONDS"`
	DatabasePath     string `env:"AGENT_DATABASE_PATH"`
	LockPath         string `env:"AGENT_LOCK_PATH"`
	HealthEnabled    *bool  `env:"AGENT_HEALTH_ENABLED"`
	HealthAddr       string `env:"AGENT_HEALTH_ADDR"`
}

func DefaultConfig() Config {
	return Config{
		Log: LogConfig{
			File:      "agent.log",
			MaxSizeMB: 50,
			Color:     true,
		},
		PurgeHistory:     PurgeAuthorized,
		CountdownSeconds: 60,
		DatabasePath:     "agent.db",
		RetentionDays:    90,
		Health:           HealthConfig{Enabled: false, Addr: ":8080"},
	}
}

// Load reads the credentials file at path, applies environment overrides and
// returns the validated configuration.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, err
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return finalize(cfg)
}

// Parse validates the credentials document. Every required key must be
// present with the exact JSON type; a string where an integer is expected is
// rejected rather than converted.
func Parse(data []byte) (Config, error) {
	if !json.Valid(data) {
		return Config{}, fmt.Errorf("%w: malformed JSON", ErrInvalidFormat)
	}

	normalized, err := normalizeJSON(data)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(normalized, &doc); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return Config{}, fmt.Errorf("%w: top level must be an object", ErrInvalidFormat)
	}
	root := doc.Content[0]

	values := make(map[string]*yaml.Node, len(root.Content)/2)
	for i := 0; i+1 < len(root.Content); i += 2 {
		values[root.Content[i].Value] = root.Content[i+1]
	}

	for _, field := range requiredKeys {
		node, ok := values[field.key]
		if !ok {
			return Config{}, fmt.Errorf("%w: missing key %q", ErrInvalidFormat, field.key)
		}
		if node.ShortTag() != field.tag {
			return Config{}, fmt.Errorf("%w: key %q has type %s, want %s", ErrInvalidFormat, field.key, node.ShortTag(), field.tag)
		}
	}

	cfg := DefaultConfig()
	cfg.Token = values[keyToken].Value

	if cfg.Channels.Commands, err = channelID(values, keyCommandsChannel); err != nil {
		return Config{}, err
	}
	if cfg.Channels.Actions, err = channelID(values, keyActionsChannel); err != nil {
		return Config{}, err
	}
	if cfg.Channels.Logs, err = channelID(values, keyLogsChannel); err != nil {
		return Config{}, err
	}

	users := values[keyWebhookUsers]
	cfg.WebhookUsernames = make([]string, 0, len(users.Content))
	for _, item := range users.Content {
		if item.ShortTag() != tagString {
			return Config{}, fmt.Errorf("%w: %q must only contain strings", ErrInvalidFormat, keyWebhookUsers)
		}
		cfg.WebhookUsernames = append(cfg.WebhookUsernames, item.Value)
	}

	if err := values[keyDebug].Decode(&cfg.Debug); err != nil {
		return Config{}, fmt.Errorf("%w: %q: %v", ErrInvalidFormat, keyDebug, err)
	}

	var opt optionalKeys
	if err := root.Decode(&opt); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	applyOptional(&cfg, opt)

	return cfg, nil
}

// normalizeJSON re-encodes data so yaml.v3 only sees plain JSON: escapes such
// as \/ are resolved and a repeated key keeps its last value. Numbers keep
// their literal form so snowflakes never pass through float64.
func normalizeJSON(data []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func channelID(values map[string]*yaml.Node, key string) (string, error) {
	raw := values[key].Value
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return "", fmt.Errorf("%w: key %q is not a channel id", ErrInvalidFormat, key)
	}
	return strconv.FormatUint(id, 10), nil
}

func applyOptional(cfg *Config, opt optionalKeys) {
	if opt.LogFile != "" {
		cfg.Log.File = opt.LogFile
	}
	if opt.ErrorLogFile != "" {
		cfg.Log.ErrorFile = opt.ErrorLogFile
	}
	if opt.LogMaxSizeMB > 0 {
		cfg.Log.MaxSizeMB = opt.LogMaxSizeMB
	}
	if opt.LogColor != nil {
		cfg.Log.Color = *opt.LogColor
	}
	if opt.PurgeHistory != "" {
		cfg.PurgeHistory = opt.PurgeHistory
	}
	if opt.CountdownSeconds != 0 {
		cfg.CountdownSeconds = opt.CountdownSeconds
	}
	if opt.DatabasePath != "" {
		cfg.DatabasePath = opt.DatabasePath
	}
	if opt.RetentionDays > 0 {
		cfg.RetentionDays = opt.RetentionDays
	}
	if opt.LockPath != "" {
		cfg.LockPath = opt.LockPath
	}
	if opt.Health != nil {
		cfg.Health.Enabled = opt.Health.Enabled
		if opt.Health.Addr != "" {
			cfg.Health.Addr = opt.Health.Addr
		}
	}
}

func applyEnv(cfg *Config) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	if o.Token != "" {
		cfg.Token = o.Token
	}
	if o.Debug != nil {
		cfg.Debug = *o.Debug
	}
	if o.LogFile != "" {
		cfg.Log.File = o.LogFile
	}
	if o.ErrorLogFile != "" {
		cfg.Log.ErrorFile = o.ErrorLogFile
	}
	if o.LogColor != nil {
		cfg.Log.Color = *o.LogColor
	}
	if o.PurgeHistory != "" {
		cfg.PurgeHistory = o.PurgeHistory
	}
	if o.CountdownSeconds != 0 {
		cfg.CountdownSeconds = o.CountdownSeconds
	}
	if o.DatabasePath != "" {
		cfg.DatabasePath = o.DatabasePath
	}
	if o.LockPath != "" {
		cfg.LockPath = o.LockPath
	}
	if o.HealthEnabled != nil {
		cfg.Health.Enabled = *o.HealthEnabled
	}
	if o.HealthAddr != "" {
		cfg.Health.Addr = o.HealthAddr
	}
	return nil
}

func finalize(cfg Config) (Config, error) {
	if cfg.Token == "" {
		return Config{}, fmt.Errorf("%w: token is empty", ErrInvalidFormat)
	}
	cfg.PurgeHistory = normalizePurge(cfg.PurgeHistory)
	if cfg.CountdownSeconds <= 0 {
		return Config{}, fmt.Errorf("%w: countdown_seconds must be positive", ErrInvalidFormat)
	}
	if cfg.Log.ErrorFile == "" {
		cfg.Log.ErrorFile = cfg.Log.File
	}
	return cfg, nil
}

func normalizePurge(value string) string {
	switch strings.ToLower(value) {
	case PurgeOff:
		return PurgeOff
	case PurgeAlways:
		return PurgeAlways
	default:
		return PurgeAuthorized
	}
}
