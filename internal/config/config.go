package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration. It is read only in cmd/main.go
// and handed to constructors as plain values.
type Config struct {
	Bot       BotConfig       `yaml:"bot"`
	Data      DataConfig      `yaml:"data"`
	AI        AIConfig        `yaml:"ai"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Retention RetentionConfig `yaml:"retention"`
	Delays    DelayConfig     `yaml:"delays"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Archive   ArchiveConfig   `yaml:"archive"`
}

type BotConfig struct {
	Name    string `yaml:"name"`
	Persona string `yaml:"persona"`
	// OwnerID may close any ticket or commission.
	OwnerID          string   `yaml:"owner_id"`
	BlockedWords     []string `yaml:"blocked_words"`
	MaxMessageLength int      `yaml:"max_message_length"`
}

type DataConfig struct {
	Dir      string `yaml:"dir"`
	File     string `yaml:"file"`
	AutoSave bool   `yaml:"auto_save"`
}

type AIConfig struct {
	APIKey string `yaml:"api_key"`
	// KeyParam names a parameter store entry holding {"token": "..."}. It is
	// used only when APIKey is empty.
	KeyParam          string  `yaml:"key_param"`
	Model             string  `yaml:"model"`
	RequestsPerMinute int     `yaml:"requests_per_minute"`
	Temperature       float32 `yaml:"temperature"`
}

type SchedulerConfig struct {
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	MaintenanceCron string        `yaml:"maintenance_cron"`
}

type RetentionConfig struct {
	ConversationDays int `yaml:"conversation_days"`
	ReminderDays     int `yaml:"reminder_days"`
	FeedbackKeep     int `yaml:"feedback_keep"`
}

type DelayConfig struct {
	TicketDelete     time.Duration `yaml:"ticket_delete"`
	CommissionDelete time.Duration `yaml:"commission_delete"`
	FeedbackDelete   time.Duration `yaml:"feedback_delete"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type MetricsConfig struct {
	// Addr is the admin listener; empty disables it.
	Addr string `yaml:"addr"`
}

type ArchiveConfig struct {
	Table string        `yaml:"table"`
	Name  string        `yaml:"name"`
	TTL   time.Duration `yaml:"ttl"`
}

const (
	defaultBotName          = "Assistant"
	defaultPersona          = "A friendly, concise assistant for this community."
	defaultMaxMessageLength = 2000
	defaultDataDir          = "data"
	defaultDataFile         = "bot_data.json"
	defaultModel            = "gemini-2.5-flash"
	defaultRPM              = 10
	defaultTemperature      = 0.7
	defaultSweepInterval    = 60 * time.Second
	defaultMaintenanceCron  = "0 3 * * *"
	defaultConversationDays = 90
	defaultReminderDays     = 30
	defaultFeedbackKeep     = 30
	defaultTicketDelete     = 3 * time.Second
	defaultCommissionDelete = 10 * time.Second
	defaultFeedbackDelete   = 10 * time.Second
	defaultLogLevel         = "info"
	defaultMetricsAddr      = "127.0.0.1:9090"
	defaultArchiveName      = "bot_data"
	defaultArchiveTTL       = 30 * 24 * time.Hour
)

func Default() *Config {
	return &Config{
		Bot: BotConfig{
			Name:             defaultBotName,
			Persona:          defaultPersona,
			MaxMessageLength: defaultMaxMessageLength,
		},
		Data: DataConfig{
			Dir:      defaultDataDir,
			File:     defaultDataFile,
			AutoSave: true,
		},
		AI: AIConfig{
			Model:             defaultModel,
			RequestsPerMinute: defaultRPM,
			Temperature:       defaultTemperature,
		},
		Scheduler: SchedulerConfig{
			SweepInterval:   defaultSweepInterval,
			MaintenanceCron: defaultMaintenanceCron,
		},
		Retention: RetentionConfig{
			ConversationDays: defaultConversationDays,
			ReminderDays:     defaultReminderDays,
			FeedbackKeep:     defaultFeedbackKeep,
		},
		Delays: DelayConfig{
			TicketDelete:     defaultTicketDelete,
			CommissionDelete: defaultCommissionDelete,
			FeedbackDelete:   defaultFeedbackDelete,
		},
		Log:     LogConfig{Level: defaultLogLevel},
		Metrics: MetricsConfig{Addr: defaultMetricsAddr},
		Archive: ArchiveConfig{Name: defaultArchiveName, TTL: defaultArchiveTTL},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path or a missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnvOverrides(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnvOverrides(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("BOT_NAME", &c.Bot.Name)
	str("BOT_OWNER_ID", &c.Bot.OwnerID)
	str("ASSISTANT_DATA_DIR", &c.Data.Dir)
	str("ASSISTANT_DATA_FILE", &c.Data.File)
	str("GEMINI_API_KEY", &c.AI.APIKey)
	str("GEMINI_MODEL", &c.AI.Model)
	str("GEMINI_KEY_PARAM", &c.AI.KeyParam)
	str("ARCHIVE_TABLE", &c.Archive.Table)
	str("LOG_LEVEL", &c.Log.Level)
	str("METRICS_ADDR", &c.Metrics.Addr)
	str("MAINTENANCE_CRON", &c.Scheduler.MaintenanceCron)

	if v, ok := lookup("ASSISTANT_AUTOSAVE"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: ASSISTANT_AUTOSAVE: %w", err)
		}
		c.Data.AutoSave = b
	}
	if v, ok := lookup("GEMINI_RPM"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: GEMINI_RPM: %w", err)
		}
		c.AI.RequestsPerMinute = n
	}
	if v, ok := lookup("BOT_BLOCKED_WORDS"); ok && v != "" {
		c.Bot.BlockedWords = strings.Split(v, ",")
	}
	if v, ok := lookup("SWEEP_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: SWEEP_INTERVAL: %w", err)
		}
		c.Scheduler.SweepInterval = d
	}
	return nil
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Bot.Name) == "" {
		return errors.New("config: bot.name must not be empty")
	}
	if c.Bot.MaxMessageLength <= 0 {
		return fmt.Errorf("config: bot.max_message_length must be positive, got %d", c.Bot.MaxMessageLength)
	}
	if strings.TrimSpace(c.Data.Dir) == "" {
		return errors.New("config: data.dir must not be empty")
	}
	if strings.TrimSpace(c.Data.File) == "" || strings.ContainsAny(c.Data.File, `/\`) {
		return fmt.Errorf("config: data.file %q must be a bare file name", c.Data.File)
	}
	if c.AI.RequestsPerMinute <= 0 {
		return fmt.Errorf("config: ai.requests_per_minute must be positive, got %d", c.AI.RequestsPerMinute)
	}
	if c.Scheduler.SweepInterval < time.Second {
		return fmt.Errorf("config: scheduler.sweep_interval %s is below 1s", c.Scheduler.SweepInterval)
	}
	if !gronx.IsValid(c.Scheduler.MaintenanceCron) {
		return fmt.Errorf("config: scheduler.maintenance_cron %q is not a valid cron expression", c.Scheduler.MaintenanceCron)
	}
	if c.Retention.ConversationDays < 0 || c.Retention.ReminderDays < 0 || c.Retention.FeedbackKeep < 0 {
		return errors.New("config: retention values must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"delays.ticket_delete":     c.Delays.TicketDelete,
		"delays.commission_delete": c.Delays.CommissionDelete,
		"delays.feedback_delete":   c.Delays.FeedbackDelete,
	} {
		if d < 0 {
			return fmt.Errorf("config: %s must not be negative", name)
		}
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: log.level: %w", err)
	}
	return nil
}

// ConversationMaxAge is zero when pruning is disabled.
func (c *Config) ConversationMaxAge() time.Duration {
	return time.Duration(c.Retention.ConversationDays) * 24 * time.Hour
}

func (c *Config) ReminderRetention() time.Duration {
	return time.Duration(c.Retention.ReminderDays) * 24 * time.Hour
}

// NeedsAWS reports whether any component talks to AWS.
func (c *Config) NeedsAWS() bool {
	return c.Archive.Table != "" || (c.AI.APIKey == "" && c.AI.KeyParam != "")
}
