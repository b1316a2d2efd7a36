package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "CRT80"
	defaultHTTPAddress      = "0.0.0.0:3000"
	defaultDatabasePath     = "crt80.db"
	defaultLogLevel         = "info"
	defaultLogFormat        = "json"
	defaultCookieName       = "crt80_session"
	defaultSessionIssuer    = "crt80"
	defaultSessionTTL       = 7 * 24 * time.Hour
	defaultTimeZone         = "America/Chicago"
	defaultScheduleInterval = 60 * time.Second
	defaultRetentionMonths  = 12
	defaultVisitDedupWindow = 48 * time.Hour
	defaultJoinCooldown     = time.Hour
	defaultChatMaxLength    = 400
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress     string
	DatabasePath    string
	LogLevel        string
	LogFormat       string
	LegacyAssetsDir string

	SessionSigningSecret string
	SessionCookieName    string
	SessionIssuer        string
	SessionTTL           time.Duration
	AdminUserIDs         []string

	ScheduleLocation *time.Location
	ScheduleInterval time.Duration

	AnalyticsLocation        *time.Location
	AnalyticsRetentionMonths int

	VisitDedupWindow time.Duration
	JoinCooldown     time.Duration
	ChatMaxLength    int
	ChatCensorExtra  []string

	CORSAllowedOrigins []string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("legacy.assets_dir", "")
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("session.ttl", defaultSessionTTL)
	configViper.SetDefault("admin.user_ids", []string{})
	configViper.SetDefault("schedule.timezone", defaultTimeZone)
	configViper.SetDefault("schedule.interval", defaultScheduleInterval)
	configViper.SetDefault("analytics.timezone", defaultTimeZone)
	configViper.SetDefault("analytics.retention_months", defaultRetentionMonths)
	configViper.SetDefault("realtime.visit_dedup_window", defaultVisitDedupWindow)
	configViper.SetDefault("realtime.join_cooldown", defaultJoinCooldown)
	configViper.SetDefault("chat.max_length", defaultChatMaxLength)
	configViper.SetDefault("chat.censor_extra", []string{})
	configViper.SetDefault("cors.allowed_origins", []string{})
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:              configViper.GetString("http.address"),
		DatabasePath:             configViper.GetString("database.path"),
		LogLevel:                 configViper.GetString("log.level"),
		LogFormat:                configViper.GetString("log.format"),
		LegacyAssetsDir:          strings.TrimSpace(configViper.GetString("legacy.assets_dir")),
		SessionSigningSecret:     configViper.GetString("session.signing_secret"),
		SessionCookieName:        configViper.GetString("session.cookie_name"),
		SessionIssuer:            configViper.GetString("session.issuer"),
		SessionTTL:               configViper.GetDuration("session.ttl"),
		AdminUserIDs:             splitList(configViper.GetStringSlice("admin.user_ids")),
		ScheduleInterval:         configViper.GetDuration("schedule.interval"),
		AnalyticsRetentionMonths: configViper.GetInt("analytics.retention_months"),
		VisitDedupWindow:         configViper.GetDuration("realtime.visit_dedup_window"),
		JoinCooldown:             configViper.GetDuration("realtime.join_cooldown"),
		ChatMaxLength:            configViper.GetInt("chat.max_length"),
		ChatCensorExtra:          splitList(configViper.GetStringSlice("chat.censor_extra")),
		CORSAllowedOrigins:       splitList(configViper.GetStringSlice("cors.allowed_origins")),
	}

	scheduleLocation, err := time.LoadLocation(configViper.GetString("schedule.timezone"))
	if err != nil {
		return AppConfig{}, fmt.Errorf("schedule.timezone: %w", err)
	}
	cfg.ScheduleLocation = scheduleLocation

	analyticsLocation, err := time.LoadLocation(configViper.GetString("analytics.timezone"))
	if err != nil {
		return AppConfig{}, fmt.Errorf("analytics.timezone: %w", err)
	}
	cfg.AnalyticsLocation = analyticsLocation

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if c.ScheduleInterval <= 0 {
		return fmt.Errorf("schedule.interval must be positive")
	}
	if c.VisitDedupWindow <= 0 || c.JoinCooldown <= 0 {
		return fmt.Errorf("realtime windows must be positive")
	}
	if c.ChatMaxLength <= 0 {
		return fmt.Errorf("chat.max_length must be positive")
	}
	if c.AnalyticsRetentionMonths <= 0 {
		return fmt.Errorf("analytics.retention_months must be positive")
	}
	return nil
}

// splitList accepts both real lists and comma/newline separated env values.
func splitList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.FieldsFunc(value, func(r rune) bool { return r == ',' || r == '\n' }) {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
