package mermaidetl

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/titanous/json5"
	"golang.org/x/xerrors"
)

// Environment variables read by LoadConfig. Credentials are never stored in
// config files checked into a repository.
const (
	EnvAPIToken      = "MERMAID_API_TOKEN"
	EnvDatabaseURL   = "MERMAID_DATABASE_URL"
	EnvSlackToken    = "MERMAID_SLACK_TOKEN"
	EnvSMTPPassword  = "MERMAID_SMTP_PASSWORD"
	defaultAPIURL    = "https://api.datamermaid.org/v1"
	defaultTag       = "Rare"
	defaultSchema    = "mermaid_source"
	defaultMetricJob = "mermaid_etl"
)

// Config describes one ETL run.
type Config struct {
	API APIConfig `json:"api"`

	// Tag selects the projects to load. It is ignored when ProjectIDs is set.
	Tag        string   `json:"tag"`
	ProjectIDs []string `json:"project_ids"`
	// Surveys restricts the survey types. Empty means all of them.
	Surveys []string `json:"surveys"`

	PageSize    int `json:"page_size"`
	BatchSize   int `json:"batch_size"`
	Parallelism int `json:"parallelism"`
	// UnitTimeoutSeconds bounds the wall-clock time of one project and survey.
	UnitTimeoutSeconds int `json:"unit_timeout_seconds"`

	Retry       RetryConfig       `json:"retry"`
	Destination DestinationConfig `json:"destination"`
	Archive     ArchiveConfig     `json:"archive"`
	Notify      NotifyConfig      `json:"notify"`
	Metrics     MetricsConfig     `json:"metrics"`
}

// APIConfig locates the MERMAID API.
type APIConfig struct {
	BaseURL        string `json:"base_url"`
	Token          string `json:"token"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// RetryConfig is the file form of RetryPolicy.
type RetryConfig struct {
	MaxAttempts     int     `json:"max_attempts"`
	BaseDelayMillis int     `json:"base_delay_ms"`
	MaxDelayMillis  int     `json:"max_delay_ms"`
	Jitter          float64 `json:"jitter"`
}

// DestinationConfig selects the warehouse. Driver is postgres, sqlite or
// bigquery. DSN is used by the SQL drivers, Project and Location by BigQuery.
type DestinationConfig struct {
	Driver   string `json:"driver"`
	DSN      string `json:"dsn"`
	Schema   string `json:"schema"`
	MaxConns int    `json:"max_conns"`

	Project  string `json:"project"`
	Location string `json:"location"`
}

// NotifyConfig configures run notifications.
type NotifyConfig struct {
	// On is "always" or "failure". Failure covers degraded, failed and
	// fatal runs.
	On    string       `json:"on"`
	Slack *SlackConfig `json:"slack"`
	Email *EmailConfig `json:"email"`
}

// SlackConfig configures a SlackNotifier. The token comes from the
// environment.
type SlackConfig struct {
	Channel   string `json:"channel"`
	IconEmoji string `json:"icon_emoji"`
	Username  string `json:"username"`
}

// EmailConfig configures an EmailNotifier. The password comes from the
// environment.
type EmailConfig struct {
	From     string   `json:"from"`
	To       []string `json:"to"`
	SMTPAddr string   `json:"smtp_addr"`
	Username string   `json:"username"`
}

// MetricsConfig enables pushing run metrics to a Prometheus Pushgateway.
type MetricsConfig struct {
	PushgatewayURL string `json:"pushgateway_url"`
	Job            string `json:"job"`
}

// DefaultConfig returns the values LoadConfig starts from.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			BaseURL:        defaultAPIURL,
			TimeoutSeconds: 30,
		},
		Tag:                defaultTag,
		PageSize:           100,
		BatchSize:          500,
		Parallelism:        4,
		UnitTimeoutSeconds: 1800,
		Retry: RetryConfig{
			MaxAttempts:     DefaultRetryPolicy.MaxAttempts,
			BaseDelayMillis: int(DefaultRetryPolicy.BaseDelay / time.Millisecond),
			MaxDelayMillis:  int(DefaultRetryPolicy.MaxDelay / time.Millisecond),
			Jitter:          DefaultRetryPolicy.Jitter,
		},
		Destination: DestinationConfig{
			Driver:   "postgres",
			Schema:   defaultSchema,
			MaxConns: 4,
		},
		Notify:  NotifyConfig{On: "failure"},
		Metrics: MetricsConfig{Job: defaultMetricJob},
	}
}

func splitExt(f string) (string, string) {
	ext := filepath.Ext(f)
	return strings.TrimSuffix(f, ext), strings.TrimPrefix(ext, ".")
}

// LoadConfig reads name, a JSON5 file, merges <name>.local.<ext> over it when
// present, fills unset fields from DefaultConfig and applies credentials from
// the environment. An empty name yields the defaults plus the environment.
func LoadConfig(name string) (Config, error) {
	var cfg Config

	if name != "" {
		found := false

		b, err := os.ReadFile(name)
		if err != nil && !os.IsNotExist(err) {
			return cfg, xerrors.Errorf("failed to read %s: %w", name, err)
		}
		if len(b) > 0 {
			if err := json5.Unmarshal(b, &cfg); err != nil {
				return cfg, xerrors.Errorf("failed to parse %s: %w", name, err)
			}
			found = true
		}

		prefix, ext := splitExt(name)
		local := fmt.Sprintf("%s.local.%s", prefix, ext)
		b, err = os.ReadFile(local)
		if err != nil && !os.IsNotExist(err) {
			return cfg, xerrors.Errorf("failed to read %s: %w", local, err)
		}
		if len(b) > 0 {
			var override Config
			if err := json5.Unmarshal(b, &override); err != nil {
				return cfg, xerrors.Errorf("failed to parse %s: %w", local, err)
			}
			if err := mergo.Merge(&cfg, override, mergo.WithOverride); err != nil {
				return cfg, xerrors.Errorf("failed to merge %s: %w", local, err)
			}
			found = true
		}

		if !found {
			return cfg, xerrors.Errorf("config %s: %w", name, os.ErrNotExist)
		}
	}

	if err := mergo.Merge(&cfg, DefaultConfig()); err != nil {
		return cfg, xerrors.Errorf("failed to apply defaults: %w", err)
	}
	cfg.applyEnv()

	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAPIToken); v != "" {
		c.API.Token = v
	}
	if v := os.Getenv(EnvDatabaseURL); v != "" {
		c.Destination.DSN = v
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if err := c.validateRun(); err != nil {
		return err
	}
	return c.Destination.Validate()
}

// validateRun checks everything but the destination.
func (c *Config) validateRun() error {
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return xerrors.Errorf("invalid api.base_url %q", c.API.BaseURL)
	}
	if c.PageSize < 1 {
		return xerrors.Errorf("page_size must be positive, got %d", c.PageSize)
	}
	if c.BatchSize < 1 {
		return xerrors.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.Parallelism < 1 {
		return xerrors.Errorf("parallelism must be positive, got %d", c.Parallelism)
	}
	if c.Retry.MaxAttempts < 1 {
		return xerrors.Errorf("retry.max_attempts must be positive, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return xerrors.Errorf("retry.jitter must be within [0, 1], got %v", c.Retry.Jitter)
	}
	if _, err := c.SurveyTypes(); err != nil {
		return err
	}

	switch c.Notify.On {
	case "", "always", "failure":
	default:
		return xerrors.Errorf("notify.on must be always or failure, got %q", c.Notify.On)
	}
	if e := c.Notify.Email; e != nil && (e.From == "" || len(e.To) == 0 || e.SMTPAddr == "") {
		return xerrors.New("notify.email needs from, to and smtp_addr")
	}
	if s := c.Notify.Slack; s != nil && s.Channel == "" {
		return xerrors.New("notify.slack needs a channel")
	}

	return nil
}

// Validate checks the destination settings.
func (d DestinationConfig) Validate() error {
	switch strings.ToLower(d.Driver) {
	case "bigquery":
		if d.Project == "" {
			return xerrors.New("destination.project is required for bigquery")
		}
		if d.Schema == "" {
			return xerrors.New("destination.schema is required for bigquery")
		}
	default:
		if _, err := DialectFor(d.Driver); err != nil {
			return err
		}
		if d.DSN == "" {
			return xerrors.Errorf("destination.dsn or %s is required", EnvDatabaseURL)
		}
	}
	return nil
}

// SurveyTypes returns the selected survey types, all of them when none are
// configured.
func (c *Config) SurveyTypes() ([]SurveyType, error) {
	if len(c.Surveys) == 0 {
		return append([]SurveyType(nil), AllSurveys...), nil
	}
	out := make([]SurveyType, 0, len(c.Surveys))
	seen := map[SurveyType]bool{}
	for _, s := range c.Surveys {
		st, err := ParseSurveyType(s)
		if err != nil {
			return nil, err
		}
		if !seen[st] {
			seen[st] = true
			out = append(out, st)
		}
	}
	return out, nil
}

// RetryPolicy returns the configured retry policy.
func (c *Config) RetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   time.Duration(c.Retry.BaseDelayMillis) * time.Millisecond,
		MaxDelay:    time.Duration(c.Retry.MaxDelayMillis) * time.Millisecond,
		Jitter:      c.Retry.Jitter,
	}
}

// UnitTimeout returns the budget of one unit, zero meaning none.
func (c *Config) UnitTimeout() time.Duration {
	return time.Duration(c.UnitTimeoutSeconds) * time.Second
}

// ClientConfig returns the API client settings.
func (c *Config) ClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL: c.API.BaseURL,
		Token:   c.API.Token,
		Timeout: time.Duration(c.API.TimeoutSeconds) * time.Second,
		Retry:   c.RetryPolicy(),
	}
}

// OpenSink opens the destination described by cfg.
func OpenSink(ctx context.Context, cfg DestinationConfig) (Sink, error) {
	if strings.EqualFold(cfg.Driver, "bigquery") {
		return NewBigQuerySink(ctx, cfg.Project, cfg.Location)
	}
	return OpenSQLSink(ctx, cfg.Driver, cfg.DSN, cfg.MaxConns)
}

// Notifiers builds the notifiers configured in n.
func (n NotifyConfig) Notifiers() []Notifier {
	var out []Notifier
	if n.Slack != nil {
		out = append(out, &SlackNotifier{
			Channel:   n.Slack.Channel,
			IconEmoji: n.Slack.IconEmoji,
			Username:  n.Slack.Username,
			Token:     os.Getenv(EnvSlackToken),
		})
	}
	if n.Email != nil {
		out = append(out, &EmailNotifier{
			From:     n.Email.From,
			To:       n.Email.To,
			SMTPAddr: n.Email.SMTPAddr,
			Username: n.Email.Username,
			Password: os.Getenv(EnvSMTPPassword),
		})
	}
	return out
}
