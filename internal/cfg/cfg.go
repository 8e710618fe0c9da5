package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"time"
)

// LLM provider names accepted by -llm-provider.
const (
	ProviderClaude = "claude"
	ProviderOpenAI = "openai"
	ProviderNone   = "none"
)

// Config holds the application settings. Every field can also be set from a
// WHATSPILOT_ prefixed environment variable.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int

	LLMProvider   string
	ClaudeAPIKey  string
	ClaudeModel   string
	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string

	FixturesPath    string
	ApifyDatasetURL string
	ApifyToken      string
	BridgeURL       string
	SlackWebhookURL string

	ItemDelay          time.Duration
	ClassifyRetryDelay time.Duration
	AlertRetryDelay    time.Duration
	HelperRateLimit    int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")

	fs.StringVar(&c.LLMProvider, "llm-provider", ProviderClaude, "LLM provider: claude, openai or none (none = demo mode)")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude provider (empty = demo mode)")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")
	fs.StringVar(&c.OpenAIAPIKey, "openai-api-key", "", "API key for the OpenAI provider (empty = demo mode)")
	fs.StringVar(&c.OpenAIModel, "openai-model", "gpt-4o-mini", "OpenAI model to use")
	fs.StringVar(&c.OpenAIBaseURL, "openai-base-url", "", "OpenAI compatible API base URL (empty = api.openai.com)")

	fs.StringVar(&c.FixturesPath, "fixtures-path", "", "YAML message dataset (empty = embedded demo data)")
	fs.StringVar(&c.ApifyDatasetURL, "apify-dataset-url", "", "Apify dataset items URL to fetch messages from (empty = fixtures)")
	fs.StringVar(&c.ApifyToken, "apify-token", "", "Apify API token")
	fs.StringVar(&c.BridgeURL, "bridge-url", "", "WhatsApp scraper bridge websocket URL (empty = disabled)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for notifications")

	fs.DurationVar(&c.ItemDelay, "item-delay", 2*time.Second, "pause between classifications in a triage run (0..1m)")
	fs.DurationVar(&c.ClassifyRetryDelay, "classify-retry-delay", 5*time.Second, "wait before retrying a quota-limited classification (0..5m)")
	fs.DurationVar(&c.AlertRetryDelay, "alert-retry-delay", 10*time.Second, "wait before retrying a quota-limited alert scan (0..5m)")
	fs.IntVar(&c.HelperRateLimit, "helper-rate-limit", 20, "AI helper requests per client IP per minute (1..600)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// Keys are optional, a missing key means demo mode. The model must be set for the chosen provider.
	switch c.LLMProvider {
	case ProviderClaude:
		if c.ClaudeModel == "" {
			errs = append(errs, errors.New("CLAUDE_MODEL is required for the claude provider"))
		}
	case ProviderOpenAI:
		if c.OpenAIModel == "" {
			errs = append(errs, errors.New("OPENAI_MODEL is required for the openai provider"))
		}
	case ProviderNone:
	default:
		errs = append(errs, fmt.Errorf("invalid LLM_PROVIDER %q (must be claude, openai or none)", c.LLMProvider))
	}

	for name, raw := range map[string]string{
		"OPENAI_BASE_URL":   c.OpenAIBaseURL,
		"APIFY_DATASET_URL": c.ApifyDatasetURL,
		"SLACK_WEBHOOK_URL": c.SlackWebhookURL,
	} {
		if err := checkURL(raw, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", name, err))
		}
	}
	if err := checkURL(c.BridgeURL, "ws", "wss"); err != nil {
		errs = append(errs, fmt.Errorf("invalid BRIDGE_URL: %w", err))
	}

	if c.ItemDelay < 0 || c.ItemDelay > time.Minute {
		errs = append(errs, fmt.Errorf("invalid ITEM_DELAY %s (must be 0..1m)", c.ItemDelay))
	}
	if c.ClassifyRetryDelay < 0 || c.ClassifyRetryDelay > 5*time.Minute {
		errs = append(errs, fmt.Errorf("invalid CLASSIFY_RETRY_DELAY %s (must be 0..5m)", c.ClassifyRetryDelay))
	}
	if c.AlertRetryDelay < 0 || c.AlertRetryDelay > 5*time.Minute {
		errs = append(errs, fmt.Errorf("invalid ALERT_RETRY_DELAY %s (must be 0..5m)", c.AlertRetryDelay))
	}
	if c.HelperRateLimit <= 0 || c.HelperRateLimit > 600 {
		errs = append(errs, fmt.Errorf("invalid HELPER_RATE_LIMIT %d (must be 1..600)", c.HelperRateLimit))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// APIKey returns the credential of the selected provider.
func (c *Config) APIKey() string {
	switch c.LLMProvider {
	case ProviderClaude:
		return c.ClaudeAPIKey
	case ProviderOpenAI:
		return c.OpenAIAPIKey
	}
	return ""
}

// checkURL accepts an empty value or an absolute URL with one of the given schemes.
func checkURL(raw string, schemes ...string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%q must use scheme %v", raw, schemes)
}
