package cfg

import (
	"flag"
	"math"
	"strings"
	"testing"
	"time"
)

// validBase returns a Config with all required fields set to valid values.
func validBase() Config {
	return Config{
		DrainSeconds:          60,
		ShutdownBudgetSeconds: 90,
		APIPort:               8080,
		LLMProvider:           ProviderClaude,
		ClaudeModel:           "claude-sonnet-4-20250514",
		OpenAIModel:           "gpt-4o-mini",
		ItemDelay:             2 * time.Second,
		ClassifyRetryDelay:    5 * time.Second,
		AlertRetryDelay:       10 * time.Second,
		HelperRateLimit:       20,
	}
}

func TestRegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse empty args: %v", err)
	}

	if c.DrainSeconds != 60 {
		t.Errorf("DrainSeconds = %d, want 60", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 90 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 90", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 8080 {
		t.Errorf("APIPort = %d, want 8080", c.APIPort)
	}
	if c.LLMProvider != ProviderClaude {
		t.Errorf("LLMProvider = %q, want %q", c.LLMProvider, ProviderClaude)
	}
	if c.ClaudeModel != "claude-sonnet-4-20250514" {
		t.Errorf("ClaudeModel = %q, want %q", c.ClaudeModel, "claude-sonnet-4-20250514")
	}
	if c.ItemDelay != 2*time.Second || c.ClassifyRetryDelay != 5*time.Second || c.AlertRetryDelay != 10*time.Second {
		t.Errorf("delays = %s/%s/%s, want 2s/5s/10s", c.ItemDelay, c.ClassifyRetryDelay, c.AlertRetryDelay)
	}
	if c.HelperRateLimit != 20 {
		t.Errorf("HelperRateLimit = %d, want 20", c.HelperRateLimit)
	}

	// defaults alone must be a runnable demo configuration
	if err := c.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestRegisterFlags_Override(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	args := []string{
		"-drain-seconds", "30",
		"-shutdown-budget-seconds", "120",
		"-http-port", "9090",
		"-llm-provider", "openai",
		"-openai-api-key", "sk-override",
		"-openai-model", "gpt-4o",
		"-bridge-url", "ws://localhost:3001",
		"-item-delay", "500ms",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse args: %v", err)
	}

	if c.DrainSeconds != 30 {
		t.Errorf("DrainSeconds = %d, want 30", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 120 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 120", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", c.APIPort)
	}
	if c.LLMProvider != ProviderOpenAI || c.APIKey() != "sk-override" {
		t.Errorf("provider = %q key = %q", c.LLMProvider, c.APIKey())
	}
	if c.OpenAIModel != "gpt-4o" {
		t.Errorf("OpenAIModel = %q, want gpt-4o", c.OpenAIModel)
	}
	if c.BridgeURL != "ws://localhost:3001" {
		t.Errorf("BridgeURL = %q", c.BridgeURL)
	}
	if c.ItemDelay != 500*time.Millisecond {
		t.Errorf("ItemDelay = %s, want 500ms", c.ItemDelay)
	}
}

func TestAPIKey(t *testing.T) {
	t.Parallel()

	c := validBase()
	c.ClaudeAPIKey, c.OpenAIAPIKey = "claude-key", "openai-key"

	if got := c.APIKey(); got != "claude-key" {
		t.Errorf("claude APIKey = %q", got)
	}
	c.LLMProvider = ProviderOpenAI
	if got := c.APIKey(); got != "openai-key" {
		t.Errorf("openai APIKey = %q", got)
	}
	c.LLMProvider = ProviderNone
	if got := c.APIKey(); got != "" {
		t.Errorf("none APIKey = %q, want empty", got)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	with := func(fn func(*Config)) Config {
		c := validBase()
		fn(&c)
		return c
	}

	tests := []struct {
		name      string
		cfg       Config
		wantErr   bool
		errSubstr []string // substrings that must appear in error message
	}{
		{
			name:    "defaults are valid",
			cfg:     validBase(),
			wantErr: false,
		},
		{
			name:    "minimum valid values",
			cfg:     with(func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort, c.HelperRateLimit = 1, 2, 1, 1 }),
			wantErr: false,
		},
		{
			name:    "maximum valid values",
			cfg:     with(func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort, c.HelperRateLimit = 299, 300, 65535, 600 }),
			wantErr: false,
		},
		{
			name:    "zero delays are valid",
			cfg:     with(func(c *Config) { c.ItemDelay, c.ClassifyRetryDelay, c.AlertRetryDelay = 0, 0, 0 }),
			wantErr: false,
		},
		{
			name: "all endpoints set",
			cfg: with(func(c *Config) {
				c.ApifyDatasetURL = "https://api.apify.com/v2/datasets/abc/items"
				c.SlackWebhookURL = "https://hooks.slack.com/services/T/B/X"
				c.BridgeURL = "wss://bridge.example.com/socket"
				c.OpenAIBaseURL = "http://localhost:11434/v1"
			}),
			wantErr: false,
		},
		// DrainSeconds boundaries
		{
			name:      "drain zero",
			cfg:       with(func(c *Config) { c.DrainSeconds = 0 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "drain above max",
			cfg:       with(func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds = 301, 302 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		// ShutdownBudgetSeconds boundaries
		{
			name:      "budget negative",
			cfg:       with(func(c *Config) { c.ShutdownBudgetSeconds = -1 }),
			wantErr:   true,
			errSubstr: []string{"SHUTDOWN_BUDGET_SECONDS"},
		},
		{
			name:      "budget above max",
			cfg:       with(func(c *Config) { c.ShutdownBudgetSeconds = 301 }),
			wantErr:   true,
			errSubstr: []string{"SHUTDOWN_BUDGET_SECONDS"},
		},
		// Cross-field: budget vs drain
		{
			name:      "budget equals drain",
			cfg:       with(func(c *Config) { c.ShutdownBudgetSeconds = 60 }),
			wantErr:   true,
			errSubstr: []string{"must be greater than"},
		},
		{
			name:    "budget is drain plus one",
			cfg:     with(func(c *Config) { c.ShutdownBudgetSeconds = 61 }),
			wantErr: false,
		},
		// APIPort boundaries
		{
			name:      "port zero",
			cfg:       with(func(c *Config) { c.APIPort = 0 }),
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		{
			name:      "port above max",
			cfg:       with(func(c *Config) { c.APIPort = 65536 }),
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		// Provider selection
		{
			name:      "unknown provider",
			cfg:       with(func(c *Config) { c.LLMProvider = "mistral" }),
			wantErr:   true,
			errSubstr: []string{"LLM_PROVIDER"},
		},
		{
			name:      "claude without model",
			cfg:       with(func(c *Config) { c.ClaudeModel = "" }),
			wantErr:   true,
			errSubstr: []string{"CLAUDE_MODEL"},
		},
		{
			name:      "openai without model",
			cfg:       with(func(c *Config) { c.LLMProvider, c.OpenAIModel = ProviderOpenAI, "" }),
			wantErr:   true,
			errSubstr: []string{"OPENAI_MODEL"},
		},
		{
			name:    "none needs no model",
			cfg:     with(func(c *Config) { c.LLMProvider, c.ClaudeModel, c.OpenAIModel = ProviderNone, "", "" }),
			wantErr: false,
		},
		{
			name:    "missing api key is demo mode",
			cfg:     with(func(c *Config) { c.ClaudeAPIKey = "" }),
			wantErr: false,
		},
		// Endpoints
		{
			name:      "bridge with http scheme",
			cfg:       with(func(c *Config) { c.BridgeURL = "http://localhost:3001" }),
			wantErr:   true,
			errSubstr: []string{"BRIDGE_URL"},
		},
		{
			name:      "slack without host",
			cfg:       with(func(c *Config) { c.SlackWebhookURL = "https:///services" }),
			wantErr:   true,
			errSubstr: []string{"SLACK_WEBHOOK_URL"},
		},
		{
			name:      "apify relative url",
			cfg:       with(func(c *Config) { c.ApifyDatasetURL = "datasets/abc" }),
			wantErr:   true,
			errSubstr: []string{"APIFY_DATASET_URL"},
		},
		// Pacing
		{
			name:      "negative item delay",
			cfg:       with(func(c *Config) { c.ItemDelay = -time.Second }),
			wantErr:   true,
			errSubstr: []string{"ITEM_DELAY"},
		},
		{
			name:      "retry delay too long",
			cfg:       with(func(c *Config) { c.AlertRetryDelay = time.Hour }),
			wantErr:   true,
			errSubstr: []string{"ALERT_RETRY_DELAY"},
		},
		{
			name:      "rate limit zero",
			cfg:       with(func(c *Config) { c.HelperRateLimit = 0 }),
			wantErr:   true,
			errSubstr: []string{"HELPER_RATE_LIMIT"},
		},
		// Error accumulation: all fields invalid
		{
			name:      "all fields invalid",
			cfg:       Config{LLMProvider: "x", ItemDelay: -1},
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT", "LLM_PROVIDER", "ITEM_DELAY", "HELPER_RATE_LIMIT"},
		},
		// Extreme values
		{
			name:      "extreme negative values",
			cfg:       with(func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = math.MinInt32, math.MinInt32, math.MinInt32 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				errMsg := err.Error()
				for _, sub := range tt.errSubstr {
					if !strings.Contains(errMsg, sub) {
						t.Errorf("error %q does not contain %q", errMsg, sub)
					}
				}
			}
		})
	}
}

func FuzzValidate(f *testing.F) {
	// Seeds: defaults, boundaries, extremes
	seeds := []struct {
		drain, budget, port, limit int
		provider, bridge           string
	}{
		{60, 90, 8080, 20, "claude", ""},
		{1, 2, 1, 1, "none", "ws://b"},
		{299, 300, 65535, 600, "openai", "wss://b/x"},
		{0, 0, 0, 0, "", ""},
		{-1, -1, -1, -1, "CLAUDE", "http://b"},
		{300, 300, 65535, 601, "claude", "ws://"},
		{150, 100, 8080, 20, "openai", "::"},
		{math.MinInt32, math.MinInt32, math.MinInt32, math.MinInt32, "", ""},
		{math.MaxInt32, math.MaxInt32, math.MaxInt32, math.MaxInt32, "none", ""},
	}
	for _, s := range seeds {
		f.Add(s.drain, s.budget, s.port, s.limit, s.provider, s.bridge)
	}

	f.Fuzz(func(t *testing.T, drain, budget, port, limit int, provider, bridge string) {
		c := validBase()
		c.DrainSeconds = drain
		c.ShutdownBudgetSeconds = budget
		c.APIPort = port
		c.HelperRateLimit = limit
		c.LLMProvider = provider
		c.BridgeURL = bridge

		err := c.Validate()

		drainOK := drain >= 1 && drain <= 300
		budgetOK := budget >= 1 && budget <= 300
		portOK := port >= 1 && port <= 65535
		crossOK := budget > drain
		limitOK := limit >= 1 && limit <= 600
		providerOK := provider == ProviderClaude || provider == ProviderOpenAI || provider == ProviderNone
		bridgeOK := checkURL(bridge, "ws", "wss") == nil

		allValid := drainOK && budgetOK && portOK && crossOK && limitOK && providerOK && bridgeOK

		if allValid && err != nil {
			t.Errorf("expected no error for valid config %+v, got: %v", c, err)
		}
		if !allValid && err == nil {
			t.Errorf("expected error for invalid config %+v, got nil", c)
		}
	})
}
