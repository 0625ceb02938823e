// Package cfg holds the service configuration, registered as flags and
// fillable from SIFT_-prefixed environment variables.
package cfg

import (
	"errors"
	"flag"
	"fmt"
)

// Config is the full service configuration.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int

	WebhookSecret  string
	DashboardToken string
	DashboardURL   string

	GitHubToken   string
	GitHubAPIBase string

	ClaudeAPIKey string
	ClaudeModel  string

	DatabaseURL string

	ChromaPath       string
	ChromaCollection string
	RetrieveTopK     int

	SlackWebhookURL string

	StageTimeoutSeconds int
	MaxAttempts         int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.WebhookSecret, "webhook-secret", "", "shared secret for GitHub webhook signature verification (required)")
	fs.StringVar(&c.DashboardToken, "dashboard-token", "", "bearer token for the dashboard API (empty = open)")
	fs.StringVar(&c.DashboardURL, "dashboard-url", "", "external dashboard base URL used in notifications")
	fs.StringVar(&c.GitHubToken, "github-token", "", "GitHub API token for posting comments (empty = no tracker write-back)")
	fs.StringVar(&c.GitHubAPIBase, "github-api-base", "", "GitHub API base URL override (empty = api.github.com)")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude LLM provider (empty = keyword fallback mode)")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.ChromaPath, "chroma-path", "", "directory for the embedded vector store (empty = retrieval disabled)")
	fs.StringVar(&c.ChromaCollection, "chroma-collection", "sift_kb", "vector store collection name")
	fs.IntVar(&c.RetrieveTopK, "retrieve-top-k", 10, "context chunks to retrieve per issue (1..100)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for review notifications")
	fs.IntVar(&c.StageTimeoutSeconds, "stage-timeout-seconds", 60, "per-call timeout for external pipeline calls (1..600)")
	fs.IntVar(&c.MaxAttempts, "max-attempts", 3, "attempts per external pipeline call (1..10)")
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

	// Without the webhook secret every delivery would be rejected anyway.
	if c.WebhookSecret == "" {
		errs = append(errs, errors.New("WEBHOOK_SECRET is required"))
	}

	if c.ClaudeAPIKey != "" && c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required when CLAUDE_API_KEY is set"))
	}

	if c.RetrieveTopK <= 0 || c.RetrieveTopK > 100 {
		errs = append(errs, fmt.Errorf("invalid RETRIEVE_TOP_K %d (must be 1..100)", c.RetrieveTopK))
	}
	if c.StageTimeoutSeconds <= 0 || c.StageTimeoutSeconds > 600 {
		errs = append(errs, fmt.Errorf("invalid STAGE_TIMEOUT_SECONDS %d (must be 1..600)", c.StageTimeoutSeconds))
	}
	if c.MaxAttempts <= 0 || c.MaxAttempts > 10 {
		errs = append(errs, fmt.Errorf("invalid MAX_ATTEMPTS %d (must be 1..10)", c.MaxAttempts))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
