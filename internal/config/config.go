// Package config loads server configuration from environment variables,
// with an optional YAML file overlay for local development.
package config

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable named in the specification's defaults.
type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	HTTPAddr    string `envconfig:"HTTP_ADDR" default:":8080"`

	MongoURI string `envconfig:"MONGO_URI" default:"mongodb://localhost:27017"`
	MongoDB  string `envconfig:"MONGO_DB" default:"coordination"`

	// APIKeys is the configured comma-separated set matched against the
	// X-Api-Key header.
	APIKeys []string `envconfig:"API_KEYS"`

	RateLimitPerSecond float64 `envconfig:"RATE_LIMIT_PER_SECOND" default:"10"`
	RateLimitBurst     int     `envconfig:"RATE_LIMIT_BURST" default:"20"`

	StaleSessionThresholdSeconds   int `envconfig:"STALE_SESSION_THRESHOLD_SECONDS" default:"300"`
	OfflineMachineThresholdSeconds int `envconfig:"OFFLINE_MACHINE_THRESHOLD_SECONDS" default:"600"`
	ReviewClaimTimeoutSeconds      int `envconfig:"REVIEW_CLAIM_TIMEOUT_SECONDS" default:"7200"`
	LivenessTickSeconds            int `envconfig:"LIVENESS_TICK_SECONDS" default:"30"`
	OrchestratorTickSeconds        int `envconfig:"ORCHESTRATOR_TICK_SECONDS" default:"5"`
	StopGraceSeconds               int `envconfig:"STOP_GRACE_SECONDS" default:"5"`
	RestartCapPerWindow            int `envconfig:"RESTART_CAP_PER_WINDOW" default:"5"`

	// ReviewQueueFileBackend, when non-empty, switches the Review Queue
	// to the file-backed implementation at this path instead of Mongo.
	ReviewQueueFileBackend string `envconfig:"REVIEW_QUEUE_FILE" default:""`

	ProviderName string `envconfig:"PROVIDER_NAME" default:"claude-code"`
	ForgeName    string `envconfig:"FORGE_NAME" default:"graphql-v4"`

	// GithubToken authenticates the forge's REST/GraphQL client. Empty
	// is valid for deployments that never touch the forge (tests,
	// coordination-only operation).
	GithubToken string `envconfig:"GITHUB_TOKEN" default:""`

	// GithubOwner and GithubRepo identify the single repository this
	// coordination plane claims work against.
	GithubOwner string `envconfig:"GITHUB_OWNER" default:""`
	GithubRepo  string `envconfig:"GITHUB_REPO" default:""`

	// GithubAppID/GithubAppInstallationID/GithubAppPrivateKeyPEM
	// authenticate the forge as a GitHub App installation instead of a
	// personal access token, when all three are set. GithubToken is
	// used otherwise.
	GithubAppID             int64  `envconfig:"GITHUB_APP_ID" default:"0"`
	GithubAppInstallationID int64  `envconfig:"GITHUB_APP_INSTALLATION_ID" default:"0"`
	GithubAppPrivateKeyPEM  string `envconfig:"GITHUB_APP_PRIVATE_KEY" default:""`

	// WorkerDataDir is the base directory passed to each provider's
	// BuildCommand as the worker's per-spawn data directory.
	WorkerDataDir string `envconfig:"WORKER_DATA_DIR" default:"./data/workers"`

	// ReconnectBudgetSeconds bounds how long the server tolerates a
	// disconnected Claim Store before exiting 2, per the documented
	// exit code contract.
	ReconnectBudgetSeconds int `envconfig:"RECONNECT_BUDGET_SECONDS" default:"60"`
}

// Load reads environment variables, then overlays a YAML file at path
// if it exists (local dev convenience; unset path or missing file is
// not an error).
func Load(yamlPath string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load config from environment: %w", err)
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			if os.IsNotExist(err) {
				return &cfg, nil
			}
			return nil, fmt.Errorf("read config file %s: %w", yamlPath, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", yamlPath, err)
		}
	}

	return &cfg, nil
}
