// Package config loads server and agent configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// LoadEnvFiles loads .env/.env.local into the process environment without
// overriding variables that are already set. Missing files are not an error.
func LoadEnvFiles() {
	for _, path := range []string{".env", ".env.local"} {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err == nil {
			fmt.Fprintf(os.Stderr, "Loaded environment variables from %s\n", path)
			return
		}
	}
}

// Server holds foundryd configuration.
type Server struct {
	BindAddr            string
	DatabaseURL         string
	GitHubWebhookSecret string
	NATSURL             string // optional; empty disables event publishing
	StaleTimeout        time.Duration
	IdleTimeout         time.Duration
}

// Tunnel holds Cloudflare Tunnel provider credentials.
type Tunnel struct {
	AccountID  string
	APIToken   string
	ZoneID     string
	TunnelName string
	Domain     string
}

// String redacts secrets so configs can be logged safely.
func (s Server) String() string {
	return fmt.Sprintf("Server{bind_addr: %s, database_url: [REDACTED], webhook_secret: [REDACTED], nats_url: %s}",
		s.BindAddr, s.NATSURL)
}

// ServerFromEnv builds the server configuration, failing fast on missing
// required variables.
func ServerFromEnv() (*Server, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL must be set")
	}
	secret := os.Getenv("GITHUB_WEBHOOK_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("GITHUB_WEBHOOK_SECRET must be set")
	}

	return &Server{
		BindAddr:            envOr("FOUNDRY_BIND_ADDR", "0.0.0.0:8080"),
		DatabaseURL:         dbURL,
		GitHubWebhookSecret: secret,
		NATSURL:             os.Getenv("FOUNDRY_NATS_URL"),
		StaleTimeout:        envDuration("FOUNDRY_STALE_TIMEOUT", 30*time.Minute),
		IdleTimeout:         envDuration("FOUNDRY_IDLE_TIMEOUT", 10*time.Minute),
	}, nil
}

func tunnelFromEnv() (*Tunnel, error) {
	t := &Tunnel{
		AccountID:  os.Getenv("CF_ACCOUNT_ID"),
		APIToken:   os.Getenv("CF_API_TOKEN"),
		ZoneID:     os.Getenv("CF_ZONE_ID"),
		TunnelName: envOr("CF_TUNNEL_NAME", "foundry"),
		Domain:     os.Getenv("CF_TUNNEL_DOMAIN"),
	}
	for name, v := range map[string]string{
		"CF_ACCOUNT_ID":    t.AccountID,
		"CF_API_TOKEN":     t.APIToken,
		"CF_ZONE_ID":       t.ZoneID,
		"CF_TUNNEL_DOMAIN": t.Domain,
	} {
		if v == "" {
			return nil, fmt.Errorf("%s required when tunnel enabled", name)
		}
	}
	return t, nil
}

// TunnelFromEnv returns the tunnel credentials when FOUNDRY_ENABLE_TUNNEL is
// set, nil when disabled, and an error when enabled but incomplete.
func TunnelFromEnv() (*Tunnel, error) {
	if !envBool("FOUNDRY_ENABLE_TUNNEL") {
		return nil, nil
	}
	return tunnelFromEnv()
}

// Agent holds foundry-agent configuration.
type Agent struct {
	AgentID      string
	ServerURL    string
	WorkspaceDir string
	PollInterval time.Duration
	Workers      int
	StageTimeout time.Duration
	NetworkName  string // docker network shared with deployed services
}

// String redacts nothing; the agent config carries no secrets.
func (a Agent) String() string {
	return fmt.Sprintf("Agent{agent_id: %s, server_url: %s, workspace_dir: %s, workers: %d}",
		a.AgentID, a.ServerURL, a.WorkspaceDir, a.Workers)
}

// AgentFromEnv builds the agent configuration. An agent id is minted when
// none is provided so restarted agents get fresh identities.
func AgentFromEnv() (*Agent, error) {
	agentID := os.Getenv("FOUNDRY_AGENT_ID")
	if agentID == "" {
		agentID = "agent-" + uuid.NewString()[:8]
	}

	workers := envInt("FOUNDRY_WORKERS", 1)
	if workers < 1 {
		return nil, fmt.Errorf("FOUNDRY_WORKERS must be positive, got %d", workers)
	}

	return &Agent{
		AgentID:      agentID,
		ServerURL:    envOr("FOUNDRY_SERVER_URL", "http://localhost:8080"),
		WorkspaceDir: envOr("FOUNDRY_WORKSPACE_DIR", "/tmp/foundry"),
		PollInterval: envDuration("FOUNDRY_POLL_INTERVAL", 5*time.Second),
		Workers:      workers,
		StageTimeout: envDuration("FOUNDRY_STAGE_TIMEOUT", 60*time.Minute),
		NetworkName:  envOr("FOUNDRY_NETWORK", "foundry"),
	}, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string) bool {
	v := os.Getenv(key)
	return v == "1" || v == "true" || v == "TRUE" || v == "True"
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// envDuration accepts either a bare number of seconds (original convention
// for FOUNDRY_POLL_INTERVAL) or a Go duration string.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return def
}
