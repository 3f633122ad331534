// Package config reads the service configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds the application configuration.
type Config struct {
	// Server bind address (host:port).
	ServerAddr string

	// PolicyPaths are files or directories holding policy documents.
	// Directories contribute their .yaml/.yml/.json files.
	PolicyPaths []string

	// GroupsDomain is the directory domain backing JIT groups
	// (e.g. "groups.example.com").
	GroupsDomain string

	// ServiceIdentity is the service's own identity, used as issuer and
	// audience of proposal tokens (typically its service account email).
	ServiceIdentity string

	// ProposalSigningKey is the shared secret for proposal tokens.
	// ProposalKeyID goes into the token header for key rotation.
	ProposalSigningKey string
	ProposalKeyID      string
	ProposalTTL        time.Duration

	// DatabaseURL is the proposal ledger DSN (postgres or sqlite,
	// detected from the scheme).
	DatabaseURL string

	// Subject resolver tuning.
	SubjectCacheSize int
	SubjectCacheTTL  time.Duration
	ResolverWorkers  int

	// RequestTimeout bounds each API request.
	RequestTimeout time.Duration

	// Enable debug logging.
	Debug bool
}

// Load reads configuration from environment variables with fallback defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ServerAddr:         getEnv("SERVER_ADDR", "localhost:8080"),
		PolicyPaths:        splitPaths(getEnv("POLICY_PATHS", "policies")),
		GroupsDomain:       getEnv("GROUPS_DOMAIN", ""),
		ServiceIdentity:    getEnv("SERVICE_IDENTITY", ""),
		ProposalSigningKey: getEnv("PROPOSAL_SIGNING_KEY", ""),
		ProposalKeyID:      getEnv("PROPOSAL_KEY_ID", "default"),
		ProposalTTL:        getEnvDuration("PROPOSAL_TTL", time.Hour),
		DatabaseURL:        getEnv("DATABASE_URL", "file:jitaccess.db"),
		SubjectCacheSize:   getEnvInt("SUBJECT_CACHE_SIZE", 1000),
		SubjectCacheTTL:    getEnvDuration("SUBJECT_CACHE_TTL", 30*time.Second),
		ResolverWorkers:    getEnvInt("RESOLVER_WORKERS", 10),
		RequestTimeout:     getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
		Debug:              getEnvBool("DEBUG", false),
	}

	if len(cfg.PolicyPaths) == 0 {
		return nil, fmt.Errorf("POLICY_PATHS is required")
	}
	if cfg.GroupsDomain == "" {
		return nil, fmt.Errorf("GROUPS_DOMAIN is required")
	}
	if cfg.ServiceIdentity == "" {
		return nil, fmt.Errorf("SERVICE_IDENTITY is required")
	}
	if cfg.ProposalSigningKey == "" {
		return nil, fmt.Errorf("PROPOSAL_SIGNING_KEY is required")
	}
	return cfg, nil
}

func splitPaths(value string) []string {
	var paths []string
	for _, p := range strings.Split(value, ",") {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable ("30s", "1h") or
// returns a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
