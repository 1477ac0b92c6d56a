package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the fabric gateway.
type Config struct {
	Port      int
	Version   string
	Auth      AuthConfig
	Registry  RegistryConfig
	Bus       BusConfig
	Tools     ToolsConfig
	Telemetry TelemetryConfig
}

type AuthConfig struct {
	// PSK is the pre-shared key expected in Authorization: Bearer headers.
	// Empty disables HTTP auth (local development only).
	PSK string
}

type RegistryConfig struct {
	// ManifestPath is the declarative agent manifest file loaded at startup.
	ManifestPath string
	// DatabaseURL selects the durable Postgres registry when set; empty
	// uses the in-memory registry.
	DatabaseURL string
	// HealthInterval is the cadence of background health probes.
	HealthInterval time.Duration
	// StalenessWindow demotes agents with no heartbeat to offline.
	StalenessWindow time.Duration
}

type BusConfig struct {
	RedisURL string
	// VisibilityHorizon is how long a delivered-but-unacked message stays
	// invisible before another consumer in the group may claim it.
	VisibilityHorizon time.Duration
	// MaxInboxLen caps each agent inbox stream (approximate trim).
	MaxInboxLen int64
}

type ToolsConfig struct {
	// TrustTier gates sensitive tool capabilities (system.exec is local-only).
	TrustTier string
	// AllowedPaths restricts io.* tools to these roots when non-empty.
	AllowedPaths []string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("FABRIC_PORT", 8237),
		Version: envStr("FABRIC_VERSION", "0.4.0"),
		Auth: AuthConfig{
			PSK: envStr("FABRIC_PSK", ""),
		},
		Registry: RegistryConfig{
			ManifestPath:    envStr("FABRIC_MANIFEST", ""),
			DatabaseURL:     envStr("DATABASE_URL", ""),
			HealthInterval:  envDur("FABRIC_HEALTH_INTERVAL", 30*time.Second),
			StalenessWindow: envDur("FABRIC_STALENESS_WINDOW", 60*time.Second),
		},
		Bus: BusConfig{
			RedisURL:          envStr("REDIS_URL", "redis://localhost:6379"),
			VisibilityHorizon: envDur("FABRIC_VISIBILITY_HORIZON", 30*time.Second),
			MaxInboxLen:       int64(envInt("FABRIC_MAX_INBOX_LEN", 10000)),
		},
		Tools: ToolsConfig{
			TrustTier:    envStr("FABRIC_TRUST_TIER", "local"),
			AllowedPaths: envList("FABRIC_ALLOWED_PATHS"),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "fabric-gateway"),
		},
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
