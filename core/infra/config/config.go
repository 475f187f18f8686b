package config

import "os"

const (
	defaultNATSURL       = "nats://localhost:4222"
	defaultRedisURL      = "redis://localhost:6379"
	defaultHTTPAddr      = ":8081"
	defaultMetricsAddr   = ":9092"
	defaultTunablesPath  = "config/tunables.yaml"
	defaultBridgeURL     = "http://localhost:8090"
	envNATSURL           = "NATS_URL"
	envRedisURL          = "REDIS_URL"
	envHTTPAddr          = "SESSIOND_HTTP_ADDR"
	envMetricsAddr       = "SESSIOND_METRICS_ADDR"
	envTunablesPath      = "TUNABLES_CONFIG_PATH"
	envCheckoutBridgeURL = "CHECKOUT_BRIDGE_URL"
	envMemoryStore       = "SESSIOND_MEMORY_STORE"
)

// Config holds runtime configuration for the session daemon.
type Config struct {
	NatsURL           string
	RedisURL          string
	HTTPAddr          string
	MetricsAddr       string
	TunablesPath      string
	CheckoutBridgeURL string
	MemoryStore       bool
}

// Load returns configuration using environment variables with sane defaults.
func Load() *Config {
	natsURL := os.Getenv(envNATSURL)
	if natsURL == "" {
		natsURL = defaultNATSURL
	}

	redisURL := os.Getenv(envRedisURL)
	if redisURL == "" {
		redisURL = defaultRedisURL
	}

	httpAddr := os.Getenv(envHTTPAddr)
	if httpAddr == "" {
		httpAddr = defaultHTTPAddr
	}
	metricsAddr := os.Getenv(envMetricsAddr)
	if metricsAddr == "" {
		metricsAddr = defaultMetricsAddr
	}

	tunables := os.Getenv(envTunablesPath)
	if tunables == "" {
		tunables = defaultTunablesPath
	}
	bridgeURL := os.Getenv(envCheckoutBridgeURL)
	if bridgeURL == "" {
		bridgeURL = defaultBridgeURL
	}

	return &Config{
		NatsURL:           natsURL,
		RedisURL:          redisURL,
		HTTPAddr:          httpAddr,
		MetricsAddr:       metricsAddr,
		TunablesPath:      tunables,
		CheckoutBridgeURL: bridgeURL,
		MemoryStore:       os.Getenv(envMemoryStore) == "true",
	}
}
