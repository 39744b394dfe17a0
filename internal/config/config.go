// Package config loads a replica's runtime configuration from environment
// variables, falling back to sane defaults when a variable is unset.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/varunsly/raftfs/internal/consensus"
)

// Config is the full runtime configuration for one replica process.
type Config struct {
	Consensus consensus.Config
	Redis     RedisConfig
	NATS      NATSConfig
	HTTP      HTTPConfig
	Logging   LoggingConfig
}

// RedisConfig is the persistence sink's connection info. Addr == "" means
// no Redis is configured and the process falls back to an in-memory sink.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NATSConfig is the cross-process transport's connection info. URL == ""
// means no NATS is configured and replicas communicate over an in-process
// Bus instead (only useful for single-process demos/tests).
type NATSConfig struct {
	URL string
}

// HTTPConfig is the debug HTTP surface's bind address.
type HTTPConfig struct {
	Addr string
}

// LoggingConfig controls the zap logger's level.
type LoggingConfig struct {
	Level string
}

// Load builds a Config from environment variables. REPLICA_ID and REPLICAS
// have sane single-node defaults; everything else defaults to the
// protocol's standard timing constants.
func Load() Config {
	replicaID := consensus.NodeID(getEnv("REPLICA_ID", "node-1"))
	replicas := splitReplicas(getEnv("REPLICAS", "node-1"))

	return Config{
		Consensus: consensus.Config{
			ReplicaID:            replicaID,
			Replicas:             replicas,
			HeartbeatPeriod:      getEnvDuration("HEARTBEAT_PERIOD", 500*time.Millisecond),
			ElectionTimeoutMin:   getEnvDuration("ELECTION_TIMEOUT_MIN", 1000*time.Millisecond),
			ElectionTimeoutMax:   getEnvDuration("ELECTION_TIMEOUT_MAX", 2000*time.Millisecond),
			ClientRequestTimeout: getEnvDuration("CLIENT_REQUEST_TIMEOUT", 5*time.Second),
			LeaseSweepPeriod:     getEnvDuration("LEASE_SWEEP_PERIOD", 1*time.Second),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		NATS: NATSConfig{
			URL: getEnv("NATS_URL", ""),
		},
		HTTP: HTTPConfig{
			Addr: getEnv("HTTP_ADDR", ":8080"),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}
}

func splitReplicas(csv string) []consensus.NodeID {
	parts := strings.Split(csv, ",")
	ids := make([]consensus.NodeID, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			ids = append(ids, consensus.NodeID(p))
		}
	}
	return ids
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
