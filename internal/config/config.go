package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds runtime configuration for the voter service. Voting
// behaviour lives in the rules file at RulesPath.
type Config struct {
	RulesPath string

	ChainRPCURL    string
	WalletRPCURL   string
	WalletPassword string
	RPCTimeout     time.Duration

	HTTPAddr string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CheckpointKey string

	KafkaBrokers           []string
	KafkaTopicVoteOutcomes string

	ReplayDepth          uint64
	ReplayFromCheckpoint bool
	MaxReplayDepth       uint64

	StreamRetryDelay   time.Duration
	StreamPollInterval time.Duration
	StatusInterval     time.Duration
}

// envOrDefault returns the value of an environment variable or a default.
func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) (int, error) {
	if raw := os.Getenv(key); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return val, nil
	}

	return def, nil
}

func envUintOrDefault(key string, def uint64) (uint64, error) {
	if raw := os.Getenv(key); raw != "" {
		val, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return val, nil
	}
	return def, nil
}

func envBoolOrDefault(key string, def bool) (bool, error) {
	if raw := os.Getenv(key); raw != "" {
		val, err := strconv.ParseBool(raw)
		if err != nil {
			return false, fmt.Errorf("invalid %s: %w", key, err)
		}
		return val, nil
	}
	return def, nil
}

func envDurationOrDefault(key string, def time.Duration) (time.Duration, error) {
	if raw := os.Getenv(key); raw != "" {
		val, err := time.ParseDuration(raw)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return val, nil
	}
	return def, nil
}

// envCSVOrDefault splits a comma separated list. Empty items are dropped,
// so an empty value yields an empty list.
func envCSVOrDefault(key, def string) []string {
	raw, ok := os.LookupEnv(key)
	if !ok {
		raw = def
	}
	var parts []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// LoadConfig loads a .env file when one exists and then reads configuration
// from environment variables. Variables already set win over the file.
func LoadConfig(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var (
		cfg Config
		err error
	)
	cfg.RulesPath = envOrDefault("RULES_PATH", "rules.yml")
	cfg.ChainRPCURL = envOrDefault("CHAIN_RPC_URL", "https://api.steemit.com")
	cfg.WalletRPCURL = envOrDefault("WALLET_RPC_URL", "http://localhost:8093")
	cfg.WalletPassword = os.Getenv("WALLET_PASSWORD")
	cfg.HTTPAddr = envOrDefault("HTTP_ADDR", ":8080")
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.CheckpointKey = envOrDefault("CHECKPOINT_KEY", "voter:stream:last_block")
	cfg.KafkaBrokers = envCSVOrDefault("KAFKA_BROKERS", "")
	cfg.KafkaTopicVoteOutcomes = envOrDefault("KAFKA_TOPIC_VOTE_OUTCOMES", "vote_outcomes")

	if cfg.RedisDB, err = envIntOrDefault("REDIS_DB", 0); err != nil {
		return Config{}, err
	}
	if cfg.RPCTimeout, err = envDurationOrDefault("RPC_TIMEOUT", 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.ReplayDepth, err = envUintOrDefault("REPLAY_DEPTH", 0); err != nil {
		return Config{}, err
	}
	if cfg.ReplayFromCheckpoint, err = envBoolOrDefault("REPLAY_FROM_CHECKPOINT", false); err != nil {
		return Config{}, err
	}
	if cfg.MaxReplayDepth, err = envUintOrDefault("MAX_REPLAY_DEPTH", 28800); err != nil {
		return Config{}, err
	}
	if cfg.StreamRetryDelay, err = envDurationOrDefault("STREAM_RETRY_DELAY", 3*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.StreamPollInterval, err = envDurationOrDefault("STREAM_POLL_INTERVAL", 3*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.StatusInterval, err = envDurationOrDefault("STATUS_INTERVAL", time.Minute); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
