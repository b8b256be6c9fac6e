package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const envPrefix = "BORG_LOCKSERVICE_"

type config struct {
	token     string
	tokenHash string
	repoDir   string
	host      string
	port      int
	dev       bool

	redisHost     string
	redisPort     int
	redisPassword string
	redisDB       int

	primitive string
	envoy     string

	bus          string
	natsURL      string
	kafkaBrokers string
	kafkaTopic   string

	trace        bool
	reapInterval time.Duration
	maxHold      time.Duration
}

func env(name, def string) string {
	if v, ok := os.LookupEnv(envPrefix + name); ok {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	if v, err := strconv.Atoi(env(name, "")); err == nil {
		return v
	}
	return def
}

func envBool(name string, def bool) bool {
	if v, err := strconv.ParseBool(env(name, "")); err == nil {
		return v
	}
	return def
}

func envDuration(name string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(env(name, "")); err == nil {
		return v
	}
	return def
}

// parseConfig reads flags, each defaulting to its BORG_LOCKSERVICE_ variable.
func parseConfig(args []string) (config, error) {
	var cfg config
	fs := flag.NewFlagSet("lockservice", flag.ContinueOnError)
	fs.StringVar(&cfg.token, "token", env("TOKEN", ""), "bearer token required for lock and unlock")
	fs.StringVar(&cfg.tokenHash, "token-hash", env("TOKEN_HASH", ""), "bcrypt hash of the bearer token")
	fs.StringVar(&cfg.repoDir, "repodir", env("REPODIR", ""), "directory containing the repositories")
	fs.StringVar(&cfg.host, "host", env("HOST", "127.0.0.1"), "address to listen on")
	fs.IntVar(&cfg.port, "port", envInt("PORT", 8000), "port to listen on")
	fs.BoolVar(&cfg.dev, "dev", envBool("DEV", false), "development mode: debug logging, in-memory state")
	fs.StringVar(&cfg.redisHost, "redis-host", env("REDIS_HOST", "localhost"), "Redis host")
	fs.IntVar(&cfg.redisPort, "redis-port", envInt("REDIS_PORT", 6379), "Redis port")
	fs.StringVar(&cfg.redisPassword, "redis-password", env("REDIS_PASSWORD", ""), "Redis password")
	fs.IntVar(&cfg.redisDB, "redis-db", envInt("REDIS_DB", 0), "Redis database")
	fs.StringVar(&cfg.primitive, "primitive", env("PRIMITIVE", "borg with-lock"), "locking primitive command")
	fs.StringVar(&cfg.envoy, "envoy", env("ENVOY", "lockservice-envoy"), "envoy binary")
	fs.StringVar(&cfg.bus, "bus", env("BUS", "none"), "event bus: none, redis, nats or kafka")
	fs.StringVar(&cfg.natsURL, "nats-url", env("NATS_URL", "nats://127.0.0.1:4222"), "NATS server URL")
	fs.StringVar(&cfg.kafkaBrokers, "kafka-brokers", env("KAFKA_BROKERS", "127.0.0.1:9092"), "comma separated Kafka brokers")
	fs.StringVar(&cfg.kafkaTopic, "kafka-topic", env("KAFKA_TOPIC", "borg-lockservice-events"), "Kafka topic")
	fs.BoolVar(&cfg.trace, "trace", envBool("TRACE", false), "print OpenTelemetry spans to stdout")
	fs.DurationVar(&cfg.reapInterval, "reap-interval", envDuration("REAP_INTERVAL", time.Minute), "stale entry sweep interval")
	fs.DurationVar(&cfg.maxHold, "max-hold", envDuration("MAX_HOLD", 24*time.Hour), "default bound on how long a lock is held")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

func (c config) validate() error {
	if c.repoDir == "" {
		return fmt.Errorf("repodir is required")
	}
	if !c.dev && c.token == "" && c.tokenHash == "" {
		return fmt.Errorf("token or token-hash is required outside dev mode")
	}
	switch c.bus {
	case "none", "redis", "nats", "kafka":
	default:
		return fmt.Errorf("unknown bus %q", c.bus)
	}
	if len(strings.Fields(c.primitive)) == 0 {
		return fmt.Errorf("primitive is empty")
	}
	return nil
}

func (c config) addr() string {
	return fmt.Sprintf("%s:%d", c.host, c.port)
}

func (c config) redisAddr() string {
	return fmt.Sprintf("%s:%d", c.redisHost, c.redisPort)
}
