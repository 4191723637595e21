// Package config provides configuration management for the stratum bridge.
// Values come from environment variables with sensible defaults, optionally
// overlaid by a TOML file named in CONFIG_FILE. Environment variables always
// win over the file.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/pelletier/go-toml"
)

// Config holds the bridge configuration.
type Config struct {
	// Service identification
	ServiceName string
	Version     string
	Environment string

	// Stratum listener
	ListenAddr     string
	ListenPort     int
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int
	SubmitRate     float64
	SubmitBurst    int

	// Work parameters
	ExtraNonce1Size int
	ExtraNonce2Size int
	DifficultyBase  string
	StartDifficulty float64
	MinDifficulty   float64
	MaxDifficulty   float64
	VardiffEnabled  bool
	VardiffTarget   time.Duration
	VardiffRetarget time.Duration
	JobWindow       int
	VersionMask     uint32

	// Bitcoin Core connection
	Network            string
	BitcoinRPCHost     string
	BitcoinRPCPort     int
	BitcoinRPCUser     string
	BitcoinRPCPassword string
	BitcoinZMQAddr     string
	PayAddress         string
	CoinbaseTag        string
	PowHash            string
	PowHashKey         string

	// Template pump
	TemplatePollInterval time.Duration
	RefreshInterval      time.Duration
	FetchTimeout         time.Duration
	DegradedAfter        int

	// Block submission
	SubmitTimeout   time.Duration
	SubmitRetries   int
	SubmitQueueSize int

	// Event sinks
	EventQueueSize   int
	SinkWorkers      int
	MetricsAddr      string
	KafkaBrokers     []string
	KafkaTopicPrefix string
	KafkaEncoding    string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	RedisKeyPrefix   string
	InfluxURL        string
	InfluxToken      string
	InfluxOrg        string
	InfluxBucket     string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load builds the configuration from defaults, the optional CONFIG_FILE and
// the environment, in that order.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		fc, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		applyFile(cfg, fc)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		ServiceName: "stratumbridge",
		Version:     "dev",
		Environment: "development",

		ListenAddr:     "0.0.0.0",
		ListenPort:     3333,
		MaxConnections: 10000,
		ReadTimeout:    10 * time.Minute,
		WriteTimeout:   30 * time.Second,
		MaxMessageSize: 16 * 1024,
		SubmitRate:     50,
		SubmitBurst:    100,

		ExtraNonce1Size: 4,
		ExtraNonce2Size: 8,
		DifficultyBase:  "bitcoin",
		StartDifficulty: 1024,
		MinDifficulty:   1,
		MaxDifficulty:   1 << 40,
		VardiffEnabled:  false,
		VardiffTarget:   15 * time.Second,
		VardiffRetarget: 90 * time.Second,
		JobWindow:       16,
		VersionMask:     0x1fffe000,

		Network:        "mainnet",
		BitcoinRPCHost: "localhost",
		BitcoinRPCPort: 8332,
		CoinbaseTag:    "/stratumbridge/",
		PowHash:        "sha256d",

		TemplatePollInterval: 5 * time.Second,
		RefreshInterval:      30 * time.Second,
		FetchTimeout:         10 * time.Second,
		DegradedAfter:        3,

		SubmitTimeout:   10 * time.Second,
		SubmitRetries:   3,
		SubmitQueueSize: 64,

		EventQueueSize:   4096,
		SinkWorkers:      8,
		MetricsAddr:      ":9100",
		KafkaTopicPrefix: "stratumbridge.",
		KafkaEncoding:    "json",
		InfluxOrg:        "stratumbridge",
		InfluxBucket:     "mining",

		LogLevel:  "info",
		LogFormat: "json",
	}
}

func applyEnv(c *Config) error {
	c.ServiceName = getEnv("SERVICE_NAME", c.ServiceName)
	c.Version = getEnv("VERSION", c.Version)
	c.Environment = getEnv("ENVIRONMENT", c.Environment)

	c.ListenAddr = getEnv("LISTEN_ADDR", c.ListenAddr)
	c.ListenPort = getEnvInt("LISTEN_PORT", c.ListenPort)
	c.MaxConnections = getEnvInt("MAX_CONNECTIONS", c.MaxConnections)
	c.ReadTimeout = getEnvDuration("READ_TIMEOUT", c.ReadTimeout)
	c.WriteTimeout = getEnvDuration("WRITE_TIMEOUT", c.WriteTimeout)
	c.MaxMessageSize = getEnvInt("MAX_MESSAGE_SIZE", c.MaxMessageSize)
	c.SubmitRate = getEnvFloat("SUBMIT_RATE", c.SubmitRate)
	c.SubmitBurst = getEnvInt("SUBMIT_BURST", c.SubmitBurst)

	c.ExtraNonce1Size = getEnvInt("EXTRANONCE1_SIZE", c.ExtraNonce1Size)
	c.ExtraNonce2Size = getEnvInt("EXTRANONCE2_SIZE", c.ExtraNonce2Size)
	c.DifficultyBase = getEnv("DIFFICULTY_BASE", c.DifficultyBase)
	c.StartDifficulty = getEnvFloat("START_DIFFICULTY", c.StartDifficulty)
	c.MinDifficulty = getEnvFloat("MIN_DIFFICULTY", c.MinDifficulty)
	c.MaxDifficulty = getEnvFloat("MAX_DIFFICULTY", c.MaxDifficulty)
	c.VardiffEnabled = getEnvBool("VARDIFF_ENABLED", c.VardiffEnabled)
	c.VardiffTarget = getEnvDuration("VARDIFF_TARGET", c.VardiffTarget)
	c.VardiffRetarget = getEnvDuration("VARDIFF_RETARGET", c.VardiffRetarget)
	c.JobWindow = getEnvInt("JOB_WINDOW", c.JobWindow)

	if v := os.Getenv("VERSION_MASK"); v != "" {
		mask, err := parseMask(v)
		if err != nil {
			return fmt.Errorf("VERSION_MASK: %w", err)
		}
		c.VersionMask = mask
	}

	c.Network = getEnv("NETWORK", c.Network)
	c.BitcoinRPCHost = getEnv("BITCOIN_RPC_HOST", c.BitcoinRPCHost)
	c.BitcoinRPCPort = getEnvInt("BITCOIN_RPC_PORT", c.BitcoinRPCPort)
	c.BitcoinRPCUser = getEnv("BITCOIN_RPC_USER", c.BitcoinRPCUser)
	c.BitcoinRPCPassword = getEnv("BITCOIN_RPC_PASSWORD", c.BitcoinRPCPassword)
	c.BitcoinZMQAddr = getEnv("ZMQ_ADDR", c.BitcoinZMQAddr)
	c.PayAddress = getEnv("PAY_ADDRESS", c.PayAddress)
	c.CoinbaseTag = getEnv("COINBASE_TAG", c.CoinbaseTag)
	c.PowHash = getEnv("POW_HASH", c.PowHash)
	c.PowHashKey = getEnv("POW_HASH_KEY", c.PowHashKey)

	c.TemplatePollInterval = getEnvDuration("TEMPLATE_POLL_INTERVAL", c.TemplatePollInterval)
	c.RefreshInterval = getEnvDuration("REFRESH_INTERVAL", c.RefreshInterval)
	c.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", c.FetchTimeout)
	c.DegradedAfter = getEnvInt("DEGRADED_AFTER", c.DegradedAfter)

	c.SubmitTimeout = getEnvDuration("SUBMIT_TIMEOUT", c.SubmitTimeout)
	c.SubmitRetries = getEnvInt("SUBMIT_RETRIES", c.SubmitRetries)
	c.SubmitQueueSize = getEnvInt("SUBMIT_QUEUE_SIZE", c.SubmitQueueSize)

	c.EventQueueSize = getEnvInt("EVENT_QUEUE_SIZE", c.EventQueueSize)
	c.SinkWorkers = getEnvInt("SINK_WORKERS", c.SinkWorkers)
	c.MetricsAddr = getEnv("METRICS_ADDR", c.MetricsAddr)
	c.KafkaBrokers = getEnvSlice("KAFKA_BROKERS", c.KafkaBrokers)
	c.KafkaTopicPrefix = getEnv("KAFKA_TOPIC_PREFIX", c.KafkaTopicPrefix)
	c.KafkaEncoding = getEnv("KAFKA_ENCODING", c.KafkaEncoding)
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = getEnvInt("REDIS_DB", c.RedisDB)
	c.RedisKeyPrefix = getEnv("REDIS_KEY_PREFIX", c.RedisKeyPrefix)
	c.InfluxURL = getEnv("INFLUX_URL", c.InfluxURL)
	c.InfluxToken = getEnv("INFLUX_TOKEN", c.InfluxToken)
	c.InfluxOrg = getEnv("INFLUX_ORG", c.InfluxOrg)
	c.InfluxBucket = getEnv("INFLUX_BUCKET", c.InfluxBucket)

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
	return nil
}

// validate performs basic validation of configuration values
func (c *Config) validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME cannot be empty")
	}

	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("LISTEN_PORT must be between 1 and 65535")
	}

	if c.BitcoinRPCPort <= 0 || c.BitcoinRPCPort > 65535 {
		return fmt.Errorf("BITCOIN_RPC_PORT must be between 1 and 65535")
	}

	if c.PayAddress == "" {
		return fmt.Errorf("PAY_ADDRESS is required")
	}

	if _, err := c.ChainParams(); err != nil {
		return err
	}

	if c.ExtraNonce1Size < 1 || c.ExtraNonce1Size > 8 {
		return fmt.Errorf("EXTRANONCE1_SIZE must be between 1 and 8")
	}

	if c.ExtraNonce2Size < 1 || c.ExtraNonce2Size > 16 {
		return fmt.Errorf("EXTRANONCE2_SIZE must be between 1 and 16")
	}

	for name, d := range map[string]float64{
		"START_DIFFICULTY": c.StartDifficulty,
		"MIN_DIFFICULTY":   c.MinDifficulty,
		"MAX_DIFFICULTY":   c.MaxDifficulty,
	} {
		if d <= 0 || math.IsNaN(d) || math.IsInf(d, 0) {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if c.MaxDifficulty <= c.MinDifficulty {
		return fmt.Errorf("MAX_DIFFICULTY must be greater than MIN_DIFFICULTY")
	}

	if c.StartDifficulty < c.MinDifficulty || c.StartDifficulty > c.MaxDifficulty {
		return fmt.Errorf("START_DIFFICULTY must be between MIN_DIFFICULTY and MAX_DIFFICULTY")
	}

	if c.JobWindow < 2 {
		return fmt.Errorf("JOB_WINDOW must be at least 2")
	}

	if c.TemplatePollInterval <= 0 || c.RefreshInterval <= 0 || c.FetchTimeout <= 0 {
		return fmt.Errorf("template intervals must be positive")
	}

	if c.DegradedAfter < 1 {
		return fmt.Errorf("DEGRADED_AFTER must be at least 1")
	}

	if c.SubmitTimeout <= 0 || c.SubmitRetries < 1 || c.SubmitQueueSize < 1 {
		return fmt.Errorf("SUBMIT_TIMEOUT, SUBMIT_RETRIES and SUBMIT_QUEUE_SIZE must be positive")
	}

	switch strings.ToLower(c.KafkaEncoding) {
	case "", "json", "proto":
	default:
		return fmt.Errorf("KAFKA_ENCODING must be json or proto")
	}

	return nil
}

// ChainParams resolves the configured network.
func (c *Config) ChainParams() (*chaincfg.Params, error) {
	switch strings.ToLower(c.Network) {
	case "mainnet", "main", "":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	default:
		return nil, fmt.Errorf("unknown NETWORK %q", c.Network)
	}
}

// StratumAddr returns the host:port the Stratum listener binds.
func (c *Config) StratumAddr() string {
	return fmt.Sprintf("%s:%d", c.ListenAddr, c.ListenPort)
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return splitList(value)
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseMask(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid hex mask %q", s)
	}
	return uint32(v), nil
}

// fileConfig mirrors the TOML layout. Pointer fields distinguish "unset"
// from an explicit zero.
type fileConfig struct {
	Server  serverSection  `toml:"server"`
	Stratum stratumSection `toml:"stratum"`
	Node    nodeSection    `toml:"node"`
	Pump    pumpSection    `toml:"pump"`
	Submit  submitSection  `toml:"submit"`
	Sinks   sinksSection   `toml:"sinks"`
	Logging loggingSection `toml:"logging"`
}

type serverSection struct {
	ListenAddr     string `toml:"listen_addr"`
	ListenPort     *int   `toml:"listen_port"`
	MetricsAddr    string `toml:"metrics_addr"`
	MaxConnections *int   `toml:"max_connections"`
}

type stratumSection struct {
	ExtraNonce1Size *int     `toml:"extranonce1_size"`
	ExtraNonce2Size *int     `toml:"extranonce2_size"`
	DifficultyBase  string   `toml:"difficulty_base"`
	StartDifficulty *float64 `toml:"start_difficulty"`
	MinDifficulty   *float64 `toml:"min_difficulty"`
	MaxDifficulty   *float64 `toml:"max_difficulty"`
	Vardiff         *bool    `toml:"vardiff"`
	VardiffTarget   string   `toml:"vardiff_target"`
	VardiffRetarget string   `toml:"vardiff_retarget"`
	JobWindow       *int     `toml:"job_window"`
	VersionMask     string   `toml:"version_mask"`
	SubmitRate      *float64 `toml:"submit_rate"`
	SubmitBurst     *int     `toml:"submit_burst"`
}

type nodeSection struct {
	Network     string `toml:"network"`
	RPCHost     string `toml:"rpc_host"`
	RPCPort     *int   `toml:"rpc_port"`
	RPCUser     string `toml:"rpc_user"`
	RPCPassword string `toml:"rpc_password"`
	ZMQAddr     string `toml:"zmq_addr"`
	PayAddress  string `toml:"pay_address"`
	CoinbaseTag string `toml:"coinbase_tag"`
	PowHash     string `toml:"pow_hash"`
}

type pumpSection struct {
	PollInterval    string `toml:"poll_interval"`
	RefreshInterval string `toml:"refresh_interval"`
	FetchTimeout    string `toml:"fetch_timeout"`
	DegradedAfter   *int   `toml:"degraded_after"`
}

type submitSection struct {
	Timeout   string `toml:"timeout"`
	Retries   *int   `toml:"retries"`
	QueueSize *int   `toml:"queue_size"`
}

type sinksSection struct {
	KafkaBrokers     []string `toml:"kafka_brokers"`
	KafkaTopicPrefix string   `toml:"kafka_topic_prefix"`
	KafkaEncoding    string   `toml:"kafka_encoding"`
	RedisAddr        string   `toml:"redis_addr"`
	RedisDB          *int     `toml:"redis_db"`
	RedisKeyPrefix   string   `toml:"redis_key_prefix"`
	InfluxURL        string   `toml:"influx_url"`
	InfluxOrg        string   `toml:"influx_org"`
	InfluxBucket     string   `toml:"influx_bucket"`
	EventQueueSize   *int     `toml:"event_queue_size"`
	Workers          *int     `toml:"workers"`
}

type loggingSection struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

func loadFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file %s not found", path)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if _, err := fc.durations(); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if fc.Stratum.VersionMask != "" {
		if _, err := parseMask(fc.Stratum.VersionMask); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return &fc, nil
}

type fileDurations struct {
	vardiffTarget   time.Duration
	vardiffRetarget time.Duration
	poll            time.Duration
	refresh         time.Duration
	fetch           time.Duration
	submitTimeout   time.Duration
}

func (fc *fileConfig) durations() (fileDurations, error) {
	var d fileDurations
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"stratum.vardiff_target", fc.Stratum.VardiffTarget, &d.vardiffTarget},
		{"stratum.vardiff_retarget", fc.Stratum.VardiffRetarget, &d.vardiffRetarget},
		{"pump.poll_interval", fc.Pump.PollInterval, &d.poll},
		{"pump.refresh_interval", fc.Pump.RefreshInterval, &d.refresh},
		{"pump.fetch_timeout", fc.Pump.FetchTimeout, &d.fetch},
		{"submit.timeout", fc.Submit.Timeout, &d.submitTimeout},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		v, err := time.ParseDuration(f.raw)
		if err != nil {
			return d, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = v
	}
	return d, nil
}

func applyFile(cfg *Config, fc *fileConfig) {
	setString(&cfg.ListenAddr, fc.Server.ListenAddr)
	setPtr(&cfg.ListenPort, fc.Server.ListenPort)
	setString(&cfg.MetricsAddr, fc.Server.MetricsAddr)
	setPtr(&cfg.MaxConnections, fc.Server.MaxConnections)

	setPtr(&cfg.ExtraNonce1Size, fc.Stratum.ExtraNonce1Size)
	setPtr(&cfg.ExtraNonce2Size, fc.Stratum.ExtraNonce2Size)
	setString(&cfg.DifficultyBase, fc.Stratum.DifficultyBase)
	setPtr(&cfg.StartDifficulty, fc.Stratum.StartDifficulty)
	setPtr(&cfg.MinDifficulty, fc.Stratum.MinDifficulty)
	setPtr(&cfg.MaxDifficulty, fc.Stratum.MaxDifficulty)
	setPtr(&cfg.VardiffEnabled, fc.Stratum.Vardiff)
	setPtr(&cfg.JobWindow, fc.Stratum.JobWindow)
	setPtr(&cfg.SubmitRate, fc.Stratum.SubmitRate)
	setPtr(&cfg.SubmitBurst, fc.Stratum.SubmitBurst)
	if fc.Stratum.VersionMask != "" {
		// checked in loadFile
		cfg.VersionMask, _ = parseMask(fc.Stratum.VersionMask)
	}

	setString(&cfg.Network, fc.Node.Network)
	setString(&cfg.BitcoinRPCHost, fc.Node.RPCHost)
	setPtr(&cfg.BitcoinRPCPort, fc.Node.RPCPort)
	setString(&cfg.BitcoinRPCUser, fc.Node.RPCUser)
	setString(&cfg.BitcoinRPCPassword, fc.Node.RPCPassword)
	setString(&cfg.BitcoinZMQAddr, fc.Node.ZMQAddr)
	setString(&cfg.PayAddress, fc.Node.PayAddress)
	setString(&cfg.CoinbaseTag, fc.Node.CoinbaseTag)
	setString(&cfg.PowHash, fc.Node.PowHash)

	setPtr(&cfg.DegradedAfter, fc.Pump.DegradedAfter)
	setPtr(&cfg.SubmitRetries, fc.Submit.Retries)
	setPtr(&cfg.SubmitQueueSize, fc.Submit.QueueSize)

	d, _ := fc.durations()
	setDuration(&cfg.VardiffTarget, d.vardiffTarget)
	setDuration(&cfg.VardiffRetarget, d.vardiffRetarget)
	setDuration(&cfg.TemplatePollInterval, d.poll)
	setDuration(&cfg.RefreshInterval, d.refresh)
	setDuration(&cfg.FetchTimeout, d.fetch)
	setDuration(&cfg.SubmitTimeout, d.submitTimeout)

	if len(fc.Sinks.KafkaBrokers) > 0 {
		cfg.KafkaBrokers = fc.Sinks.KafkaBrokers
	}
	setString(&cfg.KafkaTopicPrefix, fc.Sinks.KafkaTopicPrefix)
	setString(&cfg.KafkaEncoding, fc.Sinks.KafkaEncoding)
	setString(&cfg.RedisAddr, fc.Sinks.RedisAddr)
	setPtr(&cfg.RedisDB, fc.Sinks.RedisDB)
	setString(&cfg.RedisKeyPrefix, fc.Sinks.RedisKeyPrefix)
	setString(&cfg.InfluxURL, fc.Sinks.InfluxURL)
	setString(&cfg.InfluxOrg, fc.Sinks.InfluxOrg)
	setString(&cfg.InfluxBucket, fc.Sinks.InfluxBucket)
	setPtr(&cfg.EventQueueSize, fc.Sinks.EventQueueSize)
	setPtr(&cfg.SinkWorkers, fc.Sinks.Workers)

	setString(&cfg.LogLevel, fc.Logging.Level)
	setString(&cfg.LogFormat, fc.Logging.Format)
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setPtr[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}
