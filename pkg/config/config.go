package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Queue drivers
const (
	DriverAMQP  = "amqp"
	DriverKafka = "kafka"
)

// Config holds the worker configuration
type Config struct {
	AppEnv   string `yaml:"app_env"`
	LogLevel string `yaml:"log_level"`

	// Queue
	QueueDriver          string   `yaml:"queue_driver"`
	AMQPURL              string   `yaml:"amqp_url"`
	Exchange             string   `yaml:"exchange"`
	InboundQueue         string   `yaml:"inbound_queue"`
	OutboundRoutingKey   string   `yaml:"outbound_routing_key"`
	DeadLetterRoutingKey string   `yaml:"dead_letter_routing_key"`
	FailureRoutingKey    string   `yaml:"failure_routing_key"`
	KafkaBrokers         []string `yaml:"kafka_brokers"`
	KafkaGroupID         string   `yaml:"kafka_group_id"`
	MaxAttempts          int      `yaml:"max_attempts"`

	// Object store
	Bucket         string        `yaml:"bucket"`
	Endpoint       string        `yaml:"endpoint"`
	AccessKey      string        `yaml:"access_key"`
	SecretKey      string        `yaml:"secret_key"`
	Region         string        `yaml:"region"`
	UseSSL         bool          `yaml:"use_ssl"`
	ArtifactPrefix string        `yaml:"artifact_prefix"`
	LinkTTL        time.Duration `yaml:"link_ttl"`

	// Synthesis engine
	EngineURL     string        `yaml:"engine_url"`
	EngineSteps   int           `yaml:"engine_steps"`
	EngineTimeout time.Duration `yaml:"engine_timeout"`

	RedisURL        string        `yaml:"redis_url"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the configuration used when nothing overrides a value
func Default() Config {
	return Config{
		AppEnv:             "production",
		QueueDriver:        DriverAMQP,
		Exchange:           "tgsd",
		InboundQueue:       "txt2img",
		OutboundRoutingKey: "img",
		KafkaGroupID:       "txt2img-worker",
		MaxAttempts:        5,
		UseSSL:             true,
		ArtifactPrefix:     "txt2img",
		LinkTTL:            time.Hour,
		EngineSteps:        25,
		EngineTimeout:      10 * time.Minute,
		MetricsAddr:        ":9100",
		ShutdownTimeout:    2 * time.Minute,
	}
}

// Load reads .env (if present), the optional YAML file named by CONFIG_FILE,
// then environment variables, and validates the result.
func Load() (Config, error) {
	cfg, err := read()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadQueue is Load for tools that only talk to the queue
func LoadQueue() (Config, error) {
	cfg, err := read()
	if err != nil {
		return Config{}, err
	}
	if err := errors.Join(cfg.validateQueue()...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func read() (Config, error) {
	// Load .env file if it exists (silently ignore if not found)
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.AppEnv, "APP_ENV")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.QueueDriver, "QUEUE_DRIVER")
	setString(&cfg.AMQPURL, "AMQP_URL")
	setString(&cfg.Exchange, "AMQP_EXCHANGE")
	setString(&cfg.InboundQueue, "INBOUND_QUEUE")
	setString(&cfg.OutboundRoutingKey, "OUTBOUND_ROUTING_KEY")
	setString(&cfg.DeadLetterRoutingKey, "DEAD_LETTER_ROUTING_KEY")
	setString(&cfg.FailureRoutingKey, "FAILURE_ROUTING_KEY")
	setString(&cfg.KafkaGroupID, "KAFKA_GROUP_ID")
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.KafkaBrokers = splitList(v)
	}
	setString(&cfg.Bucket, "AWS_BUCKET")
	setString(&cfg.Endpoint, "AWS_ENDPOINT")
	setString(&cfg.AccessKey, "AWS_ACCESS_KEY")
	setString(&cfg.SecretKey, "AWS_SECRET_KEY")
	setString(&cfg.Region, "AWS_REGION")
	setString(&cfg.ArtifactPrefix, "ARTIFACT_PREFIX")
	setString(&cfg.EngineURL, "ENGINE_URL")
	setString(&cfg.RedisURL, "REDIS_URL")
	setString(&cfg.MetricsAddr, "METRICS_ADDR")

	var errs []error
	errs = append(errs,
		setInt(&cfg.MaxAttempts, "MAX_ATTEMPTS"),
		setInt(&cfg.EngineSteps, "ENGINE_STEPS"),
		setBool(&cfg.UseSSL, "AWS_USE_SSL"),
		setDuration(&cfg.LinkTTL, "LINK_TTL"),
		setDuration(&cfg.EngineTimeout, "ENGINE_TIMEOUT"),
		setDuration(&cfg.ShutdownTimeout, "SHUTDOWN_TIMEOUT"),
	)
	return errors.Join(errs...)
}

// Validate reports every missing or invalid setting at once
func (c Config) Validate() error {
	errs := c.validateQueue()
	require := func(value, name string) {
		if strings.TrimSpace(value) == "" {
			errs = append(errs, fmt.Errorf("%s not found", name))
		}
	}

	require(c.Bucket, "AWS_BUCKET")
	require(c.Endpoint, "AWS_ENDPOINT")
	require(c.AccessKey, "AWS_ACCESS_KEY")
	require(c.SecretKey, "AWS_SECRET_KEY")
	require(c.Region, "AWS_REGION")

	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("MAX_ATTEMPTS must be at least 1, got %d", c.MaxAttempts))
	}
	if c.LinkTTL <= 0 || c.LinkTTL > 7*24*time.Hour {
		// presigned URLs are capped at seven days
		errs = append(errs, fmt.Errorf("LINK_TTL must be within (0, 168h], got %s", c.LinkTTL))
	}
	return errors.Join(errs...)
}

func (c Config) validateQueue() []error {
	var errs []error
	require := func(value, name string) {
		if strings.TrimSpace(value) == "" {
			errs = append(errs, fmt.Errorf("%s not found", name))
		}
	}

	switch c.QueueDriver {
	case DriverAMQP:
		require(c.AMQPURL, "AMQP_URL")
	case DriverKafka:
		if len(c.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("KAFKA_BROKERS not found"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown QUEUE_DRIVER %q", c.QueueDriver))
	}
	require(c.InboundQueue, "INBOUND_QUEUE")
	require(c.OutboundRoutingKey, "OUTBOUND_ROUTING_KEY")
	return errs
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
