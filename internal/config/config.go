package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535

	// EnvironmentLocal marks a developer machine running the worker in a container
	EnvironmentLocal = "local"

	defaultLocalDatabaseHost = "host.docker.internal"
)

// envReference matches braced ${VAR} references; a bare $ is kept literally
var envReference = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Config represents the complete application configuration
type Config struct {
	App         AppConfig         `yaml:"app"`
	Logging     LoggingConfig     `yaml:"logging"`
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	RabbitMQ    RabbitMQConfig    `yaml:"rabbitmq"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	ScenarioAPI ScenarioAPIConfig `yaml:"scenario_api"`
	LocalAPI    LocalAPIConfig    `yaml:"local_api"`
	Worker      WorkerConfig      `yaml:"worker"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// ServerConfig holds the operational HTTP server configuration
type ServerConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	LocalHost       string        `yaml:"local_host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

// RabbitMQConfig holds RabbitMQ connection and queue configuration
type RabbitMQConfig struct {
	Host          string           `yaml:"host"`
	Port          int              `yaml:"port"`
	User          string           `yaml:"user"`
	Password      string           `yaml:"password"`
	VHost         string           `yaml:"vhost"`
	Exchange      ExchangeConfig   `yaml:"exchange"`
	InboundQueue  string           `yaml:"inbound_queue"`
	OutboundQueue string           `yaml:"outbound_queue"`
	QueueDurable  bool             `yaml:"queue_durable"`
	Connection    ConnectionConfig `yaml:"connection"`
	Publish       PublishConfig    `yaml:"publish"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Durable bool   `yaml:"durable"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ObjectStoreConfig holds blob store configuration
type ObjectStoreConfig struct {
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// ScenarioAPIConfig holds scenario API client configuration
type ScenarioAPIConfig struct {
	CreateURL          string        `yaml:"create_url"`
	CurvesBaseURL      string        `yaml:"curves_base_url"`
	CreateTimeout      time.Duration `yaml:"create_timeout"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	StartSituationPath string        `yaml:"start_situation_path"`
}

// LocalAPIConfig holds the configuration of the sibling process hosting the scenario API
type LocalAPIConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Command        string        `yaml:"command"`
	Args           []string      `yaml:"args"`
	Dir            string        `yaml:"dir"`
	ReadyURL       string        `yaml:"ready_url"`
	StartupDelay   time.Duration `yaml:"startup_delay"`
	StartupTimeout time.Duration `yaml:"startup_timeout"`
	TerminateGrace time.Duration `yaml:"terminate_grace"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	PollInterval        time.Duration `yaml:"poll_interval"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	UpdateStatementPath string        `yaml:"update_statement_path"`
	Retry               RetryConfig   `yaml:"retry"`
}

// RetryConfig holds the backoff applied after a job is returned to the queue
type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// Load reads and parses the configuration file.
// ${VAR} references are expanded from the environment before parsing.
// Unset variables expand to the empty string.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := expandEnv(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyEnvironment()

	return &config, nil
}

// expandEnv substitutes ${VAR} references from the environment
func expandEnv(s string) string {
	return envReference.ReplaceAllStringFunc(s, func(ref string) string {
		return os.Getenv(envReference.FindStringSubmatch(ref)[1])
	})
}

// applyEnvironment adjusts settings that depend on the deployment environment
func (c *Config) applyEnvironment() {
	if c.App.Environment != EnvironmentLocal {
		return
	}

	if c.Database.LocalHost == "" {
		c.Database.LocalHost = defaultLocalDatabaseHost
	}
	c.Database.Host = c.Database.LocalHost
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Enabled && (c.Server.Port < MinPort || c.Server.Port > MaxPort) {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.InboundQueue == "" {
		return fmt.Errorf("rabbitmq inbound queue is required")
	}

	if c.RabbitMQ.OutboundQueue == "" {
		return fmt.Errorf("rabbitmq outbound queue is required")
	}

	if c.RabbitMQ.InboundQueue == c.RabbitMQ.OutboundQueue {
		return fmt.Errorf("rabbitmq inbound and outbound queues must differ")
	}

	if c.ObjectStore.Bucket == "" {
		return fmt.Errorf("object store bucket is required")
	}

	if c.ScenarioAPI.CreateURL == "" {
		return fmt.Errorf("scenario api create_url is required")
	}

	if c.ScenarioAPI.CurvesBaseURL == "" {
		return fmt.Errorf("scenario api curves_base_url is required")
	}

	if c.ScenarioAPI.StartSituationPath == "" {
		return fmt.Errorf("scenario api start_situation_path is required")
	}

	if c.LocalAPI.Enabled && c.LocalAPI.Command == "" {
		return fmt.Errorf("local api command is required when enabled")
	}

	if c.Worker.PollInterval < 0 {
		return fmt.Errorf("worker poll_interval must not be negative")
	}

	if c.Worker.IdleTimeout < 0 {
		return fmt.Errorf("worker idle_timeout must not be negative")
	}

	if c.Worker.UpdateStatementPath == "" {
		return fmt.Errorf("worker update_statement_path is required")
	}

	return nil
}
