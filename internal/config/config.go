package config

import (
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Store drivers
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverBadger   = "badger"
	DriverPebble   = "pebble"
)

// Config represents the complete application configuration
type Config struct {
	App       AppConfig       `yaml:"app"`
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Logging   LoggingConfig   `yaml:"logging"`
	Worker    WorkerConfig    `yaml:"worker"`
	Cache     StoreConfig     `yaml:"cache"`
	Durable   StoreConfig     `yaml:"durable"`
	Buffer    BufferConfig    `yaml:"buffer"`
	Jobs      JobsConfig      `yaml:"jobs"`
	UserState UserStateConfig `yaml:"user_state"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
	// Namespace prefixes every shared store key so several sites can share one store
	Namespace string `yaml:"namespace"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration. RabbitMQ only
// carries job wake-up notifications, so it can be disabled.
type RabbitMQConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
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

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int  `yaml:"prefetch_count"`
	AutoAck       bool `yaml:"auto_ack"`
	Exclusive     bool `yaml:"exclusive"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
	TimeFormat   string `yaml:"time_format"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	CompactInterval time.Duration `yaml:"compact_interval"`
	PurgeInterval   time.Duration `yaml:"purge_interval"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MetricsPort     int           `yaml:"metrics_port"`
}

// StoreConfig selects a store driver. Path is used by the embedded drivers.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// BufferConfig holds deferred write buffer settings
type BufferConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Attempts      int           `yaml:"attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	FlushRate     float64       `yaml:"flush_rate"`
	FlushBurst    int           `yaml:"flush_burst"`
}

// JobsConfig holds job queue settings
type JobsConfig struct {
	CatalogPath      string        `yaml:"catalog_path"`
	LogTTL           time.Duration `yaml:"log_ttl"`
	CommandTimeout   time.Duration `yaml:"command_timeout"`
	CompactBatchSize int           `yaml:"compact_batch_size"`
}

// UserStateConfig holds user state settings
type UserStateConfig struct {
	DeleteHorizon time.Duration `yaml:"delete_horizon"`
}

// Load reads and parses the configuration file. ${VAR} references are expanded from the
// environment before parsing.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.App.Namespace == "" {
		c.App.Namespace = c.App.Name
	}
	if c.Cache.Driver == "" {
		c.Cache.Driver = DriverMemory
	}
	if c.Durable.Driver == "" {
		c.Durable.Driver = DriverMemory
	}
	if c.Buffer.FlushInterval <= 0 {
		c.Buffer.FlushInterval = time.Minute
	}
	if c.Jobs.LogTTL <= 0 {
		c.Jobs.LogTTL = 24 * time.Hour
	}
	if c.Jobs.CommandTimeout <= 0 {
		c.Jobs.CommandTimeout = 60 * time.Second
	}
	if c.UserState.DeleteHorizon <= 0 {
		c.UserState.DeleteHorizon = 30 * 24 * time.Hour
	}
	if c.Worker.PollInterval <= 0 {
		c.Worker.PollInterval = time.Second
	}
	if c.Worker.CompactInterval <= 0 {
		c.Worker.CompactInterval = 10 * time.Minute
	}
	if c.Worker.PurgeInterval <= 0 {
		c.Worker.PurgeInterval = time.Hour
	}
}

// UsesPostgres reports whether either store needs the database connection
func (c *Config) UsesPostgres() bool {
	return c.Cache.Driver == DriverPostgres || c.Durable.Driver == DriverPostgres
}

// Validate checks the settings shared by both services
func (c *Config) Validate() error {
	if c.App.Namespace == "" {
		return fmt.Errorf("app namespace is required")
	}

	if !slices.Contains([]string{DriverMemory, DriverPostgres, DriverBadger}, c.Cache.Driver) {
		return fmt.Errorf("invalid cache driver: %q", c.Cache.Driver)
	}
	if !slices.Contains([]string{DriverMemory, DriverPostgres, DriverPebble}, c.Durable.Driver) {
		return fmt.Errorf("invalid durable driver: %q", c.Durable.Driver)
	}
	if c.Cache.Driver == DriverBadger && c.Cache.Path == "" {
		return fmt.Errorf("cache path is required for the badger driver")
	}
	if c.Durable.Driver == DriverPebble && c.Durable.Path == "" {
		return fmt.Errorf("durable path is required for the pebble driver")
	}

	if c.UsesPostgres() {
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}

		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}

		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	if c.RabbitMQ.Enabled {
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required")
		}

		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
		}

		if c.RabbitMQ.Exchange.Name == "" {
			return fmt.Errorf("rabbitmq exchange name is required")
		}

		if c.RabbitMQ.Queue.Name == "" {
			return fmt.Errorf("rabbitmq queue name is required")
		}
	}

	if c.Jobs.CatalogPath == "" {
		return fmt.Errorf("jobs catalog_path is required")
	}

	return nil
}

// ValidateAPIConfig checks the settings the API service needs. The API and worker services
// run as separate processes, so both stores must be shared ones.
func (c *Config) ValidateAPIConfig() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return err
	}
	return c.validateSharedStores()
}

// ValidateWorkerConfig checks the settings the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateWorker(); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return err
	}
	return c.validateSharedStores()
}

// ValidateStandaloneConfig checks the settings of the single-process service, which serves
// the API and runs the worker loops on the same stores. Process-local drivers are allowed.
func (c *Config) ValidateStandaloneConfig() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateWorker(); err != nil {
		return err
	}
	return c.Validate()
}

func (c *Config) validateServer() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}
	return nil
}

func (c *Config) validateWorker() error {
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Worker.MetricsPort != 0 && (c.Worker.MetricsPort < MinPort || c.Worker.MetricsPort > MaxPort) {
		return fmt.Errorf("invalid worker metrics port: %d (must be between %d and %d)", c.Worker.MetricsPort, MinPort, MaxPort)
	}
	return nil
}

// validateSharedStores rejects drivers whose data only one process can see. Memory stores
// are private to a process and Badger and Pebble lock their directory.
func (c *Config) validateSharedStores() error {
	if c.Cache.Driver != DriverPostgres {
		return fmt.Errorf("cache driver %q cannot be shared between the api and worker services, use %q or the standalone service", c.Cache.Driver, DriverPostgres)
	}
	if c.Durable.Driver != DriverPostgres {
		return fmt.Errorf("durable driver %q cannot be shared between the api and worker services, use %q or the standalone service", c.Durable.Driver, DriverPostgres)
	}
	return nil
}
