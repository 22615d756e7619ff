package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Supported drivers
const (
	DatabasePostgres = "postgres"
	DatabaseSQLite   = "sqlite3"

	TransportAMQP   = "amqp"
	TransportRedis  = "redis"
	TransportMemory = "memory"
)

// Config represents the complete application configuration
type Config struct {
	App       AppConfig       `yaml:"app"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Database  DatabaseConfig  `yaml:"database"`
	Transport TransportConfig `yaml:"transport"`
	Broker    BrokerConfig    `yaml:"broker"`
	Producer  ProducerConfig  `yaml:"producer"`
	Worker    WorkerConfig    `yaml:"worker"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
	NoColor      bool   `yaml:"no_color"`
}

// DatabaseConfig holds task store connection configuration
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
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

// TransportConfig selects and configures the message bus
type TransportConfig struct {
	Driver      string         `yaml:"driver"`
	QueuePrefix string         `yaml:"queue_prefix"`
	RabbitMQ    RabbitMQConfig `yaml:"rabbitmq"`
	Redis       RedisConfig    `yaml:"redis"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
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
	PrefetchCount int `yaml:"prefetch_count"`
}

// RedisConfig holds Redis pub/sub connection settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// BrokerConfig holds scheduler timings and retry policy
type BrokerConfig struct {
	DispatchInterval  time.Duration `yaml:"dispatch_interval"`
	DiscoveryWindow   time.Duration `yaml:"discovery_window"`
	DispatchTimeout   time.Duration `yaml:"dispatch_timeout"`
	ProcessTimeout    time.Duration `yaml:"process_timeout"`
	ReaperInterval    time.Duration `yaml:"reaper_interval"`
	Retention         time.Duration `yaml:"retention"`
	CandidateLimit    int           `yaml:"candidate_limit"`
	ConsultErrorCodes bool          `yaml:"consult_error_codes"`
}

// ProducerConfig holds task submission settings
type ProducerConfig struct {
	EnqueueTimeout       time.Duration  `yaml:"enqueue_timeout"`
	EnqueueRetryInterval time.Duration  `yaml:"enqueue_retry_interval"`
	EnqueueMaxBackoff    time.Duration  `yaml:"enqueue_max_backoff"`
	ResultTimeout        time.Duration  `yaml:"result_timeout"`
	PayloadDefaults      map[string]any `yaml:"payload_defaults"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	ID              string        `yaml:"id"`
	Concurrency     int           `yaml:"concurrency"`
	MinPriority     int           `yaml:"min_priority"`
	MaxPriority     int           `yaml:"max_priority"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Load reads and parses the configuration file. ${VAR} references are
// expanded from the environment before parsing, and defaults are applied
// to every unset field.
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
	setDuration(&c.Server.ReadTimeout, 15*time.Second)
	setDuration(&c.Server.WriteTimeout, 15*time.Second)
	setDuration(&c.Server.IdleTimeout, 60*time.Second)
	setDuration(&c.Server.ShutdownTimeout, 30*time.Second)

	setString(&c.Logging.Level, "info")
	setString(&c.Logging.Format, "console")
	setString(&c.Logging.Output, "stdout")

	setString(&c.Database.Driver, DatabasePostgres)
	if c.Database.Driver == DatabasePostgres {
		setInt(&c.Database.Port, 5432)
		setString(&c.Database.SSLMode, "disable")
	}

	setString(&c.Transport.Driver, TransportAMQP)
	setString(&c.Transport.QueuePrefix, "taskbroker")

	rmq := &c.Transport.RabbitMQ
	setInt(&rmq.Port, 5672)
	setString(&rmq.VHost, "/")
	setString(&rmq.Exchange.Name, "taskbroker")
	setInt(&rmq.Connection.RetryAttempts, 5)
	setDuration(&rmq.Connection.RetryInterval, 2*time.Second)
	setDuration(&rmq.Connection.Heartbeat, 10*time.Second)
	setDuration(&rmq.Connection.ConnectionTimeout, 30*time.Second)
	setInt(&rmq.Publish.RetryAttempts, 3)
	setDuration(&rmq.Publish.RetryInterval, 100*time.Millisecond)
	if rmq.Publish.BackoffMultiplier <= 0 {
		rmq.Publish.BackoffMultiplier = 2
	}
	setInt(&rmq.Consumer.PrefetchCount, 10)

	setString(&c.Transport.Redis.Addr, "localhost:6379")

	b := &c.Broker
	setDuration(&b.DispatchInterval, time.Second)
	setDuration(&b.DiscoveryWindow, 300*time.Millisecond)
	setDuration(&b.DispatchTimeout, 5*time.Second)
	setDuration(&b.ProcessTimeout, time.Hour)
	setDuration(&b.ReaperInterval, time.Minute)
	setDuration(&b.Retention, 30*time.Minute)
	setInt(&b.CandidateLimit, 10)

	p := &c.Producer
	setDuration(&p.EnqueueTimeout, 5*time.Second)
	setDuration(&p.EnqueueRetryInterval, 500*time.Millisecond)
	setDuration(&p.EnqueueMaxBackoff, 10*time.Second)

	w := &c.Worker
	setInt(&w.Concurrency, 1)
	setDuration(&w.JobTimeout, 5*time.Minute)
	setDuration(&w.ShutdownTimeout, 30*time.Second)
}

// ValidateBrokerConfig checks the settings the broker service needs
func (c *Config) ValidateBrokerConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateDatabase(); err != nil {
		return err
	}

	if err := c.validateTransport(); err != nil {
		return err
	}

	if c.Broker.DiscoveryWindow >= c.Broker.DispatchInterval {
		return fmt.Errorf("broker discovery_window (%s) must be shorter than dispatch_interval (%s)", c.Broker.DiscoveryWindow, c.Broker.DispatchInterval)
	}

	if c.Broker.ProcessTimeout <= c.Broker.DispatchTimeout {
		return fmt.Errorf("broker process_timeout must be greater than dispatch_timeout")
	}

	if c.Broker.CandidateLimit <= 0 {
		return fmt.Errorf("broker candidate_limit must be greater than 0")
	}

	return nil
}

// ValidateWorkerConfig checks the settings the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateTransport(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.MinPriority > c.Worker.MaxPriority {
		return fmt.Errorf("worker min_priority (%d) must not exceed max_priority (%d)", c.Worker.MinPriority, c.Worker.MaxPriority)
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	return nil
}

// ValidateProducerConfig checks the settings task submitters need
func (c *Config) ValidateProducerConfig() error {
	if err := c.validateTransport(); err != nil {
		return err
	}

	if c.Producer.EnqueueMaxBackoff < c.Producer.EnqueueRetryInterval {
		return fmt.Errorf("producer enqueue_max_backoff must not be shorter than enqueue_retry_interval")
	}

	if c.Producer.ResultTimeout < 0 {
		return fmt.Errorf("producer result_timeout must not be negative")
	}

	return nil
}

func (c *Config) validateDatabase() error {
	switch c.Database.Driver {
	case DatabaseSQLite:
		if c.Database.Database == "" {
			return fmt.Errorf("database path is required for sqlite3")
		}
		return nil
	case DatabasePostgres:
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
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

	return nil
}

func (c *Config) validateTransport() error {
	switch c.Transport.Driver {
	case TransportAMQP:
		rmq := c.Transport.RabbitMQ
		if rmq.Host == "" {
			return fmt.Errorf("rabbitmq host is required")
		}
		if rmq.Port < MinPort || rmq.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", rmq.Port, MinPort, MaxPort)
		}
		if rmq.Exchange.Name == "" {
			return fmt.Errorf("rabbitmq exchange name is required")
		}
	case TransportRedis:
		if c.Transport.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required")
		}
	case TransportMemory:
	default:
		return fmt.Errorf("unsupported transport driver: %s", c.Transport.Driver)
	}

	return nil
}

func setString(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setDuration(v *time.Duration, def time.Duration) {
	if *v == 0 {
		*v = def
	}
}
