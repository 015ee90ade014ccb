package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Server   ServerConfig   `yaml:"server"`
	Logger   LoggerConfig   `yaml:"logger"`
	Topology TopologyConfig `yaml:"topology"`
}

// RabbitMQConfig represents the broker endpoint and channel settings
type RabbitMQConfig struct {
	URI               string        `yaml:"uri" envconfig:"RABBITMQ_URI"`
	Heartbeat         time.Duration `yaml:"heartbeat" envconfig:"RABBITMQ_HEARTBEAT"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval" envconfig:"RABBITMQ_RECONNECT_INTERVAL"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout" envconfig:"RABBITMQ_CONNECT_TIMEOUT"`
	ConnectionName    string        `yaml:"connection_name" envconfig:"RABBITMQ_CONNECTION_NAME"`
	Prefetch          int           `yaml:"prefetch" envconfig:"RABBITMQ_PREFETCH"`
	Codec             string        `yaml:"codec" envconfig:"RABBITMQ_CODEC"` // json or msgpack
	PendingLimit      int           `yaml:"pending_limit" envconfig:"RABBITMQ_PENDING_LIMIT"`
	Confirms          bool          `yaml:"confirms" envconfig:"RABBITMQ_CONFIRMS"`
	ConfirmTimeout    time.Duration `yaml:"confirm_timeout" envconfig:"RABBITMQ_CONFIRM_TIMEOUT"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host" envconfig:"SERVER_HOST"`
	Port            int           `yaml:"port" envconfig:"PORT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SERVER_SHUTDOWN_TIMEOUT"`
	// CORSOrigins enables CORS for the listed origins. Empty disables it.
	CORSOrigins []string `yaml:"cors_origins" envconfig:"SERVER_CORS_ORIGINS"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// LoggerConfig represents logger configuration
type LoggerConfig struct {
	Level  string `yaml:"level" envconfig:"LOG_LEVEL"`
	Format string `yaml:"format" envconfig:"LOG_FORMAT"` // json or text
}

// ExchangeConfig declares one exchange.
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Kind       string `yaml:"kind"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// RouteConfig binds a queue and, when Handler is set, subscribes the named
// built-in handler to it.
type RouteConfig struct {
	Queue              string `yaml:"queue"`
	Exchange           string `yaml:"exchange"`
	RoutingKey         string `yaml:"routing_key"`
	DeadLetterExchange string `yaml:"dead_letter_exchange"`
	Handler            string `yaml:"handler"`
}

// TopologyConfig names the exchanges the HTTP surface publishes to and the
// topology declared at startup.
type TopologyConfig struct {
	EventsExchange        string           `yaml:"events_exchange" envconfig:"EVENTS_EXCHANGE"`
	CommandsExchange      string           `yaml:"commands_exchange" envconfig:"COMMANDS_EXCHANGE"`
	NotificationsExchange string           `yaml:"notifications_exchange" envconfig:"NOTIFICATIONS_EXCHANGE"`
	DeadLetterExchange    string           `yaml:"dead_letter_exchange" envconfig:"DEAD_LETTER_EXCHANGE"`
	Exchanges             []ExchangeConfig `yaml:"exchanges" ignored:"true"`
	Routes                []RouteConfig    `yaml:"routes" ignored:"true"`
}

// Default returns the configuration used when neither file nor environment
// say otherwise.
func Default() *Config {
	return &Config{
		RabbitMQ: RabbitMQConfig{
			URI:               "amqp://localhost:5672",
			Heartbeat:         5 * time.Second,
			ReconnectInterval: 5 * time.Second,
			ConnectTimeout:    30 * time.Second,
			ConnectionName:    "amqpkeeper",
			Prefetch:          10,
			Codec:             "json",
			PendingLimit:      10000,
			ConfirmTimeout:    5 * time.Second,
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            3001,
			ShutdownTimeout: 10 * time.Second,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "json",
		},
		Topology: TopologyConfig{
			EventsExchange:        "events",
			CommandsExchange:      "commands",
			NotificationsExchange: "notifications",
			DeadLetterExchange:    "dead-letter",
			Exchanges: []ExchangeConfig{
				{Name: "events", Kind: "topic", Durable: true},
				{Name: "commands", Kind: "direct", Durable: true},
				{Name: "notifications", Kind: "topic", Durable: true},
				{Name: "dead-letter", Kind: "fanout", Durable: true},
			},
			Routes: []RouteConfig{
				{Queue: "failed-messages", Exchange: "dead-letter"},
				{Queue: "test-events-queue", Exchange: "events", RoutingKey: "test.event", DeadLetterExchange: "dead-letter", Handler: "test-event"},
				{Queue: "commands-queue", Exchange: "commands", RoutingKey: "process.data", DeadLetterExchange: "dead-letter", Handler: "command"},
				{Queue: "order-processing-queue", Exchange: "commands", RoutingKey: "process.order", DeadLetterExchange: "dead-letter", Handler: "order"},
				{Queue: "user-events-queue", Exchange: "notifications", RoutingKey: "user.*", DeadLetterExchange: "dead-letter", Handler: "user-event"},
			},
		},
	}
}

// Load loads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := loadFromFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadFromFile loads configuration from YAML file
func loadFromFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true) // Strict parsing

	return decoder.Decode(cfg)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.RabbitMQ.URI == "" {
		return fmt.Errorf("rabbitmq uri is required")
	}
	if !strings.HasPrefix(c.RabbitMQ.URI, "amqp://") && !strings.HasPrefix(c.RabbitMQ.URI, "amqps://") {
		return fmt.Errorf("rabbitmq uri must use the amqp or amqps scheme")
	}
	if c.RabbitMQ.ReconnectInterval <= 0 {
		return fmt.Errorf("invalid reconnect interval: %s", c.RabbitMQ.ReconnectInterval)
	}
	if c.RabbitMQ.Prefetch < 0 {
		return fmt.Errorf("invalid prefetch: %d", c.RabbitMQ.Prefetch)
	}
	if c.RabbitMQ.PendingLimit < 0 {
		return fmt.Errorf("invalid pending limit: %d", c.RabbitMQ.PendingLimit)
	}
	switch strings.ToLower(c.RabbitMQ.Codec) {
	case "json", "msgpack", "messagepack":
	default:
		return fmt.Errorf("unknown codec: %q", c.RabbitMQ.Codec)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch strings.ToLower(c.Logger.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log format: %q", c.Logger.Format)
	}

	exchanges := make(map[string]bool, len(c.Topology.Exchanges))
	for _, ex := range c.Topology.Exchanges {
		if ex.Name == "" {
			return fmt.Errorf("exchange name is required")
		}
		exchanges[ex.Name] = true
	}
	for _, r := range c.Topology.Routes {
		if r.Queue == "" || r.Exchange == "" {
			return fmt.Errorf("route requires queue and exchange")
		}
		if !exchanges[r.Exchange] {
			return fmt.Errorf("route %s references undeclared exchange %s", r.Queue, r.Exchange)
		}
	}

	return nil
}
