package config

import (
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Service configuration constants
const (
	ServiceName    = "order-saga-service"
	ServiceVersion = "0.1.0"
)

// Kafka configuration constants
const (
	CommandsTopic     = "order.commands"
	EventsTopic       = "order.events"
	OrchestratorGroup = "orchestrator"
	OrderStatusGroup  = "order-status"
	OrderGroup        = "order-service"
	OrderEventsGroup  = "order-service-events"
	InventoryGroup    = "inventory-service"
	PaymentGroup      = "payment-service"
	BatchTimeout      = 10 * time.Millisecond
	BatchSize         = 100
	ReaderMaxWait     = 500 * time.Millisecond
)

// HTTP server constants
const (
	ReadTimeout     = time.Second
	WriteTimeout    = 10 * time.Second
	ShutdownTimeout = 15 * time.Second
)

// OpenTelemetry configuration constants
const (
	LogsPath       = "/otlp/v1/logs"
	TracesPath     = "/otlp/v1/traces"
	MetricsPath    = "/otlp/v1/metrics"
	ExportTimeout  = 30 * time.Second
	MaxQueueSize   = 2048
	MetricInterval = 10 * time.Second
)

// Coordination topologies
const (
	ModeOrchestration = "orchestration"
	ModeChoreography  = "choreography"
)

// Transports
const (
	TransportKafka  = "kafka"
	TransportMemory = "memory"
)

// Environment keys
const (
	KeyKafkaBroker          = "KAFKA_BROKER"
	KeyOtelEndpoint         = "OTEL_ENDPOINT"
	KeyOtelAuthHeader       = "OTEL_AUTH_HEADER"
	KeyMode                 = "SAGA_MODE"
	KeyTransport            = "SAGA_TRANSPORT"
	KeyHTTPAddr             = "HTTP_ADDR"
	KeyLogLevel             = "LOG_LEVEL"
	KeyOrderFailureRate     = "ORDER_FAILURE_RATE"
	KeyInventoryFailureRate = "INVENTORY_FAILURE_RATE"
	KeyPaymentFailureRate   = "PAYMENT_FAILURE_RATE"
	KeySagaDeadline         = "SAGA_DEADLINE"
	KeySweepInterval        = "SWEEP_INTERVAL"
	KeyPublishRetries       = "PUBLISH_RETRIES"
	KeyMemoryPartitions     = "MEMORY_PARTITIONS"
	KeyConsumersPerGroup    = "CONSUMERS_PER_GROUP"
)

var defaults = map[string]any{
	KeyKafkaBroker:          "localhost:9092",
	KeyMode:                 ModeOrchestration,
	KeyTransport:            TransportKafka,
	KeyHTTPAddr:             ":8080",
	KeyLogLevel:             "info",
	KeyOrderFailureRate:     0.1,
	KeyInventoryFailureRate: 0.2,
	KeyPaymentFailureRate:   0.3,
	KeySagaDeadline:         30 * time.Second,
	KeySweepInterval:        5 * time.Second,
	KeyPublishRetries:       5,
	KeyMemoryPartitions:     8,
	KeyConsumersPerGroup:    1,
}

// flag name -> key
var flagKeys = map[string]string{
	"mode":        KeyMode,
	"transport":   KeyTransport,
	"http-addr":   KeyHTTPAddr,
	"kafka":       KeyKafkaBroker,
	"log-level":   KeyLogLevel,
	"partitions":  KeyMemoryPartitions,
	"deadline":    KeySagaDeadline,
	"sweep-every": KeySweepInterval,
}

// Config holds environment-specific configuration
type Config struct {
	KafkaBroker    string
	OtelEndpoint   string
	OtelAuthHeader string

	Mode      string
	Transport string
	HTTPAddr  string
	LogLevel  string

	OrderFailureRate     float64
	InventoryFailureRate float64
	PaymentFailureRate   float64

	SagaDeadline      time.Duration
	SweepInterval     time.Duration
	PublishRetries    uint
	MemoryPartitions  int
	ConsumersPerGroup int
}

// RegisterFlags declares the command line overrides on fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("mode", ModeOrchestration, "coordination topology: orchestration or choreography")
	fs.String("transport", TransportKafka, "message transport: kafka or memory")
	fs.String("http-addr", ":8080", "HTTP listen address")
	fs.String("kafka", "localhost:9092", "Kafka bootstrap broker")
	fs.String("log-level", "info", "log level")
	fs.Int("partitions", 8, "partitions per topic for the memory transport")
	fs.Duration("deadline", 30*time.Second, "time an order may stay in flight before the supervisor acts")
	fs.Duration("sweep-every", 5*time.Second, "supervisor sweep interval")
}

// NewViper returns a viper instance reading defaults, environment variables and,
// when fs is not nil, flags that were explicitly set.
func NewViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			flag := fs.Lookup(name)
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return nil, fmt.Errorf("bind flag %q: %w", name, err)
			}
		}
	}
	return v, nil
}

// LoadConfig loads configuration from environment variables with defaults.
func LoadConfig() (*Config, error) {
	v, err := NewViper(nil)
	if err != nil {
		return nil, err
	}
	return Load(v)
}

// Load reads and validates configuration from v.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		KafkaBroker:          v.GetString(KeyKafkaBroker),
		OtelEndpoint:         v.GetString(KeyOtelEndpoint),
		OtelAuthHeader:       v.GetString(KeyOtelAuthHeader),
		Mode:                 strings.ToLower(v.GetString(KeyMode)),
		Transport:            strings.ToLower(v.GetString(KeyTransport)),
		HTTPAddr:             v.GetString(KeyHTTPAddr),
		LogLevel:             v.GetString(KeyLogLevel),
		OrderFailureRate:     v.GetFloat64(KeyOrderFailureRate),
		InventoryFailureRate: v.GetFloat64(KeyInventoryFailureRate),
		PaymentFailureRate:   v.GetFloat64(KeyPaymentFailureRate),
		SagaDeadline:         v.GetDuration(KeySagaDeadline),
		SweepInterval:        v.GetDuration(KeySweepInterval),
		PublishRetries:       v.GetUint(KeyPublishRetries),
		MemoryPartitions:     v.GetInt(KeyMemoryPartitions),
		ConsumersPerGroup:    v.GetInt(KeyConsumersPerGroup),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks every field.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.KafkaBroker, validation.When(c.Transport == TransportKafka, validation.Required)),
		validation.Field(&c.Mode, validation.Required, validation.In(ModeOrchestration, ModeChoreography)),
		validation.Field(&c.Transport, validation.Required, validation.In(TransportKafka, TransportMemory)),
		validation.Field(&c.HTTPAddr, validation.Required),
		validation.Field(&c.OrderFailureRate, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&c.InventoryFailureRate, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&c.PaymentFailureRate, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&c.SagaDeadline, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.SweepInterval, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.PublishRetries, validation.Required, validation.Min(uint(1))),
		validation.Field(&c.MemoryPartitions, validation.Required, validation.Min(1)),
		validation.Field(&c.ConsumersPerGroup, validation.Required, validation.Min(1)),
	)
}

// OtelEnabled reports whether OTLP export is configured.
func (c *Config) OtelEnabled() bool {
	return c.OtelEndpoint != ""
}
