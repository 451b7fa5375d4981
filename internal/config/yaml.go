package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full process configuration, as read from YAML and
// overridden by flags.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Engine    EngineConfig    `yaml:"engine"`
	Stats     StatsConfig     `yaml:"stats"`
	Transport TransportConfig `yaml:"transport"`
	Receiver  ReceiverConfig  `yaml:"receiver"`
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Memory    MemoryConfig    `yaml:"memory"`

	// ConfigFile is the path the config was loaded from, if any.
	ConfigFile string `yaml:"-"`
}

// EngineConfig holds buffering, batching, drain and shutdown settings.
type EngineConfig struct {
	MaxQueueBytes         ByteSize `yaml:"max_queue_bytes"`
	QueueFullPolicy       string   `yaml:"queue_full_policy"`
	BlockTimeout          Duration `yaml:"block_timeout"`
	MaxBatchItems         int      `yaml:"max_batch_items"`
	MaxBatchBytes         ByteSize `yaml:"max_batch_bytes"`
	MinBatchItems         int      `yaml:"min_batch_items"`
	MinBatchFlushInterval Duration `yaml:"min_batch_flush_interval"`
	MaxDrainConcurrency   int      `yaml:"max_drain_concurrency"`
	FailureThreshold      int      `yaml:"failure_threshold"`
	BackoffBase           Duration `yaml:"backoff_base"`
	BackoffMax            Duration `yaml:"backoff_max"`
	BackoffJitter         float64  `yaml:"backoff_jitter"`
	// MaxRetriesPerRecord is a pointer so an explicit 0 (no retries) is
	// distinguishable from unset.
	MaxRetriesPerRecord  *int     `yaml:"max_retries_per_record"`
	SendTimeout          Duration `yaml:"send_timeout"`
	ShutdownTimeout      Duration `yaml:"shutdown_timeout"`
	ShutdownGrace        Duration `yaml:"shutdown_grace"`
	DrainInterval        Duration `yaml:"drain_interval"`
	FlushPollInterval    Duration `yaml:"flush_poll_interval"`
	SwallowEnqueueErrors bool     `yaml:"swallow_enqueue_errors"`
	RejectLogInterval    Duration `yaml:"reject_log_interval"`

	Dedup       DedupConfig       `yaml:"dedup"`
	BatchTuning BatchTuningConfig `yaml:"batch_tuning"`
}

// DedupConfig drops records whose ID was seen within Window.
type DedupConfig struct {
	Window            Duration `yaml:"window"`
	Mode              string   `yaml:"mode"`
	ExpectedItems     uint     `yaml:"expected_items"`
	FalsePositiveRate float64  `yaml:"false_positive_rate"`
}

// BatchTuningConfig configures the batch byte-size tuner.
type BatchTuningConfig struct {
	Enabled       bool     `yaml:"enabled"`
	MinBytes      ByteSize `yaml:"min_bytes"`
	SuccessStreak int32    `yaml:"success_streak"`
	GrowFactor    float64  `yaml:"grow_factor"`
	ShrinkFactor  float64  `yaml:"shrink_factor"`
}

// StatsConfig holds snapshot and SLO settings.
type StatsConfig struct {
	Interval             Duration `yaml:"interval"`
	DistinctTracesWindow Duration `yaml:"distinct_traces_window"`
	DeliveryTarget       float64  `yaml:"delivery_target"`
	LogSnapshots         bool     `yaml:"log_snapshots"`
}

// TransportConfig selects and configures the collector transport.
type TransportConfig struct {
	Kind  string              `yaml:"kind"`
	HTTP  HTTPTransportConfig `yaml:"http"`
	GRPC  GRPCTransportConfig `yaml:"grpc"`
	Kafka KafkaConfig         `yaml:"kafka"`
}

// HTTPTransportConfig configures the OTLP/HTTP transport.
type HTTPTransportConfig struct {
	Endpoint         string            `yaml:"endpoint"`
	Insecure         bool              `yaml:"insecure"`
	Timeout          Duration          `yaml:"timeout"`
	Path             string            `yaml:"path"`
	Streaming        bool              `yaml:"streaming"`
	MaxResponseBytes ByteSize          `yaml:"max_response_bytes"`
	Compression      CompressionConfig `yaml:"compression"`
	Client           HTTPClientConfig  `yaml:"client"`
	TLS              TLSClientConfig   `yaml:"tls"`
	Auth             AuthClientConfig  `yaml:"auth"`
}

// HTTPClientConfig tunes the HTTP connection pool.
type HTTPClientConfig struct {
	MaxIdleConns         int      `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost  int      `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost      int      `yaml:"max_conns_per_host"`
	IdleConnTimeout      Duration `yaml:"idle_conn_timeout"`
	DisableKeepAlives    bool     `yaml:"disable_keep_alives"`
	ForceHTTP2           bool     `yaml:"force_http2"`
	HTTP2ReadIdleTimeout Duration `yaml:"http2_read_idle_timeout"`
	HTTP2PingTimeout     Duration `yaml:"http2_ping_timeout"`
}

// GRPCTransportConfig configures the OTLP/gRPC transport.
type GRPCTransportConfig struct {
	Endpoint            string           `yaml:"endpoint"`
	Insecure            bool             `yaml:"insecure"`
	Timeout             Duration         `yaml:"timeout"`
	Compression         string           `yaml:"compression"`
	MaxSendMessageBytes ByteSize         `yaml:"max_send_message_bytes"`
	TLS                 TLSClientConfig  `yaml:"tls"`
	Auth                AuthClientConfig `yaml:"auth"`
}

// KafkaConfig configures the Kafka transport.
type KafkaConfig struct {
	Brokers          []string        `yaml:"brokers"`
	Topic            string          `yaml:"topic"`
	ClientID         string          `yaml:"client_id"`
	RequiredAcks     string          `yaml:"required_acks"`
	Compression      string          `yaml:"compression"`
	MaxMessageBytes  ByteSize        `yaml:"max_message_bytes"`
	Idempotent       bool            `yaml:"idempotent"`
	RetryMax         int             `yaml:"retry_max"`
	RetryBackoff     Duration        `yaml:"retry_backoff"`
	Timeout          Duration        `yaml:"timeout"`
	SecurityProtocol string          `yaml:"security_protocol"`
	SASL             KafkaSASLConfig `yaml:"sasl"`
	TLS              TLSClientConfig `yaml:"tls"`
}

// KafkaSASLConfig holds Kafka SASL credentials.
type KafkaSASLConfig struct {
	Mechanism string `yaml:"mechanism"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	AWSRegion string `yaml:"aws_region"`
}

// CompressionConfig selects request body compression.
type CompressionConfig struct {
	Type  string `yaml:"type"`
	Level int    `yaml:"level"`
}

// TLSClientConfig holds client TLS settings.
type TLSClientConfig struct {
	Enabled            bool   `yaml:"enabled"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	CAFile             string `yaml:"ca_file"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// TLSServerConfig holds server TLS settings.
type TLSServerConfig struct {
	Enabled      bool   `yaml:"enabled"`
	CertFile     string `yaml:"cert_file"`
	KeyFile      string `yaml:"key_file"`
	ClientCAFile string `yaml:"client_ca_file"`
}

// AuthClientConfig holds credentials sent to the collector.
type AuthClientConfig struct {
	APIKey            string            `yaml:"api_key"`
	APIKeyHeader      string            `yaml:"api_key_header"`
	BearerToken       string            `yaml:"bearer_token"`
	BasicAuthUsername string            `yaml:"basic_auth_username"`
	BasicAuthPassword string            `yaml:"basic_auth_password"`
	Headers           map[string]string `yaml:"headers"`
}

// AuthServerConfig holds credentials the receiver accepts.
type AuthServerConfig struct {
	Enabled      bool   `yaml:"enabled"`
	APIKey       string `yaml:"api_key"`
	APIKeyHeader string `yaml:"api_key_header"`
	BearerToken  string `yaml:"bearer_token"`
}

// ReceiverConfig configures the local OTLP receivers.
type ReceiverConfig struct {
	HTTP HTTPReceiverConfig `yaml:"http"`
	GRPC GRPCReceiverConfig `yaml:"grpc"`
}

// HTTPReceiverConfig configures the OTLP/HTTP receiver.
type HTTPReceiverConfig struct {
	Address            string           `yaml:"address"`
	Path               string           `yaml:"path"`
	MaxRequestBodySize ByteSize         `yaml:"max_request_body_size"`
	ReadHeaderTimeout  Duration         `yaml:"read_header_timeout"`
	ReadTimeout        Duration         `yaml:"read_timeout"`
	WriteTimeout       Duration         `yaml:"write_timeout"`
	IdleTimeout        Duration         `yaml:"idle_timeout"`
	TLS                TLSServerConfig  `yaml:"tls"`
	Auth               AuthServerConfig `yaml:"auth"`
}

// GRPCReceiverConfig configures the OTLP/gRPC receiver. It is off unless
// Enabled.
type GRPCReceiverConfig struct {
	Enabled        bool             `yaml:"enabled"`
	Address        string           `yaml:"address"`
	MaxRecvMsgSize ByteSize         `yaml:"max_recv_msg_size"`
	TLS            TLSServerConfig  `yaml:"tls"`
	Auth           AuthServerConfig `yaml:"auth"`
}

// ServerConfig configures the admin server (/metrics, /live, /ready).
type ServerConfig struct {
	Address string `yaml:"address"`
}

// TelemetryConfig configures OTLP self-telemetry.
type TelemetryConfig struct {
	Endpoint        string               `yaml:"endpoint"`
	Protocol        string               `yaml:"protocol"`
	Insecure        bool                 `yaml:"insecure"`
	Timeout         Duration             `yaml:"timeout"`
	PushInterval    Duration             `yaml:"push_interval"`
	Compression     string               `yaml:"compression"`
	Headers         map[string]string    `yaml:"headers"`
	ShutdownTimeout Duration             `yaml:"shutdown_timeout"`
	DisableLogs     bool                 `yaml:"disable_logs"`
	Retry           TelemetryRetryConfig `yaml:"retry"`
}

// TelemetryRetryConfig holds OTLP exporter retry settings.
type TelemetryRetryConfig struct {
	Enabled         bool     `yaml:"enabled"`
	InitialInterval Duration `yaml:"initial_interval"`
	MaxInterval     Duration `yaml:"max_interval"`
	MaxElapsedTime  Duration `yaml:"max_elapsed_time"`
}

// MemoryConfig controls GOMEMLIMIT derivation.
type MemoryConfig struct {
	// LimitRatio of the container memory limit becomes GOMEMLIMIT. 0
	// disables it.
	LimitRatio float64 `yaml:"limit_ratio"`
}

// Duration is a wrapper for time.Duration that supports YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	duration, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ByteSize is an int64 that accepts human-readable YAML values: a raw
// integer (bytes) or a number with a Ki, Mi, Gi or Ti suffix.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for ByteSize.
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return FormatByteSize(int64(b)), nil
}

// String formats b the way it is written in YAML.
func (b ByteSize) String() string {
	return FormatByteSize(int64(b))
}

var byteSuffixes = []struct {
	name string
	mult int64
}{
	{"Ti", 1 << 40},
	{"Gi", 1 << 30},
	{"Mi", 1 << 20},
	{"Ki", 1 << 10},
}

// ParseByteSize parses a human-readable byte size. Plain integers are
// bytes; Ki, Mi, Gi and Ti suffixes accept fractions such as "1.5Gi".
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	for _, sf := range byteSuffixes {
		if strings.HasSuffix(s, sf.name) {
			numStr := strings.TrimSpace(strings.TrimSuffix(s, sf.name))
			var f float64
			if _, err := fmt.Sscanf(numStr, "%f", &f); err != nil || f < 0 {
				return 0, fmt.Errorf("invalid byte size: %q", s)
			}
			return int64(f * float64(sf.mult)), nil
		}
	}
	// Reject decimal-unit strings like "256MB".
	var n int64
	var trail string
	if _, err := fmt.Sscanf(s, "%d%s", &n, &trail); err == nil && trail != "" {
		return 0, fmt.Errorf("invalid byte size: %q (use Ki, Mi, Gi, or Ti suffixes)", s)
	}
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, fmt.Errorf("invalid byte size: %q", s)
	}
	return n, nil
}

// FormatByteSize formats bytes with the largest binary suffix that divides
// them exactly.
func FormatByteSize(b int64) string {
	for _, sf := range byteSuffixes {
		if b >= sf.mult && b%sf.mult == 0 {
			return fmt.Sprintf("%d%s", b/sf.mult, sf.name)
		}
	}
	return fmt.Sprintf("%d", b)
}

// LoadYAML loads configuration from a YAML file.
func LoadYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := ParseYAML(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.ConfigFile = path
	return cfg, nil
}

// ParseYAML parses YAML configuration from bytes. Unknown keys are errors.
func ParseYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	// An empty document decodes to io.EOF and means all defaults.
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}
