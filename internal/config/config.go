// Package config loads the trace-batcher configuration from a YAML file and
// command-line flags and converts it into the settings of each component.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/szibis/trace-batcher/internal/auth"
	"github.com/szibis/trace-batcher/internal/buffer"
	"github.com/szibis/trace-batcher/internal/cardinality"
	"github.com/szibis/trace-batcher/internal/compression"
	"github.com/szibis/trace-batcher/internal/drain"
	"github.com/szibis/trace-batcher/internal/engine"
	"github.com/szibis/trace-batcher/internal/receiver"
	"github.com/szibis/trace-batcher/internal/stats"
	"github.com/szibis/trace-batcher/internal/telemetry"
	tlspkg "github.com/szibis/trace-batcher/internal/tls"
	"github.com/szibis/trace-batcher/internal/transport"
)

// Defaults for settings owned by this package. Engine defaults live in
// the engine package.
const (
	DefaultLogLevel        = "info"
	DefaultTransport       = "http"
	DefaultReceiverAddress = ":4318"
	DefaultGRPCAddress     = ":4317"
	DefaultServerAddress   = ":9090"
	DefaultKafkaAcks       = "all"
	DefaultMemoryRatio     = 0.9
)

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields. Engine fields with an engine-side
// default are left at zero and filled by engine.Config.ApplyDefaults.
func (c *Config) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.Engine.QueueFullPolicy == "" {
		c.Engine.QueueFullPolicy = string(buffer.Reject)
	}
	if c.Engine.MaxRetriesPerRecord == nil {
		n := drain.DefaultMaxRetriesPerRecord
		c.Engine.MaxRetriesPerRecord = &n
	}
	if c.Engine.Dedup.Mode == "" {
		c.Engine.Dedup.Mode = cardinality.ModeBloom.String()
	}
	if c.Stats.Interval == 0 {
		c.Stats.Interval = Duration(stats.DefaultSnapshotInterval)
	}
	if c.Stats.DistinctTracesWindow == 0 {
		c.Stats.DistinctTracesWindow = Duration(stats.DefaultResetInterval)
	}
	if c.Stats.DeliveryTarget == 0 {
		c.Stats.DeliveryTarget = stats.DefaultDeliveryTarget
	}
	if c.Transport.Kind == "" {
		c.Transport.Kind = DefaultTransport
	}
	if c.Transport.Kafka.RequiredAcks == "" {
		c.Transport.Kafka.RequiredAcks = DefaultKafkaAcks
	}
	if c.Transport.Kafka.ClientID == "" {
		c.Transport.Kafka.ClientID = "trace-batcher"
	}
	if c.Receiver.HTTP.Address == "" {
		c.Receiver.HTTP.Address = DefaultReceiverAddress
	}
	if c.Receiver.HTTP.Path == "" {
		c.Receiver.HTTP.Path = "/v1/traces"
	}
	if c.Receiver.HTTP.ReadHeaderTimeout == 0 {
		c.Receiver.HTTP.ReadHeaderTimeout = Duration(10 * time.Second)
	}
	if c.Receiver.GRPC.Address == "" {
		c.Receiver.GRPC.Address = DefaultGRPCAddress
	}
	if c.Server.Address == "" {
		c.Server.Address = DefaultServerAddress
	}
	if c.Memory.LimitRatio == 0 {
		c.Memory.LimitRatio = DefaultMemoryRatio
	}
}

// EngineConfig converts the engine section. Call Validate first; invalid
// enum values fall back to their defaults here.
func (c *Config) EngineConfig() engine.Config {
	e := c.Engine
	policy, err := buffer.ParsePolicy(e.QueueFullPolicy)
	if err != nil {
		policy = buffer.Reject
	}
	mode, err := cardinality.ParseMode(e.Dedup.Mode)
	if err != nil {
		mode = cardinality.ModeBloom
	}
	retries := drain.DefaultMaxRetriesPerRecord
	if e.MaxRetriesPerRecord != nil {
		retries = *e.MaxRetriesPerRecord
	}

	cfg := engine.Config{
		MaxQueueBytes:         int64(e.MaxQueueBytes),
		QueueFullPolicy:       policy,
		BlockTimeout:          time.Duration(e.BlockTimeout),
		MaxBatchItems:         e.MaxBatchItems,
		MaxBatchBytes:         int64(e.MaxBatchBytes),
		MinBatchItems:         e.MinBatchItems,
		MinBatchFlushInterval: time.Duration(e.MinBatchFlushInterval),
		MaxDrainConcurrency:   e.MaxDrainConcurrency,
		FailureThreshold:      e.FailureThreshold,
		BackoffBase:           time.Duration(e.BackoffBase),
		BackoffMax:            time.Duration(e.BackoffMax),
		BackoffJitter:         e.BackoffJitter,
		MaxRetriesPerRecord:   retries,
		SendTimeout:           time.Duration(e.SendTimeout),
		ShutdownTimeout:       time.Duration(e.ShutdownTimeout),
		ShutdownGrace:         time.Duration(e.ShutdownGrace),
		DrainInterval:         time.Duration(e.DrainInterval),
		FlushPollInterval:     time.Duration(e.FlushPollInterval),
		SnapshotInterval:      time.Duration(c.Stats.Interval),
		DistinctTracesWindow:  time.Duration(c.Stats.DistinctTracesWindow),
		DedupWindow:           time.Duration(e.Dedup.Window),
		Dedup: cardinality.Config{
			Mode:              mode,
			ExpectedItems:     e.Dedup.ExpectedItems,
			FalsePositiveRate: e.Dedup.FalsePositiveRate,
		},
		BatchTuning: engine.BatchTuningConfig{
			Enabled:       e.BatchTuning.Enabled,
			MinBytes:      int64(e.BatchTuning.MinBytes),
			SuccessStreak: e.BatchTuning.SuccessStreak,
			GrowFactor:    e.BatchTuning.GrowFactor,
			ShrinkFactor:  e.BatchTuning.ShrinkFactor,
		},
		SwallowEnqueueErrors: e.SwallowEnqueueErrors,
		RejectLogInterval:    time.Duration(e.RejectLogInterval),
	}
	cfg.ApplyDefaults()
	return cfg
}

// SLIConfig converts the delivery SLO settings.
func (c *Config) SLIConfig() stats.SLIConfig {
	return stats.SLIConfig{
		DeliveryTarget: c.Stats.DeliveryTarget,
		Interval:       time.Duration(c.Stats.Interval),
	}
}

// TransportConfig converts the transport section.
func (c *Config) TransportConfig() (transport.Config, error) {
	kind, err := transport.ParseKind(c.Transport.Kind)
	if err != nil {
		return transport.Config{}, err
	}
	h := c.Transport.HTTP
	httpCompression, err := compression.ParseType(h.Compression.Type)
	if err != nil {
		return transport.Config{}, fmt.Errorf("transport.http.compression: %w", err)
	}
	g := c.Transport.GRPC
	grpcCompression, err := compression.ParseType(g.Compression)
	if err != nil {
		return transport.Config{}, fmt.Errorf("transport.grpc.compression: %w", err)
	}
	k := c.Transport.Kafka
	acks, err := parseRequiredAcks(k.RequiredAcks)
	if err != nil {
		return transport.Config{}, err
	}

	return transport.Config{
		Kind: kind,
		HTTP: transport.HTTPConfig{
			Endpoint:         h.Endpoint,
			Insecure:         h.Insecure,
			Timeout:          time.Duration(h.Timeout),
			DefaultPath:      h.Path,
			TLS:              h.TLS.client(),
			Auth:             h.Auth.client(),
			Compression:      compression.Config{Type: httpCompression, Level: compression.Level(h.Compression.Level)},
			Streaming:        h.Streaming,
			MaxResponseBytes: int64(h.MaxResponseBytes),
			Client: transport.HTTPClientConfig{
				MaxIdleConns:         h.Client.MaxIdleConns,
				MaxIdleConnsPerHost:  h.Client.MaxIdleConnsPerHost,
				MaxConnsPerHost:      h.Client.MaxConnsPerHost,
				IdleConnTimeout:      time.Duration(h.Client.IdleConnTimeout),
				DisableKeepAlives:    h.Client.DisableKeepAlives,
				ForceAttemptHTTP2:    h.Client.ForceHTTP2,
				HTTP2ReadIdleTimeout: time.Duration(h.Client.HTTP2ReadIdleTimeout),
				HTTP2PingTimeout:     time.Duration(h.Client.HTTP2PingTimeout),
			},
		},
		GRPC: transport.GRPCConfig{
			Endpoint:            g.Endpoint,
			Insecure:            g.Insecure,
			Timeout:             time.Duration(g.Timeout),
			TLS:                 g.TLS.client(),
			Auth:                g.Auth.client(),
			Compression:         grpcCompression,
			MaxSendMessageBytes: int(g.MaxSendMessageBytes),
		},
		Kafka: transport.KafkaConfig{
			Brokers:          k.Brokers,
			Topic:            k.Topic,
			ClientID:         k.ClientID,
			RequiredAcks:     acks,
			Compression:      k.Compression,
			MaxMessageBytes:  int(k.MaxMessageBytes),
			Idempotent:       k.Idempotent,
			RetryMax:         k.RetryMax,
			RetryBackoff:     time.Duration(k.RetryBackoff),
			Timeout:          time.Duration(k.Timeout),
			SecurityProtocol: k.SecurityProtocol,
			SASLMechanism:    k.SASL.Mechanism,
			SASLUsername:     k.SASL.Username,
			SASLPassword:     k.SASL.Password,
			AWSRegion:        k.SASL.AWSRegion,
			TLS:              k.TLS.client(),
		},
	}, nil
}

// parseRequiredAcks maps all, leader and none (or -1, 1, 0) to sarama's
// numeric acks.
func parseRequiredAcks(s string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "all", "-1", "":
		return -1, nil
	case "leader", "1":
		return 1, nil
	case "none", "0":
		return 0, nil
	default:
		return 0, fmt.Errorf("transport.kafka.required_acks must be all, leader or none, got %q", s)
	}
}

// HTTPReceiverConfig converts the OTLP/HTTP receiver section.
func (c *Config) HTTPReceiverConfig() receiver.HTTPConfig {
	r := c.Receiver.HTTP
	return receiver.HTTPConfig{
		Addr:               r.Address,
		Path:               r.Path,
		MaxRequestBodySize: int64(r.MaxRequestBodySize),
		TLS:                r.TLS.server(),
		Auth:               r.Auth.server(),
		ReadHeaderTimeout:  time.Duration(r.ReadHeaderTimeout),
		ReadTimeout:        time.Duration(r.ReadTimeout),
		WriteTimeout:       time.Duration(r.WriteTimeout),
		IdleTimeout:        time.Duration(r.IdleTimeout),
	}
}

// GRPCReceiverConfig converts the OTLP/gRPC receiver section.
func (c *Config) GRPCReceiverConfig() receiver.GRPCConfig {
	r := c.Receiver.GRPC
	return receiver.GRPCConfig{
		Addr:           r.Address,
		MaxRecvMsgSize: int(r.MaxRecvMsgSize),
		TLS:            r.TLS.server(),
		Auth:           r.Auth.server(),
	}
}

// TelemetryConfig converts the self-telemetry section.
func (c *Config) TelemetryConfig() telemetry.Config {
	t := c.Telemetry
	return telemetry.Config{
		Endpoint:        t.Endpoint,
		Protocol:        t.Protocol,
		Insecure:        t.Insecure,
		Timeout:         time.Duration(t.Timeout),
		PushInterval:    time.Duration(t.PushInterval),
		Compression:     t.Compression,
		Headers:         t.Headers,
		ShutdownTimeout: time.Duration(t.ShutdownTimeout),
		DisableLogs:     t.DisableLogs,
		Retry: telemetry.RetryConfig{
			Enabled:         t.Retry.Enabled,
			InitialInterval: time.Duration(t.Retry.InitialInterval),
			MaxInterval:     time.Duration(t.Retry.MaxInterval),
			MaxElapsedTime:  time.Duration(t.Retry.MaxElapsedTime),
		},
	}
}

func (t TLSClientConfig) client() tlspkg.ClientConfig {
	return tlspkg.ClientConfig{
		Enabled:            t.Enabled,
		CertFile:           t.CertFile,
		KeyFile:            t.KeyFile,
		CAFile:             t.CAFile,
		ServerName:         t.ServerName,
		InsecureSkipVerify: t.InsecureSkipVerify,
	}
}

func (t TLSServerConfig) server() tlspkg.ServerConfig {
	return tlspkg.ServerConfig{
		Enabled:      t.Enabled,
		CertFile:     t.CertFile,
		KeyFile:      t.KeyFile,
		ClientCAFile: t.ClientCAFile,
	}
}

func (a AuthClientConfig) client() auth.ClientConfig {
	return auth.ClientConfig{
		APIKey:            a.APIKey,
		APIKeyHeader:      a.APIKeyHeader,
		BearerToken:       a.BearerToken,
		BasicAuthUsername: a.BasicAuthUsername,
		BasicAuthPassword: a.BasicAuthPassword,
		Headers:           a.Headers,
	}
}

func (a AuthServerConfig) server() auth.ServerConfig {
	return auth.ServerConfig{
		Enabled:      a.Enabled,
		APIKey:       a.APIKey,
		APIKeyHeader: a.APIKeyHeader,
		BearerToken:  a.BearerToken,
	}
}
