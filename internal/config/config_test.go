package config

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/szibis/trace-batcher/internal/buffer"
	"github.com/szibis/trace-batcher/internal/cardinality"
	"github.com/szibis/trace-batcher/internal/compression"
	"github.com/szibis/trace-batcher/internal/drain"
	"github.com/szibis/trace-batcher/internal/engine"
	"github.com/szibis/trace-batcher/internal/transport"
)

const fullYAML = `
log_level: warn
engine:
  max_queue_bytes: 32Mi
  queue_full_policy: drop_oldest
  max_batch_items: 256
  max_batch_bytes: 1Mi
  min_batch_flush_interval: 500ms
  max_drain_concurrency: 8
  backoff_base: 50ms
  backoff_max: 10s
  max_retries_per_record: 0
  send_timeout: 5s
  swallow_enqueue_errors: true
  dedup:
    window: 1m
    mode: exact
  batch_tuning:
    enabled: true
    min_bytes: 64Ki
stats:
  interval: 10s
  delivery_target: 0.99
transport:
  kind: kafka
  kafka:
    brokers: [b1:9092, b2:9092]
    topic: spans
    required_acks: leader
    compression: zstd
    sasl:
      mechanism: SCRAM-SHA-512
      username: u
      password: p
receiver:
  http:
    address: ":14318"
    max_request_body_size: 8Mi
    auth:
      enabled: true
      bearer_token: tok
telemetry:
  endpoint: otel:4317
  insecure: true
  push_interval: 15s
memory:
  limit_ratio: 0.8
`

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseYAMLFull(t *testing.T) {
	cfg, err := ParseYAML([]byte(fullYAML))
	if err != nil {
		t.Fatalf("ParseYAML: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	ec := cfg.EngineConfig()
	if ec.MaxQueueBytes != 32<<20 || ec.MaxBatchBytes != 1<<20 {
		t.Errorf("sizes = %d/%d", ec.MaxQueueBytes, ec.MaxBatchBytes)
	}
	if ec.QueueFullPolicy != buffer.DropOldest {
		t.Errorf("policy = %s", ec.QueueFullPolicy)
	}
	if ec.MaxRetriesPerRecord != 0 {
		t.Errorf("explicit 0 retries must survive, got %d", ec.MaxRetriesPerRecord)
	}
	if ec.MinBatchFlushInterval != 500*time.Millisecond || ec.SendTimeout != 5*time.Second {
		t.Errorf("durations = %s/%s", ec.MinBatchFlushInterval, ec.SendTimeout)
	}
	if ec.DedupWindow != time.Minute || ec.Dedup.Mode != cardinality.ModeExact {
		t.Errorf("dedup = %s %s", ec.DedupWindow, ec.Dedup.Mode)
	}
	if !ec.BatchTuning.Enabled || ec.BatchTuning.MinBytes != 64<<10 {
		t.Errorf("tuning = %+v", ec.BatchTuning)
	}
	if ec.SnapshotInterval != 10*time.Second {
		t.Errorf("snapshot interval = %s", ec.SnapshotInterval)
	}
	if !ec.SwallowEnqueueErrors {
		t.Error("swallow_enqueue_errors lost")
	}
	// Unset engine fields take engine defaults.
	if ec.FailureThreshold != engine.DefaultFailureThreshold {
		t.Errorf("failure threshold = %d", ec.FailureThreshold)
	}

	tc, err := cfg.TransportConfig()
	if err != nil {
		t.Fatal(err)
	}
	if tc.Kind != transport.KindKafka {
		t.Errorf("kind = %s", tc.Kind)
	}
	if len(tc.Kafka.Brokers) != 2 || tc.Kafka.Topic != "spans" || tc.Kafka.RequiredAcks != 1 {
		t.Errorf("kafka = %+v", tc.Kafka)
	}
	if tc.Kafka.SASLMechanism != "SCRAM-SHA-512" || tc.Kafka.SASLUsername != "u" {
		t.Errorf("sasl = %s/%s", tc.Kafka.SASLMechanism, tc.Kafka.SASLUsername)
	}

	rc := cfg.HTTPReceiverConfig()
	if rc.Addr != ":14318" || rc.MaxRequestBodySize != 8<<20 || !rc.Auth.Enabled || rc.Auth.BearerToken != "tok" {
		t.Errorf("receiver = %+v", rc)
	}
	tel := cfg.TelemetryConfig()
	if tel.Endpoint != "otel:4317" || tel.PushInterval != 15*time.Second || !tel.Insecure {
		t.Errorf("telemetry = %+v", tel)
	}
	if sli := cfg.SLIConfig(); sli.DeliveryTarget != 0.99 || sli.Interval != 10*time.Second {
		t.Errorf("sli = %+v", sli)
	}
	if cfg.Memory.LimitRatio != 0.8 || cfg.LogLevel != "warn" {
		t.Errorf("memory/log = %g/%s", cfg.Memory.LimitRatio, cfg.LogLevel)
	}
}

func TestParseYAMLEmptyIsDefaults(t *testing.T) {
	cfg, err := ParseYAML(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	ec := cfg.EngineConfig()
	if ec.MaxRetriesPerRecord != drain.DefaultMaxRetriesPerRecord {
		t.Errorf("retries = %d", ec.MaxRetriesPerRecord)
	}
	if ec.MaxQueueBytes != engine.DefaultMaxQueueBytes || ec.QueueFullPolicy != buffer.Reject {
		t.Errorf("queue = %d %s", ec.MaxQueueBytes, ec.QueueFullPolicy)
	}
	tc, err := cfg.TransportConfig()
	if err != nil {
		t.Fatal(err)
	}
	if tc.Kind != transport.KindHTTP || tc.Kafka.RequiredAcks != -1 {
		t.Errorf("transport = %s acks %d", tc.Kind, tc.Kafka.RequiredAcks)
	}
	if cfg.Server.Address != DefaultServerAddress || cfg.Receiver.HTTP.Address != DefaultReceiverAddress {
		t.Errorf("addresses = %s %s", cfg.Server.Address, cfg.Receiver.HTTP.Address)
	}
}

func TestParseYAMLRejectsUnknownKeys(t *testing.T) {
	_, err := ParseYAML([]byte("engine:\n  max_queue_byte: 1Mi\n"))
	if err == nil {
		t.Fatal("expected error for misspelled key")
	}
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg, err := ParseYAML([]byte(`
log_level: chatty
engine:
  queue_full_policy: spill
  max_batch_items: -1
stats:
  delivery_target: 1.5
transport:
  kind: kafka
memory:
  limit_ratio: 2
`))
	if err != nil {
		t.Fatal(err)
	}
	err = cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}

	fields := map[string]bool{}
	for _, e := range unwrapJoined(err) {
		var fe *FieldError
		if !errors.As(e, &fe) {
			t.Fatalf("%v is not a FieldError", e)
		}
		fields[fe.Field] = true
	}
	for _, want := range []string{
		"log_level", "engine.queue_full_policy", "engine", "stats.delivery_target",
		"transport.kafka.brokers", "transport.kafka.topic", "memory.limit_ratio",
	} {
		if !fields[want] {
			t.Errorf("missing problem for %s (got %v)", want, fields)
		}
	}
}

func TestTransportConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Config)
	}{
		{"unknown kind", func(c *Config) { c.Transport.Kind = "carrier-pigeon" }},
		{"http compression", func(c *Config) { c.Transport.HTTP.Compression.Type = "brotli" }},
		{"grpc compression", func(c *Config) { c.Transport.GRPC.Compression = "snappy" }},
		{"kafka acks", func(c *Config) { c.Transport.Kafka.RequiredAcks = "some" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mod(cfg)
			if _, err := cfg.TransportConfig(); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestTransportConfigHTTP(t *testing.T) {
	cfg, err := ParseYAML([]byte(`
transport:
  http:
    endpoint: https://collector:4318
    streaming: true
    compression: {type: zstd, level: 3}
    client: {force_http2: true, http2_read_idle_timeout: 30s}
    auth: {bearer_token: secret}
    tls: {enabled: true, ca_file: /ca.pem}
`))
	if err != nil {
		t.Fatal(err)
	}
	tc, err := cfg.TransportConfig()
	if err != nil {
		t.Fatal(err)
	}
	h := tc.HTTP
	if h.Endpoint != "https://collector:4318" || !h.Streaming {
		t.Errorf("http = %+v", h)
	}
	if h.Compression.Type != compression.TypeZstd || h.Compression.Level != 3 {
		t.Errorf("compression = %+v", h.Compression)
	}
	if !h.Client.ForceAttemptHTTP2 || h.Client.HTTP2ReadIdleTimeout != 30*time.Second {
		t.Errorf("client = %+v", h.Client)
	}
	if h.Auth.BearerToken != "secret" || !h.TLS.Enabled || h.TLS.CAFile != "/ca.pem" {
		t.Errorf("auth/tls = %+v %+v", h.Auth, h.TLS)
	}
}

func TestByteSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", 0, false},
		{"1024", 1024, false},
		{"64Ki", 64 << 10, false},
		{"1.5Gi", 3 << 29, false},
		{"2Ti", 2 << 40, false},
		{"256MB", 0, true},
		{"lots", 0, true},
		{"-1Mi", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseByteSize(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}

	for b, want := range map[int64]string{0: "0", 1000: "1000", 4096: "4Ki", 64 << 20: "64Mi", 3 << 30: "3Gi"} {
		if got := FormatByteSize(b); got != want {
			t.Errorf("FormatByteSize(%d) = %q, want %q", b, got, want)
		}
	}
}

func TestYAMLRoundTripOfUnits(t *testing.T) {
	type doc struct {
		Size ByteSize `yaml:"size"`
		Wait Duration `yaml:"wait"`
	}
	out, err := yaml.Marshal(doc{Size: 8 << 20, Wait: Duration(1500 * time.Millisecond)})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), "size: 8Mi") || !strings.Contains(string(out), "wait: 1.5s") {
		t.Errorf("marshalled %q", out)
	}
	var back doc
	if err := yaml.Unmarshal(out, &back); err != nil {
		t.Fatal(err)
	}
	if back.Size != 8<<20 || time.Duration(back.Wait) != 1500*time.Millisecond {
		t.Errorf("round trip = %+v", back)
	}
}

func TestParseFlagsOverrideYAML(t *testing.T) {
	path := writeFile(t, fullYAML)
	cfg, opts, err := Parse("trace-batcher", []string{
		"-config", path,
		"-max-queue-bytes", "128Mi",
		"-queue-full-policy", "block",
		"-max-retries-per-record", "7",
		"-send-timeout", "2s",
		"-transport", "grpc",
		"-endpoint", "collector:4317",
		"-insecure",
		"-validate",
	}, io.Discard)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !opts.ValidateOnly || opts.ShowVersion {
		t.Errorf("opts = %+v", opts)
	}
	if cfg.ConfigFile != path {
		t.Errorf("config file = %q", cfg.ConfigFile)
	}

	ec := cfg.EngineConfig()
	if ec.MaxQueueBytes != 128<<20 || ec.QueueFullPolicy != buffer.Block || ec.MaxRetriesPerRecord != 7 || ec.SendTimeout != 2*time.Second {
		t.Errorf("engine = %d %s %d %s", ec.MaxQueueBytes, ec.QueueFullPolicy, ec.MaxRetriesPerRecord, ec.SendTimeout)
	}
	// Not overridden: kept from YAML.
	if ec.MaxBatchItems != 256 {
		t.Errorf("max batch items = %d, want 256 from YAML", ec.MaxBatchItems)
	}

	tc, err := cfg.TransportConfig()
	if err != nil {
		t.Fatal(err)
	}
	if tc.Kind != transport.KindGRPC || tc.GRPC.Endpoint != "collector:4317" || !tc.GRPC.Insecure {
		t.Errorf("grpc = %s %+v", tc.Kind, tc.GRPC)
	}
}

func TestParseFlagsWithoutFile(t *testing.T) {
	cfg, _, err := Parse("trace-batcher", []string{"-transport", "kafka", "-endpoint", "a:9092, b:9092", "-kafka-topic", "t"}, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got := cfg.Transport.Kafka.Brokers; len(got) != 2 || got[1] != "b:9092" {
		t.Errorf("brokers = %q", got)
	}
}

func TestParseFlagsErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"bad size", []string{"-max-queue-bytes", "10MB"}},
		{"bad duration", []string{"-send-timeout", "soon"}},
		{"unknown flag", []string{"-nope"}},
		{"positional", []string{"extra"}},
		{"missing file", []string{"-config", "/does/not/exist.yaml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := Parse("trace-batcher", tt.args, io.Discard); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestValidateFile(t *testing.T) {
	t.Run("valid with warnings", func(t *testing.T) {
		res := ValidateFile(writeFile(t, fullYAML))
		if !res.Valid {
			t.Fatalf("expected valid, got %s", res.JSON())
		}
		var warned bool
		for _, is := range res.Issues {
			if is.Severity == SeverityWarning && is.Field == "engine.max_retries_per_record" {
				warned = true
			}
		}
		if !warned {
			t.Errorf("expected zero-retries warning, got %s", res.JSON())
		}
	})

	t.Run("invalid", func(t *testing.T) {
		res := ValidateFile(writeFile(t, "memory:\n  limit_ratio: 3\n"))
		if res.Valid || len(res.Issues) == 0 || res.Issues[0].Field != "memory.limit_ratio" {
			t.Errorf("got %s", res.JSON())
		}
	})

	t.Run("parse error", func(t *testing.T) {
		res := ValidateFile(writeFile(t, "engine: [\n"))
		if res.Valid || res.Issues[0].Field != "yaml" {
			t.Errorf("got %s", res.JSON())
		}
	})

	t.Run("directory", func(t *testing.T) {
		res := ValidateFile(t.TempDir())
		if res.Valid || res.Issues[0].Field != "file" {
			t.Errorf("got %s", res.JSON())
		}
	})
}
