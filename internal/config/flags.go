package config

import (
	"flag"
	"fmt"
	"io"
	"strings"
	"time"
)

// Options are the command-line switches that are not configuration.
type Options struct {
	ShowVersion  bool
	ValidateOnly bool
}

// Set implements flag.Value.
func (d *Duration) Set(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// String implements flag.Value.
func (d *Duration) String() string {
	if d == nil {
		return "0s"
	}
	return time.Duration(*d).String()
}

// Set implements flag.Value.
func (b *ByteSize) Set(s string) error {
	v, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(v)
	return nil
}

// binder registers flags whose values are copied into a Config only when
// the flag was set explicitly, so they override YAML without clobbering it
// with flag defaults.
type binder struct {
	fs    *flag.FlagSet
	apply map[string]func(*Config)
}

func bind[T any](b *binder, name string, v *T, field func(*Config) *T) {
	b.apply[name] = func(c *Config) { *field(c) = *v }
}

func (b *binder) str(name, usage string, field func(*Config) *string) {
	bind(b, name, b.fs.String(name, "", usage), field)
}

func (b *binder) integer(name, usage string, field func(*Config) *int) {
	bind(b, name, b.fs.Int(name, 0, usage), field)
}

func (b *binder) boolean(name, usage string, field func(*Config) *bool) {
	bind(b, name, b.fs.Bool(name, false, usage), field)
}

func (b *binder) float(name, usage string, field func(*Config) *float64) {
	bind(b, name, b.fs.Float64(name, 0, usage), field)
}

func (b *binder) duration(name, usage string, field func(*Config) *Duration) {
	v := new(Duration)
	b.fs.Var(v, name, usage)
	bind(b, name, v, field)
}

func (b *binder) bytes(name, usage string, field func(*Config) *ByteSize) {
	v := new(ByteSize)
	b.fs.Var(v, name, usage)
	bind(b, name, v, field)
}

// Parse parses args (without the program name), loads the -config file
// when given and applies explicitly set flags on top.
func Parse(name string, args []string, output io.Writer) (*Config, Options, error) {
	var opts Options
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(output)

	configFile := fs.String("config", "", "Path to YAML configuration file")
	fs.BoolVar(&opts.ShowVersion, "version", false, "Print version and exit")
	fs.BoolVar(&opts.ValidateOnly, "validate", false, "Validate the configuration and exit")
	endpoint := fs.String("endpoint", "", "Collector endpoint for the selected transport")

	b := &binder{fs: fs, apply: make(map[string]func(*Config))}
	b.str("log-level", "Minimum log level (info, warn, error)", func(c *Config) *string { return &c.LogLevel })

	b.bytes("max-queue-bytes", "Maximum buffered bytes (e.g. 64Mi)", func(c *Config) *ByteSize { return &c.Engine.MaxQueueBytes })
	b.str("queue-full-policy", "Behaviour when the queue is full: reject, drop_oldest or block", func(c *Config) *string { return &c.Engine.QueueFullPolicy })
	b.duration("block-timeout", "Longest an enqueue waits under the block policy", func(c *Config) *Duration { return &c.Engine.BlockTimeout })
	b.integer("max-batch-items", "Maximum records per batch", func(c *Config) *int { return &c.Engine.MaxBatchItems })
	b.bytes("max-batch-bytes", "Maximum bytes per batch (e.g. 4Mi)", func(c *Config) *ByteSize { return &c.Engine.MaxBatchBytes })
	b.duration("min-batch-flush-interval", "Age after which a short batch is sent", func(c *Config) *Duration { return &c.Engine.MinBatchFlushInterval })
	b.integer("max-drain-concurrency", "Maximum concurrent sends", func(c *Config) *int { return &c.Engine.MaxDrainConcurrency })
	b.duration("backoff-base", "First backoff delay", func(c *Config) *Duration { return &c.Engine.BackoffBase })
	b.duration("backoff-max", "Backoff delay ceiling", func(c *Config) *Duration { return &c.Engine.BackoffMax })
	b.duration("send-timeout", "Per-send timeout", func(c *Config) *Duration { return &c.Engine.SendTimeout })
	b.duration("shutdown-timeout", "Longest shutdown spends flushing", func(c *Config) *Duration { return &c.Engine.ShutdownTimeout })
	b.boolean("swallow-enqueue-errors", "Return nil for rejected records", func(c *Config) *bool { return &c.Engine.SwallowEnqueueErrors })
	retries := fs.Int("max-retries-per-record", 0, "Failed attempts a record survives")

	b.str("transport", "Collector transport: http, grpc or kafka", func(c *Config) *string { return &c.Transport.Kind })
	insecure := fs.Bool("insecure", false, "Disable TLS towards the collector")
	b.str("compression", "HTTP body compression: none, gzip, zstd, zlib, deflate or lz4", func(c *Config) *string { return &c.Transport.HTTP.Compression.Type })
	brokers := fs.String("kafka-brokers", "", "Comma-separated Kafka brokers")
	b.str("kafka-topic", "Kafka topic", func(c *Config) *string { return &c.Transport.Kafka.Topic })

	b.str("receiver-address", "OTLP/HTTP receiver listen address", func(c *Config) *string { return &c.Receiver.HTTP.Address })
	b.str("server-address", "Metrics and health listen address", func(c *Config) *string { return &c.Server.Address })
	b.str("telemetry-endpoint", "OTLP endpoint for self-telemetry (empty disables)", func(c *Config) *string { return &c.Telemetry.Endpoint })
	b.float("memory-limit-ratio", "Fraction of the container memory limit used as GOMEMLIMIT (0 disables)", func(c *Config) *float64 { return &c.Memory.LimitRatio })

	if err := fs.Parse(args); err != nil {
		return nil, opts, err
	}
	if fs.NArg() > 0 {
		return nil, opts, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	cfg := &Config{}
	if *configFile != "" {
		loaded, err := LoadYAML(*configFile)
		if err != nil {
			return nil, opts, err
		}
		cfg = loaded
	}

	// Endpoint depends on the final transport kind, so it is applied last.
	var endpointSet bool
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "endpoint":
			endpointSet = true
		case "max-retries-per-record":
			n := *retries
			cfg.Engine.MaxRetriesPerRecord = &n
		case "kafka-brokers":
			cfg.Transport.Kafka.Brokers = splitList(*brokers)
		case "insecure":
			cfg.Transport.HTTP.Insecure = *insecure
			cfg.Transport.GRPC.Insecure = *insecure
		default:
			if apply, ok := b.apply[f.Name]; ok {
				apply(cfg)
			}
		}
	})
	cfg.ApplyDefaults()
	if endpointSet {
		switch cfg.Transport.Kind {
		case "grpc":
			cfg.Transport.GRPC.Endpoint = *endpoint
		case "kafka":
			cfg.Transport.Kafka.Brokers = splitList(*endpoint)
		default:
			cfg.Transport.HTTP.Endpoint = *endpoint
		}
	}
	return cfg, opts, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
