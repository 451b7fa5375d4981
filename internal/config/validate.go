package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/szibis/trace-batcher/internal/buffer"
	"github.com/szibis/trace-batcher/internal/cardinality"
	"github.com/szibis/trace-batcher/internal/logging"
	"github.com/szibis/trace-batcher/internal/transport"
)

// FieldError is one validation problem, located by its YAML path.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string { return e.Field + ": " + e.Err.Error() }

func (e *FieldError) Unwrap() error { return e.Err }

func fieldErr(field string, format string, args ...interface{}) error {
	return &FieldError{Field: field, Err: fmt.Errorf(format, args...)}
}

// Validate returns every problem found, joined. Each is a *FieldError.
func (c *Config) Validate() error {
	var errs []error

	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, &FieldError{Field: "log_level", Err: err})
	}
	if _, err := buffer.ParsePolicy(c.Engine.QueueFullPolicy); err != nil {
		errs = append(errs, &FieldError{Field: "engine.queue_full_policy", Err: err})
	}
	if _, err := cardinality.ParseMode(c.Engine.Dedup.Mode); err != nil {
		errs = append(errs, &FieldError{Field: "engine.dedup.mode", Err: err})
	}
	ec := c.EngineConfig()
	if err := ec.Validate(); err != nil {
		for _, e := range unwrapJoined(err) {
			errs = append(errs, &FieldError{Field: "engine", Err: e})
		}
	}

	if t := c.Stats.DeliveryTarget; t <= 0 || t >= 1 {
		errs = append(errs, fieldErr("stats.delivery_target", "must be in (0, 1), got %g", t))
	}

	tc, err := c.TransportConfig()
	if err != nil {
		errs = append(errs, &FieldError{Field: "transport", Err: err})
	} else if tc.Kind == transport.KindKafka {
		if len(tc.Kafka.Brokers) == 0 {
			errs = append(errs, fieldErr("transport.kafka.brokers", "at least one broker is required"))
		}
		if tc.Kafka.Topic == "" {
			errs = append(errs, fieldErr("transport.kafka.topic", "is required"))
		}
	}

	if c.Receiver.HTTP.MaxRequestBodySize < 0 {
		errs = append(errs, fieldErr("receiver.http.max_request_body_size", "must not be negative"))
	}
	if tls := c.Receiver.HTTP.TLS; tls.Enabled && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, fieldErr("receiver.http.tls", "cert_file and key_file are required when enabled"))
	}
	if tls := c.Receiver.GRPC.TLS; c.Receiver.GRPC.Enabled && tls.Enabled && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, fieldErr("receiver.grpc.tls", "cert_file and key_file are required when enabled"))
	}

	if err := c.TelemetryConfig().Validate(); err != nil {
		errs = append(errs, &FieldError{Field: "telemetry", Err: err})
	}
	if r := c.Memory.LimitRatio; r < 0 || r > 1 {
		errs = append(errs, fieldErr("memory.limit_ratio", "must be between 0.0 and 1.0, got %g", r))
	}
	return errors.Join(errs...)
}

// unwrapJoined flattens an errors.Join result.
func unwrapJoined(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}

// ValidationSeverity indicates the severity of a validation issue.
type ValidationSeverity string

const (
	// SeverityError indicates a configuration error that prevents startup.
	SeverityError ValidationSeverity = "error"
	// SeverityWarning indicates a potential issue that won't prevent startup.
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue represents a single validation finding.
type ValidationIssue struct {
	Severity ValidationSeverity `json:"severity"`
	Field    string             `json:"field"`
	Message  string             `json:"message"`
}

// ValidationResult holds the complete validation output.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	File   string            `json:"file"`
	Issues []ValidationIssue `json:"issues,omitempty"`
}

// JSON returns the validation result as formatted JSON.
func (r *ValidationResult) JSON() string {
	data, _ := json.MarshalIndent(r, "", "  ")
	return string(data)
}

func (r *ValidationResult) add(sev ValidationSeverity, field, msg string) {
	if sev == SeverityError {
		r.Valid = false
	}
	r.Issues = append(r.Issues, ValidationIssue{Severity: sev, Field: field, Message: msg})
}

// ValidateFile loads a YAML config file and validates it, returning
// structured results.
func ValidateFile(path string) *ValidationResult {
	result := &ValidationResult{Valid: true, File: path}

	info, err := os.Stat(path)
	if err != nil {
		result.add(SeverityError, "file", fmt.Sprintf("cannot access file: %v", err))
		return result
	}
	if info.IsDir() {
		result.add(SeverityError, "file", "path is a directory, expected a file")
		return result
	}

	cfg, err := LoadYAML(path)
	if err != nil {
		result.add(SeverityError, "yaml", fmt.Sprintf("YAML parse error: %v", err))
		return result
	}
	ValidateConfig(cfg, result)
	return result
}

// ValidateConfig appends the problems and warnings of cfg to result.
func ValidateConfig(cfg *Config, result *ValidationResult) {
	if err := cfg.Validate(); err != nil {
		for _, e := range unwrapJoined(err) {
			var fe *FieldError
			if errors.As(e, &fe) {
				result.add(SeverityError, fe.Field, fe.Err.Error())
			} else {
				result.add(SeverityError, "config", e.Error())
			}
		}
	}
	addWarnings(cfg, result)
}

// addWarnings flags settings that are legal but probably unintended.
func addWarnings(cfg *Config, result *ValidationResult) {
	ec := cfg.EngineConfig()
	if ec.MaxRetriesPerRecord == 0 {
		result.add(SeverityWarning, "engine.max_retries_per_record",
			"0 drops a record on its first retryable failure")
	}
	if ec.SwallowEnqueueErrors {
		result.add(SeverityWarning, "engine.swallow_enqueue_errors",
			"producers will not see queue-full rejections")
	}
	if tc, err := cfg.TransportConfig(); err == nil && tc.Kind == transport.KindHTTP && tc.HTTP.Insecure && !tc.HTTP.Auth.Empty() {
		result.add(SeverityWarning, "transport.http.insecure",
			"credentials are sent over plaintext")
	}
}
