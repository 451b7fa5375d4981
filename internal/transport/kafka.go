package transport

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"
	"sort"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/aws/aws-msk-iam-sasl-signer-go/signer"
	"github.com/xdg-go/scram"

	"github.com/szibis/trace-batcher/internal/record"
	tlspkg "github.com/szibis/trace-batcher/internal/tls"
)

// KafkaConfig configures the Kafka transport. Each span becomes one message
// holding a single-span ExportTraceServiceRequest, keyed by trace ID.
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	ClientID string
	// RequiredAcks: 0 none, 1 leader, -1 all.
	RequiredAcks    int
	Compression     string
	MaxMessageBytes int
	Idempotent      bool
	RetryMax        int
	RetryBackoff    time.Duration
	// Timeout bounds a send from the engine's point of view.
	Timeout time.Duration

	// SecurityProtocol: PLAINTEXT (default), SASL_PLAINTEXT, SASL_SSL or SSL.
	SecurityProtocol string
	// SASLMechanism: PLAIN, SCRAM-SHA-256, SCRAM-SHA-512 or AWS_MSK_IAM.
	SASLMechanism string
	SASLUsername  string
	SASLPassword  string
	AWSRegion     string
	TLS           tlspkg.ClientConfig
}

// KafkaTransport publishes batches with a sarama SyncProducer.
type KafkaTransport struct {
	producer sarama.SyncProducer
	topic    string
	timeout  time.Duration
	label    string
}

// NewKafka connects a sync producer to cfg.Brokers.
func NewKafka(cfg KafkaConfig) (*KafkaTransport, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka transport requires at least one broker")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka transport requires a topic")
	}
	saramaConfig, err := newSaramaConfig(cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return NewKafkaWithProducer(producer, cfg), nil
}

// NewKafkaWithProducer wraps an existing producer.
func NewKafkaWithProducer(producer sarama.SyncProducer, cfg KafkaConfig) *KafkaTransport {
	label := "none"
	if c := parseCompressionType(cfg.Compression); c != sarama.CompressionNone {
		label = c.String()
	}
	return &KafkaTransport{producer: producer, topic: cfg.Topic, timeout: cfg.Timeout, label: label}
}

func newSaramaConfig(cfg KafkaConfig) (*sarama.Config, error) {
	c := sarama.NewConfig()
	c.Producer.Return.Successes = true
	c.Producer.Return.Errors = true
	if cfg.ClientID != "" {
		c.ClientID = cfg.ClientID
	}

	c.Producer.RequiredAcks = sarama.RequiredAcks(cfg.RequiredAcks)
	if cfg.Idempotent {
		c.Producer.RequiredAcks = sarama.WaitForAll
		c.Producer.Idempotent = true
		c.Net.MaxOpenRequests = 1
	}
	c.Producer.Compression = parseCompressionType(cfg.Compression)
	if cfg.MaxMessageBytes > 0 {
		c.Producer.MaxMessageBytes = cfg.MaxMessageBytes
	}
	if cfg.RetryMax > 0 {
		c.Producer.Retry.Max = cfg.RetryMax
	}
	if cfg.RetryBackoff > 0 {
		c.Producer.Retry.Backoff = cfg.RetryBackoff
	}

	if err := configureSecurity(c, cfg); err != nil {
		return nil, fmt.Errorf("failed to configure security: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kafka config: %w", err)
	}
	return c, nil
}

func configureSecurity(c *sarama.Config, cfg KafkaConfig) error {
	switch strings.ToUpper(cfg.SecurityProtocol) {
	case "", "PLAINTEXT":
		return nil
	case "SSL":
		return configureTLS(c, cfg)
	case "SASL_PLAINTEXT":
		return configureSASL(c, cfg)
	case "SASL_SSL":
		if err := configureSASL(c, cfg); err != nil {
			return err
		}
		return configureTLS(c, cfg)
	default:
		return fmt.Errorf("unsupported security protocol: %s", cfg.SecurityProtocol)
	}
}

func configureSASL(c *sarama.Config, cfg KafkaConfig) error {
	c.Net.SASL.Enable = true
	switch strings.ToUpper(cfg.SASLMechanism) {
	case "", "PLAIN":
		c.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		c.Net.SASL.User = cfg.SASLUsername
		c.Net.SASL.Password = cfg.SASLPassword
	case "SCRAM-SHA-256":
		c.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		c.Net.SASL.User = cfg.SASLUsername
		c.Net.SASL.Password = cfg.SASLPassword
		c.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
			return &scramClient{HashGeneratorFcn: sha256Hash}
		}
	case "SCRAM-SHA-512":
		c.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		c.Net.SASL.User = cfg.SASLUsername
		c.Net.SASL.Password = cfg.SASLPassword
		c.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
			return &scramClient{HashGeneratorFcn: sha512Hash}
		}
	case "AWS_MSK_IAM":
		if cfg.AWSRegion == "" {
			return errors.New("AWS MSK IAM authentication requires a region")
		}
		c.Net.SASL.Mechanism = sarama.SASLTypeOAuth
		c.Net.SASL.TokenProvider = &mskTokenProvider{region: cfg.AWSRegion}
	default:
		return fmt.Errorf("unsupported SASL mechanism: %s", cfg.SASLMechanism)
	}
	return nil
}

func configureTLS(c *sarama.Config, cfg KafkaConfig) error {
	tlsConfig, err := cfg.TLS.Client()
	if err != nil {
		return err
	}
	c.Net.TLS.Enable = true
	c.Net.TLS.Config = tlsConfig
	return nil
}

func parseCompressionType(s string) sarama.CompressionCodec {
	switch strings.ToLower(s) {
	case "gzip":
		return sarama.CompressionGZIP
	case "snappy":
		return sarama.CompressionSnappy
	case "lz4":
		return sarama.CompressionLZ4
	case "zstd":
		return sarama.CompressionZSTD
	default:
		return sarama.CompressionNone
	}
}

// Send publishes one message per record. When sarama reports which messages
// failed, the outcome lists only those items so a retry does not publish the
// delivered ones again.
func (t *KafkaTransport) Send(ctx context.Context, h *Handle, batch *record.Batch) record.Outcome {
	start := time.Now()
	sendRequestsTotal.WithLabelValues(string(KindKafka)).Inc()

	ctx, cancel := sendContext(ctx, h, t.timeout)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return finish(KindKafka, start, context.Cause(ctx))
	}

	msgs := make([]*sarama.ProducerMessage, 0, batch.Len())
	var size int
	for i := range batch.Items {
		value := EncodeRequest(batch.Items[i : i+1])
		size += len(value)
		msg := &sarama.ProducerMessage{
			Topic: t.topic,
			Value: sarama.ByteEncoder(value),
			Headers: []sarama.RecordHeader{
				{Key: []byte("batch_id"), Value: []byte(batch.ID)},
				{Key: []byte("record_id"), Value: []byte(batch.Items[i].Record.ID)},
			},
		}
		if tid := batch.Items[i].Record.TraceID; tid != "" {
			msg.Key = sarama.StringEncoder(tid)
		}
		msgs = append(msgs, msg)
	}

	// SendMessages is not context aware; the result is dropped if the send
	// is cancelled first and sarama's own timeouts bound the goroutine.
	done := make(chan error, 1)
	go func() { done <- t.producer.SendMessages(msgs) }()

	select {
	case err := <-done:
		if err != nil {
			o := finish(KindKafka, start, kafkaSendError(err))
			o.Failed = failedMessages(err, msgs)
			if o.Failed != nil {
				sendBytesTotal.WithLabelValues(string(KindKafka), t.label).Add(float64(deliveredBytes(msgs, o.Failed)))
			}
			return o
		}
	case <-ctx.Done():
		return finish(KindKafka, start, context.Cause(ctx))
	}

	sendBytesTotal.WithLabelValues(string(KindKafka), t.label).Add(float64(size))
	return finish(KindKafka, start, nil)
}

// Close flushes and closes the producer.
func (t *KafkaTransport) Close() error {
	return t.producer.Close()
}

// failedMessages maps sarama's per-message errors back to batch indexes. It
// returns nil when err does not say which messages failed, or when all did.
func failedMessages(err error, msgs []*sarama.ProducerMessage) []int {
	var perrs sarama.ProducerErrors
	if !errors.As(err, &perrs) || len(perrs) == 0 || len(perrs) >= len(msgs) {
		return nil
	}
	index := make(map[*sarama.ProducerMessage]int, len(msgs))
	for i, m := range msgs {
		index[m] = i
	}
	failed := make([]int, 0, len(perrs))
	seen := make(map[int]bool, len(perrs))
	for _, pe := range perrs {
		i, ok := index[pe.Msg]
		if !ok {
			// Unknown message: the failed subset cannot be trusted.
			return nil
		}
		if !seen[i] {
			seen[i] = true
			failed = append(failed, i)
		}
	}
	sort.Ints(failed)
	return failed
}

func deliveredBytes(msgs []*sarama.ProducerMessage, failed []int) int {
	skip := make(map[int]bool, len(failed))
	for _, i := range failed {
		skip[i] = true
	}
	n := 0
	for i, m := range msgs {
		if !skip[i] {
			n += m.Value.Length()
		}
	}
	return n
}

// kafkaSendError classifies the first failed message of a batch.
func kafkaSendError(err error) error {
	var perrs sarama.ProducerErrors
	if errors.As(err, &perrs) && len(perrs) > 0 {
		err = perrs[0].Err
		for _, pe := range perrs {
			if errors.Is(pe.Err, sarama.ErrMessageSizeTooLarge) {
				err = pe.Err
				break
			}
		}
	}
	return &SendError{Err: err, Type: classifyKafkaError(err), Message: err.Error()}
}

func classifyKafkaError(err error) ErrorType {
	switch {
	case errors.Is(err, sarama.ErrMessageSizeTooLarge):
		return ErrorTypeTooLarge
	case errors.Is(err, sarama.ErrOutOfBrokers), errors.Is(err, sarama.ErrNotConnected),
		errors.Is(err, sarama.ErrBrokerNotAvailable), errors.Is(err, sarama.ErrLeaderNotAvailable),
		errors.Is(err, sarama.ErrNotLeaderForPartition):
		return ErrorTypeNetwork
	case errors.Is(err, sarama.ErrRequestTimedOut):
		return ErrorTypeTimeout
	case errors.Is(err, sarama.ErrTopicAuthorizationFailed), errors.Is(err, sarama.ErrClusterAuthorizationFailed),
		errors.Is(err, sarama.ErrSASLAuthenticationFailed):
		return ErrorTypeAuth
	case errors.Is(err, sarama.ErrInvalidMessage), errors.Is(err, sarama.ErrUnknownTopicOrPartition),
		errors.Is(err, sarama.ErrInvalidTopic):
		return ErrorTypeClientError
	case errors.Is(err, sarama.ErrNotEnoughReplicas), errors.Is(err, sarama.ErrNotEnoughReplicasAfterAppend):
		return ErrorTypeServerError
	case errors.Is(err, sarama.ErrClosedClient), errors.Is(err, sarama.ErrShuttingDown):
		return ErrorTypeCanceled
	}
	return classifyError(err)
}

var (
	sha256Hash scram.HashGeneratorFcn = func() hash.Hash { return sha256.New() }
	sha512Hash scram.HashGeneratorFcn = func() hash.Hash { return sha512.New() }
)

// scramClient adapts xdg-go/scram to sarama.SCRAMClient.
type scramClient struct {
	*scram.Client
	*scram.ClientConversation
	scram.HashGeneratorFcn
}

func (x *scramClient) Begin(userName, password, authzID string) (err error) {
	x.Client, err = x.HashGeneratorFcn.NewClient(userName, password, authzID)
	if err != nil {
		return err
	}
	x.ClientConversation = x.Client.NewConversation()
	return nil
}

func (x *scramClient) Step(challenge string) (string, error) {
	return x.ClientConversation.Step(challenge)
}

func (x *scramClient) Done() bool {
	return x.ClientConversation.Done()
}

type mskTokenProvider struct {
	region string
}

func (m *mskTokenProvider) Token() (*sarama.AccessToken, error) {
	token, _, err := signer.GenerateAuthToken(context.Background(), m.region)
	if err != nil {
		return nil, err
	}
	return &sarama.AccessToken{Token: token}, nil
}
