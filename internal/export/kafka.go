// Package export publishes bundle ingest summaries to Kafka so downstream
// consumers can react to newly available telemetry without polling.
package export

import (
	"encoding/json"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// Summary is one ingest completion event.
type Summary struct {
	BundleID        string   `json:"bundle_id"`
	Sptid           string   `json:"sptid"`
	LogsProcessed   int64    `json:"logs_processed"`
	MetricsIngested int64    `json:"metrics_ingested"`
	StartTsMs       int64    `json:"start_ts_ms"`
	EndTsMs         int64    `json:"end_ts_ms"`
	Categories      []string `json:"categories,omitempty"`
	CompletedAt     int64    `json:"completed_at_ms"`
}

// Config configures the producer.
type Config struct {
	Brokers      []string
	Topic        string
	SASLUser     string
	SASLPassword string
	SASLSHA512   bool
}

// Producer wraps an async Kafka producer. Publish failures are logged, never
// propagated: the export stream is best-effort.
type Producer struct {
	producer sarama.AsyncProducer
	topic    string
	logger   *logrus.Logger
}

// NewProducer connects to the brokers with snappy compression and optional
// SCRAM authentication.
func NewProducer(cfg Config, logger *logrus.Logger) (*Producer, error) {
	sc := sarama.NewConfig()
	sc.Producer.RequiredAcks = sarama.WaitForLocal
	sc.Producer.Compression = sarama.CompressionSnappy
	sc.Producer.Flush.Frequency = 500 * time.Millisecond
	sc.Producer.Return.Errors = true
	if cfg.SASLUser != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User = cfg.SASLUser
		sc.Net.SASL.Password = cfg.SASLPassword
		if cfg.SASLSHA512 {
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
			sc.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient { return newSCRAMClient(scramSHA512) }
		} else {
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
			sc.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient { return newSCRAMClient(scramSHA256) }
		}
	}
	producer, err := sarama.NewAsyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, err
	}
	p := &Producer{producer: producer, topic: cfg.Topic, logger: logger}
	go p.drainErrors()
	return p, nil
}

// Publish enqueues one summary keyed by bundle id.
func (p *Producer) Publish(s Summary) {
	s.CompletedAt = time.Now().UnixMilli()
	payload, err := json.Marshal(s)
	if err != nil {
		p.logger.WithError(err).Warn("Ingest summary not serializable")
		return
	}
	p.producer.Input() <- &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(s.BundleID),
		Value: sarama.ByteEncoder(payload),
	}
}

// Close flushes and shuts the producer down.
func (p *Producer) Close() error {
	return p.producer.Close()
}

func (p *Producer) drainErrors() {
	for err := range p.producer.Errors() {
		p.logger.WithError(err.Err).Warn("Ingest summary publish failed")
	}
}
