package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	kgo "github.com/segmentio/kafka-go"

	"stockwatch/internal/retry"
	kit "stockwatch/internal/transport"
	logx "stockwatch/pkg/logx"
)

type Config struct {
	Brokers      []string
	DefaultTopic string
	// BatchTimeout bounds how long the writer buffers before flushing.
	BatchTimeout time.Duration
}

// Driver publishes alerts to Kafka for downstream consumers (dashboards,
// archival, other bots). One writer serves all routes; routes may override
// the topic.
type Driver struct {
	cfg    Config
	log    logx.Logger
	writer *kgo.Writer
}

func New(cfg Config, log logx.Logger) (*Driver, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers list is empty")
	}
	if strings.TrimSpace(cfg.DefaultTopic) == "" {
		cfg.DefaultTopic = "stock-alerts"
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 50 * time.Millisecond
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	w := &kgo.Writer{
		Addr:         kgo.TCP(cfg.Brokers...),
		Balancer:     &kgo.LeastBytes{},
		RequiredAcks: kgo.RequireOne,
		BatchTimeout: cfg.BatchTimeout,
	}
	return &Driver{cfg: cfg, log: log.With(logx.String("comp", "kafka")), writer: w}, nil
}

func (d *Driver) Name() string { return "kafka" }

func (d *Driver) Close() error { return d.writer.Close() }

// envelope is the JSON shape written to the topic. The message key is the
// target id so one product's alerts stay ordered within a partition.
type envelope struct {
	TargetID string    `json:"target_id"`
	Kind     string    `json:"kind"`
	Priority int       `json:"priority"`
	Text     string    `json:"text"`
	Mentions []string  `json:"mentions,omitempty"`
	At       time.Time `json:"at"`
}

func (d *Driver) Send(ctx context.Context, r kit.Route, m kit.Message) error {
	topic := strings.TrimSpace(r.Topic)
	if topic == "" {
		topic = d.cfg.DefaultTopic
	}

	b, err := json.Marshal(envelope{
		TargetID: m.TargetID,
		Kind:     m.Kind,
		Priority: m.Priority,
		Text:     m.Text,
		Mentions: m.Mentions,
		At:       m.At,
	})
	if err != nil {
		return retry.NoRetry(err)
	}

	msg := kgo.Message{
		Topic: topic,
		Key:   []byte(m.TargetID),
		Value: b,
		Time:  m.At,
	}
	if err := d.writer.WriteMessages(ctx, msg); err != nil {
		return tagWriteError(err)
	}
	return nil
}

// tagWriteError maps kafka-go errors onto the retry taxonomy. Broker protocol
// errors say whether a retry can help; anything connection-level is assumed
// recoverable.
func tagWriteError(err error) error {
	if err == nil {
		return nil
	}

	// WriteMessages reports per-message failures as a WriteErrors slice.
	var werrs kgo.WriteErrors
	if errors.As(err, &werrs) {
		for _, e := range werrs {
			if e != nil {
				err = e
				break
			}
		}
	}

	var kerr kgo.Error
	if errors.As(err, &kerr) {
		if kerr.Temporary() {
			return retry.Tag(err, retry.KindDestinationBusy)
		}
		// Unknown topic, auth failure: the same message cannot succeed.
		return retry.NoRetry(retry.Tag(err, retry.KindDestinationUnreachable))
	}
	return retry.Tag(err, retry.KindDestinationBusy)
}
