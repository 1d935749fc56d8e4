// Package intake carries records in and dead letters out over NSQ.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/starbridge/internal/content"
	"github.com/austindbirch/starbridge/internal/delivery"
	"github.com/austindbirch/starbridge/internal/logging"
	"github.com/austindbirch/starbridge/internal/metrics"
	"github.com/austindbirch/starbridge/internal/queue"
	"github.com/austindbirch/starbridge/internal/tracing"
)

// Origin labels entries that arrived over NSQ.
const Origin = "nsq"

const requeueDelay = 5 * time.Second

// Submission is the message body on the sources topic.
type Submission struct {
	Record       content.Record    `json:"record"`
	Origin       string            `json:"origin,omitempty"` // submitting tool, informational
	SubmittedAt  string            `json:"submitted_at,omitempty"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

// Enqueuer accepts validated records.
type Enqueuer interface {
	Enqueue(rec content.Record) (string, error)
}

// Handler turns sources-topic messages into queue entries. Malformed and
// invalid submissions are finished and dropped; they would never succeed.
type Handler struct {
	q      Enqueuer
	logger *logging.Logger
}

func NewHandler(q Enqueuer) *Handler {
	return &Handler{q: q, logger: logging.New("intake")}
}

// HandleMessage implements nsq.Handler.
func (h *Handler) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse()
	defer func() {
		if !m.HasResponded() {
			h.logger.Plain().Warn("message had no response, finishing")
			m.Finish()
		}
	}()

	var sub Submission
	if err := json.Unmarshal(m.Body, &sub); err != nil {
		h.logger.Plain().WithError(err).Error("bad submission payload")
		m.Finish()
		return nil
	}

	ctx := tracing.ExtractHeaders(context.Background(), sub.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "intake.submission",
		attribute.String("origin", sub.Origin),
		attribute.Int("attempt", int(m.Attempts)),
	)
	defer span.End()

	id, err := h.q.Enqueue(sub.Record)
	switch {
	case errors.Is(err, queue.ErrInvalidRecord):
		tracing.SetSpanError(ctx, err)
		h.logger.WithContext(ctx).WithError(err).WithField("title", sub.Record.Title).Warn("dropping invalid submission")
		m.Finish()
		return nil
	case err != nil:
		tracing.SetSpanError(ctx, err)
		h.logger.WithContext(ctx).WithError(err).Error("enqueue failed, requeueing")
		m.Requeue(requeueDelay)
		return nil
	}

	span.SetAttributes(tracing.AttrEntryID.String(id))
	metrics.RecordEnqueued(Origin)
	h.logger.WithContext(ctx).WithEntry(id).WithField("origin", sub.Origin).Info("submission enqueued")
	m.Finish()
	return nil
}

// Consumer reads the sources topic.
type Consumer struct {
	c      *nsq.Consumer
	nsqd   string
	lookup string
	logger *logging.Logger
}

// NewConsumer subscribes to topic on channel. One message is handled at a
// time; the queue is in memory and cheap to append to.
func NewConsumer(topic, channel, nsqdAddr, lookupAddr string, h nsq.Handler) (*Consumer, error) {
	conf := nsq.NewConfig()
	conf.MaxInFlight = 1
	c, err := nsq.NewConsumer(topic, channel, conf)
	if err != nil {
		return nil, fmt.Errorf("nsq consumer: %w", err)
	}
	logger := logging.New("intake")
	c.SetLogger(nsqLogger{logger}, nsq.LogLevelWarning)
	c.AddHandler(h)
	return &Consumer{c: c, nsqd: nsqdAddr, lookup: lookupAddr, logger: logger}, nil
}

// Start connects through nsqlookupd when configured, otherwise to nsqd.
func (c *Consumer) Start() error {
	if c.lookup != "" {
		if err := c.c.ConnectToNSQLookupd(c.lookup); err != nil {
			return fmt.Errorf("connect nsqlookupd: %w", err)
		}
		c.logger.Plain().WithField("lookupd", c.lookup).Info("intake consumer connected")
		return nil
	}
	if err := c.c.ConnectToNSQD(c.nsqd); err != nil {
		return fmt.Errorf("connect nsqd: %w", err)
	}
	c.logger.Plain().WithField("nsqd", c.nsqd).Info("intake consumer connected")
	return nil
}

// Stop drains in-flight messages and waits for the consumer to exit.
func (c *Consumer) Stop() {
	c.c.Stop()
	<-c.c.StopChan
}

// Publisher writes submissions and dead letters.
type Publisher struct {
	p        *nsq.Producer
	topic    string
	dlqTopic string
	logger   *logging.Logger
}

func NewPublisher(nsqdAddr, topic, dlqTopic string) (*Publisher, error) {
	p, err := nsq.NewProducer(nsqdAddr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	logger := logging.New("intake")
	p.SetLogger(nsqLogger{logger}, nsq.LogLevelWarning)
	return &Publisher{p: p, topic: topic, dlqTopic: dlqTopic, logger: logger}, nil
}

// Submit publishes rec to the sources topic.
func (p *Publisher) Submit(ctx context.Context, rec content.Record, origin string) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	ctx, span := tracing.StartSpan(ctx, "intake.submit", attribute.String("topic", p.topic))
	defer span.End()

	b, err := json.Marshal(Submission{
		Record:       rec,
		Origin:       origin,
		SubmittedAt:  time.Now().UTC().Format(time.RFC3339),
		TraceHeaders: tracing.InjectHeaders(ctx),
	})
	if err != nil {
		return fmt.Errorf("encode submission: %w", err)
	}
	if err := p.p.Publish(p.topic, b); err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("nsq publish: %w", err)
	}
	tracing.AddSpanEvent(ctx, "nsq.published_submission")
	return nil
}

// PublishDeadLetter publishes a dead letter envelope to the DLQ topic.
func (p *Publisher) PublishDeadLetter(ctx context.Context, dl delivery.DeadLetter) error {
	b, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if err := p.p.Publish(p.dlqTopic, b); err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("nsq publish dlq: %w", err)
	}
	tracing.AddSpanEvent(ctx, "nsq.published_dlq", attribute.String("topic", p.dlqTopic))
	p.logger.WithContext(ctx).WithEntry(dl.Entry.ID).WithField("topic", p.dlqTopic).Info("dlq published")
	return nil
}

// Ping checks the nsqd connection.
func (p *Publisher) Ping(context.Context) error {
	return p.p.Ping()
}

func (p *Publisher) Stop() {
	p.p.Stop()
}

// nsqLogger routes go-nsq's internal log lines into the structured logger.
type nsqLogger struct {
	l *logging.Logger
}

func (n nsqLogger) Output(_ int, s string) error {
	n.l.Plain().WithField("component", "go-nsq").Warn(s)
	return nil
}
