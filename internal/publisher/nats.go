package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// NATSPublisher emits domain events as JSON envelopes. Subjects have the form
// <prefix>.<kind>.<zone>.<key...>, so subscribers can filter by zone, e.g.
// "busload.alert.*.3.>" or "busload.trip.position.>".
type NATSPublisher struct {
	nc          *nats.Conn
	prefix      string
	logSubjects bool
	metrics     PublisherMetrics
	logger      *slog.Logger
	now         func() time.Time

	// publish sends one message; msgID deduplicates on JetStream.
	publish func(subject string, data []byte, msgID string) error
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
	DriverReportInc(kind, result string)
}

type Options struct {
	URL           string
	StreamName    string
	JetStream     bool
	SubjectPrefix string
	LogSubjects   bool
}

// Envelope wraps every event published on the bus.
type Envelope struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Zone       int64           `json:"zone"`
	Key        string          `json:"key"`
	OccurredAt time.Time       `json:"occurredAt"`
	Payload    json.RawMessage `json:"payload"`
}

func NewNATSPublisher(opts Options, m PublisherMetrics, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(opts.URL,
		nats.Name("busload"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			logger.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			logger.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}

	p := &NATSPublisher{
		nc:          nc,
		prefix:      subjectToken(opts.SubjectPrefix),
		logSubjects: opts.LogSubjects,
		metrics:     m,
		logger:      logger,
		now:         time.Now,
		publish: func(subject string, data []byte, _ string) error {
			return nc.Publish(subject, data)
		},
	}

	if opts.JetStream && opts.StreamName != "" {
		js, err := nc.JetStream()
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("jetstream context: %w", err)
		}
		if err := ensureStream(js, opts.StreamName, p.streamSubjects()); err != nil {
			nc.Close()
			return nil, err
		}
		p.publish = func(subject string, data []byte, msgID string) error {
			_, err := js.Publish(subject, data, nats.MsgId(msgID))
			return err
		}
		logger.Info("nats jetstream enabled", "stream", opts.StreamName)
	}
	return p, nil
}

func ensureStream(js nats.JetStreamContext, name string, subjects []string) error {
	if _, err := js.StreamInfo(name); err == nil {
		return nil
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:       name,
		Subjects:   subjects,
		Storage:    nats.FileStorage,
		MaxAge:     24 * time.Hour,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("add stream %s: %w", name, err)
	}
	return nil
}

// streamSubjects covers the event subjects but not the driver report
// subjects, which are request/reply traffic.
func (p *NATSPublisher) streamSubjects() []string {
	return []string{p.prefix + ".alert.>", p.prefix + ".alerts.>", p.prefix + ".trip.>"}
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

// Emit implements transit.Emitter.
func (p *NATSPublisher) Emit(_ context.Context, kind string, zone int64, key string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	env := Envelope{
		ID:         uuid.NewString(),
		Kind:       kind,
		Zone:       zone,
		Key:        key,
		OccurredAt: p.now().UTC(),
		Payload:    body,
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	subject := Subject(p.prefix, kind, zone, key)
	if p.logSubjects {
		p.logger.Debug("nats publish", "subject", subject)
	}
	start := time.Now()
	err = p.publish(subject, b, env.ID)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Subject builds the subject for an event. Dots in kind and key separate
// tokens; everything else NATS reserves is replaced.
func Subject(prefix, kind string, zone int64, key string) string {
	parts := []string{subjectToken(prefix)}
	for _, t := range strings.Split(kind, ".") {
		parts = append(parts, subjectToken(t))
	}
	parts = append(parts, strconv.FormatInt(zone, 10))
	if key != "" {
		for _, t := range strings.Split(key, ".") {
			parts = append(parts, subjectToken(t))
		}
	}
	return strings.Join(parts, ".")
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
