package outbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/davidahmann/dealledger/internal/ledger"
)

// LogPublisher writes each event to a logger. It never fails.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(ctx context.Context, rec ledger.OutboxRecord) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "ledger event",
		"deal_id", rec.DealID,
		"seq", rec.Sequence,
		"event_type", rec.EventType,
		"event_id", rec.EventID,
	)
	return nil
}

type NATSConfig struct {
	URL           string
	Name          string
	SubjectPrefix string
	ReconnectWait time.Duration
	MaxReconnects int
	Timeout       time.Duration
}

// NATSPublisher publishes to <prefix>.<event type>. The event id is sent as
// Nats-Msg-Id so JetStream streams can drop redeliveries.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

func NewNATSPublisher(cfg NATSConfig) (*NATSPublisher, error) {
	if cfg.Name == "" {
		cfg.Name = "dealledger"
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "dealledger.events"
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = 60
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.Timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSPublisher{conn: conn, prefix: strings.TrimSuffix(cfg.SubjectPrefix, ".")}, nil
}

func (p *NATSPublisher) Subject(rec ledger.OutboxRecord) string {
	return p.prefix + "." + string(rec.EventType)
}

func (p *NATSPublisher) Publish(ctx context.Context, rec ledger.OutboxRecord) error {
	msg := nats.NewMsg(p.Subject(rec))
	msg.Data = rec.BodyJSON
	msg.Header.Set(nats.MsgIdHdr, rec.EventID)
	msg.Header.Set("Dealledger-Deal", rec.DealID)
	msg.Header.Set("Dealledger-Seq", strconv.FormatInt(rec.Sequence, 10))
	if err := p.conn.PublishMsg(msg); err != nil {
		return err
	}
	return p.conn.FlushWithContext(ctx)
}

func (p *NATSPublisher) Close() {
	p.conn.Close()
}

// WebhookPublisher POSTs the event body as JSON. Any non-2xx response is a
// failure and the record is retried.
type WebhookPublisher struct {
	URL    string
	Client *http.Client
}

func NewWebhookPublisher(url string, timeout time.Duration) *WebhookPublisher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookPublisher{URL: url, Client: &http.Client{Timeout: timeout}}
}

func (p *WebhookPublisher) Publish(ctx context.Context, rec ledger.OutboxRecord) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(rec.BodyJSON))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Dealledger-Event-Id", rec.EventID)
	req.Header.Set("X-Dealledger-Event-Type", string(rec.EventType))
	req.Header.Set("X-Dealledger-Deal", rec.DealID)
	req.Header.Set("X-Dealledger-Seq", strconv.FormatInt(rec.Sequence, 10))

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
