package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const schemaVersion = "1.0"

// Envelope is the JSON body posted to webhook endpoints.
type Envelope struct {
	EventID        string         `json:"event_id"`
	EventType      string         `json:"event_type"`
	SchemaVersion  string         `json:"schema_version"`
	IdempotencyKey string         `json:"idempotency_key"`
	Timestamp      time.Time      `json:"timestamp"`
	Source         string         `json:"source"`
	EntityID       string         `json:"entity_id"`
	AgentIDs       []string       `json:"agent_ids,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
}

// Publisher posts events to HTTP webhooks. A default endpoint receives every
// kind without a dedicated endpoint.
type Publisher struct {
	source          string
	httpClient      *http.Client
	defaultEndpoint string
	endpoints       map[Kind]string
	logger          zerolog.Logger
}

type PublisherOption func(*Publisher)

func WithHTTPClient(c *http.Client) PublisherOption {
	return func(p *Publisher) { p.httpClient = c }
}

func WithDefaultEndpoint(url string) PublisherOption {
	return func(p *Publisher) { p.defaultEndpoint = url }
}

func WithPublisherLogger(logger zerolog.Logger) PublisherOption {
	return func(p *Publisher) { p.logger = logger }
}

func NewPublisher(source string, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		source:     source,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		endpoints:  make(map[Kind]string),
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RegisterEndpoint routes one event kind to a webhook URL.
func (p *Publisher) RegisterEndpoint(kind Kind, webhookURL string) {
	p.endpoints[kind] = webhookURL
}

func (p *Publisher) endpoint(kind Kind) string {
	if url, ok := p.endpoints[kind]; ok {
		return url
	}
	return p.defaultEndpoint
}

// Emit posts event to its endpoint. Delivery failures are logged and not returned.
func (p *Publisher) Emit(ctx context.Context, event Event) error {
	envelope := p.envelope(event)
	url := p.endpoint(event.Kind)
	if url == "" {
		p.logger.Debug().Str("event_id", envelope.EventID).Str("event_type", envelope.EventType).Msg("no webhook registered")
		return nil
	}
	return p.sendWebhook(ctx, url, envelope)
}

func (p *Publisher) envelope(event Event) Envelope {
	id := event.ID
	if id == "" {
		id = "evt_" + uuid.NewString()
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return Envelope{
		EventID:        id,
		EventType:      string(event.Kind),
		SchemaVersion:  schemaVersion,
		IdempotencyKey: fmt.Sprintf("%s_%s_%d", event.Kind, event.EntityID, ts.UnixNano()),
		Timestamp:      ts.UTC(),
		Source:         p.source,
		EntityID:       event.EntityID,
		AgentIDs:       event.AgentIDs,
		Data:           event.Payload,
	}
}

func (p *Publisher) sendWebhook(ctx context.Context, url string, envelope Envelope) error {
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-ID", envelope.EventID)
	req.Header.Set("X-Event-Type", envelope.EventType)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.logger.Warn().Err(err).Str("url", url).Str("event_type", envelope.EventType).Msg("webhook failed")
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		p.logger.Warn().Int("status", resp.StatusCode).Str("url", url).Str("event_type", envelope.EventType).Msg("webhook error")
	}
	return nil
}
