package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/deemkeen/trunk/activitypub"
	"github.com/deemkeen/trunk/domain"
	"github.com/deemkeen/trunk/queue"
	"github.com/deemkeen/trunk/util"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ActorStore resolves the signing actor of a delivery job.
type ActorStore interface {
	ReadActor(ctx context.Context, id uuid.UUID, sslDomain string) (*domain.Actor, error)
}

// Processor performs deliver jobs: one signed POST per attempt.
type Processor struct {
	actors    ActorStore
	sender    *activitypub.Sender
	sslDomain string
}

func NewProcessor(actors ActorStore, sender *activitypub.Sender, sslDomain string) *Processor {
	return &Processor{actors: actors, sender: sender, sslDomain: sslDomain}
}

func (p *Processor) Process(ctx context.Context, job *domain.OutboundJob) error {
	var data domain.DeliverJobData
	if err := json.Unmarshal(job.Payload, &data); err != nil {
		return fmt.Errorf("decode deliver job: %w", err)
	}
	actor, err := p.actors.ReadActor(ctx, data.UserId, p.sslDomain)
	if err != nil {
		return fmt.Errorf("read signing actor: %w", err)
	}
	return p.sender.SendActivity(ctx, actor, data.To, data.Content)
}

// WebhookStore records the outcome of the latest webhook call.
type WebhookStore interface {
	RecordWebhookDelivery(ctx context.Context, id uuid.UUID, sentAt time.Time, status int) error
}

// WebhookPayload is the JSON body posted to a webhook URL.
type WebhookPayload struct {
	Server    string          `json:"server"`
	HookId    uuid.UUID       `json:"hookId"`
	UserId    *uuid.UUID      `json:"userId,omitempty"`
	EventId   uuid.UUID       `json:"eventId"`
	CreatedAt int64           `json:"createdAt"`
	Type      string          `json:"type"`
	Body      json.RawMessage `json:"body"`
}

const secretHeader = "X-Trunk-Hook-Secret"

// WebhookProcessor performs system and user webhook jobs.
type WebhookProcessor struct {
	store  WebhookStore
	client *http.Client
	server string
	now    func() time.Time
	log    zerolog.Logger
}

func NewWebhookProcessor(store WebhookStore, client *http.Client, sslDomain string) *WebhookProcessor {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &WebhookProcessor{
		store:  store,
		client: client,
		server: "https://" + sslDomain,
		now:    time.Now,
		log:    util.Logger("delivery"),
	}
}

func (p *WebhookProcessor) Process(ctx context.Context, job *domain.OutboundJob) error {
	var data domain.WebhookJobData
	if err := json.Unmarshal(job.Payload, &data); err != nil {
		return fmt.Errorf("decode webhook job: %w", err)
	}
	hook := data.Webhook

	body, err := json.Marshal(WebhookPayload{
		Server:    p.server,
		HookId:    hook.Id,
		UserId:    hook.UserId,
		EventId:   data.EventId,
		CreatedAt: data.CreatedAt.UnixMilli(),
		Type:      data.Type,
		Body:      data.Content,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", hook.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", util.GetNameAndVersion()+" Hooks")
	req.Header.Set(secretHeader, hook.Secret)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if err := p.store.RecordWebhookDelivery(ctx, hook.Id, p.now().UTC(), resp.StatusCode); err != nil {
		p.log.Warn().Err(err).Str("webhook", hook.Id.String()).Msg("webhook.record.failed")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &activitypub.StatusError{URL: hook.URL, StatusCode: resp.StatusCode}
	}
	return nil
}

// RegisterQueues declares the three delivery queues on the job store with
// the configured worker counts and attempt ceilings.
func RegisterQueues(svc *queue.Service, conf *util.AppConfig, deliver *Processor, webhooks *WebhookProcessor) {
	defaults := map[string]util.QueueConfig{
		domain.QueueDeliver:              {Workers: 16, MaxAttempts: 12, BackoffBaseMs: 60000},
		domain.QueueSystemWebhookDeliver: {Workers: 4, MaxAttempts: 4, BackoffBaseMs: 60000},
		domain.QueueUserWebhookDeliver:   {Workers: 4, MaxAttempts: 4, BackoffBaseMs: 60000},
	}
	handlers := map[string]queue.Handler{
		domain.QueueDeliver:              deliver.Process,
		domain.QueueSystemWebhookDeliver: webhooks.Process,
		domain.QueueUserWebhookDeliver:   webhooks.Process,
	}
	for name, def := range defaults {
		qc := conf.Queue(name, def)
		svc.Register(name, queue.Options{
			Workers:     qc.Workers,
			MaxAttempts: qc.MaxAttempts,
			BackoffBase: qc.BackoffBase(),
		}, handlers[name])
	}
}
