// Package webhook manages outbound HTTP callbacks. System webhooks notify
// operators about instance events; user webhooks notify a user about their
// own timeline. Both keep an active view per process that follows the
// notices published on every mutation.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"time"

	"github.com/deemkeen/trunk/bus"
	"github.com/deemkeen/trunk/cache"
	"github.com/deemkeen/trunk/delivery"
	"github.com/deemkeen/trunk/domain"
	"github.com/google/uuid"
)

// Notice types published on the internal channel.
const (
	NoticeSystemWebhookCreated = "systemWebhookCreated"
	NoticeSystemWebhookUpdated = "systemWebhookUpdated"
	NoticeSystemWebhookDeleted = "systemWebhookDeleted"

	NoticeWebhookCreated = "webhookCreated"
	NoticeWebhookUpdated = "webhookUpdated"
	NoticeWebhookDeleted = "webhookDeleted"
)

var (
	ErrNoSuchWebhook = errors.New("no such webhook")
	ErrInvalidEvent  = errors.New("invalid webhook event type")
	ErrInvalidURL    = errors.New("webhook url must be absolute http(s)")
)

// Dispatcher enqueues one webhook delivery job.
type Dispatcher interface {
	EnqueueWebhookDelivery(ctx context.Context, hook *domain.Webhook, eventType string, content any, opts delivery.WebhookOptions) (uuid.UUID, error)
}

// Params are the writable fields of a webhook.
type Params struct {
	Name     string   `json:"name"`
	IsActive bool     `json:"isActive"`
	On       []string `json:"on"`
	URL      string   `json:"url"`
	Secret   string   `json:"secret"`
}

func (p Params) validate(events []string) error {
	if err := validateEvents(p.On, events); err != nil {
		return err
	}
	return validateURL(p.URL)
}

func validateEvents(on, events []string) error {
	for _, e := range on {
		if !slices.Contains(events, e) {
			return fmt.Errorf("%w: %q", ErrInvalidEvent, e)
		}
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ErrInvalidURL
	}
	return nil
}

func validatePatch(p *domain.WebhookPatch, events []string) error {
	if p == nil {
		return nil
	}
	if err := validateEvents(p.On, events); err != nil {
		return err
	}
	if p.URL != nil {
		return validateURL(*p.URL)
	}
	return nil
}

type noticeTypes struct {
	created, updated, deleted string
}

var (
	systemNotices = noticeTypes{NoticeSystemWebhookCreated, NoticeSystemWebhookUpdated, NoticeSystemWebhookDeleted}
	userNotices   = noticeTypes{NoticeWebhookCreated, NoticeWebhookUpdated, NoticeWebhookDeleted}
)

func (t noticeTypes) decode(env bus.Envelope) (cache.Notice[domain.Webhook], bool) {
	var kind cache.NoticeKind
	switch env.Type {
	case t.created:
		kind = cache.NoticeCreated
	case t.updated:
		kind = cache.NoticeUpdated
	case t.deleted:
		kind = cache.NoticeDeleted
	default:
		return cache.Notice[domain.Webhook]{}, false
	}
	var w domain.Webhook
	if err := json.Unmarshal(env.Body, &w); err != nil {
		return cache.Notice[domain.Webhook]{}, false
	}
	return cache.Notice[domain.Webhook]{Kind: kind, Item: w, Active: w.IsActive}, true
}

func activeCache(name string, b bus.Bus, notices noticeTypes, fetch func(context.Context) ([]domain.Webhook, error)) *cache.Replicated[domain.Webhook] {
	return cache.NewReplicated(cache.ReplicatedOptions[domain.Webhook]{
		Name:            name,
		Bus:             b,
		FetchAll:        fetch,
		Key:             func(w domain.Webhook) string { return w.Id.String() },
		Decode:          notices.decode,
		RefreshInterval: 30 * time.Minute,
	})
}
