// Package delivery turns state changes into durable jobs: signed activity
// deliveries to remote inboxes and relays, and outbound webhook calls.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/deemkeen/trunk/activitypub"
	"github.com/deemkeen/trunk/domain"
	"github.com/deemkeen/trunk/queue"
	"github.com/deemkeen/trunk/util"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// JobQueue is the durable job store as seen by the dispatcher.
type JobQueue interface {
	Enqueue(ctx context.Context, queue string, payload any, opts queue.EnqueueOptions) (uuid.UUID, error)
}

// FollowerStore lists the remote followers of a local user.
type FollowerStore interface {
	ReadRemoteFollowers(ctx context.Context, followeeId uuid.UUID) ([]domain.RemoteAccount, error)
}

// RelaySource returns the relays that accepted our follow.
type RelaySource interface {
	Get(ctx context.Context) ([]domain.Relay, error)
}

type Dispatcher struct {
	jobs      JobQueue
	followers FollowerStore
	relays    RelaySource
	log       zerolog.Logger
	now       func() time.Time
}

func NewDispatcher(jobs JobQueue, followers FollowerStore, relays RelaySource) *Dispatcher {
	return &Dispatcher{
		jobs:      jobs,
		followers: followers,
		relays:    relays,
		log:       util.Logger("delivery"),
		now:       time.Now,
	}
}

// EnqueueActivityDelivery submits one delivery of activity to inbox, signed
// by actor. A nil activity is a no-op.
func (d *Dispatcher) EnqueueActivityDelivery(ctx context.Context, actor *domain.Actor, activity activitypub.Document, inbox string, isSharedInbox bool) (uuid.UUID, error) {
	if activity == nil {
		return uuid.Nil, nil
	}
	content, err := json.Marshal(activity)
	if err != nil {
		return uuid.Nil, fmt.Errorf("encode activity: %w", err)
	}
	data := domain.DeliverJobData{
		UserId:        actor.Id,
		Content:       content,
		To:            inbox,
		IsSharedInbox: isSharedInbox,
	}
	signer := actor.Id
	id, err := d.jobs.Enqueue(ctx, domain.QueueDeliver, data, queue.EnqueueOptions{
		Target:         inbox,
		SigningActorId: &signer,
	})
	if err != nil {
		return uuid.Nil, err
	}
	d.log.Debug().Str("job", id.String()).Str("type", activity.Type()).Str("inbox", inbox).Msg("delivery.enqueued")
	return id, nil
}

// DeliverToFollowers enqueues one job per distinct inbox among the actor's
// remote followers, preferring shared inboxes.
func (d *Dispatcher) DeliverToFollowers(ctx context.Context, actor *domain.Actor, activity activitypub.Document) ([]uuid.UUID, error) {
	followers, err := d.followers.ReadRemoteFollowers(ctx, actor.Id)
	if err != nil {
		return nil, fmt.Errorf("read followers: %w", err)
	}
	targets := make([]*domain.Actor, len(followers))
	for i := range followers {
		targets[i] = followers[i].Actor()
	}
	return d.DeliverToUsers(ctx, actor, activity, targets)
}

// DeliverToUsers enqueues one job per distinct inbox of the given remote
// actors. Local actors are skipped.
func (d *Dispatcher) DeliverToUsers(ctx context.Context, actor *domain.Actor, activity activitypub.Document, targets []*domain.Actor) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	seen := map[string]bool{}
	for _, target := range targets {
		if target == nil || target.IsLocal() {
			continue
		}
		inbox, shared := target.PreferredInbox()
		if inbox == "" || seen[inbox] {
			continue
		}
		seen[inbox] = true
		id, err := d.EnqueueActivityDelivery(ctx, actor, activity, inbox, shared)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// EnqueueRelayDelivery sends a copy of activity to every accepted relay.
// The copy is addressed to the public collection when it has no audience
// and carries a linked-data signature when the actor is local.
func (d *Dispatcher) EnqueueRelayDelivery(ctx context.Context, actor *domain.Actor, activity activitypub.Document) ([]uuid.UUID, error) {
	if activity == nil {
		return nil, nil
	}
	relays, err := d.relays.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("read relays: %w", err)
	}
	if len(relays) == 0 {
		return nil, nil
	}

	doc, err := activity.DeepCopy()
	if err != nil {
		return nil, fmt.Errorf("copy activity: %w", err)
	}
	if !addressed(doc["to"]) {
		doc["to"] = []any{activitypub.PublicCollection}
	}
	if actor.IsLocal() {
		if err := activitypub.AttachLdSignature(doc, actor, d.now()); err != nil {
			return nil, err
		}
	}

	ids := make([]uuid.UUID, 0, len(relays))
	for _, relay := range relays {
		id, err := d.EnqueueActivityDelivery(ctx, actor, doc, relay.Inbox, false)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// addressed reports whether to names an audience. Missing, null, false and
// empty-string values do not; an empty list is kept as the sender wrote it.
func addressed(to any) bool {
	switch v := to.(type) {
	case nil:
		return false
	case string:
		return v != ""
	case bool:
		return v
	}
	return true
}

// WebhookOptions tune one webhook delivery.
type WebhookOptions struct {
	// Attempts overrides the queue's attempt ceiling when positive.
	Attempts int
}

// EnqueueWebhookDelivery submits a call of webhook for one event. System
// and user webhooks go to separate queues.
func (d *Dispatcher) EnqueueWebhookDelivery(ctx context.Context, webhook *domain.Webhook, eventType string, content any, opts WebhookOptions) (uuid.UUID, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return uuid.Nil, fmt.Errorf("encode webhook content: %w", err)
	}
	data := domain.WebhookJobData{
		Type:      eventType,
		Content:   raw,
		Webhook:   *webhook,
		EventId:   uuid.New(),
		CreatedAt: d.now().UTC(),
	}
	name := domain.QueueUserWebhookDeliver
	if webhook.IsSystem() {
		name = domain.QueueSystemWebhookDeliver
	}
	id, err := d.jobs.Enqueue(ctx, name, data, queue.EnqueueOptions{
		MaxAttempts: opts.Attempts,
		Target:      webhook.URL,
	})
	if err != nil {
		return uuid.Nil, err
	}
	d.log.Debug().Str("job", id.String()).Str("webhook", webhook.Id.String()).Str("type", eventType).Msg("webhook.enqueued")
	return id, nil
}
