// Package relay manages subscriptions to ActivityPub relays: the Follow
// handshake with each relay and the cached list of relays that accepted.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/trunk/activitypub"
	"github.com/deemkeen/trunk/bus"
	"github.com/deemkeen/trunk/cache"
	"github.com/deemkeen/trunk/db"
	"github.com/deemkeen/trunk/domain"
	"github.com/deemkeen/trunk/util"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ActorUsername is the system account relay Follows are sent from.
const ActorUsername = "relay.actor"

// Notice types published on the internal channel.
const (
	NoticeRelayCreated = "relayCreated"
	NoticeRelayUpdated = "relayUpdated"
	NoticeRelayDeleted = "relayDeleted"
)

var ErrRelayNotFound = errors.New("relay not found")

// Deliverer enqueues a signed activity delivery.
type Deliverer interface {
	EnqueueActivityDelivery(ctx context.Context, actor *domain.Actor, activity activitypub.Document, inbox string, isSharedInbox bool) (uuid.UUID, error)
}

type Service struct {
	db       *db.DB
	deliver  Deliverer
	renderer *activitypub.Renderer
	bus      bus.Bus
	log      zerolog.Logger
}

func NewService(database *db.DB, deliver Deliverer, renderer *activitypub.Renderer, b bus.Bus) *Service {
	return &Service{
		db:       database,
		deliver:  deliver,
		renderer: renderer,
		bus:      b,
		log:      util.Logger("relay"),
	}
}

func (s *Service) relayActor(ctx context.Context) (*domain.Actor, error) {
	acc, err := s.db.ReadOrCreateSystemAccount(ctx, ActorUsername)
	if err != nil {
		return nil, fmt.Errorf("relay actor: %w", err)
	}
	return acc.Actor(s.renderer.SslDomain), nil
}

// Add subscribes to the relay at inbox. The relay stays requesting until it
// answers our Follow.
func (s *Service) Add(ctx context.Context, inbox string) (*domain.Relay, error) {
	relay := &domain.Relay{Id: uuid.New(), Inbox: inbox, Status: domain.RelayRequesting}
	if err := s.db.CreateRelay(ctx, relay); err != nil {
		return nil, err
	}

	actor, err := s.relayActor(ctx)
	if err != nil {
		return nil, err
	}
	follow := s.renderer.AddContext(s.renderer.RenderFollowRelay(relay, actor))
	if _, err := s.deliver.EnqueueActivityDelivery(ctx, actor, follow, relay.Inbox, false); err != nil {
		return nil, err
	}

	s.publish(ctx, NoticeRelayCreated, relay)
	s.log.Info().Str("relay", relay.Id.String()).Str("inbox", inbox).Msg("relay.added")
	return relay, nil
}

// Remove undoes the Follow and deletes the relay.
func (s *Service) Remove(ctx context.Context, inbox string) error {
	relay, err := s.db.ReadRelayByInbox(ctx, inbox)
	if errors.Is(err, db.ErrNotFound) {
		return ErrRelayNotFound
	}
	if err != nil {
		return err
	}

	actor, err := s.relayActor(ctx)
	if err != nil {
		return err
	}
	undo := s.renderer.AddContext(s.renderer.RenderUndo(s.renderer.RenderFollowRelay(relay, actor), actor))
	if _, err := s.deliver.EnqueueActivityDelivery(ctx, actor, undo, relay.Inbox, false); err != nil {
		return err
	}

	if err := s.db.DeleteRelay(ctx, relay.Id); err != nil {
		return err
	}
	s.publish(ctx, NoticeRelayDeleted, relay)
	s.log.Info().Str("relay", relay.Id.String()).Str("inbox", inbox).Msg("relay.removed")
	return nil
}

func (s *Service) List(ctx context.Context) ([]domain.Relay, error) {
	return s.db.ReadRelays(ctx)
}

func (s *Service) Accepted(ctx context.Context, id uuid.UUID) error {
	return s.setStatus(ctx, id, domain.RelayAccepted)
}

func (s *Service) Rejected(ctx context.Context, id uuid.UUID) error {
	return s.setStatus(ctx, id, domain.RelayRejected)
}

func (s *Service) setStatus(ctx context.Context, id uuid.UUID, status domain.RelayStatus) error {
	relay, err := s.db.UpdateRelayStatus(ctx, id, status)
	if errors.Is(err, db.ErrNotFound) {
		return ErrRelayNotFound
	}
	if err != nil {
		return err
	}
	s.publish(ctx, NoticeRelayUpdated, relay)
	s.log.Info().Str("relay", id.String()).Str("status", string(status)).Msg("relay.status")
	return nil
}

func (s *Service) publish(ctx context.Context, typ string, relay *domain.Relay) {
	if err := bus.PublishInternal(ctx, s.bus, typ, relay); err != nil {
		s.log.Warn().Err(err).Str("type", typ).Msg("relay.notice.failed")
	}
}

// AcceptedStore reads relays by status.
type AcceptedStore interface {
	ReadRelaysByStatus(ctx context.Context, status domain.RelayStatus) ([]domain.Relay, error)
}

// NewAcceptedCache returns the process view of accepted relays. It follows
// relay notices and refetches every ten minutes.
func NewAcceptedCache(b bus.Bus, store AcceptedStore) *cache.Replicated[domain.Relay] {
	return cache.NewReplicated(cache.ReplicatedOptions[domain.Relay]{
		Name: "acceptedRelays",
		Bus:  b,
		FetchAll: func(ctx context.Context) ([]domain.Relay, error) {
			return store.ReadRelaysByStatus(ctx, domain.RelayAccepted)
		},
		Key:             func(r domain.Relay) string { return r.Id.String() },
		Decode:          decodeNotice,
		RefreshInterval: 10 * time.Minute,
	})
}

func decodeNotice(env bus.Envelope) (cache.Notice[domain.Relay], bool) {
	var kind cache.NoticeKind
	switch env.Type {
	case NoticeRelayCreated:
		kind = cache.NoticeCreated
	case NoticeRelayUpdated:
		kind = cache.NoticeUpdated
	case NoticeRelayDeleted:
		kind = cache.NoticeDeleted
	default:
		return cache.Notice[domain.Relay]{}, false
	}
	var r domain.Relay
	if err := json.Unmarshal(env.Body, &r); err != nil {
		return cache.Notice[domain.Relay]{}, false
	}
	return cache.Notice[domain.Relay]{Kind: kind, Item: r, Active: r.Status == domain.RelayAccepted}, true
}
