package webhook

import (
	"context"
	"errors"
	"slices"

	"github.com/deemkeen/trunk/bus"
	"github.com/deemkeen/trunk/cache"
	"github.com/deemkeen/trunk/db"
	"github.com/deemkeen/trunk/delivery"
	"github.com/deemkeen/trunk/domain"
	"github.com/deemkeen/trunk/util"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type SystemService struct {
	db       *db.DB
	dispatch Dispatcher
	bus      bus.Bus
	active   *cache.Replicated[domain.Webhook]
	log      zerolog.Logger
}

func NewSystemService(database *db.DB, dispatch Dispatcher, b bus.Bus) *SystemService {
	return &SystemService{
		db:       database,
		dispatch: dispatch,
		bus:      b,
		active:   activeCache("activeSystemWebhooks", b, systemNotices, database.ReadActiveSystemWebhooks),
		log:      util.Logger("webhook"),
	}
}

func (s *SystemService) Close() {
	s.active.Close()
}

// ActiveWebhooks returns the process view of active system webhooks.
func (s *SystemService) ActiveWebhooks(ctx context.Context) ([]domain.Webhook, error) {
	return s.active.Get(ctx)
}

func (s *SystemService) List(ctx context.Context) ([]domain.Webhook, error) {
	return s.db.ReadSystemWebhooks(ctx)
}

// Fetch returns the system webhook with id or ErrNoSuchWebhook.
func (s *SystemService) Fetch(ctx context.Context, id uuid.UUID) (*domain.Webhook, error) {
	w, err := s.db.ReadWebhookById(ctx, id)
	if errors.Is(err, db.ErrNotFound) || (err == nil && !w.IsSystem()) {
		return nil, ErrNoSuchWebhook
	}
	return w, err
}

func (s *SystemService) Create(ctx context.Context, p Params) (*domain.Webhook, error) {
	if err := p.validate(domain.SystemWebhookEvents); err != nil {
		return nil, err
	}
	w := &domain.Webhook{
		Id:       uuid.New(),
		Name:     p.Name,
		IsActive: p.IsActive,
		On:       slices.Clone(p.On),
		URL:      p.URL,
		Secret:   p.Secret,
	}
	if err := s.db.CreateWebhook(ctx, w); err != nil {
		return nil, err
	}
	s.publish(ctx, NoticeSystemWebhookCreated, w)
	s.log.Info().Str("webhook", w.Id.String()).Strs("on", w.On).Msg("webhook.system.created")
	return w, nil
}

func (s *SystemService) Update(ctx context.Context, id uuid.UUID, patch *domain.WebhookPatch) (*domain.Webhook, error) {
	if err := validatePatch(patch, domain.SystemWebhookEvents); err != nil {
		return nil, err
	}
	current, err := s.Fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	next := patch.Apply(*current)
	if err := s.db.UpdateWebhook(ctx, &next); err != nil {
		return nil, err
	}
	s.publish(ctx, NoticeSystemWebhookUpdated, &next)
	s.log.Info().Str("webhook", id.String()).Bool("active", next.IsActive).Msg("webhook.system.updated")
	return &next, nil
}

func (s *SystemService) Delete(ctx context.Context, id uuid.UUID) error {
	w, err := s.Fetch(ctx, id)
	if err != nil {
		return err
	}
	if err := s.db.DeleteWebhook(ctx, id); err != nil {
		return err
	}
	s.publish(ctx, NoticeSystemWebhookDeleted, w)
	s.log.Info().Str("webhook", id.String()).Msg("webhook.system.deleted")
	return nil
}

// EnqueueSystemWebhook delivers content to every active system webhook
// subscribed to eventType, except those listed in excludes.
func (s *SystemService) EnqueueSystemWebhook(ctx context.Context, eventType string, content any, excludes ...uuid.UUID) ([]uuid.UUID, error) {
	hooks, err := s.active.Get(ctx)
	if err != nil {
		return nil, err
	}
	var ids []uuid.UUID
	for i := range hooks {
		w := &hooks[i]
		if slices.Contains(excludes, w.Id) || !w.Subscribes(eventType) {
			continue
		}
		id, err := s.dispatch.EnqueueWebhookDelivery(ctx, w, eventType, content, delivery.WebhookOptions{})
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *SystemService) publish(ctx context.Context, typ string, w *domain.Webhook) {
	if err := bus.PublishInternal(ctx, s.bus, typ, w); err != nil {
		s.log.Warn().Err(err).Str("type", typ).Msg("webhook.notice.failed")
	}
}
