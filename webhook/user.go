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

// MaxUserWebhooks caps the webhooks one user may register.
const MaxUserWebhooks = 16

var ErrTooManyWebhooks = errors.New("too many webhooks")

type UserService struct {
	db       *db.DB
	dispatch Dispatcher
	bus      bus.Bus
	active   *cache.Replicated[domain.Webhook]
	log      zerolog.Logger
}

func NewUserService(database *db.DB, dispatch Dispatcher, b bus.Bus) *UserService {
	return &UserService{
		db:       database,
		dispatch: dispatch,
		bus:      b,
		active:   activeCache("activeUserWebhooks", b, userNotices, database.ReadActiveUserWebhooks),
		log:      util.Logger("webhook"),
	}
}

func (s *UserService) Close() {
	s.active.Close()
}

// ActiveWebhooks returns the process view of active webhooks of every user.
func (s *UserService) ActiveWebhooks(ctx context.Context) ([]domain.Webhook, error) {
	return s.active.Get(ctx)
}

func (s *UserService) List(ctx context.Context, userId uuid.UUID) ([]domain.Webhook, error) {
	return s.db.ReadUserWebhooks(ctx, userId)
}

// Fetch returns the webhook with id when userId owns it.
func (s *UserService) Fetch(ctx context.Context, userId, id uuid.UUID) (*domain.Webhook, error) {
	w, err := s.db.ReadWebhookById(ctx, id)
	if errors.Is(err, db.ErrNotFound) || (err == nil && (w.UserId == nil || *w.UserId != userId)) {
		return nil, ErrNoSuchWebhook
	}
	return w, err
}

func (s *UserService) Create(ctx context.Context, userId uuid.UUID, p Params) (*domain.Webhook, error) {
	if err := p.validate(domain.UserWebhookEvents); err != nil {
		return nil, err
	}
	existing, err := s.db.ReadUserWebhooks(ctx, userId)
	if err != nil {
		return nil, err
	}
	if len(existing) >= MaxUserWebhooks {
		return nil, ErrTooManyWebhooks
	}

	w := &domain.Webhook{
		Id:       uuid.New(),
		UserId:   &userId,
		Name:     p.Name,
		IsActive: p.IsActive,
		On:       slices.Clone(p.On),
		URL:      p.URL,
		Secret:   p.Secret,
	}
	if err := s.db.CreateWebhook(ctx, w); err != nil {
		return nil, err
	}
	s.publish(ctx, NoticeWebhookCreated, w)
	s.log.Info().Str("webhook", w.Id.String()).Str("user", userId.String()).Msg("webhook.user.created")
	return w, nil
}

func (s *UserService) Update(ctx context.Context, userId, id uuid.UUID, patch *domain.WebhookPatch) (*domain.Webhook, error) {
	if err := validatePatch(patch, domain.UserWebhookEvents); err != nil {
		return nil, err
	}
	current, err := s.Fetch(ctx, userId, id)
	if err != nil {
		return nil, err
	}
	next := patch.Apply(*current)
	if err := s.db.UpdateWebhook(ctx, &next); err != nil {
		return nil, err
	}
	s.publish(ctx, NoticeWebhookUpdated, &next)
	return &next, nil
}

func (s *UserService) Delete(ctx context.Context, userId, id uuid.UUID) error {
	w, err := s.Fetch(ctx, userId, id)
	if err != nil {
		return err
	}
	if err := s.db.DeleteWebhook(ctx, id); err != nil {
		return err
	}
	s.publish(ctx, NoticeWebhookDeleted, w)
	return nil
}

// EnqueueUserWebhook delivers content to the active webhooks of userId that
// subscribe to eventType.
func (s *UserService) EnqueueUserWebhook(ctx context.Context, userId uuid.UUID, eventType string, content any) ([]uuid.UUID, error) {
	hooks, err := s.active.Get(ctx)
	if err != nil {
		return nil, err
	}
	var ids []uuid.UUID
	for i := range hooks {
		w := &hooks[i]
		if w.UserId == nil || *w.UserId != userId || !w.Subscribes(eventType) {
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

func (s *UserService) publish(ctx context.Context, typ string, w *domain.Webhook) {
	if err := bus.PublishInternal(ctx, s.bus, typ, w); err != nil {
		s.log.Warn().Err(err).Str("type", typ).Msg("webhook.notice.failed")
	}
}
