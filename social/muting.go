package social

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/trunk/bus"
	"github.com/deemkeen/trunk/db"
	"github.com/deemkeen/trunk/domain"
	"github.com/deemkeen/trunk/util"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrMuteSelf        = errors.New("cannot mute yourself")
	ErrAlreadyMuting   = errors.New("already muting")
	ErrNotMuting       = errors.New("not muting")
	ErrUnknownMuteKind = errors.New("unknown muting kind")
)

// MutingService manages plain, renote and quote mutes. Each kind has its own
// cache; the others are unaffected by a mute of one kind.
type MutingService struct {
	db     *db.DB
	caches *Caches
	bus    bus.Bus
	log    zerolog.Logger
}

func NewMutingService(database *db.DB, caches *Caches, b bus.Bus) *MutingService {
	return &MutingService{db: database, caches: caches, bus: b, log: util.Logger("social")}
}

func validKind(kind domain.MutingKind) error {
	switch kind {
	case domain.MuteUser, domain.MuteRenote, domain.MuteQuote:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownMuteKind, kind)
}

func (s *MutingService) Mute(ctx context.Context, kind domain.MutingKind, muterId, muteeId uuid.UUID) error {
	if err := validKind(kind); err != nil {
		return err
	}
	if muterId == muteeId {
		return ErrMuteSelf
	}
	err := s.db.CreateMuting(ctx, &domain.Muting{
		Id:        uuid.New(),
		Kind:      kind,
		MuterId:   muterId,
		MuteeId:   muteeId,
		CreatedAt: time.Now().UTC(),
	})
	if errors.Is(err, db.ErrAlreadyExists) {
		return ErrAlreadyMuting
	}
	if err != nil {
		return err
	}
	s.changed(ctx, MutingNotice{Kind: kind, MuterId: muterId, MuteeId: muteeId}, true)
	return nil
}

func (s *MutingService) Unmute(ctx context.Context, kind domain.MutingKind, muterId, muteeId uuid.UUID) error {
	if err := validKind(kind); err != nil {
		return err
	}
	m, err := s.db.ReadMuting(ctx, kind, muterId, muteeId)
	if errors.Is(err, db.ErrNotFound) {
		return ErrNotMuting
	}
	if err != nil {
		return err
	}
	if err := s.db.DeleteMuting(ctx, m.Id); err != nil {
		return err
	}
	s.changed(ctx, MutingNotice{Kind: kind, MuterId: muterId, MuteeId: muteeId}, false)
	return nil
}

// Mutees returns the cached set of ids muterId mutes with kind.
func (s *MutingService) Mutees(ctx context.Context, kind domain.MutingKind, muterId uuid.UUID) (domain.IDSet, error) {
	if err := validKind(kind); err != nil {
		return nil, err
	}
	return s.caches.mutingCache(kind).Get(ctx, muterId.String())
}

func (s *MutingService) changed(ctx context.Context, n MutingNotice, created bool) {
	s.caches.applyMuting(n, created)
	typ := NoticeMutingDeleted
	if created {
		typ = NoticeMutingCreated
	}
	if err := bus.PublishInternal(ctx, s.bus, typ, n); err != nil {
		s.log.Warn().Err(err).Str("type", typ).Msg("social.notice.failed")
	}
	s.log.Debug().Str("kind", string(n.Kind)).Str("muter", n.MuterId.String()).Str("mutee", n.MuteeId.String()).Bool("created", created).Msg("muting.changed")
}
