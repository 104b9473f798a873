package social

import (
	"context"
	"errors"
	"time"

	"github.com/deemkeen/trunk/activitypub"
	"github.com/deemkeen/trunk/bus"
	"github.com/deemkeen/trunk/db"
	"github.com/deemkeen/trunk/domain"
	"github.com/deemkeen/trunk/util"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrBlockSelf = errors.New("cannot block yourself")

// Deliverer enqueues a signed activity delivery.
type Deliverer interface {
	EnqueueActivityDelivery(ctx context.Context, actor *domain.Actor, activity activitypub.Document, inbox string, isSharedInbox bool) (uuid.UUID, error)
}

// BlockingService creates and removes blocks. It also handles Block and
// Undo(Block) received from remote servers.
type BlockingService struct {
	db       *db.DB
	caches   *Caches
	deliver  Deliverer
	renderer *activitypub.Renderer
	bus      bus.Bus
	log      zerolog.Logger
}

func NewBlockingService(database *db.DB, caches *Caches, deliver Deliverer, renderer *activitypub.Renderer, b bus.Bus) *BlockingService {
	return &BlockingService{
		db:       database,
		caches:   caches,
		deliver:  deliver,
		renderer: renderer,
		bus:      b,
		log:      util.Logger("social"),
	}
}

// Block removes follows in both directions and records the block. A local
// blocker's Block is delivered to a remote blockee. Blocking twice is a
// no-op.
func (s *BlockingService) Block(ctx context.Context, blocker, blockee *domain.Actor) error {
	if blocker.Id == blockee.Id {
		return ErrBlockSelf
	}

	removed, err := s.db.DeleteFollowsBetween(ctx, blocker.Id, blockee.Id)
	if err != nil {
		return err
	}
	for _, f := range removed {
		s.publish(ctx, NoticeFollowingDeleted, FollowingNotice{FollowerId: f.FollowerId, FolloweeId: f.FolloweeId})
	}

	blocking := &domain.Blocking{
		Id:        uuid.New(),
		BlockerId: blocker.Id,
		BlockeeId: blockee.Id,
		CreatedAt: time.Now().UTC(),
	}
	err = s.db.CreateBlocking(ctx, blocking)
	if errors.Is(err, db.ErrAlreadyExists) {
		return nil
	}
	if err != nil {
		return err
	}

	notice := BlockingNotice{BlockerId: blocker.Id, BlockeeId: blockee.Id}
	s.caches.applyBlocking(notice, true)
	s.publish(ctx, NoticeBlockingCreated, notice)

	if blocker.IsLocal() && blockee.IsRemote() {
		block := s.renderer.AddContext(s.renderer.RenderBlock(blocking, blocker, blockee))
		if _, err := s.deliver.EnqueueActivityDelivery(ctx, blocker, block, blockee.InboxURI, false); err != nil {
			return err
		}
	}
	s.log.Info().Str("blocker", blocker.Id.String()).Str("blockee", blockee.Id.String()).Msg("blocking.created")
	return nil
}

// Unblock removes the block. Unblocking a user that is not blocked only
// logs a warning.
func (s *BlockingService) Unblock(ctx context.Context, blocker, blockee *domain.Actor) error {
	blocking, err := s.db.ReadBlocking(ctx, blocker.Id, blockee.Id)
	if errors.Is(err, db.ErrNotFound) {
		s.log.Warn().Str("blocker", blocker.Id.String()).Str("blockee", blockee.Id.String()).Msg("blocking.unblock.missing")
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.db.DeleteBlocking(ctx, blocking.Id); err != nil {
		return err
	}

	notice := BlockingNotice{BlockerId: blocker.Id, BlockeeId: blockee.Id}
	s.caches.applyBlocking(notice, false)
	s.publish(ctx, NoticeBlockingDeleted, notice)

	if blocker.IsLocal() && blockee.IsRemote() {
		undo := s.renderer.AddContext(s.renderer.RenderUndo(s.renderer.RenderBlock(blocking, blocker, blockee), blocker))
		if _, err := s.deliver.EnqueueActivityDelivery(ctx, blocker, undo, blockee.InboxURI, false); err != nil {
			return err
		}
	}
	s.log.Info().Str("blocker", blocker.Id.String()).Str("blockee", blockee.Id.String()).Msg("blocking.deleted")
	return nil
}

// CheckBlocked reports whether blockerId blocks blockeeId.
func (s *BlockingService) CheckBlocked(ctx context.Context, blockerId, blockeeId uuid.UUID) (bool, error) {
	blocking, err := s.caches.Blocking.Get(ctx, blockerId.String())
	if err != nil {
		return false, err
	}
	return blocking.Has(blockeeId.String()), nil
}

func (s *BlockingService) publish(ctx context.Context, typ string, body any) {
	if err := bus.PublishInternal(ctx, s.bus, typ, body); err != nil {
		s.log.Warn().Err(err).Str("type", typ).Msg("social.notice.failed")
	}
}
