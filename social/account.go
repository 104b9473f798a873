package social

import (
	"context"
	"errors"
	"time"

	"github.com/deemkeen/trunk/bus"
	"github.com/deemkeen/trunk/db"
	"github.com/deemkeen/trunk/domain"
	"github.com/deemkeen/trunk/util"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Main stream event types.
const (
	EventReadAllNotifications = "readAllNotifications"
	EventMeUpdated            = "meUpdated"
)

// AccountService covers the per-user state a streaming client can change:
// channel follows, profile mute settings and notification read marks.
type AccountService struct {
	db     *db.DB
	caches *Caches
	bus    bus.Bus
	log    zerolog.Logger
}

func NewAccountService(database *db.DB, caches *Caches, b bus.Bus) *AccountService {
	return &AccountService{db: database, caches: caches, bus: b, log: util.Logger("social")}
}

func (s *AccountService) FollowChannel(ctx context.Context, userId uuid.UUID, channelId string) error {
	err := s.db.CreateChannelFollowing(ctx, &domain.ChannelFollowing{
		Id:         uuid.New(),
		FollowerId: userId,
		ChannelId:  channelId,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil && !errors.Is(err, db.ErrAlreadyExists) {
		return err
	}
	n := ChannelNotice{UserId: userId, ChannelId: channelId}
	s.caches.applyChannel(n, true)
	s.publish(ctx, NoticeChannelFollowed, n)
	return nil
}

func (s *AccountService) UnfollowChannel(ctx context.Context, userId uuid.UUID, channelId string) error {
	if err := s.db.DeleteChannelFollowing(ctx, userId, channelId); err != nil {
		return err
	}
	n := ChannelNotice{UserId: userId, ChannelId: channelId}
	s.caches.applyChannel(n, false)
	s.publish(ctx, NoticeChannelUnfollowed, n)
	return nil
}

// UpdateMutedInstances replaces the hosts whose notes userId does not want
// to see.
func (s *AccountService) UpdateMutedInstances(ctx context.Context, userId uuid.UUID, hosts []string) error {
	profile, err := s.db.ReadProfile(ctx, userId)
	if err != nil {
		return err
	}
	profile.MutedInstances = hosts
	profile.UpdatedAt = time.Now().UTC()
	if err := s.db.UpsertProfile(ctx, profile); err != nil {
		return err
	}
	s.caches.Profile.Delete(userId.String())
	s.publish(ctx, NoticeProfileUpdated, ProfileNotice{UserId: userId})
	if err := bus.PublishEvent(ctx, s.bus, bus.MainStream(userId.String()), EventMeUpdated, profile); err != nil {
		s.log.Warn().Err(err).Msg("social.mainstream.failed")
	}
	return nil
}

// ReadAllNotifications marks every notification of userId read and tells
// the user's other sessions.
func (s *AccountService) ReadAllNotifications(ctx context.Context, userId uuid.UUID) error {
	n, err := s.db.MarkAllNotificationsRead(ctx, userId)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	if err := bus.PublishEvent(ctx, s.bus, bus.MainStream(userId.String()), EventReadAllNotifications, nil); err != nil {
		s.log.Warn().Err(err).Msg("social.mainstream.failed")
	}
	return nil
}

func (s *AccountService) publish(ctx context.Context, typ string, body any) {
	if err := bus.PublishInternal(ctx, s.bus, typ, body); err != nil {
		s.log.Warn().Err(err).Str("type", typ).Msg("social.notice.failed")
	}
}
