package stream

import (
	"context"

	"github.com/deemkeen/trunk/domain"
	"github.com/deemkeen/trunk/social"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Snapshot is the relationship state of the connected user. It is replaced
// wholesale on refresh and never mutated.
type Snapshot struct {
	Profile           *domain.UserProfile
	Following         domain.FollowingMap
	FollowingChannels domain.IDSet
	Muting            domain.IDSet
	RenoteMuting      domain.IDSet
	QuoteMuting       domain.IDSet
	BlockingMe        domain.IDSet
	BlockedByMe       domain.IDSet
	MutedInstances    domain.IDSet
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		Profile:           &domain.UserProfile{},
		Following:         domain.FollowingMap{},
		FollowingChannels: domain.IDSet{},
		Muting:            domain.IDSet{},
		RenoteMuting:      domain.IDSet{},
		QuoteMuting:       domain.IDSet{},
		BlockingMe:        domain.IDSet{},
		BlockedByMe:       domain.IDSet{},
		MutedInstances:    domain.IDSet{},
	}
}

func fetchSnapshot(ctx context.Context, caches *social.Caches, userId uuid.UUID) (*Snapshot, error) {
	key := userId.String()
	var s Snapshot

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		s.Profile, err = caches.Profile.Get(ctx, key)
		return err
	})
	g.Go(func() (err error) {
		s.Following, err = caches.Followings.Get(ctx, key)
		return err
	})
	g.Go(func() (err error) {
		s.FollowingChannels, err = caches.ChannelFollowings.Get(ctx, key)
		return err
	})
	g.Go(func() (err error) {
		s.Muting, err = caches.Mutings.Get(ctx, key)
		return err
	})
	g.Go(func() (err error) {
		s.RenoteMuting, err = caches.RenoteMutings.Get(ctx, key)
		return err
	})
	g.Go(func() (err error) {
		s.QuoteMuting, err = caches.QuoteMutings.Get(ctx, key)
		return err
	})
	g.Go(func() (err error) {
		s.BlockingMe, err = caches.Blocked.Get(ctx, key)
		return err
	})
	g.Go(func() (err error) {
		s.BlockedByMe, err = caches.Blocking.Get(ctx, key)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.MutedInstances = domain.NewIDSet(s.Profile.MutedInstances...)
	return &s, nil
}
