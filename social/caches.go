// Package social owns the relationships between users (follows, blocks,
// mutes, channel follows) and the per-user caches derived from them.
package social

import (
	"context"
	"encoding/json"
	"maps"
	"time"

	"github.com/deemkeen/trunk/bus"
	"github.com/deemkeen/trunk/cache"
	"github.com/deemkeen/trunk/domain"
	"github.com/deemkeen/trunk/util"
	"github.com/google/uuid"
)

// Notice types published on the internal channel.
const (
	NoticeBlockingCreated   = "blockingCreated"
	NoticeBlockingDeleted   = "blockingDeleted"
	NoticeMutingCreated     = "mutingCreated"
	NoticeMutingDeleted     = "mutingDeleted"
	NoticeFollowingCreated  = "followingCreated"
	NoticeFollowingDeleted  = "followingDeleted"
	NoticeChannelFollowed   = "channelFollowed"
	NoticeChannelUnfollowed = "channelUnfollowed"
	NoticeProfileUpdated    = "profileUpdated"
)

const cacheLifetime = 30 * time.Minute

type BlockingNotice struct {
	BlockerId uuid.UUID `json:"blockerId"`
	BlockeeId uuid.UUID `json:"blockeeId"`
}

type MutingNotice struct {
	Kind    domain.MutingKind `json:"kind"`
	MuterId uuid.UUID         `json:"muterId"`
	MuteeId uuid.UUID         `json:"muteeId"`
}

type FollowingNotice struct {
	FollowerId  uuid.UUID `json:"followerId"`
	FolloweeId  uuid.UUID `json:"followeeId"`
	WithReplies bool      `json:"withReplies"`
}

type ChannelNotice struct {
	UserId    uuid.UUID `json:"userId"`
	ChannelId string    `json:"channelId"`
}

type ProfileNotice struct {
	UserId uuid.UUID `json:"userId"`
}

// Store reads the relationship state of one user.
type Store interface {
	ReadProfile(ctx context.Context, userId uuid.UUID) (*domain.UserProfile, error)
	ReadFollowings(ctx context.Context, followerId uuid.UUID) (domain.FollowingMap, error)
	ReadChannelFollowings(ctx context.Context, followerId uuid.UUID) (domain.IDSet, error)
	ReadMutees(ctx context.Context, kind domain.MutingKind, muterId uuid.UUID) (domain.IDSet, error)
	ReadBlockees(ctx context.Context, blockerId uuid.UUID) (domain.IDSet, error)
	ReadBlockers(ctx context.Context, blockeeId uuid.UUID) (domain.IDSet, error)
}

// Caches holds one keyed cache per relationship, keyed by user id. Values
// are never mutated in place; notices swap in patched copies.
type Caches struct {
	Profile           *cache.Keyed[*domain.UserProfile]
	Followings        *cache.Keyed[domain.FollowingMap]
	ChannelFollowings *cache.Keyed[domain.IDSet]
	Mutings           *cache.Keyed[domain.IDSet]
	RenoteMutings     *cache.Keyed[domain.IDSet]
	QuoteMutings      *cache.Keyed[domain.IDSet]
	// Blocking maps a user to the ids it blocks.
	Blocking *cache.Keyed[domain.IDSet]
	// Blocked maps a user to the ids that block it.
	Blocked *cache.Keyed[domain.IDSet]

	unsub func()
}

func byUser[V any](fetch func(ctx context.Context, id uuid.UUID) (V, error)) func(context.Context, string) (V, error) {
	return func(ctx context.Context, key string) (V, error) {
		id, err := uuid.Parse(key)
		if err != nil {
			var zero V
			return zero, err
		}
		return fetch(ctx, id)
	}
}

func mutees(store Store, kind domain.MutingKind) func(context.Context, uuid.UUID) (domain.IDSet, error) {
	return func(ctx context.Context, id uuid.UUID) (domain.IDSet, error) {
		return store.ReadMutees(ctx, kind, id)
	}
}

func NewCaches(store Store, b bus.Bus) *Caches {
	c := &Caches{
		Profile:           cache.NewKeyed(cacheLifetime, byUser(store.ReadProfile)),
		Followings:        cache.NewKeyed(cacheLifetime, byUser(store.ReadFollowings)),
		ChannelFollowings: cache.NewKeyed(cacheLifetime, byUser(store.ReadChannelFollowings)),
		Mutings:           cache.NewKeyed(cacheLifetime, byUser(mutees(store, domain.MuteUser))),
		RenoteMutings:     cache.NewKeyed(cacheLifetime, byUser(mutees(store, domain.MuteRenote))),
		QuoteMutings:      cache.NewKeyed(cacheLifetime, byUser(mutees(store, domain.MuteQuote))),
		Blocking:          cache.NewKeyed(cacheLifetime, byUser(store.ReadBlockees)),
		Blocked:           cache.NewKeyed(cacheLifetime, byUser(store.ReadBlockers)),
	}
	c.unsub = b.Subscribe(bus.ChannelInternal, c.onMessage)
	return c
}

func (c *Caches) Close() {
	c.unsub()
}

// Sweep evicts expired entries from every cache.
func (c *Caches) Sweep() {
	c.Profile.Sweep()
	c.Followings.Sweep()
	c.ChannelFollowings.Sweep()
	c.Mutings.Sweep()
	c.RenoteMutings.Sweep()
	c.QuoteMutings.Sweep()
	c.Blocking.Sweep()
	c.Blocked.Sweep()
}

func (c *Caches) mutingCache(kind domain.MutingKind) *cache.Keyed[domain.IDSet] {
	switch kind {
	case domain.MuteRenote:
		return c.RenoteMutings
	case domain.MuteQuote:
		return c.QuoteMutings
	default:
		return c.Mutings
	}
}

func with(id string) func(domain.IDSet) domain.IDSet {
	return func(s domain.IDSet) domain.IDSet { return s.With(id) }
}

func without(id string) func(domain.IDSet) domain.IDSet {
	return func(s domain.IDSet) domain.IDSet { return s.Without(id) }
}

func (c *Caches) applyBlocking(n BlockingNotice, created bool) {
	blocker, blockee := n.BlockerId.String(), n.BlockeeId.String()
	if created {
		c.Blocking.Update(blocker, with(blockee))
		c.Blocked.Update(blockee, with(blocker))
		return
	}
	c.Blocking.Update(blocker, without(blockee))
	c.Blocked.Update(blockee, without(blocker))
}

func (c *Caches) applyMuting(n MutingNotice, created bool) {
	mutee := n.MuteeId.String()
	if created {
		c.mutingCache(n.Kind).Update(n.MuterId.String(), with(mutee))
	} else {
		c.mutingCache(n.Kind).Update(n.MuterId.String(), without(mutee))
	}
}

func (c *Caches) applyFollowing(n FollowingNotice, created bool) {
	followee := n.FolloweeId.String()
	c.Followings.Update(n.FollowerId.String(), func(m domain.FollowingMap) domain.FollowingMap {
		out := maps.Clone(m)
		if out == nil {
			out = domain.FollowingMap{}
		}
		if created {
			out[followee] = n.WithReplies
		} else {
			delete(out, followee)
		}
		return out
	})
}

func (c *Caches) applyChannel(n ChannelNotice, followed bool) {
	if followed {
		c.ChannelFollowings.Update(n.UserId.String(), with(n.ChannelId))
	} else {
		c.ChannelFollowings.Update(n.UserId.String(), without(n.ChannelId))
	}
}

func (c *Caches) onMessage(msg []byte) {
	env, err := bus.Decode(msg)
	if err != nil {
		return
	}
	switch env.Type {
	case NoticeBlockingCreated, NoticeBlockingDeleted:
		var n BlockingNotice
		if decode(env, &n) {
			c.applyBlocking(n, env.Type == NoticeBlockingCreated)
		}
	case NoticeMutingCreated, NoticeMutingDeleted:
		var n MutingNotice
		if decode(env, &n) {
			c.applyMuting(n, env.Type == NoticeMutingCreated)
		}
	case NoticeFollowingCreated, NoticeFollowingDeleted:
		var n FollowingNotice
		if decode(env, &n) {
			c.applyFollowing(n, env.Type == NoticeFollowingCreated)
		}
	case NoticeChannelFollowed, NoticeChannelUnfollowed:
		var n ChannelNotice
		if decode(env, &n) {
			c.applyChannel(n, env.Type == NoticeChannelFollowed)
		}
	case NoticeProfileUpdated:
		var n ProfileNotice
		if decode(env, &n) {
			c.Profile.Delete(n.UserId.String())
		}
	}
}

func decode(env bus.Envelope, v any) bool {
	if err := json.Unmarshal(env.Body, v); err != nil {
		log := util.Logger("social")
		log.Debug().Err(err).Str("type", env.Type).Msg("social.notice.malformed")
		return false
	}
	return true
}
