package social

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/deemkeen/trunk/activitypub"
	"github.com/deemkeen/trunk/bus"
	"github.com/deemkeen/trunk/db"
	"github.com/deemkeen/trunk/domain"
	"github.com/deemkeen/trunk/util"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDomain = "example.test"

func TestMain(m *testing.M) {
	util.KeyBits = 1024
	os.Exit(m.Run())
}

type sent struct {
	actor    *domain.Actor
	activity activitypub.Document
	inbox    string
}

type fakeDeliverer struct {
	sent []sent
}

func (f *fakeDeliverer) EnqueueActivityDelivery(ctx context.Context, actor *domain.Actor, activity activitypub.Document, inbox string, isSharedInbox bool) (uuid.UUID, error) {
	f.sent = append(f.sent, sent{actor, activity, inbox})
	return uuid.New(), nil
}

type fixture struct {
	db       *db.DB
	bus      *bus.Memory
	caches   *Caches
	deliver  *fakeDeliverer
	blocking *BlockingService
	muting   *MutingService
	account  *AccountService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "social.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	f := &fixture{db: database, bus: bus.NewMemory(), deliver: &fakeDeliverer{}}
	f.caches = NewCaches(database, f.bus)
	t.Cleanup(f.caches.Close)
	f.blocking = NewBlockingService(database, f.caches, f.deliver, activitypub.NewRenderer(testDomain), f.bus)
	f.muting = NewMutingService(database, f.caches, f.bus)
	f.account = NewAccountService(database, f.caches, f.bus)
	return f
}

func (f *fixture) local(t *testing.T, name string) *domain.Actor {
	acc, err := f.db.CreateAccount(context.Background(), name, false)
	require.NoError(t, err)
	return acc.Actor(testDomain)
}

func (f *fixture) remote(t *testing.T, name string) *domain.Actor {
	uri := "https://remote.example/users/" + name
	ra := &domain.RemoteAccount{
		Id:            uuid.New(),
		Username:      name,
		Domain:        "remote.example",
		ActorURI:      uri,
		InboxURI:      uri + "/inbox",
		PublicKeyPem:  "pem",
		LastFetchedAt: time.Now(),
	}
	require.NoError(t, f.db.CreateRemoteAccount(context.Background(), ra))
	return ra.Actor()
}

func (f *fixture) follow(t *testing.T, follower, followee *domain.Actor) {
	require.NoError(t, f.db.CreateFollow(context.Background(), &domain.Follow{
		Id: uuid.New(), FollowerId: follower.Id, FolloweeId: followee.Id,
		URI: follower.URI + "/follows/" + uuid.NewString(), CreatedAt: time.Now(),
	}))
}

func TestBlockRemovesFollowsAndPatchesCaches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.local(t, "alice")
	bob := f.local(t, "bob")
	f.follow(t, alice, bob)
	f.follow(t, bob, alice)

	// Warm the caches so the patches are observable.
	followings, err := f.caches.Followings.Get(ctx, alice.Id.String())
	require.NoError(t, err)
	assert.Contains(t, followings, bob.Id.String())
	blocked, err := f.caches.Blocked.Get(ctx, bob.Id.String())
	require.NoError(t, err)
	assert.Empty(t, blocked)

	require.NoError(t, f.blocking.Block(ctx, alice, bob))

	followings, _ = f.caches.Followings.Get(ctx, alice.Id.String())
	assert.NotContains(t, followings, bob.Id.String())
	blocked, _ = f.caches.Blocked.Get(ctx, bob.Id.String())
	assert.True(t, blocked.Has(alice.Id.String()))

	isBlocked, err := f.blocking.CheckBlocked(ctx, alice.Id, bob.Id)
	require.NoError(t, err)
	assert.True(t, isBlocked)
	isBlocked, _ = f.blocking.CheckBlocked(ctx, bob.Id, alice.Id)
	assert.False(t, isBlocked)

	remaining, _ := f.db.ReadFollowings(ctx, bob.Id)
	assert.Empty(t, remaining)
	assert.Empty(t, f.deliver.sent, "local blocks are not federated")

	require.NoError(t, f.blocking.Block(ctx, alice, bob), "blocking twice is a no-op")
	assert.ErrorIs(t, f.blocking.Block(ctx, alice, alice), ErrBlockSelf)
}

func TestBlockRemoteDeliversBlockAndUndo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.local(t, "alice")
	carol := f.remote(t, "carol")

	require.NoError(t, f.blocking.Block(ctx, alice, carol))
	require.Len(t, f.deliver.sent, 1)
	block := f.deliver.sent[0]
	assert.Equal(t, "Block", block.activity.Type())
	assert.Equal(t, carol.InboxURI, block.inbox)
	assert.Equal(t, alice.Id, block.actor.Id)
	assert.Equal(t, carol.URI, block.activity["object"])

	require.NoError(t, f.blocking.Unblock(ctx, alice, carol))
	require.Len(t, f.deliver.sent, 2)
	undo := f.deliver.sent[1].activity
	assert.Equal(t, "Undo", undo.Type())
	inner, ok := undo["object"].(activitypub.Document)
	require.True(t, ok)
	assert.Equal(t, block.activity.Id(), inner.Id())

	isBlocked, _ := f.blocking.CheckBlocked(ctx, alice.Id, carol.Id)
	assert.False(t, isBlocked)

	require.NoError(t, f.blocking.Unblock(ctx, alice, carol), "unblocking twice only warns")
	assert.Len(t, f.deliver.sent, 2)
}

func TestRemoteBlockIsNotDeliveredBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.local(t, "alice")
	carol := f.remote(t, "carol")

	require.NoError(t, f.blocking.Block(ctx, carol, alice))
	assert.Empty(t, f.deliver.sent)
	isBlocked, _ := f.blocking.CheckBlocked(ctx, carol.Id, alice.Id)
	assert.True(t, isBlocked)
}

func TestNoticesPatchCachesOfOtherProcesses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.local(t, "alice")
	bob := f.local(t, "bob")

	other := NewCaches(f.db, f.bus)
	defer other.Close()
	_, err := other.Blocking.Get(ctx, alice.Id.String())
	require.NoError(t, err)
	_, err = other.RenoteMutings.Get(ctx, alice.Id.String())
	require.NoError(t, err)

	require.NoError(t, f.blocking.Block(ctx, alice, bob))
	require.NoError(t, f.muting.Mute(ctx, domain.MuteRenote, alice.Id, bob.Id))

	blocking, ok := other.Blocking.Peek(alice.Id.String())
	require.True(t, ok)
	assert.True(t, blocking.Has(bob.Id.String()))
	renoteMutes, _ := other.RenoteMutings.Peek(alice.Id.String())
	assert.True(t, renoteMutes.Has(bob.Id.String()))
	_, cached := other.Mutings.Peek(alice.Id.String())
	assert.False(t, cached, "notices never populate keys that were not cached")
}

func TestMutingKindsAreIndependent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()

	require.NoError(t, f.muting.Mute(ctx, domain.MuteQuote, alice, bob))
	assert.ErrorIs(t, f.muting.Mute(ctx, domain.MuteQuote, alice, bob), ErrAlreadyMuting)
	assert.ErrorIs(t, f.muting.Mute(ctx, domain.MuteUser, alice, alice), ErrMuteSelf)
	assert.ErrorIs(t, f.muting.Mute(ctx, "word", alice, bob), ErrUnknownMuteKind)

	quotes, err := f.muting.Mutees(ctx, domain.MuteQuote, alice)
	require.NoError(t, err)
	assert.True(t, quotes.Has(bob.String()))
	users, _ := f.muting.Mutees(ctx, domain.MuteUser, alice)
	assert.False(t, users.Has(bob.String()))

	require.NoError(t, f.muting.Unmute(ctx, domain.MuteQuote, alice, bob))
	quotes, _ = f.muting.Mutees(ctx, domain.MuteQuote, alice)
	assert.False(t, quotes.Has(bob.String()))
	assert.ErrorIs(t, f.muting.Unmute(ctx, domain.MuteQuote, alice, bob), ErrNotMuting)
}

func TestCachedSetsAreNotMutatedByPatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()

	before, err := f.muting.Mutees(ctx, domain.MuteUser, alice)
	require.NoError(t, err)
	require.NoError(t, f.muting.Mute(ctx, domain.MuteUser, alice, bob))

	assert.False(t, before.Has(bob.String()), "snapshots taken earlier keep their contents")
	after, _ := f.muting.Mutees(ctx, domain.MuteUser, alice)
	assert.True(t, after.Has(bob.String()))
}

func TestChannelFollowsAndProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := uuid.New()

	channels, err := f.caches.ChannelFollowings.Get(ctx, alice.String())
	require.NoError(t, err)
	assert.Empty(t, channels)

	require.NoError(t, f.account.FollowChannel(ctx, alice, "ch1"))
	require.NoError(t, f.account.FollowChannel(ctx, alice, "ch1"))
	channels, _ = f.caches.ChannelFollowings.Get(ctx, alice.String())
	assert.True(t, channels.Has("ch1"))

	require.NoError(t, f.account.UnfollowChannel(ctx, alice, "ch1"))
	channels, _ = f.caches.ChannelFollowings.Get(ctx, alice.String())
	assert.False(t, channels.Has("ch1"))

	profile, err := f.caches.Profile.Get(ctx, alice.String())
	require.NoError(t, err)
	assert.Empty(t, profile.MutedInstances)

	var events []string
	unsub := f.bus.Subscribe(bus.MainStream(alice.String()), func(msg []byte) {
		env, _ := bus.Decode(msg)
		events = append(events, env.Type)
	})
	defer unsub()

	require.NoError(t, f.account.UpdateMutedInstances(ctx, alice, []string{"spam.example"}))
	profile, _ = f.caches.Profile.Get(ctx, alice.String())
	assert.Equal(t, []string{"spam.example"}, profile.MutedInstances)
	assert.Equal(t, []string{EventMeUpdated}, events)
}

func TestReadAllNotifications(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := uuid.New()

	var events []string
	unsub := f.bus.Subscribe(bus.MainStream(alice.String()), func(msg []byte) {
		env, _ := bus.Decode(msg)
		events = append(events, env.Type)
	})
	defer unsub()

	require.NoError(t, f.account.ReadAllNotifications(ctx, alice))
	assert.Empty(t, events, "nothing to mark")

	for range 3 {
		require.NoError(t, f.db.CreateNotification(ctx, &domain.Notification{Id: uuid.New(), NotifieeId: alice, Type: "follow", CreatedAt: time.Now()}))
	}
	require.NoError(t, f.account.ReadAllNotifications(ctx, alice))
	assert.Equal(t, []string{EventReadAllNotifications}, events)

	unread, err := f.db.CountUnreadNotifications(ctx, alice)
	require.NoError(t, err)
	assert.Zero(t, unread)
}
