package note

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

type fanoutCall struct {
	kind     string
	actor    *domain.Actor
	activity activitypub.Document
	targets  []*domain.Actor
}

type fakeFanout struct {
	calls []fanoutCall
}

func (f *fakeFanout) DeliverToFollowers(ctx context.Context, actor *domain.Actor, activity activitypub.Document) ([]uuid.UUID, error) {
	f.calls = append(f.calls, fanoutCall{kind: "followers", actor: actor, activity: activity})
	return nil, nil
}

func (f *fakeFanout) DeliverToUsers(ctx context.Context, actor *domain.Actor, activity activitypub.Document, targets []*domain.Actor) ([]uuid.UUID, error) {
	f.calls = append(f.calls, fanoutCall{kind: "users", actor: actor, activity: activity, targets: targets})
	return nil, nil
}

func (f *fakeFanout) EnqueueRelayDelivery(ctx context.Context, actor *domain.Actor, activity activitypub.Document) ([]uuid.UUID, error) {
	f.calls = append(f.calls, fanoutCall{kind: "relays", actor: actor, activity: activity})
	return nil, nil
}

func (f *fakeFanout) byKind(kind string) []fanoutCall {
	var out []fanoutCall
	for _, c := range f.calls {
		if c.kind == kind {
			out = append(out, c)
		}
	}
	return out
}

type fixture struct {
	db       *db.DB
	bus      *bus.Memory
	fanout   *fakeFanout
	renderer *activitypub.Renderer
	svc      *DeleteService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "note.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	f := &fixture{db: database, bus: bus.NewMemory(), fanout: &fakeFanout{}, renderer: activitypub.NewRenderer(testDomain)}
	f.svc = NewDeleteService(database, f.fanout, f.renderer, f.bus)
	return f
}

func (f *fixture) local(t *testing.T, name string) *domain.Account {
	acc, err := f.db.CreateAccount(context.Background(), name, false)
	require.NoError(t, err)
	return acc
}

func (f *fixture) remote(t *testing.T, name string) *domain.RemoteAccount {
	uri := "https://remote.example/users/" + name
	ra := &domain.RemoteAccount{Id: uuid.New(), Username: name, Domain: "remote.example", ActorURI: uri, InboxURI: uri + "/inbox", PublicKeyPem: "pem", LastFetchedAt: time.Now()}
	require.NoError(t, f.db.CreateRemoteAccount(context.Background(), ra))
	return ra
}

func (f *fixture) note(t *testing.T, n domain.Note) *domain.Note {
	if n.Id == uuid.Nil {
		n.Id = uuid.New()
	}
	if n.Visibility == "" {
		n.Visibility = domain.VisibilityPublic
	}
	n.CreatedAt = time.Now()
	require.NoError(t, f.db.CreateNote(context.Background(), &n))
	return &n
}

func (f *fixture) watch(noteId uuid.UUID) *[]string {
	var events []string
	f.bus.Subscribe(bus.NoteStream(noteId.String()), func(msg []byte) {
		env, _ := bus.Decode(msg)
		events = append(events, env.Type)
	})
	return &events
}

func TestDeleteLocalNoteFederatesTombstone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.local(t, "alice")
	carol := f.remote(t, "carol")
	dave := f.remote(t, "dave")

	n := f.note(t, domain.Note{UserId: alice.Id, Text: "hello @carol", MentionedActorIds: []uuid.UUID{carol.Id}})
	f.note(t, domain.Note{UserId: dave.Id, Text: "re", ReplyId: &n.Id, URI: "https://remote.example/notes/1"})
	events := f.watch(n.Id)

	require.NoError(t, f.svc.Delete(ctx, n, false))

	assert.Equal(t, []string{EventDeleted}, *events)

	followers := f.fanout.byKind("followers")
	require.Len(t, followers, 1)
	activity := followers[0].activity
	assert.Equal(t, "Delete", activity.Type())
	assert.Equal(t, alice.Id, followers[0].actor.Id)
	tombstone, ok := activity["object"].(activitypub.Document)
	require.True(t, ok)
	assert.Equal(t, "Tombstone", tombstone.Type())
	assert.Equal(t, "https://"+testDomain+"/notes/"+n.Id.String(), tombstone.Id())

	assert.Len(t, f.fanout.byKind("relays"), 1)
	users := f.fanout.byKind("users")
	require.Len(t, users, 1)
	var targets []uuid.UUID
	for _, a := range users[0].targets {
		targets = append(targets, a.Id)
	}
	assert.ElementsMatch(t, []uuid.UUID{carol.Id, dave.Id}, targets)

	_, err := f.db.ReadNoteById(ctx, n.Id)
	assert.ErrorIs(t, err, db.ErrNotFound)
	deps, _ := f.db.ReadDependentNotes(ctx, n.Id)
	assert.Empty(t, deps, "replies are deleted with the note")
}

func TestDeletePureRenoteUndoesAnnounce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.local(t, "alice")
	carol := f.remote(t, "carol")

	original := f.note(t, domain.Note{UserId: carol.Id, Text: "remote", URI: "https://remote.example/notes/9"})
	renote := f.note(t, domain.Note{UserId: alice.Id, RenoteId: &original.Id})

	require.NoError(t, f.svc.Delete(ctx, renote, false))

	followers := f.fanout.byKind("followers")
	require.Len(t, followers, 1)
	undo := followers[0].activity
	assert.Equal(t, "Undo", undo.Type())
	announce, ok := undo["object"].(activitypub.Document)
	require.True(t, ok)
	assert.Equal(t, "Announce", announce.Type())
	assert.Equal(t, original.URI, announce["object"])
	assert.Equal(t, f.renderer.NoteURI(renote)+"/activity", announce.Id())

	users := f.fanout.byKind("users")
	require.Len(t, users, 1)
	require.Len(t, users[0].targets, 1)
	assert.Equal(t, carol.Id, users[0].targets[0].Id, "the renoted author is told")

	_, err := f.db.ReadNoteById(ctx, original.Id)
	assert.NoError(t, err, "deleting a renote keeps the original")
}

func TestDeleteCascadesToLocalReplies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.local(t, "alice")
	bob := f.local(t, "bob")

	n := f.note(t, domain.Note{UserId: alice.Id, Text: "root"})
	reply := f.note(t, domain.Note{UserId: bob.Id, Text: "reply", ReplyId: &n.Id})
	nested := f.note(t, domain.Note{UserId: alice.Id, Text: "nested", ReplyId: &reply.Id})
	f.note(t, domain.Note{UserId: bob.Id, Text: "secret", ReplyId: &n.Id, LocalOnly: true})

	require.NoError(t, f.svc.Delete(ctx, n, false))

	followers := f.fanout.byKind("followers")
	require.Len(t, followers, 3, "root, reply and nested reply; local-only replies are not federated")
	var deleted []string
	for _, c := range followers {
		deleted = append(deleted, c.activity["object"].(activitypub.Document).Id())
	}
	assert.ElementsMatch(t, []string{f.renderer.NoteURI(n), f.renderer.NoteURI(reply), f.renderer.NoteURI(nested)}, deleted)

	for _, id := range []uuid.UUID{n.Id, reply.Id, nested.Id} {
		_, err := f.db.ReadNoteById(ctx, id)
		assert.ErrorIs(t, err, db.ErrNotFound)
	}
}

func TestDeleteWithoutFederation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.local(t, "alice")
	carol := f.remote(t, "carol")

	localOnly := f.note(t, domain.Note{UserId: alice.Id, Text: "local", LocalOnly: true})
	events := f.watch(localOnly.Id)
	require.NoError(t, f.svc.Delete(ctx, localOnly, false))
	assert.Equal(t, []string{EventDeleted}, *events)

	remote := f.note(t, domain.Note{UserId: carol.Id, Text: "remote", URI: "https://remote.example/notes/2"})
	require.NoError(t, f.svc.Delete(ctx, remote, false))

	quiet := f.note(t, domain.Note{UserId: alice.Id, Text: "quiet"})
	quietEvents := f.watch(quiet.Id)
	require.NoError(t, f.svc.Delete(ctx, quiet, true))
	assert.Empty(t, *quietEvents)

	assert.Empty(t, f.fanout.calls)
}

func TestMakePrivateFederatesDeletionAndKeepsNote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.local(t, "alice")
	carol := f.remote(t, "carol")

	n := f.note(t, domain.Note{UserId: alice.Id, Text: "hello @carol", MentionedActorIds: []uuid.UUID{carol.Id}})
	reply := f.note(t, domain.Note{UserId: alice.Id, Text: "re", ReplyId: &n.Id})
	events := f.watch(n.Id)

	require.NoError(t, f.svc.MakePrivate(ctx, n, false))

	assert.Equal(t, []string{EventMadePrivate}, *events)
	followers := f.fanout.byKind("followers")
	require.Len(t, followers, 1, "replies are not touched")
	assert.Equal(t, "Delete", followers[0].activity.Type())
	assert.Equal(t, f.renderer.NoteURI(n), followers[0].activity["object"].(activitypub.Document).Id())
	assert.Len(t, f.fanout.byKind("relays"), 1)
	users := f.fanout.byKind("users")
	require.Len(t, users, 1)
	require.Len(t, users[0].targets, 1)
	assert.Equal(t, carol.Id, users[0].targets[0].Id)

	stored, err := f.db.ReadNoteById(ctx, n.Id)
	require.NoError(t, err)
	assert.Equal(t, domain.VisibilitySpecified, stored.Visibility)
	assert.Equal(t, domain.VisibilitySpecified, n.Visibility)
	_, err = f.db.ReadNoteById(ctx, reply.Id)
	assert.NoError(t, err)
}

func TestMakePrivateSkips(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.local(t, "alice")
	carol := f.remote(t, "carol")

	already := f.note(t, domain.Note{UserId: alice.Id, Text: "dm", Visibility: domain.VisibilitySpecified})
	require.NoError(t, f.svc.MakePrivate(ctx, already, false))

	remote := f.note(t, domain.Note{UserId: carol.Id, Text: "remote", URI: "https://remote.example/notes/3"})
	require.NoError(t, f.svc.MakePrivate(ctx, remote, false))
	stored, err := f.db.ReadNoteById(ctx, remote.Id)
	require.NoError(t, err)
	assert.Equal(t, domain.VisibilityPublic, stored.Visibility, "remote notes are not narrowed")

	quiet := f.note(t, domain.Note{UserId: alice.Id, Text: "quiet"})
	events := f.watch(quiet.Id)
	require.NoError(t, f.svc.MakePrivate(ctx, quiet, true))
	assert.Empty(t, *events)
	stored, err = f.db.ReadNoteById(ctx, quiet.Id)
	require.NoError(t, err)
	assert.Equal(t, domain.VisibilitySpecified, stored.Visibility)

	assert.Empty(t, f.fanout.calls)
}

func TestMakePrivateRenoteUndoesAnnounce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.local(t, "alice")
	carol := f.remote(t, "carol")

	original := f.note(t, domain.Note{UserId: carol.Id, Text: "remote", URI: "https://remote.example/notes/4"})
	renote := f.note(t, domain.Note{UserId: alice.Id, RenoteId: &original.Id})

	require.NoError(t, f.svc.MakePrivate(ctx, renote, false))

	followers := f.fanout.byKind("followers")
	require.Len(t, followers, 1)
	assert.Equal(t, "Undo", followers[0].activity.Type())
}
