package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/trunk/auth"
	"github.com/deemkeen/trunk/bus"
	"github.com/deemkeen/trunk/domain"
	"github.com/deemkeen/trunk/queue"
	"github.com/deemkeen/trunk/social"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu     sync.Mutex
	muting domain.IDSet
	hosts  []string
	err    error
}

func (s *fakeStore) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *fakeStore) ReadProfile(_ context.Context, id uuid.UUID) (*domain.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &domain.UserProfile{UserId: id, MutedInstances: s.hosts}, s.err
}

func (s *fakeStore) ReadFollowings(context.Context, uuid.UUID) (domain.FollowingMap, error) {
	return domain.FollowingMap{}, nil
}

func (s *fakeStore) ReadChannelFollowings(context.Context, uuid.UUID) (domain.IDSet, error) {
	return domain.IDSet{}, nil
}

func (s *fakeStore) ReadMutees(_ context.Context, kind domain.MutingKind, _ uuid.UUID) (domain.IDSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if kind == domain.MuteUser && s.muting != nil {
		return s.muting, nil
	}
	return domain.IDSet{}, nil
}

func (s *fakeStore) ReadBlockees(context.Context, uuid.UUID) (domain.IDSet, error) {
	return domain.IDSet{}, nil
}

func (s *fakeStore) ReadBlockers(context.Context, uuid.UUID) (domain.IDSet, error) {
	return domain.IDSet{}, nil
}

type recorder struct {
	mu     sync.Mutex
	frames []frameIn
}

type frameIn struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

func (r *recorder) Send(data []byte) error {
	var f frameIn
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.mu.Unlock()
	return nil
}

func (r *recorder) take() []frameIn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.frames
	r.frames = nil
	return out
}

type fakeNotifications struct {
	calls chan uuid.UUID
}

func (f *fakeNotifications) ReadAllNotifications(_ context.Context, userId uuid.UUID) error {
	f.calls <- userId
	return nil
}

type harness struct {
	bus    *bus.Memory
	store  *fakeStore
	caches *social.Caches
	notes  *fakeNotifications
	out    *recorder
	conn   *Connection
	user   uuid.UUID
}

type option func(*Deps)

func newHarness(t *testing.T, user *uuid.UUID, token *auth.Claims, opts ...option) *harness {
	t.Helper()
	h := &harness{
		bus:   bus.NewMemory(),
		store: &fakeStore{},
		notes: &fakeNotifications{calls: make(chan uuid.UUID, 4)},
		out:   &recorder{},
	}
	if user != nil {
		h.user = *user
	}
	h.caches = social.NewCaches(h.store, h.bus)
	t.Cleanup(h.caches.Close)

	deps := Deps{Bus: h.bus, Caches: h.caches, Notifications: h.notes}
	for _, o := range opts {
		o(&deps)
	}
	h.conn = NewConnection(deps, user, token, h.out)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.conn.Init(context.Background()))
	done := make(chan struct{})
	go func() {
		h.conn.Run()
		close(done)
	}()
	t.Cleanup(func() {
		h.conn.Close()
		<-done
	})
}

// flush waits until the loop has handled everything queued before it.
func (h *harness) flush(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	h.conn.events <- func() { close(done) }
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not drain")
	}
}

func (h *harness) send(t *testing.T, format string, args ...any) {
	t.Helper()
	h.conn.Handle([]byte(fmt.Sprintf(format, args...)))
	h.flush(t)
}

func (h *harness) publish(t *testing.T, channel, typ string, body any) {
	t.Helper()
	require.NoError(t, bus.PublishEvent(context.Background(), h.bus, channel, typ, body))
	h.flush(t)
}

func newUser(t *testing.T, opts ...option) *harness {
	id := uuid.New()
	h := newHarness(t, &id, nil, opts...)
	h.start(t)
	return h
}

func TestParseMessage(t *testing.T) {
	ok := map[string]Message{
		`{"type":"readNotification"}`:                         ReadNotification{},
		`{"type":"s","body":{"id":"n1"}}`:                     SubNote{Id: "n1"},
		`{"type":"sr","body":{"id":"n1"}}`:                    SubNote{Id: "n1"},
		`{"type":"un","body":{"id":"n1"}}`:                    UnsubNote{Id: "n1"},
		`{"type":"disconnect","body":{"id":"c1"}}`:            Disconnect{Id: "c1"},
		`{"type":"ch","body":{"id":"c1","type":"t","body":1}}`: ChannelMessage{Id: "c1", Type: "t", Body: json.RawMessage("1")},
	}
	for in, want := range ok {
		got, valid := ParseMessage([]byte(in))
		require.True(t, valid, in)
		assert.Equal(t, want, got, in)
	}

	m, valid := ParseMessage([]byte(`{"type":"connect","body":{"channel":"main","id":"c1","pong":true}}`))
	require.True(t, valid)
	c := m.(Connect)
	assert.Equal(t, "main", c.Channel)
	assert.True(t, c.Pong)
	assert.Empty(t, c.Params)

	bad := []string{
		`not json`,
		`{"type":"bogus","body":{}}`,
		`{"type":"subNote"}`,
		`{"type":"subNote","body":{"id":""}}`,
		`{"type":"subNote","body":{"id":5}}`,
		`{"type":"connect","body":{"channel":"main"}}`,
		`{"type":"connect","body":{"channel":"main","id":"c1","pong":"yes"}}`,
		`{"type":"connect","body":{"channel":"main","id":"c1","params":[1]}}`,
		`{"type":"channel","body":{"id":"c1","type":"t"}}`,
		`{"type":"channel","body":null}`,
	}
	for _, in := range bad {
		_, valid := ParseMessage([]byte(in))
		assert.False(t, valid, in)
	}
}

func TestNoteSubscriptionSteps(t *testing.T) {
	s := NoteSubscriptions{}
	assert.Equal(t, EdgeNone, s.Unsubscribe("unknown"))
	assert.Empty(t, s)

	assert.Equal(t, EdgeAttach, s.Subscribe("a"))
	assert.Equal(t, EdgeNone, s.Subscribe("a"))
	assert.Equal(t, EdgeNone, s.Unsubscribe("a"))
	assert.Equal(t, EdgeDetach, s.Unsubscribe("a"))
	assert.Equal(t, EdgeNone, s.Unsubscribe("a"))
	assert.Empty(t, s)
}

func TestNoteSubscriptionsAttachOncePerNote(t *testing.T) {
	h := newUser(t)
	ch := bus.NoteStream("n1")

	h.send(t, `{"type":"subNote","body":{"id":"n1"}}`)
	h.send(t, `{"type":"s","body":{"id":"n1"}}`)
	assert.Equal(t, 1, h.bus.Subscribers(ch))

	h.send(t, `{"type":"unsubNote","body":{"id":"n1"}}`)
	assert.Equal(t, 1, h.bus.Subscribers(ch))
	h.send(t, `{"type":"un","body":{"id":"n1"}}`)
	assert.Equal(t, 0, h.bus.Subscribers(ch))

	h.send(t, `{"type":"un","body":{"id":"n1"}}`)
	assert.Equal(t, 0, h.bus.Subscribers(ch))
}

func TestNoteEventsFilterMutedReactions(t *testing.T) {
	muted := uuid.NewString()
	id := uuid.New()
	h := newHarness(t, &id, nil)
	h.store.muting = domain.NewIDSet(muted)
	h.start(t)

	h.send(t, `{"type":"s","body":{"id":"n1"}}`)
	h.publish(t, bus.NoteStream("n1"), "reacted", map[string]string{"userId": muted, "reaction": "👍"})
	h.publish(t, bus.NoteStream("n1"), "unreacted", map[string]string{"userId": muted})
	assert.Empty(t, h.out.take())

	other := uuid.NewString()
	h.publish(t, bus.NoteStream("n1"), "reacted", map[string]string{"userId": other})
	h.publish(t, bus.NoteStream("n1"), "deleted", map[string]string{"deletedAt": "now"})

	frames := h.out.take()
	require.Len(t, frames, 2)
	var upd noteUpdated
	require.Equal(t, "noteUpdated", frames[0].Type)
	require.NoError(t, json.Unmarshal(frames[0].Body, &upd))
	assert.Equal(t, "n1", upd.Id)
	assert.Equal(t, "reacted", upd.Type)
	require.NoError(t, json.Unmarshal(frames[1].Body, &upd))
	assert.Equal(t, "deleted", upd.Type)
}

func TestBroadcastForwarded(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.start(t)

	h.publish(t, bus.ChannelBroadcast, "emojiAdded", map[string]string{"name": "blob"})
	frames := h.out.take()
	require.Len(t, frames, 1)
	assert.Equal(t, "emojiAdded", frames[0].Type)
	assert.JSONEq(t, `{"name":"blob"}`, string(frames[0].Body))
}

func TestConnectAdmission(t *testing.T) {
	t.Run("anonymous cannot join credential channels", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		h.start(t)
		h.send(t, `{"type":"connect","body":{"channel":"main","id":"c1","pong":true}}`)
		assert.Empty(t, h.out.take())
		assert.Empty(t, h.conn.channels)
	})

	t.Run("scoped token needs the channel kind", func(t *testing.T) {
		id := uuid.New()
		token := &auth.Claims{UserID: id.String(), Scoped: true, Permissions: []string{auth.PermReadAccount}}
		h := newHarness(t, &id, token)
		h.start(t)

		h.send(t, `{"type":"connect","body":{"channel":"queueStats","id":"q1","pong":true}}`)
		assert.Empty(t, h.out.take())
		h.send(t, `{"type":"connect","body":{"channel":"main","id":"m1","pong":true}}`)
		frames := h.out.take()
		require.Len(t, frames, 1)
		assert.Equal(t, "connected", frames[0].Type)
		assert.JSONEq(t, `{"id":"m1"}`, string(frames[0].Body))
	})

	t.Run("scoped token refused for credential channel without kind", func(t *testing.T) {
		id := uuid.New()
		token := &auth.Claims{UserID: id.String(), Scoped: true, Permissions: []string{auth.PermReadAccount}}
		reg := DefaultRegistry()
		reg.Register(ChannelDef{Name: "private", RequireCredential: true, Create: newNopChannel("private")})
		h := newHarness(t, &id, token, func(d *Deps) { d.Channels = reg })
		h.start(t)

		h.send(t, `{"type":"connect","body":{"channel":"private","id":"p1","pong":true}}`)
		assert.Empty(t, h.out.take())
	})

	t.Run("session token joins everything", func(t *testing.T) {
		id := uuid.New()
		h := newHarness(t, &id, &auth.Claims{UserID: id.String()})
		h.start(t)
		h.send(t, `{"type":"connect","body":{"channel":"queueStats","id":"q1","pong":true}}`)
		assert.Len(t, h.out.take(), 1)
	})

	t.Run("shareable channel joined once", func(t *testing.T) {
		h := newUser(t)
		h.send(t, `{"type":"connect","body":{"channel":"main","id":"m1"}}`)
		h.send(t, `{"type":"connect","body":{"channel":"main","id":"m2","pong":true}}`)
		assert.Empty(t, h.out.take())
		assert.Len(t, h.conn.channels, 1)
		assert.Equal(t, 1, h.bus.Subscribers(bus.MainStream(h.user.String())))
	})

	t.Run("unknown channel ignored", func(t *testing.T) {
		h := newUser(t)
		h.send(t, `{"type":"connect","body":{"channel":"nope","id":"x","pong":true}}`)
		assert.Empty(t, h.out.take())
	})

	t.Run("at most 32 channels", func(t *testing.T) {
		reg := DefaultRegistry()
		reg.Register(ChannelDef{Name: "multi", Create: newNopChannel("multi")})
		id := uuid.New()
		h := newHarness(t, &id, nil, func(d *Deps) { d.Channels = reg })
		h.start(t)

		for i := 0; i < MaxChannels+3; i++ {
			h.send(t, `{"type":"connect","body":{"channel":"multi","id":"c%d"}}`, i)
		}
		assert.Len(t, h.conn.channels, MaxChannels)
	})
}

type nopChannel struct {
	baseChannel
	messages []string
}

func newNopChannel(name string) func(string, *Connection) Channel {
	return func(id string, conn *Connection) Channel {
		return &nopChannel{baseChannel: baseChannel{id: id, name: name, conn: conn}}
	}
}

func (c *nopChannel) Init(map[string]json.RawMessage) {}
func (c *nopChannel) OnMessage(typ string, _ json.RawMessage) {
	c.messages = append(c.messages, typ)
}
func (c *nopChannel) Dispose() {}

func TestChannelMessagesAndDisconnect(t *testing.T) {
	reg := DefaultRegistry()
	reg.Register(ChannelDef{Name: "multi", Create: newNopChannel("multi")})
	id := uuid.New()
	h := newHarness(t, &id, nil, func(d *Deps) { d.Channels = reg })
	h.start(t)

	h.send(t, `{"type":"connect","body":{"channel":"multi","id":"a"}}`)
	h.send(t, `{"type":"connect","body":{"channel":"multi","id":"b"}}`)
	h.send(t, `{"type":"ch","body":{"id":"b","type":"ping","body":{}}}`)
	h.send(t, `{"type":"ch","body":{"id":"zzz","type":"ping","body":{}}}`)

	require.Len(t, h.conn.channels, 2)
	assert.Empty(t, h.conn.channels[0].(*nopChannel).messages)
	assert.Equal(t, []string{"ping"}, h.conn.channels[1].(*nopChannel).messages)

	h.send(t, `{"type":"disconnect","body":{"id":"a"}}`)
	require.Len(t, h.conn.channels, 1)
	assert.Equal(t, "b", h.conn.channels[0].Id())
}

func TestMainChannelDropsMutedNotifications(t *testing.T) {
	muted := uuid.NewString()
	id := uuid.New()
	h := newHarness(t, &id, nil)
	h.store.muting = domain.NewIDSet(muted)
	h.start(t)

	h.send(t, `{"type":"connect","body":{"channel":"main","id":"m1"}}`)
	stream := bus.MainStream(id.String())

	h.publish(t, stream, "notification", map[string]string{"notifierId": muted, "type": "follow"})
	assert.Empty(t, h.out.take())

	h.publish(t, stream, "notification", map[string]string{"notifierId": uuid.NewString(), "type": "follow"})
	h.publish(t, stream, "readAllNotifications", nil)
	frames := h.out.take()
	require.Len(t, frames, 2)
	for _, f := range frames {
		assert.Equal(t, "channel", f.Type)
	}
	var cf channelFrame
	require.NoError(t, json.Unmarshal(frames[0].Body, &cf))
	assert.Equal(t, "m1", cf.Id)
	assert.Equal(t, "notification", cf.Type)

	h.send(t, `{"type":"disconnect","body":{"id":"m1"}}`)
	assert.Equal(t, 0, h.bus.Subscribers(stream))
	h.publish(t, stream, "notification", map[string]string{"notifierId": uuid.NewString()})
	assert.Empty(t, h.out.take())
}

func TestQueueStatsChannel(t *testing.T) {
	h := newUser(t)

	var requests []queue.StatsRequest
	unsub := h.bus.Subscribe(bus.ChannelRequestQueueStatsLog, func(msg []byte) {
		env, err := bus.Decode(msg)
		if err != nil {
			return
		}
		var req queue.StatsRequest
		if json.Unmarshal(env.Body, &req) != nil {
			return
		}
		requests = append(requests, req)
		samples := []queue.StatsSample{{domain.QueueDeliver: {Waiting: 3}}}
		_ = bus.PublishEvent(context.Background(), h.bus, bus.QueueStatsLog(req.Id), "statsLog", samples)
	})
	defer unsub()

	h.send(t, `{"type":"connect","body":{"channel":"queueStats","id":"q1"}}`)
	h.publish(t, bus.ChannelQueueStats, "stats", queue.StatsSample{domain.QueueDeliver: {Active: 1}})
	h.send(t, `{"type":"ch","body":{"id":"q1","type":"requestLog","body":{"id":"r1","length":5}}}`)
	h.flush(t)

	require.Equal(t, []queue.StatsRequest{{Id: "r1", Length: 5}}, requests)
	frames := h.out.take()
	require.Len(t, frames, 2)

	var stats, log channelFrame
	require.NoError(t, json.Unmarshal(frames[0].Body, &stats))
	require.NoError(t, json.Unmarshal(frames[1].Body, &log))
	assert.Equal(t, "stats", stats.Type)
	assert.Equal(t, "statsLog", log.Type)
	assert.Equal(t, "q1", log.Id)
	assert.Equal(t, 0, h.bus.Subscribers(bus.QueueStatsLog("r1")))
}

func TestReadNotification(t *testing.T) {
	h := newUser(t)
	h.send(t, `{"type":"readNotification"}`)
	select {
	case got := <-h.notes.calls:
		assert.Equal(t, h.user, got)
	case <-time.After(2 * time.Second):
		t.Fatal("notifications were not marked read")
	}

	anon := newHarness(t, nil, nil)
	anon.start(t)
	anon.send(t, `{"type":"readNotification"}`)
	select {
	case <-anon.notes.calls:
		t.Fatal("anonymous connections have no notifications")
	case <-time.After(50 * time.Millisecond):
	}
}

func (h *harness) snapshot(t *testing.T) *Snapshot {
	var s *Snapshot
	done := make(chan struct{})
	h.conn.events <- func() { s = h.conn.snapshot; close(done) }
	<-done
	return s
}

func TestSnapshotRefresh(t *testing.T) {
	id := uuid.New()
	h := newHarness(t, &id, nil, func(d *Deps) { d.Refresh = 10 * time.Millisecond })
	h.store.hosts = []string{"spam.example"}
	h.start(t)

	first := h.snapshot(t)
	assert.True(t, first.MutedInstances.Has("spam.example"))

	mutee := uuid.NewString()
	h.caches.Mutings.Update(id.String(), func(s domain.IDSet) domain.IDSet { return s.With(mutee) })
	require.Eventually(t, func() bool {
		return h.snapshot(t).Muting.Has(mutee)
	}, 2*time.Second, 10*time.Millisecond)

	// a failing reload keeps the last good snapshot
	h.store.fail(errors.New("db down"))
	h.caches.Mutings.Delete(id.String())
	time.Sleep(50 * time.Millisecond)
	assert.True(t, h.snapshot(t).Muting.Has(mutee))
	assert.Equal(t, StateActive, h.conn.State())
}

func TestInitFailure(t *testing.T) {
	id := uuid.New()
	h := newHarness(t, &id, nil)
	h.store.fail(errors.New("db down"))
	require.Error(t, h.conn.Init(context.Background()))
	assert.Equal(t, StateClosed, h.conn.State())
	assert.Equal(t, 0, h.bus.Subscribers(bus.ChannelBroadcast))
}

func TestDisposeReleasesEverything(t *testing.T) {
	id := uuid.New()
	h := newHarness(t, &id, nil)
	assert.Equal(t, StateConnecting, h.conn.State())
	require.NoError(t, h.conn.Init(context.Background()))
	assert.Equal(t, StateActive, h.conn.State())

	done := make(chan struct{})
	go func() {
		h.conn.Run()
		close(done)
	}()

	h.send(t, `{"type":"s","body":{"id":"n1"}}`)
	h.send(t, `{"type":"connect","body":{"channel":"main","id":"m1"}}`)
	h.send(t, `{"type":"connect","body":{"channel":"queueStats","id":"q1"}}`)
	assert.Equal(t, 1, h.bus.Subscribers(bus.ChannelBroadcast))

	h.conn.Close()
	h.conn.Close()
	<-done

	assert.Equal(t, StateClosed, h.conn.State())
	for _, ch := range []string{
		bus.ChannelBroadcast,
		bus.NoteStream("n1"),
		bus.MainStream(id.String()),
		bus.ChannelQueueStats,
	} {
		assert.Equal(t, 0, h.bus.Subscribers(ch), ch)
	}
	h.conn.dispose()

	// events after close are dropped without blocking
	require.NoError(t, bus.PublishEvent(context.Background(), h.bus, bus.ChannelBroadcast, "x", nil))
	h.conn.Handle([]byte(`{"type":"s","body":{"id":"n2"}}`))
}

func TestOverflowDropsBusEvents(t *testing.T) {
	id := uuid.New()
	h := newHarness(t, &id, nil)
	require.NoError(t, h.conn.Init(context.Background()))
	t.Cleanup(h.conn.dispose)

	// loop not running: the buffer fills and further events are dropped
	for i := 0; i < eventBuffer+10; i++ {
		require.NoError(t, bus.PublishEvent(context.Background(), h.bus, bus.ChannelBroadcast, "x", i))
	}
	assert.Len(t, h.conn.events, eventBuffer)
}
