package webhook

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/deemkeen/trunk/bus"
	"github.com/deemkeen/trunk/db"
	"github.com/deemkeen/trunk/delivery"
	"github.com/deemkeen/trunk/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentHook struct {
	hook      domain.Webhook
	eventType string
	content   any
	opts      delivery.WebhookOptions
}

type fakeDispatcher struct {
	mu   sync.Mutex
	sent []sentHook
}

func (f *fakeDispatcher) EnqueueWebhookDelivery(ctx context.Context, hook *domain.Webhook, eventType string, content any, opts delivery.WebhookOptions) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentHook{*hook, eventType, content, opts})
	return uuid.New(), nil
}

func (f *fakeDispatcher) hookIds() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []uuid.UUID
	for _, s := range f.sent {
		ids = append(ids, s.hook.Id)
	}
	return ids
}

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "webhook.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func systemParams(on ...string) Params {
	return Params{Name: "ops", IsActive: true, On: on, URL: "https://hooks.example/ops", Secret: "s"}
}

func TestCreateValidatesEventsAndURL(t *testing.T) {
	database := setupTestDB(t)
	svc := NewSystemService(database, &fakeDispatcher{}, bus.NewMemory())
	defer svc.Close()
	ctx := context.Background()

	_, err := svc.Create(ctx, systemParams(domain.WebhookNote))
	assert.ErrorIs(t, err, ErrInvalidEvent)

	p := systemParams(domain.SystemWebhookUserCreated)
	p.URL = "ftp://hooks.example"
	_, err = svc.Create(ctx, p)
	assert.ErrorIs(t, err, ErrInvalidURL)

	_, err = svc.Update(ctx, uuid.New(), &domain.WebhookPatch{On: []string{"bogus"}})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	hooks, _ := svc.List(ctx)
	assert.Empty(t, hooks)
}

// Two services sharing one database and one bus stand in for two processes.
func TestActiveCacheFollowsMutationsFromAnotherProcess(t *testing.T) {
	database := setupTestDB(t)
	b := bus.NewMemory()
	ctx := context.Background()

	writer := NewSystemService(database, &fakeDispatcher{}, b)
	defer writer.Close()
	reader := NewSystemService(database, &fakeDispatcher{}, b)
	defer reader.Close()

	active, err := reader.ActiveWebhooks(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	w, err := writer.Create(ctx, systemParams(domain.SystemWebhookUserCreated))
	require.NoError(t, err)
	active, _ = reader.ActiveWebhooks(ctx)
	require.Len(t, active, 1)
	assert.Equal(t, w.Id, active[0].Id)

	url := "https://hooks.example/moved"
	_, err = writer.Update(ctx, w.Id, &domain.WebhookPatch{URL: &url})
	require.NoError(t, err)
	active, _ = reader.ActiveWebhooks(ctx)
	require.Len(t, active, 1)
	assert.Equal(t, url, active[0].URL)

	off := false
	_, err = writer.Update(ctx, w.Id, &domain.WebhookPatch{IsActive: &off})
	require.NoError(t, err)
	active, _ = reader.ActiveWebhooks(ctx)
	assert.Empty(t, active, "deactivated webhooks leave the active view")

	on := true
	_, err = writer.Update(ctx, w.Id, &domain.WebhookPatch{IsActive: &on})
	require.NoError(t, err)
	active, _ = reader.ActiveWebhooks(ctx)
	assert.Len(t, active, 1)

	require.NoError(t, writer.Delete(ctx, w.Id))
	active, _ = reader.ActiveWebhooks(ctx)
	assert.Empty(t, active)

	assert.ErrorIs(t, writer.Delete(ctx, w.Id), ErrNoSuchWebhook)
}

func TestEnqueueSystemWebhookFiltersByEventAndExcludes(t *testing.T) {
	database := setupTestDB(t)
	dispatch := &fakeDispatcher{}
	svc := NewSystemService(database, dispatch, bus.NewMemory())
	defer svc.Close()
	ctx := context.Background()

	reports, _ := svc.Create(ctx, systemParams(domain.SystemWebhookAbuseReport, domain.SystemWebhookUserCreated))
	users, _ := svc.Create(ctx, systemParams(domain.SystemWebhookUserCreated))
	_, _ = svc.Create(ctx, systemParams(domain.SystemWebhookAbuseReportResolved))
	inactive := systemParams(domain.SystemWebhookUserCreated)
	inactive.IsActive = false
	_, _ = svc.Create(ctx, inactive)

	ids, err := svc.EnqueueSystemWebhook(ctx, domain.SystemWebhookUserCreated, map[string]string{"id": "u1"})
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	assert.ElementsMatch(t, []uuid.UUID{reports.Id, users.Id}, dispatch.hookIds())
	for _, s := range dispatch.sent {
		assert.Equal(t, 0, s.opts.Attempts, "regular deliveries use the queue ceiling")
	}

	dispatch.sent = nil
	ids, err = svc.EnqueueSystemWebhook(ctx, domain.SystemWebhookUserCreated, map[string]string{"id": "u2"}, reports.Id)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
	assert.Equal(t, []uuid.UUID{users.Id}, dispatch.hookIds())
}

func TestUserWebhooksAreScopedToTheirOwner(t *testing.T) {
	database := setupTestDB(t)
	dispatch := &fakeDispatcher{}
	svc := NewUserService(database, dispatch, bus.NewMemory())
	defer svc.Close()
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()

	p := Params{Name: "mine", IsActive: true, On: []string{domain.WebhookNote, domain.WebhookFollow}, URL: "https://hooks.example/alice"}
	w, err := svc.Create(ctx, alice, p)
	require.NoError(t, err)
	_, err = svc.Create(ctx, bob, Params{Name: "bob", IsActive: true, On: []string{domain.WebhookNote}, URL: "https://hooks.example/bob"})
	require.NoError(t, err)

	_, err = svc.Fetch(ctx, bob, w.Id)
	assert.ErrorIs(t, err, ErrNoSuchWebhook)
	assert.ErrorIs(t, svc.Delete(ctx, bob, w.Id), ErrNoSuchWebhook)

	ids, err := svc.EnqueueUserWebhook(ctx, alice, domain.WebhookNote, map[string]string{"note": "n"})
	require.NoError(t, err)
	assert.Len(t, ids, 1)
	assert.Equal(t, []uuid.UUID{w.Id}, dispatch.hookIds())

	dispatch.sent = nil
	ids, _ = svc.EnqueueUserWebhook(ctx, alice, domain.WebhookReaction, map[string]string{})
	assert.Empty(t, ids)

	require.NoError(t, svc.Delete(ctx, alice, w.Id))
	ids, _ = svc.EnqueueUserWebhook(ctx, alice, domain.WebhookNote, map[string]string{"note": "n"})
	assert.Empty(t, ids)
}

func TestUserWebhookLimit(t *testing.T) {
	database := setupTestDB(t)
	svc := NewUserService(database, &fakeDispatcher{}, bus.NewMemory())
	defer svc.Close()
	ctx := context.Background()
	user := uuid.New()

	p := Params{Name: "h", On: []string{domain.WebhookNote}, URL: "https://hooks.example/h"}
	for range MaxUserWebhooks {
		_, err := svc.Create(ctx, user, p)
		require.NoError(t, err)
	}
	_, err := svc.Create(ctx, user, p)
	assert.ErrorIs(t, err, ErrTooManyWebhooks)
}

func TestNoticeDecoding(t *testing.T) {
	w := domain.Webhook{Id: uuid.New(), IsActive: false}
	body, _ := json.Marshal(w)

	n, ok := systemNotices.decode(bus.Envelope{Type: NoticeSystemWebhookUpdated, Body: body})
	require.True(t, ok)
	assert.False(t, n.Active)
	assert.Equal(t, w.Id, n.Item.Id)

	_, ok = systemNotices.decode(bus.Envelope{Type: NoticeWebhookUpdated, Body: body})
	assert.False(t, ok, "user notices do not touch the system cache")
	_, ok = userNotices.decode(bus.Envelope{Type: NoticeWebhookDeleted, Body: []byte(`{`)})
	assert.False(t, ok)
}
