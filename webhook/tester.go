package webhook

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/deemkeen/trunk/delivery"
	"github.com/deemkeen/trunk/domain"
	"github.com/google/uuid"
)

// Tester sends synthetic payloads to one webhook so its owner can check the
// receiving end. Test deliveries ignore IsActive and On, are attempted once,
// and never touch the active caches.
type Tester struct {
	system   *SystemService
	user     *UserService
	dispatch Dispatcher
	now      func() time.Time
}

func NewTester(system *SystemService, user *UserService, dispatch Dispatcher) *Tester {
	return &Tester{system: system, user: user, dispatch: dispatch, now: time.Now}
}

// TestSystemWebhook enqueues a dummy eventType payload for the system
// webhook id, with override applied to the stored record.
func (t *Tester) TestSystemWebhook(ctx context.Context, id uuid.UUID, eventType string, override *domain.WebhookPatch) (uuid.UUID, error) {
	if !slices.Contains(domain.SystemWebhookEvents, eventType) {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrInvalidEvent, eventType)
	}
	w, err := t.system.Fetch(ctx, id)
	if err != nil {
		return uuid.Nil, err
	}
	content := t.systemPayload(eventType)
	return t.send(ctx, override.Apply(*w), eventType, content)
}

// TestUserWebhook is TestSystemWebhook for a webhook owned by userId.
func (t *Tester) TestUserWebhook(ctx context.Context, userId, id uuid.UUID, eventType string, override *domain.WebhookPatch) (uuid.UUID, error) {
	if !slices.Contains(domain.UserWebhookEvents, eventType) {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrInvalidEvent, eventType)
	}
	w, err := t.user.Fetch(ctx, userId, id)
	if err != nil {
		return uuid.Nil, err
	}
	content, ok := t.userPayload(eventType)
	if !ok {
		return uuid.Nil, nil
	}
	return t.send(ctx, override.Apply(*w), eventType, content)
}

func (t *Tester) send(ctx context.Context, w domain.Webhook, eventType string, content any) (uuid.UUID, error) {
	return t.dispatch.EnqueueWebhookDelivery(ctx, &w, eventType, content, delivery.WebhookOptions{Attempts: 1})
}

func (t *Tester) systemPayload(eventType string) any {
	switch eventType {
	case domain.SystemWebhookAbuseReport:
		return dummyAbuseReport(false)
	case domain.SystemWebhookAbuseReportResolved:
		return dummyAbuseReport(true)
	case domain.SystemWebhookUserCreated:
		return dummyUser1
	case domain.SystemWebhookInactiveModerators:
		return map[string]any{
			"remainingTime": map[string]any{"time": 100000, "asDays": 1, "asHours": 24},
		}
	case domain.SystemWebhookReceivedContactForm:
		return map[string]any{
			"id":          "dummy-contact-1",
			"subject":     "Test inquiry",
			"content":     "This is a dummy inquiry for testing purposes.",
			"name":        "Test User",
			"email":       "test@example.com",
			"replyMethod": "email",
			"category":    "other",
			"status":      "pending",
			"user":        dummyUser1,
		}
	}
	return struct{}{}
}

// userPayload reports false for event types that have no payload yet.
func (t *Tester) userPayload(eventType string) (any, bool) {
	now := t.now().UTC()
	note := dummyNote{Id: "dummy-note-1", UserId: dummyUser1.Id, User: dummyUser1, Text: "This is a dummy note for testing purposes.", Visibility: domain.VisibilityPublic, CreatedAt: now}

	switch eventType {
	case domain.WebhookNote:
		return map[string]any{"note": note}, true
	case domain.WebhookReply:
		reply := note
		reply.Id, reply.ReplyId, reply.Reply = "dummy-reply-1", note.Id, &note
		return map[string]any{"note": reply}, true
	case domain.WebhookRenote:
		renote := dummyNote{Id: "dummy-renote-1", UserId: dummyUser2.Id, User: dummyUser2, RenoteId: note.Id, Renote: &note, Visibility: domain.VisibilityPublic, CreatedAt: now}
		return map[string]any{"note": renote}, true
	case domain.WebhookMention:
		mention := note
		mention.Id = "dummy-mention-1"
		mention.Text = "@" + dummyUser2.Username + " This is a mention to you."
		mention.Mentions = []string{dummyUser2.Id}
		return map[string]any{"note": mention}, true
	case domain.WebhookFollow:
		return map[string]any{"user": dummyUser1}, true
	case domain.WebhookFollowed:
		return map[string]any{"user": dummyUser2}, true
	case domain.WebhookUnfollow:
		return map[string]any{"user": dummyUser3}, true
	}
	// reaction payloads are not produced anywhere yet
	return nil, false
}

type dummyUserPayload struct {
	Id             string  `json:"id"`
	Username       string  `json:"username"`
	Name           string  `json:"name"`
	Host           *string `json:"host"`
	IsBot          bool    `json:"isBot"`
	FollowersCount int     `json:"followersCount"`
	FollowingCount int     `json:"followingCount"`
	NotesCount     int     `json:"notesCount"`
}

var (
	dummyUser1 = dummyUserPayload{Id: "dummy-user-1", Username: "dummy1", Name: "DummyUser1", FollowersCount: 10, FollowingCount: 5, NotesCount: 30}
	dummyUser2 = dummyUserPayload{Id: "dummy-user-2", Username: "dummy2", Name: "DummyUser2", FollowersCount: 40, FollowingCount: 50, NotesCount: 900}
	dummyUser3 = dummyUserPayload{Id: "dummy-user-3", Username: "dummy3", Name: "DummyUser3", FollowersCount: 60, FollowingCount: 70, NotesCount: 15900}
)

type dummyNote struct {
	Id         string           `json:"id"`
	CreatedAt  time.Time        `json:"createdAt"`
	UserId     string           `json:"userId"`
	User       dummyUserPayload `json:"user"`
	Text       string           `json:"text,omitempty"`
	Visibility string           `json:"visibility"`
	ReplyId    string           `json:"replyId,omitempty"`
	Reply      *dummyNote       `json:"reply,omitempty"`
	RenoteId   string           `json:"renoteId,omitempty"`
	Renote     *dummyNote       `json:"renote,omitempty"`
	Mentions   []string         `json:"mentions,omitempty"`
}

func dummyAbuseReport(resolved bool) map[string]any {
	report := map[string]any{
		"id":             "dummy-abuse-report1",
		"targetUserId":   dummyUser1.Id,
		"targetUser":     dummyUser1,
		"reporterId":     dummyUser2.Id,
		"reporter":       dummyUser2,
		"assigneeId":     nil,
		"assignee":       nil,
		"resolved":       resolved,
		"forwarded":      false,
		"comment":        "This is a dummy report for testing purposes.",
		"moderationNote": "foo",
	}
	if resolved {
		report["assigneeId"] = dummyUser3.Id
		report["assignee"] = dummyUser3
	}
	return report
}
