package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIDSetCopyOnWrite(t *testing.T) {
	base := NewIDSet("a", "b")

	added := base.With("c")
	removed := base.Without("a")

	assert.False(t, base.Has("c"), "With must not mutate the receiver")
	assert.True(t, base.Has("a"), "Without must not mutate the receiver")
	assert.True(t, added.Has("c"))
	assert.False(t, removed.Has("a"))
	assert.Len(t, base, 2)
}

func TestActorPreferredInbox(t *testing.T) {
	a := &Actor{Host: "remote.example", InboxURI: "https://remote.example/users/a/inbox"}
	inbox, shared := a.PreferredInbox()
	assert.Equal(t, "https://remote.example/users/a/inbox", inbox)
	assert.False(t, shared)

	a.SharedInboxURI = "https://remote.example/inbox"
	inbox, shared = a.PreferredInbox()
	assert.Equal(t, "https://remote.example/inbox", inbox)
	assert.True(t, shared)
}

func TestWebhookPatchApply(t *testing.T) {
	url := "https://hooks.example/other"
	active := false
	w := Webhook{Name: "n", IsActive: true, On: []string{WebhookNote}, URL: "https://hooks.example/a"}

	patched := (&WebhookPatch{URL: &url, IsActive: &active}).Apply(w)

	assert.Equal(t, url, patched.URL)
	assert.False(t, patched.IsActive)
	assert.Equal(t, "https://hooks.example/a", w.URL)
	assert.True(t, patched.Subscribes(WebhookNote))
	assert.False(t, patched.Subscribes(WebhookReaction))
}
