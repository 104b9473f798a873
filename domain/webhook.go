package domain

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Event types a user webhook can subscribe to.
const (
	WebhookNote     = "note"
	WebhookReply    = "reply"
	WebhookRenote   = "renote"
	WebhookMention  = "mention"
	WebhookFollow   = "follow"
	WebhookFollowed = "followed"
	WebhookUnfollow = "unfollow"
	WebhookReaction = "reaction"
)

// Event types a system webhook can subscribe to.
const (
	SystemWebhookAbuseReport         = "abuseReport"
	SystemWebhookAbuseReportResolved = "abuseReportResolved"
	SystemWebhookUserCreated         = "userCreated"
	SystemWebhookInactiveModerators  = "inactiveModeratorsWarning"
	SystemWebhookReceivedContactForm = "receivedContactForm"
)

var UserWebhookEvents = []string{
	WebhookNote, WebhookReply, WebhookRenote, WebhookMention,
	WebhookFollow, WebhookFollowed, WebhookUnfollow, WebhookReaction,
}

var SystemWebhookEvents = []string{
	SystemWebhookAbuseReport, SystemWebhookAbuseReportResolved, SystemWebhookUserCreated,
	SystemWebhookInactiveModerators, SystemWebhookReceivedContactForm,
}

// Webhook is an outbound HTTP callback. A nil UserId marks a system webhook.
type Webhook struct {
	Id           uuid.UUID  `json:"id"`
	UserId       *uuid.UUID `json:"userId,omitempty"`
	Name         string     `json:"name"`
	IsActive     bool       `json:"isActive"`
	On           []string   `json:"on"`
	URL          string     `json:"url"`
	Secret       string     `json:"secret"`
	LatestSentAt *time.Time `json:"latestSentAt,omitempty"`
	LatestStatus *int       `json:"latestStatus,omitempty"`
}

func (w *Webhook) IsSystem() bool {
	return w.UserId == nil
}

func (w *Webhook) Subscribes(eventType string) bool {
	return slices.Contains(w.On, eventType)
}

// WebhookPatch overrides fields of a stored webhook for a test delivery.
type WebhookPatch struct {
	Name     *string  `json:"name,omitempty"`
	IsActive *bool    `json:"isActive,omitempty"`
	On       []string `json:"on,omitempty"`
	URL      *string  `json:"url,omitempty"`
	Secret   *string  `json:"secret,omitempty"`
}

// Apply returns a copy of w with the patch applied.
func (p *WebhookPatch) Apply(w Webhook) Webhook {
	if p == nil {
		return w
	}
	if p.Name != nil {
		w.Name = *p.Name
	}
	if p.IsActive != nil {
		w.IsActive = *p.IsActive
	}
	if p.On != nil {
		w.On = slices.Clone(p.On)
	}
	if p.URL != nil {
		w.URL = *p.URL
	}
	if p.Secret != nil {
		w.Secret = *p.Secret
	}
	return w
}
