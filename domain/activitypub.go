package domain

import (
	"time"

	"github.com/google/uuid"
)

// Follow is an accepted follow relationship between two actors.
// FollowerId and FolloweeId may reference local or remote accounts.
type Follow struct {
	Id          uuid.UUID
	FollowerId  uuid.UUID
	FolloweeId  uuid.UUID
	URI         string
	WithReplies bool
	CreatedAt   time.Time
}

type Blocking struct {
	Id        uuid.UUID
	BlockerId uuid.UUID
	BlockeeId uuid.UUID
	CreatedAt time.Time
}

// MutingKind separates plain mutes from renote and quote mutes, which live in
// their own tables and caches.
type MutingKind string

const (
	MuteUser   MutingKind = "user"
	MuteRenote MutingKind = "renote"
	MuteQuote  MutingKind = "quote"
)

type Muting struct {
	Id        uuid.UUID
	Kind      MutingKind
	MuterId   uuid.UUID
	MuteeId   uuid.UUID
	CreatedAt time.Time
}

type ChannelFollowing struct {
	Id         uuid.UUID
	FollowerId uuid.UUID
	ChannelId  string
	CreatedAt  time.Time
}

type UserProfile struct {
	UserId         uuid.UUID
	MutedInstances []string
	MutedWords     []string
	UpdatedAt      time.Time
}

type Notification struct {
	Id         uuid.UUID
	NotifieeId uuid.UUID
	NotifierId *uuid.UUID
	Type       string
	IsRead     bool
	CreatedAt  time.Time
}

// RelayStatus follows requesting -> accepted | rejected.
type RelayStatus string

const (
	RelayRequesting RelayStatus = "requesting"
	RelayAccepted   RelayStatus = "accepted"
	RelayRejected   RelayStatus = "rejected"
)

type Relay struct {
	Id     uuid.UUID   `json:"id"`
	Inbox  string      `json:"inbox"`
	Status RelayStatus `json:"status"`
}

// InboxActivity records an activity received on an inbox. The URI is unique,
// which makes redelivered activities idempotent.
type InboxActivity struct {
	Id           uuid.UUID
	ActivityURI  string
	ActivityType string
	ActorURI     string
	ObjectURI    string
	RawJSON      string
	CreatedAt    time.Time
}
