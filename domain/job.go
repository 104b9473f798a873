package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Queue names of the durable job store.
const (
	QueueDeliver              = "deliver"
	QueueSystemWebhookDeliver = "systemWebhookDeliver"
	QueueUserWebhookDeliver   = "userWebhookDeliver"
	QueueScheduledNoteDelete  = "scheduledNoteDelete"
)

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// OutboundJob is one unit of work in the durable job store. Queue, Payload,
// Target, SigningActorId and AttemptsAllowed are fixed at submission; the
// remaining fields are bookkeeping owned by the store.
type OutboundJob struct {
	Id              uuid.UUID
	Queue           string
	Payload         json.RawMessage
	Target          string
	SigningActorId  *uuid.UUID
	AttemptsAllowed int

	Attempts    int
	Status      JobStatus
	NextRunAt   time.Time
	LockedUntil *time.Time
	LastError   string
	CreatedAt   time.Time
	FinishedAt  *time.Time
}

// DeliverJobData is the payload of a federation delivery job.
type DeliverJobData struct {
	UserId        uuid.UUID       `json:"userId"`
	Content       json.RawMessage `json:"content"`
	To            string          `json:"to"`
	IsSharedInbox bool            `json:"isSharedInbox"`
}

// WebhookJobData is the payload of a webhook delivery job. The webhook is
// embedded so that retries and test deliveries do not depend on the row.
type WebhookJobData struct {
	Type      string          `json:"type"`
	Content   json.RawMessage `json:"content"`
	Webhook   Webhook         `json:"webhook"`
	EventId   uuid.UUID       `json:"eventId"`
	CreatedAt time.Time       `json:"createdAt"`
}

// ScheduledNoteDeleteJobData is the payload of a deferred note deletion.
// With MakePrivate set the note is narrowed to specified visibility instead.
type ScheduledNoteDeleteJobData struct {
	NoteId      uuid.UUID `json:"noteId"`
	MakePrivate bool      `json:"isScheduledForPrivate"`
}

// QueueCounts is a point-in-time view of one queue.
type QueueCounts struct {
	Waiting   int `json:"waiting"`
	Delayed   int `json:"delayed"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}
