package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	VisibilityPublic    = "public"
	VisibilityHome      = "home"
	VisibilityFollowers = "followers"
	VisibilitySpecified = "specified"
)

type Note struct {
	Id        uuid.UUID
	UserId    uuid.UUID
	Text      string
	CreatedAt time.Time
	// Visibility is one of the Visibility* constants.
	Visibility string
	LocalOnly  bool
	ReplyId    *uuid.UUID
	RenoteId   *uuid.UUID
	// URI is set for notes that originate on a remote server.
	URI string
	// MentionedActorIds lists remote accounts mentioned in the text.
	MentionedActorIds []uuid.UUID
}

// IsPureRenote reports whether the note only re-shares another note.
func (note *Note) IsPureRenote() bool {
	return note.RenoteId != nil && note.Text == ""
}

func (note *Note) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tUserId: %s \n\tText: %s \n\tCreatedAt: %s)", note.Id, note.UserId, note.Text, note.CreatedAt)
}
