// Package note holds note lifecycle operations that fan out to streaming
// clients and remote servers.
package note

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/trunk/activitypub"
	"github.com/deemkeen/trunk/bus"
	"github.com/deemkeen/trunk/db"
	"github.com/deemkeen/trunk/domain"
	"github.com/deemkeen/trunk/util"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Events published on the note's stream channel.
const (
	EventDeleted     = "deleted"
	EventMadePrivate = "madePrivate"
)

type DeletedEvent struct {
	DeletedAt time.Time `json:"deletedAt"`
}

// Fanout delivers an activity to everyone concerned with a note.
type Fanout interface {
	DeliverToFollowers(ctx context.Context, actor *domain.Actor, activity activitypub.Document) ([]uuid.UUID, error)
	DeliverToUsers(ctx context.Context, actor *domain.Actor, activity activitypub.Document, targets []*domain.Actor) ([]uuid.UUID, error)
	EnqueueRelayDelivery(ctx context.Context, actor *domain.Actor, activity activitypub.Document) ([]uuid.UUID, error)
}

type DeleteService struct {
	db       *db.DB
	fanout   Fanout
	renderer *activitypub.Renderer
	bus      bus.Bus
	log      zerolog.Logger
	now      func() time.Time
}

func NewDeleteService(database *db.DB, fanout Fanout, renderer *activitypub.Renderer, b bus.Bus) *DeleteService {
	return &DeleteService{
		db:       database,
		fanout:   fanout,
		renderer: renderer,
		bus:      b,
		log:      util.Logger("note"),
		now:      time.Now,
	}
}

// Delete removes note together with its replies and quotes. Unless quiet,
// streaming clients watching the note are told, and deletions of local
// notes are federated.
func (s *DeleteService) Delete(ctx context.Context, note *domain.Note, quiet bool) error {
	cascading, err := s.findCascadingNotes(ctx, note.Id)
	if err != nil {
		return fmt.Errorf("find cascading notes: %w", err)
	}

	if !quiet {
		deletedAt := s.now().UTC()
		if err := bus.PublishEvent(ctx, s.bus, bus.NoteStream(note.Id.String()), EventDeleted, DeletedEvent{DeletedAt: deletedAt}); err != nil {
			s.log.Warn().Err(err).Str("note", note.Id.String()).Msg("note.stream.failed")
		}

		author, err := s.db.ReadActor(ctx, note.UserId, s.renderer.SslDomain)
		if err != nil {
			return fmt.Errorf("read note author: %w", err)
		}
		if author.IsLocal() && !note.LocalOnly {
			content, err := s.renderDeletion(ctx, note, author)
			if err != nil {
				return err
			}
			s.deliverToConcerned(ctx, author, note, content)
		}

		for i := range cascading {
			c := &cascading[i]
			if c.LocalOnly || c.URI != "" {
				continue
			}
			cAuthor, err := s.db.ReadActor(ctx, c.UserId, s.renderer.SslDomain)
			if err != nil || !cAuthor.IsLocal() {
				continue
			}
			content := s.renderer.AddContext(s.renderer.RenderDelete(s.renderer.RenderTombstone(s.renderer.NoteURI(c)), cAuthor))
			s.deliverToConcerned(ctx, cAuthor, c, content)
		}
	}

	for i := range cascading {
		if err := s.db.DeleteNote(ctx, cascading[i].Id); err != nil {
			return err
		}
	}
	if err := s.db.DeleteNote(ctx, note.Id); err != nil {
		return err
	}
	s.log.Info().Str("note", note.Id.String()).Int("cascaded", len(cascading)).Msg("note.deleted")
	return nil
}

// MakePrivate narrows a local note to specified visibility. Remote servers
// and streaming clients are told as if the note had been deleted, but the
// row and its replies stay. Remote and already private notes are left alone.
func (s *DeleteService) MakePrivate(ctx context.Context, note *domain.Note, quiet bool) error {
	if note.Visibility == domain.VisibilitySpecified {
		return nil
	}
	author, err := s.db.ReadActor(ctx, note.UserId, s.renderer.SslDomain)
	if err != nil {
		return fmt.Errorf("read note author: %w", err)
	}
	if !author.IsLocal() {
		return nil
	}

	if !quiet && !note.LocalOnly {
		deletedAt := s.now().UTC()
		if err := bus.PublishEvent(ctx, s.bus, bus.NoteStream(note.Id.String()), EventMadePrivate, DeletedEvent{DeletedAt: deletedAt}); err != nil {
			s.log.Warn().Err(err).Str("note", note.Id.String()).Msg("note.stream.failed")
		}
		content, err := s.renderDeletion(ctx, note, author)
		if err != nil {
			return err
		}
		s.deliverToConcerned(ctx, author, note, content)
	}

	if err := s.db.UpdateNoteVisibility(ctx, note.Id, domain.VisibilitySpecified); err != nil {
		return err
	}
	note.Visibility = domain.VisibilitySpecified
	s.log.Info().Str("note", note.Id.String()).Msg("note.made_private")
	return nil
}

// renderDeletion renders Undo(Announce) for a pure renote whose target still
// exists and Delete(Tombstone) for everything else.
func (s *DeleteService) renderDeletion(ctx context.Context, note *domain.Note, author *domain.Actor) (activitypub.Document, error) {
	if note.IsPureRenote() {
		renote, err := s.db.ReadNoteById(ctx, *note.RenoteId)
		switch {
		case err == nil:
			announce := s.renderer.RenderAnnounce(note, s.renderer.NoteURI(renote), author)
			return s.renderer.AddContext(s.renderer.RenderUndo(announce, author)), nil
		case !errors.Is(err, db.ErrNotFound):
			return nil, err
		}
	}
	return s.renderer.AddContext(s.renderer.RenderDelete(s.renderer.RenderTombstone(s.renderer.NoteURI(note)), author)), nil
}

// findCascadingNotes walks replies and quotes depth first.
func (s *DeleteService) findCascadingNotes(ctx context.Context, id uuid.UUID) ([]domain.Note, error) {
	var out []domain.Note
	seen := map[uuid.UUID]bool{id: true}
	stack := []uuid.UUID{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		deps, err := s.db.ReadDependentNotes(ctx, cur)
		if err != nil {
			return nil, err
		}
		for _, d := range deps {
			if seen[d.Id] {
				continue
			}
			seen[d.Id] = true
			out = append(out, d)
			stack = append(stack, d.Id)
		}
	}
	return out, nil
}

// concernedRemoteUsers are the mentioned remote users, the remote author of
// the renoted note and the remote authors of replies and renotes.
func (s *DeleteService) concernedRemoteUsers(ctx context.Context, note *domain.Note) ([]*domain.Actor, error) {
	ids := append([]uuid.UUID{}, note.MentionedActorIds...)
	if note.RenoteId != nil {
		if renote, err := s.db.ReadNoteById(ctx, *note.RenoteId); err == nil {
			ids = append(ids, renote.UserId)
		}
	}
	deps, err := s.db.ReadDependentNotes(ctx, note.Id)
	if err != nil {
		return nil, err
	}
	for _, d := range deps {
		if d.URI != "" {
			ids = append(ids, d.UserId)
		}
	}

	remotes, err := s.db.ReadRemoteAccountsByIds(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Actor, 0, len(remotes))
	for i := range remotes {
		out = append(out, remotes[i].Actor())
	}
	return out, nil
}

func (s *DeleteService) deliverToConcerned(ctx context.Context, author *domain.Actor, note *domain.Note, content activitypub.Document) {
	log := s.log.With().Str("note", note.Id.String()).Logger()
	if _, err := s.fanout.DeliverToFollowers(ctx, author, content); err != nil {
		log.Error().Err(err).Msg("note.deliver.followers.failed")
	}
	if _, err := s.fanout.EnqueueRelayDelivery(ctx, author, content); err != nil {
		log.Error().Err(err).Msg("note.deliver.relays.failed")
	}
	targets, err := s.concernedRemoteUsers(ctx, note)
	if err != nil {
		log.Error().Err(err).Msg("note.deliver.users.failed")
		return
	}
	if _, err := s.fanout.DeliverToUsers(ctx, author, content, targets); err != nil {
		log.Error().Err(err).Msg("note.deliver.users.failed")
	}
}
