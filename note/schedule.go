package note

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/trunk/db"
	"github.com/deemkeen/trunk/domain"
	"github.com/deemkeen/trunk/queue"
	"github.com/deemkeen/trunk/util"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Enqueuer submits jobs to the durable job store.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, payload any, opts queue.EnqueueOptions) (uuid.UUID, error)
}

// Scheduler defers deletion or narrowing of notes through the
// scheduledNoteDelete queue.
type Scheduler struct {
	jobs  Enqueuer
	notes *DeleteService
	log   zerolog.Logger
}

func NewScheduler(jobs Enqueuer, notes *DeleteService) *Scheduler {
	return &Scheduler{jobs: jobs, notes: notes, log: util.Logger("note")}
}

// Schedule enqueues a job that deletes the note after the given delay, or
// makes it private when makePrivate is set.
func (s *Scheduler) Schedule(ctx context.Context, noteId uuid.UUID, after time.Duration, makePrivate bool) (uuid.UUID, error) {
	if after < 0 {
		return uuid.Nil, fmt.Errorf("negative delay %s", after)
	}
	data := domain.ScheduledNoteDeleteJobData{NoteId: noteId, MakePrivate: makePrivate}
	return s.jobs.Enqueue(ctx, domain.QueueScheduledNoteDelete, data, queue.EnqueueOptions{Delay: after})
}

// Process runs one scheduled job. A note that is already gone completes the
// job without doing anything.
func (s *Scheduler) Process(ctx context.Context, job *domain.OutboundJob) error {
	var data domain.ScheduledNoteDeleteJobData
	if err := json.Unmarshal(job.Payload, &data); err != nil {
		return fmt.Errorf("decode scheduled note delete: %w", err)
	}
	n, err := s.notes.db.ReadNoteById(ctx, data.NoteId)
	if errors.Is(err, db.ErrNotFound) {
		s.log.Debug().Str("note", data.NoteId.String()).Msg("note.scheduled.gone")
		return nil
	}
	if err != nil {
		return err
	}
	if data.MakePrivate {
		return s.notes.MakePrivate(ctx, n, false)
	}
	return s.notes.Delete(ctx, n, false)
}

// RegisterQueue registers the scheduledNoteDelete queue on svc.
func RegisterQueue(svc *queue.Service, conf *util.AppConfig, s *Scheduler) {
	qc := conf.Queue(domain.QueueScheduledNoteDelete, util.QueueConfig{Workers: 1, MaxAttempts: 3, BackoffBaseMs: 60000})
	svc.Register(domain.QueueScheduledNoteDelete, queue.Options{
		Workers:     qc.Workers,
		MaxAttempts: qc.MaxAttempts,
		BackoffBase: qc.BackoffBase(),
	}, s.Process)
}
