// Package queue is the durable job store: named queues of jobs persisted in
// the database, executed at least once by a fixed worker pool per queue,
// with bounded retry and exponential backoff.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/deemkeen/trunk/domain"
	"github.com/deemkeen/trunk/util"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	maxBackoff   = 8 * time.Hour
	backoffSkew  = 0.2
	defaultLease = 5 * time.Minute
)

// Store persists jobs. *db.DB implements it.
type Store interface {
	InsertJob(ctx context.Context, job *domain.OutboundJob) error
	ClaimDueJobs(ctx context.Context, queue string, now time.Time, limit int, lease time.Duration) ([]domain.OutboundJob, error)
	CompleteJob(ctx context.Context, id uuid.UUID) error
	RetryJob(ctx context.Context, id uuid.UUID, nextRunAt time.Time, lastError string) error
	FailJob(ctx context.Context, id uuid.UUID, lastError string) error
	ReadJob(ctx context.Context, id uuid.UUID) (*domain.OutboundJob, error)
	CountJobs(ctx context.Context, queue string, now time.Time) (domain.QueueCounts, error)
	PruneJobs(ctx context.Context, before time.Time) (int64, error)
	AcquireLease(ctx context.Context, name, holder string, now time.Time, ttl time.Duration) (bool, error)
}

// Handler performs one attempt of a job. A nil error completes the job; any
// error schedules a retry until the attempts run out.
type Handler func(ctx context.Context, job *domain.OutboundJob) error

// Options configure one queue.
type Options struct {
	Workers     int
	MaxAttempts int
	BackoffBase time.Duration
	// PollInterval bounds how late a delayed job may start. Enqueue on the
	// same process wakes the poller immediately.
	PollInterval time.Duration
	// Lease is how long a claimed job stays invisible to other pollers. A job
	// whose lease runs out while active is claimed again.
	Lease time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 1
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Lease <= 0 {
		o.Lease = defaultLease
	}
	return o
}

// EnqueueOptions are fixed on the job at submission.
type EnqueueOptions struct {
	Delay time.Duration
	// MaxAttempts overrides the queue's attempt ceiling when positive.
	MaxAttempts    int
	Target         string
	SigningActorId *uuid.UUID
}

type queueState struct {
	name    string
	opts    Options
	handler Handler
	jobs    chan domain.OutboundJob
	wake    chan struct{}
	busy    atomic.Int32
}

type Service struct {
	store Store
	log   zerolog.Logger
	now   func() time.Time

	mu     sync.RWMutex
	queues map[string]*queueState

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(store Store) *Service {
	return &Service{
		store:  store,
		log:    util.Logger("queue"),
		now:    time.Now,
		queues: map[string]*queueState{},
	}
}

// Register declares a queue and its processor. It must be called before Start.
func (s *Service) Register(name string, opts Options, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	opts = opts.withDefaults()
	s.queues[name] = &queueState{
		name:    name,
		opts:    opts,
		handler: h,
		jobs:    make(chan domain.OutboundJob),
		wake:    make(chan struct{}, 1),
	}
}

// Queues returns the registered queue names in a stable order.
func (s *Service) Queues() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.queues))
	for name := range s.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Service) queue(name string) (*queueState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.queues[name]
	if !ok {
		return nil, fmt.Errorf("unknown queue %q", name)
	}
	return q, nil
}

// Enqueue persists a job and returns its id. The caller never waits for the
// job to run; its outcome is only visible through Job and Stats.
func (s *Service) Enqueue(ctx context.Context, queue string, payload any, opts EnqueueOptions) (uuid.UUID, error) {
	q, err := s.queue(queue)
	if err != nil {
		return uuid.Nil, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("encode job payload: %w", err)
	}

	attempts := q.opts.MaxAttempts
	if opts.MaxAttempts > 0 {
		attempts = opts.MaxAttempts
	}
	now := s.now().UTC()
	job := &domain.OutboundJob{
		Id:              uuid.New(),
		Queue:           queue,
		Payload:         raw,
		Target:          opts.Target,
		SigningActorId:  opts.SigningActorId,
		AttemptsAllowed: attempts,
		Status:          domain.JobPending,
		NextRunAt:       now.Add(opts.Delay),
		CreatedAt:       now,
	}
	if err := s.store.InsertJob(ctx, job); err != nil {
		return uuid.Nil, fmt.Errorf("insert job: %w", err)
	}

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return job.Id, nil
}

func (s *Service) Job(ctx context.Context, id uuid.UUID) (*domain.OutboundJob, error) {
	return s.store.ReadJob(ctx, id)
}

// Stats counts the jobs of every registered queue.
func (s *Service) Stats(ctx context.Context) (map[string]domain.QueueCounts, error) {
	now := s.now()
	out := map[string]domain.QueueCounts{}
	for _, name := range s.Queues() {
		c, err := s.store.CountJobs(ctx, name, now)
		if err != nil {
			return nil, err
		}
		out[name] = c
	}
	return out, nil
}

// Start runs a poller and the worker pool of every registered queue until
// Stop is called or ctx is done.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, q := range s.queues {
		for i := 0; i < q.opts.Workers; i++ {
			s.wg.Add(1)
			go s.work(ctx, q)
		}
		s.wg.Add(1)
		go s.poll(ctx, q)
		s.log.Info().Str("queue", q.name).Int("workers", q.opts.Workers).Msg("queue.started")
	}
}

// Stop cancels the pollers and waits for in-flight jobs to return. Jobs cut
// short are retried by a later lease expiry.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Service) poll(ctx context.Context, q *queueState) {
	defer s.wg.Done()
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-q.wake:
		}

		for {
			free := q.opts.Workers - int(q.busy.Load())
			if free <= 0 {
				break
			}
			jobs, err := s.store.ClaimDueJobs(ctx, q.name, s.now(), free, q.opts.Lease)
			if err != nil {
				if ctx.Err() == nil {
					s.log.Error().Err(err).Str("queue", q.name).Msg("queue.claim.failed")
				}
				break
			}
			if len(jobs) == 0 {
				break
			}
			for _, job := range jobs {
				q.busy.Add(1)
				select {
				case q.jobs <- job:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (s *Service) work(ctx context.Context, q *queueState) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			s.process(ctx, q, &job)
			q.busy.Add(-1)
		}
	}
}

// RunOnce claims the due jobs of one queue and processes them on the calling
// goroutine. It returns how many jobs were attempted.
func (s *Service) RunOnce(ctx context.Context, queue string) (int, error) {
	q, err := s.queue(queue)
	if err != nil {
		return 0, err
	}
	jobs, err := s.store.ClaimDueJobs(ctx, q.name, s.now(), math.MaxInt32, q.opts.Lease)
	if err != nil {
		return 0, err
	}
	for i := range jobs {
		s.process(ctx, q, &jobs[i])
	}
	return len(jobs), nil
}

func (s *Service) process(ctx context.Context, q *queueState, job *domain.OutboundJob) {
	log := s.log.With().Str("queue", q.name).Str("job", job.Id.String()).Int("attempt", job.Attempts).Logger()

	err := s.runHandler(ctx, q, job)
	if err == nil {
		if err := s.store.CompleteJob(ctx, job.Id); err != nil {
			log.Error().Err(err).Msg("job.complete.failed")
		}
		log.Debug().Str("target", job.Target).Msg("job.completed")
		return
	}

	if job.Attempts >= job.AttemptsAllowed {
		if ferr := s.store.FailJob(ctx, job.Id, err.Error()); ferr != nil {
			log.Error().Err(ferr).Msg("job.fail.failed")
		}
		log.Warn().Err(err).Str("target", job.Target).Msg("job.failed")
		return
	}

	delay := backoffDelay(q.opts.BackoffBase, job.Attempts)
	if rerr := s.store.RetryJob(ctx, job.Id, s.now().Add(delay), err.Error()); rerr != nil {
		log.Error().Err(rerr).Msg("job.retry.failed")
	}
	log.Info().Err(err).Str("target", job.Target).Dur("delay", delay).Msg("job.retry")
}

func (s *Service) runHandler(ctx context.Context, q *queueState, job *domain.OutboundJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return q.handler(ctx, job)
}

// backoffDelay grows as (2^attempts - 1) * base with +-20% jitter, capped.
func backoffDelay(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := maxBackoff
	if attempts < 30 {
		d = time.Duration((1<<attempts)-1) * base
		if d <= 0 || d > maxBackoff {
			d = maxBackoff
		}
	}
	r := (rand.Float64()*2 - 1) * backoffSkew
	d = time.Duration(float64(d) * (1 + r))
	if d < 0 {
		d = 0
	}
	return d
}
