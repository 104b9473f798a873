package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/deemkeen/trunk/bus"
	"github.com/deemkeen/trunk/domain"
	"github.com/deemkeen/trunk/util"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	statsLogLength = 200
	pruneAfter     = 24 * time.Hour

	// Only the holder of this lease samples, answers and prunes, so
	// processes sharing a database and a bus report once.
	reporterLease    = "queueStats"
	reporterLeaseTTL = 3 * time.Second
)

// StatsSample is one reading of every queue.
type StatsSample map[string]domain.QueueCounts

// StatsRequest asks for the most recent samples; the reply goes to
// queueStatsLog:<Id>.
type StatsRequest struct {
	Id     string `json:"id"`
	Length int    `json:"length"`
}

// Reporter samples queue counts every second, publishes each sample on the
// queueStats channel and keeps the latest ones for late subscribers. It also
// prunes finished jobs. Of all reporters sharing a database, one leads at a
// time; the others stay quiet until its lease lapses.
type Reporter struct {
	svc    *Service
	bus    bus.Bus
	log    zerolog.Logger
	holder string

	cron  *cron.Cron
	unsub func()

	mu      sync.Mutex
	leading bool
	samples []StatsSample // newest first
}

func NewReporter(svc *Service, b bus.Bus) *Reporter {
	return &Reporter{
		svc:    svc,
		bus:    b,
		log:    util.Logger("queue.stats"),
		holder: uuid.NewString(),
		cron: cron.New(cron.WithParser(cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor))),
	}
}

func (r *Reporter) Start(ctx context.Context) error {
	if _, err := r.cron.AddFunc("@every 1s", func() { r.Tick(ctx) }); err != nil {
		return err
	}
	if _, err := r.cron.AddFunc("@every 10m", func() { r.Prune(ctx) }); err != nil {
		return err
	}
	r.unsub = r.bus.Subscribe(bus.ChannelRequestQueueStatsLog, func(msg []byte) {
		env, err := bus.Decode(msg)
		if err != nil {
			return
		}
		var req StatsRequest
		if err := json.Unmarshal(env.Body, &req); err != nil || req.Id == "" {
			return
		}
		r.answer(ctx, req)
	})
	r.cron.Start()
	return nil
}

func (r *Reporter) Stop() {
	<-r.cron.Stop().Done()
	if r.unsub != nil {
		r.unsub()
	}
}

// Leading reports whether the last Tick held the reporter lease.
func (r *Reporter) Leading() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leading
}

func (r *Reporter) renew(ctx context.Context) bool {
	held, err := r.svc.store.AcquireLease(ctx, reporterLease, r.holder, r.svc.now(), reporterLeaseTTL)
	if err != nil {
		r.log.Warn().Err(err).Msg("stats.lease.failed")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if held != r.leading {
		r.log.Info().Bool("leading", held).Msg("stats.lease.changed")
		if !held {
			r.samples = nil
		}
	}
	r.leading = held
	return held
}

// Tick takes one sample and publishes it when this reporter leads.
func (r *Reporter) Tick(ctx context.Context) {
	if !r.renew(ctx) {
		return
	}
	stats, err := r.svc.Stats(ctx)
	if err != nil {
		r.log.Warn().Err(err).Msg("stats.sample.failed")
		return
	}
	sample := StatsSample(stats)

	r.mu.Lock()
	r.samples = append([]StatsSample{sample}, r.samples...)
	if len(r.samples) > statsLogLength {
		r.samples = r.samples[:statsLogLength]
	}
	r.mu.Unlock()

	if err := bus.PublishEvent(ctx, r.bus, bus.ChannelQueueStats, "stats", sample); err != nil {
		r.log.Debug().Err(err).Msg("stats.publish.failed")
	}
}

// Log returns up to n of the newest samples, newest first.
func (r *Reporter) Log(n int) []StatsSample {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > len(r.samples) {
		n = len(r.samples)
	}
	out := make([]StatsSample, n)
	copy(out, r.samples[:n])
	return out
}

func (r *Reporter) answer(ctx context.Context, req StatsRequest) {
	if !r.Leading() {
		return
	}
	if err := bus.PublishEvent(ctx, r.bus, bus.QueueStatsLog(req.Id), "statsLog", r.Log(req.Length)); err != nil {
		r.log.Debug().Err(err).Msg("stats.log.publish.failed")
	}
}

// Prune removes completed and failed jobs older than a day.
func (r *Reporter) Prune(ctx context.Context) {
	if !r.Leading() {
		return
	}
	n, err := r.svc.store.PruneJobs(ctx, r.svc.now().Add(-pruneAfter))
	if err != nil {
		r.log.Warn().Err(err).Msg("jobs.prune.failed")
		return
	}
	if n > 0 {
		r.log.Info().Int64("removed", n).Msg("jobs.pruned")
	}
}
