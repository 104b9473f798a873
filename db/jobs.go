package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/deemkeen/trunk/domain"
	"github.com/google/uuid"
)

const (
	sqlInsertJob = `INSERT INTO jobs(id, queue, payload, target, signing_actor_id, attempts_allowed, attempts, status, next_run_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, 'pending', ?, ?)`
	sqlSelectJobColumns = `SELECT id, queue, payload, target, signing_actor_id, attempts_allowed, attempts, status, next_run_at, locked_until, last_error, created_at, finished_at FROM jobs`
	sqlSelectJobById    = sqlSelectJobColumns + ` WHERE id = ?`

	// A job is claimable when it is due, or when a worker died holding it.
	sqlClaimableCondition = `queue = ? AND attempts < attempts_allowed AND (
		(status = 'pending' AND next_run_at <= ?) OR (status = 'active' AND locked_until < ?))`
	sqlSelectClaimable = `SELECT id FROM jobs WHERE ` + sqlClaimableCondition + ` ORDER BY next_run_at LIMIT ?`
	sqlClaimJob        = `UPDATE jobs SET status = 'active', attempts = attempts + 1, locked_until = ? WHERE id = ? AND ` + sqlClaimableCondition
	sqlFailAbandoned   = `UPDATE jobs SET status = 'failed', finished_at = ?, last_error = 'lease expired'
		WHERE queue = ? AND status = 'active' AND locked_until < ? AND attempts >= attempts_allowed`

	sqlCompleteJob = `UPDATE jobs SET status = 'completed', locked_until = NULL, last_error = '', finished_at = ? WHERE id = ?`
	sqlRetryJob    = `UPDATE jobs SET status = 'pending', locked_until = NULL, last_error = ?, next_run_at = ? WHERE id = ?`
	sqlFailJob     = `UPDATE jobs SET status = 'failed', locked_until = NULL, last_error = ?, finished_at = ? WHERE id = ?`
	sqlCountJobs   = `SELECT
		COALESCE(SUM(CASE WHEN status = 'pending' AND next_run_at <= ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'pending' AND next_run_at > ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'active' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		FROM jobs WHERE queue = ?`
	sqlPruneJobs = `DELETE FROM jobs WHERE status IN ('completed', 'failed') AND finished_at < ?`

	sqlAcquireLease = `INSERT INTO leases(name, holder, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		WHERE leases.holder = excluded.holder OR leases.expires_at < ?`
)

func (db *DB) InsertJob(ctx context.Context, job *domain.OutboundJob) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertJob,
			job.Id.String(),
			job.Queue,
			string(job.Payload),
			job.Target,
			nullableId(job.SigningActorId),
			job.AttemptsAllowed,
			job.NextRunAt.UnixMilli(),
			job.CreatedAt,
		)
		return err
	})
}

// ClaimDueJobs leases up to limit due jobs of queue until now+lease and
// counts the attempt. Jobs whose lease expired with no attempts left are
// failed on the way.
func (db *DB) ClaimDueJobs(ctx context.Context, queue string, now time.Time, limit int, lease time.Duration) ([]domain.OutboundJob, error) {
	nowMs := now.UnixMilli()
	leaseUntil := now.Add(lease).UnixMilli()

	var claimed []uuid.UUID
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		claimed = claimed[:0]
		if _, err := tx.ExecContext(ctx, sqlFailAbandoned, nowMs, queue, nowMs); err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, sqlSelectClaimable, queue, nowMs, nowMs, limit)
		if err != nil {
			return err
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		// The conditional update makes the claim safe against other
		// processes polling the same database.
		for _, id := range ids {
			res, err := tx.ExecContext(ctx, sqlClaimJob, leaseUntil, id, queue, nowMs, nowMs)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 1 {
				claimed = append(claimed, uuid.MustParse(id))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	jobs := make([]domain.OutboundJob, 0, len(claimed))
	for _, id := range claimed {
		job, err := db.ReadJob(ctx, id)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

func (db *DB) CompleteJob(ctx context.Context, id uuid.UUID) error {
	return db.execJob(ctx, sqlCompleteJob, time.Now().UnixMilli(), id.String())
}

// RetryJob puts a job back to pending until nextRunAt.
func (db *DB) RetryJob(ctx context.Context, id uuid.UUID, nextRunAt time.Time, lastError string) error {
	return db.execJob(ctx, sqlRetryJob, lastError, nextRunAt.UnixMilli(), id.String())
}

func (db *DB) FailJob(ctx context.Context, id uuid.UUID, lastError string) error {
	return db.execJob(ctx, sqlFailJob, lastError, time.Now().UnixMilli(), id.String())
}

func (db *DB) execJob(ctx context.Context, query string, args ...any) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query, args...)
		return err
	})
}

func (db *DB) ReadJob(ctx context.Context, id uuid.UUID) (*domain.OutboundJob, error) {
	var job domain.OutboundJob
	var payload, status string
	var signer uuid.NullUUID
	var nextRunAt int64
	var lockedUntil, finishedAt sql.NullInt64
	err := db.db.QueryRowContext(ctx, sqlSelectJobById, id.String()).Scan(
		&job.Id,
		&job.Queue,
		&payload,
		&job.Target,
		&signer,
		&job.AttemptsAllowed,
		&job.Attempts,
		&status,
		&nextRunAt,
		&lockedUntil,
		&job.LastError,
		&job.CreatedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, rowErr(err)
	}
	job.Payload = []byte(payload)
	job.Status = domain.JobStatus(status)
	job.NextRunAt = time.UnixMilli(nextRunAt).UTC()
	if signer.Valid {
		id := signer.UUID
		job.SigningActorId = &id
	}
	if lockedUntil.Valid {
		t := time.UnixMilli(lockedUntil.Int64).UTC()
		job.LockedUntil = &t
	}
	if finishedAt.Valid {
		t := time.UnixMilli(finishedAt.Int64).UTC()
		job.FinishedAt = &t
	}
	return &job, nil
}

func (db *DB) CountJobs(ctx context.Context, queue string, now time.Time) (domain.QueueCounts, error) {
	var c domain.QueueCounts
	nowMs := now.UnixMilli()
	err := db.db.QueryRowContext(ctx, sqlCountJobs, nowMs, nowMs, queue).
		Scan(&c.Waiting, &c.Delayed, &c.Active, &c.Completed, &c.Failed)
	return c, err
}

// PruneJobs deletes finished jobs older than before and returns how many
// were removed.
func (db *DB) PruneJobs(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlPruneJobs, before.UnixMilli())
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// AcquireLease makes holder the owner of the named lease until now+ttl. It
// succeeds when the lease is free, expired, or already held by holder, which
// renews it.
func (db *DB) AcquireLease(ctx context.Context, name, holder string, now time.Time, ttl time.Duration) (bool, error) {
	var held bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlAcquireLease, name, holder, now.Add(ttl).UnixMilli(), now.UnixMilli())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		held = n > 0
		return err
	})
	return held, err
}
