package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/deemkeen/trunk/domain"
	"github.com/google/uuid"
)

const (
	sqlInsertWebhook        = `INSERT INTO webhooks(id, user_id, name, is_active, on_events, url, secret) VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlUpdateWebhook        = `UPDATE webhooks SET name = ?, is_active = ?, on_events = ?, url = ?, secret = ? WHERE id = ?`
	sqlUpdateWebhookLatest  = `UPDATE webhooks SET latest_sent_at = ?, latest_status = ? WHERE id = ?`
	sqlDeleteWebhook        = `DELETE FROM webhooks WHERE id = ?`
	sqlSelectWebhookColumns = `SELECT id, user_id, name, is_active, on_events, url, secret, latest_sent_at, latest_status FROM webhooks`
	sqlSelectWebhookById    = sqlSelectWebhookColumns + ` WHERE id = ?`
	sqlSelectSystemHooks    = sqlSelectWebhookColumns + ` WHERE user_id IS NULL`
	sqlSelectActiveSystem   = sqlSelectSystemHooks + ` AND is_active = 1`
	sqlSelectUserHooks      = sqlSelectWebhookColumns + ` WHERE user_id = ?`
	sqlSelectActiveUser     = sqlSelectWebhookColumns + ` WHERE user_id IS NOT NULL AND is_active = 1`
)

func (db *DB) CreateWebhook(ctx context.Context, w *domain.Webhook) error {
	on, err := json.Marshal(nonNil(w.On))
	if err != nil {
		return err
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertWebhook, w.Id.String(), nullableId(w.UserId), w.Name, boolInt(w.IsActive), string(on), w.URL, w.Secret)
		return err
	})
}

// UpdateWebhook stores the mutable fields of w. Delivery bookkeeping is
// written separately by RecordWebhookDelivery.
func (db *DB) UpdateWebhook(ctx context.Context, w *domain.Webhook) error {
	on, err := json.Marshal(nonNil(w.On))
	if err != nil {
		return err
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlUpdateWebhook, w.Name, boolInt(w.IsActive), string(on), w.URL, w.Secret, w.Id.String())
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (db *DB) RecordWebhookDelivery(ctx context.Context, id uuid.UUID, sentAt time.Time, status int) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpdateWebhookLatest, sentAt, status, id.String())
		return err
	})
}

func (db *DB) DeleteWebhook(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlDeleteWebhook, id.String())
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (db *DB) ReadWebhookById(ctx context.Context, id uuid.UUID) (*domain.Webhook, error) {
	return scanWebhook(db.db.QueryRowContext(ctx, sqlSelectWebhookById, id.String()))
}

func (db *DB) ReadSystemWebhooks(ctx context.Context) ([]domain.Webhook, error) {
	return db.queryWebhooks(ctx, sqlSelectSystemHooks)
}

func (db *DB) ReadActiveSystemWebhooks(ctx context.Context) ([]domain.Webhook, error) {
	return db.queryWebhooks(ctx, sqlSelectActiveSystem)
}

func (db *DB) ReadUserWebhooks(ctx context.Context, userId uuid.UUID) ([]domain.Webhook, error) {
	return db.queryWebhooks(ctx, sqlSelectUserHooks, userId.String())
}

// ReadActiveUserWebhooks returns the active webhooks of every user.
func (db *DB) ReadActiveUserWebhooks(ctx context.Context) ([]domain.Webhook, error) {
	return db.queryWebhooks(ctx, sqlSelectActiveUser)
}

func (db *DB) queryWebhooks(ctx context.Context, query string, args ...any) ([]domain.Webhook, error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

func scanWebhook(row scanner) (*domain.Webhook, error) {
	var w domain.Webhook
	var userId uuid.NullUUID
	var isActive int
	var on string
	var sentAt sql.NullTime
	var status sql.NullInt64
	if err := row.Scan(&w.Id, &userId, &w.Name, &isActive, &on, &w.URL, &w.Secret, &sentAt, &status); err != nil {
		return nil, rowErr(err)
	}
	if userId.Valid {
		id := userId.UUID
		w.UserId = &id
	}
	w.IsActive = isActive == 1
	if err := json.Unmarshal([]byte(on), &w.On); err != nil {
		return nil, err
	}
	if sentAt.Valid {
		t := sentAt.Time
		w.LatestSentAt = &t
	}
	if status.Valid {
		s := int(status.Int64)
		w.LatestStatus = &s
	}
	return &w, nil
}

func nullableId(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}
