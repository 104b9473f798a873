package db

import (
	"context"
	"database/sql"

	"github.com/deemkeen/trunk/domain"
	"github.com/google/uuid"
)

const (
	sqlInsertRelay         = `INSERT INTO relays(id, inbox, status) VALUES (?, ?, ?)`
	sqlSelectRelayColumns  = `SELECT id, inbox, status FROM relays`
	sqlSelectRelayById     = sqlSelectRelayColumns + ` WHERE id = ?`
	sqlSelectRelayByInbox  = sqlSelectRelayColumns + ` WHERE inbox = ?`
	sqlSelectRelaysByState = sqlSelectRelayColumns + ` WHERE status = ?`
	sqlUpdateRelayStatus   = `UPDATE relays SET status = ? WHERE id = ?`
	sqlDeleteRelay         = `DELETE FROM relays WHERE id = ?`
)

func (db *DB) CreateRelay(ctx context.Context, r *domain.Relay) error {
	return uniqueErr(db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertRelay, r.Id.String(), r.Inbox, string(r.Status))
		return err
	}))
}

func (db *DB) ReadRelayById(ctx context.Context, id uuid.UUID) (*domain.Relay, error) {
	return scanRelay(db.db.QueryRowContext(ctx, sqlSelectRelayById, id.String()))
}

func (db *DB) ReadRelayByInbox(ctx context.Context, inbox string) (*domain.Relay, error) {
	return scanRelay(db.db.QueryRowContext(ctx, sqlSelectRelayByInbox, inbox))
}

func (db *DB) ReadRelays(ctx context.Context) ([]domain.Relay, error) {
	return db.queryRelays(ctx, sqlSelectRelayColumns)
}

func (db *DB) ReadRelaysByStatus(ctx context.Context, status domain.RelayStatus) ([]domain.Relay, error) {
	return db.queryRelays(ctx, sqlSelectRelaysByState, string(status))
}

// UpdateRelayStatus sets the status of a relay and returns the updated row.
func (db *DB) UpdateRelayStatus(ctx context.Context, id uuid.UUID, status domain.RelayStatus) (*domain.Relay, error) {
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlUpdateRelayStatus, string(status), id.String())
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return db.ReadRelayById(ctx, id)
}

func (db *DB) DeleteRelay(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeleteRelay, id.String())
		return err
	})
}

func (db *DB) queryRelays(ctx context.Context, query string, args ...any) ([]domain.Relay, error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Relay
	for rows.Next() {
		r, err := scanRelay(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func scanRelay(row scanner) (*domain.Relay, error) {
	var r domain.Relay
	var status string
	if err := row.Scan(&r.Id, &r.Inbox, &status); err != nil {
		return nil, rowErr(err)
	}
	r.Status = domain.RelayStatus(status)
	return &r, nil
}
