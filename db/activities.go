package db

import (
	"context"
	"database/sql"
	"errors"

	"github.com/deemkeen/trunk/domain"
)

const (
	sqlInsertActivity = `INSERT INTO activities(id, activity_uri, activity_type, actor_uri, object_uri, raw_json, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlSelectActivity = `SELECT id, activity_uri, activity_type, actor_uri, object_uri, raw_json, created_at FROM activities WHERE activity_uri = ?`
)

// ErrDuplicateActivity is returned when an activity URI was already recorded.
var ErrDuplicateActivity = errors.New("activity already processed")

// RecordActivity stores an inbox activity, failing with ErrDuplicateActivity
// when the same URI has been seen before.
func (db *DB) RecordActivity(ctx context.Context, a *domain.InboxActivity) error {
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertActivity, a.Id.String(), a.ActivityURI, a.ActivityType, a.ActorURI, a.ObjectURI, a.RawJSON, a.CreatedAt)
		return err
	})
	if err != nil && isConstraint(err) {
		return ErrDuplicateActivity
	}
	return err
}

func (db *DB) ReadActivityByURI(ctx context.Context, uri string) (*domain.InboxActivity, error) {
	var a domain.InboxActivity
	var objectURI sql.NullString
	err := db.db.QueryRowContext(ctx, sqlSelectActivity, uri).
		Scan(&a.Id, &a.ActivityURI, &a.ActivityType, &a.ActorURI, &objectURI, &a.RawJSON, &a.CreatedAt)
	if err != nil {
		return nil, rowErr(err)
	}
	a.ObjectURI = objectURI.String
	return &a, nil
}
