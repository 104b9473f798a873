package db

import (
	"context"
	"database/sql"

	"github.com/deemkeen/trunk/util"
)

const (
	sqlCreateAccountsTable = `CREATE TABLE IF NOT EXISTS accounts (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		web_public_key TEXT NOT NULL,
		web_private_key TEXT NOT NULL,
		is_system INTEGER DEFAULT 0
	)`

	sqlCreateRemoteAccountsTable = `CREATE TABLE IF NOT EXISTS remote_accounts (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT NOT NULL,
		domain TEXT NOT NULL,
		actor_uri TEXT UNIQUE NOT NULL,
		inbox_uri TEXT NOT NULL,
		shared_inbox_uri TEXT NOT NULL DEFAULT '',
		public_key_pem TEXT NOT NULL,
		last_fetched_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(username, domain)
	)`

	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS follows (
		id TEXT NOT NULL PRIMARY KEY,
		follower_id TEXT NOT NULL,
		followee_id TEXT NOT NULL,
		uri TEXT NOT NULL DEFAULT '',
		with_replies INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(follower_id, followee_id)
	)`

	sqlCreateBlockingsTable = `CREATE TABLE IF NOT EXISTS blockings (
		id TEXT NOT NULL PRIMARY KEY,
		blocker_id TEXT NOT NULL,
		blockee_id TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(blocker_id, blockee_id)
	)`

	sqlCreateMutingsTable = `CREATE TABLE IF NOT EXISTS mutings (
		id TEXT NOT NULL PRIMARY KEY,
		kind TEXT NOT NULL,
		muter_id TEXT NOT NULL,
		mutee_id TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(kind, muter_id, mutee_id)
	)`

	sqlCreateChannelFollowingsTable = `CREATE TABLE IF NOT EXISTS channel_followings (
		id TEXT NOT NULL PRIMARY KEY,
		follower_id TEXT NOT NULL,
		channel_id TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(follower_id, channel_id)
	)`

	sqlCreateUserProfilesTable = `CREATE TABLE IF NOT EXISTS user_profiles (
		user_id TEXT NOT NULL PRIMARY KEY,
		muted_instances TEXT NOT NULL DEFAULT '[]',
		muted_words TEXT NOT NULL DEFAULT '[]',
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateNotificationsTable = `CREATE TABLE IF NOT EXISTS notifications (
		id TEXT NOT NULL PRIMARY KEY,
		notifiee_id TEXT NOT NULL,
		notifier_id TEXT,
		type TEXT NOT NULL,
		is_read INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateRelaysTable = `CREATE TABLE IF NOT EXISTS relays (
		id TEXT NOT NULL PRIMARY KEY,
		inbox TEXT UNIQUE NOT NULL,
		status TEXT NOT NULL
	)`

	sqlCreateWebhooksTable = `CREATE TABLE IF NOT EXISTS webhooks (
		id TEXT NOT NULL PRIMARY KEY,
		user_id TEXT,
		name TEXT NOT NULL,
		is_active INTEGER DEFAULT 1,
		on_events TEXT NOT NULL DEFAULT '[]',
		url TEXT NOT NULL,
		secret TEXT NOT NULL DEFAULT '',
		latest_sent_at TIMESTAMP,
		latest_status INTEGER
	)`

	sqlCreateNotesTable = `CREATE TABLE IF NOT EXISTS notes (
		id TEXT NOT NULL PRIMARY KEY,
		user_id TEXT NOT NULL,
		text TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		visibility TEXT NOT NULL DEFAULT 'public',
		local_only INTEGER DEFAULT 0,
		reply_id TEXT,
		renote_id TEXT,
		uri TEXT NOT NULL DEFAULT '',
		mentions TEXT NOT NULL DEFAULT '[]'
	)`

	sqlCreateActivitiesTable = `CREATE TABLE IF NOT EXISTS activities (
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT UNIQUE NOT NULL,
		activity_type TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		object_uri TEXT,
		raw_json TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	// next_run_at, locked_until and finished_at are unix milliseconds so the
	// poller can compare them numerically.
	sqlCreateJobsTable = `CREATE TABLE IF NOT EXISTS jobs (
		id TEXT NOT NULL PRIMARY KEY,
		queue TEXT NOT NULL,
		payload TEXT NOT NULL,
		target TEXT NOT NULL DEFAULT '',
		signing_actor_id TEXT,
		attempts_allowed INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		next_run_at INTEGER NOT NULL,
		locked_until INTEGER,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		finished_at INTEGER
	)`

	sqlCreateLeasesTable = `CREATE TABLE IF NOT EXISTS leases (
		name TEXT NOT NULL PRIMARY KEY,
		holder TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	)`

	sqlCreateIndices = `
		CREATE INDEX IF NOT EXISTS idx_follows_followee_id ON follows(followee_id);
		CREATE INDEX IF NOT EXISTS idx_follows_follower_id ON follows(follower_id);
		CREATE INDEX IF NOT EXISTS idx_blockings_blockee_id ON blockings(blockee_id);
		CREATE INDEX IF NOT EXISTS idx_mutings_muter_id ON mutings(kind, muter_id);
		CREATE INDEX IF NOT EXISTS idx_notifications_notifiee_id ON notifications(notifiee_id, is_read);
		CREATE INDEX IF NOT EXISTS idx_webhooks_user_id ON webhooks(user_id);
		CREATE INDEX IF NOT EXISTS idx_notes_reply_id ON notes(reply_id);
		CREATE INDEX IF NOT EXISTS idx_notes_renote_id ON notes(renote_id);
		CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs(queue, status, next_run_at);
	`
)

// RunMigrations creates every table the server needs.
func (db *DB) RunMigrations(ctx context.Context) error {
	tables := []struct {
		name string
		sql  string
	}{
		{"accounts", sqlCreateAccountsTable},
		{"remote_accounts", sqlCreateRemoteAccountsTable},
		{"follows", sqlCreateFollowsTable},
		{"blockings", sqlCreateBlockingsTable},
		{"mutings", sqlCreateMutingsTable},
		{"channel_followings", sqlCreateChannelFollowingsTable},
		{"user_profiles", sqlCreateUserProfilesTable},
		{"notifications", sqlCreateNotificationsTable},
		{"relays", sqlCreateRelaysTable},
		{"webhooks", sqlCreateWebhooksTable},
		{"notes", sqlCreateNotesTable},
		{"activities", sqlCreateActivitiesTable},
		{"jobs", sqlCreateJobsTable},
		{"leases", sqlCreateLeasesTable},
	}

	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		for _, t := range tables {
			if err := db.createTableIfNotExists(tx, t.sql, t.name); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(sqlCreateIndices); err != nil {
			log := util.Logger("db")
			log.Warn().Err(err).Msg("failed to create indices")
		}
		return nil
	})
}

func (db *DB) createTableIfNotExists(tx *sql.Tx, createSQL string, tableName string) error {
	_, err := tx.Exec(createSQL)
	if err != nil {
		log := util.Logger("db")
		log.Error().Err(err).Str("table", tableName).Msg("error creating table")
		return err
	}
	return nil
}
