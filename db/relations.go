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
	sqlInsertFollow         = `INSERT INTO follows(id, follower_id, followee_id, uri, with_replies, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	sqlSelectFollowColumns  = `SELECT id, follower_id, followee_id, uri, with_replies, created_at FROM follows`
	sqlSelectFollowByURI    = sqlSelectFollowColumns + ` WHERE uri = ?`
	sqlSelectFollowsBetween = sqlSelectFollowColumns + ` WHERE (follower_id = ? AND followee_id = ?) OR (follower_id = ? AND followee_id = ?)`
	sqlDeleteFollowByURI    = `DELETE FROM follows WHERE uri = ?`
	sqlDeleteFollowById     = `DELETE FROM follows WHERE id = ?`
	sqlSelectFollowingsOf   = `SELECT followee_id, with_replies FROM follows WHERE follower_id = ?`
	sqlSelectRemoteFollowersOf = `SELECT r.id, r.username, r.domain, r.actor_uri, r.inbox_uri, r.shared_inbox_uri, r.public_key_pem, r.last_fetched_at
		FROM follows f INNER JOIN remote_accounts r ON r.id = f.follower_id
		WHERE f.followee_id = ?`

	sqlInsertBlocking      = `INSERT INTO blockings(id, blocker_id, blockee_id, created_at) VALUES (?, ?, ?, ?)`
	sqlSelectBlocking      = `SELECT id, blocker_id, blockee_id, created_at FROM blockings WHERE blocker_id = ? AND blockee_id = ?`
	sqlDeleteBlocking      = `DELETE FROM blockings WHERE id = ?`
	sqlSelectBlockeesOf    = `SELECT blockee_id FROM blockings WHERE blocker_id = ?`
	sqlSelectBlockersOf    = `SELECT blocker_id FROM blockings WHERE blockee_id = ?`
	sqlInsertMuting        = `INSERT INTO mutings(id, kind, muter_id, mutee_id, created_at) VALUES (?, ?, ?, ?, ?)`
	sqlSelectMuting        = `SELECT id, kind, muter_id, mutee_id, created_at FROM mutings WHERE kind = ? AND muter_id = ? AND mutee_id = ?`
	sqlDeleteMuting        = `DELETE FROM mutings WHERE id = ?`
	sqlSelectMuteesOf      = `SELECT mutee_id FROM mutings WHERE kind = ? AND muter_id = ?`
	sqlInsertChannelFollow = `INSERT INTO channel_followings(id, follower_id, channel_id, created_at) VALUES (?, ?, ?, ?)`
	sqlDeleteChannelFollow = `DELETE FROM channel_followings WHERE follower_id = ? AND channel_id = ?`
	sqlSelectChannelsOf    = `SELECT channel_id FROM channel_followings WHERE follower_id = ?`

	sqlUpsertProfile = `INSERT INTO user_profiles(user_id, muted_instances, muted_words, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET muted_instances = excluded.muted_instances, muted_words = excluded.muted_words, updated_at = excluded.updated_at`
	sqlSelectProfile = `SELECT user_id, muted_instances, muted_words, updated_at FROM user_profiles WHERE user_id = ?`

	sqlInsertNotification    = `INSERT INTO notifications(id, notifiee_id, notifier_id, type, is_read, created_at) VALUES (?, ?, ?, ?, 0, ?)`
	sqlMarkNotificationsRead = `UPDATE notifications SET is_read = 1 WHERE notifiee_id = ? AND is_read = 0`
	sqlCountUnread           = `SELECT COUNT(*) FROM notifications WHERE notifiee_id = ? AND is_read = 0`
)

func (db *DB) CreateFollow(ctx context.Context, follow *domain.Follow) error {
	return uniqueErr(db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertFollow,
			follow.Id.String(),
			follow.FollowerId.String(),
			follow.FolloweeId.String(),
			follow.URI,
			boolInt(follow.WithReplies),
			follow.CreatedAt,
		)
		return err
	}))
}

func (db *DB) ReadFollowByURI(ctx context.Context, uri string) (*domain.Follow, error) {
	follow, err := scanFollow(db.db.QueryRowContext(ctx, sqlSelectFollowByURI, uri))
	if err != nil {
		return nil, rowErr(err)
	}
	return follow, nil
}

func (db *DB) DeleteFollowByURI(ctx context.Context, uri string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeleteFollowByURI, uri)
		return err
	})
}

// DeleteFollowsBetween removes follow relations in both directions and
// returns the removed rows.
func (db *DB) DeleteFollowsBetween(ctx context.Context, a, b uuid.UUID) ([]domain.Follow, error) {
	var removed []domain.Follow
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		removed = removed[:0]
		rows, err := tx.QueryContext(ctx, sqlSelectFollowsBetween, a.String(), b.String(), b.String(), a.String())
		if err != nil {
			return err
		}
		for rows.Next() {
			f, err := scanFollow(rows)
			if err != nil {
				rows.Close()
				return err
			}
			removed = append(removed, *f)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, f := range removed {
			if _, err := tx.ExecContext(ctx, sqlDeleteFollowById, f.Id.String()); err != nil {
				return err
			}
		}
		return nil
	})
	return removed, err
}

// ReadFollowings maps every followee of followerId to its withReplies flag.
func (db *DB) ReadFollowings(ctx context.Context, followerId uuid.UUID) (domain.FollowingMap, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectFollowingsOf, followerId.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := domain.FollowingMap{}
	for rows.Next() {
		var id string
		var withReplies int
		if err := rows.Scan(&id, &withReplies); err != nil {
			return nil, err
		}
		out[id] = withReplies == 1
	}
	return out, rows.Err()
}

// ReadRemoteFollowers returns the remote accounts following followeeId.
func (db *DB) ReadRemoteFollowers(ctx context.Context, followeeId uuid.UUID) ([]domain.RemoteAccount, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectRemoteFollowersOf, followeeId.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRemoteAccounts(rows)
}

func scanFollow(row scanner) (*domain.Follow, error) {
	var f domain.Follow
	var withReplies int
	if err := row.Scan(&f.Id, &f.FollowerId, &f.FolloweeId, &f.URI, &withReplies, &f.CreatedAt); err != nil {
		return nil, err
	}
	f.WithReplies = withReplies == 1
	return &f, nil
}

func (db *DB) CreateBlocking(ctx context.Context, b *domain.Blocking) error {
	return uniqueErr(db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertBlocking, b.Id.String(), b.BlockerId.String(), b.BlockeeId.String(), b.CreatedAt)
		return err
	}))
}

func (db *DB) ReadBlocking(ctx context.Context, blockerId, blockeeId uuid.UUID) (*domain.Blocking, error) {
	var b domain.Blocking
	err := db.db.QueryRowContext(ctx, sqlSelectBlocking, blockerId.String(), blockeeId.String()).
		Scan(&b.Id, &b.BlockerId, &b.BlockeeId, &b.CreatedAt)
	if err != nil {
		return nil, rowErr(err)
	}
	return &b, nil
}

func (db *DB) DeleteBlocking(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeleteBlocking, id.String())
		return err
	})
}

// ReadBlockees returns the ids blockerId blocks.
func (db *DB) ReadBlockees(ctx context.Context, blockerId uuid.UUID) (domain.IDSet, error) {
	return db.readIDSet(ctx, sqlSelectBlockeesOf, blockerId.String())
}

// ReadBlockers returns the ids that block blockeeId.
func (db *DB) ReadBlockers(ctx context.Context, blockeeId uuid.UUID) (domain.IDSet, error) {
	return db.readIDSet(ctx, sqlSelectBlockersOf, blockeeId.String())
}

func (db *DB) CreateMuting(ctx context.Context, m *domain.Muting) error {
	return uniqueErr(db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertMuting, m.Id.String(), string(m.Kind), m.MuterId.String(), m.MuteeId.String(), m.CreatedAt)
		return err
	}))
}

func (db *DB) ReadMuting(ctx context.Context, kind domain.MutingKind, muterId, muteeId uuid.UUID) (*domain.Muting, error) {
	var m domain.Muting
	var k string
	err := db.db.QueryRowContext(ctx, sqlSelectMuting, string(kind), muterId.String(), muteeId.String()).
		Scan(&m.Id, &k, &m.MuterId, &m.MuteeId, &m.CreatedAt)
	if err != nil {
		return nil, rowErr(err)
	}
	m.Kind = domain.MutingKind(k)
	return &m, nil
}

func (db *DB) DeleteMuting(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeleteMuting, id.String())
		return err
	})
}

// ReadMutees returns the ids muterId mutes with the given kind.
func (db *DB) ReadMutees(ctx context.Context, kind domain.MutingKind, muterId uuid.UUID) (domain.IDSet, error) {
	return db.readIDSet(ctx, sqlSelectMuteesOf, string(kind), muterId.String())
}

func (db *DB) CreateChannelFollowing(ctx context.Context, cf *domain.ChannelFollowing) error {
	return uniqueErr(db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertChannelFollow, cf.Id.String(), cf.FollowerId.String(), cf.ChannelId, cf.CreatedAt)
		return err
	}))
}

func (db *DB) DeleteChannelFollowing(ctx context.Context, followerId uuid.UUID, channelId string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeleteChannelFollow, followerId.String(), channelId)
		return err
	})
}

func (db *DB) ReadChannelFollowings(ctx context.Context, followerId uuid.UUID) (domain.IDSet, error) {
	return db.readIDSet(ctx, sqlSelectChannelsOf, followerId.String())
}

func (db *DB) readIDSet(ctx context.Context, query string, args ...any) (domain.IDSet, error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := domain.IDSet{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

func (db *DB) UpsertProfile(ctx context.Context, p *domain.UserProfile) error {
	instances, err := json.Marshal(nonNil(p.MutedInstances))
	if err != nil {
		return err
	}
	words, err := json.Marshal(nonNil(p.MutedWords))
	if err != nil {
		return err
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpsertProfile, p.UserId.String(), string(instances), string(words), p.UpdatedAt)
		return err
	})
}

// ReadProfile returns the profile of userId, or an empty profile when none
// has been stored.
func (db *DB) ReadProfile(ctx context.Context, userId uuid.UUID) (*domain.UserProfile, error) {
	p := domain.UserProfile{UserId: userId}
	var instances, words string
	err := db.db.QueryRowContext(ctx, sqlSelectProfile, userId.String()).Scan(&p.UserId, &instances, &words, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return &p, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(instances), &p.MutedInstances); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(words), &p.MutedWords); err != nil {
		return nil, err
	}
	return &p, nil
}

func (db *DB) CreateNotification(ctx context.Context, n *domain.Notification) error {
	var notifier *string
	if n.NotifierId != nil {
		s := n.NotifierId.String()
		notifier = &s
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertNotification, n.Id.String(), n.NotifieeId.String(), notifier, n.Type, n.CreatedAt)
		return err
	})
}

// MarkAllNotificationsRead flags every unread notification of userId as read
// and returns how many changed.
func (db *DB) MarkAllNotificationsRead(ctx context.Context, userId uuid.UUID) (int64, error) {
	var n int64
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlMarkNotificationsRead, userId.String())
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

func (db *DB) CountUnreadNotifications(ctx context.Context, userId uuid.UUID) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlCountUnread, userId.String()).Scan(&n)
	return n, err
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func now() time.Time {
	return time.Now().UTC()
}
