package db

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/deemkeen/trunk/domain"
	"github.com/google/uuid"
)

const (
	sqlInsertNote        = `INSERT INTO notes(id, user_id, text, created_at, visibility, local_only, reply_id, renote_id, uri, mentions) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectNoteColumns = `SELECT id, user_id, text, created_at, visibility, local_only, reply_id, renote_id, uri, mentions FROM notes`
	sqlSelectNoteById    = sqlSelectNoteColumns + ` WHERE id = ?`
	sqlSelectDependents  = sqlSelectNoteColumns + ` WHERE reply_id = ? OR (renote_id = ? AND text != '')`
	sqlDeleteNote        = `DELETE FROM notes WHERE id = ?`
	sqlUpdateVisibility  = `UPDATE notes SET visibility = ? WHERE id = ?`
)

func (db *DB) CreateNote(ctx context.Context, note *domain.Note) error {
	mentions, err := json.Marshal(mentionStrings(note.MentionedActorIds))
	if err != nil {
		return err
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertNote,
			note.Id.String(),
			note.UserId.String(),
			note.Text,
			note.CreatedAt,
			note.Visibility,
			boolInt(note.LocalOnly),
			nullableId(note.ReplyId),
			nullableId(note.RenoteId),
			note.URI,
			string(mentions),
		)
		return err
	})
}

func (db *DB) ReadNoteById(ctx context.Context, id uuid.UUID) (*domain.Note, error) {
	return scanNote(db.db.QueryRowContext(ctx, sqlSelectNoteById, id.String()))
}

// ReadDependentNotes returns the direct replies and quotes of a note. Pure
// renotes are not included.
func (db *DB) ReadDependentNotes(ctx context.Context, id uuid.UUID) ([]domain.Note, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectDependents, id.String(), id.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

func (db *DB) DeleteNote(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeleteNote, id.String())
		return err
	})
}

func (db *DB) UpdateNoteVisibility(ctx context.Context, id uuid.UUID, visibility string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlUpdateVisibility, visibility, id.String())
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func scanNote(row scanner) (*domain.Note, error) {
	var n domain.Note
	var localOnly int
	var replyId, renoteId uuid.NullUUID
	var mentions string
	err := row.Scan(&n.Id, &n.UserId, &n.Text, &n.CreatedAt, &n.Visibility, &localOnly, &replyId, &renoteId, &n.URI, &mentions)
	if err != nil {
		return nil, rowErr(err)
	}
	n.LocalOnly = localOnly == 1
	if replyId.Valid {
		id := replyId.UUID
		n.ReplyId = &id
	}
	if renoteId.Valid {
		id := renoteId.UUID
		n.RenoteId = &id
	}
	var ids []string
	if err := json.Unmarshal([]byte(mentions), &ids); err != nil {
		return nil, err
	}
	for _, s := range ids {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, err
		}
		n.MentionedActorIds = append(n.MentionedActorIds, id)
	}
	return &n, nil
}

func mentionStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
