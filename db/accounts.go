package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/trunk/domain"
	"github.com/deemkeen/trunk/util"
	"github.com/google/uuid"
)

const (
	sqlInsertAccount         = `INSERT INTO accounts(id, username, web_public_key, web_private_key, is_system, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	sqlSelectAccountColumns  = `SELECT id, username, created_at, web_public_key, web_private_key, is_system FROM accounts`
	sqlSelectAccountById     = sqlSelectAccountColumns + ` WHERE id = ?`
	sqlSelectAccountByName   = sqlSelectAccountColumns + ` WHERE username = ?`
	sqlInsertRemoteAccount   = `INSERT INTO remote_accounts(id, username, domain, actor_uri, inbox_uri, shared_inbox_uri, public_key_pem, last_fetched_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	sqlUpdateRemoteAccount   = `UPDATE remote_accounts SET inbox_uri = ?, shared_inbox_uri = ?, public_key_pem = ?, last_fetched_at = ? WHERE actor_uri = ?`
	sqlSelectRemoteColumns   = `SELECT id, username, domain, actor_uri, inbox_uri, shared_inbox_uri, public_key_pem, last_fetched_at FROM remote_accounts`
	sqlSelectRemoteByURI     = sqlSelectRemoteColumns + ` WHERE actor_uri = ?`
	sqlSelectRemoteById      = sqlSelectRemoteColumns + ` WHERE id = ?`
	sqlSelectRemoteByIdBatch = sqlSelectRemoteColumns + ` WHERE id IN (SELECT value FROM json_each(?))`
)

// CreateAccount inserts a local account with a fresh key pair.
func (db *DB) CreateAccount(ctx context.Context, username string, isSystem bool) (*domain.Account, error) {
	keypair, err := util.GeneratePemKeypair()
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}
	acc := &domain.Account{
		Id:            uuid.New(),
		Username:      username,
		CreatedAt:     time.Now().UTC(),
		WebPublicKey:  keypair.Public,
		WebPrivateKey: keypair.Private,
		IsSystem:      isSystem,
	}
	err = db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertAccount, acc.Id.String(), acc.Username, acc.WebPublicKey, acc.WebPrivateKey, boolInt(acc.IsSystem), acc.CreatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return acc, nil
}

// ReadOrCreateSystemAccount returns the named system account, creating it on
// first use.
func (db *DB) ReadOrCreateSystemAccount(ctx context.Context, username string) (*domain.Account, error) {
	acc, err := db.ReadAccByUsername(ctx, username)
	if err == nil {
		return acc, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return db.CreateAccount(ctx, username, true)
}

func (db *DB) ReadAccById(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	return scanAccount(db.db.QueryRowContext(ctx, sqlSelectAccountById, id.String()))
}

func (db *DB) ReadAccByUsername(ctx context.Context, username string) (*domain.Account, error) {
	return scanAccount(db.db.QueryRowContext(ctx, sqlSelectAccountByName, username))
}

func scanAccount(row *sql.Row) (*domain.Account, error) {
	var acc domain.Account
	var isSystem int
	err := row.Scan(&acc.Id, &acc.Username, &acc.CreatedAt, &acc.WebPublicKey, &acc.WebPrivateKey, &isSystem)
	if err != nil {
		return nil, rowErr(err)
	}
	acc.IsSystem = isSystem == 1
	return &acc, nil
}

func (db *DB) CreateRemoteAccount(ctx context.Context, acc *domain.RemoteAccount) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertRemoteAccount,
			acc.Id.String(),
			acc.Username,
			acc.Domain,
			acc.ActorURI,
			acc.InboxURI,
			acc.SharedInboxURI,
			acc.PublicKeyPem,
			acc.LastFetchedAt,
		)
		return err
	})
}

func (db *DB) UpdateRemoteAccount(ctx context.Context, acc *domain.RemoteAccount) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpdateRemoteAccount,
			acc.InboxURI,
			acc.SharedInboxURI,
			acc.PublicKeyPem,
			acc.LastFetchedAt,
			acc.ActorURI,
		)
		return err
	})
}

func (db *DB) ReadRemoteAccountByURI(ctx context.Context, uri string) (*domain.RemoteAccount, error) {
	return scanRemoteAccount(db.db.QueryRowContext(ctx, sqlSelectRemoteByURI, uri))
}

func (db *DB) ReadRemoteAccountById(ctx context.Context, id uuid.UUID) (*domain.RemoteAccount, error) {
	return scanRemoteAccount(db.db.QueryRowContext(ctx, sqlSelectRemoteById, id.String()))
}

// ReadRemoteAccountsByIds returns the remote accounts among ids; local or
// unknown ids are skipped.
func (db *DB) ReadRemoteAccountsByIds(ctx context.Context, ids []uuid.UUID) ([]domain.RemoteAccount, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.db.QueryContext(ctx, sqlSelectRemoteByIdBatch, idsJSON(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRemoteAccounts(rows)
}

// ReadActor resolves id to a local or remote actor.
func (db *DB) ReadActor(ctx context.Context, id uuid.UUID, sslDomain string) (*domain.Actor, error) {
	acc, err := db.ReadAccById(ctx, id)
	if err == nil {
		return acc.Actor(sslDomain), nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	remote, err := db.ReadRemoteAccountById(ctx, id)
	if err != nil {
		return nil, err
	}
	return remote.Actor(), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRemoteAccount(row scanner) (*domain.RemoteAccount, error) {
	var acc domain.RemoteAccount
	err := row.Scan(
		&acc.Id,
		&acc.Username,
		&acc.Domain,
		&acc.ActorURI,
		&acc.InboxURI,
		&acc.SharedInboxURI,
		&acc.PublicKeyPem,
		&acc.LastFetchedAt,
	)
	if err != nil {
		return nil, rowErr(err)
	}
	return &acc, nil
}

func scanRemoteAccounts(rows *sql.Rows) ([]domain.RemoteAccount, error) {
	var out []domain.RemoteAccount
	for rows.Next() {
		acc, err := scanRemoteAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *acc)
	}
	return out, rows.Err()
}
