package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/deemkeen/trunk/util"
	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// ErrNotFound is returned by single-row reads that match nothing.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when an insert collides with a unique key.
var ErrAlreadyExists = errors.New("already exists")

// DB is the source of truth shared by every server process.
type DB struct {
	db *sql.DB
}

// Open opens the SQLite database at path and runs the migrations.
func Open(path string) (*DB, error) {
	log := util.Logger("db")

	// Pragmas in the DSN apply to every pooled connection. Immediate
	// transactions take the write lock up front so busy_timeout can wait for it.
	dsn := path + "?_txlock=immediate" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(1)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// Configure connection pool for concurrent access
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	var journalMode string
	if err := sqlDB.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		sqlDB.Close()
		return nil, err
	}
	log.Debug().Str("mode", journalMode).Msg("journal mode")

	db := &DB{db: sqlDB}
	if err := db.RunMigrations(context.Background()); err != nil {
		sqlDB.Close()
		return nil, err
	}
	log.Info().Str("path", path).Msg("database ready")
	return db, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) Ping(ctx context.Context) error {
	return db.db.PingContext(ctx)
}

// wrapTransaction runs f within a transaction, retrying while SQLite reports
// the database as busy.
func (db *DB) wrapTransaction(ctx context.Context, f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()
	log := util.Logger("db")

	for {
		tx, err := db.db.BeginTx(ctx, nil)
		if err != nil {
			log.Error().Err(err).Msg("error starting transaction")
			return err
		}
		err = f(tx)
		if err == nil {
			err = tx.Commit()
			if err == nil {
				return nil
			}
		} else {
			tx.Rollback()
		}
		if isBusy(err) && ctx.Err() == nil {
			continue
		}
		if !isConstraint(err) {
			log.Error().Err(err).Msg("error in transaction")
		}
		return err
	}
}

func isBusy(err error) bool {
	var serr *sqlite.Error
	return errors.As(err, &serr) && serr.Code()&0xff == sqlitelib.SQLITE_BUSY
}

func isConstraint(err error) bool {
	var serr *sqlite.Error
	return errors.As(err, &serr) && serr.Code()&0xff == sqlitelib.SQLITE_CONSTRAINT
}

// uniqueErr maps unique key collisions to ErrAlreadyExists.
func uniqueErr(err error) error {
	if err != nil && isConstraint(err) {
		return ErrAlreadyExists
	}
	return err
}

func rowErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// idsJSON encodes ids for use with json_each in IN clauses.
func idsJSON(ids []uuid.UUID) string {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	buf, _ := json.Marshal(strs)
	return string(buf)
}
