package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"regexp"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	envelope "github.com/shieldcrypt/envelope"
)

const (
	defaultLoadKeyQuery    = "SELECT key_record FROM encryption_key WHERE id = ? AND created = ?"
	defaultStoreKeyQuery   = "INSERT INTO encryption_key (id, created, key_record) VALUES (?, ?, ?)"
	defaultLoadLatestQuery = "SELECT key_record FROM encryption_key WHERE id = ? ORDER BY created DESC LIMIT 1"
)

var (
	_ envelope.Metastore = (*SQLMetastore)(nil)

	storeSQLTimer      = metrics.GetOrRegisterTimer(envelope.MetricsPrefix+".metastore.sql.store", nil)
	loadSQLTimer       = metrics.GetOrRegisterTimer(envelope.MetricsPrefix+".metastore.sql.load", nil)
	loadLatestSQLTimer = metrics.GetOrRegisterTimer(envelope.MetricsPrefix+".metastore.sql.loadlatest", nil)
)

// DBType identifies a specific database/sql driver family, used to pick the
// correct placeholder syntax.
type DBType string

const (
	Postgres DBType = "postgres"
	Oracle   DBType = "oracle"
	MySQL    DBType = "mysql"

	DefaultDBType = MySQL
)

var qrx = regexp.MustCompile(`\?`)

// q rewrites "?" placeholders to $1, $2, ... on Postgres and :1, :2, ...
// on Oracle; MySQL (and anything else) is left as-is.
func (t DBType) q(query string) string {
	var pref string

	switch t {
	case Postgres:
		pref = "$"
	case Oracle:
		pref = ":"
	default:
		return query
	}

	n := 0

	return qrx.ReplaceAllStringFunc(query, func(string) string {
		n++
		return pref + strconv.Itoa(n)
	})
}

// SQLMetastoreOption configures a SQLMetastore.
type SQLMetastoreOption func(*SQLMetastore)

// WithDBType configures the SQLMetastore for the given driver family.
func WithDBType(t DBType) SQLMetastoreOption {
	return func(s *SQLMetastore) {
		s.dbType = t
		s.loadKeyQuery = t.q(s.loadKeyQuery)
		s.storeKeyQuery = t.q(s.storeKeyQuery)
		s.loadLatestQuery = t.q(s.loadLatestQuery)
	}
}

// SQLMetastore implements envelope.Metastore against any database/sql
// driver exposing a table of (id, created, key_record) rows, key_record
// holding the JSON-encoded EnvelopeKeyRecord.
type SQLMetastore struct {
	db *sql.DB

	dbType          DBType
	loadKeyQuery    string
	storeKeyQuery   string
	loadLatestQuery string
}

// NewSQLMetastore returns a SQLMetastore using dbHandle, defaulting to
// MySQL placeholder syntax.
func NewSQLMetastore(dbHandle *sql.DB, opts ...SQLMetastoreOption) *SQLMetastore {
	s := &SQLMetastore{
		db: dbHandle,

		dbType:          DefaultDBType,
		loadKeyQuery:    defaultLoadKeyQuery,
		storeKeyQuery:   defaultStoreKeyQuery,
		loadLatestQuery: defaultLoadLatestQuery,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// OpenMySQL opens a *sql.DB against a MySQL instance using connStr (a DSN in
// "user:pass@tcp(host:port)/dbname" form) and returns a SQLMetastore backed
// by it, with MySQL placeholder syntax and time-parsing enabled.
func OpenMySQL(connStr string, opts ...SQLMetastoreOption) (*SQLMetastore, error) {
	dsn, err := mysql.ParseDSN(connStr)
	if err != nil {
		return nil, errors.Wrap(err, "error parsing mysql DSN")
	}

	dsn.ParseTime = true

	db, err := sql.Open("mysql", dsn.FormatDSN())
	if err != nil {
		return nil, errors.Wrap(err, "error opening mysql connection")
	}

	return NewSQLMetastore(db, opts...), nil
}

type scanner interface {
	Scan(v ...interface{}) error
}

func parseRecord(s scanner) (*envelope.EnvelopeKeyRecord, error) {
	var keyRecordJSON string

	if err := s.Scan(&keyRecordJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, errors.Wrap(err, "error from scanner")
	}

	var rec *envelope.EnvelopeKeyRecord

	if err := json.Unmarshal([]byte(keyRecordJSON), &rec); err != nil {
		return nil, errors.Wrap(err, "unable to unmarshal key record")
	}

	return rec, nil
}

// Load returns the record matching id and created, or nil if absent.
func (s *SQLMetastore) Load(ctx context.Context, id string, created int64) (*envelope.EnvelopeKeyRecord, error) {
	defer loadSQLTimer.UpdateSince(time.Now())

	return parseRecord(s.db.QueryRowContext(ctx, s.loadKeyQuery, id, time.Unix(created, 0)))
}

// LoadLatest returns the newest record matching id.
func (s *SQLMetastore) LoadLatest(ctx context.Context, id string) (*envelope.EnvelopeKeyRecord, error) {
	defer loadLatestSQLTimer.UpdateSince(time.Now())

	return parseRecord(s.db.QueryRowContext(ctx, s.loadLatestQuery, id))
}

// Store attempts to insert rec under (id, created). database/sql exposes
// no portable way to detect a duplicate-key violation, so any insert error
// is treated as "not stored" and returned to the caller to interpret.
func (s *SQLMetastore) Store(ctx context.Context, id string, created int64, rec *envelope.EnvelopeKeyRecord) (bool, error) {
	defer storeSQLTimer.UpdateSince(time.Now())

	b, err := json.Marshal(rec)
	if err != nil {
		return false, errors.Wrap(err, "error marshaling key record")
	}

	if _, err := s.db.ExecContext(ctx, s.storeKeyQuery, id, time.Unix(created, 0), string(b)); err != nil {
		return false, errors.Wrapf(err, "error storing key: %s, %d", id, created)
	}

	return true, nil
}
