package metastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"regexp"
	"strconv"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/nimbusware/strongbox"
)

const (
	defaultLoadQuery       = "SELECT key_record FROM encryption_key WHERE id = ? AND created = ?"
	defaultStoreQuery      = "INSERT INTO encryption_key (id, created, key_record) VALUES (?, ?, ?)"
	defaultLoadLatestQuery = "SELECT key_record FROM encryption_key WHERE id = ? ORDER BY created DESC LIMIT 1"

	mysqlDuplicateEntryErrno = 1062
)

var (
	_ strongbox.Metastore = (*SQL)(nil)

	sqlStoreTimer      = metrics.GetOrRegisterTimer(strongbox.MetricsPrefix+".metastore.sql.store", nil)
	sqlLoadTimer       = metrics.GetOrRegisterTimer(strongbox.MetricsPrefix+".metastore.sql.load", nil)
	sqlLoadLatestTimer = metrics.GetOrRegisterTimer(strongbox.MetricsPrefix+".metastore.sql.loadlatest", nil)
)

// DBType identifies the placeholder dialect a SQL driver expects.
type DBType string

const (
	MySQL    DBType = "mysql"
	Postgres DBType = "postgres"
)

var placeholderRE = regexp.MustCompile(`\?`)

// rewritePlaceholders converts "?" placeholders to the dialect t expects.
func (t DBType) rewritePlaceholders(query string) string {
	if t != Postgres {
		return query
	}

	n := 0

	return placeholderRE.ReplaceAllStringFunc(query, func(string) string {
		n++
		return "$" + strconv.Itoa(n)
	})
}

// SQLOption configures a SQL metastore.
type SQLOption func(*SQL)

// WithDBType sets the placeholder dialect; queries are rewritten
// immediately.
func WithDBType(t DBType) SQLOption {
	return func(s *SQL) {
		s.dbType = t
		s.loadQuery = t.rewritePlaceholders(defaultLoadQuery)
		s.storeQuery = t.rewritePlaceholders(defaultStoreQuery)
		s.loadLatestQuery = t.rewritePlaceholders(defaultLoadLatestQuery)
	}
}

// SQL implements strongbox.Metastore against a database/sql connection. Its
// duplicate-key detection is driver-specific; as written it recognizes the
// go-sql-driver/mysql error shape, matching the driver wired in go.mod.
type SQL struct {
	db *sql.DB

	dbType          DBType
	loadQuery       string
	storeQuery      string
	loadLatestQuery string
}

// NewSQL returns a SQL metastore using db, with opts applied in order.
func NewSQL(db *sql.DB, opts ...SQLOption) *SQL {
	s := &SQL{
		db:              db,
		dbType:          MySQL,
		loadQuery:       defaultLoadQuery,
		storeQuery:      defaultStoreQuery,
		loadLatestQuery: defaultLoadLatestQuery,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEnvelope(s scanner) (*strongbox.EnvelopeKeyRecord, error) {
	var raw string

	if err := s.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, errors.Wrap(err, "metastore: scan failed")
	}

	var record strongbox.EnvelopeKeyRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, errors.Wrap(err, "metastore: unmarshal key record failed")
	}

	return &record, nil
}

// Load implements strongbox.Metastore.
func (s *SQL) Load(ctx context.Context, id string, created int64) (*strongbox.EnvelopeKeyRecord, error) {
	defer sqlLoadTimer.UpdateSince(time.Now())

	row := s.db.QueryRowContext(ctx, s.loadQuery, id, time.Unix(created, 0))

	return scanEnvelope(row)
}

// LoadLatest implements strongbox.Metastore.
func (s *SQL) LoadLatest(ctx context.Context, id string) (*strongbox.EnvelopeKeyRecord, error) {
	defer sqlLoadLatestTimer.UpdateSince(time.Now())

	row := s.db.QueryRowContext(ctx, s.loadLatestQuery, id)

	return scanEnvelope(row)
}

// Store implements strongbox.Metastore, returning (false, nil) only for a
// genuine duplicate-key violation and a non-nil error for anything else.
func (s *SQL) Store(ctx context.Context, id string, created int64, record *strongbox.EnvelopeKeyRecord) (bool, error) {
	defer sqlStoreTimer.UpdateSince(time.Now())

	b, err := json.Marshal(record)
	if err != nil {
		return false, errors.Wrap(err, "metastore: marshal key record failed")
	}

	_, err = s.db.ExecContext(ctx, s.storeQuery, id, time.Unix(created, 0), string(b))
	if err == nil {
		return true, nil
	}

	if isDuplicateKeyError(err) {
		return false, nil
	}

	return false, errors.Wrapf(err, "metastore: store failed for id=%s created=%d", id, created)
}

func isDuplicateKeyError(err error) bool {
	var mysqlErr *mysqldriver.MySQLError

	return errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntryErrno
}
