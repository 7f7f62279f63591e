package persistence

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	envelope "github.com/shieldcrypt/envelope"
)

const (
	sqlKeyID   = "key_with_parent"
	sqlCreated = int64(1551980041)

	sqlKeyRecordWithParent = `{
	"Revoked":false,
	"ParentKeyMeta": {
		"KeyId":"_SK_api_ecomm",
		"Created":1551980040
	},
	"Key":"WXSRYxyx6YJgv/gCLuYmZo+tCILhPp+Fklx8rZPBH+56zu2hVoI8N8TVDyvi9u+H7akWLD6cYBvAtO5Z",
	"Created":1551980041
}`

	sqlKeyRecordMalformed = `{"Revoked": not valid json`
)

type SQLSuite struct {
	suite.Suite

	ctx  context.Context
	db   *sql.DB
	mock sqlmock.Sqlmock
	ms   *SQLMetastore
}

func (s *SQLSuite) SetupTest() {
	s.ctx = context.Background()

	db, mock, err := sqlmock.New()
	require.NoError(s.T(), err)

	s.db = db
	s.mock = mock
	s.ms = NewSQLMetastore(db)
}

func (s *SQLSuite) TearDownTest() {
	s.Require().NoError(s.mock.ExpectationsWereMet())
	s.db.Close()
}

func (s *SQLSuite) TestLoad_Found() {
	rows := sqlmock.NewRows([]string{"key_record"}).AddRow(sqlKeyRecordWithParent)

	s.mock.ExpectQuery(regexp.QuoteMeta(defaultLoadKeyQuery)).
		WithArgs(sqlKeyID, time.Unix(sqlCreated, 0)).
		WillReturnRows(rows)

	rec, err := s.ms.Load(s.ctx, sqlKeyID, sqlCreated)
	s.Require().NoError(err)
	s.Require().NotNil(rec)
	assert.Equal(s.T(), sqlCreated, rec.Created)
	assert.Equal(s.T(), "_SK_api_ecomm", rec.ParentKeyMeta.ID)
}

func (s *SQLSuite) TestLoad_NotFound() {
	s.mock.ExpectQuery(regexp.QuoteMeta(defaultLoadKeyQuery)).
		WithArgs(sqlKeyID, time.Unix(sqlCreated, 0)).
		WillReturnError(sql.ErrNoRows)

	rec, err := s.ms.Load(s.ctx, sqlKeyID, sqlCreated)
	s.Require().NoError(err)
	assert.Nil(s.T(), rec)
}

func (s *SQLSuite) TestLoad_MalformedRecord() {
	rows := sqlmock.NewRows([]string{"key_record"}).AddRow(sqlKeyRecordMalformed)

	s.mock.ExpectQuery(regexp.QuoteMeta(defaultLoadKeyQuery)).
		WithArgs(sqlKeyID, time.Unix(sqlCreated, 0)).
		WillReturnRows(rows)

	rec, err := s.ms.Load(s.ctx, sqlKeyID, sqlCreated)
	assert.Error(s.T(), err)
	assert.Nil(s.T(), rec)
}

func (s *SQLSuite) TestLoadLatest() {
	rows := sqlmock.NewRows([]string{"key_record"}).AddRow(sqlKeyRecordWithParent)

	s.mock.ExpectQuery(regexp.QuoteMeta(defaultLoadLatestQuery)).
		WithArgs(sqlKeyID).
		WillReturnRows(rows)

	rec, err := s.ms.LoadLatest(s.ctx, sqlKeyID)
	s.Require().NoError(err)
	s.Require().NotNil(rec)
	assert.Equal(s.T(), sqlCreated, rec.Created)
}

func (s *SQLSuite) TestStore() {
	rec := &envelope.EnvelopeKeyRecord{Created: sqlCreated, EncryptedKey: []byte("secret")}

	s.mock.ExpectExec(regexp.QuoteMeta(defaultStoreKeyQuery)).
		WithArgs(sqlKeyID, time.Unix(sqlCreated, 0), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	stored, err := s.ms.Store(s.ctx, sqlKeyID, sqlCreated, rec)
	s.Require().NoError(err)
	assert.True(s.T(), stored)
}

func (s *SQLSuite) TestStore_Error() {
	rec := &envelope.EnvelopeKeyRecord{Created: sqlCreated, EncryptedKey: []byte("secret")}

	s.mock.ExpectExec(regexp.QuoteMeta(defaultStoreKeyQuery)).
		WithArgs(sqlKeyID, time.Unix(sqlCreated, 0), sqlmock.AnyArg()).
		WillReturnError(sql.ErrTxDone)

	stored, err := s.ms.Store(s.ctx, sqlKeyID, sqlCreated, rec)
	assert.Error(s.T(), err)
	assert.False(s.T(), stored)
}

func TestSQLSuite(t *testing.T) {
	suite.Run(t, new(SQLSuite))
}

func TestDBTypePlaceholders(t *testing.T) {
	assert.Equal(t, "SELECT * FROM t WHERE id = $1", Postgres.q("SELECT * FROM t WHERE id = ?"))
	assert.Equal(t, "SELECT * FROM t WHERE id = :1", Oracle.q("SELECT * FROM t WHERE id = ?"))
	assert.Equal(t, "SELECT * FROM t WHERE id = ?", MySQL.q("SELECT * FROM t WHERE id = ?"))
}

func TestOpenMySQL_ParsesDSNWithoutDialing(t *testing.T) {
	store, err := OpenMySQL("user:pass@tcp(127.0.0.1:3306)/asherah")
	require.NoError(t, err)
	require.NotNil(t, store)
	assert.Equal(t, DefaultDBType, store.dbType)
}

func TestOpenMySQL_InvalidDSN(t *testing.T) {
	_, err := OpenMySQL("not a valid dsn")
	assert.Error(t, err)
}
