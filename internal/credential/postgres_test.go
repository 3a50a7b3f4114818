package credential

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/edvin/iotgate/internal/db/dbtest"
	"github.com/edvin/iotgate/internal/model"
)

func apiKeyScan(id, accountID string) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = id
		*(dest[1].(*string)) = accountID
		*(dest[2].(*string)) = "ci"
		*(dest[3].(*string)) = "hash-" + id
		*(dest[4].(*string)) = "iot_abcdefgh"
		*(dest[5].(*[]string)) = []string{model.ScopeDevicesRead}
		*(dest[6].(*string)) = "professional"
		*(dest[7].(*bool)) = true
		*(dest[8].(*time.Time)) = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		return nil
	}
}

func TestPostgresRepository_InsertWithinQuota(t *testing.T) {
	db := &dbtest.DB{}
	repo := NewPostgresRepository(db)
	ctx := context.Background()
	key := &model.APIKey{ID: "k1", AccountID: "a1", Name: "ci", KeyHash: "h", KeyPrefix: "iot_abcdefgh"}

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).Return(dbtest.Tag(1), nil).Once()

	ok, err := repo.InsertWithinQuota(ctx, key, 10)
	require.NoError(t, err)
	assert.True(t, ok)

	args := db.Calls[0].Arguments.Get(2).([]any)
	assert.Equal(t, 10, args[9])
	db.AssertExpectations(t)
}

func TestPostgresRepository_InsertWithinQuota_AtLimit(t *testing.T) {
	db := &dbtest.DB{}
	repo := NewPostgresRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).Return(dbtest.Tag(0), nil)

	ok, err := repo.InsertWithinQuota(ctx, &model.APIKey{ID: "k1"}, 10)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostgresRepository_InsertWithinQuota_Error(t *testing.T) {
	db := &dbtest.DB{}
	repo := NewPostgresRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).Return(dbtest.Tag(0), errors.New("db error"))

	_, err := repo.InsertWithinQuota(ctx, &model.APIKey{ID: "k1"}, 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert api key")
}

func TestPostgresRepository_GetByHash(t *testing.T) {
	db := &dbtest.DB{}
	repo := NewPostgresRepository(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), []any{"hash-k1"}).
		Return(&dbtest.Row{ScanFunc: apiKeyScan("k1", "a1")})

	k, err := repo.GetByHash(ctx, "hash-k1")
	require.NoError(t, err)
	assert.Equal(t, "k1", k.ID)
	assert.Equal(t, "a1", k.AccountID)
	assert.Equal(t, []string{model.ScopeDevicesRead}, k.Scopes)
	assert.True(t, k.Active)
}

func TestPostgresRepository_GetByHash_NotFound(t *testing.T) {
	db := &dbtest.DB{}
	repo := NewPostgresRepository(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).Return(dbtest.ErrRow(pgx.ErrNoRows))

	_, err := repo.GetByHash(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresRepository_GetByID_Error(t *testing.T) {
	db := &dbtest.DB{}
	repo := NewPostgresRepository(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).Return(dbtest.ErrRow(errors.New("conn reset")))

	_, err := repo.GetByID(ctx, "k1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "get api key k1")
}

func TestPostgresRepository_ListByAccount_HasMore(t *testing.T) {
	db := &dbtest.DB{}
	repo := NewPostgresRepository(db)
	ctx := context.Background()

	rows := dbtest.NewRows(apiKeyScan("k1", "a1"), apiKeyScan("k2", "a1"), apiKeyScan("k3", "a1"))
	db.On("Query", ctx, mock.AnythingOfType("string"), []any{"a1", "k0", 3}).Return(rows, nil)

	keys, hasMore, err := repo.ListByAccount(ctx, "a1", 2, "k0")
	require.NoError(t, err)
	assert.True(t, hasMore)
	require.Len(t, keys, 2)
	assert.Equal(t, "k2", keys[1].ID)
	db.AssertExpectations(t)
}

func TestPostgresRepository_ListByAccount_QueryError(t *testing.T) {
	db := &dbtest.DB{}
	repo := NewPostgresRepository(db)
	ctx := context.Background()

	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).Return(nil, errors.New("db error"))

	_, _, err := repo.ListByAccount(ctx, "a1", 50, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list api keys")
}

func TestPostgresRepository_ReplaceHash(t *testing.T) {
	db := &dbtest.DB{}
	repo := NewPostgresRepository(db)
	ctx := context.Background()
	now := time.Now()

	db.On("Exec", ctx, mock.AnythingOfType("string"), []any{"h2", "iot_zzzzzzzz", now, "k1"}).Return(dbtest.Tag(1), nil)

	ok, err := repo.ReplaceHash(ctx, "k1", "h2", "iot_zzzzzzzz", now)
	require.NoError(t, err)
	assert.True(t, ok)
	db.AssertExpectations(t)
}

func TestPostgresRepository_Revoke(t *testing.T) {
	db := &dbtest.DB{}
	repo := NewPostgresRepository(db)
	ctx := context.Background()
	now := time.Now()

	db.On("Exec", ctx, mock.AnythingOfType("string"), []any{now, "k1"}).Return(dbtest.Tag(1), nil)

	require.NoError(t, repo.Revoke(ctx, "k1", now))
	db.AssertExpectations(t)
}
