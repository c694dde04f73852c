package store

import (
	"context"
	"database/sql"
	"log/slog"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allisson/tokenfield/internal/engine"
	apperrors "github.com/allisson/tokenfield/internal/errors"
	"github.com/allisson/tokenfield/internal/gateway"
	"github.com/allisson/tokenfield/internal/record"
	"github.com/allisson/tokenfield/internal/registry"
	"github.com/allisson/tokenfield/internal/search"
)

// stubGateway is a function-backed gateway.Client, handy where the returned
// values depend on the request (store-generated identifiers).
type stubGateway struct {
	encrypt func(ctx context.Context, items []gateway.EncryptItem) (map[string]string, error)
	decrypt func(ctx context.Context, tokens []string) (map[string]string, error)
	search  func(ctx context.Context, value string) ([]string, error)
}

func (s *stubGateway) EncryptBatch(
	ctx context.Context,
	items []gateway.EncryptItem,
) (map[string]string, error) {
	if s.encrypt == nil {
		return map[string]string{}, nil
	}
	return s.encrypt(ctx, items)
}

func (s *stubGateway) DecryptBatch(ctx context.Context, tokens []string) (map[string]string, error) {
	if s.decrypt == nil {
		return map[string]string{}, nil
	}
	return s.decrypt(ctx, tokens)
}

func (s *stubGateway) SearchTokens(ctx context.Context, value string) ([]string, error) {
	if s.search == nil {
		return nil, nil
	}
	return s.search(ctx, value)
}

var testColumns = []string{
	"first_name", "first_name_token",
	"email", "email_token",
	"details", "details_token",
}

func testStoreRegistry(t *testing.T) *registry.Registry {
	t.Helper()

	reg, err := registry.New(registry.Config{
		EntityType: func(rec record.Record) string { return "person" },
		EntityID: func(rec record.Record) string {
			if id := rec.ReadRawAttribute("id"); id != nil {
				return *id
			}
			return ""
		},
		Fields: []registry.Field{
			{Name: "first_name", PIIType: "NAME"},
			{Name: "email", PIIType: "EMAIL"},
		},
		JSONFields: []registry.JSONField{
			{Column: "details", Keys: map[string]registry.PIIType{"ssn": "SSN"}},
		},
	})
	require.NoError(t, err)
	return reg
}

func newTestStore(t *testing.T, gw gateway.Client) (*Store, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger := slog.New(slog.DiscardHandler)
	reg := testStoreRegistry(t)
	eng := engine.New(reg, gw, logger)

	store, err := New(db, eng, search.NewAdapter(reg, gw), Config{
		Table:   "people",
		Columns: testColumns,
	}, logger)
	require.NoError(t, err)

	return store, mock, db
}

func TestNew(t *testing.T) {
	t.Run("missing table is a config error", func(t *testing.T) {
		_, err := New(nil, nil, nil, Config{Columns: testColumns}, nil)
		assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)
	})

	t.Run("missing columns is a config error", func(t *testing.T) {
		_, err := New(nil, nil, nil, Config{Table: "people"}, nil)
		assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)
	})
}

const selectQuery = "SELECT id, first_name, first_name_token, email, email_token, " +
	"details, details_token FROM people WHERE id = $1"

func TestStore_Find(t *testing.T) {
	ctx := context.Background()

	t.Run("loads attributes with NULL handling", func(t *testing.T) {
		store, mock, _ := newTestStore(t, &stubGateway{})

		rows := sqlmock.NewRows([]string{
			"id", "first_name", "first_name_token",
			"email", "email_token", "details", "details_token",
		}).AddRow("42", nil, "tok_1", nil, "tok_2", `{"ssn":"123"}`, `{"ssn":"tok_ssn"}`)

		mock.ExpectQuery(selectQuery).WithArgs("42").WillReturnRows(rows)

		row, err := store.Find(ctx, "42")
		require.NoError(t, err)
		assert.Equal(t, "42", row.ID())
		assert.False(t, row.IsNewRecord())
		assert.Nil(t, row.ReadRawAttribute("first_name"))
		require.NotNil(t, row.ReadRawAttribute("first_name_token"))
		assert.Equal(t, "tok_1", *row.ReadRawAttribute("first_name_token"))
		assert.False(t, row.IsDirty("first_name_token"))

		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown id yields not found", func(t *testing.T) {
		store, mock, _ := newTestStore(t, &stubGateway{})

		mock.ExpectQuery(selectQuery).WithArgs("missing").WillReturnError(sql.ErrNoRows)

		_, err := store.Find(ctx, "missing")
		assert.ErrorIs(t, err, apperrors.ErrNotFound)

		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_Save_Insert(t *testing.T) {
	ctx := context.Background()

	// the entity id resolver reads the primary key, which only exists after
	// the insert, so the save runs in two phases inside one transaction
	gw := &stubGateway{
		encrypt: func(ctx context.Context, items []gateway.EncryptItem) (map[string]string, error) {
			tokens := make(map[string]string, len(items))
			for _, item := range items {
				tokens[item.Key()] = "token_for_" + item.PIIField
			}
			return tokens, nil
		},
	}
	store, mock, _ := newTestStore(t, gw)

	row := store.NewRow()
	row.Set("first_name", strptr("Jane"))

	mock.ExpectBegin()
	mock.ExpectExec(
		"INSERT INTO people (id, first_name, first_name_token, email, email_token, "+
			"details, details_token) VALUES ($1, $2, $3, $4, $5, $6, $7)",
	).WithArgs(
		sqlmock.AnyArg(), "Jane", nil, nil, nil, nil, nil,
	).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(
		"UPDATE people SET first_name = $1, first_name_token = $2 WHERE id = $3",
	).WithArgs(
		nil, "token_for_Jane", sqlmock.AnyArg(),
	).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.Save(ctx, row))

	assert.False(t, row.IsNewRecord())
	assert.NotEmpty(t, row.ID())
	require.NotNil(t, row.ReadRawAttribute("first_name_token"))
	assert.Equal(t, "token_for_Jane", *row.ReadRawAttribute("first_name_token"))
	assert.Nil(t, row.ReadRawAttribute("first_name"))

	// the assigned value reads back from the cache with no decrypt call
	value, err := row.Get(ctx, "first_name")
	require.NoError(t, err)
	require.NotNil(t, value)
	assert.Equal(t, "Jane", *value)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Save_Update(t *testing.T) {
	ctx := context.Background()

	gw := &stubGateway{
		encrypt: func(ctx context.Context, items []gateway.EncryptItem) (map[string]string, error) {
			tokens := make(map[string]string, len(items))
			for _, item := range items {
				tokens[item.Key()] = "token_for_" + item.PIIField
			}
			return tokens, nil
		},
	}
	store, mock, _ := newTestStore(t, gw)

	rows := sqlmock.NewRows([]string{
		"id", "first_name", "first_name_token",
		"email", "email_token", "details", "details_token",
	}).AddRow("42", nil, "tok_1", nil, "tok_2", nil, nil)
	mock.ExpectQuery(selectQuery).WithArgs("42").WillReturnRows(rows)

	row, err := store.Find(ctx, "42")
	require.NoError(t, err)

	row.Set("email", strptr("new@x.com"))

	// the identifier already exists, tokens travel with the UPDATE itself
	mock.ExpectBegin()
	mock.ExpectExec(
		"UPDATE people SET email = $1, email_token = $2 WHERE id = $3",
	).WithArgs(
		nil, "token_for_new@x.com", "42",
	).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.Save(ctx, row))

	require.NotNil(t, row.ReadRawAttribute("email_token"))
	assert.Equal(t, "token_for_new@x.com", *row.ReadRawAttribute("email_token"))
	assert.False(t, row.IsDirty("email"))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Save_CleanRowIsANoOp(t *testing.T) {
	ctx := context.Background()

	store, mock, _ := newTestStore(t, &stubGateway{})

	rows := sqlmock.NewRows([]string{
		"id", "first_name", "first_name_token",
		"email", "email_token", "details", "details_token",
	}).AddRow("42", nil, "tok_1", nil, "tok_2", nil, nil)
	mock.ExpectQuery(selectQuery).WithArgs("42").WillReturnRows(rows)

	row, err := store.Find(ctx, "42")
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectCommit()

	require.NoError(t, store.Save(ctx, row))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_FindBy(t *testing.T) {
	ctx := context.Background()

	t.Run("tokenized predicate queries the token column", func(t *testing.T) {
		gw := &stubGateway{
			search: func(ctx context.Context, value string) ([]string, error) {
				assert.Equal(t, "jane@x.com", value)
				return []string{"tok_a", "tok_b"}, nil
			},
		}
		store, mock, _ := newTestStore(t, gw)

		rows := sqlmock.NewRows([]string{
			"id", "first_name", "first_name_token",
			"email", "email_token", "details", "details_token",
		}).AddRow("42", nil, "tok_1", nil, "tok_a", nil, nil)

		mock.ExpectQuery(
			"SELECT id, first_name, first_name_token, email, email_token, details, "+
				"details_token FROM people WHERE email_token IN ($1, $2) ORDER BY id",
		).WithArgs("tok_a", "tok_b").WillReturnRows(rows)

		result, err := store.FindBy(ctx, map[string]any{"email": "jane@x.com"})
		require.NoError(t, err)
		require.Len(t, result, 1)
		assert.Equal(t, "42", result[0].ID())

		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no known tokens skips the database", func(t *testing.T) {
		gw := &stubGateway{
			search: func(ctx context.Context, value string) ([]string, error) {
				return nil, nil
			},
		}
		store, mock, _ := newTestStore(t, gw)

		result, err := store.FindBy(ctx, map[string]any{"email": "nobody@x.com"})
		require.NoError(t, err)
		assert.Empty(t, result)

		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("plain predicates pass through", func(t *testing.T) {
		store, mock, _ := newTestStore(t, &stubGateway{})

		rows := sqlmock.NewRows([]string{
			"id", "first_name", "first_name_token",
			"email", "email_token", "details", "details_token",
		})

		mock.ExpectQuery(
			"SELECT id, first_name, first_name_token, email, email_token, details, "+
				"details_token FROM people WHERE id = $1 ORDER BY id",
		).WithArgs("42").WillReturnRows(rows)

		result, err := store.FindBy(ctx, map[string]any{"id": "42"})
		require.NoError(t, err)
		assert.Empty(t, result)

		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_Preload(t *testing.T) {
	ctx := context.Background()

	decryptCalls := 0
	gw := &stubGateway{
		decrypt: func(ctx context.Context, tokens []string) (map[string]string, error) {
			decryptCalls++
			return map[string]string{"tok_1": "Alice", "tok_3": "Bob"}, nil
		},
	}
	store, mock, _ := newTestStore(t, gw)

	rowsA := sqlmock.NewRows([]string{
		"id", "first_name", "first_name_token",
		"email", "email_token", "details", "details_token",
	}).AddRow("1", nil, "tok_1", nil, nil, nil, nil)
	rowsB := sqlmock.NewRows([]string{
		"id", "first_name", "first_name_token",
		"email", "email_token", "details", "details_token",
	}).AddRow("2", nil, "tok_3", nil, nil, nil, nil)

	mock.ExpectQuery(selectQuery).WithArgs("1").WillReturnRows(rowsA)
	mock.ExpectQuery(selectQuery).WithArgs("2").WillReturnRows(rowsB)

	rowA, err := store.Find(ctx, "1")
	require.NoError(t, err)
	rowB, err := store.Find(ctx, "2")
	require.NoError(t, err)

	require.NoError(t, store.Preload(ctx, []*Row{rowA, rowB}))
	assert.Equal(t, 1, decryptCalls)

	value, err := rowA.Get(ctx, "first_name")
	require.NoError(t, err)
	assert.Equal(t, "Alice", *value)

	value, err = rowB.Get(ctx, "first_name")
	require.NoError(t, err)
	assert.Equal(t, "Bob", *value)

	assert.Equal(t, 1, decryptCalls)
	require.NoError(t, mock.ExpectationsWereMet())
}

func strptr(s string) *string { return &s }
