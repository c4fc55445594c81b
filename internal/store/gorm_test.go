package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func newMockStore(t *testing.T) (Store, sqlmock.Sqlmock) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)
	return NewGormStore(db), mock
}

func TestGormStore_MarkUsed(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		want     bool
	}{
		{name: "first caller wins", affected: 1, want: true},
		{name: "already used", affected: 0, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStore(t)
			mock.ExpectExec(`UPDATE "refresh_tokens" SET .*used.* WHERE .*used = .* AND revoked = `).
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			next := "next"
			ok, err := s.RefreshTokens().MarkUsed(context.Background(), "tok", &next, time.Now())
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestGormStore_RecordFailedAttempt(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		want     bool
	}{
		{name: "limit reached", affected: 1, want: true},
		{name: "below limit", affected: 0, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStore(t)
			mock.ExpectExec(`UPDATE "refresh_tokens" SET "failed_attempts"=failed_attempts \+ 1 WHERE .*revoked = `).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec(`UPDATE "refresh_tokens" SET .*revoked.* WHERE .*failed_attempts >= `).
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			revoked, err := s.RefreshTokens().RecordFailedAttempt(context.Background(), "ticket", 5, time.Now())
			require.NoError(t, err)
			assert.Equal(t, tt.want, revoked)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestGormStore_AdvanceTotpStep(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		want     bool
	}{
		{name: "newer step", affected: 1, want: true},
		{name: "replayed step", affected: 0, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStore(t)
			mock.ExpectExec(`UPDATE "mfa_secrets" SET .*last_totp_step.* WHERE .*last_totp_step < `).
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			ok, err := s.MFA().AdvanceTotpStep(context.Background(), "u1", 58340000)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestGormStore_RevokeAllForUser(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE "refresh_tokens" SET .* WHERE .*user_id = `).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.RefreshTokens().RevokeAllForUser(context.Background(), "u1", "reuse_detected", time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStore_GetByEmailNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT \* FROM "users" WHERE email = `).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email"}))

	_, err := s.Users().GetByEmail(context.Background(), "Nobody@Example.com")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStore_ClaimReadyLocksRows(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{"id", "type", "payload", "created_at", "retry_count", "max_retries", "failed"}).
		AddRow("01A", "provision_organization", `{"user_id":"u1"}`, now.Add(-time.Minute), 0, 5, false).
		AddRow("01B", "provision_organization", `{"user_id":"u2"}`, now, 1, 5, false)
	mock.ExpectQuery(`SELECT \* FROM "outbox_messages" WHERE .*processed_at IS NULL.* ORDER BY created_at ASC LIMIT .* FOR UPDATE SKIP LOCKED`).
		WillReturnRows(rows)

	msgs, err := s.Outbox().ClaimReady(context.Background(), now, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "01A", msgs[0].ID)
	assert.Equal(t, 1, msgs[1].RetryCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStore_RequeueUnknown(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE "outbox_messages" SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.Outbox().Requeue(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStore_WithinTx(t *testing.T) {
	t.Run("commit", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE "users" SET`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := s.WithinTx(context.Background(), func(tx Store) error {
			return tx.Users().Activate(context.Background(), "u1", "org-1")
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rollback", func(t *testing.T) {
		s, mock := newMockStore(t)
		boom := errors.New("boom")
		mock.ExpectBegin()
		mock.ExpectRollback()

		err := s.WithinTx(context.Background(), func(tx Store) error {
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestTranslateError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "nil", err: nil, want: nil},
		{name: "record not found", err: gorm.ErrRecordNotFound, want: ErrNotFound},
		{name: "unique violation", err: &pgconn.PgError{Code: "23505"}, want: ErrConflict},
		{name: "wrapped unique violation", err: fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), want: ErrConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := translateError(tt.err)
			if tt.want == nil {
				assert.NoError(t, got)
				return
			}
			assert.ErrorIs(t, got, tt.want)
		})
	}

	other := &pgconn.PgError{Code: "23503"}
	assert.Same(t, other, translateError(other))
}
