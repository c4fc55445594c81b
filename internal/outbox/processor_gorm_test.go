package outbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/elskow/warden/internal/config"
	"github.com/elskow/warden/internal/metrics"
	"github.com/elskow/warden/internal/model"
	"github.com/elskow/warden/internal/provisioning"
	"github.com/elskow/warden/internal/store"
)

func newGormProcessor(t *testing.T, client provisioning.Client, now time.Time) (*Processor, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)

	log := zap.NewNop()
	cfg := &config.OutboxConfig{Enabled: true, BatchSize: 10}
	p := NewProcessor(cfg, store.NewGormStore(db), NewProvisionHandler(client, log), metrics.New(), log,
		WithClock(func() time.Time { return now }))
	return p, mock
}

func outboxRow(t *testing.T, rows *sqlmock.Rows, id, userID string, createdAt time.Time) {
	t.Helper()
	payload, err := json.Marshal(model.ProvisionOrganizationPayload{
		UserID:           userID,
		OrganizationName: "Acme",
		Email:            userID + "@example.com",
	})
	require.NoError(t, err)
	rows.AddRow(id, string(model.OutboxTypeProvisionOrganization), string(payload), userID,
		createdAt, nil, 0, 5, "", nil, false, "corr-"+id)
}

func userRows(id string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "email", "password_hash", "active", "status"}).
		AddRow(id, id+"@example.com", "hash", true, string(model.UserStatusPendingProvisioning))
}

func TestRunOnce_StatementFailureIsolatedToMessage(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	client := clientFunc(func(_ context.Context, req provisioning.Request, _ string) (provisioning.Organization, error) {
		return provisioning.Organization{ID: "org-" + req.OwnerUserID, Name: req.Name}, nil
	})
	p, mock := newGormProcessor(t, client, now)

	rows := sqlmock.NewRows([]string{
		"id", "type", "payload", "related_entity_id", "created_at", "processed_at",
		"retry_count", "max_retries", "last_error", "next_retry_at", "failed", "correlation_id",
	})
	outboxRow(t, rows, "msg-1", "user-1", now.Add(-2*time.Minute))
	outboxRow(t, rows, "msg-2", "user-2", now.Add(-time.Minute))

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "outbox_messages" WHERE .* FOR UPDATE SKIP LOCKED`).
		WillReturnRows(rows)

	mock.ExpectExec(`^SAVEPOINT sp`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT \* FROM "users" WHERE id = `).WillReturnRows(userRows("user-1"))
	mock.ExpectExec(`UPDATE "users" SET`).
		WillReturnError(&pgconn.PgError{Code: "40P01", Message: "deadlock detected"})
	mock.ExpectExec(`^ROLLBACK TO SAVEPOINT sp`).WillReturnResult(sqlmock.NewResult(0, 0))

	mock.ExpectExec(`^SAVEPOINT sp`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT \* FROM "users" WHERE id = `).WillReturnRows(userRows("user-2"))
	mock.ExpectExec(`UPDATE "users" SET`).WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectExec(`UPDATE "outbox_messages" SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE "outbox_messages" SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	stats, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Claimed)
	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, 1, stats.Retried)
	assert.Zero(t, stats.Failed)
	assert.NoError(t, mock.ExpectationsWereMet())
}
