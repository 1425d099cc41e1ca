package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var actionColumnList = []string{
	"id", "owner_id", "parent_action_id", "action_type", "action_target",
	"action_payload", "action_config", "status", "priority", "urgency",
	"scheduled_for", "execute_after", "expires_at",
	"requires_approval", "approval_status", "approval_note",
	"max_attempts", "attempt", "backoff_schedule", "last_attempt_at", "next_retry_at",
	"depends_on", "dependency_mode", "result", "error_code", "error_message",
	"created_at", "updated_at", "completed_at",
}

func actionRow(rows *sqlmock.Rows, id, status string, priority int, dependsOn string, createdAt time.Time) *sqlmock.Rows {
	return rows.AddRow(
		id, "owner-1", nil, "api_call", "https://example.com/hook",
		[]byte(`{"k":"v"}`), nil, status, priority, "medium",
		nil, nil, nil,
		false, nil, nil,
		3, 0, []byte("{10,30,60}"), nil, nil,
		[]byte(dependsOn), nil, nil, nil, nil,
		createdAt, createdAt, nil,
	)
}

func TestPostgresClaim_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)
	now := time.Now().UTC()

	rows := actionRow(sqlmock.NewRows(actionColumnList), "a1", "queued", 1, "{}", now.Add(-time.Minute))

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM actions WHERE status IN \('queued', 'scheduled'\)(.+)FOR UPDATE SKIP LOCKED`).
		WithArgs(now, candidateScanLimit).
		WillReturnRows(rows)
	mock.ExpectExec(`UPDATE actions SET status = 'in_progress', updated_at = (.+) WHERE id = (.+)`).
		WithArgs(now, "a1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	claimed, err := repo.Claim(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, "a1", claimed.ID)
	assert.Equal(t, StatusInProgress, claimed.Status)
	assert.Equal(t, []time.Duration{10 * time.Second, 30 * time.Second, 60 * time.Second}, claimed.BackoffSchedule)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresClaim_NoCandidates(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM actions WHERE status IN \('queued', 'scheduled'\)`).
		WithArgs(now, candidateScanLimit).
		WillReturnRows(sqlmock.NewRows(actionColumnList))
	mock.ExpectRollback()

	_, err = repo.Claim(context.Background(), now)
	assert.ErrorIs(t, err, ErrNoCandidates)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresClaim_SkipsUnsatisfiedDependency(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)
	now := time.Now().UTC()

	rows := actionRow(sqlmock.NewRows(actionColumnList), "child", "queued", 1, "{dep1}", now.Add(-time.Minute))

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM actions WHERE status IN \('queued', 'scheduled'\)`).
		WithArgs(now, candidateScanLimit).
		WillReturnRows(rows)
	mock.ExpectQuery(`SELECT id, status FROM actions WHERE id = ANY`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).AddRow("dep1", "queued"))
	mock.ExpectRollback()

	_, err = repo.Claim(context.Background(), now)
	assert.ErrorIs(t, err, ErrNoCandidates)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMarkCompleted(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)
	now := time.Now().UTC()

	mock.ExpectExec(`UPDATE actions SET status = 'completed'(.+)WHERE id = (.+) AND status = 'in_progress'`).
		WithArgs([]byte(`{"ok":true}`), now, "a1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.MarkCompleted(context.Background(), "a1", []byte(`{"ok":true}`), now)
	assert.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMarkCompleted_TerminalWins(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)
	now := time.Now().UTC()

	mock.ExpectExec(`UPDATE actions SET status = 'completed'`).
		WithArgs(nil, now, "a1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	// Zero rows affected triggers a re-read to classify the conflict.
	mock.ExpectQuery(`SELECT (.+) FROM actions WHERE id = `).
		WithArgs("a1").
		WillReturnRows(actionRow(sqlmock.NewRows(actionColumnList), "a1", "cancelled", 5, "{}", now))

	err = repo.MarkCompleted(context.Background(), "a1", nil, now)
	assert.ErrorIs(t, err, ErrTerminalStatus)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReschedule(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)
	now := time.Now().UTC()
	retryAt := now.Add(30 * time.Second)

	mock.ExpectExec(`UPDATE actions SET status = 'queued', attempt = (.+) AND status = 'in_progress'`).
		WithArgs(1, "execution_error", "boom", retryAt, now, "a1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.Reschedule(context.Background(), "a1", 1, retryAt, ErrorInfo{Code: "execution_error", Message: "boom"}, now)
	assert.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresExpireOverdue(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)
	now := time.Now().UTC()

	mock.ExpectExec(`UPDATE actions SET status = 'expired'`).
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.ExpireOverdue(context.Background(), now)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), n)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGet_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)

	mock.ExpectQuery(`SELECT (.+) FROM actions WHERE id = `).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(actionColumnList))

	_, err = repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSetApproval_NotPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)
	now := time.Now().UTC()

	mock.ExpectExec(`UPDATE actions SET approval_status = (.+) AND approval_status = 'pending'`).
		WithArgs(ApprovalApproved, "late", sqlmock.AnyArg(), "a1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT (.+) FROM actions WHERE id = `).
		WithArgs("a1").
		WillReturnRows(actionRow(sqlmock.NewRows(actionColumnList), "a1", "queued", 5, "{}", now))

	err = repo.SetApproval(context.Background(), "a1", ApprovalApproved, "late")
	assert.ErrorIs(t, err, ErrApprovalNotPending)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresList_BuildsFilteredQuery(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)
	now := time.Now().UTC()

	rows := actionRow(sqlmock.NewRows(actionColumnList), "a1", "queued", 5, "{}", now)
	mock.ExpectQuery(`SELECT (.+) FROM actions WHERE owner_id = (.+) ORDER BY priority ASC, created_at ASC LIMIT 10`).
		WithArgs("owner-1", "queued").
		WillReturnRows(rows)

	out, err := repo.List(context.Background(), ListFilter{
		OwnerID:  "owner-1",
		Statuses: []Status{StatusQueued},
		Limit:    10,
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "a1", out[0].ID)

	assert.NoError(t, mock.ExpectationsWereMet())
}
