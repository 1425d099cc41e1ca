package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
)

// PostgresRepository stores actions in a single `actions` table. Claim relies
// on FOR UPDATE SKIP LOCKED so concurrent workers never block on each other's
// in-flight rows.
type PostgresRepository struct {
	db *sql.DB
	sb sq.StatementBuilderType
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{
		db: db,
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

const actionColumns = `id, owner_id, parent_action_id, action_type, action_target, action_payload, action_config, status, priority, urgency, scheduled_for, execute_after, expires_at, requires_approval, approval_status, approval_note, max_attempts, attempt, backoff_schedule, last_attempt_at, next_retry_at, depends_on, dependency_mode, result, error_code, error_message, created_at, updated_at, completed_at`

func (p *PostgresRepository) Insert(ctx context.Context, a *Action) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Insert")
	defer span.End()
	start := time.Now()

	_, err := p.db.ExecContext(ctx,
		`INSERT INTO actions (`+actionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		         $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29)`,
		a.ID, a.OwnerID, nullString(a.ParentActionID), a.ActionType, a.ActionTarget,
		rawOrNull(a.ActionPayload), rawOrNull(a.ActionConfig), a.Status, a.Priority, a.Urgency,
		a.ScheduledFor, a.ExecuteAfter, a.ExpiresAt,
		a.RequiresApproval, nullString(string(a.ApprovalStatus)), nullString(a.ApprovalNote),
		a.MaxAttempts, a.Attempt, pq.Array(durationsToSeconds(a.BackoffSchedule)), a.LastAttemptAt, a.NextRetryAt,
		pq.Array(a.DependsOn), nullString(string(a.DependencyMode)), rawOrNull(a.Result), nil, nil,
		a.CreatedAt, a.UpdatedAt, a.CompletedAt)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("insert action: %w", err)
	}

	addDBStatsToSpan(span, "Insert", 1, time.Since(start))
	return nil
}

func (p *PostgresRepository) Get(ctx context.Context, id string) (*Action, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Get")
	defer span.End()

	row := p.db.QueryRowContext(ctx,
		`SELECT `+actionColumns+` FROM actions WHERE id = $1`, id)
	a, err := scanAction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return a, nil
}

func (p *PostgresRepository) List(ctx context.Context, f ListFilter) ([]*Action, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "List")
	defer span.End()
	start := time.Now()

	q := p.sb.Select(actionColumns).From("actions").
		OrderBy("priority ASC", "created_at ASC")
	if f.OwnerID != "" {
		q = q.Where(sq.Eq{"owner_id": f.OwnerID})
	}
	if len(f.Statuses) > 0 {
		q = q.Where(sq.Eq{"status": f.Statuses})
	}
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer rows.Close()

	actions, err := scanActions(rows)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	addDBStatsToSpan(span, "List", len(actions), time.Since(start))
	return actions, nil
}

func (p *PostgresRepository) StatusesOf(ctx context.Context, ids []string) (map[string]Status, error) {
	statuses := make(map[string]Status, len(ids))
	if len(ids) == 0 {
		return statuses, nil
	}

	rows, err := p.db.QueryContext(ctx,
		`SELECT id, status FROM actions WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var status Status
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		statuses[id] = status
	}
	return statuses, rows.Err()
}

// Claim locks a window of gate-passing rows with SKIP LOCKED, resolves each
// candidate's dependencies inside the same transaction and flips the first
// satisfied one to in_progress. Rows another worker holds are skipped, never
// waited on.
func (p *PostgresRepository) Claim(ctx context.Context, now time.Time) (*Action, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Claim")
	defer span.End()
	start := time.Now()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+actionColumns+` FROM actions
		 WHERE status IN ('queued', 'scheduled')
		   AND (scheduled_for IS NULL OR scheduled_for <= $1)
		   AND (execute_after IS NULL OR execute_after <= $1)
		   AND (next_retry_at IS NULL OR next_retry_at <= $1)
		   AND (expires_at IS NULL OR expires_at > $1)
		   AND (requires_approval = false OR approval_status IN ('approved', 'auto_approved'))
		 ORDER BY priority ASC, created_at ASC
		 FOR UPDATE SKIP LOCKED
		 LIMIT $2`, now, candidateScanLimit)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	candidates, err := scanActions(rows)
	rows.Close()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	for _, a := range candidates {
		satisfied, err := p.dependenciesSatisfiedTx(ctx, tx, a)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		if !satisfied {
			continue
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE actions SET status = 'in_progress', updated_at = $1 WHERE id = $2`,
			now, a.ID); err != nil {
			span.RecordError(err)
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			span.RecordError(err)
			return nil, err
		}

		a.Status = StatusInProgress
		a.UpdatedAt = now
		addDBStatsToSpan(span, "Claim", 1, time.Since(start))
		return a, nil
	}

	addDBStatsToSpan(span, "Claim", 0, time.Since(start))
	return nil, ErrNoCandidates
}

func (p *PostgresRepository) dependenciesSatisfiedTx(ctx context.Context, tx *sql.Tx, a *Action) (bool, error) {
	if len(a.DependsOn) == 0 {
		return true, nil
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT id, status FROM actions WHERE id = ANY($1)`, pq.Array(a.DependsOn))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	statuses := make(map[string]Status, len(a.DependsOn))
	for rows.Next() {
		var id string
		var status Status
		if err := rows.Scan(&id, &status); err != nil {
			return false, err
		}
		statuses[id] = status
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	return DependenciesSatisfied(a, statuses), nil
}

func (p *PostgresRepository) MarkCompleted(ctx context.Context, id string, result json.RawMessage, now time.Time) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "MarkCompleted")
	defer span.End()

	res, err := p.db.ExecContext(ctx,
		`UPDATE actions SET status = 'completed', result = $1, error_code = NULL, error_message = NULL, next_retry_at = NULL, completed_at = $2, updated_at = $2 WHERE id = $3 AND status = 'in_progress'`,
		rawOrNull(result), now, id)
	if err != nil {
		span.RecordError(err)
		return err
	}
	return p.requireClaimed(ctx, res, id)
}

func (p *PostgresRepository) MarkFailed(ctx context.Context, id string, attempt int, errInfo ErrorInfo, now time.Time) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "MarkFailed")
	defer span.End()

	res, err := p.db.ExecContext(ctx,
		`UPDATE actions SET status = 'failed', attempt = $1, error_code = $2, error_message = $3, next_retry_at = NULL, last_attempt_at = $4, updated_at = $4 WHERE id = $5 AND status = 'in_progress'`,
		attempt, errInfo.Code, errInfo.Message, now, id)
	if err != nil {
		span.RecordError(err)
		return err
	}
	return p.requireClaimed(ctx, res, id)
}

func (p *PostgresRepository) Reschedule(ctx context.Context, id string, attempt int, nextRetryAt time.Time, errInfo ErrorInfo, now time.Time) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Reschedule")
	defer span.End()

	res, err := p.db.ExecContext(ctx,
		`UPDATE actions SET status = 'queued', attempt = $1, error_code = $2, error_message = $3, next_retry_at = $4, last_attempt_at = $5, updated_at = $5 WHERE id = $6 AND status = 'in_progress'`,
		attempt, errInfo.Code, errInfo.Message, nextRetryAt, now, id)
	if err != nil {
		span.RecordError(err)
		return err
	}
	return p.requireClaimed(ctx, res, id)
}

// requireClaimed turns a zero-row finishing update into the right sentinel:
// the action either vanished or a concurrent transition (cancel, expiry)
// already finalized it.
func (p *PostgresRepository) requireClaimed(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	current, err := p.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return ErrTerminalStatus
	}
	return fmt.Errorf("action %s is %s, not in_progress", id, current.Status)
}

func (p *PostgresRepository) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ExpireOverdue")
	defer span.End()
	start := time.Now()

	res, err := p.db.ExecContext(ctx,
		`UPDATE actions SET status = 'expired', updated_at = $1 WHERE status IN ('queued', 'scheduled') AND expires_at IS NOT NULL AND expires_at <= $1`,
		now)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	addDBStatsToSpan(span, "ExpireOverdue", int(n), time.Since(start))
	return n, nil
}

func (p *PostgresRepository) PendingApprovals(ctx context.Context, ownerID string) ([]*Action, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "PendingApprovals")
	defer span.End()

	rows, err := p.db.QueryContext(ctx,
		`SELECT `+actionColumns+` FROM actions
		 WHERE owner_id = $1 AND requires_approval = true AND approval_status = 'pending'
		 ORDER BY priority ASC, created_at ASC`, ownerID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer rows.Close()
	return scanActions(rows)
}

func (p *PostgresRepository) SetApproval(ctx context.Context, id string, status ApprovalStatus, note string) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "SetApproval")
	defer span.End()

	res, err := p.db.ExecContext(ctx,
		`UPDATE actions SET approval_status = $1, approval_note = $2, updated_at = $3 WHERE id = $4 AND approval_status = 'pending'`,
		status, note, time.Now(), id)
	if err != nil {
		span.RecordError(err)
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := p.Get(ctx, id); err != nil {
		return err
	}
	return ErrApprovalNotPending
}

func (p *PostgresRepository) Cancel(ctx context.Context, id string) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Cancel")
	defer span.End()

	res, err := p.db.ExecContext(ctx,
		`UPDATE actions SET status = 'cancelled', updated_at = $1 WHERE id = $2 AND status IN ('queued', 'scheduled', 'in_progress')`,
		time.Now(), id)
	if err != nil {
		span.RecordError(err)
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := p.Get(ctx, id); err != nil {
		return err
	}
	return ErrTerminalStatus
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAction(row rowScanner) (*Action, error) {
	var (
		a              Action
		parentID       sql.NullString
		payload        []byte
		config         []byte
		approvalStatus sql.NullString
		approvalNote   sql.NullString
		backoff        pq.Int64Array
		dependsOn      pq.StringArray
		depMode        sql.NullString
		result         []byte
		errCode        sql.NullString
		errMessage     sql.NullString
		scheduledFor   sql.NullTime
		executeAfter   sql.NullTime
		expiresAt      sql.NullTime
		lastAttemptAt  sql.NullTime
		nextRetryAt    sql.NullTime
		completedAt    sql.NullTime
	)

	err := row.Scan(
		&a.ID, &a.OwnerID, &parentID, &a.ActionType, &a.ActionTarget,
		&payload, &config, &a.Status, &a.Priority, &a.Urgency,
		&scheduledFor, &executeAfter, &expiresAt,
		&a.RequiresApproval, &approvalStatus, &approvalNote,
		&a.MaxAttempts, &a.Attempt, &backoff, &lastAttemptAt, &nextRetryAt,
		&dependsOn, &depMode, &result, &errCode, &errMessage,
		&a.CreatedAt, &a.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	a.ParentActionID = parentID.String
	a.ActionPayload = payload
	a.ActionConfig = config
	a.ApprovalStatus = ApprovalStatus(approvalStatus.String)
	a.ApprovalNote = approvalNote.String
	a.BackoffSchedule = secondsToDurations(backoff)
	a.DependsOn = dependsOn
	a.DependencyMode = DependencyMode(depMode.String)
	a.Result = result
	if errCode.Valid {
		a.Error = &ErrorInfo{Code: errCode.String, Message: errMessage.String}
	}
	a.ScheduledFor = timePtr(scheduledFor)
	a.ExecuteAfter = timePtr(executeAfter)
	a.ExpiresAt = timePtr(expiresAt)
	a.LastAttemptAt = timePtr(lastAttemptAt)
	a.NextRetryAt = timePtr(nextRetryAt)
	a.CompletedAt = timePtr(completedAt)
	return &a, nil
}

func scanActions(rows *sql.Rows) ([]*Action, error) {
	var actions []*Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

func durationsToSeconds(ds []time.Duration) []int64 {
	out := make([]int64, len(ds))
	for i, d := range ds {
		out[i] = int64(d / time.Second)
	}
	return out
}

func secondsToDurations(secs []int64) []time.Duration {
	if len(secs) == 0 {
		return nil
	}
	out := make([]time.Duration, len(secs))
	for i, s := range secs {
		out[i] = time.Duration(s) * time.Second
	}
	return out
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func rawOrNull(r json.RawMessage) interface{} {
	if len(r) == 0 {
		return nil
	}
	return []byte(r)
}
