package store

import (
	"context"
	"encoding/json"
	"time"

	"cloud.google.com/go/spanner"
	"go.opentelemetry.io/otel"
	"google.golang.org/api/iterator"
)

// SpannerRepository stores actions in an `actions` table. Claim runs inside
// one read-write transaction; Spanner's external consistency gives the same
// exactly-once guarantee the postgres backend gets from row locks.
type SpannerRepository struct {
	client *spanner.Client
}

func NewSpannerRepository(client *spanner.Client) *SpannerRepository {
	return &SpannerRepository{client: client}
}

const spannerActionColumns = `id, owner_id, parent_action_id, action_type, action_target, action_payload, action_config, status, priority, urgency, scheduled_for, execute_after, expires_at, requires_approval, approval_status, approval_note, max_attempts, attempt, backoff_schedule, last_attempt_at, next_retry_at, depends_on, dependency_mode, result, error_code, error_message, created_at, updated_at, completed_at`

func (s *SpannerRepository) Insert(ctx context.Context, a *Action) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Insert")
	defer span.End()

	m := spanner.InsertMap("actions", map[string]interface{}{
		"id":                a.ID,
		"owner_id":          a.OwnerID,
		"parent_action_id":  nullableString(a.ParentActionID),
		"action_type":       a.ActionType,
		"action_target":     a.ActionTarget,
		"action_payload":    nullableString(string(a.ActionPayload)),
		"action_config":     nullableString(string(a.ActionConfig)),
		"status":            string(a.Status),
		"priority":          int64(a.Priority),
		"urgency":           string(a.Urgency),
		"scheduled_for":     nullableTime(a.ScheduledFor),
		"execute_after":     nullableTime(a.ExecuteAfter),
		"expires_at":        nullableTime(a.ExpiresAt),
		"requires_approval": a.RequiresApproval,
		"approval_status":   nullableString(string(a.ApprovalStatus)),
		"approval_note":     nullableString(a.ApprovalNote),
		"max_attempts":      int64(a.MaxAttempts),
		"attempt":           int64(a.Attempt),
		"backoff_schedule":  durationsToSeconds(a.BackoffSchedule),
		"last_attempt_at":   nullableTime(a.LastAttemptAt),
		"next_retry_at":     nullableTime(a.NextRetryAt),
		"depends_on":        a.DependsOn,
		"dependency_mode":   nullableString(string(a.DependencyMode)),
		"result":            nullableString(string(a.Result)),
		"created_at":        a.CreatedAt,
		"updated_at":        a.UpdatedAt,
		"completed_at":      nullableTime(a.CompletedAt),
	})
	_, err := s.client.Apply(ctx, []*spanner.Mutation{m})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (s *SpannerRepository) Get(ctx context.Context, id string) (*Action, error) {
	stmt := spanner.Statement{
		SQL:    `SELECT ` + spannerActionColumns + ` FROM actions WHERE id = @id`,
		Params: map[string]interface{}{"id": id},
	}
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	row, err := iter.Next()
	if err == iterator.Done {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return scanSpannerAction(row)
}

func (s *SpannerRepository) List(ctx context.Context, f ListFilter) ([]*Action, error) {
	sql := `SELECT ` + spannerActionColumns + ` FROM actions WHERE true`
	params := map[string]interface{}{}
	if f.OwnerID != "" {
		sql += ` AND owner_id = @ownerID`
		params["ownerID"] = f.OwnerID
	}
	if len(f.Statuses) > 0 {
		sql += ` AND status IN UNNEST(@statuses)`
		params["statuses"] = statusStrings(f.Statuses)
	}
	sql += ` ORDER BY priority ASC, created_at ASC`
	if f.Limit > 0 {
		sql += ` LIMIT @limit`
		params["limit"] = int64(f.Limit)
	}

	return s.queryActions(ctx, s.client.Single(), spanner.Statement{SQL: sql, Params: params})
}

func (s *SpannerRepository) StatusesOf(ctx context.Context, ids []string) (map[string]Status, error) {
	return s.statusesOf(ctx, s.client.Single(), ids)
}

type spannerReader interface {
	Query(ctx context.Context, stmt spanner.Statement) *spanner.RowIterator
}

func (s *SpannerRepository) statusesOf(ctx context.Context, txn spannerReader, ids []string) (map[string]Status, error) {
	statuses := make(map[string]Status, len(ids))
	if len(ids) == 0 {
		return statuses, nil
	}

	stmt := spanner.Statement{
		SQL:    `SELECT id, status FROM actions WHERE id IN UNNEST(@ids)`,
		Params: map[string]interface{}{"ids": ids},
	}
	iter := txn.Query(ctx, stmt)
	defer iter.Stop()

	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		var id, status string
		if err := row.Columns(&id, &status); err != nil {
			return nil, err
		}
		statuses[id] = Status(status)
	}
	return statuses, nil
}

func (s *SpannerRepository) Claim(ctx context.Context, now time.Time) (*Action, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Claim")
	defer span.End()
	start := time.Now()

	var claimed *Action
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		claimed = nil
		stmt := spanner.Statement{
			SQL: `SELECT ` + spannerActionColumns + ` FROM actions
			      WHERE status IN ('queued', 'scheduled')
			        AND (scheduled_for IS NULL OR scheduled_for <= @now)
			        AND (execute_after IS NULL OR execute_after <= @now)
			        AND (next_retry_at IS NULL OR next_retry_at <= @now)
			        AND (expires_at IS NULL OR expires_at > @now)
			        AND (requires_approval = false OR approval_status IN ('approved', 'auto_approved'))
			      ORDER BY priority ASC, created_at ASC
			      LIMIT @limit`,
			Params: map[string]interface{}{"now": now, "limit": int64(candidateScanLimit)},
		}
		candidates, err := s.queryActions(ctx, txn, stmt)
		if err != nil {
			return err
		}

		for _, a := range candidates {
			statuses, err := s.statusesOf(ctx, txn, a.DependsOn)
			if err != nil {
				return err
			}
			if !DependenciesSatisfied(a, statuses) {
				continue
			}

			update := spanner.Statement{
				SQL: `UPDATE actions SET status = 'in_progress', updated_at = @now WHERE id = @id`,
				Params: map[string]interface{}{"now": now, "id": a.ID},
			}
			if _, err := txn.Update(ctx, update); err != nil {
				return err
			}
			a.Status = StatusInProgress
			a.UpdatedAt = now
			claimed = a
			return nil
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if claimed == nil {
		addDBStatsToSpan(span, "Claim", 0, time.Since(start))
		return nil, ErrNoCandidates
	}

	addDBStatsToSpan(span, "Claim", 1, time.Since(start))
	return claimed, nil
}

func (s *SpannerRepository) MarkCompleted(ctx context.Context, id string, result json.RawMessage, now time.Time) error {
	return s.finishClaimed(ctx, "MarkCompleted", id, spanner.Statement{
		SQL: `UPDATE actions SET status = 'completed', result = @result, error_code = NULL,
		      error_message = NULL, next_retry_at = NULL, completed_at = @now, updated_at = @now
		      WHERE id = @id AND status = 'in_progress'`,
		Params: map[string]interface{}{"result": nullableString(string(result)), "now": now, "id": id},
	})
}

func (s *SpannerRepository) MarkFailed(ctx context.Context, id string, attempt int, errInfo ErrorInfo, now time.Time) error {
	return s.finishClaimed(ctx, "MarkFailed", id, spanner.Statement{
		SQL: `UPDATE actions SET status = 'failed', attempt = @attempt, error_code = @code,
		      error_message = @message, next_retry_at = NULL, last_attempt_at = @now, updated_at = @now
		      WHERE id = @id AND status = 'in_progress'`,
		Params: map[string]interface{}{
			"attempt": int64(attempt), "code": errInfo.Code, "message": errInfo.Message,
			"now": now, "id": id,
		},
	})
}

func (s *SpannerRepository) Reschedule(ctx context.Context, id string, attempt int, nextRetryAt time.Time, errInfo ErrorInfo, now time.Time) error {
	return s.finishClaimed(ctx, "Reschedule", id, spanner.Statement{
		SQL: `UPDATE actions SET status = 'queued', attempt = @attempt, error_code = @code,
		      error_message = @message, next_retry_at = @nextRetryAt, last_attempt_at = @now, updated_at = @now
		      WHERE id = @id AND status = 'in_progress'`,
		Params: map[string]interface{}{
			"attempt": int64(attempt), "code": errInfo.Code, "message": errInfo.Message,
			"nextRetryAt": nextRetryAt, "now": now, "id": id,
		},
	})
}

func (s *SpannerRepository) finishClaimed(ctx context.Context, op, id string, stmt spanner.Statement) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, op)
	defer span.End()

	var updated int64
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		n, err := txn.Update(ctx, stmt)
		updated = n
		return err
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	if updated > 0 {
		return nil
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return ErrTerminalStatus
	}
	return ErrNotFound
}

func (s *SpannerRepository) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ExpireOverdue")
	defer span.End()
	start := time.Now()

	var expired int64
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		stmt := spanner.Statement{
			SQL: `UPDATE actions SET status = 'expired', updated_at = @now
			      WHERE status IN ('queued', 'scheduled') AND expires_at IS NOT NULL AND expires_at <= @now`,
			Params: map[string]interface{}{"now": now},
		}
		n, err := txn.Update(ctx, stmt)
		expired = n
		return err
	})
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	addDBStatsToSpan(span, "ExpireOverdue", int(expired), time.Since(start))
	return expired, nil
}

func (s *SpannerRepository) PendingApprovals(ctx context.Context, ownerID string) ([]*Action, error) {
	stmt := spanner.Statement{
		SQL: `SELECT ` + spannerActionColumns + ` FROM actions
		      WHERE owner_id = @ownerID AND requires_approval = true AND approval_status = 'pending'
		      ORDER BY priority ASC, created_at ASC`,
		Params: map[string]interface{}{"ownerID": ownerID},
	}
	return s.queryActions(ctx, s.client.Single(), stmt)
}

func (s *SpannerRepository) SetApproval(ctx context.Context, id string, status ApprovalStatus, note string) error {
	var updated int64
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		stmt := spanner.Statement{
			SQL: `UPDATE actions SET approval_status = @status, approval_note = @note, updated_at = @now
			      WHERE id = @id AND approval_status = 'pending'`,
			Params: map[string]interface{}{
				"status": string(status), "note": note, "now": time.Now(), "id": id,
			},
		}
		n, err := txn.Update(ctx, stmt)
		updated = n
		return err
	})
	if err != nil {
		return err
	}
	if updated > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrApprovalNotPending
}

func (s *SpannerRepository) Cancel(ctx context.Context, id string) error {
	var updated int64
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		stmt := spanner.Statement{
			SQL: `UPDATE actions SET status = 'cancelled', updated_at = @now
			      WHERE id = @id AND status IN ('queued', 'scheduled', 'in_progress')`,
			Params: map[string]interface{}{"now": time.Now(), "id": id},
		}
		n, err := txn.Update(ctx, stmt)
		updated = n
		return err
	})
	if err != nil {
		return err
	}
	if updated > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrTerminalStatus
}

func (s *SpannerRepository) queryActions(ctx context.Context, txn spannerReader, stmt spanner.Statement) ([]*Action, error) {
	iter := txn.Query(ctx, stmt)
	defer iter.Stop()

	var actions []*Action
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		a, err := scanSpannerAction(row)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, nil
}

func scanSpannerAction(row *spanner.Row) (*Action, error) {
	var (
		a              Action
		parentID       spanner.NullString
		payload        spanner.NullString
		config         spanner.NullString
		status         string
		priority       int64
		urgency        string
		scheduledFor   spanner.NullTime
		executeAfter   spanner.NullTime
		expiresAt      spanner.NullTime
		approvalStatus spanner.NullString
		approvalNote   spanner.NullString
		maxAttempts    int64
		attempt        int64
		backoff        []int64
		lastAttemptAt  spanner.NullTime
		nextRetryAt    spanner.NullTime
		dependsOn      []string
		depMode        spanner.NullString
		result         spanner.NullString
		errCode        spanner.NullString
		errMessage     spanner.NullString
		completedAt    spanner.NullTime
	)

	err := row.Columns(
		&a.ID, &a.OwnerID, &parentID, &a.ActionType, &a.ActionTarget,
		&payload, &config, &status, &priority, &urgency,
		&scheduledFor, &executeAfter, &expiresAt,
		&a.RequiresApproval, &approvalStatus, &approvalNote,
		&maxAttempts, &attempt, &backoff, &lastAttemptAt, &nextRetryAt,
		&dependsOn, &depMode, &result, &errCode, &errMessage,
		&a.CreatedAt, &a.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	a.ParentActionID = parentID.StringVal
	if payload.Valid {
		a.ActionPayload = json.RawMessage(payload.StringVal)
	}
	if config.Valid {
		a.ActionConfig = json.RawMessage(config.StringVal)
	}
	a.Status = Status(status)
	a.Priority = int(priority)
	a.Urgency = Urgency(urgency)
	a.ApprovalStatus = ApprovalStatus(approvalStatus.StringVal)
	a.ApprovalNote = approvalNote.StringVal
	a.MaxAttempts = int(maxAttempts)
	a.Attempt = int(attempt)
	a.BackoffSchedule = secondsToDurations(backoff)
	a.DependsOn = dependsOn
	a.DependencyMode = DependencyMode(depMode.StringVal)
	if result.Valid {
		a.Result = json.RawMessage(result.StringVal)
	}
	if errCode.Valid {
		a.Error = &ErrorInfo{Code: errCode.StringVal, Message: errMessage.StringVal}
	}
	a.ScheduledFor = spannerTimePtr(scheduledFor)
	a.ExecuteAfter = spannerTimePtr(executeAfter)
	a.ExpiresAt = spannerTimePtr(expiresAt)
	a.LastAttemptAt = spannerTimePtr(lastAttemptAt)
	a.NextRetryAt = spannerTimePtr(nextRetryAt)
	a.CompletedAt = spannerTimePtr(completedAt)
	return &a, nil
}

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func spannerTimePtr(t spanner.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullableString(s string) spanner.NullString {
	return spanner.NullString{StringVal: s, Valid: s != ""}
}

func nullableTime(t *time.Time) spanner.NullTime {
	if t == nil {
		return spanner.NullTime{}
	}
	return spanner.NullTime{Time: *t, Valid: true}
}
