package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/licence-relay/internal/model"
)

// runNumberCeiling is the last run number the sequence will hand out.
const runNumberCeiling = math.MaxInt64

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// SQLite allows one writer at a time. A single pooled connection
	// keeps the pragmas below effective for every query and lets the
	// scheduler and collector queue in-process instead of tripping
	// SQLITE_BUSY against each other.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys.
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	// The dispatcher, scheduler, and collector share this handle, so
	// writers wait for each other instead of failing fast.
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database file is still reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	// Check if schema_version table exists.
	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// EnqueueUsage inserts new pending licence usage records.
func (s *SQLiteStore) EnqueueUsage(
	ctx context.Context,
	records []model.LicenceUsage,
) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO licence_usage (
			reference, action, quantity, value, currency,
			usage_date, control_code, state, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	stmt, err := tx.PreparexContext(ctx, query)
	if err != nil {
		return fmt.Errorf("preparing usage insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, r := range records {
		state := r.State
		if state == "" {
			state = model.StatePending
		}
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}

		_, err = stmt.ExecContext(ctx,
			r.Reference, string(r.Action), r.Quantity, r.Value, r.Currency,
			r.UsageDate.UTC(), r.ControlCode, string(state),
			createdAt.UTC(), now,
		)
		if err != nil {
			return fmt.Errorf("inserting usage record %s: %w", r.Reference, err)
		}
	}

	return tx.Commit()
}

// PendingUsage returns up to limit pending records, oldest first.
func (s *SQLiteStore) PendingUsage(
	ctx context.Context,
	limit int,
) ([]model.LicenceUsage, error) {
	query := `
		SELECT * FROM licence_usage
		WHERE state = ?
		ORDER BY created_at, reference`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryxContext(ctx, query, string(model.StatePending))
	if err != nil {
		return nil, fmt.Errorf("querying pending usage: %w", err)
	}
	defer rows.Close()

	var records []model.LicenceUsage
	for rows.Next() {
		r, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}

	return records, rows.Err()
}

// UsageByReference retrieves a single licence usage record.
func (s *SQLiteStore) UsageByReference(
	ctx context.Context,
	reference string,
) (*model.LicenceUsage, error) {
	row := s.db.QueryRowxContext(ctx,
		"SELECT * FROM licence_usage WHERE reference = ?", reference,
	)

	r, err := scanUsageRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting usage record %s: %w", reference, err)
	}

	return &r, nil
}

// OutcomeHistory returns the outcome entries for a reference, oldest first.
func (s *SQLiteStore) OutcomeHistory(
	ctx context.Context,
	reference string,
) ([]model.OutcomeEntry, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT reference, from_state, to_state, detail, message_id, created_at
		FROM licence_outcomes
		WHERE reference = ?
		ORDER BY id`, reference,
	)
	if err != nil {
		return nil, fmt.Errorf("querying outcome history: %w", err)
	}
	defer rows.Close()

	var entries []model.OutcomeEntry
	for rows.Next() {
		var (
			e         model.OutcomeEntry
			fromState string
			toState   string
		)
		if err := rows.Scan(
			&e.Reference, &fromState, &toState,
			&e.Detail, &e.MessageID, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning outcome row: %w", err)
		}
		e.FromState = model.RecordState(fromState)
		e.ToState = model.RecordState(toState)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// RecordCounts returns the number of licence usage records per state.
func (s *SQLiteStore) RecordCounts(
	ctx context.Context,
) (map[model.RecordState]int, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT state, COUNT(*) FROM licence_usage GROUP BY state",
	)
	if err != nil {
		return nil, fmt.Errorf("counting usage records: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.RecordState]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scanning record count: %w", err)
		}
		counts[model.RecordState(state)] = n
	}

	return counts, rows.Err()
}

// CreateBatch inserts a batch with its ordered membership and moves the
// member records from pending to sent, all in one transaction.
func (s *SQLiteStore) CreateBatch(ctx context.Context, batch model.Batch) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO batches (
			run_number, status, created_at, attempts, last_attempt_at, next_attempt_at
		) VALUES (?, ?, ?, ?, ?, ?)`,
		batch.RunNumber, string(batch.Status), batch.CreatedAt.UTC(),
		batch.Attempts, nullTime(batch.LastAttemptAt), nullTime(batch.NextAttemptAt),
	)
	if err != nil {
		return fmt.Errorf("inserting batch %d: %w", batch.RunNumber, err)
	}

	memberStmt, err := tx.PreparexContext(ctx,
		"INSERT INTO batch_records (run_number, position, reference) VALUES (?, ?, ?)",
	)
	if err != nil {
		return fmt.Errorf("preparing membership insert: %w", err)
	}
	defer memberStmt.Close()

	sentStmt, err := tx.PreparexContext(ctx,
		"UPDATE licence_usage SET state = ?, updated_at = ? WHERE reference = ? AND state = ?",
	)
	if err != nil {
		return fmt.Errorf("preparing sent transition: %w", err)
	}
	defer sentStmt.Close()

	outcomeStmt, err := tx.PreparexContext(ctx, `
		INSERT INTO licence_outcomes (
			reference, from_state, to_state, detail, message_id, created_at
		) VALUES (?, ?, ?, ?, '', ?)`,
	)
	if err != nil {
		return fmt.Errorf("preparing outcome insert: %w", err)
	}
	defer outcomeStmt.Close()

	now := time.Now().UTC()
	detail := fmt.Sprintf("assigned to run %d", batch.RunNumber)
	for i, ref := range batch.References {
		if _, err := memberStmt.ExecContext(ctx, batch.RunNumber, i+1, ref); err != nil {
			return fmt.Errorf("inserting membership for %s: %w", ref, err)
		}

		res, err := sentStmt.ExecContext(ctx,
			string(model.StateSent), now, ref, string(model.StatePending),
		)
		if err != nil {
			return fmt.Errorf("marking %s sent: %w", ref, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking sent transition for %s: %w", ref, err)
		}
		if affected != 1 {
			return fmt.Errorf("record %s is not pending", ref)
		}

		_, err = outcomeStmt.ExecContext(ctx,
			ref, string(model.StatePending), string(model.StateSent), detail, now,
		)
		if err != nil {
			return fmt.Errorf("recording outcome for %s: %w", ref, err)
		}
	}

	return tx.Commit()
}

// BatchByRunNumber loads a batch with its member references.
func (s *SQLiteStore) BatchByRunNumber(
	ctx context.Context,
	runNumber int64,
) (*model.Batch, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT run_number, status, created_at, attempts, last_attempt_at, next_attempt_at
		FROM batches WHERE run_number = ?`, runNumber,
	)
	if err != nil {
		return nil, fmt.Errorf("querying batch %d: %w", runNumber, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("querying batch %d: %w", runNumber, err)
		}
		return nil, model.ErrBatchNotFound
	}

	b, err := scanBatch(rows)
	if err != nil {
		return nil, err
	}
	rows.Close()

	refs, err := s.batchReferences(ctx, runNumber)
	if err != nil {
		return nil, err
	}
	b.References = refs

	return &b, nil
}

// BatchesInFlight counts batches in a non-terminal state.
func (s *SQLiteStore) BatchesInFlight(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM batches WHERE status IN (?, ?)",
		string(model.BatchQueued), string(model.BatchDispatched),
	)
	if err != nil {
		return 0, fmt.Errorf("counting in-flight batches: %w", err)
	}
	return n, nil
}

// DueBatches returns batches eligible for a dispatch attempt at now,
// lowest run number first.
func (s *SQLiteStore) DueBatches(
	ctx context.Context,
	now time.Time,
	limit int,
) ([]model.Batch, error) {
	query := `
		SELECT run_number, status, created_at, attempts, last_attempt_at, next_attempt_at
		FROM batches
		WHERE status IN (?, ?)
		  AND next_attempt_at IS NOT NULL
		  AND next_attempt_at <= ?
		ORDER BY run_number`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryxContext(ctx, query,
		string(model.BatchQueued), string(model.BatchDispatched), now.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("querying due batches: %w", err)
	}
	defer rows.Close()

	var batches []model.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for i := range batches {
		refs, err := s.batchReferences(ctx, batches[i].RunNumber)
		if err != nil {
			return nil, err
		}
		batches[i].References = refs
	}

	return batches, nil
}

// MarkAttempt claims a dispatch attempt. The status and due-time guards
// make the claim exclusive: a second caller sees zero rows affected.
func (s *SQLiteStore) MarkAttempt(
	ctx context.Context,
	runNumber int64,
	at, next time.Time,
) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE batches
		SET status = ?, attempts = attempts + 1, last_attempt_at = ?, next_attempt_at = ?
		WHERE run_number = ?
		  AND status IN (?, ?)
		  AND next_attempt_at IS NOT NULL
		  AND next_attempt_at <= ?`,
		string(model.BatchDispatched), at.UTC(), next.UTC(),
		runNumber,
		string(model.BatchQueued), string(model.BatchDispatched),
		at.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("marking attempt on batch %d: %w", runNumber, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking attempt claim on batch %d: %w", runNumber, err)
	}

	return affected == 1, nil
}

// HoldBatch clears the next attempt time so the retry scan skips the batch.
func (s *SQLiteStore) HoldBatch(ctx context.Context, runNumber int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE batches SET next_attempt_at = NULL
		WHERE run_number = ? AND status IN (?, ?)`,
		runNumber, string(model.BatchQueued), string(model.BatchDispatched),
	)
	if err != nil {
		return fmt.Errorf("holding batch %d: %w", runNumber, err)
	}
	return nil
}

// RearmHeldBatches makes held non-terminal batches due at now again.
func (s *SQLiteStore) RearmHeldBatches(
	ctx context.Context,
	now time.Time,
) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE batches SET next_attempt_at = ?
		WHERE next_attempt_at IS NULL AND status IN (?, ?)`,
		now.UTC(), string(model.BatchQueued), string(model.BatchDispatched),
	)
	if err != nil {
		return 0, fmt.Errorf("re-arming held batches: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting re-armed batches: %w", err)
	}

	return int(affected), nil
}

// ExhaustBatch terminally fails a batch and its member records.
func (s *SQLiteStore) ExhaustBatch(
	ctx context.Context,
	runNumber int64,
	detail string,
) ([]string, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.GetContext(ctx, &status,
		"SELECT status FROM batches WHERE run_number = ?", runNumber,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading batch %d status: %w", runNumber, err)
	}
	if model.BatchStatus(status).Terminal() {
		return nil, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE batches SET status = ?, next_attempt_at = NULL
		WHERE run_number = ?`,
		string(model.BatchExhausted), runNumber,
	)
	if err != nil {
		return nil, fmt.Errorf("exhausting batch %d: %w", runNumber, err)
	}

	refs, err := s.batchReferencesTx(ctx, tx, runNumber)
	if err != nil {
		return nil, err
	}

	var transitioned []string
	for _, ref := range refs {
		var state string
		err := tx.GetContext(ctx, &state,
			"SELECT state FROM licence_usage WHERE reference = ?", ref,
		)
		if err != nil {
			return nil, fmt.Errorf("reading state of %s: %w", ref, err)
		}
		if model.RecordState(state).Terminal() {
			continue
		}

		now := time.Now().UTC()
		_, err = tx.ExecContext(ctx,
			"UPDATE licence_usage SET state = ?, updated_at = ? WHERE reference = ?",
			string(model.StateFailed), now, ref,
		)
		if err != nil {
			return nil, fmt.Errorf("failing record %s: %w", ref, err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO licence_outcomes (
				reference, from_state, to_state, detail, message_id, created_at
			) VALUES (?, ?, ?, ?, '', ?)`,
			ref, state, string(model.StateFailed), detail, now,
		)
		if err != nil {
			return nil, fmt.Errorf("recording outcome for %s: %w", ref, err)
		}

		transitioned = append(transitioned, ref)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing exhaustion of batch %d: %w", runNumber, err)
	}

	return transitioned, nil
}

// BatchCounts returns the number of batches per status.
func (s *SQLiteStore) BatchCounts(
	ctx context.Context,
) (map[model.BatchStatus]int, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT status, COUNT(*) FROM batches GROUP BY status",
	)
	if err != nil {
		return nil, fmt.Errorf("counting batches: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.BatchStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning batch count: %w", err)
		}
		counts[model.BatchStatus(status)] = n
	}

	return counts, rows.Err()
}

// ApplyReply records a reply and applies its outcomes in one transaction.
// The reply insert doubles as the idempotency gate: when the mail
// identifier is already present nothing else runs and false is returned.
func (s *SQLiteStore) ApplyReply(
	ctx context.Context,
	app ReplyApplication,
) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	inserted, err := insertReplyTx(ctx, tx, app.Reply, true)
	if err != nil {
		return false, err
	}
	if !inserted {
		return false, nil
	}

	now := time.Now().UTC()
	for _, t := range app.Transitions {
		var state string
		err := tx.GetContext(ctx, &state,
			"SELECT state FROM licence_usage WHERE reference = ?", t.Reference,
		)
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("reconciling %s: %w", t.Reference, model.ErrRecordNotFound)
		}
		if err != nil {
			return false, fmt.Errorf("reading state of %s: %w", t.Reference, err)
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE licence_usage SET state = ?, updated_at = ? WHERE reference = ?",
			string(t.To), now, t.Reference,
		)
		if err != nil {
			return false, fmt.Errorf("transitioning record %s: %w", t.Reference, err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO licence_outcomes (
				reference, from_state, to_state, detail, message_id, created_at
			) VALUES (?, ?, ?, ?, ?, ?)`,
			t.Reference, state, string(t.To), t.Detail, app.Reply.MessageID, now,
		)
		if err != nil {
			return false, fmt.Errorf("recording outcome for %s: %w", t.Reference, err)
		}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE batches SET status = ?, next_attempt_at = NULL
		WHERE run_number = ? AND status IN (?, ?)`,
		string(app.BatchStatus), app.Reply.RunNumber,
		string(model.BatchQueued), string(model.BatchDispatched),
	)
	if err != nil {
		return false, fmt.Errorf("updating batch %d status: %w", app.Reply.RunNumber, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking batch %d update: %w", app.Reply.RunNumber, err)
	}
	if affected != 1 {
		return false, fmt.Errorf("batch %d is not in a reconcilable state", app.Reply.RunNumber)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing reply %s: %w", app.Reply.MessageID, err)
	}

	return true, nil
}

// RecordReply stores a reply for audit without applying outcomes.
func (s *SQLiteStore) RecordReply(
	ctx context.Context,
	reply model.Reply,
) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	inserted, err := insertReplyTx(ctx, tx, reply, false)
	if err != nil {
		return false, err
	}
	if !inserted {
		return false, nil
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing reply %s: %w", reply.MessageID, err)
	}

	return true, nil
}

// ReplyByMessageID loads a stored reply, or nil when absent.
func (s *SQLiteStore) ReplyByMessageID(
	ctx context.Context,
	messageID string,
) (*model.Reply, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT message_id, run_number, kind, outcomes, raw, received_at
		FROM replies WHERE message_id = ?`, messageID,
	)

	var (
		r        model.Reply
		kind     string
		outcomes string
	)
	err := row.Scan(&r.MessageID, &r.RunNumber, &kind, &outcomes, &r.Raw, &r.ReceivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning reply row: %w", err)
	}

	r.Kind = model.ReplyKind(kind)
	if outcomes != "" {
		if err := json.Unmarshal([]byte(outcomes), &r.Outcomes); err != nil {
			return nil, fmt.Errorf("unmarshaling reply outcomes: %w", err)
		}
	}

	return &r, nil
}

// SeenMessageIDs returns the mail identifiers already handled.
func (s *SQLiteStore) SeenMessageIDs(
	ctx context.Context,
) (map[string]struct{}, error) {
	rows, err := s.db.QueryxContext(ctx, "SELECT message_id FROM mail_seen")
	if err != nil {
		return nil, fmt.Errorf("querying seen messages: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning seen message id: %w", err)
		}
		seen[id] = struct{}{}
	}

	return seen, rows.Err()
}

// MarkMessageSeen records a mailbox item as handled.
func (s *SQLiteStore) MarkMessageSeen(
	ctx context.Context,
	messageID string,
	status MailReadStatus,
) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO mail_seen (message_id, status, seen_at)
		VALUES (?, ?, ?)`,
		messageID, string(status), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("marking message %s seen: %w", messageID, err)
	}
	return nil
}

// SetLastPoll durably records when a mailbox poll last completed.
func (s *SQLiteStore) SetLastPoll(ctx context.Context, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE poll_state SET last_poll_at = ? WHERE id = 1",
		at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording poll checkpoint: %w", err)
	}
	return nil
}

// LastPoll returns when the last mailbox poll completed, zero before
// the first ever poll.
func (s *SQLiteStore) LastPoll(ctx context.Context) (time.Time, error) {
	var at sql.NullTime
	err := s.db.GetContext(ctx, &at,
		"SELECT last_poll_at FROM poll_state WHERE id = 1",
	)
	if err != nil {
		return time.Time{}, fmt.Errorf("reading poll checkpoint: %w", err)
	}
	if !at.Valid {
		return time.Time{}, nil
	}
	return at.Time.UTC(), nil
}

// AllocateRunNumber atomically increments and returns the next run number.
func (s *SQLiteStore) AllocateRunNumber(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	// The increment runs first so the transaction takes the write lock
	// up front; concurrent callers serialize instead of racing a
	// read-then-update against the same snapshot.
	res, err := tx.ExecContext(ctx,
		"UPDATE run_sequence SET issued = issued + 1 WHERE id = 1 AND issued < ?",
		int64(runNumberCeiling),
	)
	if err != nil {
		return 0, fmt.Errorf("advancing run number: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking run number advance: %w", err)
	}
	if affected != 1 {
		return 0, model.ErrRunNumberExhausted
	}

	var next int64
	if err := tx.GetContext(ctx, &next,
		"SELECT issued FROM run_sequence WHERE id = 1",
	); err != nil {
		return 0, fmt.Errorf("reading issued run number: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing run number %d: %w", next, err)
	}

	return next, nil
}

// AcknowledgeRunNumber raises the acknowledged high-water mark.
func (s *SQLiteStore) AcknowledgeRunNumber(
	ctx context.Context,
	runNumber int64,
) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE run_sequence SET acknowledged = MAX(acknowledged, ?) WHERE id = 1",
		runNumber,
	)
	if err != nil {
		return fmt.Errorf("acknowledging run %d: %w", runNumber, err)
	}
	return nil
}

// RunNumbers returns the highest issued and acknowledged run numbers.
func (s *SQLiteStore) RunNumbers(
	ctx context.Context,
) (issued, acknowledged int64, err error) {
	row := s.db.QueryRowxContext(ctx,
		"SELECT issued, acknowledged FROM run_sequence WHERE id = 1",
	)
	if err := row.Scan(&issued, &acknowledged); err != nil {
		return 0, 0, fmt.Errorf("reading run sequence: %w", err)
	}
	return issued, acknowledged, nil
}

// batchReferences loads the ordered member references of a batch.
func (s *SQLiteStore) batchReferences(
	ctx context.Context,
	runNumber int64,
) ([]string, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT reference FROM batch_records WHERE run_number = ? ORDER BY position",
		runNumber,
	)
	if err != nil {
		return nil, fmt.Errorf("querying batch %d members: %w", runNumber, err)
	}
	defer rows.Close()

	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("scanning batch member: %w", err)
		}
		refs = append(refs, ref)
	}

	return refs, rows.Err()
}

// batchReferencesTx is batchReferences inside an open transaction.
func (s *SQLiteStore) batchReferencesTx(
	ctx context.Context,
	tx *sqlx.Tx,
	runNumber int64,
) ([]string, error) {
	rows, err := tx.QueryxContext(ctx,
		"SELECT reference FROM batch_records WHERE run_number = ? ORDER BY position",
		runNumber,
	)
	if err != nil {
		return nil, fmt.Errorf("querying batch %d members: %w", runNumber, err)
	}
	defer rows.Close()

	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("scanning batch member: %w", err)
		}
		refs = append(refs, ref)
	}

	return refs, rows.Err()
}

// insertReplyTx inserts a reply row, ignoring duplicates. Returns false
// when the mail identifier is already recorded.
func insertReplyTx(
	ctx context.Context,
	tx *sqlx.Tx,
	reply model.Reply,
	processed bool,
) (bool, error) {
	outcomes, err := json.Marshal(reply.Outcomes)
	if err != nil {
		return false, fmt.Errorf("marshaling reply outcomes: %w", err)
	}

	processedInt := 0
	if processed {
		processedInt = 1
	}

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO replies (
			message_id, run_number, kind, outcomes, raw, received_at, processed
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		reply.MessageID, reply.RunNumber, string(reply.Kind),
		string(outcomes), reply.Raw, reply.ReceivedAt.UTC(), processedInt,
	)
	if err != nil {
		return false, fmt.Errorf("inserting reply %s: %w", reply.MessageID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking reply insert: %w", err)
	}

	return affected == 1, nil
}

// scanUsage scans a licence usage row from a sqlx.Rows result set.
func scanUsage(rows *sqlx.Rows) (model.LicenceUsage, error) {
	var (
		r      model.LicenceUsage
		action string
		state  string
	)

	err := rows.Scan(
		&r.Reference, &action, &r.Quantity, &r.Value, &r.Currency,
		&r.UsageDate, &r.ControlCode, &state, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return model.LicenceUsage{}, fmt.Errorf("scanning usage row: %w", err)
	}

	r.Action = model.Action(action)
	r.State = model.RecordState(state)

	return r, nil
}

// scanUsageRow scans a single licence usage row from a sqlx.Row.
func scanUsageRow(row *sqlx.Row) (model.LicenceUsage, error) {
	var (
		r      model.LicenceUsage
		action string
		state  string
	)

	err := row.Scan(
		&r.Reference, &action, &r.Quantity, &r.Value, &r.Currency,
		&r.UsageDate, &r.ControlCode, &state, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return model.LicenceUsage{}, err
	}

	r.Action = model.Action(action)
	r.State = model.RecordState(state)

	return r, nil
}

// scanBatch scans a batch row from a sqlx.Rows result set. Member
// references are loaded separately.
func scanBatch(rows *sqlx.Rows) (model.Batch, error) {
	var (
		b      model.Batch
		status string
		last   sql.NullTime
		next   sql.NullTime
	)

	err := rows.Scan(
		&b.RunNumber, &status, &b.CreatedAt, &b.Attempts, &last, &next,
	)
	if err != nil {
		return model.Batch{}, fmt.Errorf("scanning batch row: %w", err)
	}

	b.Status = model.BatchStatus(status)
	if last.Valid {
		t := last.Time
		b.LastAttemptAt = &t
	}
	if next.Valid {
		t := next.Time
		b.NextAttemptAt = &t
	}

	return b, nil
}

// nullTime converts an optional time to a driver-friendly value.
func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
