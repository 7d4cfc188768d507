package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

// walJournalSizeLimit bounds the WAL journal to 64 MiB.
const walJournalSizeLimit = 67108864

// SQLite implements the Store interface using an embedded SQLite database in
// WAL mode, so readers never block the single writer. All durable pipeline
// state (records, intents, transitions, library config) lives here.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger

	// Prepared statements for repeated queries, grouped by domain.
	recordStmts recordStatements
	intentStmts intentStatements
	configStmts configStatements
}

type recordStatements struct {
	get, insert, listAll, loadOrphans, loadExpired, listMissing *sql.Stmt
	markMissing, markError, deleteByPath                        *sql.Stmt
}

type intentStatements struct {
	insert, finalize, listOpen *sql.Stmt
}

type configStatements struct {
	get, set *sql.Stmt
}

// Open creates a SQLite-backed catalog at dbPath, applying migrations and
// preparing all repeated statements. Use ":memory:" for tests.
func Open(dbPath string, logger *slog.Logger) (*SQLite, error) {
	logger.Info("opening catalog database", "path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("catalog: open sqlite: %w", err)
	}

	// A single connection serializes all writes and keeps in-memory
	// databases coherent across goroutines.
	db.SetMaxOpenConns(1)

	if err := setPragmas(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLite{db: db, logger: logger}

	if err := s.prepareAllStatements(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: prepare statements: %w", err)
	}

	logger.Info("catalog database ready", "path", dbPath)

	return s, nil
}

// setPragmas configures SQLite for WAL mode and safety.
func setPragmas(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	pragmas := []struct {
		sql  string
		desc string
	}{
		{"PRAGMA journal_mode = WAL", "WAL mode"},
		{"PRAGMA synchronous = FULL", "synchronous FULL"},
		{"PRAGMA foreign_keys = ON", "foreign keys"},
		{fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit), "journal size limit"},
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p.sql); err != nil {
			return fmt.Errorf("catalog: set pragma %s: %w", p.desc, err)
		}

		logger.Debug("pragma set", "pragma", p.desc)
	}

	return nil
}

// --- SQL query constants ---

const (
	sqlRecordColumns = `file_path, content_hash, size, mtime, fsm_state, version,
		remote_raw_id, remote_doc_id, orphan_raw_id, missing, missing_since,
		upload_hash, desired_hash, enrichment_version, error_reason,
		attempt_count, remote_expiration, created_at, updated_at`

	sqlGetRecord = `SELECT ` + sqlRecordColumns + ` FROM files WHERE file_path = ?`

	sqlInsertRecord = `INSERT INTO files (` + sqlRecordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlListRecords = `SELECT ` + sqlRecordColumns + ` FROM files ORDER BY file_path`

	sqlLoadOrphans = `SELECT ` + sqlRecordColumns + ` FROM files
		WHERE orphan_raw_id != '' ORDER BY file_path`

	sqlLoadExpired = `SELECT ` + sqlRecordColumns + ` FROM files
		WHERE remote_expiration IS NOT NULL AND remote_expiration <= ?
		AND fsm_state = 'indexed' AND missing = 0 ORDER BY file_path`

	sqlListMissing = `SELECT ` + sqlRecordColumns + ` FROM files
		WHERE missing = 1 AND missing_since IS NOT NULL AND missing_since <= ?
		ORDER BY file_path`

	sqlMarkMissing = `UPDATE files
		SET missing = 1,
		    missing_since = COALESCE(missing_since, ?),
		    updated_at = ?
		WHERE file_path = ?`

	sqlMarkError = `UPDATE files SET error_reason = ?, updated_at = ? WHERE file_path = ?`

	sqlDeleteRecord = `DELETE FROM files WHERE file_path = ?`
)

const (
	sqlInsertIntent = `INSERT INTO upload_intents
		(file_path, intended_state, attempt_id, started_at)
		VALUES (?, ?, ?, ?)`

	sqlFinalizeIntent = `UPDATE upload_intents
		SET finalized_at = ?, outcome = ?
		WHERE id = ? AND finalized_at IS NULL`

	sqlListOpenIntents = `SELECT id, file_path, intended_state, attempt_id,
		started_at, finalized_at, outcome
		FROM upload_intents WHERE finalized_at IS NULL ORDER BY id`
)

const (
	sqlGetLibraryConfig = `SELECT value FROM library_config WHERE key = ?`

	sqlSetLibraryConfig = `INSERT INTO library_config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`
)

// stmtDef maps a SQL string to the prepared statement pointer it should populate.
type stmtDef struct {
	dest **sql.Stmt
	sql  string
	name string
}

// prepareAll prepares a batch of statements, returning on first error.
func prepareAll(ctx context.Context, db *sql.DB, defs []stmtDef) error {
	for i := range defs {
		stmt, err := db.PrepareContext(ctx, defs[i].sql)
		if err != nil {
			return fmt.Errorf("prepare %s: %w", defs[i].name, err)
		}

		*defs[i].dest = stmt
	}

	return nil
}

// prepareAllStatements creates all prepared statements grouped by domain.
func (s *SQLite) prepareAllStatements(ctx context.Context) error {
	if err := prepareAll(ctx, s.db, []stmtDef{
		{&s.recordStmts.get, sqlGetRecord, "getRecord"},
		{&s.recordStmts.insert, sqlInsertRecord, "insertRecord"},
		{&s.recordStmts.listAll, sqlListRecords, "listRecords"},
		{&s.recordStmts.loadOrphans, sqlLoadOrphans, "loadOrphans"},
		{&s.recordStmts.loadExpired, sqlLoadExpired, "loadExpired"},
		{&s.recordStmts.listMissing, sqlListMissing, "listMissing"},
		{&s.recordStmts.markMissing, sqlMarkMissing, "markMissing"},
		{&s.recordStmts.markError, sqlMarkError, "markError"},
		{&s.recordStmts.deleteByPath, sqlDeleteRecord, "deleteRecord"},
	}); err != nil {
		return err
	}

	if err := prepareAll(ctx, s.db, []stmtDef{
		{&s.intentStmts.insert, sqlInsertIntent, "insertIntent"},
		{&s.intentStmts.finalize, sqlFinalizeIntent, "finalizeIntent"},
		{&s.intentStmts.listOpen, sqlListOpenIntents, "listOpenIntents"},
	}); err != nil {
		return err
	}

	return prepareAll(ctx, s.db, []stmtDef{
		{&s.configStmts.get, sqlGetLibraryConfig, "getLibraryConfig"},
		{&s.configStmts.set, sqlSetLibraryConfig, "setLibraryConfig"},
	})
}

// --- Scanning helpers ---

// scanRecord scans a full file row into a FileRecord.
func scanRecord(row interface{ Scan(...any) error }) (*FileRecord, error) {
	rec := &FileRecord{}

	var (
		state   string
		missing int
	)

	err := row.Scan(
		&rec.Path, &rec.ContentHash, &rec.Size, &rec.Mtime, &state, &rec.Version,
		&rec.RemoteRawID, &rec.RemoteDocID, &rec.OrphanRawID,
		&missing, &rec.MissingSince,
		&rec.UploadHash, &rec.DesiredHash, &rec.EnrichmentVersion,
		&rec.ErrorReason, &rec.AttemptCount, &rec.RemoteExpiration,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.State = State(state)
	rec.Missing = missing == 1

	return rec, nil
}

// scanRecordRows iterates over sql.Rows and collects FileRecords.
func scanRecordRows(rows *sql.Rows) ([]*FileRecord, error) {
	var records []*FileRecord

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file row: %w", err)
		}

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate file rows: %w", err)
	}

	return records, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}

// --- Record lifecycle ---

// InsertUntracked creates a new record in the untracked state. The scanner is
// the only caller; all later mutations flow through the transition protocol.
func (s *SQLite) InsertUntracked(ctx context.Context, rec *FileRecord) error {
	s.logger.Debug("inserting untracked record", "path", rec.Path)

	now := NowNano()
	rec.State = StateUntracked
	rec.Version = 0
	rec.CreatedAt = now
	rec.UpdatedAt = now

	_, err := s.recordStmts.insert.ExecContext(ctx,
		rec.Path, rec.ContentHash, rec.Size, rec.Mtime,
		string(rec.State), rec.Version,
		rec.RemoteRawID, rec.RemoteDocID, rec.OrphanRawID,
		boolToInt(rec.Missing), rec.MissingSince,
		rec.UploadHash, rec.DesiredHash, rec.EnrichmentVersion,
		rec.ErrorReason, rec.AttemptCount, rec.RemoteExpiration,
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("catalog: insert record %q: %w", rec.Path, err)
	}

	return nil
}

// GetRecord retrieves a single record by path. Returns ErrNotFound when the
// path is not tracked.
func (s *SQLite) GetRecord(ctx context.Context, path string) (*FileRecord, error) {
	rec, err := scanRecord(s.recordStmts.get.QueryRowContext(ctx, path))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("catalog: record %q: %w", path, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("catalog: get record %q: %w", path, err)
	}

	return rec, nil
}

// ListRecords returns every tracked record, ordered by path.
func (s *SQLite) ListRecords(ctx context.Context) ([]*FileRecord, error) {
	rows, err := s.recordStmts.listAll.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog: list records: %w", err)
	}
	defer rows.Close()

	return scanRecordRows(rows)
}

// LoadPending returns up to limit records whose state is in the given set and
// whose last submitted bytes differ from the bytes an upload would submit now
// (the idempotency gate). Missing records are excluded.
func (s *SQLite) LoadPending(ctx context.Context, limit int, states []State) ([]*FileRecord, error) {
	if len(states) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?, ", len(states)-1) + "?"
	query := `SELECT ` + sqlRecordColumns + ` FROM files
		WHERE fsm_state IN (` + placeholders + `)
		AND missing = 0
		AND (upload_hash = '' OR upload_hash != desired_hash)
		ORDER BY file_path LIMIT ?`

	args := make([]any, 0, len(states)+1)
	for _, st := range states {
		args = append(args, string(st))
	}

	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: load pending: %w", err)
	}
	defer rows.Close()

	return scanRecordRows(rows)
}

// LoadOrphans returns all records carrying a pending cleanup obligation
// (orphan_raw_id non-empty).
func (s *SQLite) LoadOrphans(ctx context.Context) ([]*FileRecord, error) {
	rows, err := s.recordStmts.loadOrphans.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog: load orphans: %w", err)
	}
	defer rows.Close()

	return scanRecordRows(rows)
}

// LoadExpired returns indexed records whose remote document TTL has passed.
// These are requeued for upload by the reconciler.
func (s *SQLite) LoadExpired(ctx context.Context, now int64) ([]*FileRecord, error) {
	rows, err := s.recordStmts.loadExpired.QueryContext(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("catalog: load expired: %w", err)
	}
	defer rows.Close()

	return scanRecordRows(rows)
}

// ListMissingSince returns records that have been missing since before cutoff.
// The prune step feeds on this.
func (s *SQLite) ListMissingSince(ctx context.Context, cutoff int64) ([]*FileRecord, error) {
	rows, err := s.recordStmts.listMissing.QueryContext(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("catalog: list missing: %w", err)
	}
	defer rows.Close()

	return scanRecordRows(rows)
}

// --- OCC transition protocol ---

// BeginTransition reads the current record, writes an open upload intent for
// the intended state, and returns the record with its OCC snapshot. The read
// and the intent write happen in one transaction. Pass an empty intended
// state for bookkeeping transitions that need no intent row.
func (s *SQLite) BeginTransition(
	ctx context.Context, path string, intended State,
) (*FileRecord, Snapshot, *Intent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, Snapshot{}, nil, fmt.Errorf("catalog: begin transition tx: %w", err)
	}

	rec, err := scanRecord(tx.QueryRowContext(ctx, sqlGetRecord, path))
	if errors.Is(err, sql.ErrNoRows) {
		tx.Rollback()
		return nil, Snapshot{}, nil, fmt.Errorf("catalog: record %q: %w", path, ErrNotFound)
	}

	if err != nil {
		tx.Rollback()
		return nil, Snapshot{}, nil, fmt.Errorf("catalog: begin transition read %q: %w", path, err)
	}

	snap := Snapshot{Path: rec.Path, State: rec.State, Version: rec.Version}

	var intent *Intent

	if intended != "" {
		intent = &Intent{
			Path:          path,
			IntendedState: intended,
			AttemptID:     uuid.NewString(),
			StartedAt:     NowNano(),
		}

		res, execErr := tx.ExecContext(ctx, sqlInsertIntent,
			intent.Path, string(intent.IntendedState), intent.AttemptID, intent.StartedAt)
		if execErr != nil {
			tx.Rollback()
			return nil, Snapshot{}, nil, fmt.Errorf("catalog: write intent %q: %w", path, execErr)
		}

		intent.ID, err = res.LastInsertId()
		if err != nil {
			tx.Rollback()
			return nil, Snapshot{}, nil, fmt.Errorf("catalog: intent id %q: %w", path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, Snapshot{}, nil, fmt.Errorf("catalog: commit begin transition %q: %w", path, err)
	}

	s.logger.Debug("transition begun",
		"path", path, "state", string(snap.State), "version", snap.Version,
		"intended", string(intended))

	return rec, snap, intent, nil
}

// CommitTransition applies the updates iff the record still matches the
// snapshot, atomically incrementing the version, appending the audit row, and
// finalizing the linked intent — all in one transaction. Returns ErrConflict
// when the snapshot is stale.
func (s *SQLite) CommitTransition(ctx context.Context, snap Snapshot, up Updates) error {
	if !up.State.Valid() {
		return fmt.Errorf("catalog: commit transition %q: invalid target state %q", snap.Path, up.State)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: commit transition tx: %w", err)
	}

	setClause, args := buildUpdateSet(up)

	query := `UPDATE files SET ` + setClause + `
		WHERE file_path = ? AND fsm_state = ? AND version = ?`
	args = append(args, snap.Path, string(snap.State), snap.Version)

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("catalog: commit transition %q: %w", snap.Path, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("catalog: commit transition rows %q: %w", snap.Path, err)
	}

	if affected == 0 {
		tx.Rollback()
		return fmt.Errorf("catalog: commit %q at v%d: %w", snap.Path, snap.Version, ErrConflict)
	}

	now := NowNano()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO transitions (file_path, from_state, to_state, version, at)
		VALUES (?, ?, ?, ?, ?)`,
		snap.Path, string(snap.State), string(up.State), snap.Version+1, now)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("catalog: audit row %q: %w", snap.Path, err)
	}

	if up.IntentID > 0 {
		outcome := up.IntentOutcome
		if outcome == "" {
			outcome = IntentCommitted
		}

		if _, err := tx.ExecContext(ctx, sqlFinalizeIntent, now, string(outcome), up.IntentID); err != nil {
			tx.Rollback()
			return fmt.Errorf("catalog: finalize intent %d: %w", up.IntentID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("catalog: commit transition %q: %w", snap.Path, err)
	}

	s.logger.Debug("transition committed",
		"path", snap.Path,
		"from", string(snap.State), "to", string(up.State),
		"version", snap.Version+1)

	return nil
}

// buildUpdateSet translates an Updates struct into a SET clause plus args.
// Only non-nil fields are written; version increments unconditionally.
func buildUpdateSet(up Updates) (string, []any) {
	sets := []string{"fsm_state = ?", "version = version + 1", "updated_at = ?"}
	args := []any{string(up.State), NowNano()}

	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	if up.ContentHash != nil {
		add("content_hash", *up.ContentHash)
	}

	if up.Size != nil {
		add("size", *up.Size)
	}

	if up.Mtime != nil {
		add("mtime", *up.Mtime)
	}

	if up.RemoteRawID != nil {
		add("remote_raw_id", *up.RemoteRawID)
	}

	if up.RemoteDocID != nil {
		add("remote_doc_id", *up.RemoteDocID)
	}

	if up.OrphanRawID != nil {
		add("orphan_raw_id", *up.OrphanRawID)
	}

	if up.UploadHash != nil {
		add("upload_hash", *up.UploadHash)
	}

	if up.DesiredHash != nil {
		add("desired_hash", *up.DesiredHash)
	}

	if up.EnrichmentVersion != nil {
		add("enrichment_version", *up.EnrichmentVersion)
	}

	if up.ErrorReason != nil {
		add("error_reason", *up.ErrorReason)
	}

	if up.Missing != nil {
		add("missing", boolToInt(*up.Missing))
	}

	if up.ClearMissingSince {
		sets = append(sets, "missing_since = NULL")
	}

	if up.RemoteExpiration != nil {
		add("remote_expiration", *up.RemoteExpiration)
	}

	if up.ClearRemoteExpiration {
		sets = append(sets, "remote_expiration = NULL")
	}

	switch {
	case up.ResetAttempts:
		sets = append(sets, "attempt_count = 0")
	case up.AttemptDelta != 0:
		sets = append(sets, "attempt_count = attempt_count + ?")
		args = append(args, up.AttemptDelta)
	}

	return strings.Join(sets, ", "), args
}

// AbandonIntent finalizes an intent without a state change. Used when an
// attempt aborts before any remote side effect (rate-guard skip, read error)
// and by the recovery sweep for intents whose records already moved on.
func (s *SQLite) AbandonIntent(ctx context.Context, intentID int64, outcome IntentOutcome) error {
	if outcome == "" {
		outcome = IntentAbandoned
	}

	_, err := s.intentStmts.finalize.ExecContext(ctx, NowNano(), string(outcome), intentID)
	if err != nil {
		return fmt.Errorf("catalog: abandon intent %d: %w", intentID, err)
	}

	return nil
}

// LoadOpenIntents returns all intents that were never finalized, oldest first.
// The startup recovery sweep resolves them against the remote backend.
func (s *SQLite) LoadOpenIntents(ctx context.Context) ([]*Intent, error) {
	rows, err := s.intentStmts.listOpen.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog: load open intents: %w", err)
	}
	defer rows.Close()

	var intents []*Intent

	for rows.Next() {
		in := &Intent{}

		var intended, outcome string

		err := rows.Scan(&in.ID, &in.Path, &intended, &in.AttemptID,
			&in.StartedAt, &in.FinalizedAt, &outcome)
		if err != nil {
			return nil, fmt.Errorf("catalog: scan intent row: %w", err)
		}

		in.IntendedState = State(intended)
		in.Outcome = IntentOutcome(outcome)

		intents = append(intents, in)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: iterate intent rows: %w", err)
	}

	return intents, nil
}

// --- Housekeeping ---

// MarkMissing flags the given paths as absent from disk, stamping
// missing_since on first observation only. The fsm_state is untouched and no
// remote artifact is deleted.
func (s *SQLite) MarkMissing(ctx context.Context, paths []string, since int64) error {
	if len(paths) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: mark missing tx: %w", err)
	}

	stmt := tx.StmtContext(ctx, s.recordStmts.markMissing)
	now := NowNano()

	for _, p := range paths {
		if _, execErr := stmt.ExecContext(ctx, since, now, p); execErr != nil {
			tx.Rollback()
			return fmt.Errorf("catalog: mark missing %q: %w", p, execErr)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("catalog: mark missing commit: %w", err)
	}

	s.logger.Info("marked records missing", "count", len(paths))

	return nil
}

// MarkError records a terminal error reason without a state change.
func (s *SQLite) MarkError(ctx context.Context, path, reason string) error {
	_, err := s.recordStmts.markError.ExecContext(ctx, reason, NowNano(), path)
	if err != nil {
		return fmt.Errorf("catalog: mark error %q: %w", path, err)
	}

	return nil
}

// DeleteRecord removes a record entirely. Only the operator-opted prune step
// calls this, after the remote artifacts are gone.
func (s *SQLite) DeleteRecord(ctx context.Context, path string) error {
	_, err := s.recordStmts.deleteByPath.ExecContext(ctx, path)
	if err != nil {
		return fmt.Errorf("catalog: delete record %q: %w", path, err)
	}

	return nil
}

// --- Library configuration ---

// GetLibraryConfig retrieves a library config value. Returns empty string if
// the key does not exist.
func (s *SQLite) GetLibraryConfig(ctx context.Context, key string) (string, error) {
	var value string

	err := s.configStmts.get.QueryRowContext(ctx, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("catalog: get library config %q: %w", key, err)
	}

	return value, nil
}

// SetLibraryConfig persists a library config key-value pair.
func (s *SQLite) SetLibraryConfig(ctx context.Context, key, value string) error {
	_, err := s.configStmts.set.ExecContext(ctx, key, value)
	if err != nil {
		return fmt.Errorf("catalog: set library config %q: %w", key, err)
	}

	return nil
}

// --- Status ---

// CountByState returns per-state record counts plus housekeeping backlogs.
func (s *SQLite) CountByState(ctx context.Context) (*StateCounts, error) {
	counts := &StateCounts{ByState: make(map[State]int)}

	rows, err := s.db.QueryContext(ctx,
		`SELECT fsm_state, COUNT(*) FROM files GROUP BY fsm_state`)
	if err != nil {
		return nil, fmt.Errorf("catalog: count by state: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			state string
			n     int
		)

		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("catalog: scan count row: %w", err)
		}

		counts.ByState[State(state)] = n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: iterate count rows: %w", err)
	}

	scalars := []struct {
		query string
		dest  *int
	}{
		{`SELECT COUNT(*) FROM files WHERE missing = 1`, &counts.Missing},
		{`SELECT COUNT(*) FROM files WHERE orphan_raw_id != ''`, &counts.Orphans},
		{`SELECT COUNT(*) FROM upload_intents WHERE finalized_at IS NULL`, &counts.OpenIntents},
	}

	for _, q := range scalars {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("catalog: count query: %w", err)
		}
	}

	return counts, nil
}

// --- Maintenance ---

// Checkpoint forces a WAL checkpoint to consolidate the WAL file into the
// main database.
func (s *SQLite) Checkpoint() error {
	_, err := s.db.ExecContext(context.Background(), "PRAGMA wal_checkpoint(TRUNCATE)")
	if err != nil {
		return fmt.Errorf("catalog: wal checkpoint: %w", err)
	}

	return nil
}

// Close closes all prepared statements and the database connection.
func (s *SQLite) Close() error {
	s.logger.Info("closing catalog database")

	if err := s.closeStatements(); err != nil {
		s.logger.Error("error closing statements", "error", err)
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("catalog: close database: %w", err)
	}

	return nil
}

// closeStatements closes all prepared statements, collecting errors.
func (s *SQLite) closeStatements() error {
	stmts := []*sql.Stmt{
		s.recordStmts.get, s.recordStmts.insert, s.recordStmts.listAll,
		s.recordStmts.loadOrphans, s.recordStmts.loadExpired,
		s.recordStmts.listMissing, s.recordStmts.markMissing,
		s.recordStmts.markError, s.recordStmts.deleteByPath,
		s.intentStmts.insert, s.intentStmts.finalize, s.intentStmts.listOpen,
		s.configStmts.get, s.configStmts.set,
	}

	var errs []string

	for _, stmt := range stmts {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				errs = append(errs, err.Error())
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close statements: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Compile-time interface check.
var _ Store = (*SQLite)(nil)
