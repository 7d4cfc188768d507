// Package catalog owns the durable per-file state for the indexing pipeline.
// It persists file records, the append-only upload-intent log, the transition
// audit trail, and the library configuration in an embedded SQLite database
// running in WAL mode. All lifecycle mutations flow through the optimistic
// concurrency surface (BeginTransition / CommitTransition); readers may
// observe a record between transitions but never mid-transition.
package catalog

import (
	"context"
	"errors"
	"time"
)

// State is the lifecycle state of a file record.
type State string

// Lifecycle states as stored in the files.fsm_state column.
const (
	StateUntracked  State = "untracked"
	StateUploading  State = "uploading"
	StateProcessing State = "processing"
	StateIndexed    State = "indexed"
	StateFailed     State = "failed"
)

// Valid reports whether s is a known lifecycle state.
func (s State) Valid() bool {
	switch s {
	case StateUntracked, StateUploading, StateProcessing, StateIndexed, StateFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether s is a resting state (no remote side effect in
// flight). Open intents whose record is in a non-terminal pre-state are the
// subject of the startup recovery sweep.
func (s State) Terminal() bool {
	return s == StateUntracked || s == StateIndexed || s == StateFailed
}

// Sentinel errors returned by the catalog.
var (
	// ErrConflict is returned by CommitTransition when the record no longer
	// matches the snapshot taken at BeginTransition. The caller re-reads and
	// retries; the conflict is never surfaced to the operator.
	ErrConflict = errors.New("catalog: transition conflict")

	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("catalog: record not found")
)

// FileRecord is the primary entity, keyed by file path relative to the
// library root. One row per tracked file.
type FileRecord struct {
	Path        string
	ContentHash string  // stable identity of current on-disk bytes (hex SHA-256)
	Size        int64   // bytes
	Mtime       float64 // filesystem modification time, floating-point seconds

	State   State
	Version int64 // monotonic, incremented on every committed transition (OCC token)

	RemoteRawID string // uploaded raw artifact, if any
	RemoteDocID string // indexed store document, if any
	OrphanRawID string // previous raw artifact awaiting deletion (pending cleanup obligation)

	Missing      bool
	MissingSince *int64 // when the file was first observed absent (Unix nanoseconds)

	UploadHash        string // digest of the exact bytes last submitted (idempotency key)
	DesiredHash       string // digest of the bytes an upload would submit now
	EnrichmentVersion string // 8-char digest of the enrichment configuration used

	ErrorReason      string
	AttemptCount     int
	RemoteExpiration *int64 // remote TTL deadline (Unix nanoseconds)

	CreatedAt int64 // Unix nanoseconds
	UpdatedAt int64 // Unix nanoseconds
}

// UploadNeeded reports whether the record's last submitted bytes differ from
// the bytes an upload would submit now. Matching hashes make re-running the
// upload a no-op.
func (r *FileRecord) UploadNeeded() bool {
	return r.UploadHash == "" || r.UploadHash != r.DesiredHash
}

// Snapshot is the OCC token returned by BeginTransition. A commit succeeds
// only if the record still matches the snapshot.
type Snapshot struct {
	Path    string
	State   State
	Version int64
}

// IntentOutcome records how an upload intent was resolved.
type IntentOutcome string

// Intent outcomes as stored in the upload_intents.outcome column.
const (
	IntentCommitted  IntentOutcome = "committed"
	IntentRolledBack IntentOutcome = "rolled_back"
	IntentAbandoned  IntentOutcome = "abandoned"
)

// Intent is one row of the append-only write-ahead intent log. An intent is
// written in the same transaction as the FSM read-snapshot, before the remote
// side effect, and finalized in the transaction that commits (or rolls back)
// the transition. Open intents over non-terminal records drive crash recovery.
type Intent struct {
	ID            int64
	Path          string
	IntendedState State
	AttemptID     string
	StartedAt     int64 // Unix nanoseconds
	FinalizedAt   *int64
	Outcome       IntentOutcome // empty while open
}

// Open reports whether the intent has not been finalized.
func (i *Intent) Open() bool {
	return i.FinalizedAt == nil
}

// Transition is one row of the append-only audit trail.
type Transition struct {
	ID        int64
	Path      string
	FromState State
	ToState   State
	Version   int64 // version after the transition
	At        int64 // Unix nanoseconds
}

// Updates describes the field mutations applied by CommitTransition. State is
// mandatory; nil pointer fields are left untouched. Setting a pointer to the
// empty string clears the column (columns default to '').
type Updates struct {
	State State

	ContentHash *string
	Size        *int64
	Mtime       *float64

	RemoteRawID *string
	RemoteDocID *string
	OrphanRawID *string

	UploadHash        *string
	DesiredHash       *string
	EnrichmentVersion *string

	ErrorReason *string

	Missing           *bool
	ClearMissingSince bool

	RemoteExpiration      *int64
	ClearRemoteExpiration bool

	AttemptDelta  int  // added to attempt_count
	ResetAttempts bool // zeroes attempt_count (wins over AttemptDelta)

	// Intent linkage: when IntentID is non-zero the intent row is finalized
	// with IntentOutcome inside the same transaction as the state change.
	IntentID      int64
	IntentOutcome IntentOutcome
}

// StateCounts holds per-state record counts plus housekeeping backlogs,
// as reported by the status command.
type StateCounts struct {
	ByState     map[State]int
	Missing     int
	Orphans     int
	OpenIntents int
}

// Store is the transactional surface the pipeline operates against. The
// SQLite implementation is the only production one; tests substitute fakes.
type Store interface {
	// Record lifecycle
	InsertUntracked(ctx context.Context, rec *FileRecord) error
	GetRecord(ctx context.Context, path string) (*FileRecord, error)
	ListRecords(ctx context.Context) ([]*FileRecord, error)
	LoadPending(ctx context.Context, limit int, states []State) ([]*FileRecord, error)
	LoadOrphans(ctx context.Context) ([]*FileRecord, error)
	LoadExpired(ctx context.Context, now int64) ([]*FileRecord, error)
	ListMissingSince(ctx context.Context, cutoff int64) ([]*FileRecord, error)

	// OCC transition protocol
	BeginTransition(ctx context.Context, path string, intended State) (*FileRecord, Snapshot, *Intent, error)
	CommitTransition(ctx context.Context, snap Snapshot, up Updates) error
	AbandonIntent(ctx context.Context, intentID int64, outcome IntentOutcome) error

	// Intent log
	LoadOpenIntents(ctx context.Context) ([]*Intent, error)

	// Housekeeping (never touches fsm_state)
	MarkMissing(ctx context.Context, paths []string, since int64) error
	MarkError(ctx context.Context, path, reason string) error
	DeleteRecord(ctx context.Context, path string) error

	// Library configuration
	GetLibraryConfig(ctx context.Context, key string) (string, error)
	SetLibraryConfig(ctx context.Context, key, value string) error

	// Status
	CountByState(ctx context.Context) (*StateCounts, error)

	// Maintenance
	Checkpoint() error
	Close() error
}

// Library config keys.
const (
	// ConfigStoreBinding persistently binds this catalog to a remote store
	// resource name. The pipeline refuses to run against a different store
	// unless operator override is given.
	ConfigStoreBinding = "store_binding"

	// ConfigStoreBindingName records the configured store name the binding
	// was resolved from, so later invocations can verify the binding without
	// a remote lookup.
	ConfigStoreBindingName = "store_binding_name"
)

// NowNano returns the current time as Unix nanoseconds. All internal
// timestamps use int64 Unix nanoseconds; the float-seconds mtime from the
// filesystem is kept in its native unit and compared with an epsilon.
func NowNano() int64 {
	return time.Now().UnixNano()
}

// Int64Ptr returns a pointer to v. Used for nullable columns.
func Int64Ptr(v int64) *int64 {
	return &v
}

// StrPtr returns a pointer to s. Used for optional Updates fields.
func StrPtr(s string) *string {
	return &s
}

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool {
	return &b
}
