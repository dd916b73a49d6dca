package domain

import "time"

// HotStore (port) is Tier 1: volatile session state, submission locks and
// cache projections. Losing it degrades latency, never durable state.
// Lookup misses surface as ErrNotFound; any other error means the tier is
// degraded and callers decide whether to absorb it.
type HotStore interface {
	SessionState(ctx Context, sessionID string) (SessionState, error)
	SaveSessionState(ctx Context, st SessionState) error
	DeleteSessionState(ctx Context, sessionID string) error

	// AcquireSubmissionLock is set-if-absent with a short TTL; false means
	// the (session, question) pair is already claimed.
	AcquireSubmissionLock(ctx Context, sessionID, questionID string) (bool, error)
	ReleaseSubmissionLock(ctx Context, sessionID, questionID string) error

	Pool(ctx Context, poolID string) (*QuestionPool, error)
	SavePool(ctx Context, p *QuestionPool) error
	DeletePool(ctx Context, poolID string) error

	Question(ctx Context, questionID string) (Question, error)
	SaveQuestion(ctx Context, q Question) error

	// CleanupInactiveSessions deletes session-state keys whose last_activity
	// is older than the threshold and returns how many were removed.
	CleanupInactiveSessions(ctx Context, olderThan time.Duration) (int, error)

	Stats(ctx Context) (HotStoreStats, error)
	Ping(ctx Context) error
	Close() error
}

// StudentRepo (port)

type StudentRepo interface {
	// GetOrCreate returns the student, creating the row and one 0.5-valued
	// proficiency record per concept name on first sight.
	GetOrCreate(ctx Context, studentID string, conceptNames []string) (Student, error)
	Proficiencies(ctx Context, studentID string) ([]ProficiencyRecord, error)
	// UpsertProficiency is atomic per (student_id, concept_name).
	UpsertProficiency(ctx Context, rec ProficiencyRecord) error
}

// SessionRepo (port) owns the canonical session rows.

type SessionRepo interface {
	Create(ctx Context, s Session) error
	Get(ctx Context, id string) (Session, error)
	UpdateActivity(ctx Context, id string, at time.Time) error
	Complete(ctx Context, id string, final []float64, total, correct int, accuracy float64, at time.Time) error
	ListByStudent(ctx Context, studentID string) ([]Session, error)
}

// ResponseRepo (port)

type ResponseRepo interface {
	// Insert returns ErrDuplicateSubmission when a row for the same
	// (session_id, question_id) already exists.
	Insert(ctx Context, r ResponseRecord) error
	ListBySession(ctx Context, sessionID string) ([]ResponseRecord, error)
}

// PoolRepo (port) is Tier 2: durable pool snapshots with TTL columns.
// Get self-evicts expired rows and reports ErrNotFound for them.

type PoolRepo interface {
	Get(ctx Context, poolID string) (*QuestionPool, error)
	Save(ctx Context, p *QuestionPool, ttl time.Duration) error
	Delete(ctx Context, poolID string) error
	QuestionByID(ctx Context, questionID string) (Question, error)
}

// QuestionSource (port) is Tier 3, the authoritative remote.

type QuestionSource interface {
	FetchPool(ctx Context, level, levelID string, fetchAllPages bool) (*QuestionPool, error)
}

// EventPublisher (port) emits session lifecycle events. Publishing is
// best-effort from the caller's point of view.

type EventPublisher interface {
	Publish(ctx Context, ev SessionEvent) error
	Close()
}
