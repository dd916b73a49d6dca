package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrNotFound            = errors.New("not found")
	ErrPoolUnavailable     = errors.New("question pool unavailable")
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionInactive     = errors.New("session not active")
	ErrQuestionNotFound    = errors.New("question not found")
	ErrDuplicateSubmission = errors.New("duplicate submission")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrUpstreamError       = errors.New("upstream error")
	ErrInternal            = errors.New("internal error")
)

// Pool hierarchy levels accepted by the cache waterfall.
const (
	LevelTopic   = "topic"
	LevelChapter = "chapter"
	LevelSubject = "subject"
	LevelClass   = "class"
	LevelExam    = "exam"
)

// ValidLevel reports whether level names a known pool hierarchy level.
func ValidLevel(level string) bool {
	switch level {
	case LevelTopic, LevelChapter, LevelSubject, LevelClass, LevelExam:
		return true
	}
	return false
}

// PoolID builds the cache identity of a hierarchy-backed pool.
// Uploaded pools use the disjoint "upload_{uuid}" namespace instead.
func PoolID(level, levelID string) string {
	return level + "_" + levelID
}

// Question is an immutable test item. Concepts is a 0/1 indicator vector of
// length K telling which latent concepts the item loads on. Guessing is
// carried through transport and storage but does not enter scoring.
// CorrectAnswer is omitted from JSON when stripped by Sanitized.
type Question struct {
	ID             string    `json:"id"`
	Content        string    `json:"content"`
	Options        []string  `json:"options"`
	CorrectAnswer  string    `json:"correct_answer,omitempty"`
	Concepts       []float64 `json:"concepts"`
	Difficulty     float64   `json:"difficulty"`
	Discrimination float64   `json:"discrimination"`
	Guessing       float64   `json:"guessing"`
	TopicID        string    `json:"topic_id,omitempty"`
	ChapterID      string    `json:"chapter_id,omitempty"`
	SubjectID      string    `json:"subject_id,omitempty"`
	ClassID        string    `json:"class_id,omitempty"`
	ExamID         string    `json:"exam_id,omitempty"`
}

// Sanitized returns a copy safe to hand to a test client.
func (q Question) Sanitized() Question {
	s := q
	s.CorrectAnswer = ""
	return s
}

// Attribute describes one latent concept of a pool.
type Attribute struct {
	Name  string `json:"name"`
	Index int    `json:"index"`
}

// Pool provenance markers.
const (
	SourceRedis    = "redis"
	SourceSupabase = "supabase"
	SourceExternal = "external_api"
	SourceUpload   = "upload"
)

// QuestionPool is a read-only snapshot of one pool plus cache provenance.
type QuestionPool struct {
	ID             string      `json:"id"`
	Level          string      `json:"level"`
	LevelID        string      `json:"level_id"`
	Questions      []Question  `json:"questions"`
	Attributes     []Attribute `json:"attributes"`
	AttributeCount int         `json:"attribute_count"`
	TotalQuestions int         `json:"total_questions"`
	Source         string      `json:"source"`
	FetchedAt      time.Time   `json:"fetched_at"`
	ExpiresAt      time.Time   `json:"expires_at"`
}

type Student struct {
	ID        string
	CreatedAt time.Time
}

// ProficiencyRecord is the per-(student, concept) ability estimate.
// Value stays within [-3, 3] after every update.
type ProficiencyRecord struct {
	StudentID   string
	ConceptName string
	Value       float64
	Confidence  float64
	UpdatedAt   time.Time
}

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionExpired   SessionStatus = "expired"
)

// End-criteria types for the stopping rule.
const (
	CriteriaFixedLength    = "fixed_length"
	CriteriaPrecision      = "precision"
	CriteriaClassification = "classification"
)

// EndCriteria parameterizes the stopping rule. Min/Max bound every type.
type EndCriteria struct {
	Type                    string  `json:"type"`
	MaxQuestions            int     `json:"max_questions"`
	MinQuestions            int     `json:"min_questions"`
	PrecisionThreshold      float64 `json:"precision_threshold"`
	ClassificationThreshold float64 `json:"classification_threshold"`
}

// DefaultEndCriteria returns the fixed-length defaults applied when a start
// request omits end criteria.
func DefaultEndCriteria() EndCriteria {
	return EndCriteria{
		Type:                    CriteriaFixedLength,
		MaxQuestions:            20,
		MinQuestions:            5,
		PrecisionThreshold:      0.3,
		ClassificationThreshold: 0.8,
	}
}

// Session is the canonical (warm store) record of one test attempt.
type Session struct {
	ID                 string
	StudentID          string
	PoolID             string
	Status             SessionStatus
	InitialProficiency []float64
	CurrentProficiency []float64
	ConceptNames       []string
	EndCriteria        EndCriteria
	QuestionsAnswered  int
	CorrectCount       int
	Accuracy           float64
	StartedAt          time.Time
	LastActivity       time.Time
	CompletedAt        *time.Time
}

// SessionState is the hot-store projection of an active session. It is the
// JSON payload stored under session:{id}:state and carries everything submit
// needs without a warm read.
type SessionState struct {
	SessionID          string      `json:"session_id"`
	StudentID          string      `json:"student_id"`
	PoolID             string      `json:"question_pool_id"`
	Status             string      `json:"status"`
	CurrentProficiency []float64   `json:"current_proficiency"`
	ConceptNames       []string    `json:"concept_names"`
	EndCriteria        EndCriteria `json:"end_criteria"`
	QuestionsAnswered  int         `json:"questions_answered"`
	CorrectCount       int         `json:"correct_count"`
	NextQuestionID     string      `json:"next_question_id"`
	LastActivity       string      `json:"last_activity"` // RFC3339
}

// ResponseRecord is append-only; at most one row exists per
// (session_id, question_id).
type ResponseRecord struct {
	StudentID         string
	SessionID         string
	QuestionID        string
	Response          int
	ProficiencyBefore []float64
	ProficiencyAfter  []float64
	CreatedAt         time.Time
}

// TestSummary is produced when a session completes.
type TestSummary struct {
	TotalQuestions     int       `json:"total_questions"`
	CorrectCount       int       `json:"correct_count"`
	Accuracy           float64   `json:"accuracy"`
	InitialProficiency []float64 `json:"initial_proficiency"`
	FinalProficiency   []float64 `json:"final_proficiency"`
	ProficiencyChange  []float64 `json:"proficiency_change"`
	LearningGain       float64   `json:"learning_gain"`
	Efficiency         float64   `json:"efficiency"`
}

// CacheStats is a point-in-time snapshot of the waterfall counters.
type CacheStats struct {
	RedisHits        int64 `json:"redis_hits"`
	RedisMisses      int64 `json:"redis_misses"`
	SupabaseHits     int64 `json:"supabase_hits"`
	SupabaseMisses   int64 `json:"supabase_misses"`
	ExternalAPICalls int64 `json:"external_api_calls"`
	TotalRequests    int64 `json:"total_requests"`
}

// HotStoreStats reports key counts by prefix plus a few server fields, for
// the debug endpoint.
type HotStoreStats struct {
	SessionKeys      int    `json:"session_keys"`
	LockKeys         int    `json:"lock_keys"`
	PoolKeys         int    `json:"pool_keys"`
	QuestionKeys     int    `json:"question_keys"`
	TotalKeys        int64  `json:"total_keys"`
	UsedMemoryHuman  string `json:"used_memory_human,omitempty"`
	ConnectedClients string `json:"connected_clients,omitempty"`
}

// WarmupPool names one pool to pre-warm.
type WarmupPool struct {
	Level   string `json:"level" yaml:"level"`
	LevelID string `json:"level_id" yaml:"level_id"`
}

// WarmupOutcome is the per-pool result of a warm-up batch.
type WarmupOutcome struct {
	Level     string `json:"level"`
	LevelID   string `json:"level_id"`
	PoolID    string `json:"pool_id"`
	OK        bool   `json:"ok"`
	Questions int    `json:"questions,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Session lifecycle event types.
const (
	EventSessionStarted   = "session.started"
	EventSessionCompleted = "session.completed"
)

// SessionEvent is published to the event stream on lifecycle transitions.
type SessionEvent struct {
	Type              string    `json:"type"`
	SessionID         string    `json:"session_id"`
	StudentID         string    `json:"student_id"`
	PoolID            string    `json:"question_pool_id"`
	QuestionsAnswered int       `json:"questions_answered,omitempty"`
	CorrectCount      int       `json:"correct_count,omitempty"`
	Accuracy          float64   `json:"accuracy,omitempty"`
	At                time.Time `json:"at"`
}

// Context aliases the std context so ports read tersely; adapters and
// usecases pass context.Context through unchanged.
type Context = context.Context
