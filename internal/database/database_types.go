package database

import (
	"context"
	"errors"
	"time"
)

const (
	SessionCollectionName    = "sessions"
	PlanCollectionName       = "plans"
	AttendanceCollectionName = "attendance"
	EphemeralCollectionName  = "ephemeral_data"
)

var collectionsList = []string{SessionCollectionName, PlanCollectionName, AttendanceCollectionName, EphemeralCollectionName}

var (
	ErrIDEmpty            = errors.New("id is empty")
	ErrSessionNotFound    = errors.New("session not found")
	ErrPlanNotFound       = errors.New("plan not found")
	ErrEphemeralNotFound  = errors.New("ephemeral data not found")
	ErrInvalidTransition  = errors.New("invalid session status transition")
	ErrAttendanceNotFound = errors.New("attendance not found")
)

type SessionStatus string

const (
	StatusNew        SessionStatus = "new"
	StatusInProgress SessionStatus = "in_progress"
	StatusEnded      SessionStatus = "ended"
	StatusInvalid    SessionStatus = "invalid"
)

// CanTransition reports whether a session may move from s to next. Ended and Invalid are final.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	switch s {
	case StatusNew:
		return next == StatusInProgress || next == StatusEnded || next == StatusInvalid || next == StatusNew
	case StatusInProgress:
		return next == StatusInProgress || next == StatusEnded || next == StatusInvalid
	default:
		return s == next
	}
}

type Session struct {
	ID        string        `bson:"_id"`
	Name      string        `bson:"name"`
	OwnerID   string        `bson:"owner_id"`
	Locked    bool          `bson:"locked"`
	Saved     bool          `bson:"saved"`
	Status    SessionStatus `bson:"status"`
	SceneRef  string        `bson:"scene_ref"`
	PlanID    string        `bson:"plan_id,omitempty"`
	Content   []byte        `bson:"content,omitempty"`
	CreatedAt time.Time     `bson:"created_at"`
	UpdatedAt time.Time     `bson:"updated_at"`
}

func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.Content != nil {
		out.Content = append([]byte(nil), s.Content...)
	}
	return &out
}

// Plan is a reusable session template.
type Plan struct {
	ID        string    `bson:"_id"`
	Name      string    `bson:"name"`
	OwnerID   string    `bson:"owner_id"`
	SceneRef  string    `bson:"scene_ref"`
	Content   []byte    `bson:"content,omitempty"`
	CreatedAt time.Time `bson:"created_at"`
}

type AttendanceStatus string

const (
	AttendanceJoined   AttendanceStatus = "joined"
	AttendanceAttended AttendanceStatus = "attended"
	AttendanceKicked   AttendanceStatus = "kicked"
)

type Attendance struct {
	SessionID string           `bson:"session_id"`
	UserID    string           `bson:"user_id"`
	UserName  string           `bson:"user_name"`
	Status    AttendanceStatus `bson:"status"`
	UpdatedAt time.Time        `bson:"updated_at"`
}

// EphemeralData is the host-exported snapshot late joiners resynchronize from.
type EphemeralData struct {
	Handle    string    `bson:"_id"`
	SessionID string    `bson:"session_id"`
	Data      []byte    `bson:"data"`
	UpdatedAt time.Time `bson:"updated_at"`
}

type NewSession struct {
	Name     string
	OwnerID  string
	SceneRef string
	PlanID   string
	Content  []byte
}

// SessionPatch lists the fields to change; nil fields are left untouched.
type SessionPatch struct {
	Name    *string
	Locked  *bool
	Saved   *bool
	Status  *SessionStatus
	Content []byte
}

func (p SessionPatch) apply(s *Session) error {
	if p.Status != nil {
		if !s.Status.CanTransition(*p.Status) {
			return errors.Join(ErrInvalidTransition, errors.New(string(s.Status)+" -> "+string(*p.Status)))
		}
		s.Status = *p.Status
	}
	if p.Name != nil {
		s.Name = *p.Name
	}
	if p.Locked != nil {
		s.Locked = *p.Locked
	}
	if p.Saved != nil {
		s.Saved = *p.Saved
	}
	if p.Content != nil {
		s.Content = append([]byte(nil), p.Content...)
	}
	return nil
}

func StatusPatch(status SessionStatus) SessionPatch {
	return SessionPatch{Status: &status}
}

// Backend is the session service of record.
type Backend interface {
	FetchSession(ctx context.Context, id string) (*Session, error)
	CreateSession(ctx context.Context, params NewSession) (*Session, error)
	CreateSessionFromPlan(ctx context.Context, planID, ownerID string) (*Session, error)
	PatchSession(ctx context.Context, id string, patch SessionPatch) (*Session, error)
	UpdateAttendance(ctx context.Context, sessionID, userID, userName string, status AttendanceStatus) error
	FetchAttendance(ctx context.Context, sessionID string) ([]Attendance, error)
	PutEphemeralData(ctx context.Context, handle, sessionID string, data []byte) error
	FetchEphemeralData(ctx context.Context, handle string) (*EphemeralData, error)
	SavePlan(ctx context.Context, plan Plan) (*Plan, error)
}
