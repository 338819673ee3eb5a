package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/logger"
)

// MemoryStore is an in-process Backend.
type MemoryStore struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	plans      map[string]*Plan
	attendance map[string]map[string]Attendance
	ephemeral  map[string]*EphemeralData
	now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:   make(map[string]*Session),
		plans:      make(map[string]*Plan),
		attendance: make(map[string]map[string]Attendance),
		ephemeral:  make(map[string]*EphemeralData),
		now:        time.Now,
	}
}

func (ms *MemoryStore) FetchSession(ctx context.Context, id string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, ErrIDEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	session, ok := ms.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrSessionNotFound)
	}
	return session.Clone(), nil
}

func (ms *MemoryStore) CreateSession(ctx context.Context, params NewSession) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if params.OwnerID == "" {
		return nil, ErrIDEmpty
	}
	now := ms.now()
	session := &Session{
		ID:        uuid.NewString(),
		Name:      params.Name,
		OwnerID:   params.OwnerID,
		Status:    StatusNew,
		SceneRef:  params.SceneRef,
		PlanID:    params.PlanID,
		Content:   append([]byte(nil), params.Content...),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if len(params.Content) == 0 {
		session.Content = nil
	}
	ms.mu.Lock()
	ms.sessions[session.ID] = session
	ms.mu.Unlock()
	logger.InfoF("Session created: id=%s, owner=%s", session.ID, session.OwnerID)
	return session.Clone(), nil
}

func (ms *MemoryStore) CreateSessionFromPlan(ctx context.Context, planID, ownerID string) (*Session, error) {
	if planID == "" {
		return nil, ErrIDEmpty
	}
	ms.mu.Lock()
	plan, ok := ms.plans[planID]
	ms.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", planID, ErrPlanNotFound)
	}
	return ms.CreateSession(ctx, NewSession{Name: plan.Name, OwnerID: ownerID, SceneRef: plan.SceneRef, PlanID: plan.ID, Content: plan.Content})
}

func (ms *MemoryStore) PatchSession(ctx context.Context, id string, patch SessionPatch) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, ErrIDEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	session, ok := ms.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrSessionNotFound)
	}
	next := session.Clone()
	if err := patch.apply(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = ms.now()
	ms.sessions[id] = next
	return next.Clone(), nil
}

func (ms *MemoryStore) UpdateAttendance(ctx context.Context, sessionID, userID, userName string, status AttendanceStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if sessionID == "" || userID == "" {
		return ErrIDEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.attendance[sessionID] == nil {
		ms.attendance[sessionID] = make(map[string]Attendance)
	}
	ms.attendance[sessionID][userID] = Attendance{SessionID: sessionID, UserID: userID, UserName: userName, Status: status, UpdatedAt: ms.now()}
	return nil
}

func (ms *MemoryStore) FetchAttendance(ctx context.Context, sessionID string) ([]Attendance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	out := make([]Attendance, 0, len(ms.attendance[sessionID]))
	for _, a := range ms.attendance[sessionID] {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (ms *MemoryStore) PutEphemeralData(ctx context.Context, handle, sessionID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if handle == "" {
		return ErrIDEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.ephemeral[handle] = &EphemeralData{Handle: handle, SessionID: sessionID, Data: append([]byte(nil), data...), UpdatedAt: ms.now()}
	return nil
}

func (ms *MemoryStore) FetchEphemeralData(ctx context.Context, handle string) (*EphemeralData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if handle == "" {
		return nil, ErrIDEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	data, ok := ms.ephemeral[handle]
	if !ok {
		return nil, fmt.Errorf("%s: %w", handle, ErrEphemeralNotFound)
	}
	out := *data
	out.Data = append([]byte(nil), data.Data...)
	return &out, nil
}

func (ms *MemoryStore) SavePlan(ctx context.Context, plan Plan) (*Plan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = ms.now()
	}
	plan.Content = append([]byte(nil), plan.Content...)
	ms.mu.Lock()
	defer ms.mu.Unlock()
	stored := plan
	ms.plans[plan.ID] = &stored
	out := plan
	return &out, nil
}
