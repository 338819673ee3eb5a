package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	c "github.com/life-stream-dev/life-stream-go-session-host/internal/config"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/logger"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/utils"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DBStore is the mongo-backed Backend. Session records are cached for a short time and the
// cache is refreshed on every write.
type DBStore struct {
	client  *mongo.Client
	db      *mongo.Database
	timeout time.Duration
	cache   *expirable.LRU[string, *Session]
}

func NewDatabaseStore(client *mongo.Client, config c.DatabaseConfig) *DBStore {
	size := config.SessionCacheSize
	if size <= 0 {
		size = 256
	}
	return &DBStore{
		client:  client,
		db:      client.Database(config.Database),
		timeout: utils.DurationOr(config.OperationTimeout, 10*time.Second),
		cache:   expirable.NewLRU[string, *Session](size, nil, utils.DurationOr(config.SessionCacheTTL, time.Minute)),
	}
}

func wrapError(err error, notFound error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("unique key conflicts: %w", err)
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("document does not exist: %w", notFound)
	}
	return fmt.Errorf("database operation failed: %w", err)
}

func (ds *DBStore) FetchSession(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, ErrIDEmpty
	}
	if cached, ok := ds.cache.Get(id); ok {
		return cached.Clone(), nil
	}

	ctx, cancel := context.WithTimeout(ctx, ds.timeout)
	defer cancel()

	var session Session
	startTime := time.Now()
	err := ds.db.Collection(SessionCollectionName).FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&session)
	logger.DebugF("session query cost: %v", time.Since(startTime))
	if err != nil {
		return nil, wrapError(err, ErrSessionNotFound)
	}
	ds.cache.Add(id, session.Clone())
	return &session, nil
}

func (ds *DBStore) CreateSession(ctx context.Context, params NewSession) (*Session, error) {
	if params.OwnerID == "" {
		return nil, ErrIDEmpty
	}
	ctx, cancel := context.WithTimeout(ctx, ds.timeout)
	defer cancel()

	now := time.Now().UTC()
	session := &Session{
		ID:        uuid.NewString(),
		Name:      params.Name,
		OwnerID:   params.OwnerID,
		Status:    StatusNew,
		SceneRef:  params.SceneRef,
		PlanID:    params.PlanID,
		Content:   params.Content,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := ds.db.Collection(SessionCollectionName).InsertOne(ctx, session); err != nil {
		return nil, wrapError(err, ErrSessionNotFound)
	}
	ds.cache.Add(session.ID, session.Clone())
	logger.InfoF("Session created: id=%s, owner=%s", session.ID, session.OwnerID)
	return session, nil
}

func (ds *DBStore) CreateSessionFromPlan(ctx context.Context, planID, ownerID string) (*Session, error) {
	if planID == "" {
		return nil, ErrIDEmpty
	}
	findCtx, cancel := context.WithTimeout(ctx, ds.timeout)
	var plan Plan
	err := ds.db.Collection(PlanCollectionName).FindOne(findCtx, bson.D{{Key: "_id", Value: planID}}).Decode(&plan)
	cancel()
	if err != nil {
		return nil, wrapError(err, ErrPlanNotFound)
	}
	return ds.CreateSession(ctx, NewSession{Name: plan.Name, OwnerID: ownerID, SceneRef: plan.SceneRef, PlanID: plan.ID, Content: plan.Content})
}

// PatchSession applies patch after checking the status transition against the stored record.
func (ds *DBStore) PatchSession(ctx context.Context, id string, patch SessionPatch) (*Session, error) {
	if id == "" {
		return nil, ErrIDEmpty
	}
	ds.cache.Remove(id)
	current, err := ds.FetchSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := patch.apply(current); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, ds.timeout)
	defer cancel()

	set := bson.M{"updated_at": time.Now().UTC()}
	if patch.Status != nil {
		set["status"] = current.Status
	}
	if patch.Name != nil {
		set["name"] = current.Name
	}
	if patch.Locked != nil {
		set["locked"] = current.Locked
	}
	if patch.Saved != nil {
		set["saved"] = current.Saved
	}
	if patch.Content != nil {
		set["content"] = current.Content
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var updated Session
	err = ds.db.Collection(SessionCollectionName).
		FindOneAndUpdate(ctx, bson.D{{Key: "_id", Value: id}}, bson.M{"$set": set}, opts).
		Decode(&updated)
	if err != nil {
		return nil, wrapError(err, ErrSessionNotFound)
	}
	ds.cache.Add(id, updated.Clone())
	logger.DebugF("Session patched: id=%s, status=%s", id, updated.Status)
	return &updated, nil
}

func (ds *DBStore) UpdateAttendance(ctx context.Context, sessionID, userID, userName string, status AttendanceStatus) error {
	if sessionID == "" || userID == "" {
		return ErrIDEmpty
	}
	ctx, cancel := context.WithTimeout(ctx, ds.timeout)
	defer cancel()

	filter := bson.D{{Key: "session_id", Value: sessionID}, {Key: "user_id", Value: userID}}
	update := bson.M{"$set": bson.M{"user_name": userName, "status": status, "updated_at": time.Now().UTC()}}
	result, err := ds.db.Collection(AttendanceCollectionName).UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return wrapError(err, ErrAttendanceNotFound)
	}
	logger.DebugF("Attendance saved: session=%s, user=%s, status=%s, upserted=%v",
		sessionID, userID, status, result.UpsertedID != nil)
	return nil
}

func (ds *DBStore) FetchAttendance(ctx context.Context, sessionID string) ([]Attendance, error) {
	if sessionID == "" {
		return nil, ErrIDEmpty
	}
	ctx, cancel := context.WithTimeout(ctx, ds.timeout)
	defer cancel()

	cursor, err := ds.db.Collection(AttendanceCollectionName).Find(ctx,
		bson.D{{Key: "session_id", Value: sessionID}},
		options.Find().SetSort(bson.D{{Key: "user_id", Value: 1}}))
	if err != nil {
		return nil, wrapError(err, ErrAttendanceNotFound)
	}
	var out []Attendance
	if err := cursor.All(ctx, &out); err != nil {
		return nil, wrapError(err, ErrAttendanceNotFound)
	}
	return out, nil
}

func (ds *DBStore) PutEphemeralData(ctx context.Context, handle, sessionID string, data []byte) error {
	if handle == "" {
		return ErrIDEmpty
	}
	ctx, cancel := context.WithTimeout(ctx, ds.timeout)
	defer cancel()

	doc := EphemeralData{Handle: handle, SessionID: sessionID, Data: data, UpdatedAt: time.Now().UTC()}
	_, err := ds.db.Collection(EphemeralCollectionName).
		ReplaceOne(ctx, bson.D{{Key: "_id", Value: handle}}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return wrapError(err, ErrEphemeralNotFound)
	}
	return nil
}

func (ds *DBStore) FetchEphemeralData(ctx context.Context, handle string) (*EphemeralData, error) {
	if handle == "" {
		return nil, ErrIDEmpty
	}
	ctx, cancel := context.WithTimeout(ctx, ds.timeout)
	defer cancel()

	var data EphemeralData
	startTime := time.Now()
	err := ds.db.Collection(EphemeralCollectionName).FindOne(ctx, bson.D{{Key: "_id", Value: handle}}).Decode(&data)
	logger.DebugF("ephemeral data query cost: %v", time.Since(startTime))
	if err != nil {
		return nil, wrapError(err, ErrEphemeralNotFound)
	}
	return &data, nil
}

func (ds *DBStore) SavePlan(ctx context.Context, plan Plan) (*Plan, error) {
	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(ctx, ds.timeout)
	defer cancel()

	result, err := ds.db.Collection(PlanCollectionName).
		ReplaceOne(ctx, bson.D{{Key: "_id", Value: plan.ID}}, plan, options.Replace().SetUpsert(true))
	if err != nil {
		return nil, wrapError(err, ErrPlanNotFound)
	}
	logger.InfoF("Plan saved: id=%s, matched=%d, modified=%d, upserted=%v",
		plan.ID, result.MatchedCount, result.ModifiedCount, result.UpsertedID != nil)
	return &plan, nil
}
