package database

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	c "github.com/life-stream-dev/life-stream-go-session-host/internal/config"
	event2 "github.com/life-stream-dev/life-stream-go-session-host/internal/event"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/logger"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/utils"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const ephemeralRetention = 24 * time.Hour

type DBCloseCallback struct {
	store *DBStore
}

func NewDBCloseCallback(store *DBStore) *DBCloseCallback {
	return &DBCloseCallback{store: store}
}

func (dc *DBCloseCallback) Invoke(ctx context.Context) error {
	logger.InfoF("Closing database connection")
	ctx, cancel := context.WithTimeout(ctx, dc.store.timeout)
	defer cancel()
	return dc.store.client.Disconnect(ctx)
}

// DatabaseURL builds the connection string, escaping the credentials.
func DatabaseURL(config c.DatabaseConfig) string {
	if config.Username == "" {
		return fmt.Sprintf("mongodb://%s:%d/", config.Host, config.Port)
	}
	encodedUser := url.QueryEscape(config.Username)
	encodedPass := url.QueryEscape(config.Password)
	return fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
		encodedUser, encodedPass,
		config.Host,
		config.Port,
	)
}

func clientOptions(config c.Config) *options.ClientOptions {
	database := config.Database
	clientOptions := options.Client().ApplyURI(DatabaseURL(database)).SetAppName(config.AppName)
	// 连接池配置
	clientOptions.SetMinPoolSize(database.MinPoolSize)
	clientOptions.SetMaxPoolSize(database.MaxPoolSize)
	clientOptions.SetMaxConnIdleTime(utils.DurationOr(database.ConnectIdleTimeout, 5*time.Minute))
	// 超时限制
	clientOptions.SetConnectTimeout(utils.DurationOr(database.ConnectTimeout, 10*time.Second))
	clientOptions.SetSocketTimeout(utils.DurationOr(database.SocketTimeout, 30*time.Second))
	// 心跳包
	clientOptions.SetHeartbeatInterval(utils.DurationOr(database.Heartbeat, 15*time.Second))
	if database.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	// 连接池监控
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Database connection created: %+v", evt)
			case event.ConnectionClosed:
				logger.DebugF("Database connection closed: %+v", evt)
			}
		},
	})
	return clientOptions
}

// ConnectDatabase connects to mongo, prepares the indexes and registers the close callback
// with the process cleaner.
func ConnectDatabase(ctx context.Context, config c.Config) (*DBStore, error) {
	logger.DebugF("Connecting to database...")

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, clientOptions(config))
	if err != nil {
		return nil, fmt.Errorf("error occured while connecting to database: %w", err)
	}

	// 验证连接
	if err = client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, fmt.Errorf("error occured while pinging database: %w", err)
	}

	store := NewDatabaseStore(client, config.Database)
	if err := store.EnsureIndexes(connectCtx); err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, err
	}

	event2.NewCleaner().Add(NewDBCloseCallback(store))
	logger.InfoF("Database connected, collections: %v", collectionsList)
	return store, nil
}

func (ds *DBStore) EnsureIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		SessionCollectionName: {
			{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "status", Value: 1}}, Options: options.Index().SetName("sessions_owner_status")},
		},
		AttendanceCollectionName: {
			{
				Keys:    bson.D{{Key: "session_id", Value: 1}, {Key: "user_id", Value: 1}},
				Options: options.Index().SetUnique(true).SetName("attendance_session_user_unique"),
			},
		},
		EphemeralCollectionName: {
			{Keys: bson.D{{Key: "session_id", Value: 1}}, Options: options.Index().SetName("ephemeral_session")},
			{
				Keys:    bson.D{{Key: "updated_at", Value: 1}},
				Options: options.Index().SetExpireAfterSeconds(int32(ephemeralRetention.Seconds())).SetName("ephemeral_ttl"),
			},
		},
	}
	for collection, models := range indexes {
		if _, err := ds.db.Collection(collection).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("error occured while creating %s indexes: %w", collection, err)
		}
	}
	return nil
}
