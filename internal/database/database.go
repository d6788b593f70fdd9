package database

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	"github.com/life-stream-dev/life-stream-mqtt/internal/config"
	"github.com/life-stream-dev/life-stream-mqtt/internal/logger"
	"github.com/life-stream-dev/life-stream-mqtt/internal/utils"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoConnection 持有 MongoDB 客户端，同时作为关闭回调注册到 Cleaner
type MongoConnection struct {
	Client           *mongo.Client
	Database         *mongo.Database
	OperationTimeout time.Duration
	cacheSize        int
	cacheTTL         time.Duration
}

func (mc *MongoConnection) Invoke(ctx context.Context) error {
	logger.InfoF("Closing database connection")
	return mc.Client.Disconnect(ctx)
}

func mongoURI(cfg config.DatabaseConfig) string {
	if cfg.Username == "" {
		return fmt.Sprintf("mongodb://%s:%d/", cfg.Host, cfg.Port)
	}
	// 编码特殊字符
	encodedUser := url.QueryEscape(cfg.Username)
	encodedPass := url.QueryEscape(cfg.Password)
	return fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
		encodedUser, encodedPass,
		cfg.Host,
		cfg.Port,
	)
}

func ConnectMongo(ctx context.Context, cfg config.DatabaseConfig, appName string) (*MongoConnection, error) {
	logger.DebugF("Connecting to database...")

	clientOptions := options.Client().ApplyURI(mongoURI(cfg)).SetAppName(appName)
	// 连接池配置
	clientOptions.SetMinPoolSize(cfg.MinPoolSize)
	clientOptions.SetMaxPoolSize(cfg.MaxPoolSize)
	clientOptions.SetMaxConnIdleTime(utils.MustParseStringTime(cfg.ConnectIdleTimeout, 5*time.Minute))
	// 超时限制
	clientOptions.SetConnectTimeout(utils.MustParseStringTime(cfg.ConnectTimeout, 10*time.Second))
	clientOptions.SetSocketTimeout(utils.MustParseStringTime(cfg.SocketTimeout, 30*time.Second))
	// 心跳包
	clientOptions.SetHeartbeatInterval(utils.MustParseStringTime(cfg.Heartbeat, 10*time.Second))
	if cfg.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{})
	}
	// 连接池监控
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Database connection created: %s#%d", evt.Address, evt.ConnectionID)
			case event.ConnectionClosed:
				logger.DebugF("Database connection closed: %s#%d (%s)", evt.Address, evt.ConnectionID, evt.Reason)
			}
		},
	})

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("error occured while connecting to database: %w", err)
	}

	// 验证连接
	if err = client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, fmt.Errorf("error occured while pinging database: %w", err)
	}

	logger.InfoF("Connected to database %s at %s:%d", cfg.Database, cfg.Host, cfg.Port)
	return &MongoConnection{
		Client:           client,
		Database:         client.Database(cfg.Database),
		OperationTimeout: utils.MustParseStringTime(cfg.OperationTimeout, 5*time.Second),
		cacheSize:        cfg.CacheSize,
		cacheTTL:         utils.MustParseStringTime(cfg.CacheTTL, time.Minute),
	}, nil
}

// Store 基于该连接构造三个集合的仓库
func (mc *MongoConnection) Store() *Store {
	opts := MongoOptions{
		OperationTimeout: mc.OperationTimeout,
		CacheSize:        mc.cacheSize,
		CacheTTL:         mc.cacheTTL,
	}
	return NewStore(
		NewMongoRepository[Session](mc.Database.Collection(SessionCollectionName), SessionCollectionName, opts),
		NewMongoRepository[RetainedMessage](mc.Database.Collection(RetainedMessageCollectionName), RetainedMessageCollectionName, opts),
		NewMongoRepository[ConnectionWill](mc.Database.Collection(WillMessageCollectionName), WillMessageCollectionName, opts),
	)
}
