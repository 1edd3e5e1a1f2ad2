package retrieval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.uber.org/zap"

	"github.com/BaSui01/cardflow/config"
)

const defaultMongoTimeout = 5 * time.Second

// finder is the subset of *mongo.Collection used for text search.
type finder interface {
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (*mongo.Cursor, error)
}

// MongoOptions configures a MongoRetriever.
type MongoOptions struct {
	Client     *mongo.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// MongoRetriever is the infra retrieval strategy: a MongoDB collection with
// a text index over the "text" field.
type MongoRetriever struct {
	client  *mongo.Client
	coll    finder
	timeout time.Duration
	owned   bool
	logger  *zap.Logger
}

var _ Retriever = (*MongoRetriever)(nil)

type mongoDocument struct {
	Source string  `bson:"source"`
	Text   string  `bson:"text"`
	Score  float64 `bson:"score"`
}

// NewMongoRetriever wraps an existing client.
func NewMongoRetriever(opts MongoOptions, logger *zap.Logger) (*MongoRetriever, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("mongo database is required")
	}
	if opts.Collection == "" {
		return nil, errors.New("mongo collection is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultMongoTimeout
	}
	return &MongoRetriever{
		client:  opts.Client,
		coll:    opts.Client.Database(opts.Database).Collection(opts.Collection),
		timeout: timeout,
		logger:  logger.With(zap.String("component", "mongo_retriever")),
	}, nil
}

// OpenMongoRetriever connects with cfg and pings the primary. The returned
// retriever owns the client.
func OpenMongoRetriever(ctx context.Context, cfg config.MongoConfig, logger *zap.Logger) (*MongoRetriever, error) {
	if cfg.URI == "" {
		return nil, errors.New("mongo uri is not configured")
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultMongoTimeout
	}
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URI).SetConnectTimeout(timeout).SetServerSelectionTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	r, err := NewMongoRetriever(MongoOptions{
		Client:     client,
		Database:   cfg.Database,
		Collection: cfg.Collection,
		Timeout:    timeout,
	}, logger)
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	r.owned = true
	if err := r.Ping(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return r, nil
}

// Ping checks the primary is reachable.
func (r *MongoRetriever) Ping(ctx context.Context) error {
	if r.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("ping mongo: %w", err)
	}
	return nil
}

// Retrieve runs a $text search sorted by text score.
func (r *MongoRetriever) Retrieve(ctx context.Context, query string, k int) ([]Snippet, error) {
	if k <= 0 || query == "" {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	score := bson.M{"score": bson.M{"$meta": "textScore"}}
	opts := options.Find().
		SetLimit(int64(k)).
		SetProjection(bson.M{"source": 1, "text": 1, "score": bson.M{"$meta": "textScore"}}).
		SetSort(score)
	cur, err := r.coll.Find(ctx, bson.M{"$text": bson.M{"$search": query}}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo text search: %w", err)
	}
	defer cur.Close(ctx)

	var docs []mongoDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode mongo results: %w", err)
	}
	out := make([]Snippet, 0, len(docs))
	for _, d := range docs {
		out = append(out, Snippet{Source: d.Source, Text: d.Text, Score: d.Score})
	}
	r.logger.Debug("mongo retrieval", zap.Int("results", len(out)))
	return out, nil
}

// Close disconnects an owned client.
func (r *MongoRetriever) Close(ctx context.Context) error {
	if !r.owned || r.client == nil {
		return nil
	}
	return r.client.Disconnect(ctx)
}
