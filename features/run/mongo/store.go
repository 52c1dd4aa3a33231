// Package mongo provides the MongoDB-backed run store. Run records are the
// system of record for run status: the controller retries writes against this
// store, and crash recovery scans it at process start.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/agentflow/runtime/run"
	"goa.design/agentflow/runtime/stream"
)

const (
	defaultCollection = "agent_runs"
	defaultOpTimeout  = 5 * time.Second
)

type (
	// Options configures the Mongo run store.
	Options struct {
		// Client is the Mongo connection. Required.
		Client *mongodriver.Client

		// Database is the database name. Required.
		Database string

		// Collection overrides the default "agent_runs" collection.
		Collection string

		// Timeout bounds individual operations. Defaults to 5s.
		Timeout time.Duration
	}

	// Store implements run.Store on MongoDB.
	Store struct {
		coll    *mongodriver.Collection
		timeout time.Duration
	}

	runDocument struct {
		RunID       string    `bson:"run_id"`
		ThreadID    string    `bson:"thread_id"`
		ProjectID   string    `bson:"project_id"`
		Status      string    `bson:"status"`
		StartedAt   time.Time `bson:"started_at"`
		CompletedAt time.Time `bson:"completed_at,omitempty"`
		Error       string    `bson:"error,omitempty"`
		Responses   []string  `bson:"responses,omitempty"`
	}
)

// New returns a Store backed by MongoDB. Indexes are created eagerly so
// lookup paths are covered from the first operation.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	s := &Store{
		coll:    opts.Client.Database(opts.Database).Collection(collection),
		timeout: timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("ensure run indexes: %w", err)
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	models := []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "run_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "thread_id", Value: 1}}},
		{Keys: bson.D{{Key: "project_id", Value: 1}, {Key: "status", Value: 1}}},
	}
	_, err := s.coll.Indexes().CreateMany(ctx, models)
	return err
}

// Insert implements run.Store.
func (s *Store) Insert(ctx context.Context, rec run.Record) error {
	if rec.ID == "" {
		return errors.New("run id is required")
	}
	doc, err := fromRecord(rec)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert run %q: %w", rec.ID, err)
	}
	return nil
}

// Load implements run.Store.
func (s *Store) Load(ctx context.Context, runID string) (run.Record, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc runDocument
	if err := s.coll.FindOne(ctx, bson.M{"run_id": runID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return run.Record{}, run.ErrNotFound
		}
		return run.Record{}, fmt.Errorf("load run %q: %w", runID, err)
	}
	return doc.toRecord()
}

// UpdateStatus implements run.Store. Terminal states are absorbing: the
// filter matches only running records, so updating a terminal run is a no-op
// and stop stays idempotent.
func (s *Store) UpdateStatus(ctx context.Context, runID string, upd run.StatusUpdate) error {
	set := bson.M{"status": string(upd.Status)}
	if !upd.CompletedAt.IsZero() {
		set["completed_at"] = upd.CompletedAt.UTC()
	}
	if upd.Error != "" {
		set["error"] = upd.Error
	}
	if upd.Responses != nil {
		responses, err := encodeResponses(upd.Responses)
		if err != nil {
			return err
		}
		set["responses"] = responses
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"run_id": runID, "status": string(run.StatusRunning)},
		bson.M{"$set": set},
	)
	if err != nil {
		return fmt.Errorf("update run %q status: %w", runID, err)
	}
	if res.MatchedCount == 0 {
		// Either absent or already terminal; distinguish for the caller.
		if err := s.coll.FindOne(ctx, bson.M{"run_id": runID}).Err(); err != nil {
			if errors.Is(err, mongodriver.ErrNoDocuments) {
				return run.ErrNotFound
			}
			return fmt.Errorf("verify run %q: %w", runID, err)
		}
	}
	return nil
}

// ListByThread implements run.Store.
func (s *Store) ListByThread(ctx context.Context, threadID string) ([]run.Record, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.coll.Find(ctx,
		bson.M{"thread_id": threadID},
		options.Find().SetSort(bson.D{{Key: "started_at", Value: -1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("list runs for thread %q: %w", threadID, err)
	}
	var docs []runDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode runs for thread %q: %w", threadID, err)
	}
	out := make([]run.Record, 0, len(docs))
	for _, doc := range docs {
		rec, err := doc.toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// ActiveForProject implements run.Store.
func (s *Store) ActiveForProject(ctx context.Context, projectID string) (string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc runDocument
	err := s.coll.FindOne(ctx, bson.M{
		"project_id": projectID,
		"status":     string(run.StatusRunning),
	}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("find active run for project %q: %w", projectID, err)
	}
	return doc.RunID, nil
}

// FailRunning implements run.Store.
func (s *Store) FailRunning(ctx context.Context, errMsg string) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.coll.Find(ctx, bson.M{"status": string(run.StatusRunning)})
	if err != nil {
		return nil, fmt.Errorf("find running runs: %w", err)
	}
	var docs []runDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode running runs: %w", err)
	}
	if len(docs) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc.RunID)
	}
	_, err = s.coll.UpdateMany(ctx,
		bson.M{"run_id": bson.M{"$in": ids}, "status": string(run.StatusRunning)},
		bson.M{"$set": bson.M{
			"status":       string(run.StatusFailed),
			"error":        errMsg,
			"completed_at": time.Now().UTC(),
		}},
	)
	if err != nil {
		return nil, fmt.Errorf("fail running runs: %w", err)
	}
	return ids, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func fromRecord(rec run.Record) (runDocument, error) {
	responses, err := encodeResponses(rec.Responses)
	if err != nil {
		return runDocument{}, err
	}
	return runDocument{
		RunID:       rec.ID,
		ThreadID:    rec.ThreadID,
		ProjectID:   rec.ProjectID,
		Status:      string(rec.Status),
		StartedAt:   rec.StartedAt.UTC(),
		CompletedAt: rec.CompletedAt.UTC(),
		Error:       rec.Error,
		Responses:   responses,
	}, nil
}

func (doc runDocument) toRecord() (run.Record, error) {
	raw := make([]json.RawMessage, 0, len(doc.Responses))
	for _, r := range doc.Responses {
		raw = append(raw, json.RawMessage(r))
	}
	responses, err := stream.DecodeList(raw)
	if err != nil {
		return run.Record{}, fmt.Errorf("decode run %q responses: %w", doc.RunID, err)
	}
	return run.Record{
		ID:          doc.RunID,
		ThreadID:    doc.ThreadID,
		ProjectID:   doc.ProjectID,
		Status:      run.Status(doc.Status),
		StartedAt:   doc.StartedAt,
		CompletedAt: doc.CompletedAt,
		Error:       doc.Error,
		Responses:   responses,
	}, nil
}

func encodeResponses(events []stream.Event) ([]string, error) {
	raw, err := stream.EncodeList(events)
	if err != nil {
		return nil, fmt.Errorf("encode run responses: %w", err)
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		out = append(out, string(r))
	}
	return out, nil
}
