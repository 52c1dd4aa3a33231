// Package mongo provides the MongoDB-backed thread store. Each thread is one
// document holding its project and the ordered message log in the canonical
// wire JSON; the runtime's single-supervisor-per-run ownership keeps writes
// to a thread serialized, so read-modify-write suffices for the repair path.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/agentflow/runtime/thread"
)

const (
	defaultCollection = "threads"
	defaultOpTimeout  = 5 * time.Second
)

type (
	// Options configures the Mongo thread store.
	Options struct {
		// Client is the Mongo connection. Required.
		Client *mongodriver.Client

		// Database is the database name. Required.
		Database string

		// Collection overrides the default "threads" collection.
		Collection string

		// Timeout bounds individual operations. Defaults to 5s.
		Timeout time.Duration
	}

	// Store implements thread.Store on MongoDB.
	Store struct {
		coll    *mongodriver.Collection
		timeout time.Duration
	}

	threadDocument struct {
		ThreadID  string    `bson:"thread_id"`
		ProjectID string    `bson:"project_id"`
		CreatedAt time.Time `bson:"created_at"`
		Messages  []string  `bson:"messages"`
	}
)

// New returns a Store backed by MongoDB.
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
	index := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "thread_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := s.coll.Indexes().CreateOne(ctx, index); err != nil {
		return nil, fmt.Errorf("ensure thread index: %w", err)
	}
	return s, nil
}

// CreateThread implements thread.Store.
func (s *Store) CreateThread(ctx context.Context, projectID string) (string, error) {
	id := uuid.NewString()
	doc := threadDocument{
		ThreadID:  id,
		ProjectID: projectID,
		CreatedAt: time.Now().UTC(),
		Messages:  []string{},
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return "", fmt.Errorf("insert thread: %w", err)
	}
	return id, nil
}

// ProjectID implements thread.Store.
func (s *Store) ProjectID(ctx context.Context, threadID string) (string, error) {
	doc, err := s.load(ctx, threadID)
	if err != nil {
		return "", err
	}
	return doc.ProjectID, nil
}

// AppendMessage implements thread.Store. User messages trigger the repair
// routine first so dangling tool calls are answered before new input lands.
func (s *Store) AppendMessage(ctx context.Context, threadID string, msg thread.Message) error {
	doc, err := s.load(ctx, threadID)
	if err != nil {
		return err
	}
	msgs, err := decodeMessages(doc.Messages)
	if err != nil {
		return err
	}
	if msg.Role == thread.RoleUser {
		msgs, _ = thread.Repair(msgs)
	}
	msgs = append(msgs, msg)
	return s.writeMessages(ctx, threadID, msgs)
}

// UpdateLastAssistant implements thread.Store.
func (s *Store) UpdateLastAssistant(ctx context.Context, threadID string, msg thread.Message) error {
	doc, err := s.load(ctx, threadID)
	if err != nil {
		return err
	}
	msgs, err := decodeMessages(doc.Messages)
	if err != nil {
		return err
	}
	replaced := false
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == thread.RoleAssistant {
			msgs[i] = msg
			replaced = true
			break
		}
	}
	if !replaced {
		msgs = append(msgs, msg)
	}
	return s.writeMessages(ctx, threadID, msgs)
}

// ListMessages implements thread.Store.
func (s *Store) ListMessages(ctx context.Context, threadID string, filter thread.ListFilter) ([]thread.Message, error) {
	doc, err := s.load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	msgs, err := decodeMessages(doc.Messages)
	if err != nil {
		return nil, err
	}
	return thread.ApplyFilter(msgs, filter), nil
}

// RepairIncompleteToolCalls implements thread.Store.
func (s *Store) RepairIncompleteToolCalls(ctx context.Context, threadID string) (bool, error) {
	doc, err := s.load(ctx, threadID)
	if err != nil {
		return false, err
	}
	msgs, err := decodeMessages(doc.Messages)
	if err != nil {
		return false, err
	}
	repaired, changed := thread.Repair(msgs)
	if !changed {
		return false, nil
	}
	if err := s.writeMessages(ctx, threadID, repaired); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) load(ctx context.Context, threadID string) (threadDocument, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc threadDocument
	if err := s.coll.FindOne(ctx, bson.M{"thread_id": threadID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return threadDocument{}, thread.ErrNotFound
		}
		return threadDocument{}, fmt.Errorf("load thread %q: %w", threadID, err)
	}
	return doc, nil
}

func (s *Store) writeMessages(ctx context.Context, threadID string, msgs []thread.Message) error {
	encoded, err := encodeMessages(msgs)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"thread_id": threadID},
		bson.M{"$set": bson.M{"messages": encoded}},
	)
	if err != nil {
		return fmt.Errorf("update thread %q messages: %w", threadID, err)
	}
	if res.MatchedCount == 0 {
		return thread.ErrNotFound
	}
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func encodeMessages(msgs []thread.Message) ([]string, error) {
	out := make([]string, 0, len(msgs))
	for i, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("encode message %d: %w", i, err)
		}
		out = append(out, string(data))
	}
	return out, nil
}

func decodeMessages(raw []string) ([]thread.Message, error) {
	out := make([]thread.Message, 0, len(raw))
	for i, r := range raw {
		var m thread.Message
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			return nil, fmt.Errorf("decode message %d: %w", i, err)
		}
		out = append(out, m)
	}
	return out, nil
}
