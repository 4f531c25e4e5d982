// Package docstore keeps the per-swap request documents in MongoDB and exposes
// the collection's change stream as the live feed the reconciler consumes.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"swapbot/notifier/internal/ledger"
)

var (
	ErrNotFound        = errors.New("request document not found")
	ErrVersionConflict = errors.New("request document changed concurrently")
)

// Server error codes for a resume token the server can no longer honour.
const (
	codeInvalidResumeToken      = 260
	codeChangeStreamHistoryLost = 286
)

// Connect opens a pooled client and pings the primary.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	if uri == "" {
		return nil, fmt.Errorf("mongodb uri is empty")
	}
	opts := options.Client().ApplyURI(uri).
		SetMaxPoolSize(20).
		SetMinPoolSize(2).
		SetConnectTimeout(5 * time.Second)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	return client, nil
}

type document struct {
	ID                     bson.RawValue `bson:"_id,omitempty"`
	ledger.RequestDocument `bson:",inline"`
}

func (d document) toLedger() (ledger.RequestDocument, error) {
	out := d.RequestDocument
	if out.SwapID == 0 {
		id, err := swapIDFromKey(d.ID)
		if err != nil {
			return ledger.RequestDocument{}, err
		}
		out.SwapID = id
	}
	return out, nil
}

// swapIDFromKey reads the swap id out of a document _id, which the web app
// writes as the decimal string of the swap id.
func swapIDFromKey(raw bson.RawValue) (int64, error) {
	switch raw.Type {
	case bson.TypeString:
		id, err := strconv.ParseInt(raw.StringValue(), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("document id %q: %w", raw.StringValue(), err)
		}
		return id, nil
	case bson.TypeInt32:
		return int64(raw.Int32()), nil
	case bson.TypeInt64:
		return raw.Int64(), nil
	default:
		return 0, fmt.Errorf("unsupported document id type %s", raw.Type)
	}
}

func documentKey(swapID int64) string {
	return strconv.FormatInt(swapID, 10)
}

type MongoStore struct {
	coll *mongo.Collection
}

func NewMongoStore(coll *mongo.Collection) *MongoStore {
	return &MongoStore{coll: coll}
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.coll.Database().Client().Ping(ctx, nil)
}

func (s *MongoStore) Get(ctx context.Context, swapID int64) (ledger.RequestDocument, error) {
	var doc document
	err := s.coll.FindOne(ctx, bson.M{"_id": documentKey(swapID)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ledger.RequestDocument{}, ErrNotFound
	}
	if err != nil {
		return ledger.RequestDocument{}, fmt.Errorf("get request document: %w", err)
	}
	return doc.toLedger()
}

// ReplaceRequests overwrites the whole requests array, but only if the stored
// version still equals doc.Version; the version is bumped in the same write.
// Documents written before versioning existed match version 0.
func (s *MongoStore) ReplaceRequests(ctx context.Context, doc ledger.RequestDocument, requests []ledger.SubRequest) error {
	filter := bson.M{"_id": documentKey(doc.SwapID), "version": doc.Version}
	if doc.Version == 0 {
		filter["version"] = bson.M{"$in": bson.A{0, nil}}
	}
	if requests == nil {
		requests = []ledger.SubRequest{}
	}
	update := bson.M{
		"$set": bson.M{"requests": requests, "swapId": doc.SwapID},
		"$inc": bson.M{"version": 1},
	}
	result, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("replace requests: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrVersionConflict
	}
	return nil
}

// ListPending returns the swap ids of documents holding at least one new
// sub-request.
func (s *MongoStore) ListPending(ctx context.Context) ([]int64, error) {
	cursor, err := s.coll.Find(ctx,
		bson.M{"requests.status": string(ledger.StatusNew)},
		options.Find().SetProjection(bson.M{"_id": 1, "swapId": 1}),
	)
	if err != nil {
		return nil, fmt.Errorf("list pending documents: %w", err)
	}
	defer cursor.Close(ctx)

	ids := make([]int64, 0)
	for cursor.Next(ctx) {
		var doc document
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode pending document: %w", err)
		}
		converted, err := doc.toLedger()
		if err != nil {
			return nil, err
		}
		ids = append(ids, converted.SwapID)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending documents: %w", err)
	}
	return ids, nil
}

// Change is one observed write to a request document. Document is the full
// post-image when the server supplied one.
type Change struct {
	SwapID   int64
	Document *ledger.RequestDocument
}

// Stream is an open subscription to the collection.
type Stream interface {
	Next(ctx context.Context) bool
	Change() (Change, error)
	ResumeToken() []byte
	Err() error
	Close(ctx context.Context) error
}

// Watch subscribes to inserts, updates and replaces. A non-empty resume token
// continues after the last consumed event; a token the server has expired is
// dropped and the stream starts from now.
func (s *MongoStore) Watch(ctx context.Context, resumeToken []byte) (Stream, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"operationType": bson.M{"$in": bson.A{"insert", "update", "replace"}}}}},
	}
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	if len(resumeToken) > 0 {
		opts.SetResumeAfter(bson.Raw(resumeToken))
	}

	cs, err := s.coll.Watch(ctx, pipeline, opts)
	if err != nil && len(resumeToken) > 0 && resumeTokenRejected(err) {
		cs, err = s.coll.Watch(ctx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	}
	if err != nil {
		return nil, fmt.Errorf("watch requests: %w", err)
	}
	return &mongoStream{cs: cs}, nil
}

func resumeTokenRejected(err error) bool {
	var serverErr mongo.ServerError
	if !errors.As(err, &serverErr) {
		return false
	}
	return serverErr.HasErrorCode(codeInvalidResumeToken) || serverErr.HasErrorCode(codeChangeStreamHistoryLost)
}

type changeEvent struct {
	OperationType string `bson:"operationType"`
	DocumentKey   struct {
		ID bson.RawValue `bson:"_id"`
	} `bson:"documentKey"`
	FullDocument *document `bson:"fullDocument"`
}

type mongoStream struct {
	cs *mongo.ChangeStream
}

func (m *mongoStream) Next(ctx context.Context) bool {
	return m.cs.Next(ctx)
}

func (m *mongoStream) Change() (Change, error) {
	var event changeEvent
	if err := m.cs.Decode(&event); err != nil {
		return Change{}, fmt.Errorf("decode change event: %w", err)
	}
	swapID, err := swapIDFromKey(event.DocumentKey.ID)
	if err != nil {
		return Change{}, err
	}
	change := Change{SwapID: swapID}
	if event.FullDocument != nil {
		doc, err := event.FullDocument.toLedger()
		if err != nil {
			return Change{}, err
		}
		change.Document = &doc
	}
	return change, nil
}

func (m *mongoStream) ResumeToken() []byte {
	return []byte(m.cs.ResumeToken())
}

func (m *mongoStream) Err() error {
	return m.cs.Err()
}

func (m *mongoStream) Close(ctx context.Context) error {
	return m.cs.Close(ctx)
}
