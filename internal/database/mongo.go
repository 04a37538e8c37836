package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"chandl/internal/dl"
)

const (
	downloadsCollection  = "downloads"
	operationsCollection = "operations"
	countersCollection   = "counters"
)

type downloadDoc struct {
	ID              string    `bson:"_id"`
	ChannelID       int64     `bson:"channel_id"`
	MessageID       int64     `bson:"message_id"`
	State           string    `bson:"state"`
	DeclaredSize    int64     `bson:"declared_size"`
	BytesWritten    int64     `bson:"bytes_written"`
	TargetPath      string    `bson:"target_path"`
	PartialSHA256   string    `bson:"partial_sha256"`
	LastError       string    `bson:"last_error"`
	Attempts        int       `bson:"attempts"`
	ArchiveLocation string    `bson:"archive_location"`
	CreatedAt       time.Time `bson:"created_at"`
	UpdatedAt       time.Time `bson:"updated_at"`
}

func (d *downloadDoc) record() (*dl.DownloadRecord, error) {
	state, err := dl.ParseState(d.State)
	if err != nil {
		return nil, err
	}
	return &dl.DownloadRecord{
		Key:             dl.Key{ChannelID: d.ChannelID, MessageID: d.MessageID},
		State:           state,
		DeclaredSize:    d.DeclaredSize,
		BytesWritten:    d.BytesWritten,
		TargetPath:      d.TargetPath,
		PartialSHA256:   d.PartialSHA256,
		LastError:       d.LastError,
		Attempts:        d.Attempts,
		ArchiveLocation: d.ArchiveLocation,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}, nil
}

type operationDoc struct {
	ID         int64      `bson:"_id"`
	Operation  string     `bson:"operation"`
	Parameters string     `bson:"parameters"`
	Status     string     `bson:"status"`
	StartedAt  time.Time  `bson:"started_at"`
	FinishedAt *time.Time `bson:"finished_at,omitempty"`
}

func docID(key dl.Key) string {
	return key.String()
}

// MongoLedger implements dl.Ledger and dl.OperationLog on MongoDB, so several
// hosts can share one download history. Compare-and-set transitions are
// filtered FindOneAndUpdate calls; writes wait for a majority.
type MongoLedger struct {
	client     *mongo.Client
	downloads  *mongo.Collection
	operations *mongo.Collection
	counters   *mongo.Collection
	clock      dl.Clock
}

// NewMongoLedger connects to uri, pings the server and ensures indexes.
func NewMongoLedger(ctx context.Context, uri, database string, clock dl.Clock) (*MongoLedger, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("pinging mongodb: %w", err)
	}

	l := NewMongoLedgerFromClient(client, database, clock)
	if err := l.SetupIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	return l, nil
}

// NewMongoLedgerFromClient wraps a connected client.
func NewMongoLedgerFromClient(client *mongo.Client, database string, clock dl.Clock) *MongoLedger {
	if clock == nil {
		clock = dl.RealClock{}
	}
	db := client.Database(database)
	collOpts := options.Collection().SetWriteConcern(writeconcern.Majority())
	return &MongoLedger{
		client:     client,
		downloads:  db.Collection(downloadsCollection, collOpts),
		operations: db.Collection(operationsCollection, collOpts),
		counters:   db.Collection(countersCollection, collOpts),
		clock:      clock,
	}
}

// SetupIndexes creates the indexes the ledger queries rely on.
func (m *MongoLedger) SetupIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "channel_id", Value: 1}, {Key: "message_id", Value: 1}},
			Options: options.Index().SetName("idx_channel_message").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "state", Value: 1}},
			Options: options.Index().SetName("idx_state"),
		},
		{
			Keys:    bson.D{{Key: "target_path", Value: 1}},
			Options: options.Index().SetName("idx_target_path").SetUnique(true),
		},
	}
	if _, err := m.downloads.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("creating indexes: %w", err)
	}
	return nil
}

func (m *MongoLedger) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func (m *MongoLedger) Get(ctx context.Context, key dl.Key) (*dl.DownloadRecord, error) {
	var doc downloadDoc
	err := m.downloads.FindOne(ctx, bson.M{"_id": docID(key)}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading record %s: %w", key, err)
	}
	return doc.record()
}

func (m *MongoLedger) CreateOrResume(ctx context.Context, key dl.Key, declaredSize int64, targetPath string) (*dl.DownloadRecord, error) {
	now := m.clock.Now().UTC()
	insert := downloadDoc{
		ID:           docID(key),
		ChannelID:    key.ChannelID,
		MessageID:    key.MessageID,
		State:        string(dl.StateQueued),
		DeclaredSize: declaredSize,
		TargetPath:   targetPath,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var doc downloadDoc
	err := m.downloads.FindOneAndUpdate(ctx, bson.M{"_id": insert.ID}, bson.M{"$setOnInsert": insert}, opts).Decode(&doc)
	if mongo.IsDuplicateKeyError(err) {
		// Either another host inserted this key between our match and
		// upsert, or the target path belongs to a different item.
		rec, getErr := m.Get(ctx, key)
		if getErr == nil && rec != nil {
			return rec, nil
		}
		if owner, ownerErr := m.pathOwner(ctx, targetPath); ownerErr == nil && owner != nil && *owner != key {
			return nil, &dl.PathConflictError{Key: key, Owner: *owner, Path: targetPath}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("creating record %s: %w", key, err)
	}
	return doc.record()
}

func (m *MongoLedger) pathOwner(ctx context.Context, targetPath string) (*dl.Key, error) {
	var doc downloadDoc
	err := m.downloads.FindOne(ctx, bson.M{"target_path": targetPath}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return &dl.Key{ChannelID: doc.ChannelID, MessageID: doc.MessageID}, nil
}

func (m *MongoLedger) Transition(ctx context.Context, key dl.Key, from, to dl.State, fields dl.TransitionFields) (*dl.DownloadRecord, error) {
	rec, err := m.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", dl.ErrRecordNotFound, key)
	}
	if rec.State != from {
		return rec, &dl.StaleStateError{Key: key, Expected: from, Actual: rec.State}
	}

	next := *rec
	if err := applyTransition(&next, to, fields, m.clock.Now().UTC()); err != nil {
		return rec, err
	}

	// The filter pins everything the new values were computed from.
	filter := bson.M{
		"_id":           docID(key),
		"state":         string(from),
		"bytes_written": rec.BytesWritten,
		"attempts":      rec.Attempts,
	}
	update := bson.M{"$set": bson.M{
		"state":          string(next.State),
		"bytes_written":  next.BytesWritten,
		"partial_sha256": next.PartialSHA256,
		"last_error":     next.LastError,
		"attempts":       next.Attempts,
		"updated_at":     next.UpdatedAt,
	}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc downloadDoc
	err = m.downloads.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		current, getErr := m.Get(ctx, key)
		if getErr != nil || current == nil {
			return rec, &dl.StaleStateError{Key: key, Expected: from, Actual: rec.State}
		}
		return current, &dl.StaleStateError{Key: key, Expected: from, Actual: current.State}
	}
	if err != nil {
		return rec, fmt.Errorf("updating record %s: %w", key, err)
	}
	return doc.record()
}

func (m *MongoLedger) RecordProgress(ctx context.Context, key dl.Key, bytesWritten int64, partialSHA256 string) (*dl.DownloadRecord, error) {
	rec, err := m.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", dl.ErrRecordNotFound, key)
	}
	if err := checkProgress(rec, bytesWritten); err != nil {
		return rec, err
	}

	filter := bson.M{
		"_id":           docID(key),
		"state":         string(dl.StateInProgress),
		"bytes_written": bson.M{"$lte": bytesWritten},
	}
	update := bson.M{"$set": bson.M{
		"bytes_written":  bytesWritten,
		"partial_sha256": partialSHA256,
		"updated_at":     m.clock.Now().UTC(),
	}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc downloadDoc
	err = m.downloads.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		current, getErr := m.Get(ctx, key)
		if getErr != nil || current == nil {
			return rec, fmt.Errorf("recording progress for %s: record changed concurrently", key)
		}
		if err := checkProgress(current, bytesWritten); err != nil {
			return current, err
		}
		return current, fmt.Errorf("recording progress for %s: record changed concurrently", key)
	}
	if err != nil {
		return rec, fmt.Errorf("recording progress for %s: %w", key, err)
	}
	return doc.record()
}

func (m *MongoLedger) ListChannel(ctx context.Context, channelID int64) ([]*dl.DownloadRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "message_id", Value: 1}})
	cursor, err := m.downloads.Find(ctx, bson.M{"channel_id": channelID}, opts)
	if err != nil {
		return nil, fmt.Errorf("listing channel %d: %w", channelID, err)
	}
	defer cursor.Close(ctx)

	var docs []downloadDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("listing channel %d: %w", channelID, err)
	}
	records := make([]*dl.DownloadRecord, 0, len(docs))
	for i := range docs {
		rec, err := docs[i].record()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (m *MongoLedger) SetArchived(ctx context.Context, key dl.Key, location string) error {
	res, err := m.downloads.UpdateOne(ctx,
		bson.M{"_id": docID(key)},
		bson.M{"$set": bson.M{"archive_location": location, "updated_at": m.clock.Now().UTC()}})
	if err != nil {
		return fmt.Errorf("setting archive location for %s: %w", key, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s", dl.ErrRecordNotFound, key)
	}
	return nil
}

func (m *MongoLedger) RecoverInterrupted(ctx context.Context) (int, error) {
	res, err := m.downloads.UpdateMany(ctx,
		bson.M{"state": string(dl.StateInProgress)},
		bson.M{"$set": bson.M{"state": string(dl.StatePaused), "updated_at": m.clock.Now().UTC()}})
	if err != nil {
		return 0, fmt.Errorf("recovering interrupted downloads: %w", err)
	}
	return int(res.ModifiedCount), nil
}

// Operation log

func (m *MongoLedger) nextOperationID(ctx context.Context) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	err := m.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": operationsCollection},
		bson.M{"$inc": bson.M{"seq": int64(1)}}, opts).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("allocating operation id: %w", err)
	}
	return counter.Seq, nil
}

func (m *MongoLedger) CreateOperation(ctx context.Context, operation, parameters string) (*dl.Operation, error) {
	id, err := m.nextOperationID(ctx)
	if err != nil {
		return nil, err
	}
	doc := operationDoc{
		ID:         id,
		Operation:  operation,
		Parameters: parameters,
		Status:     "running",
		StartedAt:  m.clock.Now().UTC(),
	}
	if _, err := m.operations.InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("creating operation: %w", err)
	}
	return &dl.Operation{ID: id, Operation: operation, Parameters: parameters, Status: doc.Status, StartedAt: doc.StartedAt}, nil
}

func (m *MongoLedger) FinishOperation(ctx context.Context, id int64, status string) error {
	res, err := m.operations.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"status": status, "finished_at": m.clock.Now().UTC()}})
	if err != nil {
		return fmt.Errorf("finishing operation %d: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("operation %d not found", id)
	}
	return nil
}

func (m *MongoLedger) ListOperations(ctx context.Context, limit int) ([]*dl.Operation, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := m.operations.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []operationDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	ops := make([]*dl.Operation, 0, len(docs))
	for _, d := range docs {
		op := &dl.Operation{ID: d.ID, Operation: d.Operation, Parameters: d.Parameters, Status: d.Status, StartedAt: d.StartedAt}
		if d.FinishedAt != nil {
			op.FinishedAt = *d.FinishedAt
		}
		ops = append(ops, op)
	}
	return ops, nil
}

var (
	_ dl.Ledger       = (*MongoLedger)(nil)
	_ dl.OperationLog = (*MongoLedger)(nil)
)
