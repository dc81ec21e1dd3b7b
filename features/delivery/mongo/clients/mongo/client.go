// Package mongo hosts the MongoDB client used by the delivery store.
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
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/a2a-ledger/runtime/delivery"
	"goa.design/a2a-ledger/runtime/delivery/deliveryerrors"
)

const (
	defaultRequestsCollection  = "a2a_requests"
	defaultMessagesCollection  = "a2a_messages"
	defaultSequencesCollection = "a2a_sequences"
	defaultOpTimeout           = 5 * time.Second
	deliveryClientName         = "delivery-mongo"
)

// Client exposes Mongo-backed delivery record operations. It satisfies
// delivery.Store and reports health through Ping.
type Client interface {
	health.Pinger
	delivery.Store
}

// Options configures the Mongo delivery client.
type Options struct {
	Client              *mongodriver.Client
	Database            string
	RequestsCollection  string
	MessagesCollection  string
	SequencesCollection string
	Timeout             time.Duration
}

type client struct {
	mongo     *mongodriver.Client
	requests  collection
	messages  collection
	sequences collection
	timeout   time.Duration
}

// New returns a Client backed by MongoDB. It creates the indexes the store
// relies on before returning.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	requestsCollection := opts.RequestsCollection
	if requestsCollection == "" {
		requestsCollection = defaultRequestsCollection
	}
	messagesCollection := opts.MessagesCollection
	if messagesCollection == "" {
		messagesCollection = defaultMessagesCollection
	}
	sequencesCollection := opts.SequencesCollection
	if sequencesCollection == "" {
		sequencesCollection = defaultSequencesCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	reqWrapper := mongoCollection{coll: db.Collection(requestsCollection)}
	msgWrapper := mongoCollection{coll: db.Collection(messagesCollection)}
	seqWrapper := mongoCollection{coll: db.Collection(sequencesCollection)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, reqWrapper, msgWrapper, seqWrapper); err != nil {
		return nil, err
	}
	return newClientWithCollections(opts.Client, reqWrapper, msgWrapper, seqWrapper, timeout)
}

func (c *client) Name() string {
	return deliveryClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) PutRequest(ctx context.Context, rec *delivery.RequestRecord) error {
	if rec == nil || rec.RequestID == "" {
		return errors.New("request id is required")
	}
	doc, err := fromRequestRecord(rec)
	if err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err = c.requests.ReplaceOne(ctx, bson.M{"request_id": rec.RequestID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (c *client) GetRequest(ctx context.Context, requestID string) (*delivery.RequestRecord, error) {
	if requestID == "" {
		return nil, delivery.ErrNotFound
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc requestDocument
	if err := c.requests.FindOne(ctx, bson.M{"request_id": requestID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, delivery.ErrNotFound
		}
		return nil, err
	}
	return doc.toRequestRecord()
}

func (c *client) PutMessage(ctx context.Context, rec *delivery.MessageRecord) error {
	if rec == nil || rec.MessageID == "" {
		return errors.New("message id is required")
	}
	doc, err := fromMessageRecord(rec)
	if err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err = c.messages.ReplaceOne(ctx, bson.M{"message_id": rec.MessageID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (c *client) GetMessage(ctx context.Context, messageID string) (*delivery.MessageRecord, error) {
	if messageID == "" {
		return nil, delivery.ErrNotFound
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc messageDocument
	if err := c.messages.FindOne(ctx, bson.M{"message_id": messageID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, delivery.ErrNotFound
		}
		return nil, err
	}
	return doc.toMessageRecord()
}

func (c *client) LastSequence(ctx context.Context, pair delivery.Pair) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc sequenceDocument
	err := c.sequences.FindOne(ctx, sequenceFilter(pair)).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint64(doc.Seq), nil
}

// UpdateSequence relies on $max so concurrent writers converge on the highest
// value without a read-modify-write cycle.
func (c *client) UpdateSequence(ctx context.Context, pair delivery.Pair, seq uint64) error {
	if seq > maxStoredSeq {
		return fmt.Errorf("sequence %d exceeds storable range", seq)
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	update := bson.M{"$max": bson.M{"seq": int64(seq)}}
	_, err := c.sequences.UpdateOne(ctx, sequenceFilter(pair), update, options.UpdateOne().SetUpsert(true))
	return err
}

func (c *client) MarkRequestCompleted(ctx context.Context, requestID string, result json.RawMessage, completionRef string, at time.Time) error {
	set := bson.M{
		"status":         string(delivery.StatusCompleted),
		"completion_ref": completionRef,
		"timestamp":      at.UTC(),
	}
	if result != nil {
		set["result"] = string(result)
	}
	return c.transition(ctx, requestID, set)
}

func (c *client) MarkRequestFailed(ctx context.Context, requestID string, failure *deliveryerrors.Error, at time.Time) error {
	encoded, err := encodeError(failure)
	if err != nil {
		return err
	}
	set := bson.M{
		"status":    string(delivery.StatusFailed),
		"error":     encoded,
		"timestamp": at.UTC(),
	}
	return c.transition(ctx, requestID, set)
}

// transition applies set to an UNKNOWN request. The status guard in the
// filter makes the update atomic; a miss is resolved by a follow-up read to
// tell a missing request from a terminal one.
func (c *client) transition(ctx context.Context, requestID string, set bson.M) error {
	if requestID == "" {
		return delivery.ErrNotFound
	}
	tctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"request_id": requestID, "status": string(delivery.StatusUnknown)}
	res, err := c.requests.UpdateOne(tctx, filter, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount > 0 {
		return nil
	}
	if _, err := c.GetRequest(ctx, requestID); err != nil {
		return err
	}
	return delivery.ErrInvalidTransition
}

func (c *client) UnacknowledgedEnvelopes(ctx context.Context, pair delivery.Pair) ([]*delivery.Envelope, error) {
	filter := bson.M{
		"source_agent_id": pair.Source,
		"target_agent_id": pair.Target,
		"status":          bson.M{"$ne": string(delivery.StatusCompleted)},
	}
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}, {Key: "message_id", Value: 1}})
	docs, err := c.findMessages(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	out := make([]*delivery.Envelope, 0, len(docs))
	for _, rec := range docs {
		out = append(out, &rec.Envelope)
	}
	delivery.SortBySeq(out)
	return out, nil
}

func (c *client) PendingRequests(ctx context.Context, olderThan time.Time) ([]*delivery.RequestRecord, error) {
	filter := bson.M{"status": string(delivery.StatusUnknown)}
	if !olderThan.IsZero() {
		filter["timestamp"] = bson.M{"$lt": olderThan.UTC()}
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	cur, err := c.requests.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "request_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []*delivery.RequestRecord
	for cur.Next(ctx) {
		var doc requestDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		rec, err := doc.toRequestRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) MessagesByStatus(ctx context.Context, status delivery.Status, olderThan time.Time) ([]*delivery.MessageRecord, error) {
	filter := bson.M{"status": string(status)}
	if !olderThan.IsZero() {
		filter["timestamp"] = bson.M{"$lt": olderThan.UTC()}
	}
	return c.findMessages(ctx, filter, options.Find().SetSort(bson.D{{Key: "message_id", Value: 1}}))
}

func (c *client) findMessages(ctx context.Context, filter bson.M, opts options.Lister[options.FindOptions]) ([]*delivery.MessageRecord, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	cur, err := c.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []*delivery.MessageRecord
	for cur.Next(ctx) {
		var doc messageDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		rec, err := doc.toMessageRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"expires_at": bson.M{"$lte": now.UTC()}}
	reqs, err := c.requests.DeleteMany(ctx, filter)
	if err != nil {
		return 0, err
	}
	msgs, err := c.messages.DeleteMany(ctx, filter)
	if err != nil {
		return int(reqs.DeletedCount), err
	}
	return int(reqs.DeletedCount + msgs.DeletedCount), nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

const maxStoredSeq = 1<<63 - 1

type requestDocument struct {
	RequestID     string    `bson:"request_id"`
	SourceAgentID string    `bson:"source_agent_id"`
	TargetAgentID string    `bson:"target_agent_id"`
	MessageType   string    `bson:"message_type"`
	Payload       string    `bson:"payload,omitempty"`
	Status        string    `bson:"status"`
	CompletionRef string    `bson:"completion_ref,omitempty"`
	Result        string    `bson:"result,omitempty"`
	Error         string    `bson:"error,omitempty"`
	Timestamp     time.Time `bson:"timestamp"`
	ExpiresAt     time.Time `bson:"expires_at"`
	CorrelationID string    `bson:"correlation_id,omitempty"`
	CausationID   string    `bson:"causation_id,omitempty"`
}

// messageDocument stores the envelope in its wire encoding. Routing fields
// are denormalized for indexing.
type messageDocument struct {
	MessageID     string    `bson:"message_id"`
	RequestID     string    `bson:"request_id,omitempty"`
	SourceAgentID string    `bson:"source_agent_id"`
	TargetAgentID string    `bson:"target_agent_id"`
	Seq           int64     `bson:"seq"`
	Envelope      string    `bson:"envelope"`
	Status        string    `bson:"status"`
	CompletionRef string    `bson:"completion_ref,omitempty"`
	Error         string    `bson:"error,omitempty"`
	Timestamp     time.Time `bson:"timestamp"`
	ExpiresAt     time.Time `bson:"expires_at"`
	RetryCount    int       `bson:"retry_count"`
}

type sequenceDocument struct {
	Source string `bson:"source"`
	Target string `bson:"target"`
	Seq    int64  `bson:"seq"`
}

func sequenceFilter(pair delivery.Pair) bson.M {
	return bson.M{"source": pair.Source, "target": pair.Target}
}

func fromRequestRecord(rec *delivery.RequestRecord) (requestDocument, error) {
	encoded, err := encodeError(rec.Error)
	if err != nil {
		return requestDocument{}, err
	}
	return requestDocument{
		RequestID:     rec.RequestID,
		SourceAgentID: rec.SourceAgentID,
		TargetAgentID: rec.TargetAgentID,
		MessageType:   string(rec.MessageType),
		Payload:       string(rec.Payload),
		Status:        string(rec.Status),
		CompletionRef: rec.CompletionRef,
		Result:        string(rec.Result),
		Error:         encoded,
		Timestamp:     rec.Timestamp.UTC(),
		ExpiresAt:     rec.ExpiresAt.UTC(),
		CorrelationID: rec.CorrelationID,
		CausationID:   rec.CausationID,
	}, nil
}

func (doc requestDocument) toRequestRecord() (*delivery.RequestRecord, error) {
	failure, err := decodeError(doc.Error)
	if err != nil {
		return nil, err
	}
	return &delivery.RequestRecord{
		RequestID:     doc.RequestID,
		SourceAgentID: doc.SourceAgentID,
		TargetAgentID: doc.TargetAgentID,
		MessageType:   delivery.MessageType(doc.MessageType),
		Payload:       rawOrNil(doc.Payload),
		Status:        delivery.Status(doc.Status),
		CompletionRef: doc.CompletionRef,
		Result:        rawOrNil(doc.Result),
		Error:         failure,
		Timestamp:     doc.Timestamp.UTC(),
		ExpiresAt:     doc.ExpiresAt.UTC(),
		CorrelationID: doc.CorrelationID,
		CausationID:   doc.CausationID,
	}, nil
}

func fromMessageRecord(rec *delivery.MessageRecord) (messageDocument, error) {
	env, err := json.Marshal(&rec.Envelope)
	if err != nil {
		return messageDocument{}, fmt.Errorf("encode envelope: %w", err)
	}
	encoded, err := encodeError(rec.Error)
	if err != nil {
		return messageDocument{}, err
	}
	pair := rec.Envelope.Pair()
	return messageDocument{
		MessageID:     rec.MessageID,
		RequestID:     rec.RequestID,
		SourceAgentID: pair.Source,
		TargetAgentID: pair.Target,
		Seq:           int64(rec.Envelope.Seq),
		Envelope:      string(env),
		Status:        string(rec.Status),
		CompletionRef: rec.CompletionRef,
		Error:         encoded,
		Timestamp:     rec.Timestamp.UTC(),
		ExpiresAt:     rec.ExpiresAt.UTC(),
		RetryCount:    rec.RetryCount,
	}, nil
}

func (doc messageDocument) toMessageRecord() (*delivery.MessageRecord, error) {
	var env delivery.Envelope
	if err := json.Unmarshal([]byte(doc.Envelope), &env); err != nil {
		return nil, fmt.Errorf("decode envelope %q: %w", doc.MessageID, err)
	}
	failure, err := decodeError(doc.Error)
	if err != nil {
		return nil, err
	}
	return &delivery.MessageRecord{
		MessageID:     doc.MessageID,
		RequestID:     doc.RequestID,
		Envelope:      env,
		Status:        delivery.Status(doc.Status),
		CompletionRef: doc.CompletionRef,
		Error:         failure,
		Timestamp:     doc.Timestamp.UTC(),
		ExpiresAt:     doc.ExpiresAt.UTC(),
		RetryCount:    doc.RetryCount,
	}, nil
}

func encodeError(e *deliveryerrors.Error) (string, error) {
	if e == nil {
		return "", nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode error: %w", err)
	}
	return string(b), nil
}

func decodeError(s string) (*deliveryerrors.Error, error) {
	if s == "" {
		return nil, nil
	}
	var e deliveryerrors.Error
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return nil, fmt.Errorf("decode error: %w", err)
	}
	return &e, nil
}

func rawOrNil(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

func ensureIndexes(ctx context.Context, requestsColl, messagesColl, sequencesColl collection) error {
	models := []struct {
		coll  collection
		model mongodriver.IndexModel
	}{
		{requestsColl, mongodriver.IndexModel{
			Keys:    bson.D{{Key: "request_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		{requestsColl, mongodriver.IndexModel{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "timestamp", Value: 1}},
		}},
		{requestsColl, mongodriver.IndexModel{
			Keys: bson.D{{Key: "expires_at", Value: 1}},
		}},
		{messagesColl, mongodriver.IndexModel{
			Keys:    bson.D{{Key: "message_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		{messagesColl, mongodriver.IndexModel{
			Keys: bson.D{
				{Key: "source_agent_id", Value: 1},
				{Key: "target_agent_id", Value: 1},
				{Key: "seq", Value: 1},
			},
		}},
		{messagesColl, mongodriver.IndexModel{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "timestamp", Value: 1}},
		}},
		{messagesColl, mongodriver.IndexModel{
			Keys: bson.D{{Key: "expires_at", Value: 1}},
		}},
		{sequencesColl, mongodriver.IndexModel{
			Keys:    bson.D{{Key: "source", Value: 1}, {Key: "target", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
	}
	for _, m := range models {
		if _, err := m.coll.Indexes().CreateOne(ctx, m.model); err != nil {
			return err
		}
	}
	return nil
}

func newClientWithCollections(mongoClient *mongodriver.Client, requestsColl, messagesColl, sequencesColl collection, timeout time.Duration) (*client, error) {
	if requestsColl == nil || messagesColl == nil || sequencesColl == nil {
		return nil, errors.New("collections are required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:     mongoClient,
		requests:  requestsColl,
		messages:  messagesColl,
		sequences: sequencesColl,
		timeout:   timeout,
	}, nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	ReplaceOne(ctx context.Context, filter any, replacement any,
		opts ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error)
	UpdateOne(ctx context.Context, filter any, update any,
		opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
	DeleteMany(ctx context.Context, filter any,
		opts ...options.Lister[options.DeleteManyOptions]) (*mongodriver.DeleteResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) ReplaceOne(ctx context.Context, filter any, replacement any,
	opts ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.ReplaceOne(ctx, filter, replacement, opts...)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) DeleteMany(ctx context.Context, filter any,
	opts ...options.Lister[options.DeleteManyOptions]) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteMany(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

func (c mongoCursor) Decode(val any) error {
	return c.cur.Decode(val)
}

func (c mongoCursor) Err() error {
	return c.cur.Err()
}

func (c mongoCursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
