package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ariefcatur/go-storefront-checkout/internal/config"
)

type MongoArchive struct {
	client     *mongo.Client
	collection *mongo.Collection
}

func NewMongoArchive(ctx context.Context, cfg config.MongoConfig) (*MongoArchive, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	coll := client.Database(cfg.Database).Collection(cfg.Collection)
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "order_id", Value: 1}, {Key: "created_at", Value: -1}},
	})
	if err != nil {
		return nil, fmt.Errorf("mongo index: %w", err)
	}
	return &MongoArchive{client: client, collection: coll}, nil
}

func (m *MongoArchive) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

type document struct {
	Gateway       string    `bson:"gateway"`
	Operation     string    `bson:"operation"`
	CorrelationID string    `bson:"correlation_id,omitempty"`
	OrderID       string    `bson:"order_id,omitempty"`
	Data          any       `bson:"data,omitempty"`
	Error         string    `bson:"error,omitempty"`
	CreatedAt     time.Time `bson:"created_at"`
}

// toDocument stores JSON objects as queryable sub-documents. Anything else,
// including invalid JSON from a misbehaving provider, is kept as a string.
func toDocument(e Entry) document {
	d := document{
		Gateway:       e.Gateway,
		Operation:     e.Operation,
		CorrelationID: e.CorrelationID,
		OrderID:       e.OrderID,
		Error:         e.Error,
		CreatedAt:     e.CreatedAt,
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if len(e.Payload) > 0 {
		var m bson.M
		if err := bson.UnmarshalExtJSON(e.Payload, false, &m); err == nil {
			d.Data = m
		} else {
			d.Data = string(e.Payload)
		}
	}
	return d
}

func fromDocument(d document) Entry {
	e := Entry{
		Gateway:       d.Gateway,
		Operation:     d.Operation,
		CorrelationID: d.CorrelationID,
		OrderID:       d.OrderID,
		Error:         d.Error,
		CreatedAt:     d.CreatedAt,
	}
	switch v := d.Data.(type) {
	case nil:
	case string:
		e.Payload, _ = json.Marshal(v)
	default:
		if b, err := bson.MarshalExtJSON(v, false, false); err == nil {
			e.Payload = b
		}
	}
	return e
}

func (m *MongoArchive) Record(ctx context.Context, e Entry) error {
	_, err := m.collection.InsertOne(ctx, toDocument(e))
	return err
}

func (m *MongoArchive) ByOrder(ctx context.Context, orderID string, limit int64) ([]Entry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cursor, err := m.collection.Find(ctx, bson.M{"order_id": orderID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(docs))
	for _, d := range docs {
		out = append(out, fromDocument(d))
	}
	return out, nil
}
