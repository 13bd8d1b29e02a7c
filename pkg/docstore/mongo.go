package docstore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/oarkflow/conveyor/pkg/contracts"
)

// Mongo is the production DocumentStore. Collections map directly to MongoDB
// collections; document ids map to _id.
type Mongo struct {
	client   *mongo.Client
	database *mongo.Database
}

func NewMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	clientOpts := options.Client().ApplyURI(uri)
	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, err
	}
	if err = client.Ping(ctx, nil); err != nil {
		return nil, err
	}
	return &Mongo{
		client:   client,
		database: client.Database(database),
	}, nil
}

func (m *Mongo) CreateIfAbsent(ctx context.Context, collection, id string, doc contracts.Document) error {
	insert := bson.M{"_id": id}
	for k, v := range doc {
		insert[k] = v
	}
	_, err := m.database.Collection(collection).InsertOne(ctx, insert)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return contracts.ErrConflict
		}
		return err
	}
	return nil
}

func (m *Mongo) Read(ctx context.Context, collection, id string) (contracts.Document, error) {
	var doc contracts.Document
	err := m.database.Collection(collection).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, contracts.ErrNotFound
		}
		return nil, err
	}
	delete(doc, "_id")
	return doc, nil
}

func (m *Mongo) Upsert(ctx context.Context, collection, id string, doc contracts.Document) error {
	replace := bson.M{"_id": id}
	for k, v := range doc {
		replace[k] = v
	}
	opts := options.Replace().SetUpsert(true)
	_, err := m.database.Collection(collection).ReplaceOne(ctx, bson.M{"_id": id}, replace, opts)
	return err
}

func (m *Mongo) Delete(ctx context.Context, collection, id string) error {
	_, err := m.database.Collection(collection).DeleteOne(ctx, bson.M{"_id": id})
	return err
}

func (m *Mongo) Query(ctx context.Context, collection string, filter contracts.Document) ([]contracts.Document, error) {
	query := bson.M{}
	for k, v := range filter {
		query[k] = v
	}
	cursor, err := m.database.Collection(collection).Find(ctx, query)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var out []contracts.Document
	for cursor.Next(ctx) {
		var doc contracts.Document
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		delete(doc, "_id")
		out = append(out, doc)
	}
	return out, cursor.Err()
}

func (m *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
