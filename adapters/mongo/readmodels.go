package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/bennyboer/kicherkrabbe-sub011/core/es"
	"github.com/bennyboer/kicherkrabbe-sub011/core/es/proj"
)

const readModelCollection = "read_models"

type readModel struct {
	Key       string    `bson:"_id"`
	Name      string    `bson:"name"`
	ID        string    `bson:"id"`
	Version   int64     `bson:"version"`
	Deleted   bool      `bson:"deleted"`
	Data      bson.D    `bson:"data,omitempty"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// ReadModelStore writes documents with an upsert filtered on a lower
// version. When the stored version is not lower the filter misses, the
// upsert collides with the existing _id and the write is reported as not
// applied.
type ReadModelStore struct {
	coll *mongo.Collection
}

func NewReadModelStore(ctx context.Context, db *mongo.Database) (*ReadModelStore, error) {
	coll := db.Collection(readModelCollection)
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "name", Value: 1}, {Key: "id", Value: 1}},
	})
	if err != nil {
		return nil, fmt.Errorf("mongo: read model index: %w", err)
	}
	return &ReadModelStore{coll: coll}, nil
}

func docKey(name, id string) string { return name + "/" + id }

func toDoc(m readModel) (proj.Doc, error) {
	d := proj.Doc{
		Name:      m.Name,
		ID:        m.ID,
		Version:   es.Version(m.Version),
		Deleted:   m.Deleted,
		UpdatedAt: m.UpdatedAt.UTC(),
	}
	if m.Data != nil {
		data, err := bson.MarshalExtJSON(m.Data, false, false)
		if err != nil {
			return proj.Doc{}, fmt.Errorf("encode %s: %w", m.Key, err)
		}
		d.Data = data
	}
	return d, nil
}

func (s *ReadModelStore) Get(ctx context.Context, name, id string) (proj.Doc, error) {
	var m readModel
	err := s.coll.FindOne(ctx, bson.M{"_id": docKey(name, id)}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return proj.Doc{}, proj.ErrNotFound
	}
	if err != nil {
		return proj.Doc{}, fmt.Errorf("mongo: get read model: %w", err)
	}
	return toDoc(m)
}

func (s *ReadModelStore) Upsert(ctx context.Context, doc proj.Doc) (bool, error) {
	set := bson.M{
		"name":       doc.Name,
		"id":         doc.ID,
		"version":    int64(doc.Version),
		"deleted":    doc.Deleted,
		"updated_at": doc.UpdatedAt.UTC(),
	}
	update := bson.M{"$set": set}
	if len(doc.Data) > 0 {
		var data bson.D
		if err := bson.UnmarshalExtJSON(doc.Data, false, &data); err != nil {
			return false, fmt.Errorf("mongo: read model data must be a json object: %w", err)
		}
		set["data"] = data
	} else {
		update["$unset"] = bson.M{"data": ""}
	}

	key := docKey(doc.Name, doc.ID)
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": key, "version": bson.M{"$lt": int64(doc.Version)}},
		update,
		options.Update().SetUpsert(true),
	)
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mongo: upsert %s: %w", key, err)
	}
	return res.MatchedCount+res.UpsertedCount > 0, nil
}

func (s *ReadModelStore) Find(ctx context.Context, name string, q proj.Query) (proj.Page, error) {
	filter := bson.M{"name": name, "deleted": false}
	for k, v := range q.Match {
		filter["data."+k] = v
	}

	total, err := s.coll.CountDocuments(ctx, filter)
	if err != nil {
		return proj.Page{}, fmt.Errorf("mongo: count read models: %w", err)
	}

	opts := options.Find().SetSort(bson.D{{Key: "id", Value: 1}})
	if q.Offset > 0 {
		opts.SetSkip(int64(q.Offset))
	}
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return proj.Page{}, fmt.Errorf("mongo: find read models: %w", err)
	}
	var models []readModel
	if err := cur.All(ctx, &models); err != nil {
		return proj.Page{}, fmt.Errorf("mongo: find read models: %w", err)
	}

	page := proj.Page{Total: int(total), Docs: make([]proj.Doc, 0, len(models))}
	for _, m := range models {
		d, err := toDoc(m)
		if err != nil {
			return proj.Page{}, err
		}
		page.Docs = append(page.Docs, d)
	}
	return page, nil
}

var _ proj.Store = (*ReadModelStore)(nil)
