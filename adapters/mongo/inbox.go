package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/bennyboer/kicherkrabbe-sub011/core/inbox"
)

const inboxCollection = "inbox"

type inboxRecord struct {
	ID         string    `bson:"_id"`
	Consumer   string    `bson:"consumer"`
	MessageID  string    `bson:"message_id"`
	ReceivedAt time.Time `bson:"received_at"`
}

// Inbox is the ledger of one consumer. The unique _id index makes the
// insert the dedup gate.
type Inbox struct {
	coll     *mongo.Collection
	consumer string
}

func NewInbox(ctx context.Context, db *mongo.Database, consumer string) (*Inbox, error) {
	coll := db.Collection(inboxCollection)
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "consumer", Value: 1}, {Key: "received_at", Value: 1}},
	})
	if err != nil {
		return nil, fmt.Errorf("mongo: inbox index: %w", err)
	}
	return &Inbox{coll: coll, consumer: consumer}, nil
}

func (i *Inbox) id(messageID string) string { return i.consumer + "/" + messageID }

func (i *Inbox) Seen(ctx context.Context, messageID string) (bool, error) {
	if messageID == "" {
		return false, inbox.ErrInvalidMessageID
	}
	n, err := i.coll.CountDocuments(ctx, bson.M{"_id": i.id(messageID)}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("mongo: inbox lookup: %w", err)
	}
	return n > 0, nil
}

func (i *Inbox) TryInsert(ctx context.Context, messageID string, receivedAt time.Time) (inbox.Result, error) {
	if messageID == "" {
		return 0, inbox.ErrInvalidMessageID
	}
	_, err := i.coll.InsertOne(ctx, inboxRecord{
		ID:         i.id(messageID),
		Consumer:   i.consumer,
		MessageID:  messageID,
		ReceivedAt: receivedAt.UTC(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return inbox.AlreadySeen, nil
	}
	if err != nil {
		return 0, fmt.Errorf("mongo: inbox insert: %w", err)
	}
	return inbox.Inserted, nil
}

func (i *Inbox) Forget(ctx context.Context, messageID string) error {
	if _, err := i.coll.DeleteOne(ctx, bson.M{"_id": i.id(messageID)}); err != nil {
		return fmt.Errorf("mongo: inbox forget: %w", err)
	}
	return nil
}

func (i *Inbox) Prune(ctx context.Context, before time.Time) (int, error) {
	res, err := i.coll.DeleteMany(ctx, bson.M{
		"consumer":    i.consumer,
		"received_at": bson.M{"$lt": before.UTC()},
	})
	if err != nil {
		return 0, fmt.Errorf("mongo: inbox prune: %w", err)
	}
	return int(res.DeletedCount), nil
}

var _ inbox.Inbox = (*Inbox)(nil)
