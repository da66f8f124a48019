package trust

import (
	"context"
	"time"

	"web_editor/internal/cryptographic/signature"
	"web_editor/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	// MongoStore keeps one document per (owner, fingerprint).
	MongoStore struct {
		collection *mongo.Collection
	}

	trustedKey struct {
		Owner       string    `bson:"owner"`
		Fingerprint string    `bson:"fingerprint"`
		TrustedAt   time.Time `bson:"trusted_at"`
	}
)

var _ Store = (*MongoStore)(nil)

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		collection: db.Collection("trusted_keys"),
	}
}

// EnsureIndexes creates the unique (owner, fingerprint) index.
func (r *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "owner", Value: 1}, {Key: "fingerprint", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func (r *MongoStore) IsTrusted(ctx context.Context, owner model.Principal, key []byte) (bool, error) {
	filter := bson.M{
		"owner":       owner.String(),
		"fingerprint": signature.Fingerprint(key),
	}
	n, err := r.collection.CountDocuments(ctx, filter, options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *MongoStore) Trust(ctx context.Context, owner model.Principal, key []byte) (bool, error) {
	fp := signature.Fingerprint(key)
	filter := bson.M{
		"owner":       owner.String(),
		"fingerprint": fp,
	}
	update := bson.M{
		"$setOnInsert": trustedKey{Owner: owner.String(), Fingerprint: fp, TrustedAt: time.Now().UTC()},
	}
	res, err := r.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		// lost an upsert race with a concurrent Trust for the same key
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return res.UpsertedCount == 1, nil
}

func (r *MongoStore) Untrust(ctx context.Context, owner model.Principal, key []byte) (bool, error) {
	filter := bson.M{"owner": owner.String()}
	if key == nil {
		res, err := r.collection.DeleteMany(ctx, filter)
		if err != nil {
			return false, err
		}
		return res.DeletedCount > 0, nil
	}
	filter["fingerprint"] = signature.Fingerprint(key)
	return r.deleteOne(ctx, filter)
}

func (r *MongoStore) UntrustFingerprint(ctx context.Context, owner model.Principal, fp string) (bool, error) {
	all, err := r.ListTrusted(ctx, owner)
	if err != nil {
		return false, err
	}
	match, err := matchFingerprint(all, fp)
	if err != nil || match == "" {
		return false, err
	}
	return r.deleteOne(ctx, bson.M{"owner": owner.String(), "fingerprint": match})
}

func (r *MongoStore) ListTrusted(ctx context.Context, owner model.Principal) ([]string, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "fingerprint", Value: 1}}).
		SetProjection(bson.M{"fingerprint": 1})
	cur, err := r.collection.Find(ctx, bson.M{"owner": owner.String()}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := make([]string, 0)
	for cur.Next(ctx) {
		var doc trustedKey
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.Fingerprint)
	}
	return out, cur.Err()
}

func (r *MongoStore) deleteOne(ctx context.Context, filter bson.M) (bool, error) {
	res, err := r.collection.DeleteOne(ctx, filter)
	if err != nil {
		return false, err
	}
	return res.DeletedCount > 0, nil
}
