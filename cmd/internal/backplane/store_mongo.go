package backplane

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoPresence persists presence records in a MongoDB collection. Every
// mutation rides a single findAndModify or update so concurrent nodes
// observe a serializable sequence of prior states.
type MongoPresence struct {
	coll *mongo.Collection
}

// NewMongoPresence wraps a presence collection.
func NewMongoPresence(coll *mongo.Collection) (*MongoPresence, error) {
	if coll == nil {
		return nil, errors.New("backplane: nil presence collection")
	}
	return &MongoPresence{coll: coll}, nil
}

// EnsureIndexes creates the presence collection's indexes.
func (s *MongoPresence) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "domain", Value: 1}, {Key: "user", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "live.node", Value: 1}}},
		{Keys: bson.D{{Key: "live.client", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("presence indexes: %w", err)
	}
	return nil
}

func presenceFilter(domain, user string) bson.M {
	return bson.M{"domain": domain, "user": user}
}

func (s *MongoPresence) SetLive(ctx context.Context, domain, user string, entry LiveEntry, online bool) (*PresencePrior, error) {
	var update bson.M
	if online {
		update = bson.M{
			"$inc":  bson.M{"count": 1},
			"$push": bson.M{"live": entry},
		}
	} else {
		update = bson.M{
			"$inc":  bson.M{"count": -1},
			"$pull": bson.M{"live": bson.M{"client": entry.Client, "node": entry.Node}},
		}
	}

	// Project only what the notification decision needs: the prior count,
	// the link entries, and whether any other node held this client live.
	opts := options.FindOneAndUpdate().
		SetUpsert(online).
		SetReturnDocument(options.Before).
		SetProjection(bson.M{
			"count": 1,
			"link":  1,
			"live":  bson.M{"$elemMatch": bson.M{"node": bson.M{"$ne": entry.Node}, "client": entry.Client}},
		})

	var prior struct {
		Count int         `bson:"count"`
		Live  []LiveEntry `bson:"live"`
		Link  []LinkEntry `bson:"link"`
	}
	err := s.coll.FindOneAndUpdate(ctx, presenceFilter(domain, user), update, opts).Decode(&prior)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("presence set live: %w", err)
	}

	return &PresencePrior{
		Count:           prior.Count,
		ClientElsewhere: len(prior.Live) > 0,
		Link:            prior.Link,
	}, nil
}

func (s *MongoPresence) ZeroUser(ctx context.Context, domain, user string) (*PresenceRecord, error) {
	update := bson.M{"$set": bson.M{"count": 0, "live": bson.A{}, "link": bson.A{}}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.Before)

	var prior PresenceRecord
	err := s.coll.FindOneAndUpdate(ctx, presenceFilter(domain, user), update, opts).Decode(&prior)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("presence zero user: %w", err)
	}
	return &prior, nil
}

func (s *MongoPresence) LiveHosts(ctx context.Context, domain, user, client string) ([]LiveEntry, error) {
	var rec PresenceRecord
	err := s.coll.FindOne(ctx, presenceFilter(domain, user),
		options.FindOne().SetProjection(bson.M{"live": 1})).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("presence live hosts: %w", err)
	}

	if client == "" {
		return rec.Live, nil
	}
	var out []LiveEntry
	for _, e := range rec.Live {
		if e.Client == client {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MongoPresence) IsActive(ctx context.Context, domain, user, client string) (bool, error) {
	filter := presenceFilter(domain, user)
	if client != "" {
		filter["live.client"] = client
	} else {
		filter["live.0"] = bson.M{"$exists": true}
	}

	err := s.coll.FindOne(ctx, filter, options.FindOne().SetProjection(bson.M{"_id": 1})).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("presence is active: %w", err)
	}
	return true, nil
}

func (s *MongoPresence) LinkEntries(ctx context.Context, domain, user string) ([]LinkEntry, error) {
	var rec PresenceRecord
	err := s.coll.FindOne(ctx, presenceFilter(domain, user),
		options.FindOne().SetProjection(bson.M{"link": 1})).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("presence link entries: %w", err)
	}
	return rec.Link, nil
}

func (s *MongoPresence) ClaimLinkEntry(ctx context.Context, domain, user string, e LinkEntry) (bool, error) {
	filter := presenceFilter(domain, user)
	filter["link"] = bson.M{"$not": bson.M{"$elemMatch": bson.M{
		"client":    orNil(e.Client),
		"tgtUser":   e.TgtUser,
		"tgtClient": orNil(e.TgtClient),
	}}}

	opts := options.FindOneAndUpdate().SetProjection(bson.M{"_id": 1})
	err := s.coll.FindOneAndUpdate(ctx, filter, bson.M{"$push": bson.M{"link": e}}, opts).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("presence claim link: %w", err)
	}
	return true, nil
}

func (s *MongoPresence) FindLinkEntry(ctx context.Context, domain, user, client, tgtUser, tgtClient string) (LinkEntry, bool, error) {
	filter := presenceFilter(domain, user)
	filter["link"] = bson.M{"$elemMatch": bson.M{
		"client":    orNil(client),
		"tgtUser":   tgtUser,
		"tgtClient": orNil(tgtClient),
	}}

	var rec struct {
		Link []LinkEntry `bson:"link"`
	}
	err := s.coll.FindOne(ctx, filter,
		options.FindOne().SetProjection(bson.M{"link.$": 1})).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return LinkEntry{}, false, nil
	}
	if err != nil {
		return LinkEntry{}, false, fmt.Errorf("presence find link: %w", err)
	}
	if len(rec.Link) == 0 {
		return LinkEntry{}, false, nil
	}
	return rec.Link[0], true, nil
}

func (s *MongoPresence) PushLinkEntry(ctx context.Context, domain, user string, e LinkEntry) error {
	_, err := s.coll.UpdateOne(ctx, presenceFilter(domain, user),
		bson.M{"$push": bson.M{"link": e}},
		options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("presence push link: %w", err)
	}
	return nil
}

func (s *MongoPresence) PullLinkEntry(ctx context.Context, domain, user, client, tgtUser, tgtClient string) error {
	_, err := s.coll.UpdateOne(ctx, presenceFilter(domain, user),
		bson.M{"$pull": bson.M{"link": bson.M{
			"client":    orNil(client),
			"tgtUser":   tgtUser,
			"tgtClient": orNil(tgtClient),
		}}})
	if err != nil {
		return fmt.Errorf("presence pull link: %w", err)
	}
	return nil
}

func (s *MongoPresence) SweepNode(ctx context.Context, nodeID string) error {
	cursor, err := s.coll.Find(ctx, bson.M{"live.node": nodeID},
		options.Find().SetProjection(bson.M{"domain": 1, "user": 1, "live": 1}))
	if err != nil {
		return fmt.Errorf("presence sweep find: %w", err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var rec PresenceRecord
		if err := cursor.Decode(&rec); err != nil {
			return fmt.Errorf("presence sweep decode: %w", err)
		}

		stranded := 0
		for _, e := range rec.Live {
			if e.Node == nodeID {
				stranded++
			}
		}
		if stranded == 0 {
			continue
		}

		_, err := s.coll.UpdateOne(ctx, presenceFilter(rec.Domain, rec.User), bson.M{
			"$pull": bson.M{"live": bson.M{"node": nodeID}},
			"$inc":  bson.M{"count": -stranded},
		})
		if err != nil {
			return fmt.Errorf("presence sweep update: %w", err)
		}
	}
	if err := cursor.Err(); err != nil {
		return fmt.Errorf("presence sweep cursor: %w", err)
	}
	return nil
}

// orNil maps an absent client to an explicit null so subdocument matches
// distinguish "no client" from "any client".
func orNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// MongoLinks persists link records in a MongoDB collection, keyed by token.
type MongoLinks struct {
	coll *mongo.Collection
}

// NewMongoLinks wraps a links collection.
func NewMongoLinks(coll *mongo.Collection) (*MongoLinks, error) {
	if coll == nil {
		return nil, errors.New("backplane: nil links collection")
	}
	return &MongoLinks{coll: coll}, nil
}

func (s *MongoLinks) Create(ctx context.Context, rec LinkRecord) error {
	if _, err := s.coll.InsertOne(ctx, rec); err != nil {
		return fmt.Errorf("link insert: %w", err)
	}
	return nil
}

func (s *MongoLinks) GetOpen(ctx context.Context, token string) (LinkRecord, error) {
	var rec LinkRecord
	err := s.coll.FindOne(ctx, bson.M{"_id": token, "closed": false}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return LinkRecord{}, ErrLinkNotFound
	}
	if err != nil {
		return LinkRecord{}, fmt.Errorf("link find: %w", err)
	}
	return rec, nil
}

func (s *MongoLinks) MarkInit(ctx context.Context, token, sid string) (LinkRecord, bool, error) {
	filter := bson.M{"_id": token, "init": bson.M{"$ne": sid}, "closed": false}
	update := bson.M{"$push": bson.M{"init": bson.M{"$each": bson.A{sid}, "$slice": -initRingSize}}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.Before)

	var prior LinkRecord
	err := s.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&prior)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return LinkRecord{}, false, nil
	}
	if err != nil {
		return LinkRecord{}, false, fmt.Errorf("link mark init: %w", err)
	}
	return prior, true, nil
}

func (s *MongoLinks) Reopen(ctx context.Context, token string) error {
	return s.setClosed(ctx, bson.M{"_id": token}, false)
}

func (s *MongoLinks) Close(ctx context.Context, token string) error {
	return s.setClosed(ctx, bson.M{"_id": token}, true)
}

func (s *MongoLinks) CloseMany(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	_, err := s.coll.UpdateMany(ctx, bson.M{"_id": bson.M{"$in": tokens}},
		bson.M{"$set": bson.M{"closed": true}})
	if err != nil {
		return fmt.Errorf("link close many: %w", err)
	}
	return nil
}

func (s *MongoLinks) setClosed(ctx context.Context, filter bson.M, closed bool) error {
	_, err := s.coll.UpdateOne(ctx, filter, bson.M{"$set": bson.M{"closed": closed}})
	if err != nil {
		return fmt.Errorf("link set closed: %w", err)
	}
	return nil
}

// MongoHosts persists node slot ownership in a MongoDB collection.
type MongoHosts struct {
	coll *mongo.Collection
}

// NewMongoHosts wraps a hosts collection.
func NewMongoHosts(coll *mongo.Collection) (*MongoHosts, error) {
	if coll == nil {
		return nil, errors.New("backplane: nil hosts collection")
	}
	return &MongoHosts{coll: coll}, nil
}

// EnsureIndexes creates the hosts collection's indexes.
func (s *MongoHosts) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "address", Value: 1}, {Key: "port", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("hosts indexes: %w", err)
	}
	return nil
}

func (s *MongoHosts) Claim(ctx context.Context, address string, port int, nodeID string) (string, error) {
	filter := bson.M{"address": address, "port": port}
	update := bson.M{"$set": bson.M{"node": nodeID}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.Before)

	var prior struct {
		Node string `bson:"node"`
	}
	err := s.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&prior)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("hosts claim: %w", err)
	}
	return prior.Node, nil
}
