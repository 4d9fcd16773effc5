// Package docstore содержит документное хранилище зеркала в MongoDB:
// документы поездок, заглушки пользователей и автомобилей и таблицу связей идентификаторов.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mmeshcher/carpool/internal/identity"
	"github.com/mmeshcher/carpool/internal/model"
)

const (
	ridesCollection      = "rides"
	usersCollection      = "users"
	vehiclesCollection   = "vehicles"
	identitiesCollection = "identity_map"
)

// MongoStore - документное хранилище в MongoDB.
type MongoStore struct {
	client     *mongo.Client
	rides      *mongo.Collection
	users      *mongo.Collection
	vehicles   *mongo.Collection
	identities *mongo.Collection
}

// Connect подключается к MongoDB и создаёт индексы.
func Connect(ctx context.Context, uri, database string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).SetTimeout(5*time.Second))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, mongoError("ping mongo", err)
	}

	db := client.Database(database)
	s := &MongoStore{
		client:     client,
		rides:      db.Collection(ridesCollection),
		users:      db.Collection(usersCollection),
		vehicles:   db.Collection(vehiclesCollection),
		identities: db.Collection(identitiesCollection),
	}

	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)

	_, err := s.identities.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "kind", Value: 1}, {Key: "relational_id", Value: 1}}, Options: unique},
		{Keys: bson.D{{Key: "kind", Value: 1}, {Key: "document_id", Value: 1}}, Options: unique},
	})
	if err != nil {
		return mongoError("create identity indexes", err)
	}

	for _, c := range []*mongo.Collection{s.users, s.vehicles} {
		_, err := c.Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: "relational_id", Value: 1}},
			Options: unique,
		})
		if err != nil {
			return mongoError("create placeholder index", err)
		}
	}

	_, err = s.rides.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "departure_city", Value: 1},
			{Key: "arrival_city", Value: 1},
			{Key: "departure_at", Value: 1},
			{Key: "bookable", Value: 1},
		},
	})
	if err != nil {
		return mongoError("create ride search index", err)
	}
	return nil
}

// Close отключается от MongoDB.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func mongoError(op string, err error) error {
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, model.ErrStorageUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// RideMarkers возвращает маркеры версий отражённых поездок.
func (s *MongoStore) RideMarkers(ctx context.Context, rideIDs []int64) (map[int64]string, error) {
	cur, err := s.rides.Find(ctx,
		bson.M{"_id": bson.M{"$in": rideIDs}},
		options.Find().SetProjection(bson.M{"source_marker": 1}),
	)
	if err != nil {
		return nil, mongoError("find ride markers", err)
	}
	defer cur.Close(ctx)

	res := make(map[int64]string, len(rideIDs))
	for cur.Next(ctx) {
		var row struct {
			ID     int64  `bson:"_id"`
			Marker string `bson:"source_marker"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, fmt.Errorf("decode ride marker: %w", err)
		}
		res[row.ID] = row.Marker
	}
	if err := cur.Err(); err != nil {
		return nil, mongoError("iterate ride markers", err)
	}
	return res, nil
}

// UpsertRide заменяет документ поездки целиком. Документ с более новой версией
// поездки не совпадает с фильтром, вставка упирается в уникальность _id,
// и запись отклоняется как устаревшая.
func (s *MongoStore) UpsertRide(ctx context.Context, doc *model.RideMirrorDocument) error {
	filter := bson.M{
		"_id":                 doc.RideID,
		"source_ride_version": bson.M{"$lte": doc.SourceRideVersion},
	}
	_, err := s.rides.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: ride %d version %d", model.ErrStaleWrite, doc.RideID, doc.SourceRideVersion)
		}
		return mongoError("replace ride", err)
	}
	return nil
}

// GetRide возвращает документ поездки.
func (s *MongoStore) GetRide(ctx context.Context, rideID int64) (*model.RideMirrorDocument, error) {
	var doc model.RideMirrorDocument
	err := s.rides.FindOne(ctx, bson.M{"_id": rideID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: ride document %d", model.ErrNotFound, rideID)
		}
		return nil, mongoError("find ride", err)
	}
	return &doc, nil
}

func (s *MongoStore) placeholders(kind identity.Kind) (*mongo.Collection, error) {
	switch kind {
	case identity.KindUser:
		return s.users, nil
	case identity.KindVehicle:
		return s.vehicles, nil
	}
	return nil, fmt.Errorf("%w: no placeholder collection for %s", model.ErrInvalidArgument, kind)
}

// EnsurePlaceholder создаёт минимальный документ, если его нет, и возвращает его _id.
func (s *MongoStore) EnsurePlaceholder(ctx context.Context, kind identity.Kind, relationalID int64) (string, error) {
	coll, err := s.placeholders(kind)
	if err != nil {
		return "", err
	}

	update := bson.M{"$setOnInsert": bson.M{
		"relational_id": relationalID,
		"placeholder":   true,
		"created_at":    time.Now().UTC(),
	}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var doc struct {
		ID primitive.ObjectID `bson:"_id"`
	}
	err = coll.FindOneAndUpdate(ctx, bson.M{"relational_id": relationalID}, update, opts).Decode(&doc)
	if err != nil && mongo.IsDuplicateKeyError(err) {
		// Параллельный upsert успел вставить документ, читаем его.
		err = coll.FindOne(ctx, bson.M{"relational_id": relationalID}).Decode(&doc)
	}
	if err != nil {
		return "", mongoError("ensure "+string(kind)+" placeholder", err)
	}
	return doc.ID.Hex(), nil
}

// FindMapping возвращает документ, связанный с реляционным идентификатором.
func (s *MongoStore) FindMapping(ctx context.Context, kind identity.Kind, relationalID int64) (string, error) {
	var m identity.Mapping
	err := s.identities.FindOne(ctx, bson.M{"kind": kind, "relational_id": relationalID}).Decode(&m)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", model.ErrUnmapped
		}
		return "", mongoError("find mapping", err)
	}
	return m.DocumentID, nil
}

// FindByDocument возвращает реляционный идентификатор, связанный с документом.
func (s *MongoStore) FindByDocument(ctx context.Context, kind identity.Kind, documentID string) (int64, error) {
	var m identity.Mapping
	err := s.identities.FindOne(ctx, bson.M{"kind": kind, "document_id": documentID}).Decode(&m)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, model.ErrUnmapped
		}
		return 0, mongoError("find mapping by document", err)
	}
	return m.RelationalID, nil
}

// InsertMapping сохраняет связь, опираясь на уникальные индексы коллекции связей.
func (s *MongoStore) InsertMapping(ctx context.Context, m identity.Mapping) (string, error) {
	_, err := s.identities.InsertOne(ctx, m)
	if err == nil {
		return m.DocumentID, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return "", mongoError("insert mapping", err)
	}

	existing, findErr := s.FindMapping(ctx, m.Kind, m.RelationalID)
	if findErr == nil {
		return existing, nil
	}
	if errors.Is(findErr, model.ErrUnmapped) {
		return "", fmt.Errorf("%w: %s document %s is bound to another id", model.ErrConflictingMapping, m.Kind, m.DocumentID)
	}
	return "", findErr
}
