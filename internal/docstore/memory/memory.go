// Package memory реализует документное хранилище зеркала в памяти. Документы
// хранятся в BSON, как в MongoDB, поэтому их можно сравнивать побайтно.
package memory

import (
	"context"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/mmeshcher/carpool/internal/identity"
	"github.com/mmeshcher/carpool/internal/model"
)

type mappingKey struct {
	kind identity.Kind
	id   int64
}

type documentKey struct {
	kind identity.Kind
	doc  string
}

// Store - документное хранилище в памяти.
type Store struct {
	mu sync.Mutex

	rides        map[int64]bson.Raw
	placeholders map[mappingKey]string
	forward      map[mappingKey]string
	reverse      map[documentKey]int64

	failRides   map[int64]error
	unavailable bool
	writes      int
}

// New создаёт пустое хранилище.
func New() *Store {
	return &Store{
		rides:        make(map[int64]bson.Raw),
		placeholders: make(map[mappingKey]string),
		forward:      make(map[mappingKey]string),
		reverse:      make(map[documentKey]int64),
		failRides:    make(map[int64]error),
	}
}

// FailRideWrites заставляет запись документа поездки возвращать err, пока не вызван ClearFailures.
func (s *Store) FailRideWrites(rideID int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failRides[rideID] = err
}

// ClearFailures снимает все внедрённые отказы.
func (s *Store) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failRides = make(map[int64]error)
	s.unavailable = false
}

// SetUnavailable переводит хранилище в режим отказа.
func (s *Store) SetUnavailable(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = v
}

// RideWrites возвращает число выполненных записей документов поездок.
func (s *Store) RideWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// RawRide возвращает BSON документа поездки.
func (s *Store) RawRide(rideID int64) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.rides[rideID]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), raw...), true
}

// GetRide декодирует документ поездки.
func (s *Store) GetRide(_ context.Context, rideID int64) (*model.RideMirrorDocument, error) {
	raw, ok := s.RawRide(rideID)
	if !ok {
		return nil, fmt.Errorf("%w: ride document %d", model.ErrNotFound, rideID)
	}
	var doc model.RideMirrorDocument
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode ride document: %w", err)
	}
	return &doc, nil
}

func (s *Store) check(op string) error {
	if s.unavailable {
		return fmt.Errorf("%s: %w", op, model.ErrStorageUnavailable)
	}
	return nil
}

// RideMarkers возвращает маркеры версий отражённых поездок.
func (s *Store) RideMarkers(_ context.Context, rideIDs []int64) (map[int64]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check("find ride markers"); err != nil {
		return nil, err
	}
	res := make(map[int64]string, len(rideIDs))
	for _, id := range rideIDs {
		raw, ok := s.rides[id]
		if !ok {
			continue
		}
		res[id] = raw.Lookup("source_marker").StringValue()
	}
	return res, nil
}

// UpsertRide заменяет документ поездки, если в хранилище нет более новой версии.
func (s *Store) UpsertRide(_ context.Context, doc *model.RideMirrorDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check("replace ride"); err != nil {
		return err
	}
	if err := s.failRides[doc.RideID]; err != nil {
		return err
	}

	if raw, ok := s.rides[doc.RideID]; ok {
		if stored := raw.Lookup("source_ride_version").Int64(); stored > doc.SourceRideVersion {
			return fmt.Errorf("%w: ride %d version %d", model.ErrStaleWrite, doc.RideID, doc.SourceRideVersion)
		}
	}

	raw, err := bson.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode ride document: %w", err)
	}
	s.rides[doc.RideID] = raw
	s.writes++
	return nil
}

// EnsurePlaceholder создаёт заглушку пользователя или автомобиля.
func (s *Store) EnsurePlaceholder(_ context.Context, kind identity.Kind, relationalID int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check("ensure placeholder"); err != nil {
		return "", err
	}
	if kind != identity.KindUser && kind != identity.KindVehicle {
		return "", fmt.Errorf("%w: no placeholder collection for %s", model.ErrInvalidArgument, kind)
	}

	k := mappingKey{kind, relationalID}
	if doc, ok := s.placeholders[k]; ok {
		return doc, nil
	}
	doc := primitive.NewObjectID().Hex()
	s.placeholders[k] = doc
	return doc, nil
}

// Placeholders возвращает число созданных заглушек указанного типа.
func (s *Store) Placeholders(kind identity.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k := range s.placeholders {
		if k.kind == kind {
			n++
		}
	}
	return n
}

// FindMapping возвращает документ, связанный с реляционным идентификатором.
func (s *Store) FindMapping(_ context.Context, kind identity.Kind, relationalID int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check("find mapping"); err != nil {
		return "", err
	}
	doc, ok := s.forward[mappingKey{kind, relationalID}]
	if !ok {
		return "", model.ErrUnmapped
	}
	return doc, nil
}

// FindByDocument возвращает реляционный идентификатор, связанный с документом.
func (s *Store) FindByDocument(_ context.Context, kind identity.Kind, documentID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check("find mapping by document"); err != nil {
		return 0, err
	}
	id, ok := s.reverse[documentKey{kind, documentID}]
	if !ok {
		return 0, model.ErrUnmapped
	}
	return id, nil
}

// InsertMapping сохраняет связь, если для реляционного идентификатора её ещё нет.
func (s *Store) InsertMapping(_ context.Context, m identity.Mapping) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check("insert mapping"); err != nil {
		return "", err
	}
	if doc, ok := s.forward[mappingKey{m.Kind, m.RelationalID}]; ok {
		return doc, nil
	}
	if owner, ok := s.reverse[documentKey{m.Kind, m.DocumentID}]; ok && owner != m.RelationalID {
		return "", fmt.Errorf("%w: %s document %s is bound to %d", model.ErrConflictingMapping, m.Kind, m.DocumentID, owner)
	}
	s.forward[mappingKey{m.Kind, m.RelationalID}] = m.DocumentID
	s.reverse[documentKey{m.Kind, m.DocumentID}] = m.RelationalID
	return m.DocumentID, nil
}
