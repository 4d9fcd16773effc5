// Package identity связывает реляционные идентификаторы сущностей с
// идентификаторами документов в документном хранилище. Других мест, где
// создаётся такая связь, быть не должно.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mmeshcher/carpool/internal/model"
)

// Kind - тип сущности, для которой хранится связь.
type Kind string

const (
	KindUser    Kind = "user"
	KindVehicle Kind = "vehicle"
	KindRide    Kind = "ride"
)

// Mapping - связь реляционного идентификатора с идентификатором документа.
type Mapping struct {
	Kind         Kind   `bson:"kind"`
	RelationalID int64  `bson:"relational_id"`
	DocumentID   string `bson:"document_id"`
}

// MappingStore хранит связи постоянно.
type MappingStore interface {
	// FindMapping возвращает model.ErrUnmapped, если связи нет.
	FindMapping(ctx context.Context, kind Kind, relationalID int64) (string, error)
	// FindByDocument возвращает model.ErrUnmapped, если документ ни с чем не связан.
	FindByDocument(ctx context.Context, kind Kind, documentID string) (int64, error)
	// InsertMapping сохраняет связь, если для relationalID её ещё нет, и возвращает
	// идентификатор документа, связанный с relationalID после вызова.
	InsertMapping(ctx context.Context, m Mapping) (string, error)
}

type key struct {
	kind Kind
	id   int64
}

type reverseKey struct {
	kind Kind
	doc  string
}

// Bridge кэширует связи и проверяет их непротиворечивость.
type Bridge struct {
	store  MappingStore
	logger *zap.Logger

	mu      sync.RWMutex
	forward map[key]string
	reverse map[reverseKey]int64
}

// NewBridge создаёт мост поверх постоянного хранилища связей.
func NewBridge(store MappingStore, logger *zap.Logger) *Bridge {
	return &Bridge{
		store:   store,
		logger:  logger,
		forward: make(map[key]string),
		reverse: make(map[reverseKey]int64),
	}
}

// Resolve возвращает идентификатор документа или model.ErrUnmapped. Решение о создании документа остаётся за вызывающим.
func (b *Bridge) Resolve(ctx context.Context, kind Kind, relationalID int64) (string, error) {
	b.mu.RLock()
	doc, ok := b.forward[key{kind, relationalID}]
	b.mu.RUnlock()
	if ok {
		return doc, nil
	}

	doc, err := b.store.FindMapping(ctx, kind, relationalID)
	if err != nil {
		if errors.Is(err, model.ErrUnmapped) {
			return "", fmt.Errorf("%w: %s %d", model.ErrUnmapped, kind, relationalID)
		}
		return "", err
	}

	b.remember(kind, relationalID, doc)
	return doc, nil
}

// Reverse возвращает реляционный идентификатор по идентификатору документа.
func (b *Bridge) Reverse(ctx context.Context, kind Kind, documentID string) (int64, error) {
	b.mu.RLock()
	id, ok := b.reverse[reverseKey{kind, documentID}]
	b.mu.RUnlock()
	if ok {
		return id, nil
	}

	id, err := b.store.FindByDocument(ctx, kind, documentID)
	if err != nil {
		if errors.Is(err, model.ErrUnmapped) {
			return 0, fmt.Errorf("%w: %s document %s", model.ErrUnmapped, kind, documentID)
		}
		return 0, err
	}

	b.remember(kind, id, documentID)
	return id, nil
}

// Bind сохраняет связь. Повторная привязка к тому же документу допустима,
// привязка к другому документу возвращает model.ErrConflictingMapping и ничего не перезаписывает.
func (b *Bridge) Bind(ctx context.Context, kind Kind, relationalID int64, documentID string) error {
	if documentID == "" {
		return fmt.Errorf("%w: empty document id", model.ErrInvalidArgument)
	}

	b.mu.RLock()
	cached, ok := b.forward[key{kind, relationalID}]
	b.mu.RUnlock()
	if ok {
		if cached != documentID {
			return b.conflict(kind, relationalID, cached, documentID)
		}
		return nil
	}

	bound, err := b.store.InsertMapping(ctx, Mapping{
		Kind:         kind,
		RelationalID: relationalID,
		DocumentID:   documentID,
	})
	if err != nil {
		if errors.Is(err, model.ErrConflictingMapping) {
			b.logger.Error("identity mapping conflict",
				zap.String("op", "bind"),
				zap.String("kind", string(kind)),
				zap.Int64("relational_id", relationalID),
				zap.String("document_id", documentID),
				zap.Error(err),
			)
		}
		return err
	}
	if bound != documentID {
		return b.conflict(kind, relationalID, bound, documentID)
	}

	b.remember(kind, relationalID, documentID)
	return nil
}

func (b *Bridge) conflict(kind Kind, relationalID int64, existing, requested string) error {
	b.logger.Error("identity mapping conflict",
		zap.String("op", "bind"),
		zap.String("kind", string(kind)),
		zap.Int64("relational_id", relationalID),
		zap.String("bound_document_id", existing),
		zap.String("document_id", requested),
	)
	return fmt.Errorf("%w: %s %d is bound to %s, not %s", model.ErrConflictingMapping, kind, relationalID, existing, requested)
}

func (b *Bridge) remember(kind Kind, relationalID int64, documentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forward[key{kind, relationalID}] = documentID
	b.reverse[reverseKey{kind, documentID}] = relationalID
}
