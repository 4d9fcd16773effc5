// Package mirror строит в документном хранилище денормализованные копии
// поездок для поиска. Реляционное хранилище здесь доступно только на чтение,
// документы обновляются идемпотентной заменой по реляционному идентификатору.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/carpool/internal/identity"
	"github.com/mmeshcher/carpool/internal/metrics"
	"github.com/mmeshcher/carpool/internal/model"
)

// DefaultBatchSize - размер страницы прохода синхронизации по умолчанию.
const DefaultBatchSize = 100

// rideLockStripes - число мьютексов, между которыми распределяются поездки.
const rideLockStripes = 256

// Source - реляционные данные, доступные зеркалу только на чтение.
type Source interface {
	RideSnapshot(ctx context.Context, rideID int64) (*model.RideSnapshot, error)
	RideRefs(ctx context.Context, afterID int64, limit int) ([]model.RideRef, error)
}

// Documents - документное хранилище зеркала.
type Documents interface {
	// RideMarkers возвращает маркеры версий уже отражённых поездок.
	RideMarkers(ctx context.Context, rideIDs []int64) (map[int64]string, error)
	// UpsertRide полностью заменяет документ поездки либо создаёт его.
	// Возвращает model.ErrStaleWrite, если в зеркале документ более новой версии.
	UpsertRide(ctx context.Context, doc *model.RideMirrorDocument) error
	// EnsurePlaceholder создаёт минимальный документ пользователя или автомобиля,
	// если его нет, и возвращает идентификатор документа.
	EnsurePlaceholder(ctx context.Context, kind identity.Kind, relationalID int64) (string, error)
}

// Result - итог синхронизации одной поездки.
type Result string

const (
	ResultSynced    Result = "synced"
	ResultUnchanged Result = "unchanged"
	ResultSkipped   Result = "skipped"
	ResultFailed    Result = "failed"
)

// Engine синхронизирует поездки в зеркало.
type Engine struct {
	source    Source
	docs      Documents
	bridge    *identity.Bridge
	logger    *zap.Logger
	metrics   *metrics.Metrics
	batchSize int

	locks [rideLockStripes]sync.Mutex
}

// NewEngine создаёт движок синхронизации.
func NewEngine(source Source, docs Documents, bridge *identity.Bridge, logger *zap.Logger, m *metrics.Metrics, batchSize int) *Engine {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Engine{
		source:    source,
		docs:      docs,
		bridge:    bridge,
		logger:    logger,
		metrics:   m,
		batchSize: batchSize,
	}
}

// rideLock возвращает мьютекс поездки. Синхронизации одной поездки всегда
// выполняются последовательно, разные поездки могут делить мьютекс.
func (e *Engine) rideLock(rideID int64) *sync.Mutex {
	return &e.locks[uint64(rideID)%rideLockStripes]
}

// SyncRide отражает одну поездку. Неизменённая поездка не перезаписывается,
// изменённая перезаписывается целиком. Отменённая поездка, которой ещё нет в
// зеркале, пропускается.
func (e *Engine) SyncRide(ctx context.Context, rideID int64) (Result, error) {
	l := e.rideLock(rideID)
	l.Lock()
	defer l.Unlock()

	res, err := e.syncRide(ctx, rideID)
	e.count(res)
	if err != nil {
		return ResultFailed, fmt.Errorf("sync ride %d: %w", rideID, err)
	}
	return res, nil
}

func (e *Engine) syncRide(ctx context.Context, rideID int64) (Result, error) {
	snap, err := e.source.RideSnapshot(ctx, rideID)
	if err != nil {
		return ResultFailed, err
	}

	markers, err := e.docs.RideMarkers(ctx, []int64{rideID})
	if err != nil {
		return ResultFailed, err
	}
	current, mirrored := markers[rideID]
	if mirrored && current == snap.Marker() {
		return ResultUnchanged, nil
	}
	if !mirrored && snap.Ride.Status == model.RideStatusCancelled {
		return ResultSkipped, nil
	}

	driverDoc, err := e.resolveOrCreate(ctx, identity.KindUser, snap.Driver.ID)
	if err != nil {
		return ResultFailed, err
	}
	vehicleDoc, err := e.resolveOrCreate(ctx, identity.KindVehicle, snap.Vehicle.ID)
	if err != nil {
		return ResultFailed, err
	}

	doc := BuildDocument(snap, driverDoc, vehicleDoc)
	if err := e.docs.UpsertRide(ctx, doc); err != nil {
		if errors.Is(err, model.ErrStaleWrite) {
			// Более свежая версия уже записана параллельным проходом.
			return ResultUnchanged, nil
		}
		return ResultFailed, err
	}

	if err := e.bridge.Bind(ctx, identity.KindRide, rideID, model.RideDocumentID(rideID)); err != nil {
		return ResultFailed, err
	}

	e.logger.Debug("ride mirrored",
		zap.String("op", "sync_ride"),
		zap.Int64("ride_id", rideID),
		zap.String("marker", doc.SourceMarker),
	)
	return ResultSynced, nil
}

// resolveOrCreate возвращает документ сущности, создавая заглушку при отсутствии связи.
func (e *Engine) resolveOrCreate(ctx context.Context, kind identity.Kind, relationalID int64) (string, error) {
	doc, err := e.bridge.Resolve(ctx, kind, relationalID)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, model.ErrUnmapped) {
		return "", err
	}

	doc, err = e.docs.EnsurePlaceholder(ctx, kind, relationalID)
	if err != nil {
		return "", fmt.Errorf("create %s placeholder: %w", kind, err)
	}
	if err := e.bridge.Bind(ctx, kind, relationalID, doc); err != nil {
		return "", err
	}
	return doc, nil
}

// BuildDocument строит документ зеркала из среза реляционных данных.
// Время округляется до миллисекунд, которые хранит BSON, чтобы повторное
// построение давало побайтно тот же документ.
func BuildDocument(snap *model.RideSnapshot, driverDoc, vehicleDoc string) *model.RideMirrorDocument {
	r := snap.Ride
	return &model.RideMirrorDocument{
		RideID:             r.ID,
		Status:             r.Status,
		Bookable:           r.Status == model.RideStatusScheduled && r.AvailableSeats > 0,
		DepartureCity:      r.DepartureCity,
		ArrivalCity:        r.ArrivalCity,
		DepartureAt:        r.DepartureAt.UTC().Truncate(time.Millisecond),
		PricePerSeat:       r.PricePerSeat,
		PlatformCommission: r.PlatformCommission,
		TotalSeats:         r.TotalSeats,
		AvailableSeats:     r.AvailableSeats,
		Driver: model.DriverSummary{
			DocumentID:   driverDoc,
			RelationalID: snap.Driver.ID,
			DisplayName:  snap.Driver.DisplayName,
			Rating:       snap.Driver.Rating,
		},
		Vehicle: model.VehicleSummary{
			DocumentID:   vehicleDoc,
			RelationalID: snap.Vehicle.ID,
			Brand:        snap.Vehicle.Brand,
			Model:        snap.Vehicle.Model,
			Color:        snap.Vehicle.Color,
			Energy:       snap.Vehicle.Energy,
			Seats:        snap.Vehicle.Seats,
		},
		SourceRideVersion: r.Version,
		SourceMarker:      snap.Marker(),
		SourceUpdatedAt:   r.UpdatedAt.UTC().Truncate(time.Millisecond),
	}
}

func (e *Engine) count(res Result) {
	if e.metrics == nil {
		return
	}
	e.metrics.SyncRides.WithLabelValues(string(res)).Inc()
}
