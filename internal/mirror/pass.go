package mirror

import (
	"context"
	"errors"
	"iter"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/carpool/internal/model"
)

// PassReport - итог прохода синхронизации.
type PassReport struct {
	Synced    int     `json:"synced"`
	Unchanged int     `json:"unchanged"`
	Skipped   int     `json:"skipped"`
	Failed    int     `json:"failed"`
	FailedIDs []int64 `json:"failed_ride_ids,omitempty"`
	// Cursor - идентификатор последней обработанной поездки; проход можно продолжить с него.
	Cursor  int64 `json:"cursor"`
	Aborted bool  `json:"aborted"`
}

// Pending лениво перебирает поездки с идентификатором больше after, которых
// нет в зеркале или которые изменились после последней синхронизации.
// Отменённые поездки, ни разу не попадавшие в зеркало, не возвращаются.
// При ошибке чтения последовательность выдаёт её и завершается.
func (e *Engine) Pending(ctx context.Context, after int64) iter.Seq2[model.RideRef, error] {
	return func(yield func(model.RideRef, error) bool) {
		cursor := after
		for {
			refs, err := e.source.RideRefs(ctx, cursor, e.batchSize)
			if err != nil {
				yield(model.RideRef{}, err)
				return
			}
			if len(refs) == 0 {
				return
			}

			ids := make([]int64, 0, len(refs))
			for _, r := range refs {
				ids = append(ids, r.ID)
			}
			markers, err := e.docs.RideMarkers(ctx, ids)
			if err != nil {
				yield(model.RideRef{}, err)
				return
			}

			for _, r := range refs {
				marker, mirrored := markers[r.ID]
				if mirrored && marker == r.Marker() {
					continue
				}
				if !mirrored && r.Status == model.RideStatusCancelled {
					continue
				}
				if !yield(r, nil) {
					return
				}
			}

			cursor = refs[len(refs)-1].ID
			if len(refs) < e.batchSize {
				return
			}
		}
	}
}

// SyncAll выполняет полный проход синхронизации.
func (e *Engine) SyncAll(ctx context.Context) (*PassReport, error) {
	return e.SyncFrom(ctx, 0)
}

// SyncFrom выполняет проход, начиная после поездки cursor. Сбой отдельной
// поездки записывается в журнал и не прерывает проход, такая поездка будет
// повторена следующим проходом. Недоступность хранилища прерывает проход.
func (e *Engine) SyncFrom(ctx context.Context, cursor int64) (*PassReport, error) {
	start := time.Now()
	report := &PassReport{Cursor: cursor}

	defer func() {
		if e.metrics != nil {
			e.metrics.SyncPassDuration.Observe(time.Since(start).Seconds())
		}
	}()

	for ref, err := range e.Pending(ctx, cursor) {
		if err != nil {
			return e.abort(report, err)
		}

		res, err := e.SyncRide(ctx, ref.ID)
		if err != nil {
			if errors.Is(err, model.ErrStorageUnavailable) || ctx.Err() != nil {
				return e.abort(report, err)
			}
			e.logger.Error("ride sync failed, will retry on next pass",
				zap.String("op", "sync_all"),
				zap.Int64("ride_id", ref.ID),
				zap.Error(err),
			)
			report.Failed++
			report.FailedIDs = append(report.FailedIDs, ref.ID)
			report.Cursor = ref.ID
			continue
		}

		switch res {
		case ResultSynced:
			report.Synced++
		case ResultUnchanged:
			report.Unchanged++
		case ResultSkipped:
			report.Skipped++
		}
		report.Cursor = ref.ID
	}

	e.logger.Info("mirror sync pass finished",
		zap.String("op", "sync_all"),
		zap.Int("synced", report.Synced),
		zap.Int("unchanged", report.Unchanged),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", time.Since(start)),
	)
	return report, nil
}

func (e *Engine) abort(report *PassReport, err error) (*PassReport, error) {
	report.Aborted = true
	if e.metrics != nil {
		e.metrics.SyncPassAborted.Inc()
	}
	e.logger.Error("mirror sync pass aborted",
		zap.String("op", "sync_all"),
		zap.Int64("cursor", report.Cursor),
		zap.Error(err),
	)
	return report, err
}

// Run выполняет проходы синхронизации с интервалом interval до отмены ctx.
// Первый проход запускается сразу. Ошибка прохода не останавливает цикл.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		_, _ = e.SyncAll(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
