package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mmeshcher/carpool/internal/model"
)

// RideReader читает поездки для зеркала. Все запросы выполняются в транзакциях
// READ ONLY, поэтому через него невозможно изменить реляционные данные.
type RideReader struct {
	pool *pgxpool.Pool
}

func (r *RideReader) readOnly(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return storageError("begin read-only tx", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return storageError("commit read-only tx", err)
	}
	return nil
}

// RideSnapshot загружает поездку вместе с автомобилем и водителем.
func (r *RideReader) RideSnapshot(ctx context.Context, rideID int64) (*model.RideSnapshot, error) {
	var snap model.RideSnapshot

	err := r.readOnly(ctx, func(tx pgx.Tx) error {
		var status string
		rd, v, u := &snap.Ride, &snap.Vehicle, &snap.Driver
		err := tx.QueryRow(ctx,
			`SELECT r.id, r.driver_id, r.vehicle_id, r.departure_city, r.arrival_city, r.departure_at,
				r.price_per_seat, r.total_seats, r.available_seats, r.status, r.platform_commission,
				r.version, r.updated_at,
				v.id, v.owner_id, v.brand, v.model, v.color, v.energy, v.seats, v.version,
				u.id, u.display_name, u.rating, u.version, u.created_at
			 FROM rides r
			 JOIN vehicles v ON v.id = r.vehicle_id
			 JOIN users u ON u.id = r.driver_id
			 WHERE r.id = $1`,
			rideID,
		).Scan(&rd.ID, &rd.DriverID, &rd.VehicleID, &rd.DepartureCity, &rd.ArrivalCity, &rd.DepartureAt,
			&rd.PricePerSeat, &rd.TotalSeats, &rd.AvailableSeats, &status, &rd.PlatformCommission,
			&rd.Version, &rd.UpdatedAt,
			&v.ID, &v.OwnerID, &v.Brand, &v.Model, &v.Color, &v.Energy, &v.Seats, &v.Version,
			&u.ID, &u.DisplayName, &u.Rating, &u.Version, &u.CreatedAt)
		if err != nil {
			return notFound(err, "ride %d", rideID)
		}
		rd.Status = model.RideStatus(status)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// RideRefs возвращает страницу ссылок на поездки с идентификатором больше afterID.
func (r *RideReader) RideRefs(ctx context.Context, afterID int64, limit int) ([]model.RideRef, error) {
	var res []model.RideRef

	err := r.readOnly(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT r.id, r.status, r.version, v.version, u.version
			 FROM rides r
			 JOIN vehicles v ON v.id = r.vehicle_id
			 JOIN users u ON u.id = r.driver_id
			 WHERE r.id > $1
			 ORDER BY r.id
			 LIMIT $2`,
			afterID, limit,
		)
		if err != nil {
			return storageError("select ride refs", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				ref    model.RideRef
				status string
			)
			if err := rows.Scan(&ref.ID, &status, &ref.RideVersion, &ref.VehicleVersion, &ref.DriverVersion); err != nil {
				return fmt.Errorf("scan ride ref: %w", err)
			}
			ref.Status = model.RideStatus(status)
			res = append(res, ref)
		}
		if err := rows.Err(); err != nil {
			return storageError("rows error", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
