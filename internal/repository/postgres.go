// Package repository содержит реализацию реляционного хранилища в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/carpool/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var retryDelays = []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second}

// PostgresRepository предоставляет доступ к реляционному хранилищу в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, storageError("ping database", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// Reader возвращает представление хранилища только для чтения.
func (r *PostgresRepository) Reader() *RideReader {
	return &RideReader{pool: r.pool}
}

// InTx выполняет fn в транзакции READ COMMITTED. Конкурентные изменения
// сериализуются блокировками строк (SELECT ... FOR UPDATE), конфликты
// сериализации и взаимоблокировки повторяются.
func (r *PostgresRepository) InTx(ctx context.Context, fn TxFunc) error {
	return withRetry(ctx, func() error {
		tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
		if err != nil {
			return storageError("begin tx", err)
		}
		defer tx.Rollback(ctx)

		if err := fn(ctx, &pgTx{tx: tx}); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return storageError("commit tx", err)
		}
		return nil
	})
}

func withRetry(ctx context.Context, fn func() error) error {
	var err error

	for i := 0; i <= len(retryDelays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !isRetryable(err) || i == len(retryDelays) {
			break
		}

		timer := time.NewTimer(retryDelays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer")
}

func isUnavailable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) || isConnectionError(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgerrcode.IsConnectionException(pgErr.Code) || pgerrcode.IsOperatorIntervention(pgErr.Code)
	}
	return false
}

// storageError оборачивает ошибку драйвера, помечая сбои соединения и таймауты как ErrStorageUnavailable.
func storageError(op string, err error) error {
	if isUnavailable(err) {
		return fmt.Errorf("%s: %w: %w", op, model.ErrStorageUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

type scanner interface {
	Scan(dest ...any) error
}

const rideColumns = `id, driver_id, vehicle_id, departure_city, arrival_city, departure_at,
	price_per_seat, total_seats, available_seats, status, platform_commission, version, updated_at`

func scanRide(row scanner) (*model.Ride, error) {
	var (
		r      model.Ride
		status string
	)
	err := row.Scan(&r.ID, &r.DriverID, &r.VehicleID, &r.DepartureCity, &r.ArrivalCity, &r.DepartureAt,
		&r.PricePerSeat, &r.TotalSeats, &r.AvailableSeats, &status, &r.PlatformCommission, &r.Version, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Status = model.RideStatus(status)
	return &r, nil
}

const bookingColumns = `id, ride_id, passenger_id, seats_booked, total_cost, commission, status, created_at`

func scanBooking(row scanner) (*model.Booking, error) {
	var (
		b      model.Booking
		status string
	)
	err := row.Scan(&b.ID, &b.RideID, &b.PassengerID, &b.SeatsBooked, &b.TotalCost, &b.Commission, &status, &b.CreatedAt)
	if err != nil {
		return nil, err
	}
	b.Status = model.BookingStatus(status)
	return &b, nil
}

func notFound(err error, format string, id int64) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: "+format, model.ErrNotFound, id)
	}
	return storageError("select "+strings.SplitN(format, " ", 2)[0], err)
}

// CreateAccount создаёт счёт пользователя, если его ещё нет, и возвращает его.
func (r *PostgresRepository) CreateAccount(ctx context.Context, userID int64) (*model.Account, error) {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO accounts (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`,
		userID,
	)
	if err != nil {
		return nil, storageError("insert account", err)
	}
	return r.GetAccount(ctx, userID)
}

// GetAccount возвращает счёт пользователя. Для счёта платформы суммы
// вычисляются по журналу: строка счёта в транзакциях бронирования не обновляется.
func (r *PostgresRepository) GetAccount(ctx context.Context, userID int64) (*model.Account, error) {
	if userID == model.PlatformAccountID {
		return r.platformAccount(ctx)
	}

	var a model.Account
	err := r.pool.QueryRow(ctx,
		`SELECT user_id, current_balance, total_earned, total_spent FROM accounts WHERE user_id = $1`,
		userID,
	).Scan(&a.UserID, &a.CurrentBalance, &a.TotalEarned, &a.TotalSpent)
	if err != nil {
		return nil, notFound(err, "account %d", userID)
	}
	return &a, nil
}

func (r *PostgresRepository) platformAccount(ctx context.Context) (*model.Account, error) {
	a := model.Account{UserID: model.PlatformAccountID}
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount) FILTER (WHERE amount > 0), 0),
		        COALESCE(-SUM(amount) FILTER (WHERE amount < 0), 0)
		 FROM transactions
		 WHERE account_id = $1`,
		model.PlatformAccountID,
	).Scan(&a.TotalEarned, &a.TotalSpent)
	if err != nil {
		return nil, storageError("select platform account", err)
	}
	a.CurrentBalance = a.TotalEarned - a.TotalSpent
	return &a, nil
}

// ListTransactions возвращает транзакции счёта с идентификатором меньше before,
// начиная с самых новых. before == 0 означает первую страницу.
func (r *PostgresRepository) ListTransactions(ctx context.Context, accountID int64, limit int, before int64) ([]model.Transaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, account_id, amount, kind, related_booking_id, created_at
		 FROM transactions
		 WHERE account_id = $1 AND ($3::bigint = 0 OR id < $3::bigint)
		 ORDER BY id DESC
		 LIMIT $2`,
		accountID, limit, before,
	)
	if err != nil {
		return nil, storageError("select transactions", err)
	}
	defer rows.Close()

	var res []model.Transaction
	for rows.Next() {
		var (
			t    model.Transaction
			kind string
		)
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Amount, &kind, &t.RelatedBookingID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Kind = model.TransactionKind(kind)
		res = append(res, t)
	}

	if err := rows.Err(); err != nil {
		return nil, storageError("rows error", err)
	}

	return res, nil
}

// GetRide возвращает поездку без блокировки.
func (r *PostgresRepository) GetRide(ctx context.Context, rideID int64) (*model.Ride, error) {
	ride, err := scanRide(r.pool.QueryRow(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, rideID))
	if err != nil {
		return nil, notFound(err, "ride %d", rideID)
	}
	return ride, nil
}

// GetBooking возвращает бронирование без блокировки.
func (r *PostgresRepository) GetBooking(ctx context.Context, bookingID int64) (*model.Booking, error) {
	b, err := scanBooking(r.pool.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, bookingID))
	if err != nil {
		return nil, notFound(err, "booking %d", bookingID)
	}
	return b, nil
}

// BookingsByPassenger возвращает бронирования пассажира, начиная с самых новых.
func (r *PostgresRepository) BookingsByPassenger(ctx context.Context, passengerID int64) ([]model.Booking, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE passenger_id = $1 ORDER BY created_at DESC, id DESC`,
		passengerID,
	)
	if err != nil {
		return nil, storageError("select bookings", err)
	}
	return collectBookings(rows)
}

func collectBookings(rows pgx.Rows) ([]model.Booking, error) {
	defer rows.Close()

	var res []model.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("scan booking: %w", err)
		}
		res = append(res, *b)
	}

	if err := rows.Err(); err != nil {
		return nil, storageError("rows error", err)
	}
	return res, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) AccountForUpdate(ctx context.Context, userID int64) (*model.Account, error) {
	var a model.Account
	err := t.tx.QueryRow(ctx,
		`SELECT user_id, current_balance, total_earned, total_spent FROM accounts WHERE user_id = $1 FOR UPDATE`,
		userID,
	).Scan(&a.UserID, &a.CurrentBalance, &a.TotalEarned, &a.TotalSpent)
	if err != nil {
		return nil, notFound(err, "account %d", userID)
	}
	return &a, nil
}

func (t *pgTx) UpdateAccount(ctx context.Context, acc *model.Account) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE accounts SET current_balance = $2, total_earned = $3, total_spent = $4 WHERE user_id = $1`,
		acc.UserID, acc.CurrentBalance, acc.TotalEarned, acc.TotalSpent,
	)
	if err != nil {
		return storageError("update account", err)
	}
	return nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, tr *model.Transaction) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO transactions (account_id, amount, kind, related_booking_id)
		 VALUES ($1, $2, $3, $4) RETURNING id, created_at`,
		tr.AccountID, tr.Amount, string(tr.Kind), tr.RelatedBookingID,
	).Scan(&tr.ID, &tr.CreatedAt)
	if err != nil {
		return storageError("insert transaction", err)
	}
	return nil
}

func (t *pgTx) GetVehicle(ctx context.Context, vehicleID int64) (*model.Vehicle, error) {
	var v model.Vehicle
	err := t.tx.QueryRow(ctx,
		`SELECT id, owner_id, brand, model, color, energy, seats, version FROM vehicles WHERE id = $1`,
		vehicleID,
	).Scan(&v.ID, &v.OwnerID, &v.Brand, &v.Model, &v.Color, &v.Energy, &v.Seats, &v.Version)
	if err != nil {
		return nil, notFound(err, "vehicle %d", vehicleID)
	}
	return &v, nil
}

func (t *pgTx) InsertRide(ctx context.Context, r *model.Ride) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO rides (driver_id, vehicle_id, departure_city, arrival_city, departure_at,
			price_per_seat, total_seats, available_seats, status, platform_commission)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id, version, updated_at`,
		r.DriverID, r.VehicleID, r.DepartureCity, r.ArrivalCity, r.DepartureAt,
		r.PricePerSeat, r.TotalSeats, r.AvailableSeats, string(r.Status), r.PlatformCommission,
	).Scan(&r.ID, &r.Version, &r.UpdatedAt)
	if err != nil {
		return storageError("insert ride", err)
	}
	return nil
}

func (t *pgTx) RideForUpdate(ctx context.Context, rideID int64) (*model.Ride, error) {
	ride, err := scanRide(t.tx.QueryRow(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1 FOR UPDATE`, rideID))
	if err != nil {
		return nil, notFound(err, "ride %d", rideID)
	}
	return ride, nil
}

func (t *pgTx) TakeSeats(ctx context.Context, rideID int64, seats int) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE rides SET available_seats = available_seats - $2
		 WHERE id = $1 AND status = $3 AND available_seats >= $2`,
		rideID, seats, string(model.RideStatusScheduled),
	)
	if err != nil {
		return storageError("take seats", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var (
		status    string
		available int
	)
	err = t.tx.QueryRow(ctx, `SELECT status, available_seats FROM rides WHERE id = $1`, rideID).Scan(&status, &available)
	if err != nil {
		return notFound(err, "ride %d", rideID)
	}
	if model.RideStatus(status) != model.RideStatusScheduled {
		return fmt.Errorf("%w: ride %d is %s", model.ErrRideNotAvailable, rideID, status)
	}
	return fmt.Errorf("%w: ride %d has %d, requested %d", model.ErrInsufficientSeats, rideID, available, seats)
}

func (t *pgTx) ReleaseSeats(ctx context.Context, rideID int64, seats int) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE rides SET available_seats = available_seats + $2
		 WHERE id = $1 AND available_seats + $2 <= total_seats`,
		rideID, seats,
	)
	if err != nil {
		return storageError("release seats", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("release seats: ride %d would exceed total seats", rideID)
	}
	return nil
}

func (t *pgTx) SetRideStatus(ctx context.Context, rideID int64, status model.RideStatus) error {
	tag, err := t.tx.Exec(ctx, `UPDATE rides SET status = $2 WHERE id = $1`, rideID, string(status))
	if err != nil {
		return storageError("update ride status", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: ride %d", model.ErrNotFound, rideID)
	}
	return nil
}

func (t *pgTx) InsertBooking(ctx context.Context, b *model.Booking) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO bookings (ride_id, passenger_id, seats_booked, total_cost, commission, status)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at`,
		b.RideID, b.PassengerID, b.SeatsBooked, b.TotalCost, b.Commission, string(b.Status),
	).Scan(&b.ID, &b.CreatedAt)
	if err != nil {
		return storageError("insert booking", err)
	}
	return nil
}

func (t *pgTx) BookingForUpdate(ctx context.Context, bookingID int64) (*model.Booking, error) {
	b, err := scanBooking(t.tx.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, bookingID))
	if err != nil {
		return nil, notFound(err, "booking %d", bookingID)
	}
	return b, nil
}

func (t *pgTx) SetBookingStatus(ctx context.Context, bookingID int64, status model.BookingStatus) error {
	tag, err := t.tx.Exec(ctx, `UPDATE bookings SET status = $2 WHERE id = $1`, bookingID, string(status))
	if err != nil {
		return storageError("update booking status", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: booking %d", model.ErrNotFound, bookingID)
	}
	return nil
}

func (t *pgTx) BookingsByRide(ctx context.Context, rideID int64, statuses ...model.BookingStatus) ([]model.Booking, error) {
	names := make([]string, 0, len(statuses))
	for _, s := range statuses {
		names = append(names, string(s))
	}

	rows, err := t.tx.Query(ctx,
		`SELECT `+bookingColumns+` FROM bookings
		 WHERE ride_id = $1 AND status = ANY($2)
		 ORDER BY id
		 FOR UPDATE`,
		rideID, names,
	)
	if err != nil {
		return nil, storageError("select ride bookings", err)
	}
	return collectBookings(rows)
}
