// Package memory реализует реляционное хранилище в памяти с теми же
// транзакционными гарантиями, что и PostgreSQL: транзакции выполняются
// последовательно, ошибка внутри транзакции откатывает все изменения.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/mmeshcher/carpool/internal/model"
	"github.com/mmeshcher/carpool/internal/repository"
)

// Store - реляционное хранилище в памяти.
type Store struct {
	mu sync.Mutex

	users    map[int64]model.User
	vehicles map[int64]model.Vehicle
	accounts map[int64]model.Account
	rides    map[int64]model.Ride
	bookings map[int64]model.Booking
	txns     []model.Transaction

	nextUserID    int64
	nextVehicleID int64
	nextRideID    int64
	nextBookingID int64
	nextTxnID     int64

	unavailable bool
	now         func() time.Time
}

// New создаёт пустое хранилище со счётом платформы.
func New() *Store {
	return &Store{
		users:    make(map[int64]model.User),
		vehicles: make(map[int64]model.Vehicle),
		accounts: map[int64]model.Account{model.PlatformAccountID: {UserID: model.PlatformAccountID}},
		rides:    make(map[int64]model.Ride),
		bookings: make(map[int64]model.Booking),
		now:      time.Now,
	}
}

// SetUnavailable переводит хранилище в режим отказа: все операции возвращают ErrStorageUnavailable.
func (s *Store) SetUnavailable(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = v
}

func (s *Store) check(op string) error {
	if s.unavailable {
		return fmt.Errorf("%s: %w", op, model.ErrStorageUnavailable)
	}
	return nil
}

// AddUser добавляет пользователя и возвращает его с присвоенным идентификатором.
func (s *Store) AddUser(u model.User) model.User {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextUserID++
	u.ID = s.nextUserID
	u.Version = 1
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now()
	}
	s.users[u.ID] = u
	return u
}

// AddVehicle добавляет автомобиль и возвращает его с присвоенным идентификатором.
func (s *Store) AddVehicle(v model.Vehicle) model.Vehicle {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextVehicleID++
	v.ID = s.nextVehicleID
	v.Version = 1
	s.vehicles[v.ID] = v
	return v
}

// UpdateRide изменяет поездку в обход движка бронирований (редактирование водителем) и увеличивает версию.
func (s *Store) UpdateRide(rideID int64, fn func(r *model.Ride)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rides[rideID]
	if !ok {
		return fmt.Errorf("%w: ride %d", model.ErrNotFound, rideID)
	}
	fn(&r)
	s.touchRide(&r)
	return nil
}

// UpdateUser изменяет пользователя и увеличивает его версию.
func (s *Store) UpdateUser(userID int64, fn func(u *model.User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("%w: user %d", model.ErrNotFound, userID)
	}
	fn(&u)
	u.Version++
	s.users[userID] = u
	return nil
}

func (s *Store) touchRide(r *model.Ride) {
	r.Version++
	r.UpdatedAt = s.now()
	s.rides[r.ID] = *r
}

type snapshot struct {
	accounts map[int64]model.Account
	rides    map[int64]model.Ride
	bookings map[int64]model.Booking
	txnCount int

	nextRideID    int64
	nextBookingID int64
	nextTxnID     int64
}

func (s *Store) snapshot() snapshot {
	return snapshot{
		accounts:      cloneMap(s.accounts),
		rides:         cloneMap(s.rides),
		bookings:      cloneMap(s.bookings),
		txnCount:      len(s.txns),
		nextRideID:    s.nextRideID,
		nextBookingID: s.nextBookingID,
		nextTxnID:     s.nextTxnID,
	}
}

func (s *Store) restore(snap snapshot) {
	s.accounts = snap.accounts
	s.rides = snap.rides
	s.bookings = snap.bookings
	s.txns = s.txns[:snap.txnCount]
	s.nextRideID = snap.nextRideID
	s.nextBookingID = snap.nextBookingID
	s.nextTxnID = snap.nextTxnID
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// InTx выполняет fn под эксклюзивной блокировкой хранилища.
func (s *Store) InTx(ctx context.Context, fn repository.TxFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check("begin tx"); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	snap := s.snapshot()
	if err := fn(ctx, &tx{s: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// CreateAccount создаёт счёт пользователя, если его ещё нет.
func (s *Store) CreateAccount(_ context.Context, userID int64) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check("insert account"); err != nil {
		return nil, err
	}
	a, ok := s.accounts[userID]
	if !ok {
		a = model.Account{UserID: userID}
		s.accounts[userID] = a
	}
	return &a, nil
}

// GetAccount возвращает счёт пользователя.
func (s *Store) GetAccount(_ context.Context, userID int64) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check("select account"); err != nil {
		return nil, err
	}
	if userID == model.PlatformAccountID {
		return s.platformAccount(), nil
	}
	a, ok := s.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("%w: account %d", model.ErrNotFound, userID)
	}
	return &a, nil
}

// platformAccount суммирует журнал счёта платформы.
func (s *Store) platformAccount() *model.Account {
	a := model.Account{UserID: model.PlatformAccountID}
	for _, t := range s.txns {
		if t.AccountID == model.PlatformAccountID {
			a.Apply(t.Amount)
		}
	}
	return &a
}

// ListTransactions возвращает транзакции счёта с идентификатором меньше before
// (без ограничения при before == 0), начиная с самых новых.
func (s *Store) ListTransactions(_ context.Context, accountID int64, limit int, before int64) ([]model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check("select transactions"); err != nil {
		return nil, err
	}

	var res []model.Transaction
	for i := len(s.txns) - 1; i >= 0 && len(res) < limit; i-- {
		t := s.txns[i]
		if t.AccountID != accountID || (before > 0 && t.ID >= before) {
			continue
		}
		res = append(res, t)
	}
	return res, nil
}

// GetRide возвращает поездку.
func (s *Store) GetRide(_ context.Context, rideID int64) (*model.Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check("select ride"); err != nil {
		return nil, err
	}
	r, ok := s.rides[rideID]
	if !ok {
		return nil, fmt.Errorf("%w: ride %d", model.ErrNotFound, rideID)
	}
	return &r, nil
}

// GetBooking возвращает бронирование.
func (s *Store) GetBooking(_ context.Context, bookingID int64) (*model.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check("select booking"); err != nil {
		return nil, err
	}
	b, ok := s.bookings[bookingID]
	if !ok {
		return nil, fmt.Errorf("%w: booking %d", model.ErrNotFound, bookingID)
	}
	return &b, nil
}

// BookingsByPassenger возвращает бронирования пассажира, начиная с самых новых.
func (s *Store) BookingsByPassenger(_ context.Context, passengerID int64) ([]model.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check("select bookings"); err != nil {
		return nil, err
	}
	var res []model.Booking
	for _, b := range s.bookings {
		if b.PassengerID == passengerID {
			res = append(res, b)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID > res[j].ID })
	return res, nil
}

// RideSnapshot загружает поездку вместе с автомобилем и водителем.
func (s *Store) RideSnapshot(_ context.Context, rideID int64) (*model.RideSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check("select ride snapshot"); err != nil {
		return nil, err
	}
	r, ok := s.rides[rideID]
	if !ok {
		return nil, fmt.Errorf("%w: ride %d", model.ErrNotFound, rideID)
	}
	v, ok := s.vehicles[r.VehicleID]
	if !ok {
		return nil, fmt.Errorf("%w: vehicle %d", model.ErrNotFound, r.VehicleID)
	}
	u, ok := s.users[r.DriverID]
	if !ok {
		return nil, fmt.Errorf("%w: user %d", model.ErrNotFound, r.DriverID)
	}
	return &model.RideSnapshot{Ride: r, Vehicle: v, Driver: u}, nil
}

// RideRefs возвращает страницу ссылок на поездки с идентификатором больше afterID.
func (s *Store) RideRefs(_ context.Context, afterID int64, limit int) ([]model.RideRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check("select ride refs"); err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(s.rides))
	for id := range s.rides {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}

	res := make([]model.RideRef, 0, len(ids))
	for _, id := range ids {
		r := s.rides[id]
		res = append(res, model.RideRef{
			ID:             r.ID,
			Status:         r.Status,
			RideVersion:    r.Version,
			VehicleVersion: s.vehicles[r.VehicleID].Version,
			DriverVersion:  s.users[r.DriverID].Version,
		})
	}
	return res, nil
}

// tx работает с хранилищем, уже заблокированным InTx.
type tx struct {
	s *Store
}

func (t *tx) AccountForUpdate(_ context.Context, userID int64) (*model.Account, error) {
	a, ok := t.s.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("%w: account %d", model.ErrNotFound, userID)
	}
	return &a, nil
}

func (t *tx) UpdateAccount(_ context.Context, acc *model.Account) error {
	if acc.CurrentBalance < 0 || acc.TotalEarned < 0 || acc.TotalSpent < 0 {
		return fmt.Errorf("update account %d: negative amounts violate constraint", acc.UserID)
	}
	if _, ok := t.s.accounts[acc.UserID]; !ok {
		return fmt.Errorf("%w: account %d", model.ErrNotFound, acc.UserID)
	}
	t.s.accounts[acc.UserID] = *acc
	return nil
}

func (t *tx) InsertTransaction(_ context.Context, tr *model.Transaction) error {
	t.s.nextTxnID++
	tr.ID = t.s.nextTxnID
	tr.CreatedAt = t.s.now()
	t.s.txns = append(t.s.txns, *tr)
	return nil
}

func (t *tx) GetVehicle(_ context.Context, vehicleID int64) (*model.Vehicle, error) {
	v, ok := t.s.vehicles[vehicleID]
	if !ok {
		return nil, fmt.Errorf("%w: vehicle %d", model.ErrNotFound, vehicleID)
	}
	return &v, nil
}

func (t *tx) InsertRide(_ context.Context, r *model.Ride) error {
	if _, ok := t.s.users[r.DriverID]; !ok {
		return fmt.Errorf("%w: user %d", model.ErrNotFound, r.DriverID)
	}
	t.s.nextRideID++
	r.ID = t.s.nextRideID
	r.Version = 1
	r.UpdatedAt = t.s.now()
	t.s.rides[r.ID] = *r
	return nil
}

func (t *tx) RideForUpdate(_ context.Context, rideID int64) (*model.Ride, error) {
	r, ok := t.s.rides[rideID]
	if !ok {
		return nil, fmt.Errorf("%w: ride %d", model.ErrNotFound, rideID)
	}
	return &r, nil
}

func (t *tx) TakeSeats(_ context.Context, rideID int64, seats int) error {
	r, ok := t.s.rides[rideID]
	if !ok {
		return fmt.Errorf("%w: ride %d", model.ErrNotFound, rideID)
	}
	if r.Status != model.RideStatusScheduled {
		return fmt.Errorf("%w: ride %d is %s", model.ErrRideNotAvailable, rideID, r.Status)
	}
	if r.AvailableSeats < seats {
		return fmt.Errorf("%w: ride %d has %d, requested %d", model.ErrInsufficientSeats, rideID, r.AvailableSeats, seats)
	}
	r.AvailableSeats -= seats
	t.s.touchRide(&r)
	return nil
}

func (t *tx) ReleaseSeats(_ context.Context, rideID int64, seats int) error {
	r, ok := t.s.rides[rideID]
	if !ok {
		return fmt.Errorf("%w: ride %d", model.ErrNotFound, rideID)
	}
	if r.AvailableSeats+seats > r.TotalSeats {
		return fmt.Errorf("release seats: ride %d would exceed total seats", rideID)
	}
	r.AvailableSeats += seats
	t.s.touchRide(&r)
	return nil
}

func (t *tx) SetRideStatus(_ context.Context, rideID int64, status model.RideStatus) error {
	r, ok := t.s.rides[rideID]
	if !ok {
		return fmt.Errorf("%w: ride %d", model.ErrNotFound, rideID)
	}
	r.Status = status
	t.s.touchRide(&r)
	return nil
}

func (t *tx) InsertBooking(_ context.Context, b *model.Booking) error {
	t.s.nextBookingID++
	b.ID = t.s.nextBookingID
	b.CreatedAt = t.s.now()
	t.s.bookings[b.ID] = *b
	return nil
}

func (t *tx) BookingForUpdate(_ context.Context, bookingID int64) (*model.Booking, error) {
	b, ok := t.s.bookings[bookingID]
	if !ok {
		return nil, fmt.Errorf("%w: booking %d", model.ErrNotFound, bookingID)
	}
	return &b, nil
}

func (t *tx) SetBookingStatus(_ context.Context, bookingID int64, status model.BookingStatus) error {
	b, ok := t.s.bookings[bookingID]
	if !ok {
		return fmt.Errorf("%w: booking %d", model.ErrNotFound, bookingID)
	}
	b.Status = status
	t.s.bookings[bookingID] = b
	return nil
}

func (t *tx) BookingsByRide(_ context.Context, rideID int64, statuses ...model.BookingStatus) ([]model.Booking, error) {
	var res []model.Booking
	for _, b := range t.s.bookings {
		if b.RideID == rideID && slices.Contains(statuses, b.Status) {
			res = append(res, b)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}
