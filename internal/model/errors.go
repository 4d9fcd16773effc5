package model

import "errors"

var (
	// ErrNotFound возвращается, если счёт, поездка или бронирование не найдены.
	ErrNotFound = errors.New("not found")
	// ErrInsufficientFunds возвращается, если списание уводит баланс в минус.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInsufficientSeats возвращается, если свободных мест меньше запрошенного.
	ErrInsufficientSeats = errors.New("insufficient seats")
	// ErrRideNotAvailable возвращается, если поездка не принимает бронирования.
	ErrRideNotAvailable = errors.New("ride not available")
	// ErrNotCancellable возвращается при попытке отменить завершённое или отменённое бронирование.
	ErrNotCancellable = errors.New("booking not cancellable")
	// ErrConflictingMapping сигнализирует о повреждении данных: идентификатор уже связан с другим документом.
	ErrConflictingMapping = errors.New("conflicting identity mapping")
	// ErrUnmapped возвращается, если связь идентификаторов ещё не создана.
	ErrUnmapped = errors.New("identity not mapped")
	// ErrStorageUnavailable - временная недоступность хранилища, операцию можно повторить.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrForbidden возвращается, если пользователь не участвует в поездке или бронировании.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidArgument возвращается при некорректных входных данных.
	ErrInvalidArgument = errors.New("invalid argument")
)
