package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/carpool/internal/model"
)

func pgError(code string) error {
	return fmt.Errorf("exec: %w", &pgconn.PgError{Code: code, Message: "synthetic"})
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		retryable   bool
		unavailable bool
	}{
		{name: "serialization failure", err: pgError(pgerrcode.SerializationFailure), retryable: true},
		{name: "deadlock", err: pgError(pgerrcode.DeadlockDetected), retryable: true},
		{name: "unique violation", err: pgError(pgerrcode.UniqueViolation)},
		{name: "check violation", err: pgError(pgerrcode.CheckViolation)},
		{name: "connection failure", err: pgError(pgerrcode.ConnectionFailure), unavailable: true},
		{name: "admin shutdown", err: pgError(pgerrcode.AdminShutdown), unavailable: true},
		{name: "connection refused", err: errors.New("dial tcp 127.0.0.1:5432: connect: connection refused"), retryable: true, unavailable: true},
		{name: "connection reset", err: errors.New("read: connection reset by peer"), retryable: true, unavailable: true},
		{name: "deadline exceeded", err: fmt.Errorf("query: %w", context.DeadlineExceeded), unavailable: true},
		{name: "plain error", err: errors.New("boom")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, isRetryable(tt.err))
			assert.Equal(t, tt.unavailable, isUnavailable(tt.err))

			err := storageError("update account", tt.err)
			assert.Equal(t, tt.unavailable, errors.Is(err, model.ErrStorageUnavailable))
			assert.ErrorIs(t, err, tt.err)
			assert.Contains(t, err.Error(), "update account")
		})
	}
}

func TestStorageError_KeepsPgError(t *testing.T) {
	err := storageError("insert transaction", pgError(pgerrcode.ConnectionFailure))

	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, pgerrcode.ConnectionFailure, pgErr.Code)
	assert.ErrorIs(t, err, model.ErrStorageUnavailable)
}

func TestNotFound(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr error
		wantMsg string
	}{
		{name: "no rows", err: pgx.ErrNoRows, wantErr: model.ErrNotFound, wantMsg: "account 5"},
		{name: "unavailable", err: pgError(pgerrcode.ConnectionFailure), wantErr: model.ErrStorageUnavailable, wantMsg: "select account"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := notFound(tt.err, "account %d", 5)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}

	err := notFound(errors.New("boom"), "ride %d", 1)
	assert.NotErrorIs(t, err, model.ErrNotFound)
	assert.NotErrorIs(t, err, model.ErrStorageUnavailable)
}

func TestWithRetry(t *testing.T) {
	saved := retryDelays
	retryDelays = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	t.Cleanup(func() { retryDelays = saved })

	tests := []struct {
		name      string
		errs      []error
		wantCalls int
		wantErr   bool
	}{
		{name: "succeeds after serialization failures", errs: []error{pgError(pgerrcode.SerializationFailure), pgError(pgerrcode.DeadlockDetected)}, wantCalls: 3},
		{name: "non retryable stops at once", errs: []error{pgError(pgerrcode.UniqueViolation)}, wantCalls: 1, wantErr: true},
		{name: "gives up after all delays", errs: []error{
			pgError(pgerrcode.SerializationFailure), pgError(pgerrcode.SerializationFailure),
			pgError(pgerrcode.SerializationFailure), pgError(pgerrcode.SerializationFailure),
		}, wantCalls: 4, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := withRetry(context.Background(), func() error {
				calls++
				if calls <= len(tt.errs) {
					return tt.errs[calls-1]
				}
				return nil
			})
			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
