// Package ledger реализует кредитный журнал: балансы счетов, историю
// транзакций и распределение оплаты бронирования между водителем и платформой.
// Журнал - единственный код, изменяющий балансы.
package ledger

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/mmeshcher/carpool/internal/metrics"
	"github.com/mmeshcher/carpool/internal/model"
	"github.com/mmeshcher/carpool/internal/repository"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Store описывает контракт хранилища, используемый журналом.
type Store interface {
	repository.Runner
	CreateAccount(ctx context.Context, userID int64) (*model.Account, error)
	// GetAccount возвращает счёт. Баланс и счётчики счёта платформы вычисляются по журналу.
	GetAccount(ctx context.Context, userID int64) (*model.Account, error)
	// ListTransactions возвращает до limit транзакций с идентификатором меньше before
	// (без ограничения при before == 0), начиная с самой новой.
	ListTransactions(ctx context.Context, accountID int64, limit int, before int64) ([]model.Transaction, error)
}

// Ledger - кредитный журнал.
type Ledger struct {
	store   Store
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New создаёт журнал поверх хранилища.
func New(store Store, logger *zap.Logger, m *metrics.Metrics) *Ledger {
	return &Ledger{
		store:   store,
		logger:  logger,
		metrics: m,
	}
}

// Entry описывает одну запись журнала до её сохранения.
type Entry struct {
	AccountID int64
	Amount    int64
	Kind      model.TransactionKind
	BookingID *int64
}

// OpenAccount создаёт счёт пользователя при регистрации. Повторный вызов возвращает существующий счёт.
func (l *Ledger) OpenAccount(ctx context.Context, userID int64) (*model.Account, error) {
	acc, err := l.store.CreateAccount(ctx, userID)
	if err != nil {
		l.logger.Error("open account failed", zap.String("op", "open_account"), zap.Int64("account_id", userID), zap.Error(err))
		return nil, err
	}
	return acc, nil
}

// GetBalance возвращает счёт с текущим балансом.
func (l *Ledger) GetBalance(ctx context.Context, accountID int64) (*model.Account, error) {
	return l.store.GetAccount(ctx, accountID)
}

// RecordTransaction добавляет транзакцию в отдельной транзакции хранилища.
func (l *Ledger) RecordTransaction(ctx context.Context, accountID, amount int64, kind model.TransactionKind, relatedBookingID *int64) (*model.Transaction, error) {
	var res *model.Transaction

	err := l.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		t, err := l.Record(ctx, tx, Entry{
			AccountID: accountID,
			Amount:    amount,
			Kind:      kind,
			BookingID: relatedBookingID,
		})
		if err != nil {
			return err
		}
		res = t
		return nil
	})
	if err != nil {
		l.logger.Warn("record transaction rejected",
			zap.String("op", "record_transaction"),
			zap.Int64("account_id", accountID),
			zap.Int64("amount", amount),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		return nil, err
	}

	l.Observe(*res)
	return res, nil
}

// Record добавляет транзакцию внутри уже открытой транзакции хранилища.
func (l *Ledger) Record(ctx context.Context, tx repository.Tx, e Entry) (*model.Transaction, error) {
	if !e.Kind.Valid() {
		return nil, fmt.Errorf("%w: transaction kind %q", model.ErrInvalidArgument, e.Kind)
	}

	if e.AccountID == model.PlatformAccountID {
		return l.creditPlatform(ctx, tx, e)
	}

	acc, err := tx.AccountForUpdate(ctx, e.AccountID)
	if err != nil {
		return nil, err
	}
	return l.apply(ctx, tx, acc, e)
}

// creditPlatform добавляет зачисление на счёт платформы. Строка счёта платформы
// не блокируется и не обновляется: её баланс хранилище вычисляет по журналу.
func (l *Ledger) creditPlatform(ctx context.Context, tx repository.Tx, e Entry) (*model.Transaction, error) {
	if e.Amount < 0 {
		return nil, fmt.Errorf("%w: platform account accepts credits only, got %d", model.ErrInvalidArgument, e.Amount)
	}

	t := &model.Transaction{
		AccountID:        model.PlatformAccountID,
		Amount:           e.Amount,
		Kind:             e.Kind,
		RelatedBookingID: e.BookingID,
	}
	if err := tx.InsertTransaction(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (l *Ledger) apply(ctx context.Context, tx repository.Tx, acc *model.Account, e Entry) (*model.Transaction, error) {
	if e.Amount < 0 && acc.CurrentBalance+e.Amount < 0 {
		return nil, fmt.Errorf("%w: account %d has %d, debit %d", model.ErrInsufficientFunds, acc.UserID, acc.CurrentBalance, -e.Amount)
	}

	acc.Apply(e.Amount)
	if err := tx.UpdateAccount(ctx, acc); err != nil {
		return nil, err
	}

	t := &model.Transaction{
		AccountID:        e.AccountID,
		Amount:           e.Amount,
		Kind:             e.Kind,
		RelatedBookingID: e.BookingID,
	}
	if err := tx.InsertTransaction(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// lockAccounts блокирует счета в порядке возрастания идентификаторов, чтобы
// встречные операции над одной парой счетов не приводили к взаимоблокировке.
func lockAccounts(ctx context.Context, tx repository.Tx, ids ...int64) (map[int64]*model.Account, error) {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	res := make(map[int64]*model.Account, len(sorted))
	for _, id := range sorted {
		acc, err := tx.AccountForUpdate(ctx, id)
		if err != nil {
			return nil, err
		}
		res[id] = acc
	}
	return res, nil
}

// HistoryPage - страница истории транзакций.
type HistoryPage struct {
	Transactions []model.Transaction `json:"transactions"`
	// NextCursor - значение before для следующей страницы, 0 если записей больше нет.
	NextCursor int64 `json:"next_cursor"`
}

// GetHistory возвращает транзакции счёта от новых к старым с идентификатором
// меньше before (0 - с самой новой). Новые записи, появившиеся между запросами
// страниц, не сдвигают уже выданные.
func (l *Ledger) GetHistory(ctx context.Context, accountID int64, limit int, before int64) (*HistoryPage, error) {
	if before < 0 {
		return nil, fmt.Errorf("%w: negative cursor", model.ErrInvalidArgument)
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	limit = min(limit, maxHistoryLimit)

	if _, err := l.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}

	txns, err := l.store.ListTransactions(ctx, accountID, limit+1, before)
	if err != nil {
		return nil, err
	}

	page := &HistoryPage{}
	if len(txns) > limit {
		txns = txns[:limit]
		page.NextCursor = txns[limit-1].ID
	}
	page.Transactions = txns
	return page, nil
}

// Observe учитывает зафиксированные транзакции в метриках. Вызывается после коммита.
func (l *Ledger) Observe(txns ...model.Transaction) {
	if l.metrics == nil {
		return
	}
	for _, t := range txns {
		l.metrics.LedgerTransactions.WithLabelValues(string(t.Kind)).Inc()
		if t.Kind == model.KindPlatformCommission {
			l.metrics.CommissionCredits.Add(float64(t.Amount))
		}
	}
}
