// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mmeshcher/ecopoints-system/internal/model"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrTokenNotFound возвращается, если купон с указанным идентификатором не выпускался.
var (
	ErrTokenNotFound = errors.New("token not found")
	// ErrTokenAlreadyRedeemed возвращается, если купон уже погашен другим пользователем.
	ErrTokenAlreadyRedeemed = errors.New("token already redeemed by another user")
	// ErrAccountNotFound возвращается, если счёт пользователя не найден.
	ErrAccountNotFound = errors.New("account not found")
	// ErrInsufficientBalance возвращается при попытке вывода суммы, превышающей баланс.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrIdempotencyKeyReused возвращается, если ключ идемпотентности уже
	// использован другой операцией: другим счётом, с другой суммой или
	// другим платёжным идентификатором.
	ErrIdempotencyKeyReused = errors.New("idempotency key reused for a different operation")
	// ErrContention возвращается, когда транзакция не смогла зафиксироваться
	// за отведённое число попыток из-за конкурирующих транзакций.
	ErrContention = errors.New("transaction contention")
)

// ClaimResult содержит исход погашения купона.
type ClaimResult struct {
	AmountCents     int64
	Category        model.Category
	AlreadyRedeemed bool
}

// WithdrawalResult содержит исход операции вывода средств. Replayed выставлен,
// если ключ идемпотентности уже был использован этой же операцией и новое
// списание не выполнялось; EntryID в обоих случаях указывает на запись журнала.
type WithdrawalResult struct {
	EntryID  uuid.UUID
	Replayed bool
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
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

// Задержки между повторными попытками сериализуемой транзакции. Конфликты
// сериализации короткоживущие, поэтому интервалы небольшие.
var txRetryDelays = []time.Duration{50 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond}

// runSerializable выполняет fn внутри сериализуемой транзакции с ограниченным
// числом повторов при конфликте фиксации. Единственный источник взаимного
// исключения — изоляция на уровне хранилища: никаких блокировок в памяти
// процесса, так как вызовы приходят из независимых процессов.
func (r *PostgresRepository) runSerializable(ctx context.Context, fn func(tx pgx.Tx) error) error {
	var err error
	for i := 0; i <= len(txRetryDelays); i++ {
		err = r.trySerializable(ctx, fn)
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !isSerializationError(err) {
			return err
		}

		if i < len(txRetryDelays) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(txRetryDelays[i]):
			}
		}
	}
	return fmt.Errorf("%w: %s", ErrContention, err)
}

func (r *PostgresRepository) trySerializable(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

func isSerializationError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return false
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// IsUnavailable сообщает, вызвана ли ошибка недоступностью хранилища.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgerrcode.IsConnectionException(pgErr.Code) {
		return true
	}
	return isConnectionError(err)
}

// CreateAccountIfAbsent создаёт счёт пользователя, если он ещё не существует.
// Операция идемпотентна: повторный вызов для существующего счёта ничего не меняет.
func (r *PostgresRepository) CreateAccountIfAbsent(ctx context.Context, userID string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO accounts (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

// GetAccount возвращает счёт пользователя.
func (r *PostgresRepository) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT user_id, balance_cents, created_at FROM accounts WHERE user_id = $1`,
		userID,
	)

	var a model.Account
	err := row.Scan(&a.UserID, &a.BalanceCents, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}

	return &a, nil
}

// GetToken возвращает купон по идентификатору.
func (r *PostgresRepository) GetToken(ctx context.Context, tokenID string) (*model.Token, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, amount_cents, category, redeemed, redeemed_by, redeemed_at, created_at
		 FROM tokens
		 WHERE id = $1`,
		tokenID,
	)

	var (
		t        model.Token
		category string
	)
	err := row.Scan(&t.ID, &t.AmountCents, &category, &t.Redeemed, &t.RedeemedBy, &t.RedeemedAt, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("get token: %w", err)
	}

	t.Category, err = model.ParseCategory(category)
	if err != nil {
		return nil, fmt.Errorf("token %s: %w", tokenID, err)
	}

	return &t, nil
}

// ClaimToken погашает купон в пользу пользователя в одной сериализуемой
// транзакции: пометка купона, зачисление на счёт и запись журнала фиксируются
// атомарно — либо все три, либо ни одной. Повторное погашение тем же
// пользователем — идемпотентный успех без каких-либо изменений; победителем
// гонки за купон становится первая зафиксировавшаяся транзакция.
func (r *PostgresRepository) ClaimToken(ctx context.Context, tokenID, userID string) (*ClaimResult, error) {
	var result *ClaimResult

	err := r.runSerializable(ctx, func(tx pgx.Tx) error {
		var (
			amountCents int64
			category    string
			redeemed    bool
			redeemedBy  *string
		)
		err := tx.QueryRow(ctx,
			`SELECT amount_cents, category, redeemed, redeemed_by FROM tokens WHERE id = $1`,
			tokenID,
		).Scan(&amountCents, &category, &redeemed, &redeemedBy)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrTokenNotFound
			}
			return fmt.Errorf("select token: %w", err)
		}

		cat, err := model.ParseCategory(category)
		if err != nil {
			return fmt.Errorf("token %s: %w", tokenID, err)
		}

		if redeemed {
			if redeemedBy != nil && *redeemedBy == userID {
				result = &ClaimResult{AmountCents: amountCents, Category: cat, AlreadyRedeemed: true}
				return nil
			}
			return ErrTokenAlreadyRedeemed
		}

		var balanceCents int64
		err = tx.QueryRow(ctx,
			`SELECT balance_cents FROM accounts WHERE user_id = $1`,
			userID,
		).Scan(&balanceCents)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrAccountNotFound
			}
			return fmt.Errorf("select account: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE tokens SET redeemed = TRUE, redeemed_by = $2, redeemed_at = now() WHERE id = $1`,
			tokenID, userID,
		)
		if err != nil {
			return fmt.Errorf("mark token redeemed: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE accounts SET balance_cents = balance_cents + $2 WHERE user_id = $1`,
			userID, amountCents,
		)
		if err != nil {
			return fmt.Errorf("credit account: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO ledger_entries (id, account_id, amount_cents, direction, status, reference, description)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			uuid.New(), userID, amountCents,
			string(model.DirectionCredit), string(model.EntryStatusCompleted),
			tokenID, fmt.Sprintf("Claimed %s waste reward", cat),
		)
		if err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}

		result = &ClaimResult{AmountCents: amountCents, Category: cat}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

const selectByIdempotencyKey = `SELECT id, account_id, amount_cents, reference
 FROM ledger_entries
 WHERE idempotency_key = $1`

// matchIdempotencyKey сверяет найденную по ключу запись журнала с параметрами
// запроса. Совпадение всех трёх полей — повтор той же операции; расхождение —
// чужой ключ, такая отправка отвергается.
func matchIdempotencyKey(row pgx.Row, userID string, amountCents int64, payoutRef string) (uuid.UUID, error) {
	var (
		entryID uuid.UUID
		account string
		amount  int64
		ref     string
	)
	if err := row.Scan(&entryID, &account, &amount, &ref); err != nil {
		return uuid.Nil, err
	}
	if account != userID || amount != amountCents || ref != payoutRef {
		return uuid.Nil, ErrIdempotencyKeyReused
	}
	return entryID, nil
}

// CreateWithdrawal списывает сумму со счёта и записывает дебетовую запись
// журнала в одной сериализуемой транзакции. Ключ идемпотентности обязателен:
// повторная отправка той же операции возвращает Replayed без второго списания,
// а ключ, занятый другой операцией, отвергается с ErrIdempotencyKeyReused.
func (r *PostgresRepository) CreateWithdrawal(ctx context.Context, userID string, amountCents int64, payoutRef, idempotencyKey string) (*WithdrawalResult, error) {
	var result *WithdrawalResult

	err := r.runSerializable(ctx, func(tx pgx.Tx) error {
		entryID, err := matchIdempotencyKey(
			tx.QueryRow(ctx, selectByIdempotencyKey, idempotencyKey),
			userID, amountCents, payoutRef,
		)
		if err == nil {
			result = &WithdrawalResult{EntryID: entryID, Replayed: true}
			return nil
		}
		if errors.Is(err, ErrIdempotencyKeyReused) {
			return err
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("select idempotency key: %w", err)
		}

		var balanceCents int64
		err = tx.QueryRow(ctx,
			`SELECT balance_cents FROM accounts WHERE user_id = $1`,
			userID,
		).Scan(&balanceCents)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrAccountNotFound
			}
			return fmt.Errorf("select account: %w", err)
		}

		if amountCents > balanceCents {
			return ErrInsufficientBalance
		}

		_, err = tx.Exec(ctx,
			`UPDATE accounts SET balance_cents = balance_cents - $2 WHERE user_id = $1`,
			userID, amountCents,
		)
		if err != nil {
			return fmt.Errorf("debit account: %w", err)
		}

		entryID = uuid.New()
		_, err = tx.Exec(ctx,
			`INSERT INTO ledger_entries (id, account_id, amount_cents, direction, status, reference, description, idempotency_key)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			entryID, userID, amountCents,
			string(model.DirectionDebit), string(model.EntryStatusCompleted),
			payoutRef, fmt.Sprintf("Withdrawn to %s", payoutRef), idempotencyKey,
		)
		if err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}

		result = &WithdrawalResult{EntryID: entryID}
		return nil
	})
	if err != nil {
		// Две параллельные отправки с одним ключом: проигравшая упирается
		// в уникальный индекс, операция при этом уже выполнена победившей
		// транзакцией. Её запись перечитывается и сверяется с запросом.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			entryID, lookupErr := matchIdempotencyKey(
				r.pool.QueryRow(ctx, selectByIdempotencyKey, idempotencyKey),
				userID, amountCents, payoutRef,
			)
			if lookupErr != nil {
				if errors.Is(lookupErr, ErrIdempotencyKeyReused) {
					return nil, lookupErr
				}
				return nil, fmt.Errorf("select idempotency key: %w", lookupErr)
			}
			return &WithdrawalResult{EntryID: entryID, Replayed: true}, nil
		}
		return nil, err
	}

	return result, nil
}

// GetBalance возвращает текущий баланс и сумму всех выводов пользователя в копейках.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID string) (int64, int64, error) {
	var balanceCents int64
	err := r.pool.QueryRow(ctx,
		`SELECT balance_cents FROM accounts WHERE user_id = $1`,
		userID,
	).Scan(&balanceCents)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, ErrAccountNotFound
		}
		return 0, 0, fmt.Errorf("select account: %w", err)
	}

	var withdrawnCents int64
	err = r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount_cents), 0)
		 FROM ledger_entries
		 WHERE account_id = $1 AND direction = $2`,
		userID, string(model.DirectionDebit),
	).Scan(&withdrawnCents)
	if err != nil {
		return 0, 0, fmt.Errorf("sum withdrawals: %w", err)
	}

	return balanceCents, withdrawnCents, nil
}

// GetLedgerEntries возвращает журнал операций пользователя, новые записи первыми.
func (r *PostgresRepository) GetLedgerEntries(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	return r.queryEntries(ctx,
		`SELECT id, account_id, amount_cents, direction, status, reference, description, created_at
		 FROM ledger_entries
		 WHERE account_id = $1
		 ORDER BY created_at DESC`,
		userID,
	)
}

// GetWithdrawals возвращает историю выводов средств пользователя, новые записи первыми.
func (r *PostgresRepository) GetWithdrawals(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	return r.queryEntries(ctx,
		`SELECT id, account_id, amount_cents, direction, status, reference, description, created_at
		 FROM ledger_entries
		 WHERE account_id = $1 AND direction = 'debit'
		 ORDER BY created_at DESC`,
		userID,
	)
}

func (r *PostgresRepository) queryEntries(ctx context.Context, query string, args ...any) ([]model.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select ledger entries: %w", err)
	}
	defer rows.Close()

	var res []model.LedgerEntry
	for rows.Next() {
		var (
			e         model.LedgerEntry
			direction string
			status    string
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &e.AmountCents, &direction, &status, &e.Reference, &e.Description, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Direction = model.Direction(direction)
		e.Status = model.EntryStatus(status)
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
