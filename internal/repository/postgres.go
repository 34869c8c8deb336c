// Package repository содержит реализацию доступа к данным в PostgreSQL.
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
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/invest-ledger/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим именем.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrRequestNotFound возвращается, если заявка не найдена.
	ErrRequestNotFound = errors.New("request not found")
	// ErrTrancheNotFound возвращается, если транш не найден.
	ErrTrancheNotFound = errors.New("tranche not found")
)

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

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Если ошибка контекста — выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраи полезны для Serialization Failure или Deadlocks.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		// Если это не pg-ошибка, но сетевая
		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя вместе с его счётом.
func (r *PostgresRepository) CreateUser(ctx context.Context, username string, passwordHash []byte) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO users (username, password_hash) VALUES ($1, $2)`,
		username, passwordHash,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrUserExists, username)
		}
		return fmt.Errorf("create user: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO accounts (username) VALUES ($1)`,
		username,
	)
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// GetUser возвращает пользователя по имени.
func (r *PostgresRepository) GetUser(ctx context.Context, username string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT username, password_hash, created_at FROM users WHERE username = $1`,
		username,
	)

	var u model.User
	err := row.Scan(&u.Username, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// GetAccount возвращает счёт пользователя.
func (r *PostgresRepository) GetAccount(ctx context.Context, username string) (*model.Account, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT username, cash_total, last_sync_at, last_applied_at
		 FROM accounts
		 WHERE username = $1`,
		username,
	)

	var a model.Account
	err := row.Scan(&a.Username, &a.CashTotal, &a.LastSyncAt, &a.LastAppliedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}

	return &a, nil
}

// UpdateAccountCash записывает новое состояние счёта. Вызывается до пометки
// заявок как учтённых: при сбое между двумя записями флаг заявки остаётся
// снятым и определяет повторную обработку.
func (r *PostgresRepository) UpdateAccountCash(ctx context.Context, username string, cashTotal decimal.Decimal, lastAppliedAt, lastSyncAt time.Time) error {
	return r.withRetry(ctx, func() error {
		cmdTag, err := r.pool.Exec(ctx,
			`UPDATE accounts
			 SET cash_total = $2, last_applied_at = $3, last_sync_at = $4
			 WHERE username = $1`,
			username, cashTotal, lastAppliedAt, lastSyncAt,
		)
		if err != nil {
			return fmt.Errorf("update account: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return ErrUserNotFound
		}
		return nil
	})
}

// CreateRequest сохраняет новую заявку.
func (r *PostgresRepository) CreateRequest(ctx context.Context, req *model.Request) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO requests (id, username, kind, amount, status, destination, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		req.ID, req.Username, string(req.Kind), req.Amount, string(req.Status), req.Destination, req.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

// GetRequest возвращает заявку по идентификатору.
func (r *PostgresRepository) GetRequest(ctx context.Context, id string) (*model.Request, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, username, kind, amount, status, destination, created_at, decided_at, applied_to_balance
		 FROM requests
		 WHERE id = $1`,
		id,
	)

	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, fmt.Errorf("get request: %w", err)
	}

	return req, nil
}

// DecideRequest переводит заявку из PENDING в терминальный статус.
// Возвращает false, если заявка уже была в терминальном статусе.
func (r *PostgresRepository) DecideRequest(ctx context.Context, id string, status model.RequestStatus, decidedAt time.Time) (bool, error) {
	var decided bool
	err := r.withRetry(ctx, func() error {
		cmdTag, err := r.pool.Exec(ctx,
			`UPDATE requests
			 SET status = $2, decided_at = $3
			 WHERE id = $1 AND status = 'PENDING'`,
			id, string(status), decidedAt,
		)
		if err != nil {
			return fmt.Errorf("decide request: %w", err)
		}
		decided = cmdTag.RowsAffected() == 1
		return nil
	})
	return decided, err
}

// MarkRequestsApplied выставляет флаг учёта для перечисленных заявок.
func (r *PostgresRepository) MarkRequestsApplied(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return r.withRetry(ctx, func() error {
		_, err := r.pool.Exec(ctx,
			`UPDATE requests SET applied_to_balance = TRUE WHERE id = ANY($1)`,
			ids,
		)
		if err != nil {
			return fmt.Errorf("mark requests applied: %w", err)
		}
		return nil
	})
}

// GetRequestsByUser возвращает заявки пользователя, новые первыми.
func (r *PostgresRepository) GetRequestsByUser(ctx context.Context, username string) ([]model.Request, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, username, kind, amount, status, destination, created_at, decided_at, applied_to_balance
		 FROM requests
		 WHERE username = $1
		 ORDER BY created_at DESC`,
		username,
	)
	if err != nil {
		return nil, fmt.Errorf("select requests: %w", err)
	}
	defer rows.Close()

	return collectRequests(rows)
}

// GetUnappliedApproved возвращает одобренные, но не учтённые заявки
// пользователя, решённые не раньше отметки последней сверки. Граница
// нестрогая: отметки времени могут совпадать, защитой от повторного
// применения служит флаг applied_to_balance.
func (r *PostgresRepository) GetUnappliedApproved(ctx context.Context, username string, since time.Time) ([]model.Request, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, username, kind, amount, status, destination, created_at, decided_at, applied_to_balance
		 FROM requests
		 WHERE username = $1
		   AND status = 'APPROVED'
		   AND NOT applied_to_balance
		   AND decided_at >= $2
		 ORDER BY decided_at`,
		username, since,
	)
	if err != nil {
		return nil, fmt.Errorf("select unapplied requests: %w", err)
	}
	defer rows.Close()

	return collectRequests(rows)
}

func scanRequest(row pgx.Row) (*model.Request, error) {
	var (
		req    model.Request
		kind   string
		status string
	)
	err := row.Scan(&req.ID, &req.Username, &kind, &req.Amount, &status,
		&req.Destination, &req.CreatedAt, &req.DecidedAt, &req.AppliedToBalance)
	if err != nil {
		return nil, err
	}
	req.Kind = model.RequestKind(kind)
	req.Status = model.RequestStatus(status)
	return &req, nil
}

func collectRequests(rows pgx.Rows) ([]model.Request, error) {
	var res []model.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		res = append(res, *req)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CreateTranche сохраняет новую инвестиционную позицию.
func (r *PostgresRepository) CreateTranche(ctx context.Context, tr *model.Tranche) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO tranches (id, username, principal, rate_percent, created_at, freeze_until, accrued_interest)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		tr.ID, tr.Username, tr.Principal, tr.RatePercent, tr.CreatedAt, tr.FreezeUntil, tr.AccruedInterest,
	)
	if err != nil {
		return fmt.Errorf("insert tranche: %w", err)
	}
	return nil
}

// GetTranchesByUser возвращает транши пользователя, новые первыми.
func (r *PostgresRepository) GetTranchesByUser(ctx context.Context, username string) ([]model.Tranche, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, username, principal, rate_percent, created_at, freeze_until, accrued_interest, unfrozen_at
		 FROM tranches
		 WHERE username = $1
		 ORDER BY created_at DESC`,
		username,
	)
	if err != nil {
		return nil, fmt.Errorf("select tranches: %w", err)
	}
	defer rows.Close()

	var res []model.Tranche
	for rows.Next() {
		var tr model.Tranche
		err := rows.Scan(&tr.ID, &tr.Username, &tr.Principal, &tr.RatePercent,
			&tr.CreatedAt, &tr.FreezeUntil, &tr.AccruedInterest, &tr.UnfrozenAt)
		if err != nil {
			return nil, fmt.Errorf("scan tranche: %w", err)
		}
		res = append(res, tr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// UpdateTrancheAccrual записывает пересчитанные проценты и отметку разморозки.
func (r *PostgresRepository) UpdateTrancheAccrual(ctx context.Context, id string, accrued decimal.Decimal, unfrozenAt *time.Time) error {
	return r.withRetry(ctx, func() error {
		_, err := r.pool.Exec(ctx,
			`UPDATE tranches SET accrued_interest = $2, unfrozen_at = $3 WHERE id = $1`,
			id, accrued, unfrozenAt,
		)
		if err != nil {
			return fmt.Errorf("update tranche accrual: %w", err)
		}
		return nil
	})
}

// UpdateTranchePrincipal записывает уменьшенный principal и масштабированные
// проценты после частичного закрытия.
func (r *PostgresRepository) UpdateTranchePrincipal(ctx context.Context, id string, principal, accrued decimal.Decimal) error {
	return r.withRetry(ctx, func() error {
		cmdTag, err := r.pool.Exec(ctx,
			`UPDATE tranches SET principal = $2, accrued_interest = $3 WHERE id = $1`,
			id, principal, accrued,
		)
		if err != nil {
			return fmt.Errorf("update tranche principal: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return ErrTrancheNotFound
		}
		return nil
	})
}

// DeleteTranche удаляет полностью закрытый транш. Отсутствующая строка
// считается уже удалённой и не является ошибкой.
func (r *PostgresRepository) DeleteTranche(ctx context.Context, id string) error {
	return r.withRetry(ctx, func() error {
		_, err := r.pool.Exec(ctx, `DELETE FROM tranches WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("delete tranche: %w", err)
		}
		return nil
	})
}
