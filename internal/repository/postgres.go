// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"encoding/json"
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

	"github.com/mmeshcher/loyalty-spin-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrCustomerNotFound возвращается, если покупатель не найден.
var (
	ErrCustomerNotFound = errors.New("customer not found")
	// ErrInsufficientBalance возвращается при попытке списания суммы, превышающей баланс.
	ErrInsufficientBalance = errors.New("insufficient points balance")
	// ErrNegativeBalance возвращается, если корректировка привела бы к отрицательному балансу.
	ErrNegativeBalance = errors.New("adjustment would result in negative balance")
	// ErrSpinNotEligible возвращается, если покупатель сегодня уже вращал колесо
	// или не выполнил условия допуска.
	ErrSpinNotEligible = errors.New("customer is not eligible to spin")
	// ErrWheelNotFound возвращается, если у магазина нет конфигурации колеса.
	ErrWheelNotFound = errors.New("spin wheel configuration not found")
	// ErrRewardNotFound возвращается, если награда не найдена в каталоге магазина.
	ErrRewardNotFound = errors.New("reward not found")
	// ErrDuplicateCode возвращается при коллизии скидочного кода.
	ErrDuplicateCode = errors.New("discount code already exists")
)

// errDuplicateOrder сигнализирует о конкурентной повторной доставке события заказа.
var errDuplicateOrder = errors.New("order already processed")

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

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраи полезны для Serialization Failure и Deadlock: конкурентные
		// операции над одним покупателем захватывают одну и ту же строку.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

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
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// Ping проверяет доступность БД.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

const customerColumns = `id, shop_domain, external_id, email, first_name, last_name,
	points_balance, total_points_earned, total_points_redeemed, total_orders,
	last_spin_date, created_at`

func scanCustomer(row pgx.Row) (*model.Customer, error) {
	var c model.Customer
	err := row.Scan(&c.ID, &c.ShopDomain, &c.ExternalID, &c.Email, &c.FirstName, &c.LastName,
		&c.PointsBalance, &c.TotalPointsEarned, &c.TotalPointsRedeemed, &c.TotalOrders,
		&c.LastSpinDate, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCustomerNotFound
		}
		return nil, fmt.Errorf("scan customer: %w", err)
	}
	return &c, nil
}

// GetCustomer возвращает покупателя по магазину и внешнему идентификатору.
func (r *PostgresRepository) GetCustomer(ctx context.Context, shopDomain, externalID string) (*model.Customer, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE shop_domain = $1 AND external_id = $2`,
		shopDomain, externalID,
	)
	return scanCustomer(row)
}

// CustomerStats содержит сводные показатели бонусной программы магазина.
type CustomerStats struct {
	TotalCustomers         int64
	TotalPointsIssued      int64
	TotalPointsRedeemed    int64
	TotalPointsOutstanding int64
}

// ListCustomers возвращает страницу покупателей магазина, отсортированных по заработанным баллам.
func (r *PostgresRepository) ListCustomers(ctx context.Context, shopDomain string, offset, limit int) ([]model.Customer, int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+customerColumns+`
		 FROM customers
		 WHERE shop_domain = $1
		 ORDER BY total_points_earned DESC, id
		 OFFSET $2 LIMIT $3`,
		shopDomain, offset, limit,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("select customers: %w", err)
	}
	defer rows.Close()

	var customers []model.Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, 0, err
		}
		customers = append(customers, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("rows error: %w", err)
	}

	var total int64
	err = r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM customers WHERE shop_domain = $1`, shopDomain,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count customers: %w", err)
	}

	return customers, total, nil
}

// GetCustomerStats возвращает сводную статистику по покупателям магазина.
func (r *PostgresRepository) GetCustomerStats(ctx context.Context, shopDomain string) (*CustomerStats, error) {
	var s CustomerStats
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(total_points_earned), 0),
		        COALESCE(SUM(total_points_redeemed), 0),
		        COALESCE(SUM(points_balance), 0)
		 FROM customers
		 WHERE shop_domain = $1`,
		shopDomain,
	).Scan(&s.TotalCustomers, &s.TotalPointsIssued, &s.TotalPointsRedeemed, &s.TotalPointsOutstanding)
	if err != nil {
		return nil, fmt.Errorf("customer stats: %w", err)
	}
	return &s, nil
}

// LedgerOperation описывает одну операцию над бонусным счётом покупателя.
type LedgerOperation struct {
	ShopDomain   string
	ExternalID   string
	Email        string
	FirstName    string
	LastName     string
	Type         model.TransactionType
	Delta        int64
	Description  string
	OrderID      string
	OrderNumber  string
	DiscountCode string
	OrdersDelta  int64
	Metadata     map[string]string
	// CreateCustomer включает ленивое создание записи покупателя.
	CreateCustomer bool
}

// ApplyLedgerOperation атомарно применяет операцию к счёту покупателя:
// изменяет баланс и счётчики и добавляет ровно одну запись журнала,
// balance_after которой равен балансу после изменения. Для начислений
// за заказ операция с уже обработанным order_id является no-op и
// возвращает существующую запись с признаком duplicate.
func (r *PostgresRepository) ApplyLedgerOperation(ctx context.Context, op LedgerOperation) (*model.Transaction, bool, error) {
	var (
		result    *model.Transaction
		duplicate bool
	)

	err := r.withRetry(ctx, func() error {
		tr, dup, err := r.applyLedgerOperation(ctx, op)
		if err != nil {
			return err
		}
		result, duplicate = tr, dup
		return nil
	})
	if err != nil {
		// Конкурентная повторная доставка того же заказа: уникальный индекс
		// прервал вставку, запись уже создана другим запросом.
		if errors.Is(err, errDuplicateOrder) && op.OrderID != "" {
			existing, getErr := r.getOrderTransaction(ctx, op.ShopDomain, op.OrderID, op.Type)
			if getErr == nil && existing != nil {
				return existing, true, nil
			}
		}
		return nil, false, err
	}

	return result, duplicate, nil
}

func (r *PostgresRepository) getOrderTransaction(ctx context.Context, shopDomain, orderID string, t model.TransactionType) (*model.Transaction, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE shop_domain = $1 AND order_id = $2 AND type = $3`,
		shopDomain, orderID, string(t),
	)

	tr, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select order transaction: %w", err)
	}
	return tr, nil
}

func (r *PostgresRepository) applyLedgerOperation(ctx context.Context, op LedgerOperation) (*model.Transaction, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if op.CreateCustomer {
		_, err = tx.Exec(ctx,
			`INSERT INTO customers (shop_domain, external_id, email, first_name, last_name)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (shop_domain, external_id) DO NOTHING`,
			op.ShopDomain, op.ExternalID, op.Email, op.FirstName, op.LastName,
		)
		if err != nil {
			return nil, false, fmt.Errorf("create customer: %w", err)
		}
	}

	c, err := scanCustomer(tx.QueryRow(ctx,
		`SELECT `+customerColumns+` FROM customers
		 WHERE shop_domain = $1 AND external_id = $2 FOR UPDATE`,
		op.ShopDomain, op.ExternalID,
	))
	if err != nil {
		return nil, false, err
	}

	// Повторная доставка webhook не должна начислять баллы дважды.
	if op.OrderID != "" && op.Type == model.TransactionEarned {
		existing, err := r.findOrderTransaction(ctx, tx, op.ShopDomain, op.OrderID, op.Type)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, true, nil
		}
	}

	newBalance := c.PointsBalance + op.Delta
	if newBalance < 0 {
		if op.Type == model.TransactionRedeemed {
			return nil, false, fmt.Errorf("%w: available %d, requested %d",
				ErrInsufficientBalance, c.PointsBalance, -op.Delta)
		}
		return nil, false, fmt.Errorf("%w: balance %d, delta %d",
			ErrNegativeBalance, c.PointsBalance, op.Delta)
	}

	var earnedDelta int64
	if op.Delta > 0 {
		earnedDelta = op.Delta
	}
	var redeemedDelta int64
	if op.Type == model.TransactionRedeemed {
		redeemedDelta = -op.Delta
	}

	_, err = tx.Exec(ctx,
		`UPDATE customers
		 SET points_balance = $2,
		     total_points_earned = total_points_earned + $3,
		     total_points_redeemed = total_points_redeemed + $4,
		     total_orders = GREATEST(total_orders + $5, 0)
		 WHERE id = $1`,
		c.ID, newBalance, earnedDelta, redeemedDelta, op.OrdersDelta,
	)
	if err != nil {
		return nil, false, fmt.Errorf("update customer: %w", err)
	}

	tr, err := insertTransaction(ctx, tx, c, op, newBalance)
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit tx: %w", err)
	}

	return tr, false, nil
}

func (r *PostgresRepository) findOrderTransaction(ctx context.Context, tx pgx.Tx, shopDomain, orderID string, t model.TransactionType) (*model.Transaction, error) {
	row := tx.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE shop_domain = $1 AND order_id = $2 AND type = $3`,
		shopDomain, orderID, string(t),
	)

	tr, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select order transaction: %w", err)
	}
	return tr, nil
}

func insertTransaction(ctx context.Context, tx pgx.Tx, c *model.Customer, op LedgerOperation, balanceAfter int64) (*model.Transaction, error) {
	meta, err := marshalMetadata(op.Metadata)
	if err != nil {
		return nil, err
	}

	tr := &model.Transaction{
		CustomerID:   c.ID,
		ExternalID:   c.ExternalID,
		ShopDomain:   c.ShopDomain,
		Type:         op.Type,
		Points:       op.Delta,
		Description:  op.Description,
		OrderID:      op.OrderID,
		OrderNumber:  op.OrderNumber,
		DiscountCode: op.DiscountCode,
		BalanceAfter: balanceAfter,
		Metadata:     op.Metadata,
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO transactions
		 (customer_id, external_id, shop_domain, type, points, description,
		  order_id, order_number, discount_code, balance_after, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING id, created_at`,
		tr.CustomerID, tr.ExternalID, tr.ShopDomain, string(tr.Type), tr.Points, tr.Description,
		tr.OrderID, tr.OrderNumber, tr.DiscountCode, tr.BalanceAfter, meta,
	).Scan(&tr.ID, &tr.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			if strings.Contains(pgErr.ConstraintName, "discount_code") {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateCode, tr.DiscountCode)
			}
			if strings.Contains(pgErr.ConstraintName, "order_type") {
				return nil, fmt.Errorf("%w: order %s", errDuplicateOrder, tr.OrderID)
			}
		}
		return nil, fmt.Errorf("insert transaction: %w", err)
	}

	return tr, nil
}

// ReverseOrderPoints отменяет начисление за заказ: списывает баллы и уменьшает
// счётчик заказов. Возврат пропускается без ошибки, если начисления за заказ не
// было, возврат уже выполнен или баллы уже потрачены.
func (r *PostgresRepository) ReverseOrderPoints(ctx context.Context, shopDomain, externalID, orderID, orderNumber string, points int64, description string) (*model.Transaction, bool, error) {
	var (
		result  *model.Transaction
		skipped bool
	)

	err := r.withRetry(ctx, func() error {
		tr, skip, err := r.reverseOrderPoints(ctx, shopDomain, externalID, orderID, orderNumber, points, description)
		if err != nil {
			return err
		}
		result, skipped = tr, skip
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return result, skipped, nil
}

func (r *PostgresRepository) reverseOrderPoints(ctx context.Context, shopDomain, externalID, orderID, orderNumber string, points int64, description string) (*model.Transaction, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := scanCustomer(tx.QueryRow(ctx,
		`SELECT `+customerColumns+` FROM customers
		 WHERE shop_domain = $1 AND external_id = $2 FOR UPDATE`,
		shopDomain, externalID,
	))
	if err != nil {
		if errors.Is(err, ErrCustomerNotFound) {
			return nil, true, nil
		}
		return nil, false, err
	}

	earned, err := r.findOrderTransaction(ctx, tx, shopDomain, orderID, model.TransactionEarned)
	if err != nil {
		return nil, false, err
	}
	reversed, err := r.findOrderTransaction(ctx, tx, shopDomain, orderID, model.TransactionAdjustment)
	if err != nil {
		return nil, false, err
	}

	if earned == nil || reversed != nil || c.PointsBalance < points {
		return nil, true, nil
	}

	newBalance := c.PointsBalance - points

	_, err = tx.Exec(ctx,
		`UPDATE customers
		 SET points_balance = $2,
		     total_orders = GREATEST(total_orders - 1, 0)
		 WHERE id = $1`,
		c.ID, newBalance,
	)
	if err != nil {
		return nil, false, fmt.Errorf("update customer: %w", err)
	}

	tr, err := insertTransaction(ctx, tx, c, LedgerOperation{
		Type:        model.TransactionAdjustment,
		Delta:       -points,
		Description: description,
		OrderID:     orderID,
		OrderNumber: orderNumber,
	}, newBalance)
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit tx: %w", err)
	}

	return tr, false, nil
}

const transactionColumns = `id, customer_id, external_id, shop_domain, type, points,
	description, order_id, order_number, discount_code, balance_after, metadata, created_at`

func scanTransaction(row pgx.Row) (*model.Transaction, error) {
	var (
		tr   model.Transaction
		kind string
		meta []byte
	)
	err := row.Scan(&tr.ID, &tr.CustomerID, &tr.ExternalID, &tr.ShopDomain, &kind, &tr.Points,
		&tr.Description, &tr.OrderID, &tr.OrderNumber, &tr.DiscountCode, &tr.BalanceAfter,
		&meta, &tr.CreatedAt)
	if err != nil {
		return nil, err
	}

	tr.Type = model.TransactionType(kind)
	tr.Metadata, err = unmarshalMetadata(meta)
	if err != nil {
		return nil, err
	}

	return &tr, nil
}

func marshalMetadata(m map[string]string) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return data, nil
}

func unmarshalMetadata(data []byte) (map[string]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	m := map[string]string{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

// TransactionFilter описывает условия выборки записей журнала.
type TransactionFilter struct {
	ShopDomain string
	ExternalID string
	Type       model.TransactionType
	Since      *time.Time
	Offset     int
	Limit      int
}

// ListTransactions возвращает страницу записей журнала и общее число записей,
// удовлетворяющих фильтру. Записи отсортированы от новых к старым.
func (r *PostgresRepository) ListTransactions(ctx context.Context, f TransactionFilter) ([]model.Transaction, int64, error) {
	where := []string{"shop_domain = $1"}
	args := []any{f.ShopDomain}

	if f.ExternalID != "" {
		args = append(args, f.ExternalID)
		where = append(where, fmt.Sprintf("external_id = $%d", len(args)))
	}
	if f.Type != "" {
		args = append(args, string(f.Type))
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	if f.Since != nil {
		args = append(args, *f.Since)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}

	cond := strings.Join(where, " AND ")

	var total int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM transactions WHERE `+cond, args...,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count transactions: %w", err)
	}

	args = append(args, f.Offset, f.Limit)
	query := fmt.Sprintf(
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE %s ORDER BY created_at DESC, id DESC OFFSET $%d LIMIT $%d`,
		cond, len(args)-1, len(args),
	)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	var res []model.Transaction
	for rows.Next() {
		tr, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan transaction: %w", err)
		}
		res = append(res, *tr)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("rows error: %w", err)
	}

	return res, total, nil
}

// GetOrCreateWheel возвращает колесо наград магазина, создавая его с переданной
// конфигурацией по умолчанию при первом обращении.
func (r *PostgresRepository) GetOrCreateWheel(ctx context.Context, shopDomain string, defaults []model.RewardDefinition, settings model.WheelSettings) (*model.Wheel, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cmdTag, err := tx.Exec(ctx,
		`INSERT INTO spin_wheels (shop_domain, spins_per_day, minimum_orders_required, is_active)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (shop_domain) DO NOTHING`,
		shopDomain, settings.SpinsPerDay, settings.MinimumOrdersRequired, settings.IsActive,
	)
	if err != nil {
		return nil, fmt.Errorf("insert wheel: %w", err)
	}

	var wheelID int64
	err = tx.QueryRow(ctx,
		`SELECT id FROM spin_wheels WHERE shop_domain = $1 FOR UPDATE`, shopDomain,
	).Scan(&wheelID)
	if err != nil {
		return nil, fmt.Errorf("select wheel: %w", err)
	}

	if cmdTag.RowsAffected() == 1 {
		for i, reward := range defaults {
			_, err = tx.Exec(ctx,
				`INSERT INTO spin_rewards
				 (wheel_id, reward_id, type, value, label, probability, color, is_active, position)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				wheelID, reward.ID, string(reward.Type), reward.Value, reward.Label,
				reward.Probability, reward.Color, reward.IsActive, i,
			)
			if err != nil {
				return nil, fmt.Errorf("insert default reward: %w", err)
			}
		}
	}

	wheel, err := loadWheel(ctx, tx, shopDomain)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return wheel, nil
}

// GetWheel возвращает колесо наград магазина.
func (r *PostgresRepository) GetWheel(ctx context.Context, shopDomain string) (*model.Wheel, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	wheel, err := loadWheel(ctx, tx, shopDomain)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return wheel, nil
}

func loadWheel(ctx context.Context, tx pgx.Tx, shopDomain string) (*model.Wheel, error) {
	wheel := &model.Wheel{ShopDomain: shopDomain}

	var wheelID int64
	err := tx.QueryRow(ctx,
		`SELECT id, spins_per_day, minimum_orders_required, is_active
		 FROM spin_wheels WHERE shop_domain = $1`,
		shopDomain,
	).Scan(&wheelID, &wheel.Settings.SpinsPerDay, &wheel.Settings.MinimumOrdersRequired, &wheel.Settings.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWheelNotFound
		}
		return nil, fmt.Errorf("select wheel: %w", err)
	}

	rows, err := tx.Query(ctx,
		`SELECT reward_id, type, value, label, probability, color, is_active, position
		 FROM spin_rewards WHERE wheel_id = $1 ORDER BY position`,
		wheelID,
	)
	if err != nil {
		return nil, fmt.Errorf("select rewards: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			reward model.RewardDefinition
			kind   string
		)
		err := rows.Scan(&reward.ID, &kind, &reward.Value, &reward.Label,
			&reward.Probability, &reward.Color, &reward.IsActive, &reward.Position)
		if err != nil {
			return nil, fmt.Errorf("scan reward: %w", err)
		}
		reward.Type = model.RewardType(kind)
		wheel.Rewards = append(wheel.Rewards, reward)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return wheel, nil
}

// AddReward добавляет награду в каталог магазина, создавая колесо при необходимости.
func (r *PostgresRepository) AddReward(ctx context.Context, shopDomain string, reward model.RewardDefinition, settings model.WheelSettings) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO spin_wheels (shop_domain, spins_per_day, minimum_orders_required, is_active)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (shop_domain) DO NOTHING`,
		shopDomain, settings.SpinsPerDay, settings.MinimumOrdersRequired, settings.IsActive,
	)
	if err != nil {
		return fmt.Errorf("insert wheel: %w", err)
	}

	var wheelID int64
	err = tx.QueryRow(ctx,
		`SELECT id FROM spin_wheels WHERE shop_domain = $1 FOR UPDATE`, shopDomain,
	).Scan(&wheelID)
	if err != nil {
		return fmt.Errorf("select wheel: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO spin_rewards
		 (wheel_id, reward_id, type, value, label, probability, color, is_active, position)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8,
		         (SELECT COALESCE(MAX(position) + 1, 0) FROM spin_rewards WHERE wheel_id = $1))`,
		wheelID, reward.ID, string(reward.Type), reward.Value, reward.Label,
		reward.Probability, reward.Color, reward.IsActive,
	)
	if err != nil {
		return fmt.Errorf("insert reward: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// UpdateReward обновляет награду в каталоге магазина.
func (r *PostgresRepository) UpdateReward(ctx context.Context, shopDomain string, reward model.RewardDefinition) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE spin_rewards
		 SET type = $3, value = $4, label = $5, probability = $6, color = $7, is_active = $8
		 WHERE reward_id = $2
		   AND wheel_id = (SELECT id FROM spin_wheels WHERE shop_domain = $1)`,
		shopDomain, reward.ID, string(reward.Type), reward.Value, reward.Label,
		reward.Probability, reward.Color, reward.IsActive,
	)
	if err != nil {
		return fmt.Errorf("update reward: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		return ErrRewardNotFound
	}

	return nil
}

// RemoveReward удаляет награду из каталога магазина.
func (r *PostgresRepository) RemoveReward(ctx context.Context, shopDomain, rewardID string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`DELETE FROM spin_rewards
		 WHERE reward_id = $2
		   AND wheel_id = (SELECT id FROM spin_wheels WHERE shop_domain = $1)`,
		shopDomain, rewardID,
	)
	if err != nil {
		return fmt.Errorf("delete reward: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		return ErrRewardNotFound
	}

	return nil
}

// SpinOperation описывает результат розыгрыша, подлежащий атомарной фиксации.
type SpinOperation struct {
	ShopDomain string
	ExternalID string
	// DayStart — начало текущих календарных суток UTC; допуск к вращению
	// проверяется повторно внутри транзакции.
	DayStart      time.Time
	Now           time.Time
	MinimumOrders int64
	Reward        model.RewardDefinition
	PointsDelta   int64
	DiscountCode  string
	ExpiresAt     time.Time
	Description   string
}

// RecordSpin атомарно фиксирует розыгрыш: проверяет допуск под блокировкой
// строки покупателя, обновляет last_spin_date, начисляет баллы либо сохраняет
// скидочный код и всегда добавляет запись истории вращений. Из двух
// конкурентных попыток фиксации ровно одна завершается ErrSpinNotEligible.
func (r *PostgresRepository) RecordSpin(ctx context.Context, op SpinOperation) (*model.Transaction, *model.SpinRecord, error) {
	var (
		tr  *model.Transaction
		rec *model.SpinRecord
	)

	err := r.withRetry(ctx, func() error {
		t, s, err := r.recordSpin(ctx, op)
		if err != nil {
			return err
		}
		tr, rec = t, s
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return tr, rec, nil
}

func (r *PostgresRepository) recordSpin(ctx context.Context, op SpinOperation) (*model.Transaction, *model.SpinRecord, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO customers (shop_domain, external_id)
		 VALUES ($1, $2)
		 ON CONFLICT (shop_domain, external_id) DO NOTHING`,
		op.ShopDomain, op.ExternalID,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create customer: %w", err)
	}

	c, err := scanCustomer(tx.QueryRow(ctx,
		`SELECT `+customerColumns+` FROM customers
		 WHERE shop_domain = $1 AND external_id = $2 FOR UPDATE`,
		op.ShopDomain, op.ExternalID,
	))
	if err != nil {
		return nil, nil, err
	}

	if c.LastSpinDate != nil && !c.LastSpinDate.Before(op.DayStart) {
		return nil, nil, ErrSpinNotEligible
	}
	if c.TotalOrders < op.MinimumOrders {
		return nil, nil, ErrSpinNotEligible
	}

	_, err = tx.Exec(ctx,
		`UPDATE customers SET last_spin_date = $2 WHERE id = $1`,
		c.ID, op.Now,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("update last spin date: %w", err)
	}

	var tr *model.Transaction
	if op.PointsDelta > 0 {
		newBalance := c.PointsBalance + op.PointsDelta

		_, err = tx.Exec(ctx,
			`UPDATE customers
			 SET points_balance = $2,
			     total_points_earned = total_points_earned + $3
			 WHERE id = $1`,
			c.ID, newBalance, op.PointsDelta,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("update customer: %w", err)
		}

		tr, err = insertTransaction(ctx, tx, c, LedgerOperation{
			Type:        model.TransactionSpinReward,
			Delta:       op.PointsDelta,
			Description: op.Description,
			Metadata: map[string]string{
				model.MetaRewardID:    op.Reward.ID,
				model.MetaRewardLabel: op.Reward.Label,
			},
		}, newBalance)
		if err != nil {
			return nil, nil, err
		}
	}

	rec := &model.SpinRecord{
		CustomerID:   c.ID,
		ExternalID:   c.ExternalID,
		ShopDomain:   c.ShopDomain,
		RewardType:   op.Reward.Type,
		RewardValue:  op.Reward.Value,
		RewardLabel:  op.Reward.Label,
		DiscountCode: op.DiscountCode,
		ExpiresAt:    op.ExpiresAt,
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO spin_records
		 (customer_id, external_id, shop_domain, reward_type, reward_value, reward_label,
		  discount_code, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, created_at`,
		rec.CustomerID, rec.ExternalID, rec.ShopDomain, string(rec.RewardType),
		rec.RewardValue, rec.RewardLabel, rec.DiscountCode, rec.ExpiresAt,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			if strings.Contains(pgErr.ConstraintName, "discount_code") {
				return nil, nil, fmt.Errorf("%w: %s", ErrDuplicateCode, rec.DiscountCode)
			}
		}
		return nil, nil, fmt.Errorf("insert spin record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit tx: %w", err)
	}

	return tr, rec, nil
}

// ListSpins возвращает страницу истории вращений покупателя.
func (r *PostgresRepository) ListSpins(ctx context.Context, shopDomain, externalID string, offset, limit int) ([]model.SpinRecord, int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, customer_id, external_id, shop_domain, reward_type, reward_value,
		        reward_label, discount_code, is_redeemed, redeemed_at, expires_at, created_at
		 FROM spin_records
		 WHERE shop_domain = $1 AND external_id = $2
		 ORDER BY created_at DESC, id DESC
		 OFFSET $3 LIMIT $4`,
		shopDomain, externalID, offset, limit,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("select spins: %w", err)
	}
	defer rows.Close()

	var res []model.SpinRecord
	for rows.Next() {
		var (
			rec  model.SpinRecord
			kind string
		)
		err := rows.Scan(&rec.ID, &rec.CustomerID, &rec.ExternalID, &rec.ShopDomain, &kind,
			&rec.RewardValue, &rec.RewardLabel, &rec.DiscountCode, &rec.IsRedeemed,
			&rec.RedeemedAt, &rec.ExpiresAt, &rec.CreatedAt)
		if err != nil {
			return nil, 0, fmt.Errorf("scan spin record: %w", err)
		}
		rec.RewardType = model.RewardType(kind)
		res = append(res, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("rows error: %w", err)
	}

	var total int64
	err = r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM spin_records WHERE shop_domain = $1 AND external_id = $2`,
		shopDomain, externalID,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count spins: %w", err)
	}

	return res, total, nil
}
