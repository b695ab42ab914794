// Package service реализует бизнес-логику сервиса лояльности.
package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/loyalty-spin-system/internal/model"
	"github.com/mmeshcher/loyalty-spin-system/internal/repository"
)

// ErrInvalidAmount возвращается при попытке обменять меньше одного балла.
var (
	ErrInvalidAmount = errors.New("must redeem at least 1 point")
	// ErrInvalidReward возвращается при некорректном описании награды.
	ErrInvalidReward = errors.New("invalid reward definition")
	// ErrNoRewardsConfigured возвращается, если в каталоге нет активных наград.
	ErrNoRewardsConfigured = errors.New("no active rewards configured")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	Ping(ctx context.Context) error
	GetCustomer(ctx context.Context, shopDomain, externalID string) (*model.Customer, error)
	ListCustomers(ctx context.Context, shopDomain string, offset, limit int) ([]model.Customer, int64, error)
	GetCustomerStats(ctx context.Context, shopDomain string) (*repository.CustomerStats, error)
	ApplyLedgerOperation(ctx context.Context, op repository.LedgerOperation) (*model.Transaction, bool, error)
	ReverseOrderPoints(ctx context.Context, shopDomain, externalID, orderID, orderNumber string, points int64, description string) (*model.Transaction, bool, error)
	ListTransactions(ctx context.Context, f repository.TransactionFilter) ([]model.Transaction, int64, error)
	GetOrCreateWheel(ctx context.Context, shopDomain string, defaults []model.RewardDefinition, settings model.WheelSettings) (*model.Wheel, error)
	AddReward(ctx context.Context, shopDomain string, reward model.RewardDefinition, settings model.WheelSettings) error
	UpdateReward(ctx context.Context, shopDomain string, reward model.RewardDefinition) error
	RemoveReward(ctx context.Context, shopDomain, rewardID string) error
	RecordSpin(ctx context.Context, op repository.SpinOperation) (*model.Transaction, *model.SpinRecord, error)
	ListSpins(ctx context.Context, shopDomain, externalID string, offset, limit int) ([]model.SpinRecord, int64, error)
}

// Options содержит настройки бонусной программы.
type Options struct {
	PointsPerOrder      int64
	PointsCurrencyRatio int64
}

// Service содержит бизнес-логику сервиса лояльности.
type Service struct {
	repo           Repository
	pointsPerOrder int64
	currencyRatio  int64

	// randFloat отдаёт равномерное значение в [0, 1); подменяется в тестах.
	randFloat func() float64
	now       func() time.Time
}

// NewService создаёт новый сервис с указанным репозиторием и настройками программы.
func NewService(repo Repository, opts Options) *Service {
	pointsPerOrder := opts.PointsPerOrder
	if pointsPerOrder <= 0 {
		pointsPerOrder = 50
	}
	currencyRatio := opts.PointsCurrencyRatio
	if currencyRatio <= 0 {
		currencyRatio = 1
	}

	return &Service{
		repo:           repo,
		pointsPerOrder: pointsPerOrder,
		currencyRatio:  currencyRatio,
		randFloat:      rand.Float64,
		now:            time.Now,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// Ping проверяет доступность хранилища.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// GetBalance возвращает снимок бонусного счёта покупателя.
// Для неизвестного покупателя возвращается нулевой снимок с IsNew = true.
func (s *Service) GetBalance(ctx context.Context, shopDomain, externalID string) (*model.BalanceSnapshot, error) {
	c, err := s.repo.GetCustomer(ctx, shopDomain, externalID)
	if err != nil {
		if errors.Is(err, repository.ErrCustomerNotFound) {
			return &model.BalanceSnapshot{ExternalID: externalID, IsNew: true}, nil
		}
		return nil, err
	}

	return &model.BalanceSnapshot{
		ExternalID:          c.ExternalID,
		PointsBalance:       c.PointsBalance,
		TotalPointsEarned:   c.TotalPointsEarned,
		TotalPointsRedeemed: c.TotalPointsRedeemed,
		TotalOrders:         c.TotalOrders,
		LastSpinDate:        c.LastSpinDate,
	}, nil
}

// TransactionQuery описывает параметры выборки журнала операций.
type TransactionQuery struct {
	ExternalID    string
	Type          string
	DateRangeDays int
	Page          int
	Limit         int
}

// ListTransactions возвращает страницу журнала операций и общее число записей.
func (s *Service) ListTransactions(ctx context.Context, shopDomain string, q TransactionQuery) ([]model.Transaction, int64, error) {
	page, limit := NormalizePage(q.Page, q.Limit, 20)

	f := repository.TransactionFilter{
		ShopDomain: shopDomain,
		ExternalID: q.ExternalID,
		Type:       model.TransactionType(q.Type),
		Offset:     (page - 1) * limit,
		Limit:      limit,
	}
	if q.DateRangeDays > 0 {
		since := s.now().UTC().AddDate(0, 0, -q.DateRangeDays)
		f.Since = &since
	}

	return s.repo.ListTransactions(ctx, f)
}

// ExportTransactions возвращает записи журнала для выгрузки в CSV.
func (s *Service) ExportTransactions(ctx context.Context, shopDomain string, q TransactionQuery) ([]model.Transaction, error) {
	f := repository.TransactionFilter{
		ShopDomain: shopDomain,
		ExternalID: q.ExternalID,
		Type:       model.TransactionType(q.Type),
		Offset:     0,
		Limit:      10000,
	}
	if q.DateRangeDays > 0 {
		since := s.now().UTC().AddDate(0, 0, -q.DateRangeDays)
		f.Since = &since
	}

	transactions, _, err := s.repo.ListTransactions(ctx, f)
	return transactions, err
}

// ListCustomers возвращает страницу покупателей магазина со сводной статистикой.
func (s *Service) ListCustomers(ctx context.Context, shopDomain string, page, limit int) ([]model.Customer, int64, *repository.CustomerStats, error) {
	page, limit = NormalizePage(page, limit, 50)

	customers, total, err := s.repo.ListCustomers(ctx, shopDomain, (page-1)*limit, limit)
	if err != nil {
		return nil, 0, nil, err
	}

	stats, err := s.repo.GetCustomerStats(ctx, shopDomain)
	if err != nil {
		return nil, 0, nil, err
	}

	return customers, total, stats, nil
}

// RedeemResult описывает результат обмена баллов на скидочный код.
type RedeemResult struct {
	DiscountCode     string
	DiscountAmount   int64
	PointsRedeemed   int64
	RemainingBalance int64
}

// Redeem списывает баллы покупателя и выпускает скидочный код на сумму
// points * ratio. При коллизии кода генерация повторяется.
func (s *Service) Redeem(ctx context.Context, shopDomain, externalID string, points int64) (*RedeemResult, error) {
	if points < 1 {
		return nil, ErrInvalidAmount
	}

	amount := points * s.currencyRatio

	var result *RedeemResult
	backoff := retry.WithMaxRetries(3, retry.NewConstant(10*time.Millisecond))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		code := s.newDiscountCode()

		tr, _, err := s.repo.ApplyLedgerOperation(ctx, repository.LedgerOperation{
			ShopDomain:   shopDomain,
			ExternalID:   externalID,
			Type:         model.TransactionRedeemed,
			Delta:        -points,
			Description:  fmt.Sprintf("Redeemed %d points for %d discount", points, amount),
			DiscountCode: code,
			Metadata: map[string]string{
				model.MetaDiscountAmount: strconv.FormatInt(amount, 10),
				model.MetaDiscountType:   "fixed_amount",
			},
		})
		if err != nil {
			if errors.Is(err, repository.ErrDuplicateCode) {
				return retry.RetryableError(err)
			}
			return err
		}

		result = &RedeemResult{
			DiscountCode:     code,
			DiscountAmount:   amount,
			PointsRedeemed:   points,
			RemainingBalance: tr.BalanceAfter,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// AdjustResult описывает результат ручной корректировки баланса.
type AdjustResult struct {
	Delta           int64
	PreviousBalance int64
	NewBalance      int64
}

// Adjust применяет ручную корректировку баланса с произвольным знаком.
// Текст причины сохраняется в описании транзакции дословно.
func (s *Service) Adjust(ctx context.Context, shopDomain, externalID string, delta int64, reason string) (*AdjustResult, error) {
	description := reason
	if description == "" {
		verb := "added"
		if delta < 0 {
			verb = "removed"
		}
		description = fmt.Sprintf("Admin adjustment: %s %d points", verb, abs(delta))
	}

	tr, _, err := s.repo.ApplyLedgerOperation(ctx, repository.LedgerOperation{
		ShopDomain:  shopDomain,
		ExternalID:  externalID,
		Type:        model.TransactionAdjustment,
		Delta:       delta,
		Description: description,
		Metadata: map[string]string{
			model.MetaAdjustmentType: "manual",
		},
	})
	if err != nil {
		return nil, err
	}

	return &AdjustResult{
		Delta:           delta,
		PreviousBalance: tr.BalanceAfter - delta,
		NewBalance:      tr.BalanceAfter,
	}, nil
}

// OrderCustomer описывает покупателя в событии заказа.
type OrderCustomer struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// OrderEvent описывает событие жизненного цикла заказа.
type OrderEvent struct {
	ID          int64          `json:"id"`
	OrderNumber int64          `json:"order_number"`
	TotalPrice  string         `json:"total_price"`
	Currency    string         `json:"currency"`
	CancelledAt *time.Time     `json:"cancelled_at"`
	Customer    *OrderCustomer `json:"customer"`
}

// ProcessOrderCreate начисляет баллы за новый заказ. Гостевые заказы
// пропускаются, повторная доставка того же события не начисляет баллы дважды.
func (s *Service) ProcessOrderCreate(ctx context.Context, shopDomain string, order OrderEvent) error {
	if order.Customer == nil {
		return nil
	}

	_, _, err := s.repo.ApplyLedgerOperation(ctx, repository.LedgerOperation{
		ShopDomain:     shopDomain,
		ExternalID:     strconv.FormatInt(order.Customer.ID, 10),
		Email:          order.Customer.Email,
		FirstName:      order.Customer.FirstName,
		LastName:       order.Customer.LastName,
		Type:           model.TransactionEarned,
		Delta:          s.pointsPerOrder,
		Description:    fmt.Sprintf("Earned %d points for order #%d", s.pointsPerOrder, order.OrderNumber),
		OrderID:        strconv.FormatInt(order.ID, 10),
		OrderNumber:    strconv.FormatInt(order.OrderNumber, 10),
		OrdersDelta:    1,
		CreateCustomer: true,
		Metadata: map[string]string{
			model.MetaOrderTotal:    order.TotalPrice,
			model.MetaOrderCurrency: order.Currency,
		},
	})
	return err
}

// ProcessOrderUpdate обрабатывает обновление заказа. Единственный значимый
// случай — отмена: начисленные баллы возвращаются, если покупатель их ещё не
// потратил, иначе возврат молча пропускается.
func (s *Service) ProcessOrderUpdate(ctx context.Context, shopDomain string, order OrderEvent) error {
	if order.CancelledAt == nil || order.Customer == nil {
		return nil
	}

	_, _, err := s.repo.ReverseOrderPoints(ctx,
		shopDomain,
		strconv.FormatInt(order.Customer.ID, 10),
		strconv.FormatInt(order.ID, 10),
		strconv.FormatInt(order.OrderNumber, 10),
		s.pointsPerOrder,
		fmt.Sprintf("Points reversed for cancelled order #%d", order.OrderNumber),
	)
	return err
}

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// newDiscountCode генерирует скидочный код вида LOYALTY<миллисекунды><суффикс>.
// Уникальность вероятностная; коллизию ловит уникальный индекс, после чего
// код генерируется заново.
func (s *Service) newDiscountCode() string {
	suffix := make([]byte, 4)
	for i := range suffix {
		suffix[i] = codeAlphabet[rand.Intn(len(codeAlphabet))]
	}
	return fmt.Sprintf("LOYALTY%d%s", s.now().UnixMilli(), suffix)
}

// NormalizePage приводит номер страницы и размер выборки к допустимым
// границам: страница не меньше 1, размер в пределах [1, 100] с указанным
// значением по умолчанию. Обработчики используют те же эффективные значения
// при формировании ответа о пагинации.
func NormalizePage(page, limit, defaultLimit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultLimit
	}
	if limit > 100 {
		limit = 100
	}
	return page, limit
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
