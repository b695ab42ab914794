// Package model содержит доменные сущности сервиса лояльности.
package model

import "time"

// Customer представляет покупателя магазина с бонусным счётом.
// Запись создаётся лениво при первом заказе или первом запросе баланса.
type Customer struct {
	ID                  int64
	ShopDomain          string
	ExternalID          string
	Email               string
	FirstName           string
	LastName            string
	PointsBalance       int64
	TotalPointsEarned   int64
	TotalPointsRedeemed int64
	TotalOrders         int64
	LastSpinDate        *time.Time
	CreatedAt           time.Time
}

// TransactionType описывает вид операции с баллами.
type TransactionType string

const (
	TransactionEarned     TransactionType = "earned"
	TransactionRedeemed   TransactionType = "redeemed"
	TransactionSpinReward TransactionType = "spin_reward"
	TransactionAdjustment TransactionType = "adjustment"
)

// Известные ключи метаданных транзакции по видам операций:
//
//	earned:      order_total, order_currency
//	redeemed:    discount_amount, discount_type
//	spin_reward: reward_id, reward_label
//	adjustment:  adjustment_type
const (
	MetaOrderTotal     = "order_total"
	MetaOrderCurrency  = "order_currency"
	MetaDiscountAmount = "discount_amount"
	MetaDiscountType   = "discount_type"
	MetaRewardID       = "reward_id"
	MetaRewardLabel    = "reward_label"
	MetaAdjustmentType = "adjustment_type"
)

// Transaction — неизменяемая запись журнала операций с баллами.
// Журнал append-only: записи никогда не обновляются и не удаляются,
// BalanceAfter фиксируется в момент применения операции.
type Transaction struct {
	ID           int64
	CustomerID   int64
	ExternalID   string
	ShopDomain   string
	Type         TransactionType
	Points       int64
	Description  string
	OrderID      string
	OrderNumber  string
	DiscountCode string
	BalanceAfter int64
	Metadata     map[string]string
	CreatedAt    time.Time
}

// RewardType — закрытый набор видов наград колеса.
type RewardType string

const (
	RewardPoints             RewardType = "points"
	RewardDiscountPercentage RewardType = "discount_percentage"
	RewardDiscountFixed      RewardType = "discount_fixed"
	RewardFreeShipping       RewardType = "free_shipping"
)

// IsDiscount сообщает, выдаётся ли награда скидочным кодом,
// а не начислением баллов.
func (t RewardType) IsDiscount() bool {
	switch t {
	case RewardDiscountPercentage, RewardDiscountFixed, RewardFreeShipping:
		return true
	}
	return false
}

// RewardDefinition описывает один сегмент колеса наград магазина.
type RewardDefinition struct {
	ID          string
	Type        RewardType
	Value       float64
	Label       string
	Probability float64
	Color       string
	IsActive    bool
	Position    int
}

// WheelSettings содержит настройки колеса наград магазина.
type WheelSettings struct {
	SpinsPerDay           int
	MinimumOrdersRequired int64
	IsActive              bool
}

// Wheel — каталог наград магазина вместе с настройками.
type Wheel struct {
	ShopDomain string
	Rewards    []RewardDefinition
	Settings   WheelSettings
}

// ActiveProbabilityTotal возвращает сумму вероятностей активных наград.
// Отклонение суммы от 100 не является ошибкой и отдаётся вызывающему
// как предупреждение.
func (w *Wheel) ActiveProbabilityTotal() float64 {
	var total float64
	for _, r := range w.Rewards {
		if r.IsActive {
			total += r.Probability
		}
	}
	return total
}

// SpinRecord фиксирует результат одной попытки вращения колеса.
// Награда сохраняется снимком на момент выигрыша: последующие изменения
// каталога на запись не влияют.
type SpinRecord struct {
	ID           int64
	CustomerID   int64
	ExternalID   string
	ShopDomain   string
	RewardType   RewardType
	RewardValue  float64
	RewardLabel  string
	DiscountCode string
	IsRedeemed   bool
	RedeemedAt   *time.Time
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

// BalanceSnapshot — снимок бонусного счёта покупателя.
// Для неизвестного покупателя возвращается нулевой снимок с IsNew = true.
type BalanceSnapshot struct {
	ExternalID          string
	PointsBalance       int64
	TotalPointsEarned   int64
	TotalPointsRedeemed int64
	TotalOrders         int64
	LastSpinDate        *time.Time
	IsNew               bool
}
