package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/loyalty-spin-system/internal/model"
	"github.com/mmeshcher/loyalty-spin-system/internal/repository"
	"github.com/mmeshcher/loyalty-spin-system/internal/validation"
)

// spinCodeTTL — срок действия скидочного кода, выигранного на колесе.
const spinCodeTTL = 30 * 24 * time.Hour

// defaultSettings возвращает настройки колеса по умолчанию.
func defaultSettings() model.WheelSettings {
	return model.WheelSettings{
		SpinsPerDay:           1,
		MinimumOrdersRequired: 0,
		IsActive:              true,
	}
}

// defaultRewards возвращает стандартный состав колеса из шести наград.
func defaultRewards() []model.RewardDefinition {
	return []model.RewardDefinition{
		{ID: "points_50", Type: model.RewardPoints, Value: 50, Label: "50 Points", Probability: 30, Color: "#3b82f6", IsActive: true},
		{ID: "points_100", Type: model.RewardPoints, Value: 100, Label: "100 Points", Probability: 20, Color: "#10b981", IsActive: true},
		{ID: "discount_10", Type: model.RewardDiscountPercentage, Value: 10, Label: "10% Off", Probability: 25, Color: "#f59e0b", IsActive: true},
		{ID: "discount_15", Type: model.RewardDiscountPercentage, Value: 15, Label: "15% Off", Probability: 15, Color: "#ef4444", IsActive: true},
		{ID: "free_shipping", Type: model.RewardFreeShipping, Value: 1, Label: "Free Shipping", Probability: 8, Color: "#8b5cf6", IsActive: true},
		{ID: "better_luck", Type: model.RewardPoints, Value: 0, Label: "Better Luck Next Time", Probability: 2, Color: "#6b7280", IsActive: true},
	}
}

// GetCatalog возвращает каталог наград магазина, создавая его со стандартным
// составом при первом обращении.
func (s *Service) GetCatalog(ctx context.Context, shopDomain string) (*model.Wheel, error) {
	return s.repo.GetOrCreateWheel(ctx, shopDomain, defaultRewards(), defaultSettings())
}

// RewardInput содержит поля награды, принимаемые от административного API.
type RewardInput struct {
	Type        string
	Value       float64
	Label       string
	Probability float64
	Color       string
	IsActive    *bool
}

func (in *RewardInput) validate() error {
	if !validation.IsValidRewardType(in.Type) {
		return fmt.Errorf("%w: unknown reward type %q", ErrInvalidReward, in.Type)
	}
	if in.Label == "" {
		return fmt.Errorf("%w: label is required", ErrInvalidReward)
	}
	if !validation.IsValidRewardValue(in.Value) {
		return fmt.Errorf("%w: value must be non-negative", ErrInvalidReward)
	}
	if in.Type == string(model.RewardPoints) && !validation.IsWholeNumber(in.Value) {
		return fmt.Errorf("%w: points value must be a whole number", ErrInvalidReward)
	}
	if !validation.IsValidProbability(in.Probability) {
		return fmt.Errorf("%w: probability must be within [0, 100]", ErrInvalidReward)
	}
	return nil
}

func (in *RewardInput) toDefinition(id string) model.RewardDefinition {
	color := in.Color
	if color == "" {
		color = "#3b82f6"
	}
	isActive := true
	if in.IsActive != nil {
		isActive = *in.IsActive
	}
	return model.RewardDefinition{
		ID:          id,
		Type:        model.RewardType(in.Type),
		Value:       in.Value,
		Label:       in.Label,
		Probability: in.Probability,
		Color:       color,
		IsActive:    isActive,
	}
}

// AddReward добавляет награду в каталог магазина.
func (s *Service) AddReward(ctx context.Context, shopDomain string, in RewardInput) (*model.RewardDefinition, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	reward := in.toDefinition(fmt.Sprintf("%s_%d", in.Type, s.now().UnixMilli()))

	if err := s.repo.AddReward(ctx, shopDomain, reward, defaultSettings()); err != nil {
		return nil, err
	}

	return &reward, nil
}

// UpdateReward обновляет награду в каталоге магазина.
func (s *Service) UpdateReward(ctx context.Context, shopDomain, rewardID string, in RewardInput) (*model.RewardDefinition, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	reward := in.toDefinition(rewardID)

	if err := s.repo.UpdateReward(ctx, shopDomain, reward); err != nil {
		return nil, err
	}

	return &reward, nil
}

// RemoveReward удаляет награду из каталога магазина.
func (s *Service) RemoveReward(ctx context.Context, shopDomain, rewardID string) error {
	return s.repo.RemoveReward(ctx, shopDomain, rewardID)
}

// startOfUTCDay возвращает начало календарных суток UTC для указанного момента.
// Граница суток для допуска к вращению всегда считается по UTC.
func startOfUTCDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// CheckSpinEligibility сообщает, может ли покупатель вращать колесо сегодня.
func (s *Service) CheckSpinEligibility(ctx context.Context, shopDomain, externalID string) (bool, error) {
	wheel, err := s.GetCatalog(ctx, shopDomain)
	if err != nil {
		return false, err
	}
	if !wheel.Settings.IsActive {
		return false, nil
	}

	c, err := s.repo.GetCustomer(ctx, shopDomain, externalID)
	if err != nil {
		if errors.Is(err, repository.ErrCustomerNotFound) {
			c = &model.Customer{}
		} else {
			return false, err
		}
	}

	dayStart := startOfUTCDay(s.now())
	if c.LastSpinDate != nil && !c.LastSpinDate.Before(dayStart) {
		return false, nil
	}
	if c.TotalOrders < wheel.Settings.MinimumOrdersRequired {
		return false, nil
	}

	return true, nil
}

// SpinResult описывает исход одного вращения колеса.
type SpinResult struct {
	Reward        model.RewardDefinition
	DiscountCode  string
	PointsAwarded int64
	// Won равен false для утешительного сегмента с нулевым номиналом.
	Won bool
}

// Spin разыгрывает награду колеса для покупателя: выполняет взвешенный
// случайный выбор по активным наградам и атомарно фиксирует результат вместе
// с отметкой о вращении. Из двух конкурентных попыток одного покупателя в один
// день ровно одна получает награду.
func (s *Service) Spin(ctx context.Context, shopDomain, externalID string) (*SpinResult, error) {
	wheel, err := s.GetCatalog(ctx, shopDomain)
	if err != nil {
		return nil, err
	}
	if !wheel.Settings.IsActive {
		return nil, repository.ErrSpinNotEligible
	}

	reward, err := s.drawReward(wheel)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	op := repository.SpinOperation{
		ShopDomain:    shopDomain,
		ExternalID:    externalID,
		DayStart:      startOfUTCDay(now),
		Now:           now,
		MinimumOrders: wheel.Settings.MinimumOrdersRequired,
		Reward:        reward,
		// Срок действия фиксируется для каждой записи истории, не только
		// для скидочных кодов.
		ExpiresAt: now.Add(spinCodeTTL),
	}

	result := &SpinResult{Reward: reward}

	switch {
	case reward.Type == model.RewardPoints && reward.Value > 0:
		op.PointsDelta = int64(reward.Value)
		op.Description = fmt.Sprintf("Won %d points on the spin wheel", op.PointsDelta)
		result.PointsAwarded = op.PointsDelta
		result.Won = true
	case reward.Type.IsDiscount():
		result.Won = true
	}

	if reward.Type.IsDiscount() {
		backoff := retry.WithMaxRetries(3, retry.NewConstant(10*time.Millisecond))
		err = retry.Do(ctx, backoff, func(ctx context.Context) error {
			op.DiscountCode = s.newDiscountCode()
			_, rec, err := s.repo.RecordSpin(ctx, op)
			if err != nil {
				if errors.Is(err, repository.ErrDuplicateCode) {
					return retry.RetryableError(err)
				}
				return err
			}
			result.DiscountCode = rec.DiscountCode
			return nil
		})
	} else {
		_, _, err = s.repo.RecordSpin(ctx, op)
	}
	if err != nil {
		return nil, err
	}

	return result, nil
}

// drawReward выбирает награду по кумулятивной таблице весов активных наград
// в стабильном порядке каталога.
func (s *Service) drawReward(wheel *model.Wheel) (model.RewardDefinition, error) {
	var active []model.RewardDefinition
	var totalWeight float64
	for _, r := range wheel.Rewards {
		if r.IsActive && r.Probability > 0 {
			active = append(active, r)
			totalWeight += r.Probability
		}
	}
	if totalWeight <= 0 {
		return model.RewardDefinition{}, ErrNoRewardsConfigured
	}

	draw := s.randFloat() * totalWeight

	var cumulative float64
	for _, r := range active {
		cumulative += r.Probability
		if draw < cumulative {
			return r, nil
		}
	}

	// Страховка от накопленной погрешности float: достаётся последний сегмент.
	return active[len(active)-1], nil
}

// ListSpins возвращает страницу истории вращений покупателя.
func (s *Service) ListSpins(ctx context.Context, shopDomain, externalID string, page, limit int) ([]model.SpinRecord, int64, error) {
	page, limit = NormalizePage(page, limit, 20)
	return s.repo.ListSpins(ctx, shopDomain, externalID, (page-1)*limit, limit)
}
