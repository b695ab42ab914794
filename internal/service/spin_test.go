package service

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mmeshcher/loyalty-spin-system/internal/model"
	"github.com/mmeshcher/loyalty-spin-system/internal/repository"
)

func TestGetCatalog_CreatesDefaultWheel(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)

	wheel, err := svc.GetCatalog(context.Background(), testShop)
	if err != nil {
		t.Fatalf("get catalog: %v", err)
	}
	if len(wheel.Rewards) != 6 {
		t.Fatalf("rewards = %d, want 6 defaults", len(wheel.Rewards))
	}
	if !wheel.Settings.IsActive || wheel.Settings.SpinsPerDay != 1 {
		t.Fatalf("settings = %+v, want active with 1 spin per day", wheel.Settings)
	}
	if total := wheel.ActiveProbabilityTotal(); math.Abs(total-100) > 1e-9 {
		t.Fatalf("default probabilities sum to %g, want 100", total)
	}
}

func TestAddReward_Validation(t *testing.T) {
	svc := newTestService(newFakeRepo())
	ctx := context.Background()

	cases := []struct {
		name string
		in   RewardInput
	}{
		{"unknown type", RewardInput{Type: "cashback", Label: "Cash", Value: 5, Probability: 10}},
		{"empty label", RewardInput{Type: "points", Value: 50, Probability: 10}},
		{"negative value", RewardInput{Type: "points", Label: "Oops", Value: -1, Probability: 10}},
		{"probability out of range", RewardInput{Type: "points", Label: "Oops", Value: 50, Probability: 150}},
		{"fractional points value", RewardInput{Type: "points", Label: "Half", Value: 50.5, Probability: 10}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.AddReward(ctx, testShop, tc.in); !errors.Is(err, ErrInvalidReward) {
				t.Fatalf("err = %v, want ErrInvalidReward", err)
			}
		})
	}
}

func TestRewardCatalog_CRUD(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	if _, err := svc.GetCatalog(ctx, testShop); err != nil {
		t.Fatalf("get catalog: %v", err)
	}

	added, err := svc.AddReward(ctx, testShop, RewardInput{
		Type: "discount_fixed", Label: "$5 Off", Value: 5, Probability: 10, Color: "#111111",
	})
	if err != nil {
		t.Fatalf("add reward: %v", err)
	}
	if !strings.HasPrefix(added.ID, "discount_fixed_") {
		t.Fatalf("reward id = %q, want discount_fixed_ prefix", added.ID)
	}

	updated, err := svc.UpdateReward(ctx, testShop, added.ID, RewardInput{
		Type: "discount_fixed", Label: "$7 Off", Value: 7, Probability: 12,
	})
	if err != nil {
		t.Fatalf("update reward: %v", err)
	}
	if updated.Value != 7 {
		t.Fatalf("value = %g, want 7", updated.Value)
	}

	if err := svc.RemoveReward(ctx, testShop, added.ID); err != nil {
		t.Fatalf("remove reward: %v", err)
	}
	if err := svc.RemoveReward(ctx, testShop, added.ID); !errors.Is(err, repository.ErrRewardNotFound) {
		t.Fatalf("err = %v, want ErrRewardNotFound", err)
	}
}

func TestCheckSpinEligibility(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	// Неизвестный покупатель может вращать, пока не требуется минимум заказов.
	canSpin, err := svc.CheckSpinEligibility(ctx, testShop, testCustomer)
	if err != nil {
		t.Fatalf("check eligibility: %v", err)
	}
	if !canSpin {
		t.Fatalf("canSpin = false, want true for fresh customer")
	}

	if _, err := svc.Spin(ctx, testShop, testCustomer); err != nil {
		t.Fatalf("spin: %v", err)
	}

	canSpin, err = svc.CheckSpinEligibility(ctx, testShop, testCustomer)
	if err != nil {
		t.Fatalf("check eligibility: %v", err)
	}
	if canSpin {
		t.Fatalf("canSpin = true, want false after today's spin")
	}
}

func TestSpin_NextUTCDayResetsEligibility(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	day1 := time.Date(2024, 3, 10, 23, 50, 0, 0, time.UTC)
	svc.now = func() time.Time { return day1 }

	if _, err := svc.Spin(ctx, testShop, testCustomer); err != nil {
		t.Fatalf("first spin: %v", err)
	}
	if _, err := svc.Spin(ctx, testShop, testCustomer); !errors.Is(err, repository.ErrSpinNotEligible) {
		t.Fatalf("err = %v, want ErrSpinNotEligible same day", err)
	}

	// Десять минут спустя наступили новые сутки UTC.
	day2 := day1.Add(20 * time.Minute)
	svc.now = func() time.Time { return day2 }

	if _, err := svc.Spin(ctx, testShop, testCustomer); err != nil {
		t.Fatalf("next day spin: %v", err)
	}
}

func TestSpin_MinimumOrdersRequired(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	if _, err := svc.GetCatalog(ctx, testShop); err != nil {
		t.Fatalf("get catalog: %v", err)
	}
	repo.mu.Lock()
	repo.wheels[testShop].Settings.MinimumOrdersRequired = 2
	repo.mu.Unlock()

	if _, err := svc.Spin(ctx, testShop, testCustomer); !errors.Is(err, repository.ErrSpinNotEligible) {
		t.Fatalf("err = %v, want ErrSpinNotEligible below order minimum", err)
	}

	if err := svc.ProcessOrderCreate(ctx, testShop, orderEvent(1001, 1001)); err != nil {
		t.Fatalf("earn: %v", err)
	}
	if err := svc.ProcessOrderCreate(ctx, testShop, orderEvent(1002, 1002)); err != nil {
		t.Fatalf("earn: %v", err)
	}

	if _, err := svc.Spin(ctx, testShop, testCustomer); err != nil {
		t.Fatalf("spin after reaching minimum: %v", err)
	}
}

func TestSpin_InactiveWheel(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	if _, err := svc.GetCatalog(ctx, testShop); err != nil {
		t.Fatalf("get catalog: %v", err)
	}
	repo.mu.Lock()
	repo.wheels[testShop].Settings.IsActive = false
	repo.mu.Unlock()

	if _, err := svc.Spin(ctx, testShop, testCustomer); !errors.Is(err, repository.ErrSpinNotEligible) {
		t.Fatalf("err = %v, want ErrSpinNotEligible for inactive wheel", err)
	}

	canSpin, err := svc.CheckSpinEligibility(ctx, testShop, testCustomer)
	if err != nil {
		t.Fatalf("check eligibility: %v", err)
	}
	if canSpin {
		t.Fatalf("canSpin = true, want false for inactive wheel")
	}
}

func TestSpin_NoActiveRewards(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	if _, err := svc.GetCatalog(ctx, testShop); err != nil {
		t.Fatalf("get catalog: %v", err)
	}
	repo.mu.Lock()
	for i := range repo.wheels[testShop].Rewards {
		repo.wheels[testShop].Rewards[i].IsActive = false
	}
	repo.mu.Unlock()

	if _, err := svc.Spin(ctx, testShop, testCustomer); !errors.Is(err, ErrNoRewardsConfigured) {
		t.Fatalf("err = %v, want ErrNoRewardsConfigured", err)
	}
}

func TestSpin_PointsRewardCreditsBalance(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	// randFloat = 0 выбирает первый активный сегмент: 50 баллов.
	svc.randFloat = func() float64 { return 0 }

	result, err := svc.Spin(ctx, testShop, testCustomer)
	if err != nil {
		t.Fatalf("spin: %v", err)
	}
	if !result.Won || result.PointsAwarded != 50 {
		t.Fatalf("result = %+v, want 50 points won", result)
	}
	if result.DiscountCode != "" {
		t.Fatalf("discount code = %q, want empty for points reward", result.DiscountCode)
	}

	snapshot, _ := svc.GetBalance(ctx, testShop, testCustomer)
	if snapshot.PointsBalance != 50 {
		t.Fatalf("balance = %d, want 50", snapshot.PointsBalance)
	}

	transactions, _, err := svc.ListTransactions(ctx, testShop, TransactionQuery{ExternalID: testCustomer, Type: "spin_reward"})
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(transactions) != 1 {
		t.Fatalf("spin_reward transactions = %d, want 1", len(transactions))
	}
	if transactions[0].Metadata[model.MetaRewardID] != "points_50" {
		t.Fatalf("reward metadata = %v, want points_50", transactions[0].Metadata)
	}

	// Запись истории получает срок действия и для балльной награды.
	spins, _, err := svc.ListSpins(ctx, testShop, testCustomer, 1, 20)
	if err != nil {
		t.Fatalf("list spins: %v", err)
	}
	if got := spins[0].ExpiresAt.Sub(spins[0].CreatedAt); got != 30*24*time.Hour {
		t.Fatalf("expiry offset = %v, want %v", got, 30*24*time.Hour)
	}
}

func TestSpin_DiscountRewardMintsCode(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	// Попадание в сегмент 10% Off: 30 + 20 < 55 < 30 + 20 + 25.
	svc.randFloat = func() float64 { return 0.55 }

	result, err := svc.Spin(ctx, testShop, testCustomer)
	if err != nil {
		t.Fatalf("spin: %v", err)
	}
	if !result.Won {
		t.Fatalf("won = false, want true")
	}
	if result.Reward.ID != "discount_10" {
		t.Fatalf("reward = %s, want discount_10", result.Reward.ID)
	}
	if !strings.HasPrefix(result.DiscountCode, "LOYALTY") {
		t.Fatalf("discount code = %q, want LOYALTY prefix", result.DiscountCode)
	}
	if result.PointsAwarded != 0 {
		t.Fatalf("points = %d, want 0 for discount reward", result.PointsAwarded)
	}

	// Баланс не меняется, но запись истории сохраняется.
	snapshot, _ := svc.GetBalance(ctx, testShop, testCustomer)
	if snapshot.PointsBalance != 0 {
		t.Fatalf("balance = %d, want 0", snapshot.PointsBalance)
	}

	spins, total, err := svc.ListSpins(ctx, testShop, testCustomer, 1, 20)
	if err != nil {
		t.Fatalf("list spins: %v", err)
	}
	if total != 1 || spins[0].DiscountCode != result.DiscountCode {
		t.Fatalf("spins = %+v, want one record with code %s", spins, result.DiscountCode)
	}
	if spins[0].ExpiresAt.IsZero() {
		t.Fatalf("expiresAt is zero, want TTL applied")
	}
}

func TestSpin_BoobyPrizeLosesGracefully(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	// Последние 2% диапазона — утешительный сегмент с нулевым номиналом.
	svc.randFloat = func() float64 { return 0.99 }

	result, err := svc.Spin(ctx, testShop, testCustomer)
	if err != nil {
		t.Fatalf("spin: %v", err)
	}
	if result.Won {
		t.Fatalf("won = true, want false for zero-value segment")
	}
	if result.PointsAwarded != 0 || result.DiscountCode != "" {
		t.Fatalf("result = %+v, want no prize", result)
	}

	// Попытка тем не менее израсходована.
	if _, err := svc.Spin(ctx, testShop, testCustomer); !errors.Is(err, repository.ErrSpinNotEligible) {
		t.Fatalf("err = %v, want ErrSpinNotEligible", err)
	}
}

func TestSpin_RetriesOnDuplicateCode(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	svc.randFloat = func() float64 { return 0.55 }
	repo.duplicateCodeFailures = 1

	result, err := svc.Spin(ctx, testShop, testCustomer)
	if err != nil {
		t.Fatalf("spin: %v", err)
	}
	if result.DiscountCode == "" {
		t.Fatalf("empty discount code after retry")
	}

	// Ровно одна запись истории несмотря на повтор.
	_, total, err := svc.ListSpins(ctx, testShop, testCustomer, 1, 20)
	if err != nil {
		t.Fatalf("list spins: %v", err)
	}
	if total != 1 {
		t.Fatalf("spins = %d, want 1", total)
	}
}

func TestSpin_ConcurrentAttemptsOneWins(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	const attempts = 16

	var wg sync.WaitGroup
	errs := make([]error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Spin(ctx, testShop, testCustomer)
		}(i)
	}
	wg.Wait()

	var wins, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, repository.ErrSpinNotEligible):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if wins != 1 {
		t.Fatalf("wins = %d, want exactly 1", wins)
	}
	if rejected != attempts-1 {
		t.Fatalf("rejected = %d, want %d", rejected, attempts-1)
	}

	_, total, err := svc.ListSpins(ctx, testShop, testCustomer, 1, 20)
	if err != nil {
		t.Fatalf("list spins: %v", err)
	}
	if total != 1 {
		t.Fatalf("spin records = %d, want 1", total)
	}
}

func TestDrawReward_WeightedFrequencies(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)

	wheel, err := svc.GetCatalog(context.Background(), testShop)
	if err != nil {
		t.Fatalf("get catalog: %v", err)
	}

	rng := rand.New(rand.NewSource(42))
	svc.randFloat = rng.Float64

	const draws = 100000
	counts := map[string]int{}
	for i := 0; i < draws; i++ {
		reward, err := svc.drawReward(wheel)
		if err != nil {
			t.Fatalf("draw #%d: %v", i, err)
		}
		counts[reward.ID]++
	}

	want := map[string]float64{
		"points_50":     0.30,
		"points_100":    0.20,
		"discount_10":   0.25,
		"discount_15":   0.15,
		"free_shipping": 0.08,
		"better_luck":   0.02,
	}

	for id, p := range want {
		got := float64(counts[id]) / draws
		if math.Abs(got-p) > 0.01 {
			t.Fatalf("reward %s: frequency %.4f, want %.2f ± 0.01", id, got, p)
		}
	}
}

func TestDrawReward_SkipsInactiveAndZeroWeight(t *testing.T) {
	svc := newTestService(newFakeRepo())

	wheel := &model.Wheel{
		Rewards: []model.RewardDefinition{
			{ID: "off", Probability: 50, IsActive: false},
			{ID: "zero", Probability: 0, IsActive: true},
			{ID: "only", Probability: 10, IsActive: true},
		},
	}

	for _, v := range []float64{0, 0.5, 0.999} {
		svc.randFloat = func() float64 { return v }
		reward, err := svc.drawReward(wheel)
		if err != nil {
			t.Fatalf("draw: %v", err)
		}
		if reward.ID != "only" {
			t.Fatalf("reward = %s, want only", reward.ID)
		}
	}
}
