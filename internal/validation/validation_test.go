package validation

import "testing"

func TestIsValidShopDomain(t *testing.T) {
	tests := []struct {
		name   string
		domain string
		want   bool
	}{
		{"myshopify domain", "demo-store.myshopify.com", true},
		{"custom domain", "shop.example.io", true},
		{"empty", "", false},
		{"no dot", "localhost", false},
		{"leading dot", ".myshopify.com", false},
		{"trailing dot", "demo.myshopify.com.", false},
		{"uppercase", "Demo.myshopify.com", false},
		{"space", "demo store.myshopify.com", false},
		{"scheme", "https://demo.myshopify.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidShopDomain(tt.domain); got != tt.want {
				t.Errorf("IsValidShopDomain(%q) = %v, want %v", tt.domain, got, tt.want)
			}
		})
	}
}

func TestIsValidRewardType(t *testing.T) {
	valid := []string{"points", "discount_percentage", "discount_fixed", "free_shipping"}
	for _, v := range valid {
		if !IsValidRewardType(v) {
			t.Errorf("IsValidRewardType(%q) = false, want true", v)
		}
	}

	invalid := []string{"", "coupon", "POINTS", "discount"}
	for _, v := range invalid {
		if IsValidRewardType(v) {
			t.Errorf("IsValidRewardType(%q) = true, want false", v)
		}
	}
}

func TestIsValidProbability(t *testing.T) {
	tests := []struct {
		p    float64
		want bool
	}{
		{0, true},
		{2.5, true},
		{100, true},
		{-0.1, false},
		{100.1, false},
	}

	for _, tt := range tests {
		if got := IsValidProbability(tt.p); got != tt.want {
			t.Errorf("IsValidProbability(%v) = %v, want %v", tt.p, got, tt.want)
		}
	}
}

func TestIsValidRewardValue(t *testing.T) {
	if !IsValidRewardValue(0) || !IsValidRewardValue(15) {
		t.Errorf("non-negative values must be valid")
	}
	if IsValidRewardValue(-1) {
		t.Errorf("negative value must be invalid")
	}
}

func TestIsWholeNumber(t *testing.T) {
	tests := []struct {
		v    float64
		want bool
	}{
		{0, true},
		{50, true},
		{-25, true},
		{50.5, false},
		{0.01, false},
	}

	for _, tt := range tests {
		if got := IsWholeNumber(tt.v); got != tt.want {
			t.Errorf("IsWholeNumber(%v) = %v, want %v", tt.v, got, tt.want)
		}
	}
}
