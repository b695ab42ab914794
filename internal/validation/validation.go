// Package validation содержит функции валидации входных данных.
package validation

import (
	"math"
	"strings"
)

// IsValidShopDomain проверяет корректность доменного имени магазина.
func IsValidShopDomain(domain string) bool {
	if domain == "" || len(domain) > 255 {
		return false
	}
	if strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return false
	}
	if !strings.Contains(domain, ".") {
		return false
	}

	for _, ch := range domain {
		switch {
		case ch >= 'a' && ch <= 'z':
		case ch >= '0' && ch <= '9':
		case ch == '-' || ch == '.':
		default:
			return false
		}
	}

	return true
}

// IsValidRewardType проверяет, что вид награды входит в закрытый набор.
func IsValidRewardType(t string) bool {
	switch t {
	case "points", "discount_percentage", "discount_fixed", "free_shipping":
		return true
	}
	return false
}

// IsValidProbability проверяет, что вероятность награды лежит в границах [0, 100].
func IsValidProbability(p float64) bool {
	return p >= 0 && p <= 100
}

// IsValidRewardValue проверяет, что номинал награды неотрицателен.
func IsValidRewardValue(v float64) bool {
	return v >= 0
}

// IsWholeNumber проверяет, что значение не имеет дробной части.
// Балльные награды начисляются целыми баллами.
func IsWholeNumber(v float64) bool {
	return v == math.Trunc(v)
}
