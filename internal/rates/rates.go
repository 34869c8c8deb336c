// Package rates содержит тарифную сетку инвестиционного продукта.
package rates

import "github.com/shopspring/decimal"

// Tier описывает один тариф: процентную ставку и длительность заморозки.
type Tier struct {
	RatePercent decimal.Decimal
	FreezeDays  int
}

// Schedule — неизменяемая тарифная сетка. Создаётся один раз при старте
// сервиса и передаётся по значению, глобального состояния нет.
type Schedule struct {
	tiers []Tier
}

// NewSchedule создаёт тарифную сетку из списка тарифов.
func NewSchedule(tiers ...Tier) Schedule {
	copied := make([]Tier, len(tiers))
	copy(copied, tiers)
	return Schedule{tiers: copied}
}

// DefaultSchedule возвращает тарифную сетку продукта.
func DefaultSchedule() Schedule {
	return NewSchedule(
		Tier{RatePercent: decimal.NewFromInt(16), FreezeDays: 0},
		Tier{RatePercent: decimal.NewFromInt(17), FreezeDays: 30},
		Tier{RatePercent: decimal.NewFromInt(18), FreezeDays: 90},
	)
}

// Tiers возвращает копию списка тарифов.
func (s Schedule) Tiers() []Tier {
	copied := make([]Tier, len(s.tiers))
	copy(copied, s.tiers)
	return copied
}

// ConfigFor возвращает тариф для указанной ставки. Неизвестная ставка
// намеренно не считается ошибкой: возвращается тариф без заморозки
// с той же ставкой.
func (s Schedule) ConfigFor(ratePercent decimal.Decimal) Tier {
	for _, t := range s.tiers {
		if t.RatePercent.Equal(ratePercent) {
			return t
		}
	}
	return Tier{RatePercent: ratePercent, FreezeDays: 0}
}

// Known сообщает, есть ли тариф с указанной ставкой в сетке.
func (s Schedule) Known(ratePercent decimal.Decimal) bool {
	for _, t := range s.tiers {
		if t.RatePercent.Equal(ratePercent) {
			return true
		}
	}
	return false
}
