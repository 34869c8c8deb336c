// Package ledger реализует расчётное ядро инвестиционного леджера:
// начисление процентов, заморозку траншей, закрытие позиций при выводе,
// сверку одобренных заявок и расчёт баланса.
package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/invest-ledger/internal/model"
)

var (
	hundred     = decimal.NewFromInt(100)
	daysPerYear = decimal.NewFromFloat(365.25)
)

// daysBetween возвращает число суток между двумя моментами, дробное.
func daysBetween(from, to time.Time) decimal.Decimal {
	if !to.After(from) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(to.Sub(from).Seconds() / 86400.0)
}

// dailyRate возвращает дневную ставку для годовой процентной ставки.
func dailyRate(ratePercent decimal.Decimal) decimal.Decimal {
	return ratePercent.Div(hundred).Div(daysPerYear)
}

// RecomputeAccrued пересчитывает накопленные проценты транша от момента
// создания до now и перезаписывает AccruedInterest. Проценты простые,
// без капитализации: повторный вызов с тем же now даёт тот же результат.
func RecomputeAccrued(tr *model.Tranche, now time.Time) decimal.Decimal {
	accrued := tr.Principal.
		Mul(dailyRate(tr.RatePercent)).
		Mul(daysBetween(tr.CreatedAt, now))
	tr.AccruedInterest = accrued
	return accrued
}

// SplitTodayPortion делит накопленные проценты транша на часть, заработанную
// до начала текущих суток, и часть, заработанную сегодня. Сегодняшняя часть
// не участвует в доступных к выводу средствах до следующей границы суток.
func SplitTodayPortion(tr *model.Tranche, todayStart, now time.Time) (accruedUntilToday, earnedToday decimal.Decimal) {
	rate := dailyRate(tr.RatePercent)

	accruedUntilToday = tr.Principal.Mul(rate).Mul(daysBetween(tr.CreatedAt, todayStart))

	earnedFrom := tr.CreatedAt
	if todayStart.After(earnedFrom) {
		earnedFrom = todayStart
	}
	earnedToday = tr.Principal.Mul(rate).Mul(daysBetween(earnedFrom, now))

	return accruedUntilToday, earnedToday
}

// StartOfDay возвращает начало суток для указанного момента.
func StartOfDay(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
}
