package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/invest-ledger/internal/model"
)

// CalculateBalance собирает снимок баланса из состояния счёта и траншей.
// Ожидает, что AccruedInterest траншей уже пересчитан через RecomputeAccrued
// и разморозка зафиксирована через CheckUnfreeze. Внутренние суммы считаются
// с полной точностью, округление до двух знаков — только на выходе.
func CalculateBalance(account *model.Account, tranches []model.Tranche, now time.Time) model.BalanceSnapshot {
	todayStart := StartOfDay(now)

	invested := decimal.Zero
	totalEarnings := decimal.Zero
	todayIncome := decimal.Zero
	unlockedAccrued := decimal.Zero
	lockedPrincipal := decimal.Zero

	for i := range tranches {
		tr := &tranches[i]

		invested = invested.Add(tr.Principal)
		totalEarnings = totalEarnings.Add(tr.AccruedInterest)

		accruedUntilToday, earnedToday := SplitTodayPortion(tr, todayStart, now)
		todayIncome = todayIncome.Add(earnedToday)

		if Locked(tr, now) {
			lockedPrincipal = lockedPrincipal.Add(tr.Principal)
			continue
		}
		unlockedAccrued = unlockedAccrued.Add(accruedUntilToday)
	}

	availableForWithdrawal := account.CashTotal.Add(unlockedAccrued).Sub(lockedPrincipal)

	availableForInvest := account.CashTotal.Sub(invested)
	if availableForInvest.IsNegative() {
		availableForInvest = decimal.Zero
	}

	return model.BalanceSnapshot{
		Balance:                account.CashTotal.Add(totalEarnings).Round(2),
		AvailableForWithdrawal: availableForWithdrawal.Round(2),
		AvailableForInvest:     availableForInvest.Round(2),
		InvestedAmount:         invested.Round(2),
		TodayIncome:            todayIncome.Round(2),
		UserDeposits:           account.CashTotal.Round(2),
		TotalEarnings:          totalEarnings.Round(2),
	}
}
