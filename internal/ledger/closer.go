package ledger

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/invest-ledger/internal/model"
)

// ClosureResult описывает результат закрытия траншей под вывод средств.
type ClosureResult struct {
	// ClosedIDs — транши, закрытые полностью; их строки подлежат удалению.
	ClosedIDs []string
	// Updated — транш, закрытый частично (не более одного): уменьшенный
	// principal и пропорционально уменьшенные проценты.
	Updated []model.Tranche
	// Remaining — часть суммы вывода, не покрытая закрытием траншей.
	// Покрывается свободным остатком счёта; превышение свободного
	// остатка — нарушение целостности данных.
	Remaining decimal.Decimal
}

// closePriority возвращает ранг транша при закрытии: сначала транши без
// заморозки, затем размороженные, и только затем ещё замороженные —
// до них при корректной валидации дело дойти не должно.
func closePriority(tr *model.Tranche, now time.Time) int {
	if tr.FreezeUntil == nil {
		return 0
	}
	if Locked(tr, now) {
		return 2
	}
	return 1
}

// CloseForWithdrawal закрывает транши в порядке приоритета, пока сумма
// вывода не исчерпана. Полное закрытие удаляет транш; частичное уменьшает
// principal и масштабирует AccruedInterest на долю выжившего principal.
func CloseForWithdrawal(tranches []model.Tranche, amount decimal.Decimal, now time.Time) ClosureResult {
	sorted := make([]model.Tranche, len(tranches))
	copy(sorted, tranches)
	sort.SliceStable(sorted, func(i, j int) bool {
		return closePriority(&sorted[i], now) < closePriority(&sorted[j], now)
	})

	res := ClosureResult{Remaining: amount}

	for i := range sorted {
		if !res.Remaining.IsPositive() {
			break
		}

		tr := sorted[i]
		if res.Remaining.GreaterThanOrEqual(tr.Principal) {
			res.Remaining = res.Remaining.Sub(tr.Principal)
			res.ClosedIDs = append(res.ClosedIDs, tr.ID)
			continue
		}

		newPrincipal := tr.Principal.Sub(res.Remaining)
		// Проценты масштабируются по доле выжившего principal,
		// а не пересчитываются от времени создания.
		tr.AccruedInterest = tr.AccruedInterest.Mul(newPrincipal.Div(tr.Principal))
		tr.Principal = newPrincipal
		res.Updated = append(res.Updated, tr)
		res.Remaining = decimal.Zero
		break
	}

	return res
}
