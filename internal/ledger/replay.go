package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/invest-ledger/internal/model"
)

// ReplayResult описывает результат сверки одобренных заявок со счётом.
type ReplayResult struct {
	AppliedIDs   []string
	AppliedCount int
	SumApplied   decimal.Decimal
	CashTotal    decimal.Decimal
}

// Replay складывает в CashTotal суммы одобренных, но ещё не учтённых заявок.
// Идемпотентность обеспечивает флаг AppliedToBalance каждой заявки, а не
// сравнение временных меток: метки могут совпадать и приходить не по порядку.
// Возвращает новое состояние счёта и список заявок, подлежащих пометке.
func Replay(account model.Account, requests []model.Request) (model.Account, ReplayResult) {
	res := ReplayResult{SumApplied: decimal.Zero}

	maxDecided := account.LastAppliedAt

	for i := range requests {
		req := &requests[i]

		if req.AppliedToBalance || req.Status != model.RequestStatusApproved {
			continue
		}
		if req.Kind != model.RequestKindDeposit && req.Kind != model.RequestKindWithdraw {
			continue
		}
		if req.DecidedAt == nil {
			continue
		}

		res.AppliedIDs = append(res.AppliedIDs, req.ID)
		res.AppliedCount++
		res.SumApplied = res.SumApplied.Add(req.Amount)

		if req.DecidedAt.After(maxDecided) {
			maxDecided = *req.DecidedAt
		}
	}

	account.CashTotal = account.CashTotal.Add(res.SumApplied)
	account.LastAppliedAt = maxDecided
	res.CashTotal = account.CashTotal

	return account, res
}
