package ledger

import (
	"time"

	"github.com/mmeshcher/invest-ledger/internal/model"
)

// Locked сообщает, заблокирован ли principal транша для вывода:
// у транша есть период заморозки, разморозка ещё не зафиксирована
// и срок заморозки не истёк.
func Locked(tr *model.Tranche, now time.Time) bool {
	return tr.FreezeUntil != nil && tr.UnfrozenAt == nil && now.Before(*tr.FreezeUntil)
}

// CheckUnfreeze фиксирует разморозку транша, если срок заморозки истёк.
// UnfrozenAt выставляется ровно один раз: повторные вызовы после фиксации
// ничего не меняют. Возвращает true, если состояние транша изменилось.
func CheckUnfreeze(tr *model.Tranche, now time.Time) bool {
	if tr.FreezeUntil == nil || tr.UnfrozenAt != nil {
		return false
	}
	if now.Before(*tr.FreezeUntil) {
		return false
	}
	unfrozen := now
	tr.UnfrozenAt = &unfrozen
	return true
}
