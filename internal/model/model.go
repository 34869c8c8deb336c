// Package model содержит доменные сущности инвестиционного леджера.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// User представляет зарегистрированного пользователя инвестиционного продукта.
type User struct {
	Username     string
	PasswordHash []byte
	CreatedAt    time.Time
}

// Account хранит денежную позицию пользователя: чистую сумму одобренных
// пополнений и выводов без учёта процентов.
type Account struct {
	Username      string
	CashTotal     decimal.Decimal
	LastSyncAt    time.Time
	LastAppliedAt time.Time
}

// RequestKind описывает тип заявки на движение средств.
type RequestKind string

const (
	RequestKindDeposit  RequestKind = "DEPOSIT"
	RequestKindWithdraw RequestKind = "WITHDRAW"
)

// RequestStatus описывает статус заявки. APPROVED, REJECTED и CANCELED —
// терминальные статусы, переход из них невозможен.
type RequestStatus string

const (
	RequestStatusPending  RequestStatus = "PENDING"
	RequestStatusApproved RequestStatus = "APPROVED"
	RequestStatusRejected RequestStatus = "REJECTED"
	RequestStatusCanceled RequestStatus = "CANCELED"
)

// Terminal сообщает, является ли статус терминальным.
func (s RequestStatus) Terminal() bool {
	return s == RequestStatusApproved || s == RequestStatusRejected || s == RequestStatusCanceled
}

// Request описывает заявку на пополнение или вывод средств.
// Amount хранится со знаком: пополнение положительное, вывод отрицательный.
// AppliedToBalance выставляется ровно один раз, когда сумма заявки
// учтена в CashTotal счёта.
type Request struct {
	ID               string
	Username         string
	Kind             RequestKind
	Amount           decimal.Decimal
	Status           RequestStatus
	Destination      string
	CreatedAt        time.Time
	DecidedAt        *time.Time
	AppliedToBalance bool
}

// Tranche описывает одну инвестиционную позицию: вложенную сумму,
// ставку и условия заморозки. Principal после создания может только
// уменьшаться; транш с нулевым principal удаляется, а не хранится.
type Tranche struct {
	ID              string
	Username        string
	Principal       decimal.Decimal
	RatePercent     decimal.Decimal
	CreatedAt       time.Time
	FreezeUntil     *time.Time
	AccruedInterest decimal.Decimal
	UnfrozenAt      *time.Time
}

// BalanceSnapshot содержит производное состояние счёта на момент
// синхронизации. Никогда не сохраняется и не кешируется между вызовами.
type BalanceSnapshot struct {
	Balance                decimal.Decimal `json:"balance"`
	AvailableForWithdrawal decimal.Decimal `json:"available_for_withdrawal"`
	AvailableForInvest     decimal.Decimal `json:"available_for_invest"`
	InvestedAmount         decimal.Decimal `json:"invested_amount"`
	TodayIncome            decimal.Decimal `json:"today_income"`
	UserDeposits           decimal.Decimal `json:"user_deposits"`
	TotalEarnings          decimal.Decimal `json:"total_earnings"`
}
