// Package service реализует бизнес-логику инвестиционного леджера.
package service

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/invest-ledger/internal/ledger"
	"github.com/mmeshcher/invest-ledger/internal/model"
	"github.com/mmeshcher/invest-ledger/internal/rates"
	"github.com/mmeshcher/invest-ledger/internal/repository"
)

// ErrDepositTooSmall возвращается для пополнения меньше минимальной суммы.
var (
	ErrDepositTooSmall = errors.New("deposit below minimum amount")
	// ErrDepositTooLarge возвращается для пополнения больше максимальной суммы.
	ErrDepositTooLarge = errors.New("deposit above maximum amount")
	// ErrNonPositiveAmount возвращается для нулевой или отрицательной суммы.
	ErrNonPositiveAmount = errors.New("amount must be positive")
	// ErrInsufficientFunds возвращается, когда сумма превышает доступные средства.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrLockTimeout возвращается, если блокировку счёта не удалось получить вовремя.
	ErrLockTimeout = errors.New("account lock timeout")
	// ErrConsistency сигнализирует о нарушении целостности: одобренный вывод
	// превышает закрываемый principal и свободный остаток счёта.
	ErrConsistency = errors.New("withdrawal exceeds closable principal")
	// ErrAlreadyDecided возвращается при попытке отменить заявку в терминальном статусе.
	ErrAlreadyDecided = errors.New("request already decided")
	// ErrInvalidDecision возвращается для неизвестного решения по заявке.
	ErrInvalidDecision = errors.New("invalid decision")
	// ErrInvalidCredentials возвращается при неверном пароле.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

var (
	minDepositAmount = decimal.NewFromInt(100)
	maxDepositAmount = decimal.NewFromInt(10_000_000)
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, username string, passwordHash []byte) error
	GetUser(ctx context.Context, username string) (*model.User, error)
	GetAccount(ctx context.Context, username string) (*model.Account, error)
	UpdateAccountCash(ctx context.Context, username string, cashTotal decimal.Decimal, lastAppliedAt, lastSyncAt time.Time) error
	CreateRequest(ctx context.Context, req *model.Request) error
	GetRequest(ctx context.Context, id string) (*model.Request, error)
	DecideRequest(ctx context.Context, id string, status model.RequestStatus, decidedAt time.Time) (bool, error)
	MarkRequestsApplied(ctx context.Context, ids []string) error
	GetRequestsByUser(ctx context.Context, username string) ([]model.Request, error)
	GetUnappliedApproved(ctx context.Context, username string, since time.Time) ([]model.Request, error)
	CreateTranche(ctx context.Context, tr *model.Tranche) error
	GetTranchesByUser(ctx context.Context, username string) ([]model.Tranche, error)
	UpdateTrancheAccrual(ctx context.Context, id string, accrued decimal.Decimal, unfrozenAt *time.Time) error
	UpdateTranchePrincipal(ctx context.Context, id string, principal, accrued decimal.Decimal) error
	DeleteTranche(ctx context.Context, id string) error
}

// Notifier описывает контракт канала ручного одобрения заявок.
type Notifier interface {
	Notify(ctx context.Context, req *model.Request) (string, error)
}

// Locker описывает контракт блокировки счёта с таймаутом ожидания.
type Locker interface {
	TryAcquire(ctx context.Context, scope string, timeout time.Duration) bool
	Release(scope string)
}

// PortfolioItem описывает транш в портфеле пользователя вместе с признаком
// блокировки principal для вывода.
type PortfolioItem struct {
	Tranche model.Tranche
	Locked  bool
}

// Service содержит бизнес-логику инвестиционного леджера.
type Service struct {
	repo        Repository
	notifier    Notifier
	locker      Locker
	schedule    rates.Schedule
	logger      *zap.Logger
	lockTimeout time.Duration

	now func() time.Time
}

// NewService создаёт новый сервис с указанными зависимостями.
// notifier может быть nil, если канал одобрения не настроен.
func NewService(repo Repository, notifier Notifier, lkr Locker, schedule rates.Schedule, logger *zap.Logger, lockTimeout time.Duration) *Service {
	return &Service{
		repo:        repo,
		notifier:    notifier,
		locker:      lkr,
		schedule:    schedule,
		logger:      logger,
		lockTimeout: lockTimeout,
		now:         time.Now,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя и создаёт ему счёт.
func (s *Service) RegisterUser(ctx context.Context, username, password string) error {
	hashed := hashPassword(username, password)
	return s.repo.CreateUser(ctx, username, hashed)
}

// AuthenticateUser проверяет имя пользователя и пароль.
func (s *Service) AuthenticateUser(ctx context.Context, username, password string) error {
	u, err := s.repo.GetUser(ctx, username)
	if err != nil {
		return err
	}

	hashed := hashPassword(username, password)
	if subtle.ConstantTimeCompare(hashed, u.PasswordHash) != 1 {
		return ErrInvalidCredentials
	}

	return nil
}

func hashPassword(username, password string) []byte {
	sum := sha256.Sum256([]byte(username + ":" + password))
	return sum[:]
}

// RequestDeposit создаёт заявку на пополнение и уведомляет канал одобрения.
// Возвращает идентификатор заявки. Сумма ограничена снизу и сверху.
func (s *Service) RequestDeposit(ctx context.Context, username string, amount decimal.Decimal) (string, error) {
	if amount.LessThan(minDepositAmount) {
		return "", ErrDepositTooSmall
	}
	if amount.GreaterThan(maxDepositAmount) {
		return "", ErrDepositTooLarge
	}

	if _, err := s.repo.GetAccount(ctx, username); err != nil {
		return "", err
	}

	req := &model.Request{
		ID:        uuid.NewString(),
		Username:  username,
		Kind:      model.RequestKindDeposit,
		Amount:    amount,
		Status:    model.RequestStatusPending,
		CreatedAt: s.now(),
	}

	if err := s.repo.CreateRequest(ctx, req); err != nil {
		return "", err
	}

	s.notify(ctx, req)

	return req.ID, nil
}

// RequestWithdraw создаёт заявку на вывод средств. Сумма проверяется против
// свежего снимка баланса: вывести можно только незаблокированную часть.
func (s *Service) RequestWithdraw(ctx context.Context, username string, amount decimal.Decimal, destination string) (string, error) {
	if !amount.IsPositive() {
		return "", ErrNonPositiveAmount
	}

	snap, err := s.Sync(ctx, username)
	if err != nil {
		return "", err
	}
	if amount.GreaterThan(snap.AvailableForWithdrawal) {
		return "", ErrInsufficientFunds
	}

	req := &model.Request{
		ID:          uuid.NewString(),
		Username:    username,
		Kind:        model.RequestKindWithdraw,
		Amount:      amount.Neg(),
		Status:      model.RequestStatusPending,
		Destination: destination,
		CreatedAt:   s.now(),
	}

	if err := s.repo.CreateRequest(ctx, req); err != nil {
		return "", err
	}

	s.notify(ctx, req)

	return req.ID, nil
}

func (s *Service) notify(ctx context.Context, req *model.Request) {
	if s.notifier == nil {
		return
	}
	msgID, err := s.notifier.Notify(ctx, req)
	if err != nil {
		// Заявка уже сохранена; оператор увидит её при следующем обходе.
		s.logger.Warn("approval channel notify failed",
			zap.String("request_id", req.ID),
			zap.Error(err),
		)
		return
	}
	s.logger.Info("approval requested",
		zap.String("request_id", req.ID),
		zap.String("message_id", msgID),
	)
}

// CancelPendingDeposit отменяет ещё не рассмотренную заявку на пополнение.
func (s *Service) CancelPendingDeposit(ctx context.Context, username, requestID string) error {
	req, err := s.repo.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Username != username || req.Kind != model.RequestKindDeposit {
		return repository.ErrRequestNotFound
	}
	if req.Status.Terminal() {
		return ErrAlreadyDecided
	}

	decided, err := s.repo.DecideRequest(ctx, requestID, model.RequestStatusCanceled, s.now())
	if err != nil {
		return err
	}
	if !decided {
		return ErrAlreadyDecided
	}
	return nil
}

// OnApprovalDecision применяет решение оператора по заявке. Переход
// терминальный и одноразовый; повторная доставка того же решения после
// сбоя безопасна. Применение решения при занятом счёте повторяется
// с backoff: пропустить одобренную заявку нельзя.
func (s *Service) OnApprovalDecision(ctx context.Context, requestID string, decision model.RequestStatus) error {
	if decision != model.RequestStatusApproved && decision != model.RequestStatusRejected && decision != model.RequestStatusCanceled {
		return ErrInvalidDecision
	}

	req, err := s.repo.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status.Terminal() {
		return nil
	}

	backoff := retry.WithMaxRetries(5, retry.NewExponential(100*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := s.applyDecision(ctx, req, decision)
		if errors.Is(err, ErrLockTimeout) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (s *Service) applyDecision(ctx context.Context, req *model.Request, decision model.RequestStatus) error {
	if !s.locker.TryAcquire(ctx, req.Username, s.lockTimeout) {
		return ErrLockTimeout
	}
	defer s.locker.Release(req.Username)

	now := s.now()

	decided, err := s.repo.DecideRequest(ctx, req.ID, decision, now)
	if err != nil {
		return err
	}
	if !decided {
		// Заявку уже перевели в терминальный статус.
		return nil
	}

	if decision != model.RequestStatusApproved {
		return nil
	}

	account, err := s.repo.GetAccount(ctx, req.Username)
	if err != nil {
		return err
	}
	// Закрытие траншей под вывод выполняется внутри сверки, строго до
	// пометки заявки учтённой.
	_, err = s.reconcile(ctx, account, now)
	return err
}

func (s *Service) closeTranches(ctx context.Context, req *model.Request, now time.Time) error {
	account, err := s.repo.GetAccount(ctx, req.Username)
	if err != nil {
		return err
	}
	tranches, err := s.repo.GetTranchesByUser(ctx, req.Username)
	if err != nil {
		return err
	}

	amount := req.Amount.Neg()
	res := ledger.CloseForWithdrawal(tranches, amount, now)

	// Непокрытый закрытием остаток оплачивается деньгами счёта и уже
	// доступными процентами. Граница повторяет формулу валидации вывода:
	// деньги плюс проценты незаблокированных траншей до начала суток
	// минус заблокированный principal, уцелевший после закрытия.
	if res.Remaining.IsPositive() {
		coverage := account.CashTotal.
			Add(unlockedAccruedUntilToday(tranches, now)).
			Sub(survivingLockedPrincipal(tranches, &res, now))
		if res.Remaining.GreaterThan(coverage) {
			s.logger.Error("withdrawal closure consistency fault",
				zap.String("username", req.Username),
				zap.String("request_id", req.ID),
				zap.String("withdraw_amount", amount.String()),
				zap.String("remaining", res.Remaining.String()),
				zap.String("coverage", coverage.String()),
			)
			return ErrConsistency
		}
	}

	// Частичное уменьшение пишется раньше удалений.
	for _, tr := range res.Updated {
		if err := s.repo.UpdateTranchePrincipal(ctx, tr.ID, tr.Principal, tr.AccruedInterest); err != nil {
			if errors.Is(err, repository.ErrTrancheNotFound) {
				continue
			}
			return err
		}
	}
	for _, id := range res.ClosedIDs {
		if err := s.repo.DeleteTranche(ctx, id); err != nil {
			return err
		}
	}

	return nil
}

// unlockedAccruedUntilToday суммирует проценты незаблокированных траншей,
// заработанные до начала текущих суток. Считается по времени, а не по
// сохранённому AccruedInterest: сверка может идти до пересчёта процентов.
func unlockedAccruedUntilToday(tranches []model.Tranche, now time.Time) decimal.Decimal {
	todayStart := ledger.StartOfDay(now)

	total := decimal.Zero
	for i := range tranches {
		tr := &tranches[i]
		if ledger.Locked(tr, now) {
			continue
		}
		untilToday, _ := ledger.SplitTodayPortion(tr, todayStart, now)
		total = total.Add(untilToday)
	}
	return total
}

// survivingLockedPrincipal суммирует заблокированный principal, оставшийся
// после закрытия: полностью закрытые транши не учитываются, частично
// закрытые учитываются по уменьшенному principal.
func survivingLockedPrincipal(tranches []model.Tranche, res *ledger.ClosureResult, now time.Time) decimal.Decimal {
	closed := make(map[string]struct{}, len(res.ClosedIDs))
	for _, id := range res.ClosedIDs {
		closed[id] = struct{}{}
	}
	reduced := make(map[string]decimal.Decimal, len(res.Updated))
	for _, tr := range res.Updated {
		reduced[tr.ID] = tr.Principal
	}

	total := decimal.Zero
	for i := range tranches {
		tr := &tranches[i]
		if _, ok := closed[tr.ID]; ok {
			continue
		}
		if !ledger.Locked(tr, now) {
			continue
		}
		principal := tr.Principal
		if p, ok := reduced[tr.ID]; ok {
			principal = p
		}
		total = total.Add(principal)
	}
	return total
}

// PlaceInvestment создаёт инвестиционную позицию. Позиция одобряется сразу,
// без участия канала одобрения. Неизвестная ставка приводит к тарифу без
// заморозки с той же ставкой.
func (s *Service) PlaceInvestment(ctx context.Context, username string, amount, ratePercent decimal.Decimal) (*model.Tranche, error) {
	if !amount.IsPositive() {
		return nil, ErrNonPositiveAmount
	}

	if !s.locker.TryAcquire(ctx, username, s.lockTimeout) {
		return nil, ErrLockTimeout
	}
	defer s.locker.Release(username)

	now := s.now()

	snap, err := s.syncLocked(ctx, username, now)
	if err != nil {
		return nil, err
	}
	if amount.GreaterThan(snap.AvailableForInvest) {
		return nil, ErrInsufficientFunds
	}

	tier := s.schedule.ConfigFor(ratePercent)

	tr := &model.Tranche{
		ID:              uuid.NewString(),
		Username:        username,
		Principal:       amount,
		RatePercent:     tier.RatePercent,
		CreatedAt:       now,
		AccruedInterest: decimal.Zero,
	}
	if tier.FreezeDays > 0 {
		freezeUntil := now.AddDate(0, 0, tier.FreezeDays)
		tr.FreezeUntil = &freezeUntil
	}

	if err := s.repo.CreateTranche(ctx, tr); err != nil {
		return nil, err
	}

	return tr, nil
}

// Sync выполняет полную синхронизацию счёта под блокировкой: сверку
// одобренных заявок, пересчёт процентов, фиксацию разморозок и расчёт
// баланса. Если блокировку получить не удалось, возвращается снимок,
// рассчитанный из текущего состояния хранилища без изменений — он может
// оказаться несвежим.
func (s *Service) Sync(ctx context.Context, username string) (*model.BalanceSnapshot, error) {
	now := s.now()

	if !s.locker.TryAcquire(ctx, username, s.lockTimeout) {
		s.logger.Warn("account lock timeout, serving read-only snapshot",
			zap.String("username", username),
		)
		return s.readOnlySnapshot(ctx, username, now)
	}
	defer s.locker.Release(username)

	return s.syncLocked(ctx, username, now)
}

func (s *Service) syncLocked(ctx context.Context, username string, now time.Time) (*model.BalanceSnapshot, error) {
	account, err := s.repo.GetAccount(ctx, username)
	if err != nil {
		return nil, err
	}

	account, err = s.reconcile(ctx, account, now)
	if err != nil && !errors.Is(err, ErrConsistency) {
		return nil, err
	}

	tranches, err := s.repo.GetTranchesByUser(ctx, username)
	if err != nil {
		return nil, err
	}

	for i := range tranches {
		tr := &tranches[i]
		ledger.RecomputeAccrued(tr, now)
		ledger.CheckUnfreeze(tr, now)
		if err := s.repo.UpdateTrancheAccrual(ctx, tr.ID, tr.AccruedInterest, tr.UnfrozenAt); err != nil {
			return nil, err
		}
	}

	snap := ledger.CalculateBalance(account, tranches, now)
	return &snap, nil
}

// reconcile складывает одобренные, но не учтённые заявки в счёт. Для
// каждой заявки на вывод сначала закрываются транши; сбой целостности
// исключает заявку из партии, она остаётся не учтённой и будет повторена.
// Итоговая сумма пишется раньше флагов заявок: при сбое между записями
// заявка остаётся не помеченной и будет применена повторно, а не потеряна.
func (s *Service) reconcile(ctx context.Context, account *model.Account, now time.Time) (*model.Account, error) {
	pending, err := s.repo.GetUnappliedApproved(ctx, account.Username, account.LastAppliedAt)
	if err != nil {
		return nil, err
	}

	var faultErr error
	batch := make([]model.Request, 0, len(pending))
	for i := range pending {
		req := pending[i]
		if req.Kind == model.RequestKindWithdraw {
			if err := s.closeTranches(ctx, &req, now); err != nil {
				if errors.Is(err, ErrConsistency) {
					faultErr = err
					continue
				}
				return nil, err
			}
		}
		batch = append(batch, req)
	}

	updated, res := ledger.Replay(*account, batch)

	if err := s.repo.UpdateAccountCash(ctx, account.Username, updated.CashTotal, updated.LastAppliedAt, now); err != nil {
		return nil, err
	}
	if err := s.repo.MarkRequestsApplied(ctx, res.AppliedIDs); err != nil {
		return nil, err
	}

	updated.LastSyncAt = now
	return &updated, faultErr
}

// readOnlySnapshot рассчитывает снимок без блокировки и без записи:
// сверка и пересчёт процентов выполняются только в памяти.
func (s *Service) readOnlySnapshot(ctx context.Context, username string, now time.Time) (*model.BalanceSnapshot, error) {
	account, err := s.repo.GetAccount(ctx, username)
	if err != nil {
		return nil, err
	}

	pending, err := s.repo.GetUnappliedApproved(ctx, username, account.LastAppliedAt)
	if err != nil {
		return nil, err
	}
	updated, _ := ledger.Replay(*account, pending)

	tranches, err := s.repo.GetTranchesByUser(ctx, username)
	if err != nil {
		return nil, err
	}
	for i := range tranches {
		ledger.RecomputeAccrued(&tranches[i], now)
		ledger.CheckUnfreeze(&tranches[i], now)
	}

	snap := ledger.CalculateBalance(&updated, tranches, now)
	return &snap, nil
}

// GetHistory возвращает заявки пользователя, новые первыми.
func (s *Service) GetHistory(ctx context.Context, username string) ([]model.Request, error) {
	return s.repo.GetRequestsByUser(ctx, username)
}

// GetPortfolio возвращает транши пользователя со свежими процентами
// и признаком блокировки. Проценты считаются в памяти, без записи.
func (s *Service) GetPortfolio(ctx context.Context, username string) ([]PortfolioItem, error) {
	now := s.now()

	tranches, err := s.repo.GetTranchesByUser(ctx, username)
	if err != nil {
		return nil, err
	}

	items := make([]PortfolioItem, 0, len(tranches))
	for i := range tranches {
		tr := tranches[i]
		ledger.RecomputeAccrued(&tr, now)
		items = append(items, PortfolioItem{
			Tranche: tr,
			Locked:  ledger.Locked(&tr, now),
		})
	}

	return items, nil
}

// PreviewTodayAccrual возвращает проценты, заработанные с начала текущих
// суток. Оценка не требует блокировки и ничего не сохраняет.
func (s *Service) PreviewTodayAccrual(ctx context.Context, username string) (decimal.Decimal, error) {
	now := s.now()
	todayStart := ledger.StartOfDay(now)

	tranches, err := s.repo.GetTranchesByUser(ctx, username)
	if err != nil {
		return decimal.Zero, err
	}

	total := decimal.Zero
	for i := range tranches {
		_, earned := ledger.SplitTodayPortion(&tranches[i], todayStart, now)
		total = total.Add(earned)
	}

	return total.Round(2), nil
}
