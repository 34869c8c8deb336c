package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/invest-ledger/internal/locker"
	"github.com/mmeshcher/invest-ledger/internal/model"
	"github.com/mmeshcher/invest-ledger/internal/rates"
	"github.com/mmeshcher/invest-ledger/internal/repository"
)

// memRepo — репозиторий в памяти для тестов сервиса.
type memRepo struct {
	users    map[string]model.User
	accounts map[string]model.Account
	requests map[string]model.Request
	tranches map[string]model.Tranche
}

func newMemRepo() *memRepo {
	return &memRepo{
		users:    make(map[string]model.User),
		accounts: make(map[string]model.Account),
		requests: make(map[string]model.Request),
		tranches: make(map[string]model.Tranche),
	}
}

func (m *memRepo) Close() error { return nil }

func (m *memRepo) CreateUser(ctx context.Context, username string, passwordHash []byte) error {
	if _, ok := m.users[username]; ok {
		return repository.ErrUserExists
	}
	m.users[username] = model.User{Username: username, PasswordHash: passwordHash}
	m.accounts[username] = model.Account{Username: username, CashTotal: decimal.Zero}
	return nil
}

func (m *memRepo) GetUser(ctx context.Context, username string) (*model.User, error) {
	u, ok := m.users[username]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	return &u, nil
}

func (m *memRepo) GetAccount(ctx context.Context, username string) (*model.Account, error) {
	a, ok := m.accounts[username]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	return &a, nil
}

func (m *memRepo) UpdateAccountCash(ctx context.Context, username string, cashTotal decimal.Decimal, lastAppliedAt, lastSyncAt time.Time) error {
	a, ok := m.accounts[username]
	if !ok {
		return repository.ErrUserNotFound
	}
	a.CashTotal = cashTotal
	a.LastAppliedAt = lastAppliedAt
	a.LastSyncAt = lastSyncAt
	m.accounts[username] = a
	return nil
}

func (m *memRepo) CreateRequest(ctx context.Context, req *model.Request) error {
	m.requests[req.ID] = *req
	return nil
}

func (m *memRepo) GetRequest(ctx context.Context, id string) (*model.Request, error) {
	r, ok := m.requests[id]
	if !ok {
		return nil, repository.ErrRequestNotFound
	}
	return &r, nil
}

func (m *memRepo) DecideRequest(ctx context.Context, id string, status model.RequestStatus, decidedAt time.Time) (bool, error) {
	r, ok := m.requests[id]
	if !ok {
		return false, repository.ErrRequestNotFound
	}
	if r.Status != model.RequestStatusPending {
		return false, nil
	}
	r.Status = status
	r.DecidedAt = &decidedAt
	m.requests[id] = r
	return true, nil
}

func (m *memRepo) MarkRequestsApplied(ctx context.Context, ids []string) error {
	for _, id := range ids {
		r, ok := m.requests[id]
		if !ok {
			continue
		}
		r.AppliedToBalance = true
		m.requests[id] = r
	}
	return nil
}

func (m *memRepo) GetRequestsByUser(ctx context.Context, username string) ([]model.Request, error) {
	var res []model.Request
	for _, r := range m.requests {
		if r.Username == username {
			res = append(res, r)
		}
	}
	return res, nil
}

func (m *memRepo) GetUnappliedApproved(ctx context.Context, username string, since time.Time) ([]model.Request, error) {
	var res []model.Request
	for _, r := range m.requests {
		if r.Username != username || r.Status != model.RequestStatusApproved || r.AppliedToBalance {
			continue
		}
		if r.DecidedAt == nil || r.DecidedAt.Before(since) {
			continue
		}
		res = append(res, r)
	}
	return res, nil
}

func (m *memRepo) CreateTranche(ctx context.Context, tr *model.Tranche) error {
	m.tranches[tr.ID] = *tr
	return nil
}

func (m *memRepo) GetTranchesByUser(ctx context.Context, username string) ([]model.Tranche, error) {
	var res []model.Tranche
	for _, tr := range m.tranches {
		if tr.Username == username {
			res = append(res, tr)
		}
	}
	return res, nil
}

func (m *memRepo) UpdateTrancheAccrual(ctx context.Context, id string, accrued decimal.Decimal, unfrozenAt *time.Time) error {
	tr, ok := m.tranches[id]
	if !ok {
		return repository.ErrTrancheNotFound
	}
	tr.AccruedInterest = accrued
	tr.UnfrozenAt = unfrozenAt
	m.tranches[id] = tr
	return nil
}

func (m *memRepo) UpdateTranchePrincipal(ctx context.Context, id string, principal, accrued decimal.Decimal) error {
	tr, ok := m.tranches[id]
	if !ok {
		return repository.ErrTrancheNotFound
	}
	tr.Principal = principal
	tr.AccruedInterest = accrued
	m.tranches[id] = tr
	return nil
}

func (m *memRepo) DeleteTranche(ctx context.Context, id string) error {
	delete(m.tranches, id)
	return nil
}

type stubNotifier struct {
	notified []string
	err      error
}

func (n *stubNotifier) Notify(ctx context.Context, req *model.Request) (string, error) {
	n.notified = append(n.notified, req.ID)
	return "msg-" + req.ID, n.err
}

// flakyLocker отказывает в блокировке первые failures попыток.
type flakyLocker struct {
	failures int
	inner    *locker.AccountLocker
}

func (l *flakyLocker) TryAcquire(ctx context.Context, scope string, timeout time.Duration) bool {
	if l.failures > 0 {
		l.failures--
		return false
	}
	return l.inner.TryAcquire(ctx, scope, timeout)
}

func (l *flakyLocker) Release(scope string) { l.inner.Release(scope) }

type testEnv struct {
	svc      *Service
	repo     *memRepo
	notifier *stubNotifier
	now      time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		repo:     newMemRepo(),
		notifier: &stubNotifier{},
		now:      time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	}

	env.svc = NewService(env.repo, env.notifier, locker.New(), rates.DefaultSchedule(), zap.NewNop(), time.Second)
	env.svc.now = func() time.Time { return env.now }

	if err := env.svc.RegisterUser(context.Background(), "alice", "secret"); err != nil {
		t.Fatalf("register user: %v", err)
	}

	return env
}

func (e *testEnv) advance(d time.Duration) { e.now = e.now.Add(d) }

func (e *testEnv) deposit(t *testing.T, amount int64) string {
	t.Helper()
	ctx := context.Background()

	id, err := e.svc.RequestDeposit(ctx, "alice", decimal.NewFromInt(amount))
	if err != nil {
		t.Fatalf("request deposit: %v", err)
	}
	if err := e.svc.OnApprovalDecision(ctx, id, model.RequestStatusApproved); err != nil {
		t.Fatalf("approve deposit: %v", err)
	}
	return id
}

func TestRequestDepositValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.svc.RequestDeposit(ctx, "alice", decimal.NewFromInt(99)); !errors.Is(err, ErrDepositTooSmall) {
		t.Fatalf("err = %v, want ErrDepositTooSmall", err)
	}
	if _, err := env.svc.RequestDeposit(ctx, "alice", decimal.NewFromInt(10_000_001)); !errors.Is(err, ErrDepositTooLarge) {
		t.Fatalf("err = %v, want ErrDepositTooLarge", err)
	}
	if _, err := env.svc.RequestDeposit(ctx, "alice", decimal.NewFromInt(100)); err != nil {
		t.Fatalf("minimum deposit rejected: %v", err)
	}
	if len(env.notifier.notified) != 1 {
		t.Fatalf("approval channel notified %d times, want 1", len(env.notifier.notified))
	}
}

func TestDepositInvestWithdrawScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.deposit(t, 1000)

	snap, err := env.svc.Sync(ctx, "alice")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !snap.Balance.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("balance = %s, want 1000", snap.Balance)
	}
	if !snap.AvailableForInvest.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("availableForInvest = %s, want 1000", snap.AvailableForInvest)
	}

	tr, err := env.svc.PlaceInvestment(ctx, "alice", decimal.NewFromInt(500), decimal.NewFromInt(16))
	if err != nil {
		t.Fatalf("place investment: %v", err)
	}
	if tr.FreezeUntil != nil {
		t.Fatalf("tier 16%% must have no freeze")
	}

	snap, err = env.svc.Sync(ctx, "alice")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !snap.InvestedAmount.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("investedAmount = %s, want 500", snap.InvestedAmount)
	}
	if !snap.AvailableForInvest.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("availableForInvest = %s, want 500", snap.AvailableForInvest)
	}

	env.advance(10 * 24 * time.Hour)

	snap, err = env.svc.Sync(ctx, "alice")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	// 500 * (0.16/365.25) * 10 ≈ 2.19
	if !snap.Balance.Equal(decimal.NewFromFloat(1002.19)) {
		t.Fatalf("balance = %s, want 1002.19", snap.Balance)
	}

	if _, err := env.svc.RequestWithdraw(ctx, "alice", decimal.NewFromInt(2000), "acc-1"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}

	id, err := env.svc.RequestWithdraw(ctx, "alice", decimal.NewFromInt(600), "acc-1")
	if err != nil {
		t.Fatalf("request withdraw: %v", err)
	}
	if err := env.svc.OnApprovalDecision(ctx, id, model.RequestStatusApproved); err != nil {
		t.Fatalf("approve withdraw: %v", err)
	}

	// Транш закрыт полностью, остаток 100 покрыт свободными деньгами.
	if len(env.repo.tranches) != 0 {
		t.Fatalf("tranches left: %d, want 0", len(env.repo.tranches))
	}

	snap, err = env.svc.Sync(ctx, "alice")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !snap.UserDeposits.Equal(decimal.NewFromInt(400)) {
		t.Fatalf("userDeposits = %s, want 400", snap.UserDeposits)
	}
	if !snap.Balance.Equal(decimal.NewFromInt(400)) {
		t.Fatalf("balance = %s, want 400", snap.Balance)
	}
}

func TestConservationAcrossRepeatedSyncs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.deposit(t, 1000)
	env.deposit(t, 250)

	for i := 0; i < 5; i++ {
		if _, err := env.svc.Sync(ctx, "alice"); err != nil {
			t.Fatalf("sync %d: %v", i, err)
		}
	}

	account := env.repo.accounts["alice"]
	if !account.CashTotal.Equal(decimal.NewFromInt(1250)) {
		t.Fatalf("cashTotal = %s, want 1250", account.CashTotal)
	}
}

func TestOnApprovalDecisionIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.svc.RequestDeposit(ctx, "alice", decimal.NewFromInt(500))
	if err != nil {
		t.Fatalf("request deposit: %v", err)
	}

	if err := env.svc.OnApprovalDecision(ctx, id, model.RequestStatusApproved); err != nil {
		t.Fatalf("first decision: %v", err)
	}
	// Повторная доставка того же решения безопасна.
	if err := env.svc.OnApprovalDecision(ctx, id, model.RequestStatusApproved); err != nil {
		t.Fatalf("second decision: %v", err)
	}

	account := env.repo.accounts["alice"]
	if !account.CashTotal.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("cashTotal = %s, want 500", account.CashTotal)
	}
}

func TestOnApprovalDecisionRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.svc.RequestDeposit(ctx, "alice", decimal.NewFromInt(500))
	if err != nil {
		t.Fatalf("request deposit: %v", err)
	}
	if err := env.svc.OnApprovalDecision(ctx, id, model.RequestStatusRejected); err != nil {
		t.Fatalf("reject: %v", err)
	}

	if _, err := env.svc.Sync(ctx, "alice"); err != nil {
		t.Fatalf("sync: %v", err)
	}

	account := env.repo.accounts["alice"]
	if !account.CashTotal.IsZero() {
		t.Fatalf("cashTotal = %s, want 0", account.CashTotal)
	}
}

func TestOnApprovalDecisionRetriesLockTimeout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.svc.RequestDeposit(ctx, "alice", decimal.NewFromInt(500))
	if err != nil {
		t.Fatalf("request deposit: %v", err)
	}

	env.svc.locker = &flakyLocker{failures: 2, inner: locker.New()}

	if err := env.svc.OnApprovalDecision(ctx, id, model.RequestStatusApproved); err != nil {
		t.Fatalf("decision after retries: %v", err)
	}

	account := env.repo.accounts["alice"]
	if !account.CashTotal.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("cashTotal = %s, want 500", account.CashTotal)
	}
}

func TestOnApprovalDecisionUnknownRequest(t *testing.T) {
	env := newTestEnv(t)

	err := env.svc.OnApprovalDecision(context.Background(), "no-such-id", model.RequestStatusApproved)
	if !errors.Is(err, repository.ErrRequestNotFound) {
		t.Fatalf("err = %v, want ErrRequestNotFound", err)
	}
}

func TestCancelPendingDeposit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.svc.RequestDeposit(ctx, "alice", decimal.NewFromInt(500))
	if err != nil {
		t.Fatalf("request deposit: %v", err)
	}

	if err := env.svc.CancelPendingDeposit(ctx, "bob", id); !errors.Is(err, repository.ErrRequestNotFound) {
		t.Fatalf("foreign cancel err = %v, want ErrRequestNotFound", err)
	}

	if err := env.svc.CancelPendingDeposit(ctx, "alice", id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := env.svc.CancelPendingDeposit(ctx, "alice", id); !errors.Is(err, ErrAlreadyDecided) {
		t.Fatalf("second cancel err = %v, want ErrAlreadyDecided", err)
	}

	// Отменённая заявка не попадает в баланс.
	if _, err := env.svc.Sync(ctx, "alice"); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !env.repo.accounts["alice"].CashTotal.IsZero() {
		t.Fatalf("cashTotal = %s, want 0", env.repo.accounts["alice"].CashTotal)
	}
}

func TestPlaceInvestmentValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.deposit(t, 1000)

	if _, err := env.svc.PlaceInvestment(ctx, "alice", decimal.Zero, decimal.NewFromInt(16)); !errors.Is(err, ErrNonPositiveAmount) {
		t.Fatalf("err = %v, want ErrNonPositiveAmount", err)
	}
	if _, err := env.svc.PlaceInvestment(ctx, "alice", decimal.NewFromInt(1500), decimal.NewFromInt(16)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
}

func TestFreezeLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.deposit(t, 1000)

	tr, err := env.svc.PlaceInvestment(ctx, "alice", decimal.NewFromInt(400), decimal.NewFromInt(17))
	if err != nil {
		t.Fatalf("place investment: %v", err)
	}
	if tr.FreezeUntil == nil {
		t.Fatalf("tier 17%% must be frozen")
	}

	snap, err := env.svc.Sync(ctx, "alice")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	// Замороженный principal исключён из доступных средств.
	if !snap.AvailableForWithdrawal.Equal(decimal.NewFromInt(600)) {
		t.Fatalf("availableForWithdrawal = %s, want 600", snap.AvailableForWithdrawal)
	}

	// Вывод, требующий замороженный principal, отклоняется.
	if _, err := env.svc.RequestWithdraw(ctx, "alice", decimal.NewFromInt(700), "acc-1"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}

	env.advance(31 * 24 * time.Hour)

	snap, err = env.svc.Sync(ctx, "alice")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !snap.AvailableForWithdrawal.GreaterThan(decimal.NewFromInt(1000)) {
		t.Fatalf("availableForWithdrawal = %s, want > 1000 after unfreeze", snap.AvailableForWithdrawal)
	}

	stored := env.repo.tranches[tr.ID]
	if stored.UnfrozenAt == nil {
		t.Fatalf("unfrozenAt not persisted")
	}
	unfrozenAt := *stored.UnfrozenAt

	// Повторная синхронизация не двигает отметку разморозки и баланс.
	env.advance(time.Hour)
	again, err := env.svc.Sync(ctx, "alice")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !env.repo.tranches[tr.ID].UnfrozenAt.Equal(unfrozenAt) {
		t.Fatalf("unfrozenAt moved on repeated sync")
	}
	if again.InvestedAmount.Cmp(snap.InvestedAmount) != 0 {
		t.Fatalf("investedAmount changed: %s -> %s", snap.InvestedAmount, again.InvestedAmount)
	}
}

func TestSyncDegradesOnLockTimeout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.deposit(t, 1000)
	if _, err := env.svc.Sync(ctx, "alice"); err != nil {
		t.Fatalf("sync: %v", err)
	}

	// Новая одобренная заявка при постоянно занятой блокировке.
	id, err := env.svc.RequestDeposit(ctx, "alice", decimal.NewFromInt(200))
	if err != nil {
		t.Fatalf("request deposit: %v", err)
	}
	if err := env.svc.OnApprovalDecision(ctx, id, model.RequestStatusApproved); err != nil {
		t.Fatalf("approve: %v", err)
	}

	held := locker.New()
	if !held.TryAcquire(ctx, "alice", time.Millisecond) {
		t.Fatalf("setup acquire failed")
	}
	env.svc.locker = held
	env.svc.lockTimeout = 10 * time.Millisecond

	snap, err := env.svc.Sync(ctx, "alice")
	if err != nil {
		t.Fatalf("degraded sync: %v", err)
	}

	// Снимок учитывает одобренную заявку, но хранилище не изменилось.
	if !snap.UserDeposits.Equal(decimal.NewFromInt(1200)) {
		t.Fatalf("userDeposits = %s, want 1200", snap.UserDeposits)
	}
	if env.repo.requests[id].AppliedToBalance {
		t.Fatalf("degraded sync must not mark requests applied")
	}
	if !env.repo.accounts["alice"].CashTotal.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("degraded sync must not mutate cashTotal")
	}
}

func TestConsistencyFault(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Повреждённое состояние: одобряемый вывод больше, чем закрываемый
	// principal плюс свободные деньги.
	env.deposit(t, 1000)
	if _, err := env.svc.PlaceInvestment(ctx, "alice", decimal.NewFromInt(1000), decimal.NewFromInt(16)); err != nil {
		t.Fatalf("place investment: %v", err)
	}

	req := model.Request{
		ID:        "corrupt-1",
		Username:  "alice",
		Kind:      model.RequestKindWithdraw,
		Amount:    decimal.NewFromInt(-5000),
		Status:    model.RequestStatusPending,
		CreatedAt: env.now,
	}
	if err := env.repo.CreateRequest(ctx, &req); err != nil {
		t.Fatalf("create request: %v", err)
	}

	err := env.svc.OnApprovalDecision(ctx, "corrupt-1", model.RequestStatusApproved)
	if !errors.Is(err, ErrConsistency) {
		t.Fatalf("err = %v, want ErrConsistency", err)
	}

	// Сбойная заявка не попадает в сверку: следующая синхронизация не
	// списывает деньги и не трогает транш.
	snap, err := env.svc.Sync(ctx, "alice")
	if err != nil {
		t.Fatalf("sync after fault: %v", err)
	}
	if env.repo.requests["corrupt-1"].AppliedToBalance {
		t.Fatalf("faulted withdrawal must not be marked applied")
	}
	if !env.repo.accounts["alice"].CashTotal.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("cashTotal = %s, want 1000", env.repo.accounts["alice"].CashTotal)
	}
	if len(env.repo.tranches) != 1 {
		t.Fatalf("tranche must survive a faulted closure, %d left", len(env.repo.tranches))
	}
	if !snap.UserDeposits.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("userDeposits = %s, want 1000", snap.UserDeposits)
	}
}

func TestWithdrawAvailableIncludingInterest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.deposit(t, 1000)
	if _, err := env.svc.PlaceInvestment(ctx, "alice", decimal.NewFromInt(500), decimal.NewFromInt(16)); err != nil {
		t.Fatalf("place investment: %v", err)
	}
	env.advance(10 * 24 * time.Hour)

	snap, err := env.svc.Sync(ctx, "alice")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}

	// Вывод всего доступного, включая накопленные проценты.
	id, err := env.svc.RequestWithdraw(ctx, "alice", snap.AvailableForWithdrawal, "acc-1")
	if err != nil {
		t.Fatalf("request withdraw: %v", err)
	}
	if err := env.svc.OnApprovalDecision(ctx, id, model.RequestStatusApproved); err != nil {
		t.Fatalf("approve withdraw: %v", err)
	}

	if !env.repo.requests[id].AppliedToBalance {
		t.Fatalf("withdrawal not applied")
	}
	if len(env.repo.tranches) != 0 {
		t.Fatalf("tranche must be fully closed, %d left", len(env.repo.tranches))
	}
	wantCash := decimal.NewFromInt(1000).Sub(snap.AvailableForWithdrawal)
	if !env.repo.accounts["alice"].CashTotal.Equal(wantCash) {
		t.Fatalf("cashTotal = %s, want %s", env.repo.accounts["alice"].CashTotal, wantCash)
	}
}

func TestSyncClosesTranchesForUnappliedWithdrawal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.deposit(t, 1000)
	if _, err := env.svc.PlaceInvestment(ctx, "alice", decimal.NewFromInt(500), decimal.NewFromInt(16)); err != nil {
		t.Fatalf("place investment: %v", err)
	}
	env.advance(10 * 24 * time.Hour)

	// Одобренный, но не учтённый вывод: решение записано, а применение
	// оборвалось до закрытия траншей.
	decidedAt := env.now
	req := model.Request{
		ID:        "recovered-1",
		Username:  "alice",
		Kind:      model.RequestKindWithdraw,
		Amount:    decimal.NewFromInt(-600),
		Status:    model.RequestStatusApproved,
		CreatedAt: env.now,
		DecidedAt: &decidedAt,
	}
	if err := env.repo.CreateRequest(ctx, &req); err != nil {
		t.Fatalf("create request: %v", err)
	}

	if _, err := env.svc.Sync(ctx, "alice"); err != nil {
		t.Fatalf("sync: %v", err)
	}

	if !env.repo.requests["recovered-1"].AppliedToBalance {
		t.Fatalf("recovered withdrawal not applied")
	}
	if len(env.repo.tranches) != 0 {
		t.Fatalf("sync must close tranches before applying the withdrawal")
	}
	if !env.repo.accounts["alice"].CashTotal.Equal(decimal.NewFromInt(400)) {
		t.Fatalf("cashTotal = %s, want 400", env.repo.accounts["alice"].CashTotal)
	}
}

func TestPreviewTodayAccrual(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.deposit(t, 1000)
	if _, err := env.svc.PlaceInvestment(ctx, "alice", decimal.NewFromInt(1000), decimal.NewFromInt(16)); err != nil {
		t.Fatalf("place investment: %v", err)
	}

	env.advance(12 * time.Hour)

	got, err := env.svc.PreviewTodayAccrual(ctx, "alice")
	if err != nil {
		t.Fatalf("preview: %v", err)
	}

	// 1000 * (0.16/365.25) * 0.5 ≈ 0.22
	want := decimal.NewFromFloat(1000 * (0.16 / 365.25) * 0.5).Round(2)
	if !got.Equal(want) {
		t.Fatalf("todayIncome = %s, want %s", got, want)
	}
}

func TestAuthenticateUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.svc.AuthenticateUser(ctx, "alice", "secret"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if err := env.svc.AuthenticateUser(ctx, "alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
	if err := env.svc.AuthenticateUser(ctx, "nobody", "secret"); !errors.Is(err, repository.ErrUserNotFound) {
		t.Fatalf("err = %v, want ErrUserNotFound", err)
	}
}
