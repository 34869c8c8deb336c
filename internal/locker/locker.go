// Package locker реализует блокировки на уровне отдельного счёта.
// Операции над разными счетами выполняются параллельно; сериализуются
// только операции, затрагивающие один и тот же счёт.
package locker

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// entry хранит семафор счёта и число его держателей и ожидающих.
type entry struct {
	sem  *semaphore.Weighted
	refs int
}

// AccountLocker выдаёт блокировку по имени счёта с ограниченным временем
// ожидания. Семафор веса 1 на каждый счёт играет роль мьютекса, который
// можно ждать с таймаутом. Записи учитываются по ссылкам и удаляются,
// когда счёт никто не держит и не ждёт: карта не растёт с числом
// когда-либо виденных счетов.
type AccountLocker struct {
	mu   sync.Mutex
	sems map[string]*entry
}

// New создаёт пустой AccountLocker.
func New() *AccountLocker {
	return &AccountLocker{
		sems: make(map[string]*entry),
	}
}

func (l *AccountLocker) acquireRef(scope string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.sems[scope]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		l.sems[scope] = e
	}
	e.refs++
	return e
}

func (l *AccountLocker) releaseRef(scope string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(l.sems, scope)
	}
}

// TryAcquire пытается захватить блокировку счёта, ожидая не дольше timeout.
// Возвращает false, если блокировку получить не удалось.
func (l *AccountLocker) TryAcquire(ctx context.Context, scope string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e := l.acquireRef(scope)
	if err := e.sem.Acquire(ctx, 1); err != nil {
		l.releaseRef(scope, e)
		return false
	}
	return true
}

// Release освобождает блокировку счёта. Вызывается только после
// успешного TryAcquire.
func (l *AccountLocker) Release(scope string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.sems[scope]
	if !ok {
		return
	}
	e.sem.Release(1)
	e.refs--
	if e.refs == 0 {
		delete(l.sems, scope)
	}
}
