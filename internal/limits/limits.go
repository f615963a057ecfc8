// Package limits 提供单实例的最小护栏：按账号限制同步生成并发。
package limits

import "sync"

// AccountLimits 按账号计数在途请求；超过上限时 Acquire 返回 false，不排队。
type AccountLimits struct {
	maxInflight int

	mu       sync.Mutex
	inflight map[int64]int
}

func NewAccountLimits(maxInflight int) *AccountLimits {
	if maxInflight <= 0 {
		maxInflight = 1
	}
	return &AccountLimits{
		maxInflight: maxInflight,
		inflight:    make(map[int64]int),
	}
}

func (l *AccountLimits) Acquire(accountID int64) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inflight[accountID] >= l.maxInflight {
		return false
	}
	l.inflight[accountID]++
	return true
}

func (l *AccountLimits) Release(accountID int64) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inflight[accountID] > 0 {
		l.inflight[accountID]--
	}
	if l.inflight[accountID] == 0 {
		delete(l.inflight, accountID)
	}
}

// Inflight 返回账号当前在途数。
func (l *AccountLimits) Inflight(accountID int64) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inflight[accountID]
}
