package provider

import (
	"context"
	"errors"
	"time"
)

// Clock 抽象时间源，测试里可替换为可控时钟。
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock 返回基于 time 包的时钟。
func RealClock() Clock { return realClock{} }

var errPollExhausted = errors.New("轮询次数已用尽")

// PollUntilTerminal 以固定间隔重复 check，直到 check 返回 done、出错、ctx 取消或达到 maxAttempts（<=0 不限次数）。
// ctx 因 deadline 结束时返回 ErrTimeout；主动取消返回 ctx.Err()。
func PollUntilTerminal(ctx context.Context, clock Clock, interval time.Duration, maxAttempts int, check func(ctx context.Context) (bool, error)) error {
	if clock == nil {
		clock = RealClock()
	}
	if interval <= 0 {
		interval = time.Second
	}
	for attempt := 1; ; attempt++ {
		done, err := check(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return pollCtxErr(ctxErr)
			}
			return err
		}
		if done {
			return nil
		}
		if maxAttempts > 0 && attempt >= maxAttempts {
			return errPollExhausted
		}
		select {
		case <-ctx.Done():
			return pollCtxErr(ctx.Err())
		case <-clock.After(interval):
		}
	}
}

func pollCtxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}
