package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Клиентские ошибки: никогда не ретраятся автоматически
	ErrInvalidAgent   = errors.New("invalid agent")
	ErrAlreadyRunning = errors.New("agent already running")
	ErrNotAdmin       = errors.New("admin scope required")

	// Фатальна только для текущего запуска, следующий цикл идет штатно
	ErrTimeout = errors.New("timeout")

	ErrInvalidTransition = errors.New("invalid execution status transition")
	ErrAlreadyFinalized  = errors.New("execution already finalized")
	ErrNotFound          = errors.New("not found")
	ErrVersionConflict   = errors.New("agent state version conflict")
)

// TransientError — сетевой/временный сбой коллаборатора (TransientFetchError). Ретраится с backoff.
type TransientError struct {
	Op    string
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// ValidationError — модель анализа вернула ответ, не прошедший валидацию.
// Ретраится с уточненным входом ограниченное число раз.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

// RateLimitError — превышен лимит, повторить не раньше RetryAfter.
type RateLimitError struct {
	Tier       string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded (tier %s): retry after %v", e.Tier, e.RetryAfter)
}

// IsRetryable сообщает, стоит ли повторять внешний вызов с backoff.
// Таймауты сюда не входят: они фатальны для текущего запуска.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrTimeout) {
		return false
	}
	var tErr *TransientError
	var rlErr *RateLimitError
	return errors.As(err, &tErr) || errors.As(err, &rlErr)
}
