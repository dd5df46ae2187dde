package subscription

import (
	"errors"
	"fmt"
)

var (
	// ErrProxyChallenge повторный 407 после отправки учетных данных
	ErrProxyChallenge = errors.New("proxy authentication failed")
	// ErrNoMinExpires 423 без Min-Expires
	ErrNoMinExpires = errors.New("no minimum interval provided")
	// ErrTooManyIntervalRetries сервер повторно отвечает 423
	ErrTooManyIntervalRetries = errors.New("too many interval renegotiations")
	// ErrRejected финальный ответ без обработки повтором
	ErrRejected = errors.New("subscription rejected")
	// ErrTimeout нет ответа на SUBSCRIBE
	ErrTimeout = errors.New("subscription timeout")
	// ErrInvalidNotify тело NOTIFY не разбирается
	ErrInvalidNotify = errors.New("invalid conference notification")
	// ErrNotForSubscription NOTIFY относится к другому обмену
	ErrNotForSubscription = errors.New("notification is not for this subscription")
	// ErrClosed менеджер закрыт
	ErrClosed = errors.New("subscription manager closed")
)

// Error описывает неуспешный исход подписки
type Error struct {
	StatusCode int
	Reason     string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("subscription failed: %d %s: %v", e.StatusCode, e.Reason, e.Err)
	}
	return fmt.Sprintf("subscription failed: %v", e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
