package registration

import (
	"errors"
	"fmt"
)

var (
	// ErrTooManyChallenges три 401 подряд в одной попытке регистрации
	ErrTooManyChallenges = errors.New("too many challenge failures")
	// ErrNoMinExpires 423 без Min-Expires
	ErrNoMinExpires = errors.New("no minimum interval provided")
	// ErrNoRedirectTarget 302 без Contact
	ErrNoRedirectTarget = errors.New("redirect without contact")
	// ErrTooManyRedirects превышено число редиректов в одной попытке
	ErrTooManyRedirects = errors.New("too many redirects")
	// ErrTooManyIntervalRetries сервер повторно отвечает 423
	ErrTooManyIntervalRetries = errors.New("too many interval renegotiations")
	// ErrRejected финальный ответ, который не обрабатывается повтором
	ErrRejected = errors.New("registration rejected")
	// ErrTimeout нет ответа от регистратора
	ErrTimeout = errors.New("registration timeout")
	// ErrClosed менеджер закрыт
	ErrClosed = errors.New("registration manager closed")
)

// Error описывает неуспешный исход регистрации
type Error struct {
	// StatusCode код ответа, 0 для таймаута и локальных ошибок
	StatusCode int
	// Reason reason phrase ответа или описание причины
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("registration failed: %d %s: %v", e.StatusCode, e.Reason, e.Err)
	}
	return fmt.Sprintf("registration failed: %v", e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
