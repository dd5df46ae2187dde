package session

import "errors"

var (
	// ErrUnmappedCause причина завершения вне известного набора
	ErrUnmappedCause = errors.New("unmapped termination cause")
	// ErrUnmappedError код ошибки вне набора для данного типа сессии
	ErrUnmappedError = errors.New("unmapped session error code")

	ErrResumeNotAllowed   = errors.New("resume not allowed")
	ErrResendNotAllowed   = errors.New("resend not allowed")
	ErrPauseNotAllowed    = errors.New("pause not allowed")
	ErrMaxSessionsReached = errors.New("max concurrent sessions reached")
	ErrNoNetwork          = errors.New("no network connection")
	ErrNoResumeInfo       = errors.New("no resume info")
	ErrInvalidTransition  = errors.New("invalid session transition")
	ErrWrongKind          = errors.New("operation not supported for session kind")
	ErrNotFound           = errors.New("session not found")
	ErrAlreadyExists      = errors.New("session already exists")
	ErrNoSignaling        = errors.New("no signaling for session")
	ErrInvalidOffer       = errors.New("invalid session offer")
	ErrFileTooBig         = errors.New("file exceeds max size")
)
