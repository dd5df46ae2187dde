package subscription

import "time"

// Состояния подписки
const (
	StateUnsubscribed  = "UNSUBSCRIBED"
	StateSubscribing   = "SUBSCRIBING"
	StateSubscribed    = "SUBSCRIBED"
	StateRefreshing    = "REFRESHING"
	StateUnsubscribing = "UNSUBSCRIBING"
	StateFailed        = "FAILED"
)

const (
	eventSubscribe    = "subscribe"
	eventRefresh      = "refresh"
	eventSubscribed   = "subscribed"
	eventFail         = "fail"
	eventUnsubscribe  = "unsubscribe"
	eventUnsubscribed = "unsubscribed"
	eventTerminated   = "terminated"
)

// Record сохраняемое представление подписки, ключ ExchangeID
type Record struct {
	ExchangeID      string
	Resource        string
	State           string
	Subscribed      bool
	ExpirySeconds   int
	MaxParticipants int
	Participants    []Participant
	UpdatedAt       time.Time
}
