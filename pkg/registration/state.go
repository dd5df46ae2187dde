package registration

import "time"

// Состояния регистрации
const (
	StateUnregistered  = "UNREGISTERED"
	StateRegistering   = "REGISTERING"
	StateRegistered    = "REGISTERED"
	StateRefreshing    = "REFRESHING"
	StateUnregistering = "UNREGISTERING"
	StateFailed        = "FAILED"
)

// События FSM регистрации
const (
	eventRegister     = "register"
	eventRefresh      = "refresh"
	eventRegistered   = "registered"
	eventFail         = "fail"
	eventUnregister   = "unregister"
	eventUnregistered = "unregistered"
)

// ReasonCode причина последнего изменения регистрации
type ReasonCode int

const (
	ReasonUnspecified ReasonCode = iota
	ReasonConnectionLost
	ReasonBatteryLow
)

// String возвращает имя причины
func (r ReasonCode) String() string {
	switch r {
	case ReasonUnspecified:
		return "UNSPECIFIED"
	case ReasonConnectionLost:
		return "CONNECTION_LOST"
	case ReasonBatteryLow:
		return "BATTERY_LOW"
	}
	return "UNKNOWN"
}

// NATInfo результат обнаружения NAT по Via ответа на REGISTER
type NATInfo struct {
	Detected      bool
	PublicAddress string
	// PublicPort -1 если rport отсутствует или не число
	PublicPort int
}

// Status снимок состояния регистрации
type Status struct {
	State                 string
	Registered            bool
	Reason                ReasonCode
	ExpiryPeriodSeconds   int
	ChallengeFailureCount int
	NAT                   NATInfo
	PublicGRUU            string
	TemporaryGRUU         string
	LastError             error
}

// Record сохраняемое представление регистрации (одна запись на процесс)
type Record struct {
	State         string
	Registered    bool
	Reason        ReasonCode
	ExpirySeconds int
	NATDetected   bool
	NATAddress    string
	NATPort       int
	PublicGRUU    string
	TemporaryGRUU string
	LastError     string
	UpdatedAt     time.Time
}

func (s Status) record(now time.Time) Record {
	rec := Record{
		State:         s.State,
		Registered:    s.Registered,
		Reason:        s.Reason,
		ExpirySeconds: s.ExpiryPeriodSeconds,
		NATDetected:   s.NAT.Detected,
		NATAddress:    s.NAT.PublicAddress,
		NATPort:       s.NAT.PublicPort,
		PublicGRUU:    s.PublicGRUU,
		TemporaryGRUU: s.TemporaryGRUU,
		UpdatedAt:     now,
	}
	if s.LastError != nil {
		rec.LastError = s.LastError.Error()
	}
	return rec
}
