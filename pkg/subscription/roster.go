package subscription

import (
	"sort"
	"strings"
)

// ParticipantStatus статус участника конференции
type ParticipantStatus int

const (
	StatusUnknown ParticipantStatus = iota
	StatusConnected
	StatusDisconnected
	StatusDeparted
	StatusBooted
	StatusFailed
	StatusBusy
	StatusDeclined
	StatusPending
)

// String возвращает имя статуса
func (s ParticipantStatus) String() string {
	switch s {
	case StatusUnknown:
		return "UNKNOWN"
	case StatusConnected:
		return "CONNECTED"
	case StatusDisconnected:
		return "DISCONNECTED"
	case StatusDeparted:
		return "DEPARTED"
	case StatusBooted:
		return "BOOTED"
	case StatusFailed:
		return "FAILED"
	case StatusBusy:
		return "BUSY"
	case StatusDeclined:
		return "DECLINED"
	case StatusPending:
		return "PENDING"
	}
	return "UNKNOWN"
}

// ParseParticipantStatus обратное преобразование для String
func ParseParticipantStatus(s string) ParticipantStatus {
	for st := StatusUnknown; st <= StatusPending; st++ {
		if st.String() == s {
			return st
		}
	}
	return StatusUnknown
}

// Participant участник и его статус
type Participant struct {
	Identity string
	Status   ParticipantStatus
}

// Roster множество участников по identity
type Roster map[string]ParticipantStatus

// NewRoster строит roster из списка; повторная identity перезаписывает статус
func NewRoster(participants ...Participant) Roster {
	r := make(Roster, len(participants))
	for _, p := range participants {
		r[p.Identity] = p.Status
	}
	return r
}

// Clone копия roster
func (r Roster) Clone() Roster {
	out := make(Roster, len(r))
	for id, st := range r {
		out[id] = st
	}
	return out
}

// Equal сравнивает два roster
func (r Roster) Equal(other Roster) bool {
	if len(r) != len(other) {
		return false
	}
	for id, st := range r {
		if o, ok := other[id]; !ok || o != st {
			return false
		}
	}
	return true
}

// Added возвращает пары (identity, status), которых нет в old
func (r Roster) Added(old Roster) []Participant {
	var out []Participant
	for _, p := range r.List() {
		if st, ok := old[p.Identity]; !ok || st != p.Status {
			out = append(out, p)
		}
	}
	return out
}

// List участники, отсортированные по identity
func (r Roster) List() []Participant {
	out := make([]Participant, 0, len(r))
	for id, st := range r {
		out = append(out, Participant{Identity: id, Status: st})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// statusFromUser выводит статус участника из endpoint status и disconnection-method
func statusFromUser(u User) ParticipantStatus {
	token := u.Status
	if u.DisconnectionMethod != "" {
		token = u.DisconnectionMethod
		if strings.EqualFold(token, "failed") && strings.Contains(u.FailureReason, "603") {
			token = "declined"
		}
	}

	switch strings.ToLower(token) {
	case "connected":
		return StatusConnected
	case "disconnected":
		return StatusDisconnected
	case "departed":
		return StatusDeparted
	case "booted":
		return StatusBooted
	case "failed":
		return StatusFailed
	case "busy":
		return StatusBusy
	case "declined":
		return StatusDeclined
	case "pending", "dialing-in", "dialing-out":
		return StatusPending
	}
	return StatusUnknown
}
