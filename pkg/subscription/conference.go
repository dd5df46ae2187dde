package subscription

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"

	"golang.org/x/net/html/charset"
)

// Тип содержимого и пакет событий conference (RFC 4575)
const (
	EventConference       = "conference"
	ContentTypeConference = "application/conference-info+xml"
)

// Значения атрибута state документа
const (
	DocumentFull    = "full"
	DocumentPartial = "partial"
	DocumentDeleted = "deleted"
)

// ConferenceInfo разобранный документ conference-info
type ConferenceInfo struct {
	Entity  string
	State   string
	Version int
	// MaxUserCount максимальное число участников, 0 если не указано
	MaxUserCount int
	Users        []User
}

// IsFull сообщает, что документ содержит полное состояние
func (c *ConferenceInfo) IsFull() bool {
	return strings.EqualFold(c.State, DocumentFull)
}

// User участник конференции. Status берется из первого endpoint.
type User struct {
	Entity              string
	DisplayName         string
	State               string
	YourOwn             bool
	Status              string
	DisconnectionMethod string
	FailureReason       string
}

type xmlConferenceInfo struct {
	XMLName     xml.Name `xml:"conference-info"`
	Entity      string   `xml:"entity,attr"`
	State       string   `xml:"state,attr"`
	Version     int      `xml:"version,attr"`
	Description struct {
		MaximumUserCount int `xml:"maximum-user-count"`
	} `xml:"conference-description"`
	ConferenceState struct {
		UserCount int `xml:"user-count"`
	} `xml:"conference-state"`
	Users []xmlUser `xml:"users>user"`
}

type xmlUser struct {
	Entity      string        `xml:"entity,attr"`
	State       string        `xml:"state,attr"`
	YourOwn     string        `xml:"yourown,attr"`
	DisplayText string        `xml:"display-text"`
	Endpoints   []xmlEndpoint `xml:"endpoint"`
}

type xmlEndpoint struct {
	Entity              string `xml:"entity,attr"`
	Status              string `xml:"status"`
	DisconnectionMethod string `xml:"disconnection-method"`
	DisconnectionInfo   struct {
		Reason string `xml:"reason"`
	} `xml:"disconnection-info"`
}

// ParseConferenceInfo разбирает тело NOTIFY пакета conference
func ParseConferenceInfo(body []byte) (*ConferenceInfo, error) {
	var doc xmlConferenceInfo
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.CharsetReader = charset.NewReaderLabel
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNotify, err)
	}

	info := &ConferenceInfo{
		Entity:       strings.TrimSpace(doc.Entity),
		State:        strings.TrimSpace(doc.State),
		Version:      doc.Version,
		MaxUserCount: doc.Description.MaximumUserCount,
	}
	for _, u := range doc.Users {
		user := User{
			Entity:      strings.TrimSpace(u.Entity),
			DisplayName: strings.TrimSpace(u.DisplayText),
			State:       strings.TrimSpace(u.State),
			YourOwn:     strings.EqualFold(strings.TrimSpace(u.YourOwn), "true"),
		}
		if len(u.Endpoints) > 0 {
			ep := u.Endpoints[0]
			user.Status = strings.TrimSpace(ep.Status)
			user.DisconnectionMethod = strings.TrimSpace(ep.DisconnectionMethod)
			user.FailureReason = strings.TrimSpace(ep.DisconnectionInfo.Reason)
		}
		info.Users = append(info.Users, user)
	}
	return info, nil
}
