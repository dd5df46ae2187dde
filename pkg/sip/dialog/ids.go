package dialog

import (
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

var (
	newTag        = func() string { return sip.RandString(8) }
	newExchangeID = func() string { return uuid.NewString() }
)

// NewTag генерирует случайный tag для From/To
func NewTag() string {
	return newTag()
}

// NewExchangeID генерирует новый Call-ID
func NewExchangeID() string {
	return newExchangeID()
}
