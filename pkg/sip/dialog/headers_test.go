package dialog

import (
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
)

func TestExpires(t *testing.T) {
	local, remote := testParties()
	req := NewHandle(local, remote).BuildRequest(sip.SUBSCRIBE)

	cases := []struct {
		value string
		want  time.Duration
		ok    bool
	}{
		{"3600", time.Hour, true},
		{" 0 ", 0, true},
		{"-5", 0, false},
		{"soon", 0, false},
	}
	for _, tc := range cases {
		res := sip.NewResponseFromRequest(req, 200, "OK", nil)
		res.AppendHeader(sip.NewHeader("Expires", tc.value))
		got, ok := Expires(res)
		assert.Equal(t, tc.ok, ok, tc.value)
		assert.Equal(t, tc.want, got, tc.value)
	}

	_, ok := Expires(sip.NewResponseFromRequest(req, 200, "OK", nil))
	assert.False(t, ok, "missing header")
}
