package dialog

import (
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
)

// NewVia создает верхний Via с новым branch и пустым rport (RFC 3581)
func NewVia(transport, host string, port int) *sip.ViaHeader {
	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       strings.ToUpper(transport),
		Host:            host,
		Port:            port,
		Params:          sip.NewParams(),
	}
	via.Params = via.Params.Add("branch", "z9hG4bK"+sip.RandString(16))
	via.Params = via.Params.Add("rport", "")
	return via
}

// MinExpires читает Min-Expires из ответа 423
func MinExpires(res *sip.Response) (time.Duration, bool) {
	h := res.GetHeader("Min-Expires")
	if h == nil {
		return 0, false
	}
	secs, err := strconv.Atoi(strings.TrimSpace(h.Value()))
	if err != nil || secs <= 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

// Expires читает заголовок Expires ответа; ok false если заголовка нет или значение некорректно
func Expires(res *sip.Response) (time.Duration, bool) {
	h := res.GetHeader("Expires")
	if h == nil {
		return 0, false
	}
	secs, err := strconv.Atoi(strings.TrimSpace(h.Value()))
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}
