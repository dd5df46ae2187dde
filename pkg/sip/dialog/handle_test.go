package dialog

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testParties() (sip.Uri, sip.Uri) {
	local := sip.Uri{Scheme: "sip", User: "alice", Host: "example.com"}
	remote := sip.Uri{Scheme: "sip", Host: "registrar.example.com"}
	return local, remote
}

// TestHandle_BuildRequest проверяет заголовки и рост CSeq
func TestHandle_BuildRequest(t *testing.T) {
	local, remote := testParties()
	h := NewHandle(local, remote, WithDisplayName("Alice"))

	first := h.BuildRequest(sip.REGISTER)
	second := h.BuildRequest(sip.REGISTER)

	require.NotNil(t, first.CSeq())
	require.NotNil(t, second.CSeq())
	assert.Equal(t, first.CSeq().SeqNo+1, second.CSeq().SeqNo, "CSeq should increase by one")
	assert.Equal(t, second.CSeq().SeqNo, h.Sequence())

	assert.Equal(t, h.ExchangeID(), first.CallID().Value())
	assert.Equal(t, first.CallID().Value(), second.CallID().Value(), "Same exchange keeps Call-ID")

	tag, ok := first.From().Params.Get("tag")
	assert.True(t, ok)
	assert.NotEmpty(t, tag)
	assert.Equal(t, "Alice", first.From().DisplayName)

	_, ok = first.To().Params.Get("tag")
	assert.False(t, ok, "No remote tag before first response")
	assert.Equal(t, "registrar.example.com", first.Recipient.Host)
}

// TestHandle_UpdateFromResponse проверяет remote tag, route set и target
func TestHandle_UpdateFromResponse(t *testing.T) {
	local, remote := testParties()
	h := NewHandle(local, remote)

	req := h.BuildRequest(sip.SUBSCRIBE)
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.To().Params = res.To().Params.Add("tag", "srv-tag")
	res.AppendHeader(sip.NewHeader("Record-Route", "<sip:p1.example.com;lr>, <sip:p2.example.com;lr>"))
	res.AppendHeader(sip.NewHeader("Contact", "<sip:focus@10.1.1.1:5070>"))

	require.True(t, h.Matches(res))
	h.UpdateFromResponse(res, true)

	assert.Equal(t, "srv-tag", h.RemoteTag())
	assert.Equal(t, "10.1.1.1", h.Target().Host)

	routes := h.RouteSet()
	require.Len(t, routes, 2)
	assert.Equal(t, "p2.example.com", routes[0].Host)

	next := h.BuildRequest(sip.SUBSCRIBE)
	toTag, _ := next.To().Params.Get("tag")
	assert.Equal(t, "srv-tag", toTag)
	assert.Len(t, next.GetHeaders("Route"), 2)
	assert.Equal(t, "10.1.1.1", next.Recipient.Host)
}

// TestHandle_ReplaceTarget проверяет, что target заменяется целиком
func TestHandle_ReplaceTarget(t *testing.T) {
	local, remote := testParties()
	h := NewHandle(local, remote)
	assert.Equal(t, remote.Host, h.Target().Host, "Target starts equal to remote party")

	h.ReplaceTarget(sip.Uri{Scheme: "sip", Host: "other.example.com", Port: 5080})
	target := h.Target()
	assert.Equal(t, "other.example.com", target.Host)
	assert.Equal(t, 5080, target.Port)
	assert.Empty(t, target.User)
}

// TestHandle_Reset проверяет новый Call-ID, поколение и очистку состояния
func TestHandle_Reset(t *testing.T) {
	local, remote := testParties()
	preloaded := sip.Uri{Scheme: "sip", Host: "pcscf.example.com"}
	h := NewHandle(local, remote, WithPreloadedRoute(preloaded))

	req := h.BuildRequest(sip.REGISTER)
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	h.SetRemoteTag("x")
	h.ReplaceTarget(sip.Uri{Scheme: "sip", Host: "moved.example.com"})

	before := h.Snapshot()
	h.Reset()
	after := h.Snapshot()

	assert.NotEqual(t, before.ExchangeID, after.ExchangeID)
	assert.Equal(t, before.Generation+1, after.Generation)
	assert.Empty(t, after.RemoteTag)
	assert.Equal(t, remote.Host, after.Target.Host)
	require.Len(t, after.RouteSet, 1)
	assert.Equal(t, "pcscf.example.com", after.RouteSet[0].Host)
	assert.NotEqual(t, before.LocalTag, after.LocalTag)

	assert.False(t, h.Matches(res), "Response of the previous exchange must not match")
}

// TestHandle_BuildAck проверяет, что ACK несет CSeq INVITE и не сдвигает счетчик
func TestHandle_BuildAck(t *testing.T) {
	local, remote := testParties()
	h := NewHandle(local, remote)

	invite := h.BuildRequest(sip.INVITE)
	res := sip.NewResponseFromRequest(invite, 200, "OK", nil)
	res.To().Params = res.To().Params.Add("tag", "callee")
	res.AppendHeader(sip.NewHeader("Contact", "<sip:bob@192.0.2.20:5062>"))
	h.UpdateFromResponse(res, true)

	ack := h.BuildAck(invite)

	assert.Equal(t, sip.ACK, ack.Method)
	require.NotNil(t, ack.CSeq())
	assert.Equal(t, invite.CSeq().SeqNo, ack.CSeq().SeqNo)
	assert.Equal(t, sip.ACK, ack.CSeq().MethodName)
	assert.Equal(t, invite.CSeq().SeqNo, h.Sequence(), "ACK must not consume a sequence number")
	assert.Equal(t, invite.CallID().Value(), ack.CallID().Value())
	assert.Equal(t, "192.0.2.20", ack.Recipient.Host)

	toTag, _ := ack.To().Params.Get("tag")
	assert.Equal(t, "callee", toTag)
	inviteTag, _ := invite.From().Params.Get("tag")
	ackTag, _ := ack.From().Params.Get("tag")
	assert.Equal(t, inviteTag, ackTag)
}

func TestHandle_WithLocalTag(t *testing.T) {
	local, remote := testParties()
	h := NewHandle(local, remote, WithLocalTag("uas-tag"), WithExchangeID("call-7"))

	req := h.BuildRequest(sip.BYE)

	tag, _ := req.From().Params.Get("tag")
	assert.Equal(t, "uas-tag", tag)
	assert.Equal(t, "call-7", req.CallID().Value())

	h.Reset()
	tag, _ = h.BuildRequest(sip.BYE).From().Params.Get("tag")
	assert.Equal(t, "uas-tag", tag, "fixed tag survives reset")
}
