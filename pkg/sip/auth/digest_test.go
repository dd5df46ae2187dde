package auth

import (
	"strings"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registerRequest() *sip.Request {
	aor := sip.Uri{Scheme: "sip", User: "alice", Host: "ims.example.com"}
	req := sip.NewRequest(sip.REGISTER, sip.Uri{Scheme: "sip", Host: "ims.example.com"})
	req.AppendHeader(&sip.FromHeader{Address: aor, Params: sip.NewParams().Add("tag", "reg-tag")})
	req.AppendHeader(&sip.ToHeader{Address: aor, Params: sip.NewParams()})
	return req
}

func challengeResponse(t *testing.T, code int, header string) (*sip.Request, *sip.Response) {
	t.Helper()
	req := registerRequest()
	res := sip.NewResponseFromRequest(req, code, "Unauthorized", nil)
	res.AppendHeader(sip.NewHeader(header, `Digest realm="ims.example.com", nonce="abc123", algorithm=MD5, qop="auth"`))
	return req, res
}

// TestAuthorizer_WWWAuthenticate проверяет Authorization для 401
func TestAuthorizer_WWWAuthenticate(t *testing.T) {
	req, res := challengeResponse(t, 401, "WWW-Authenticate")

	a := NewAuthorizer(Credentials{Username: "alice@ims.example.com", Password: "secret"})
	require.NoError(t, a.HandleChallenge(res))
	require.True(t, a.HasChallenge())

	require.NoError(t, a.Authorize(req))
	h := req.GetHeader("Authorization")
	require.NotNil(t, h, "Authorization header should be added")
	assert.True(t, strings.HasPrefix(h.Value(), "Digest "))
	assert.Contains(t, h.Value(), `username="alice@ims.example.com"`)
	assert.Contains(t, h.Value(), `nonce="abc123"`)
	assert.Nil(t, req.GetHeader("Proxy-Authorization"))
}

// TestAuthorizer_ProxyAuthenticate проверяет Proxy-Authorization для 407
func TestAuthorizer_ProxyAuthenticate(t *testing.T) {
	req, res := challengeResponse(t, 407, "Proxy-Authenticate")

	a := NewAuthorizer(Credentials{Username: "alice", Password: "secret"})
	require.NoError(t, a.HandleChallenge(res))
	require.NoError(t, a.Authorize(req))

	assert.NotNil(t, req.GetHeader("Proxy-Authorization"))
	assert.Nil(t, req.GetHeader("Authorization"))
}

func TestAuthorizer_MissingChallenge(t *testing.T) {
	req := registerRequest()
	res := sip.NewResponseFromRequest(req, 401, "Unauthorized", nil)

	a := NewAuthorizer(Credentials{Username: "alice", Password: "secret"})
	assert.ErrorIs(t, a.HandleChallenge(res), ErrNoChallenge)
	assert.False(t, a.HasChallenge())

	// без challenge запрос не меняется
	require.NoError(t, a.Authorize(req))
	assert.Nil(t, req.GetHeader("Authorization"))
}

func TestAuthorizer_NoCredentials(t *testing.T) {
	req, res := challengeResponse(t, 401, "WWW-Authenticate")

	a := NewAuthorizer(Credentials{})
	require.NoError(t, a.HandleChallenge(res))
	assert.ErrorIs(t, a.Authorize(req), ErrNoCredentials)
}
