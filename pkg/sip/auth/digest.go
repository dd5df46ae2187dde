// Package auth вычисляет digest-учетные данные для ответов на 401/407.
package auth

import (
	"errors"
	"fmt"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

var (
	// ErrNoChallenge ответ не содержит заголовка с challenge
	ErrNoChallenge = errors.New("no authentication challenge in response")
	// ErrNoCredentials учетные данные не заданы
	ErrNoCredentials = errors.New("no credentials configured")
)

// Credentials учетные данные IMS пользователя (private identity + пароль)
type Credentials struct {
	Username string
	Password string
	Realm    string
}

// Authorizer хранит последний challenge и добавляет авторизацию в запросы
type Authorizer struct {
	creds Credentials
	chal  *digest.Challenge
	proxy bool
	count int
}

// NewAuthorizer создает Authorizer для указанных учетных данных
func NewAuthorizer(creds Credentials) *Authorizer {
	return &Authorizer{creds: creds}
}

// HandleChallenge запоминает challenge из 401 (WWW-Authenticate) или 407 (Proxy-Authenticate)
func (a *Authorizer) HandleChallenge(res *sip.Response) error {
	name := "WWW-Authenticate"
	proxy := false
	if res.StatusCode == 407 {
		name, proxy = "Proxy-Authenticate", true
	}

	h := res.GetHeader(name)
	if h == nil {
		return fmt.Errorf("%w: missing %s", ErrNoChallenge, name)
	}

	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", name, err)
	}

	a.chal = chal
	a.proxy = proxy
	a.count = 0
	return nil
}

// HasChallenge сообщает, был ли получен challenge
func (a *Authorizer) HasChallenge() bool {
	return a.chal != nil
}

// Authorize добавляет Authorization или Proxy-Authorization в запрос
func (a *Authorizer) Authorize(req *sip.Request) error {
	if a.chal == nil {
		return nil
	}
	if a.creds.Username == "" {
		return ErrNoCredentials
	}

	a.count++
	cred, err := digest.Digest(a.chal, digest.Options{
		Method:   string(req.Method),
		URI:      req.Recipient.String(),
		Username: a.creds.Username,
		Password: a.creds.Password,
		Count:    a.count,
	})
	if err != nil {
		return fmt.Errorf("failed to compute digest: %w", err)
	}

	name := "Authorization"
	if a.proxy {
		name = "Proxy-Authorization"
	}
	req.RemoveHeader(name)
	req.AppendHeader(sip.NewHeader(name, cred.String()))
	return nil
}

// Reset забывает challenge
func (a *Authorizer) Reset() {
	a.chal = nil
	a.count = 0
}
