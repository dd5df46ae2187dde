package subscription

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/rcs_core/pkg/phone"
	"github.com/arzzra/rcs_core/pkg/refresh"
	"github.com/arzzra/rcs_core/pkg/sip/auth"
	"github.com/arzzra/rcs_core/pkg/sip/transaction/mocktx"
)

const proxyChallenge = `Digest realm="ims.example.com", nonce="a81f09", algorithm=MD5`

var errStoreDown = errors.New("store down")

type memoryStore struct {
	mu      sync.Mutex
	saved   []Record
	deleted []string
	err     error
}

func (s *memoryStore) SaveSubscription(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, rec)
	return nil
}

func (s *memoryStore) DeleteSubscription(_ context.Context, exchangeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, exchangeID)
	return nil
}

func (s *memoryStore) saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

func (s *memoryStore) last() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved[len(s.saved)-1]
}

type memorySettings struct {
	mu     sync.Mutex
	values map[string]int
}

func newMemorySettings() *memorySettings {
	return &memorySettings{values: make(map[string]int)}
}

func (s *memorySettings) Int(_ context.Context, key string) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *memorySettings) SetInt(_ context.Context, key string, value int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

type conferenceEvent struct {
	identity string
	name     string
	status   ParticipantStatus
}

type recorder struct {
	mu         sync.Mutex
	events     []conferenceEvent
	changed    []Participant
	terminated []bool
	failed     []error
}

func (r *recorder) ConferenceEvent(identity, displayName string, status ParticipantStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, conferenceEvent{identity, displayName, status})
}

func (r *recorder) ParticipantStatusChanged(p Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changed = append(r.changed, p)
}

func (r *recorder) SubscriptionTerminated(byServer bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminated = append(r.terminated, byServer)
}

func (r *recorder) SubscriptionFailed(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, err)
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events, r.changed = nil, nil
}

func mustURI(t *testing.T, s string) sip.Uri {
	t.Helper()
	var u sip.Uri
	require.NoError(t, sip.ParseUri(s, &u))
	return u
}

func testConfig(t *testing.T) Config {
	return Config{
		Resource:    mustURI(t, "sip:conf-42@conf.ims.example.com"),
		LocalURI:    mustURI(t, "sip:+33600000001@ims.example.com"),
		Contact:     mustURI(t, "sip:+33600000001@10.0.0.5:5060"),
		Expires:     DefaultExpires,
		FeatureTags: []string{"+g.oma.sip-im"},
		Credentials: auth.Credentials{Username: "+33600000001@ims.example.com", Password: "secret"},
	}
}

type fixture struct {
	manager   *Manager
	engine    *mocktx.Engine
	scheduler *refresh.Manual
	store     *memoryStore
	settings  *memorySettings
	events    *recorder
}

func newFixture(t *testing.T, cfg Config, steps ...mocktx.Step) *fixture {
	t.Helper()
	f := &fixture{
		engine:    mocktx.New(steps...),
		scheduler: refresh.NewManual(),
		store:     &memoryStore{},
		settings:  newMemorySettings(),
		events:    &recorder{},
	}
	f.manager = NewManager(cfg, f.engine,
		WithScheduler(f.scheduler),
		WithStore(f.store),
		WithSettings(f.settings),
		WithNormalizer(phone.NewNormalizer("+33", "0")),
	)
	f.manager.AddListener(f.events)
	return f
}

// subscribed возвращает фикстуру с активной подпиской
func subscribed(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t, testConfig(t), mocktx.Respond(200, "OK", mocktx.WithToTag("focus-1")))
	require.NoError(t, f.manager.Subscribe(context.Background()))
	return f
}

func expiresOf(t *testing.T, req *sip.Request) int {
	t.Helper()
	h := req.GetHeader("Expires")
	require.NotNil(t, h, "SUBSCRIBE must carry Expires")
	v, err := strconv.Atoi(h.Value())
	require.NoError(t, err)
	return v
}

func proxyAuth() mocktx.Step {
	return mocktx.Respond(407, "Proxy Authentication Required",
		mocktx.WithHeader("Proxy-Authenticate", proxyChallenge))
}

// userXML элемент user с одним endpoint
func userXML(entity, name, status string, extra ...string) string {
	return fmt.Sprintf(`<user entity="%s" state="full"><display-text>%s</display-text>`+
		`<endpoint entity="%s"><status>%s</status>%s</endpoint></user>`,
		entity, name, entity, status, strings.Join(extra, ""))
}

func conferenceXML(state string, users ...string) []byte {
	return []byte(`<?xml version="1.0" encoding="UTF-8"?>` +
		`<conference-info xmlns="urn:ietf:params:xml:ns:conference-info" entity="sip:conf-42@conf.ims.example.com" state="` + state + `" version="1">` +
		`<users>` + strings.Join(users, "") + `</users></conference-info>`)
}

func notifyRequest(t *testing.T, callID, state string, body []byte) *sip.Request {
	t.Helper()
	req := sip.NewRequest(sip.NOTIFY, mustURI(t, "sip:+33600000001@10.0.0.5:5060"))
	id := sip.CallIDHeader(callID)
	req.AppendHeader(&id)
	req.AppendHeader(sip.NewHeader("Event", "conference"))
	req.AppendHeader(sip.NewHeader("Subscription-State", state))
	req.AppendHeader(sip.NewHeader("Content-Type", ContentTypeConference))
	req.SetBody(body)
	return req
}
