package registration

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/rcs_core/pkg/refresh"
	"github.com/arzzra/rcs_core/pkg/sip/auth"
	"github.com/arzzra/rcs_core/pkg/sip/transaction/mocktx"
)

const digestChallenge = `Digest realm="ims.example.com", nonce="4f2b1c", algorithm=MD5`

// memoryStore хранилище в памяти с возможностью внедрить ошибку
type memoryStore struct {
	mu      sync.Mutex
	records []Record
	err     error
}

func (s *memoryStore) SaveRegistration(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *memoryStore) last() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[len(s.records)-1]
}

type battery struct{ low bool }

func (b battery) IsBatteryLow() bool { return b.low }

// recorder собирает события слушателя
type recorder struct {
	mu         sync.Mutex
	succeeded  int
	failed     []error
	terminated []ReasonCode
}

func (r *recorder) RegistrationSucceeded(Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.succeeded++
}

func (r *recorder) RegistrationFailed(_ Status, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, err)
}

func (r *recorder) RegistrationTerminated(reason ReasonCode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminated = append(r.terminated, reason)
}

func mustURI(t *testing.T, s string) sip.Uri {
	t.Helper()
	var u sip.Uri
	require.NoError(t, sip.ParseUri(s, &u))
	return u
}

func testConfig(t *testing.T) Config {
	return Config{
		PublicURI:   mustURI(t, "sip:+33600000001@ims.example.com"),
		Registrar:   mustURI(t, "sip:ims.example.com"),
		Contact:     mustURI(t, "sip:+33600000001@10.0.0.5:5060"),
		Expires:     DefaultExpires,
		InstanceID:  "urn:uuid:6f1c0a2e-0000-4000-8000-000000000001",
		FeatureTags: []string{"+g.oma.sip-im"},
		Credentials: auth.Credentials{Username: "+33600000001@ims.example.com", Password: "secret"},
	}
}

type fixture struct {
	manager   *Manager
	engine    *mocktx.Engine
	scheduler *refresh.Manual
	store     *memoryStore
	events    *recorder
}

func newFixture(t *testing.T, steps ...mocktx.Step) *fixture {
	t.Helper()
	f := &fixture{
		engine:    mocktx.New(steps...),
		scheduler: refresh.NewManual(),
		store:     &memoryStore{},
		events:    &recorder{},
	}
	f.manager = NewManager(testConfig(t), f.engine,
		WithScheduler(f.scheduler),
		WithStore(f.store),
		WithDeviceStatus(battery{}),
	)
	f.manager.AddListener(f.events)
	return f
}

func expiresOf(t *testing.T, req *sip.Request) int {
	t.Helper()
	h := req.GetHeader("Expires")
	require.NotNil(t, h, "REGISTER must carry Expires")
	v, err := strconv.Atoi(h.Value())
	require.NoError(t, err)
	return v
}

func challenge() mocktx.Step {
	return mocktx.Respond(401, "Unauthorized", mocktx.WithHeader("WWW-Authenticate", digestChallenge))
}

var errStoreDown = errors.New("store down")
