package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/rcs_core/pkg/phone"
	"github.com/arzzra/rcs_core/pkg/sip/auth"
	"github.com/arzzra/rcs_core/pkg/sip/transaction/mocktx"
)

var errStoreDown = errors.New("store down")

// memoryStore Persistence в памяти с возможностью внедрить ошибку
type memoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	history []Record
	err     error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{records: make(map[string]Record)}
}

func (s *memoryStore) LoadSession(_ context.Context, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec.clone(), nil
}

func (s *memoryStore) SaveSession(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records[rec.SessionID] = rec.clone()
	s.history = append(s.history, rec.clone())
	return nil
}

func (s *memoryStore) PausedSessions(_ context.Context, reason Reason) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, rec := range s.records {
		if rec.State == StatePaused && rec.Reason == reason {
			out = append(out, rec.clone())
		}
	}
	return out, nil
}

func (s *memoryStore) put(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.SessionID] = rec.clone()
}

func (s *memoryStore) get(id string) Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[id]
}

func (s *memoryStore) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *memoryStore) saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// recorder собирает события слушателя и проверяет, что каждое состояние
// уже сохранено к моменту рассылки
type recorder struct {
	mu          sync.Mutex
	store       *memoryStore
	changes     []StateChange
	progress    [][2]int64
	invitations []string
	unsaved     []StateChange
}

func (r *recorder) StateChanged(ev StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, ev)
	if saved := r.store.get(ev.SessionID); saved.State != ev.State || saved.Reason != ev.Reason {
		r.unsaved = append(r.unsaved, ev)
	}
}

func (r *recorder) Progress(_ string, done, total int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, [2]int64{done, total})
}

func (r *recorder) InvitationReceived(id string, _ Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invitations = append(r.invitations, id)
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, 0, len(r.changes))
	for _, c := range r.changes {
		out = append(out, c.State)
	}
	return out
}

func (r *recorder) last() StateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changes[len(r.changes)-1]
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changes)
}

type network struct {
	mu sync.Mutex
	up bool
}

func (n *network) IsRegistered() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.up
}

func (n *network) set(up bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.up = up
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// incomingCall запоминает ответы на входящий INVITE
type incomingCall struct {
	mu        sync.Mutex
	responses []int
	bodies    [][]byte
	byes      int
	err       error
}

func (c *incomingCall) Respond(_ context.Context, code int, _ string, body []byte, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.responses = append(c.responses, code)
	c.bodies = append(c.bodies, body)
	return nil
}

func (c *incomingCall) Bye(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byes++
	return nil
}

func mustURI(t *testing.T, s string) sip.Uri {
	t.Helper()
	var u sip.Uri
	require.NoError(t, sip.ParseUri(s, &u))
	return u
}

func testConfig(t *testing.T) Config {
	return Config{
		LocalURI:    mustURI(t, "sip:+33600000001@ims.example.com"),
		Contact:     mustURI(t, "sip:+33600000001@10.0.0.5:5060"),
		UserAgent:   "rcs-test",
		FeatureTags: []string{"+g.3gpp.iari-ref=\"urn%3Aurn-7%3A3gpp-application.ims.iari.rcs.fthttp\""},
		Credentials: auth.Credentials{Username: "+33600000001@ims.example.com", Password: "secret"},
		MediaPort:   7394,
	}
}

type fixture struct {
	service *Service
	engine  *mocktx.Engine
	store   *memoryStore
	events  *recorder
	network *network
	clock   *clock
}

func newFixture(t *testing.T, cfg Config, steps ...mocktx.Step) *fixture {
	t.Helper()
	f := &fixture{
		engine:  mocktx.New(steps...),
		store:   newMemoryStore(),
		network: &network{up: true},
		clock:   &clock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)},
	}
	f.events = &recorder{store: f.store}
	f.service = NewService(cfg, f.store,
		WithEngine(f.engine),
		WithConnectivity(f.network),
		WithClock(f.clock.Now),
		WithNormalizer(phone.NewNormalizer("+33", "0")),
	)
	f.service.AddListener(f.events)
	return f
}

var photo = Content{URI: "file:///sdcard/photo.jpg", Name: "photo.jpg", MimeType: "image/jpeg", Size: 1000}

// startHTTP создает исходящую HTTP передачу в STARTED
func (f *fixture) startHTTP(t *testing.T) *Session {
	t.Helper()
	s, err := f.service.StartOutgoing(context.Background(), Outgoing{
		Kind:           KindFileTransfer,
		RemoteIdentity: "0611223344",
		Content:        photo,
		HTTP:           true,
		TransferURL:    "https://ft.example.com/upload/1",
	})
	require.NoError(t, err)
	require.NoError(t, s.HandleSessionStarted(context.Background()))
	return s
}

// pausedRecord запись передачи без живого экземпляра
func pausedRecord(id string, state State, reason Reason) Record {
	return Record{
		SessionID:      id,
		Kind:           KindFileTransfer,
		Direction:      DirectionOutgoing,
		RemoteIdentity: "+33611223344",
		State:          state,
		Reason:         reason,
		HTTP:           true,
		Content:        photo,
		BytesDone:      250,
		BytesTotal:     photo.Size,
		ResumeInfo: &ResumeInfo{
			Direction:   DirectionOutgoing,
			Content:     photo,
			Offset:      250,
			TransferURL: "https://ft.example.com/upload/" + id,
		},
	}
}
