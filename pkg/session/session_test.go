package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFileTransfer_SystemPauseAndResume исходящая HTTP передача: пауза
// системой убирает сессию из реестра, возобновление восстанавливает ее из
// ResumeInfo с тем же идентификатором
func TestFileTransfer_SystemPauseAndResume(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(t))

	s, err := f.service.StartOutgoing(ctx, Outgoing{
		Kind:           KindFileTransfer,
		RemoteIdentity: "0611223344",
		Content:        photo,
		HTTP:           true,
		TransferURL:    "https://ft.example.com/upload/1",
	})
	require.NoError(t, err)
	assert.Equal(t, StateInitiating, s.State())
	assert.Equal(t, 0, f.engine.Count(), "HTTP transfer does not send INVITE")
	assert.Equal(t, "+33611223344", s.RemoteIdentity())

	require.NoError(t, s.HandleSessionStarted(ctx))
	require.NoError(t, s.HandleTransferProgress(ctx, 400, 1000))
	require.NoError(t, s.HandleFileTransferPausedBySystem(ctx))

	_, live := f.service.Get(s.ID())
	assert.False(t, live, "paused by system must leave the active registry")
	saved := f.store.get(s.ID())
	assert.Equal(t, StatePaused, saved.State)
	assert.Equal(t, ReasonPausedBySystem, saved.Reason)
	require.NotNil(t, saved.ResumeInfo)
	assert.Equal(t, int64(400), saved.ResumeInfo.Offset)

	_, err = f.service.ResumeTransfer(ctx, s.ID())
	assert.ErrorIs(t, err, ErrResumeNotAllowed, "user resume requires PAUSED_BY_USER")

	resumed, err := f.service.ResumeAfterSystemPause(ctx, s.ID())
	require.NoError(t, err)
	assert.NotSame(t, s, resumed, "a fresh instance is built from resume info")
	assert.Equal(t, s.ID(), resumed.ID())
	assert.Equal(t, StateStarted, resumed.State())
	assert.Equal(t, int64(400), resumed.Record().BytesDone)
	got, live := f.service.Get(s.ID())
	require.True(t, live)
	assert.Same(t, resumed, got)

	done := photo
	done.URI = "https://ft.example.com/download/1"
	require.NoError(t, resumed.HandleFileTransferred(ctx, done))

	assert.Equal(t, StateTransferred, resumed.State())
	_, live = f.service.Get(s.ID())
	assert.False(t, live)
	saved = f.store.get(s.ID())
	assert.Equal(t, done.URI, saved.Content.URI)
	assert.Equal(t, photo.Size, saved.BytesDone)
	assert.Nil(t, saved.ResumeInfo)

	assert.Equal(t, []State{StateInitiating, StateStarted, StatePaused, StateStarted, StateTransferred}, f.events.states())
	assert.Equal(t, [][2]int64{{400, 1000}}, f.events.progress)
	assert.Empty(t, f.events.unsaved, "every broadcast must follow persistence")
}

func TestResumeTransfer_LiveInstance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(t))
	s := f.startHTTP(t)

	require.True(t, s.IsAllowedToPause())
	require.NoError(t, s.Pause(ctx))
	assert.Equal(t, ReasonPausedByUser, s.Reason())
	_, live := f.service.Get(s.ID())
	assert.True(t, live, "paused by user keeps the live instance")

	resumed, err := f.service.ResumeTransfer(ctx, s.ID())
	require.NoError(t, err)
	assert.Same(t, s, resumed)
	assert.Equal(t, StateStarted, s.State())
}

func TestResumeTransfer_FromPersistence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(t))
	f.store.put(pausedRecord("ft-1", StatePaused, ReasonPausedByUser))

	s, err := f.service.ResumeTransfer(ctx, "ft-1")
	require.NoError(t, err)
	assert.Equal(t, StateStarted, s.State())
	assert.Equal(t, int64(250), s.Record().BytesDone)
	assert.Equal(t, DirectionOutgoing, s.Direction())
	assert.Equal(t, 1, f.service.Registry().Len())
	assert.Equal(t, StateStarted, f.store.get("ft-1").State)
}

func TestResumeTransfer_Rejected(t *testing.T) {
	cases := []struct {
		name    string
		rec     Record
		network bool
		busy    bool
		want    error
	}{
		{"paused by system", pausedRecord("ft-1", StatePaused, ReasonPausedBySystem), true, false, ErrResumeNotAllowed},
		{"aborted", pausedRecord("ft-1", StateAborted, ReasonAbortedByUser), true, false, ErrResumeNotAllowed},
		{"failed", pausedRecord("ft-1", StateFailed, ReasonFailedDataTransfer), true, false, ErrResumeNotAllowed},
		{"reason checked before network", pausedRecord("ft-1", StatePaused, ReasonPausedBySystem), false, false, ErrResumeNotAllowed},
		{"no network", pausedRecord("ft-1", StatePaused, ReasonPausedByUser), false, false, ErrNoNetwork},
		{"outgoing limit", pausedRecord("ft-1", StatePaused, ReasonPausedByUser), true, true, ErrMaxSessionsReached},
		{"no resume info", func() Record {
			r := pausedRecord("ft-1", StatePaused, ReasonPausedByUser)
			r.ResumeInfo = nil
			return r
		}(), true, false, ErrNoResumeInfo},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			cfg := testConfig(t)
			cfg.MaxOutgoingTransfers = 1
			f := newFixture(t, cfg)
			if tc.busy {
				f.startHTTP(t)
			}
			f.store.put(tc.rec)
			f.network.set(tc.network)
			before, saves := f.events.count(), f.store.saves()

			_, err := f.service.ResumeTransfer(ctx, "ft-1")

			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, before, f.events.count(), "no broadcast")
			assert.Equal(t, saves, f.store.saves(), "no persistence")
			assert.Equal(t, 0, f.engine.Count(), "no network activity")
			_, live := f.service.Get("ft-1")
			assert.False(t, live)
		})
	}
}

func TestResumeTransfer_NotFound(t *testing.T) {
	f := newFixture(t, testConfig(t))
	_, err := f.service.ResumeTransfer(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResumeAllSystemPaused(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(t))
	f.store.put(pausedRecord("ft-1", StatePaused, ReasonPausedBySystem))
	f.store.put(pausedRecord("ft-2", StatePaused, ReasonPausedBySystem))
	f.store.put(pausedRecord("ft-3", StatePaused, ReasonPausedByUser))

	n, err := f.service.ResumeAllSystemPaused(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, StateStarted, f.store.get("ft-1").State)
	assert.Equal(t, StateStarted, f.store.get("ft-2").State)
	assert.Equal(t, StatePaused, f.store.get("ft-3").State)
}

func TestPauseAllBySystem(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(t))
	running := f.startHTTP(t)
	held := f.startHTTP(t)
	require.NoError(t, held.HandleFileTransferPausedByUser(ctx))

	n, err := f.service.PauseAllBySystem(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, n)
	assert.Equal(t, ReasonPausedBySystem, f.store.get(running.ID()).Reason)
	assert.Equal(t, ReasonPausedByUser, held.Reason())
	_, live := f.service.Get(running.ID())
	assert.False(t, live)
}

func TestResendTransfer(t *testing.T) {
	cases := []struct {
		state   State
		reason  Reason
		allowed bool
	}{
		{StateFailed, ReasonFailedDataTransfer, true},
		{StateFailed, ReasonFailedInitiation, true},
		{StateAborted, ReasonAbortedBySystem, true},
		{StateAborted, ReasonAbortedByUser, true},
		{StateAborted, ReasonAbortedByRemote, false},
		{StateRejected, ReasonRejectedByRemote, false},
		{StateRejected, ReasonRejectedMaxSize, false},
		{StateTransferred, ReasonUnspecified, false},
		{StatePaused, ReasonPausedByUser, false},
		{StateStarted, ReasonUnspecified, false},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s/%s", tc.state, tc.reason), func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, testConfig(t))
			f.store.put(pausedRecord("ft-1", tc.state, tc.reason))

			ok, err := f.service.IsAllowedToResend(ctx, "ft-1")
			require.NoError(t, err)
			assert.Equal(t, tc.allowed, ok)

			s, err := f.service.ResendTransfer(ctx, "ft-1")
			if !tc.allowed {
				assert.ErrorIs(t, err, ErrResendNotAllowed)
				assert.Equal(t, 0, f.events.count())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "ft-1", s.ID(), "resend keeps the transfer id")
			assert.Equal(t, StateInitiating, s.State())
			assert.Equal(t, int64(0), s.Record().BytesDone)
			require.NotNil(t, s.Record().ResumeInfo)
			assert.Equal(t, int64(0), s.Record().ResumeInfo.Offset)
			assert.Equal(t, []State{StateInitiating}, f.events.states())
		})
	}
}

func TestResendTransfer_Ongoing(t *testing.T) {
	f := newFixture(t, testConfig(t))
	s := f.startHTTP(t)

	_, err := f.service.ResendTransfer(context.Background(), s.ID())
	assert.ErrorIs(t, err, ErrResendNotAllowed)
}

func TestResendTransfer_NoNetwork(t *testing.T) {
	f := newFixture(t, testConfig(t))
	f.store.put(pausedRecord("ft-1", StateFailed, ReasonFailedDataTransfer))
	f.network.set(false)

	_, err := f.service.ResendTransfer(context.Background(), "ft-1")
	assert.ErrorIs(t, err, ErrNoNetwork)
}

// TestPersistFailure_NoBroadcast ошибка хранилища не доходит до слушателей
func TestPersistFailure_NoBroadcast(t *testing.T) {
	ops := map[string]func(ctx context.Context, s *Session) error{
		"pause user":  func(ctx context.Context, s *Session) error { return s.HandleFileTransferPausedByUser(ctx) },
		"pause sys":   func(ctx context.Context, s *Session) error { return s.HandleFileTransferPausedBySystem(ctx) },
		"aborted":     func(ctx context.Context, s *Session) error { return s.HandleSessionAborted(ctx, CauseSystem) },
		"error":       func(ctx context.Context, s *Session) error { return s.HandleTransferError(ctx, CodeMediaUploadFailed) },
		"progress":    func(ctx context.Context, s *Session) error { return s.HandleTransferProgress(ctx, 10, 1000) },
		"transferred": func(ctx context.Context, s *Session) error { return s.HandleFileTransferred(ctx, photo) },
		"not allowed": func(ctx context.Context, s *Session) error { return s.HandleTransferNotAllowedToSend(ctx) },
	}

	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, testConfig(t))
			s := f.startHTTP(t)
			before := f.events.count()
			saved := f.store.get(s.ID())

			f.store.fail(errStoreDown)
			err := op(ctx, s)

			assert.ErrorIs(t, err, errStoreDown)
			assert.Equal(t, before, f.events.count(), "no broadcast after failed persistence")
			assert.Empty(t, f.events.progress)
			assert.Equal(t, StateStarted, s.State())
			assert.Equal(t, saved, f.store.get(s.ID()))
			_, live := f.service.Get(s.ID())
			assert.True(t, live)
		})
	}
}

// TestPersistFailure_Started STARTED из INITIATING не рассылается без записи
func TestPersistFailure_Started(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(t))
	s, err := f.service.StartOutgoing(ctx, Outgoing{
		Kind:           KindFileTransfer,
		RemoteIdentity: "0611223344",
		Content:        photo,
		HTTP:           true,
		TransferURL:    "https://ft.example.com/upload/1",
	})
	require.NoError(t, err)
	require.Equal(t, StateInitiating, s.State())
	before := f.events.count()
	saved := f.store.get(s.ID())

	f.store.fail(errStoreDown)
	assert.ErrorIs(t, s.HandleSessionStarted(ctx), errStoreDown)

	assert.Equal(t, before, f.events.count())
	assert.Equal(t, StateInitiating, s.State())
	assert.Equal(t, saved, f.store.get(s.ID()))
}

func TestStartOutgoing_PersistFailure(t *testing.T) {
	f := newFixture(t, testConfig(t))
	f.store.fail(errStoreDown)

	_, err := f.service.StartOutgoing(context.Background(), Outgoing{Kind: KindFileTransfer, RemoteIdentity: "0611223344", Content: photo, HTTP: true})

	assert.ErrorIs(t, err, errStoreDown)
	assert.Equal(t, 0, f.events.count())
	assert.Equal(t, 0, f.service.Registry().Len())
}

func TestStartOutgoing_NoNetwork(t *testing.T) {
	f := newFixture(t, testConfig(t))
	f.network.set(false)

	_, err := f.service.StartOutgoing(context.Background(), Outgoing{Kind: KindFileTransfer, Content: photo, HTTP: true})
	assert.ErrorIs(t, err, ErrNoNetwork)
}

func TestHandleSessionAborted(t *testing.T) {
	cases := []struct {
		cause Cause
		want  Reason
	}{
		{CauseTimeout, ReasonAbortedBySystem},
		{CauseSystem, ReasonAbortedBySystem},
		{CauseUser, ReasonAbortedByUser},
		{CauseRemote, ReasonAbortedByRemote},
	}
	for _, tc := range cases {
		t.Run(tc.cause.String(), func(t *testing.T) {
			f := newFixture(t, testConfig(t))
			s := f.startHTTP(t)

			require.NoError(t, s.HandleSessionAborted(context.Background(), tc.cause))

			assert.Equal(t, StateAborted, s.State())
			assert.Equal(t, tc.want, s.Reason())
			assert.Equal(t, tc.want, f.events.last().Reason)
			_, live := f.service.Get(s.ID())
			assert.False(t, live)
		})
	}
}

func TestHandleSessionAborted_Unmapped(t *testing.T) {
	f := newFixture(t, testConfig(t))
	s := f.startHTTP(t)
	saves := f.store.saves()

	err := s.HandleSessionAborted(context.Background(), Cause(42))

	assert.ErrorIs(t, err, ErrUnmappedCause)
	assert.Equal(t, StateStarted, s.State())
	assert.Equal(t, saves, f.store.saves())
}

func TestHandleSessionAborted_RemoteAfterTransferred(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(t))
	s := f.startHTTP(t)
	require.NoError(t, s.HandleFileTransferred(ctx, photo))
	before := f.events.count()

	require.NoError(t, s.HandleSessionAborted(ctx, CauseRemote))

	assert.Equal(t, StateTransferred, s.State())
	assert.Equal(t, before, f.events.count())
}

func TestHandleTransferError(t *testing.T) {
	cases := []struct {
		code   ErrorCode
		state  State
		reason Reason
	}{
		{CodeInitiationDeclined, StateRejected, ReasonRejectedByRemote},
		{CodeInitiationCancelled, StateRejected, ReasonRejectedByRemote},
		{CodeMediaSavingFailed, StateFailed, ReasonFailedSaving},
		{CodeMediaSizeTooBig, StateRejected, ReasonRejectedMaxSize},
		{CodeMediaTransferFailed, StateFailed, ReasonFailedDataTransfer},
		{CodeMediaUploadFailed, StateFailed, ReasonFailedDataTransfer},
		{CodeMediaDownloadFailed, StateFailed, ReasonFailedDataTransfer},
		{CodeNoChatSession, StateFailed, ReasonFailedInitiation},
		{CodeInitiationFailed, StateFailed, ReasonFailedInitiation},
		{CodeNotEnoughStorage, StateRejected, ReasonRejectedLowSpace},
	}
	for _, tc := range cases {
		t.Run(tc.code.String(), func(t *testing.T) {
			f := newFixture(t, testConfig(t))
			s, err := f.service.HandleSessionInvited(context.Background(), Invitation{
				Kind: KindFileTransfer, RemoteIdentity: "+33611223344", Content: photo,
			})
			require.NoError(t, err)

			require.NoError(t, s.HandleTransferError(context.Background(), tc.code))
			assert.Equal(t, tc.state, s.State())
			assert.Equal(t, tc.reason, s.Reason())
			assert.Equal(t, 0, f.service.Registry().Len())
		})
	}
}

func TestHandleTransferError_Unmapped(t *testing.T) {
	f := newFixture(t, testConfig(t))
	s := f.startHTTP(t)

	for _, code := range []ErrorCode{CodeMediaStreamingFailed, CodeMediaPlayerNotInitialized, ErrorCode(99)} {
		err := s.HandleTransferError(context.Background(), code)
		assert.ErrorIs(t, err, ErrUnmappedError, code.String())
	}
	assert.Equal(t, StateStarted, s.State())
}

func TestHandleSharingError(t *testing.T) {
	cases := []struct {
		code   ErrorCode
		state  State
		reason Reason
	}{
		{CodeInitiationFailed, StateFailed, ReasonFailedInitiation},
		{CodeInitiationCancelled, StateRejected, ReasonRejectedByRemote},
		{CodeInitiationDeclined, StateRejected, ReasonRejectedByRemote},
		{CodeMediaTransferFailed, StateFailed, ReasonFailedSharing},
		{CodeMediaStreamingFailed, StateFailed, ReasonFailedSharing},
		{CodeUnsupportedMediaType, StateFailed, ReasonFailedSharing},
		{CodeMediaPlayerNotInitialized, StateFailed, ReasonFailedSharing},
	}
	for _, tc := range cases {
		state, reason, err := SharingOutcome(tc.code)
		require.NoError(t, err, tc.code.String())
		assert.Equal(t, tc.state, state, tc.code.String())
		assert.Equal(t, tc.reason, reason, tc.code.String())
	}

	_, _, err := SharingOutcome(CodeMediaSizeTooBig)
	assert.ErrorIs(t, err, ErrUnmappedError)
}

func TestHandleSessionRejectedByTimeout(t *testing.T) {
	f := newFixture(t, testConfig(t))
	ft, err := f.service.HandleSessionInvited(context.Background(), Invitation{Kind: KindFileTransfer, Content: photo})
	require.NoError(t, err)
	vs, err := f.service.HandleSessionInvited(context.Background(), Invitation{Kind: KindVideoSharing})
	require.NoError(t, err)

	require.NoError(t, ft.HandleSessionRejectedByTimeout(context.Background()))
	require.NoError(t, vs.HandleSessionRejectedByTimeout(context.Background()))

	assert.Equal(t, ReasonRejectedByInactivity, ft.Reason())
	assert.Equal(t, ReasonRejectedTimeOut, vs.Reason())
	assert.Len(t, f.events.invitations, 2)
}

func TestPause_NotAllowed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(t))

	s, err := f.service.StartOutgoing(ctx, Outgoing{Kind: KindFileTransfer, Content: photo, HTTP: true})
	require.NoError(t, err)
	assert.ErrorIs(t, s.Pause(ctx), ErrPauseNotAllowed, "not started yet")

	inv, err := f.service.HandleSessionInvited(ctx, Invitation{Kind: KindFileTransfer, Content: photo})
	require.NoError(t, err)
	require.NoError(t, inv.HandleSessionAccepted(ctx))
	require.NoError(t, inv.HandleSessionStarted(ctx))
	assert.ErrorIs(t, inv.Pause(ctx), ErrPauseNotAllowed, "MSRP transfer cannot pause")
}

func TestInvalidTransition(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(t))
	s, err := f.service.StartOutgoing(ctx, Outgoing{Kind: KindFileTransfer, Content: photo, HTTP: true})
	require.NoError(t, err)
	saves := f.store.saves()

	assert.ErrorIs(t, s.HandleFileTransferred(ctx, photo), ErrInvalidTransition)
	assert.ErrorIs(t, s.HandleFileTransferPausedByUser(ctx), ErrInvalidTransition)
	assert.Equal(t, saves, f.store.saves())

	require.NoError(t, s.HandleSessionAborted(ctx, CauseUser))
	assert.ErrorIs(t, s.HandleSessionStarted(ctx), ErrInvalidTransition, "terminal state")
	assert.ErrorIs(t, s.HandleTransferProgress(ctx, 1, 2), ErrInvalidTransition)
}

func TestVideoSharing_Duration(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(t))
	s, err := f.service.HandleSessionInvited(ctx, Invitation{Kind: KindVideoSharing, RemoteIdentity: "+33611223344"})
	require.NoError(t, err)

	assert.ErrorIs(t, s.HandleFileTransferPausedByUser(ctx), ErrWrongKind)
	assert.ErrorIs(t, s.HandleTransferError(ctx, CodeMediaTransferFailed), ErrWrongKind)

	require.NoError(t, s.HandleSessionAccepted(ctx))
	f.clock.advance(2 * time.Second)
	require.NoError(t, s.HandleSessionStarted(ctx))
	assert.Equal(t, 2*time.Second, f.store.get(s.ID()).Duration)

	f.clock.advance(40 * time.Second)
	require.NoError(t, s.HandleSessionAborted(ctx, CauseUser))
	assert.Equal(t, 42*time.Second, f.store.get(s.ID()).Duration)
}

func TestListener_Unsubscribe(t *testing.T) {
	f := newFixture(t, testConfig(t))
	var calls int
	remove := f.service.AddListener(ListenerFuncs{OnStateChanged: func(StateChange) { calls++ }})

	s := f.startHTTP(t)
	remove()
	require.NoError(t, s.HandleSessionAborted(context.Background(), CauseUser))

	assert.Equal(t, 2, calls)
}
