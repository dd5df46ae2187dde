// Package session реализует жизненный цикл одноранговых сессий обмена
// контентом: передача файла и показ видео. Каждый переход сначала
// сохраняется, затем рассылается слушателям.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"

	"github.com/arzzra/rcs_core/pkg/sip/dialog"
)

// Session одна передача файла или показ видео.
//
// Переходы выполняются под mu: запись в Persistence, смена состояния FSM,
// удаление из Registry для терминальных состояний и рассылка. Слушатели
// вызываются под mu и могут читать состояние сессии, но не должны
// синхронно вызывать ее переходы.
type Session struct {
	svc       *Service
	id        string
	kind      Kind
	direction Direction
	logger    *slog.Logger

	mu   sync.Mutex
	fsm  *fsm.FSM
	rec  Record
	view atomic.Pointer[Record]

	// сигнальная часть; sigMu упорядочивает INVITE и BYE одного обмена.
	// inviting выставлен, пока исходящий INVITE ждет финального ответа
	sigMu       sync.Mutex
	inviting    atomic.Bool
	handle      *dialog.Handle
	established bool
	incoming    IncomingCall
	offer       *Offer
}

func newSession(svc *Service, rec Record) *Session {
	s := &Session{
		svc:       svc,
		id:        rec.SessionID,
		kind:      rec.Kind,
		direction: rec.Direction,
		rec:       rec.clone(),
	}
	s.logger = svc.logger.With("session", rec.SessionID, "kind", string(rec.Kind))
	view := rec.clone()
	s.view.Store(&view)

	live := liveStates
	s.fsm = fsm.NewFSM(
		string(rec.State),
		fsm.Events{
			{Name: eventTo(StateRinging), Src: []string{string(StateInitiating)}, Dst: string(StateRinging)},
			{Name: eventTo(StateAccepting), Src: []string{string(StateInvited), string(StateInitiating), string(StateRinging)}, Dst: string(StateAccepting)},
			{Name: eventTo(StateStarted), Src: []string{string(StateInitiating), string(StateRinging), string(StateAccepting), string(StatePaused)}, Dst: string(StateStarted)},
			{Name: eventTo(StatePaused), Src: []string{string(StateStarted), string(StatePaused)}, Dst: string(StatePaused)},
			{Name: eventTo(StateTransferred), Src: []string{string(StateStarted)}, Dst: string(StateTransferred)},
			{Name: eventTo(StateRejected), Src: []string{string(StateInitiating), string(StateInvited), string(StateRinging), string(StateAccepting)}, Dst: string(StateRejected)},
			{Name: eventTo(StateAborted), Src: live, Dst: string(StateAborted)},
			{Name: eventTo(StateFailed), Src: live, Dst: string(StateFailed)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.logger.Debug("Состояние сессии", slog.String("from", e.Src), slog.String("to", e.Dst))
			},
		},
	)
	return s
}

// ID идентификатор сессии
func (s *Session) ID() string { return s.id }

// Kind тип сессии
func (s *Session) Kind() Kind { return s.kind }

// Direction направление сессии
func (s *Session) Direction() Direction { return s.direction }

// Record копия последней сохраненной записи
func (s *Session) Record() Record { return s.view.Load().clone() }

// State последнее сохраненное состояние
func (s *Session) State() State { return s.view.Load().State }

// Reason последний сохраненный код причины
func (s *Session) Reason() Reason { return s.view.Load().Reason }

// RemoteIdentity нормализованный номер собеседника
func (s *Session) RemoteIdentity() string { return s.view.Load().RemoteIdentity }

// CallID Call-ID сигнального обмена, пусто для HTTP передачи
func (s *Session) CallID() string { return s.view.Load().CallID }

// HandleSessionAccepted входящая сессия принята пользователем
func (s *Session) HandleSessionAccepted(ctx context.Context) error {
	return s.commit(ctx, StateAccepting, ReasonUnspecified, nil)
}

// Handle180Ringing получен 180 Ringing на исходящий INVITE
func (s *Session) Handle180Ringing(ctx context.Context) error {
	return s.commit(ctx, StateRinging, ReasonUnspecified, nil)
}

// HandleSessionStarted медиа сессия установлена
func (s *Session) HandleSessionStarted(ctx context.Context) error {
	return s.commit(ctx, StateStarted, ReasonUnspecified, nil)
}

// HandleSessionRejectedByUser пользователь отклонил приглашение
func (s *Session) HandleSessionRejectedByUser(ctx context.Context) error {
	return s.commit(ctx, StateRejected, ReasonRejectedByUser, nil)
}

// HandleSessionRejectedByTimeout приглашение не принято вовремя
func (s *Session) HandleSessionRejectedByTimeout(ctx context.Context) error {
	return s.commit(ctx, StateRejected, rejectedByTimeout(s.kind), nil)
}

// HandleSessionRejectedByRemote собеседник отклонил приглашение
func (s *Session) HandleSessionRejectedByRemote(ctx context.Context) error {
	return s.commit(ctx, StateRejected, ReasonRejectedByRemote, nil)
}

// HandleSessionAborted сессия прервана. Неизвестная причина возвращает
// ErrUnmappedCause без изменения состояния. Завершение собеседником после
// TRANSFERRED только убирает сессию из реестра.
func (s *Session) HandleSessionAborted(ctx context.Context, cause Cause) error {
	reason, err := AbortReason(cause)
	if err != nil {
		s.logger.Error("Неизвестная причина завершения", slog.Any("error", err))
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cause == CauseRemote && s.rec.State == StateTransferred {
		s.svc.registry.Remove(s)
		return nil
	}
	return s.commitLocked(ctx, StateAborted, reason, nil)
}

// HandleTransferError ошибка передачи файла
func (s *Session) HandleTransferError(ctx context.Context, code ErrorCode) error {
	if s.kind != KindFileTransfer {
		return fmt.Errorf("%w: %s", ErrWrongKind, s.kind)
	}
	state, reason, err := TransferOutcome(code)
	if err != nil {
		s.logger.Error("Неизвестный код ошибки передачи", slog.Any("error", err))
		return err
	}
	return s.commit(ctx, state, reason, nil)
}

// HandleSharingError ошибка показа видео
func (s *Session) HandleSharingError(ctx context.Context, code ErrorCode) error {
	if s.kind != KindVideoSharing {
		return fmt.Errorf("%w: %s", ErrWrongKind, s.kind)
	}
	state, reason, err := SharingOutcome(code)
	if err != nil {
		s.logger.Error("Неизвестный код ошибки видео", slog.Any("error", err))
		return err
	}
	return s.commit(ctx, state, reason, nil)
}

// handleError применяет карту ошибок по типу сессии
func (s *Session) handleError(ctx context.Context, code ErrorCode) error {
	if s.kind == KindVideoSharing {
		return s.HandleSharingError(ctx, code)
	}
	return s.HandleTransferError(ctx, code)
}

// HandleFileTransferPausedByUser передача приостановлена пользователем;
// живой экземпляр остается в реестре
func (s *Session) HandleFileTransferPausedByUser(ctx context.Context) error {
	if s.kind != KindFileTransfer {
		return fmt.Errorf("%w: %s", ErrWrongKind, s.kind)
	}
	return s.commit(ctx, StatePaused, ReasonPausedByUser, nil)
}

// HandleFileTransferPausedBySystem передача приостановлена системой; сессия
// удаляется из реестра и восстанавливается из ResumeInfo
func (s *Session) HandleFileTransferPausedBySystem(ctx context.Context) error {
	if s.kind != KindFileTransfer {
		return fmt.Errorf("%w: %s", ErrWrongKind, s.kind)
	}
	return s.commit(ctx, StatePaused, ReasonPausedBySystem, nil)
}

// HandleFileTransferResumed передача возобновлена
func (s *Session) HandleFileTransferResumed(ctx context.Context) error {
	if s.kind != KindFileTransfer {
		return fmt.Errorf("%w: %s", ErrWrongKind, s.kind)
	}
	return s.commit(ctx, StateStarted, ReasonUnspecified, nil)
}

// HandleTransferNotAllowedToSend отправка файла запрещена
func (s *Session) HandleTransferNotAllowedToSend(ctx context.Context) error {
	return s.commit(ctx, StateFailed, ReasonFailedNotAllowedToSend, nil)
}

// HandleFileTransferred файл передан; запись хранит итоговую ссылку на контент
func (s *Session) HandleFileTransferred(ctx context.Context, content Content) error {
	if s.kind != KindFileTransfer {
		return fmt.Errorf("%w: %s", ErrWrongKind, s.kind)
	}
	return s.commit(ctx, StateTransferred, ReasonUnspecified, func(r *Record) {
		r.Content = content
		if content.Size > 0 {
			r.BytesTotal = content.Size
		}
		r.BytesDone = r.BytesTotal
		r.ResumeInfo = nil
	})
}

// HandleTransferProgress сохраняет прогресс и рассылает его
func (s *Session) HandleTransferProgress(ctx context.Context, done, total int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rec.State.IsTerminal() {
		return fmt.Errorf("%w: progress in %s", ErrInvalidTransition, s.rec.State)
	}
	next := s.rec.clone()
	next.BytesDone, next.BytesTotal = done, total
	if next.ResumeInfo != nil {
		next.ResumeInfo.Offset = done
	}
	next.UpdatedAt = s.svc.now()
	if err := s.save(ctx, next); err != nil {
		return err
	}
	s.svc.broadcaster.progress(s.id, done, total)
	return nil
}

// UpdateResumeInfo сохраняет данные для возобновления без рассылки
func (s *Session) UpdateResumeInfo(ctx context.Context, info ResumeInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.rec.clone()
	next.ResumeInfo = &info
	next.UpdatedAt = s.svc.now()
	return s.save(ctx, next)
}

// IsAllowedToPause пауза доступна для HTTP передачи в STARTED
func (s *Session) IsAllowedToPause() bool {
	rec := s.view.Load()
	return s.kind == KindFileTransfer && rec.HTTP && rec.State == StateStarted
}

// Pause приостанавливает передачу по запросу пользователя
func (s *Session) Pause(ctx context.Context) error {
	if !s.IsAllowedToPause() {
		return fmt.Errorf("%w: %s http=%t", ErrPauseNotAllowed, s.State(), s.view.Load().HTTP)
	}
	return s.HandleFileTransferPausedByUser(ctx)
}

// create сохраняет новую запись и рассылает ее состояние
func (s *Session) create(ctx context.Context, invitation bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.rec.clone()
	rec.UpdatedAt = s.svc.now()
	if err := s.save(ctx, rec); err != nil {
		return err
	}
	s.svc.metrics.SessionTransition(string(s.kind), string(rec.State), string(rec.Reason))
	if invitation {
		s.svc.broadcaster.invitation(s.id, s.kind)
		return nil
	}
	s.svc.broadcaster.stateChanged(s.change(rec))
	return nil
}

func (s *Session) commit(ctx context.Context, state State, reason Reason, edit func(*Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(ctx, state, reason, edit)
}

// commitLocked сохраняет переход и только затем рассылает его
func (s *Session) commitLocked(ctx context.Context, state State, reason Reason, edit func(*Record)) error {
	current := s.rec.State
	if !s.fsm.Can(eventTo(state)) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, state)
	}

	next := s.rec.clone()
	next.State, next.Reason = state, reason
	now := s.svc.now()
	next.UpdatedAt = now
	if s.kind == KindVideoSharing && !next.Timestamp.IsZero() {
		next.Duration = now.Sub(next.Timestamp)
	}
	if edit != nil {
		edit(&next)
	}
	if err := s.save(ctx, next); err != nil {
		return err
	}

	if current != state {
		if err := s.fsm.Event(ctx, eventTo(state)); err != nil {
			var noTransition fsm.NoTransitionError
			if !errors.As(err, &noTransition) {
				s.logger.Warn("Переход FSM отклонен", slog.String("to", string(state)), slog.Any("error", err))
			}
		}
	}
	if state.IsTerminal() || reason == ReasonPausedBySystem {
		s.svc.registry.Remove(s)
	}

	s.logger.Info("Переход сессии", slog.String("state", string(state)), slog.String("reason", string(reason)))
	s.svc.metrics.SessionTransition(string(s.kind), string(state), string(reason))
	s.svc.broadcaster.stateChanged(s.change(next))
	return nil
}

func (s *Session) save(ctx context.Context, next Record) error {
	if err := s.svc.store.SaveSession(ctx, next); err != nil {
		s.logger.Error("Не удалось сохранить сессию",
			slog.String("state", string(next.State)), slog.Any("error", err))
		return fmt.Errorf("failed to save session %s: %w", s.id, err)
	}
	s.rec = next
	view := next.clone()
	s.view.Store(&view)
	return nil
}

// setCallID запоминает Call-ID; сохраняется со следующим переходом
func (s *Session) setCallID(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec.CallID = callID
	view := s.rec.clone()
	s.view.Store(&view)
}

func (s *Session) change(rec Record) StateChange {
	return StateChange{
		SessionID:      s.id,
		Kind:           s.kind,
		RemoteIdentity: rec.RemoteIdentity,
		State:          rec.State,
		Reason:         rec.Reason,
	}
}

// remoteURI адрес собеседника для INVITE
func (s *Session) remoteURI() sip.Uri {
	return s.svc.remoteURI(s.RemoteIdentity())
}
