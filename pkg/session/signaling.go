package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/rcs_core/pkg/sip/auth"
	"github.com/arzzra/rcs_core/pkg/sip/dialog"
)

const maxInviteChallenges = 1

// IncomingCall отвечает на входящий INVITE сессии
type IncomingCall interface {
	Respond(ctx context.Context, code int, reason string, body []byte, contentType string) error
}

// Initiate отправляет INVITE с SDP предложением и ждет финального ответа.
// 180 переводит сессию в RINGING, 2xx подтверждается ACK и переводит в
// STARTED, 486 и 603 означают отказ собеседника.
func (s *Session) Initiate(ctx context.Context) error {
	if s.direction != DirectionOutgoing {
		return fmt.Errorf("%w: initiate on incoming session", ErrInvalidTransition)
	}
	engine := s.svc.engine
	if engine == nil {
		return ErrNoSignaling
	}

	s.sigMu.Lock()
	defer s.sigMu.Unlock()

	cfg := s.svc.signaling()
	h := dialog.NewHandle(cfg.LocalURI, s.remoteURI(), dialog.WithPreloadedRoute(cfg.ServiceRoute...))
	s.handle = h
	s.setCallID(h.ExchangeID())

	body, err := BuildOffer(s.kind, s.svc.media(s.id), s.Record().Content)
	if err != nil {
		return err
	}

	s.inviting.Store(true)
	defer s.inviting.Store(false)

	authz := auth.NewAuthorizer(cfg.Credentials)
	for challenges := 0; ; {
		req, err := s.buildInvite(h, authz, body)
		if err != nil {
			return s.initiationFailed(ctx, err)
		}

		s.logger.Info("Отправка INVITE", slog.String("CallID", h.ExchangeID()))
		res, err := engine.Invite(ctx, req, func(r *sip.Response) {
			if r.StatusCode == 180 {
				if err := s.Handle180Ringing(ctx); err != nil {
					s.logger.Debug("Ringing не применен", slog.Any("error", err))
				}
			}
		})
		if err != nil {
			return s.initiationFailed(ctx, err)
		}

		switch code := res.StatusCode; {
		case code >= 200 && code < 300:
			return s.established2xx(ctx, h, req, res)

		case code == 401 || code == 407:
			challenges++
			if challenges > maxInviteChallenges {
				return s.initiationFailed(ctx, fmt.Errorf("repeated challenge %d", code))
			}
			if err := authz.HandleChallenge(res); err != nil {
				return s.initiationFailed(ctx, err)
			}
			continue

		case code == 486 || code == 603:
			return s.HandleSessionRejectedByRemote(ctx)

		case code == 487:
			return s.handleError(ctx, CodeInitiationCancelled)
		}
		return s.initiationFailed(ctx, fmt.Errorf("INVITE rejected: %d %s", res.StatusCode, res.Reason))
	}
}

func (s *Session) established2xx(ctx context.Context, h *dialog.Handle, invite *sip.Request, res *sip.Response) error {
	s.inviting.Store(false)
	h.UpdateFromResponse(res, true)

	cfg := s.svc.signaling()
	ack := h.BuildAck(invite)
	ack.PrependHeader(dialog.NewVia(cfg.Transport, cfg.LocalIP, cfg.LocalPort))
	if err := s.svc.engine.Ack(ctx, ack); err != nil {
		s.logger.Warn("Не удалось отправить ACK", slog.Any("error", err))
	}
	s.established = true

	if st := s.State(); st.IsTerminal() {
		// сессия завершена, пока ждали ответа: STARTED не наступает
		s.sendBye(ctx)
		return fmt.Errorf("%w: answered in %s", ErrInvalidTransition, st)
	}
	err := s.HandleSessionStarted(ctx)
	if errors.Is(err, ErrInvalidTransition) {
		s.sendBye(ctx)
	}
	return err
}

func (s *Session) initiationFailed(ctx context.Context, cause error) error {
	s.logger.Warn("Инициация сессии не удалась", slog.Any("error", cause))
	if err := s.handleError(ctx, CodeInitiationFailed); err != nil {
		return errors.Join(cause, err)
	}
	return fmt.Errorf("session initiation failed: %w", cause)
}

func (s *Session) buildInvite(h *dialog.Handle, authz *auth.Authorizer, body []byte) (*sip.Request, error) {
	cfg := s.svc.signaling()
	req := h.BuildRequest(sip.INVITE)
	req.PrependHeader(dialog.NewVia(cfg.Transport, cfg.LocalIP, cfg.LocalPort))

	contact := &sip.ContactHeader{Address: cfg.Contact, Params: sip.NewParams()}
	for _, tag := range cfg.FeatureTags {
		name, value, _ := strings.Cut(tag, "=")
		contact.Params = contact.Params.Add(name, value)
	}
	req.AppendHeader(contact)
	if cfg.UserAgent != "" {
		req.AppendHeader(sip.NewHeader("User-Agent", cfg.UserAgent))
	}
	req.AppendHeader(sip.NewHeader("Content-Type", ContentTypeSDP))
	req.SetBody(body)

	if err := authz.Authorize(req); err != nil {
		return nil, err
	}
	return req, nil
}

// Abort прерывает сессию по запросу пользователя; для установленного
// диалога отправляется BYE. Пока INVITE ждет ответа, ABORTED фиксируется
// сразу, а пришедший позже 2xx закрывается из Initiate.
func (s *Session) Abort(ctx context.Context) error {
	if s.inviting.Load() {
		err := s.HandleSessionAborted(ctx, CauseUser)
		if !s.inviting.Load() {
			// 2xx обработан одновременно с переходом
			s.sigMu.Lock()
			s.sendBye(ctx)
			s.sigMu.Unlock()
		}
		return err
	}

	s.sigMu.Lock()
	s.sendBye(ctx)
	s.sigMu.Unlock()
	return s.HandleSessionAborted(ctx, CauseUser)
}

// Hangup завершает принятый входящий диалог; IncomingCall может его реализовать
type Hangup interface {
	Bye(ctx context.Context) error
}

// sendBye вызывается под sigMu
func (s *Session) sendBye(ctx context.Context) {
	if !s.established {
		return
	}
	s.established = false

	if s.handle == nil {
		if hb, ok := s.incoming.(Hangup); ok {
			if err := hb.Bye(ctx); err != nil {
				s.logger.Warn("BYE не отправлен", slog.Any("error", err))
			}
		}
		return
	}
	if s.svc.engine == nil {
		return
	}

	cfg := s.svc.signaling()
	req := s.handle.BuildRequest(sip.BYE)
	req.PrependHeader(dialog.NewVia(cfg.Transport, cfg.LocalIP, cfg.LocalPort))
	res, err := s.svc.engine.Send(ctx, req)
	if err != nil {
		s.logger.Warn("BYE без ответа", slog.Any("error", err))
		return
	}
	s.logger.Info("BYE отправлен", slog.Int("status", res.StatusCode))
}

// AcceptInvitation принимает входящее приглашение: ACCEPTING сохраняется
// до отправки 200 OK, STARTED наступает по ACK
func (s *Session) AcceptInvitation(ctx context.Context) error {
	s.sigMu.Lock()
	defer s.sigMu.Unlock()

	if s.incoming == nil || s.offer == nil {
		return ErrNoSignaling
	}
	if s.State() == StateInvited {
		if err := s.HandleSessionAccepted(ctx); err != nil {
			return err
		}
	} else if s.State() != StateAccepting {
		return fmt.Errorf("%w: accept in %s", ErrInvalidTransition, s.State())
	}

	answer, err := BuildAnswer(s.offer, s.svc.media(s.id))
	if err != nil {
		return err
	}
	if err := s.incoming.Respond(ctx, 200, "OK", answer, ContentTypeSDP); err != nil {
		s.logger.Warn("Не удалось ответить 200 OK", slog.Any("error", err))
		if ferr := s.handleError(ctx, CodeInitiationFailed); ferr != nil {
			return errors.Join(err, ferr)
		}
		return err
	}
	s.established = true
	return nil
}

// rejectTooBig отклоняет входящий файл сверх лимита размера
func (s *Session) rejectTooBig(ctx context.Context) error {
	s.sigMu.Lock()
	defer s.sigMu.Unlock()

	if s.incoming != nil {
		if err := s.incoming.Respond(ctx, 603, "Decline", nil, ""); err != nil {
			s.logger.Warn("Не удалось отправить 603", slog.Any("error", err))
		}
	}
	return s.HandleTransferError(ctx, CodeMediaSizeTooBig)
}

// cancelled отвечает 487 на отмененный INVITE; после 200 OK CANCEL опоздал
func (s *Session) cancelled(ctx context.Context) error {
	s.sigMu.Lock()
	defer s.sigMu.Unlock()

	if s.established {
		return fmt.Errorf("%w: cancel after answer", ErrInvalidTransition)
	}
	if s.incoming != nil {
		if err := s.incoming.Respond(ctx, 487, "Request Terminated", nil, ""); err != nil {
			s.logger.Warn("Не удалось отправить 487", slog.Any("error", err))
		}
	}
	return s.handleError(ctx, CodeInitiationCancelled)
}

// RejectInvitation отклоняет входящее приглашение ответом 603
func (s *Session) RejectInvitation(ctx context.Context) error {
	s.sigMu.Lock()
	defer s.sigMu.Unlock()

	if s.incoming != nil {
		if err := s.incoming.Respond(ctx, 603, "Decline", nil, ""); err != nil {
			s.logger.Warn("Не удалось отправить 603", slog.Any("error", err))
		}
	}
	return s.HandleSessionRejectedByUser(ctx)
}
