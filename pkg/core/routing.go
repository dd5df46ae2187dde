package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/rcs_core/pkg/session"
	"github.com/arzzra/rcs_core/pkg/subscription"
)

// serverTx часть sip.ServerTransaction, нужная маршрутизации
type serverTx interface {
	Respond(res *sip.Response) error
	Done() <-chan struct{}
}

func callIDOf(req *sip.Request) string {
	if id := req.CallID(); id != nil {
		return id.Value()
	}
	return ""
}

// validateRequest проверяет заголовки, без которых нельзя ни построить
// ответ, ни найти сессию
func validateRequest(req *sip.Request) error {
	switch {
	case req.From() == nil:
		return fmt.Errorf("%s without From", req.Method)
	case req.To() == nil:
		return fmt.Errorf("%s without To", req.Method)
	case req.CallID() == nil:
		return fmt.Errorf("%s without Call-ID", req.Method)
	case req.CSeq() == nil:
		return fmt.Errorf("%s without CSeq", req.Method)
	}
	return nil
}

// accept отбрасывает некорректный запрос; ответить на него нечем
func (c *Client) accept(req *sip.Request) bool {
	if err := validateRequest(req); err != nil {
		c.logger.Warn("Некорректный запрос отброшен", slog.String("source", req.Source()), slog.Any("error", err))
		return false
	}
	return true
}

func (c *Client) reply(req *sip.Request, tx serverTx, code int, reason string) {
	if err := tx.Respond(sip.NewResponseFromRequest(req, code, reason, nil)); err != nil {
		c.logger.Warn("Ответ не отправлен",
			slog.String("method", string(req.Method)),
			slog.Int("status", code),
			slog.Any("error", err))
	}
}

// routeNotify передает NOTIFY подписке с тем же Call-ID
func (c *Client) routeNotify(ctx context.Context, req *sip.Request, tx serverTx) {
	if !c.accept(req) {
		return
	}
	m := c.subscriptionFor(callIDOf(req))
	if m == nil {
		c.reply(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	err := m.HandleNotify(ctx, req)
	switch {
	case err == nil:
		c.reply(req, tx, 200, "OK")
	case errors.Is(err, subscription.ErrNotForSubscription):
		c.reply(req, tx, 489, "Bad Event")
	default:
		c.logger.Warn("NOTIFY не обработан", slog.String("CallID", callIDOf(req)), slog.Any("error", err))
		c.reply(req, tx, 400, "Bad Request")
	}
}

func (c *Client) subscriptionFor(callID string) *subscription.Manager {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, m := range c.subs {
		if m.IsNotifyFor(callID) {
			return m
		}
	}
	return nil
}

// routeInvite регистрирует входящую сессию и держит транзакцию до
// финального ответа
func (c *Client) routeInvite(ctx context.Context, req *sip.Request, tx serverTx) {
	if !c.accept(req) {
		return
	}
	call := newServerCall(c, req, tx)
	if err := call.Respond(ctx, 180, "Ringing", nil, ""); err != nil {
		c.logger.Warn("180 Ringing не отправлен", slog.Any("error", err))
	}

	_, err := c.sessions.HandleIncomingInvite(ctx, req, call)
	if err != nil {
		c.logger.Info("Входящая сессия не принята",
			slog.String("CallID", callIDOf(req)), slog.Any("error", err))
		if !call.Answered() {
			code, reason := 500, "Server Internal Error"
			if errors.Is(err, session.ErrInvalidOffer) {
				code, reason = 488, "Not Acceptable Here"
			}
			call.Respond(ctx, code, reason, nil, "")
		}
		return
	}

	select {
	case <-call.final:
	case <-tx.Done():
		if !call.Answered() {
			if err := c.sessions.HandleCancel(ctx, callIDOf(req)); err != nil {
				c.logger.Debug("Транзакция INVITE завершена без ответа", slog.Any("error", err))
			}
		}
	}
}

func (c *Client) routeAck(ctx context.Context, req *sip.Request) {
	if !c.accept(req) {
		return
	}
	if err := c.sessions.HandleAck(ctx, callIDOf(req)); err != nil {
		c.logger.Debug("ACK вне сессии", slog.String("CallID", callIDOf(req)), slog.Any("error", err))
	}
}

func (c *Client) routeBye(ctx context.Context, req *sip.Request, tx serverTx) {
	if !c.accept(req) {
		return
	}
	err := c.sessions.HandleBye(ctx, callIDOf(req))
	if errors.Is(err, session.ErrNotFound) {
		c.reply(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	if err != nil {
		c.logger.Warn("BYE обработан с ошибкой", slog.Any("error", err))
	}
	c.reply(req, tx, 200, "OK")
}

func (c *Client) routeCancel(ctx context.Context, req *sip.Request, tx serverTx) {
	if !c.accept(req) {
		return
	}
	err := c.sessions.HandleCancel(ctx, callIDOf(req))
	if errors.Is(err, session.ErrNotFound) {
		c.reply(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	if err != nil {
		c.logger.Debug("CANCEL опоздал", slog.Any("error", err))
	}
	c.reply(req, tx, 200, "OK")
}

func (c *Client) routeOptions(req *sip.Request, tx serverTx) {
	if !c.accept(req) {
		return
	}
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, BYE, CANCEL, NOTIFY, OPTIONS"))
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp, application/conference-info+xml"))
	if err := tx.Respond(res); err != nil {
		c.logger.Warn("Ответ на OPTIONS не отправлен", slog.Any("error", err))
	}
}
