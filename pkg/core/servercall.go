package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/rcs_core/pkg/sip/dialog"
)

var errAlreadyAnswered = errors.New("invite already answered")

// serverCall отвечает на входящий INVITE через серверную транзакцию и
// завершает принятый диалог BYE. Все ответы несут один и тот же To tag.
type serverCall struct {
	client *Client
	req    *sip.Request
	tx     serverTx
	tag    string

	mu       sync.Mutex
	answered bool
	final    chan struct{}
}

func newServerCall(c *Client, req *sip.Request, tx serverTx) *serverCall {
	return &serverCall{
		client: c,
		req:    req,
		tx:     tx,
		tag:    dialog.NewTag(),
		final:  make(chan struct{}),
	}
}

// Answered отправлен ли финальный ответ
func (sc *serverCall) Answered() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.answered
}

// Respond реализует session.IncomingCall
func (sc *serverCall) Respond(_ context.Context, code int, reason string, body []byte, contentType string) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.answered {
		return errAlreadyAnswered
	}

	res := sip.NewResponseFromRequest(sc.req, code, reason, body)
	if code > 100 {
		if to := res.To(); to != nil {
			if to.Params == nil {
				to.Params = sip.NewParams()
			}
			to.Params = to.Params.Add("tag", sc.tag)
		}
	}
	if code >= 200 && code < 300 {
		res.AppendHeader(&sip.ContactHeader{Address: sc.client.contact})
	}
	if len(body) > 0 && contentType != "" {
		res.AppendHeader(sip.NewHeader("Content-Type", contentType))
	}

	if err := sc.tx.Respond(res); err != nil {
		return fmt.Errorf("failed to respond %d: %w", code, err)
	}
	if code >= 200 {
		sc.answered = true
		close(sc.final)
	}
	return nil
}

// Bye реализует session.Hangup: UAS сторона завершает диалог, который
// она приняла
func (sc *serverCall) Bye(ctx context.Context) error {
	from, to := sc.req.From(), sc.req.To()
	if from == nil || to == nil {
		return fmt.Errorf("invite without From or To")
	}

	h := dialog.NewHandle(to.Address, from.Address,
		dialog.WithExchangeID(callIDOf(sc.req)),
		dialog.WithLocalTag(sc.tag),
	)
	if tag, ok := from.Params.Get("tag"); ok {
		h.SetRemoteTag(tag)
	}
	if contact := sc.req.Contact(); contact != nil {
		h.ReplaceTarget(contact.Address)
	}
	if routes := recordRoute(sc.req); len(routes) > 0 {
		h.SetRouteSet(routes)
	}

	c := sc.client
	bye := h.BuildRequest(sip.BYE)
	bye.PrependHeader(dialog.NewVia(c.transport(), c.localIP, c.localPort))
	res, err := c.engine.Send(ctx, bye)
	if err != nil {
		return err
	}
	c.logger.Info("BYE отправлен", slog.String("CallID", callIDOf(sc.req)), slog.Int("status", res.StatusCode))
	return nil
}

// recordRoute route set UAS стороны: Record-Route запроса в том же порядке
func recordRoute(req *sip.Request) []sip.Uri {
	return dialog.AddressURIs(dialog.HeaderValues(req, "Record-Route"))
}
