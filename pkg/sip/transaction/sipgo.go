package transaction

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// DefaultTimeout matches RFC 3261 Timer B/F (64*T1)
const DefaultTimeout = 32 * time.Second

// SipgoEngine is an Engine on top of a sipgo client
type SipgoEngine struct {
	client  *sipgo.Client
	timeout time.Duration
	logger  *slog.Logger
}

// EngineOption configures SipgoEngine
type EngineOption func(*SipgoEngine)

// WithTimeout overrides the final response timeout
func WithTimeout(d time.Duration) EngineOption {
	return func(e *SipgoEngine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithLogger sets the engine logger
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *SipgoEngine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewSipgoEngine wraps a sipgo client
func NewSipgoEngine(client *sipgo.Client, opts ...EngineOption) *SipgoEngine {
	e := &SipgoEngine{
		client:  client,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Send implements Engine
func (e *SipgoEngine) Send(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	return e.do(ctx, req, nil)
}

// Invite implements Engine
func (e *SipgoEngine) Invite(ctx context.Context, req *sip.Request, provisional func(*sip.Response)) (*sip.Response, error) {
	if req.Method != sip.INVITE {
		return nil, fmt.Errorf("%w: %s is not INVITE", ErrInvalidRequest, req.Method)
	}
	return e.do(ctx, req, provisional)
}

// Ack implements Engine. The ACK keeps the Via built by the caller;
// the client adds one only when it is missing.
func (e *SipgoEngine) Ack(_ context.Context, req *sip.Request) error {
	if err := e.client.WriteRequest(req); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}
	return nil
}

func (e *SipgoEngine) do(ctx context.Context, req *sip.Request, provisional func(*sip.Response)) (*sip.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	tx, err := e.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}
	defer tx.Terminate()

	for {
		select {
		case res, ok := <-tx.Responses():
			if !ok {
				return nil, ErrTerminated
			}
			if res.IsProvisional() {
				if provisional != nil {
					provisional(res)
				}
				continue
			}
			e.logger.Debug("final response",
				slog.String("method", string(req.Method)),
				slog.Int("status", res.StatusCode),
				slog.String("CallID", callIDOf(req)))
			return res, nil

		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
			}
			return nil, ErrTerminated

		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		}
	}
}

func callIDOf(req *sip.Request) string {
	if id := req.CallID(); id != nil {
		return id.Value()
	}
	return ""
}
