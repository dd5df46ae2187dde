// Package mocktx provides a scripted transaction.Engine for tests.
package mocktx

import (
	"context"
	"fmt"
	"sync"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/rcs_core/pkg/sip/transaction"
)

// Step produces the answer to one request
type Step func(req *sip.Request) (*sip.Response, error)

// ResponseOption modifies a scripted response
type ResponseOption func(*sip.Response)

// Engine answers requests with scripted steps in order and records them
type Engine struct {
	mu       sync.Mutex
	steps    []Step
	requests []*sip.Request
	acks     []*sip.Request
}

var _ transaction.Engine = (*Engine)(nil)

// New creates an engine with the given steps
func New(steps ...Step) *Engine {
	return &Engine{steps: steps}
}

// Push appends steps
func (e *Engine) Push(steps ...Step) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.steps = append(e.steps, steps...)
}

// Send implements transaction.Engine
func (e *Engine) Send(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	step, err := e.next(req)
	if err != nil {
		return nil, err
	}
	return step(req)
}

// Invite implements transaction.Engine. Scripted responses below 200 are
// delivered as provisional and the next step is taken for the same request.
func (e *Engine) Invite(ctx context.Context, req *sip.Request, provisional func(*sip.Response)) (*sip.Response, error) {
	step, err := e.next(req)
	if err != nil {
		return nil, err
	}
	for {
		res, err := step(req)
		if err != nil || res == nil || res.StatusCode >= 200 {
			return res, err
		}
		if provisional != nil {
			provisional(res)
		}
		if step, err = e.pop(req); err != nil {
			return nil, err
		}
	}
}

// Ack implements transaction.Engine
func (e *Engine) Ack(_ context.Context, req *sip.Request) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.acks = append(e.acks, req)
	return nil
}

// Requests returns all recorded requests
func (e *Engine) Requests() []*sip.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*sip.Request(nil), e.requests...)
}

// Last returns the last recorded request or nil
func (e *Engine) Last() *sip.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.requests) == 0 {
		return nil
	}
	return e.requests[len(e.requests)-1]
}

// Count returns the number of recorded requests
func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.requests)
}

// Acks returns recorded ACK requests
func (e *Engine) Acks() []*sip.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*sip.Request(nil), e.acks...)
}

// Pending returns the number of unused steps
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.steps)
}

func (e *Engine) next(req *sip.Request) (Step, error) {
	e.mu.Lock()
	e.requests = append(e.requests, req)
	e.mu.Unlock()
	return e.pop(req)
}

func (e *Engine) pop(req *sip.Request) (Step, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.steps) == 0 {
		return nil, fmt.Errorf("%w: no scripted step for %s", transaction.ErrTimeout, req.Method)
	}
	step := e.steps[0]
	e.steps = e.steps[1:]
	return step, nil
}

// Respond answers with the given status code
func Respond(code int, reason string, opts ...ResponseOption) Step {
	return func(req *sip.Request) (*sip.Response, error) {
		res := sip.NewResponseFromRequest(req, code, reason, nil)
		for _, opt := range opts {
			opt(res)
		}
		return res, nil
	}
}

// Timeout answers with transaction.ErrTimeout
func Timeout() Step {
	return func(req *sip.Request) (*sip.Response, error) {
		return nil, transaction.ErrTimeout
	}
}

// Inspect runs fn on the request before delegating to next
func Inspect(fn func(req *sip.Request), next Step) Step {
	return func(req *sip.Request) (*sip.Response, error) {
		fn(req)
		return next(req)
	}
}

// Block waits for release before delegating to next. entered is closed
// when the request reaches the engine.
func Block(entered chan<- struct{}, release <-chan struct{}, next Step) Step {
	return func(req *sip.Request) (*sip.Response, error) {
		close(entered)
		<-release
		return next(req)
	}
}

// WithHeader appends a header
func WithHeader(name, value string) ResponseOption {
	return func(res *sip.Response) {
		res.AppendHeader(sip.NewHeader(name, value))
	}
}

// WithToTag sets the To tag
func WithToTag(tag string) ResponseOption {
	return func(res *sip.Response) {
		if to := res.To(); to != nil {
			if to.Params == nil {
				to.Params = sip.NewParams()
			}
			to.Params = to.Params.Add("tag", tag)
		}
	}
}

// WithVia replaces the top Via host/params as seen by the server
func WithVia(received string, rport int) ResponseOption {
	return func(res *sip.Response) {
		via := res.Via()
		if via == nil {
			return
		}
		if via.Params == nil {
			via.Params = sip.NewParams()
		}
		if received != "" {
			via.Params = via.Params.Add("received", received)
		}
		if rport > 0 {
			via.Params = via.Params.Add("rport", fmt.Sprint(rport))
		}
	}
}

// WithBody sets body and Content-Type
func WithBody(contentType string, body []byte) ResponseOption {
	return func(res *sip.Response) {
		res.SetBody(body)
		res.AppendHeader(sip.NewHeader("Content-Type", contentType))
	}
}
