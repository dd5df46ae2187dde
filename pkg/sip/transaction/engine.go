// Package transaction is the signaling transaction engine port: a request goes
// out, the caller blocks until a final response or a timeout.
package transaction

import (
	"context"

	"github.com/emiago/sipgo/sip"
)

// Engine sends requests and returns final responses.
//
// Send and Invite block the calling goroutine only. A missing final response is
// reported as ErrTimeout.
type Engine interface {
	// Send issues a non-INVITE request and returns its final response.
	Send(ctx context.Context, req *sip.Request) (*sip.Response, error)

	// Invite issues an INVITE. Provisional responses are passed to provisional
	// (may be nil) before the final response is returned.
	Invite(ctx context.Context, req *sip.Request, provisional func(*sip.Response)) (*sip.Response, error)

	// Ack sends an ACK for a 2xx INVITE response outside any transaction.
	Ack(ctx context.Context, req *sip.Request) error
}
