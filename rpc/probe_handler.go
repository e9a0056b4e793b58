package rpc

import (
	"context"

	"gitlab.com/NebulousLabs/errors"

	"github.com/orclabs/orcd/contact"
)

// ProbeArgs is the PROBE verb's (empty) parameter.
type ProbeArgs struct{}

// ProbeReply is the PROBE verb's (empty) reply.
type ProbeReply struct{}

// Probe handles the PROBE verb: a NAT/reachability self-test in which
// the callee PINGs the caller back (spec.md §4.6).
func (h *Handlers) Probe(ctx context.Context, from contact.Contact, args ProbeArgs) (*ProbeReply, error) {
	if err := h.Overlay.Ping(ctx, from); err != nil {
		return nil, errors.Compose(ErrProbeUnreachable, err)
	}
	return &ProbeReply{}, nil
}
