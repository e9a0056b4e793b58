package rpc

import (
	"context"

	"gitlab.com/NebulousLabs/errors"

	"github.com/orclabs/orcd/contact"
	"github.com/orclabs/orcd/contract"
)

// OfferArgs is the OFFER verb's single parameter: one contract
// descriptor offered by the calling farmer, wire-framed through
// contract.MarshalDescriptor (a map[string]interface{} descriptor
// cannot travel through gitlab.com/NebulousLabs/encoding, which wire
// and the overlay transport rely on).
type OfferArgs struct {
	Descriptor []byte
}

// OfferReply carries the finalized descriptor back to the farmer once
// the renter has resolved the offer.
type OfferReply struct {
	Descriptor []byte
}

// Offer handles the OFFER verb (farmer -> renter): spec.md §4.6.
func (h *Handlers) Offer(ctx context.Context, from contact.Contact, args OfferArgs) (*OfferReply, error) {
	desc, err := parseDescriptor(args.Descriptor)
	if err != nil {
		return nil, ErrInvalidDescriptor
	}
	if !desc.IsValidAndComplete(h.Verifier) {
		return nil, ErrInvalidDescriptor
	}

	hash := desc.GetString(contract.FieldDataHash)
	stream, ok := h.Offers.Lookup(hash)
	if !ok {
		return nil, ErrOffersClosed
	}

	type outcome struct {
		finalized *contract.Contract
		err       error
	}
	done := make(chan outcome, 1)
	stream.Queue(from, desc, func(err error, finalized *contract.Contract) {
		done <- outcome{finalized, err}
	})

	select {
	case o := <-done:
		if o.err != nil {
			return nil, o.err
		}
		raw, err := o.finalized.MarshalDescriptor()
		if err != nil {
			return nil, errors.AddContext(err, "failed to encode finalized descriptor")
		}
		return &OfferReply{Descriptor: raw}, nil
	case <-ctx.Done():
		return nil, errors.AddContext(ctx.Err(), "OFFER abandoned")
	}
}
