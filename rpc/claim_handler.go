package rpc

import (
	"context"

	"gitlab.com/NebulousLabs/errors"

	"github.com/orclabs/orcd/contact"
	"github.com/orclabs/orcd/contract"
)

// ClaimArgs is the CLAIM verb's single parameter: the renter's
// descriptor proposing to buy a previously announced capacity slot,
// wire-framed through contract.MarshalDescriptor.
type ClaimArgs struct {
	Descriptor []byte
}

// ClaimReply carries the finalized descriptor and a transfer token.
type ClaimReply struct {
	Descriptor []byte
	Token      string
}

// Claim handles the CLAIM verb (renter -> farmer): spec.md §4.6.
//
// Per the Open Question resolution in spec.md §9, payment_destination
// is always minted through the wallet integration, never the literal
// placeholder the source used.
func (h *Handlers) Claim(ctx context.Context, from contact.Contact, args ClaimArgs) (*ClaimReply, error) {
	desc, err := parseDescriptor(args.Descriptor)
	if err != nil {
		return nil, ErrInvalidDescriptor
	}

	renterHDKey := desc.GetString(contract.FieldRenterHDKey)
	if !h.Claims.Allows(renterHDKey) {
		return nil, ErrRejectingClaims
	}

	dest, err := h.Minter.MintAddress()
	if err != nil {
		return nil, errors.AddContext(err, "failed to mint payment destination")
	}

	desc.Set(contract.FieldFarmerID, h.Identity.ID)
	desc.Set(contract.FieldFarmerHDKey, h.Identity.HDKey)
	desc.Set(contract.FieldFarmerHDIndex, uint64(h.Identity.HDIndex))
	desc.Set(contract.FieldPaymentDestination, dest)

	if err := desc.Sign(contract.RoleFarmer, h.Signer); err != nil {
		return nil, errors.AddContext(err, "failed to sign descriptor as farmer")
	}

	if !desc.IsValidAndComplete(h.Verifier) {
		return nil, ErrInvalidDescriptor
	}

	key := contractKey(desc.GetString(contract.FieldDataHash), renterHDKey)
	if err := h.Contracts.Put(key, desc); err != nil {
		return nil, errors.AddContext(err, "failed to persist contract")
	}

	tok, err := h.Tokens.Mint(desc.GetString(contract.FieldDataHash), from)
	if err != nil {
		return nil, errors.AddContext(err, "failed to mint transfer token")
	}

	rawDesc, err := desc.MarshalDescriptor()
	if err != nil {
		return nil, errors.AddContext(err, "failed to encode finalized descriptor")
	}

	return &ClaimReply{Descriptor: rawDesc, Token: tok}, nil
}
