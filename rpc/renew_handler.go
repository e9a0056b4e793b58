package rpc

import (
	"context"

	"gitlab.com/NebulousLabs/errors"

	"github.com/orclabs/orcd/contact"
	"github.com/orclabs/orcd/contract"
)

// allowedRenewalFields is the set of fields a renewal may legitimately
// change without the farmer rejecting it (spec.md §4.6 RENEW, property
// 6).
var allowedRenewalFields = map[contract.Field]bool{
	contract.FieldRenterID:        true,
	contract.FieldRenterHDKey:     true,
	contract.FieldRenterSignature: true,
	contract.FieldStoreBegin:      true,
	contract.FieldStoreEnd:        true,
	contract.FieldAuditLeaves:     true,
}

// RenewArgs is the RENEW verb's single parameter: the renewed
// descriptor proposed by the renter, wire-framed through
// contract.MarshalDescriptor.
type RenewArgs struct {
	Descriptor []byte
}

// RenewReply carries the freshly farmer-signed descriptor.
type RenewReply struct {
	Descriptor []byte
}

// Renew handles the RENEW verb (renter -> farmer): spec.md §4.6.
//
// Per the Open Question resolution in spec.md §9, the finalized
// descriptor itself (not a reply tuple) is what gets persisted under
// the contract key — there is no "result[0] vs result" ambiguity here
// because RenewReply carries exactly one descriptor.
func (h *Handlers) Renew(ctx context.Context, from contact.Contact, args RenewArgs) (*RenewReply, error) {
	renewal, err := parseDescriptor(args.Descriptor)
	if err != nil {
		return nil, ErrInvalidDescriptor
	}
	if !renewal.IsValidAndComplete(h.Verifier) {
		return nil, ErrRenewalNotValid
	}

	renterHDKey := renewal.GetString(contract.FieldRenterHDKey)
	key := contractKey(renewal.GetString(contract.FieldDataHash), renterHDKey)
	local, ok, err := h.Contracts.Get(key)
	if err != nil {
		return nil, errors.AddContext(err, "failed to look up contract")
	}
	if !ok {
		return nil, ErrRenewalNotFound
	}

	for _, f := range contract.Diff(local, renewal) {
		if !allowedRenewalFields[f] {
			return nil, errRejectingRenewal(string(f))
		}
	}

	if err := renewal.Sign(contract.RoleFarmer, h.Signer); err != nil {
		return nil, errors.AddContext(err, "failed to sign renewal as farmer")
	}
	if !renewal.IsValidAndComplete(h.Verifier) {
		return nil, ErrRenewalNotValid
	}

	newKey := contractKey(renewal.GetString(contract.FieldDataHash), renewal.GetString(contract.FieldRenterHDKey))
	if err := h.Contracts.Put(newKey, renewal); err != nil {
		return nil, errors.AddContext(err, "failed to persist renewed contract")
	}

	rawRenewal, err := renewal.MarshalDescriptor()
	if err != nil {
		return nil, errors.AddContext(err, "failed to encode renewed descriptor")
	}

	return &RenewReply{Descriptor: rawRenewal}, nil
}
