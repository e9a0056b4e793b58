package rpc

import (
	"context"

	"gitlab.com/NebulousLabs/errors"

	"github.com/orclabs/orcd/contact"
	"github.com/orclabs/orcd/contract"
)

// ConsignArgs is the CONSIGN verb's single parameter: the shard hash
// the renter wants to upload.
type ConsignArgs struct {
	Hash string
}

// ConsignReply carries the transfer token authorizing the upload.
type ConsignReply struct {
	Token string
}

// Consign handles the CONSIGN verb (renter -> farmer): spec.md §4.6.
func (h *Handlers) Consign(ctx context.Context, from contact.Contact, args ConsignArgs) (*ConsignReply, error) {
	key := contractKey(args.Hash, from.Info.HDKey)
	c, ok, err := h.Contracts.Get(key)
	if err != nil {
		return nil, errors.AddContext(err, "failed to look up contract")
	}
	if !ok {
		return nil, ErrNoSuchContract
	}
	if nowMillis() > c.GetInt64(contract.FieldStoreEnd) {
		return nil, ErrContractExpired
	}

	tok, err := h.Tokens.Mint(args.Hash, from)
	if err != nil {
		return nil, errors.AddContext(err, "failed to mint transfer token")
	}
	return &ConsignReply{Token: tok}, nil
}
