package rpc

import (
	"context"

	"gitlab.com/NebulousLabs/errors"

	"github.com/orclabs/orcd/contact"
)

// RetrieveArgs is the RETRIEVE verb's single parameter: the shard hash
// the renter wants to download.
type RetrieveArgs struct {
	Hash string
}

// RetrieveReply carries the transfer token authorizing the download.
type RetrieveReply struct {
	Token string
}

// Retrieve handles the RETRIEVE verb (renter -> farmer): spec.md §4.6.
func (h *Handlers) Retrieve(ctx context.Context, from contact.Contact, args RetrieveArgs) (*RetrieveReply, error) {
	key := contractKey(args.Hash, from.Info.HDKey)
	if _, ok, err := h.Contracts.Get(key); err != nil {
		return nil, errors.AddContext(err, "failed to look up contract")
	} else if !ok {
		return nil, ErrNoSuchContract
	}

	exists, err := h.Shards.Exists(args.Hash)
	if err != nil {
		return nil, errors.AddContext(err, "failed to check shard existence")
	}
	if !exists {
		return nil, ErrShardNotFound
	}

	tok, err := h.Tokens.Mint(args.Hash, from)
	if err != nil {
		return nil, errors.AddContext(err, "failed to mint transfer token")
	}
	return &RetrieveReply{Token: tok}, nil
}
