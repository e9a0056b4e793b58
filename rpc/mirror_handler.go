package rpc

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"gitlab.com/NebulousLabs/errors"

	"github.com/orclabs/orcd/contact"
)

// MirrorArgs is the MIRROR verb's parameters: the shard hash, the
// token the originating renter minted for the destination farmer, and
// the destination farmer's contact.
type MirrorArgs struct {
	Hash        string
	Token       string
	Destination contact.Contact
}

// MirrorReply echoes the destination's acknowledgement body back to
// the caller.
type MirrorReply struct {
	Acknowledgement []byte
}

// Mirror handles the MIRROR verb (renter -> source farmer): spec.md
// §4.6. The source farmer must already hold a contract with the
// originating renter for this hash; it then streams the shard to the
// destination farmer's shard server, authorized by the caller-minted
// token.
func (h *Handlers) Mirror(ctx context.Context, from contact.Contact, args MirrorArgs) (*MirrorReply, error) {
	key := contractKey(args.Hash, from.Info.HDKey)
	if _, ok, err := h.Contracts.Get(key); err != nil {
		return nil, errors.AddContext(err, "failed to look up contract")
	} else if !ok {
		return nil, ErrNoSuchContract
	}

	rs, err := h.Shards.CreateReadStream(args.Hash)
	if err != nil {
		return nil, errors.AddContext(err, "failed to open shard for mirroring")
	}
	defer rs.Close()

	url := fmt.Sprintf("http://%s/shards/%s?token=%s", args.Destination.Info.Address, args.Hash, args.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, rs)
	if err != nil {
		return nil, errors.AddContext(err, "failed to build mirror request")
	}

	client := h.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.AddContext(err, "mirror upload failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.AddContext(err, "failed to read mirror response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.New(fmt.Sprintf("mirror destination rejected upload: status %d", resp.StatusCode))
	}
	return &MirrorReply{Acknowledgement: body}, nil
}
