// Package node wires the eight overlay RPC handlers, the offer-stream
// registry, and the capacity cache into a single long-lived Farmer/
// Renter role, the way siad's modules/host and modules/renter compose
// their shared state (SPEC_FULL.md §6.7). It favors composition over
// an inheritance hierarchy between farmer/renter roles: one Node can
// run either, or both at once, by which client methods its caller
// drives and which verbs it registers on its Overlay.
package node

import (
	"context"
	"sync"
	"time"

	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/log"
	"gitlab.com/NebulousLabs/threadgroup"

	"github.com/orclabs/orcd/contact"
	"github.com/orclabs/orcd/contract"
	"github.com/orclabs/orcd/offer"
	"github.com/orclabs/orcd/overlay"
	"github.com/orclabs/orcd/rpc"
	"github.com/orclabs/orcd/store"
	"github.com/orclabs/orcd/token"
)

// The eight overlay RPC verb names, exactly as spec.md §4.6 names them.
const (
	VerbOffer    = "OFFER"
	VerbClaim    = "CLAIM"
	VerbConsign  = "CONSIGN"
	VerbRetrieve = "RETRIEVE"
	VerbMirror   = "MIRROR"
	VerbAudit    = "AUDIT"
	VerbRenew    = "RENEW"
	VerbProbe    = "PROBE"
)

// streamRegistry is a hash->OfferStream table satisfying
// rpc.OfferRegistry, owned by the renter side of a Node.
type streamRegistry struct {
	mu      sync.Mutex
	streams map[string]*offer.Stream
}

func newStreamRegistry() *streamRegistry {
	return &streamRegistry{streams: make(map[string]*offer.Stream)}
}

// Lookup implements rpc.OfferRegistry.
func (r *streamRegistry) Lookup(dataHash string) (*offer.Stream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[dataHash]
	return s, ok
}

func (r *streamRegistry) put(dataHash string, s *offer.Stream) {
	r.mu.Lock()
	r.streams[dataHash] = s
	r.mu.Unlock()
}

func (r *streamRegistry) remove(dataHash string) {
	r.mu.Lock()
	delete(r.streams, dataHash)
	r.mu.Unlock()
}

// capacityEntry is one farmer's most recently announced capacity,
// cached by renters listening on a CapacityTopic.
type capacityEntry struct {
	farmer     contact.Contact
	capacity   store.Capacity
	receivedAt time.Time
}

// capacityCache holds recent farmer capacity announcements, swept
// periodically so stale entries from farmers that have gone quiet
// don't get offered to renters (a supplement beyond spec.md's bare
// pub/sub description: the source keeps every announcement forever).
type capacityCache struct {
	mu      sync.Mutex
	entries map[string]capacityEntry
	maxAge  time.Duration
}

func newCapacityCache(maxAge time.Duration) *capacityCache {
	return &capacityCache{entries: make(map[string]capacityEntry), maxAge: maxAge}
}

func (c *capacityCache) record(from contact.Contact, capy store.Capacity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[from.Identity] = capacityEntry{farmer: from, capacity: capy, receivedAt: time.Now()}
}

// compact drops entries older than maxAge, returning how many were
// removed.
func (c *capacityCache) compact() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := time.Now().Add(-c.maxAge)
	removed := 0
	for k, v := range c.entries {
		if v.receivedAt.Before(cutoff) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

func (c *capacityCache) snapshot() []capacityEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]capacityEntry, 0, len(c.entries))
	for _, v := range c.entries {
		out = append(out, v)
	}
	return out
}

// Node is a single peer's bundle of overlay state: its RPC handlers,
// its offer-stream registry (renter side), and its farmer-capacity
// cache (renter side). Farmer-only deployments simply never populate
// the renter-side caches.
type Node struct {
	Handlers *rpc.Handlers
	Overlay  overlay.Overlay
	Identity contact.Contact
	Log      *log.Logger

	offers   *streamRegistry
	capacity *capacityCache
	tg       threadgroup.ThreadGroup
}

// New constructs a Node around an already-built Handlers and Overlay.
// capacityMaxAge bounds how long a farmer's capacity announcement is
// trusted before being swept from the cache.
func New(h *rpc.Handlers, ov overlay.Overlay, identity contact.Contact, logger *log.Logger, capacityMaxAge time.Duration) *Node {
	registry := newStreamRegistry()
	h.Offers = registry
	h.Overlay = ov
	if capacityMaxAge <= 0 {
		capacityMaxAge = 10 * time.Minute
	}
	return &Node{
		Handlers: h,
		Overlay:  ov,
		Identity: identity,
		Log:      logger,
		offers:   registry,
		capacity: newCapacityCache(capacityMaxAge),
	}
}

func (n *Node) logf(format string, args ...interface{}) {
	if n.Log != nil {
		n.Log.Printf(format, args...)
	}
}

// Listen registers all eight verb handlers on the Node's Overlay and
// starts the capacity-cache sweep. Call once at bring-up.
func (n *Node) Listen() {
	n.Overlay.Register(VerbOffer, n.handle(func(ctx context.Context, from contact.Contact, args rpc.OfferArgs) (interface{}, error) {
		return n.Handlers.Offer(ctx, from, args)
	}))
	n.Overlay.Register(VerbClaim, n.handle(func(ctx context.Context, from contact.Contact, args rpc.ClaimArgs) (interface{}, error) {
		return n.Handlers.Claim(ctx, from, args)
	}))
	n.Overlay.Register(VerbConsign, n.handle(func(ctx context.Context, from contact.Contact, args rpc.ConsignArgs) (interface{}, error) {
		return n.Handlers.Consign(ctx, from, args)
	}))
	n.Overlay.Register(VerbRetrieve, n.handle(func(ctx context.Context, from contact.Contact, args rpc.RetrieveArgs) (interface{}, error) {
		return n.Handlers.Retrieve(ctx, from, args)
	}))
	n.Overlay.Register(VerbMirror, n.handle(func(ctx context.Context, from contact.Contact, args rpc.MirrorArgs) (interface{}, error) {
		return n.Handlers.Mirror(ctx, from, args)
	}))
	n.Overlay.Register(VerbAudit, n.handle(func(ctx context.Context, from contact.Contact, args rpc.AuditArgs) (interface{}, error) {
		return n.Handlers.Audit(ctx, from, args)
	}))
	n.Overlay.Register(VerbRenew, n.handle(func(ctx context.Context, from contact.Contact, args rpc.RenewArgs) (interface{}, error) {
		return n.Handlers.Renew(ctx, from, args)
	}))
	n.Overlay.Register(VerbProbe, n.handle(func(ctx context.Context, from contact.Contact, args rpc.ProbeArgs) (interface{}, error) {
		return n.Handlers.Probe(ctx, from, args)
	}))

	go n.threadedSweepCapacity()
}

// Close stops the capacity sweep and waits for it to exit. Offer
// streams already registered keep running; callers should End() them
// individually first if an orderly shutdown matters.
func (n *Node) Close() {
	n.tg.Stop()
}

func (n *Node) threadedSweepCapacity() {
	if err := n.tg.Add(); err != nil {
		return
	}
	defer n.tg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-n.tg.StopChan():
			return
		case <-ticker.C:
			if removed := n.capacity.compact(); removed > 0 {
				n.logf("capacity cache: swept %d stale entries", removed)
			}
		}
	}
}

// handle adapts a typed verb method into an overlay.HandlerFunc; args
// are decoded via the wire package's reflective decoder so each verb
// keeps its own concrete argument struct instead of a shared envelope.
func (n *Node) handle(fn interface{}) overlay.HandlerFunc {
	return func(ctx context.Context, from contact.Contact, raw []byte) (interface{}, error) {
		return dispatch(ctx, from, raw, fn)
	}
}

// PublishShardDescriptor announces desc for offers on its size/duration
// topic (spec.md §4.1 renter-side publish), remembering it under a
// fresh OfferStream so incoming OFFER calls can find it.
func (n *Node) PublishShardDescriptor(desc *contract.Contract, opts offer.Options) (*offer.Stream, error) {
	hash := desc.GetString(contract.FieldDataHash)
	stream := offer.New(desc, opts, func() { n.offers.remove(hash) })
	n.offers.put(hash, stream)

	payload, err := encodeDescriptor(desc)
	if err != nil {
		stream.Destroy()
		n.offers.remove(hash)
		return nil, errors.AddContext(err, "failed to encode descriptor for publish")
	}
	if err := n.Overlay.Publish(overlay.DescriptorTopic(desc.TopicString()), payload); err != nil {
		stream.Destroy()
		n.offers.remove(hash)
		return nil, errors.AddContext(err, "failed to publish descriptor")
	}
	return stream, nil
}

// SubscribeDescriptors listens on topicCode's DescriptorTopic and hands
// each published descriptor to fn, the farmer-side counterpart of
// PublishShardDescriptor's renter-side publish.
func (n *Node) SubscribeDescriptors(topicCode string, fn func(from contact.Contact, desc *contract.Contract)) func() {
	return n.Overlay.Subscribe(overlay.DescriptorTopic(topicCode), func(from contact.Contact, payload []byte) {
		desc, err := decodeDescriptor(payload)
		if err != nil {
			n.logf("ERROR: malformed descriptor announcement from %s: %v", from.Identity, err)
			return
		}
		fn(from, desc)
	})
}

// SubscribeCapacity listens on topicCode's CapacityTopic and records
// every farmer announcement into the capacity cache, returning an
// unsubscribe func.
func (n *Node) SubscribeCapacity(topicCode string) func() {
	return n.Overlay.Subscribe(overlay.CapacityTopic(topicCode), func(from contact.Contact, payload []byte) {
		capy, err := decodeCapacity(payload)
		if err != nil {
			n.logf("ERROR: malformed capacity announcement from %s: %v", from.Identity, err)
			return
		}
		n.capacity.record(from, capy)
	})
}

// AnnounceCapacity publishes this node's available capacity as a
// farmer, on the given topic code.
func (n *Node) AnnounceCapacity(topicCode string, capy store.Capacity) error {
	payload, err := encodeCapacity(capy)
	if err != nil {
		return errors.AddContext(err, "failed to encode capacity announcement")
	}
	return n.Overlay.Publish(overlay.CapacityTopic(topicCode), payload)
}

// KnownFarmers returns a snapshot of farmers this node has recently
// heard capacity announcements from.
func (n *Node) KnownFarmers() []contact.Contact {
	entries := n.capacity.snapshot()
	out := make([]contact.Contact, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.farmer)
	}
	return out
}

// --- client-side verb wrappers: one per overlay RPC, farmer or renter
// side as noted, used by callers that drive the protocol as a client
// rather than (or in addition to) serving it. ---

// OfferShardAllocation is the farmer-side OFFER client call. Per
// spec.md §4.7, the caller must re-validate the finalized descriptor
// the renter hands back before trusting it, and persist it under
// "{hash}:{renter_hd_key}" so later CONSIGN/RETRIEVE/AUDIT/RENEW calls
// have a local record to check claims against.
func (n *Node) OfferShardAllocation(ctx context.Context, to contact.Contact, desc *contract.Contract) (*contract.Contract, error) {
	raw, err := desc.MarshalDescriptor()
	if err != nil {
		return nil, errors.AddContext(err, "failed to encode descriptor")
	}
	var reply rpc.OfferReply
	if err := n.Overlay.Send(ctx, to, VerbOffer, rpc.OfferArgs{Descriptor: raw}, &reply); err != nil {
		return nil, err
	}
	finalized, err := contract.UnmarshalDescriptor(reply.Descriptor)
	if err != nil {
		return nil, errors.AddContext(err, "failed to decode finalized descriptor")
	}
	if !finalized.IsValidAndComplete(n.Handlers.Verifier) {
		return nil, errors.New("OFFER reply: finalized descriptor is invalid or incomplete")
	}
	key := finalized.GetString(contract.FieldDataHash) + ":" + finalized.GetString(contract.FieldRenterHDKey)
	if err := n.Handlers.Contracts.Put(key, finalized); err != nil {
		return nil, errors.AddContext(err, "failed to persist finalized contract")
	}
	return finalized, nil
}

// ClaimFarmerCapacity is the renter-side CLAIM client call.
func (n *Node) ClaimFarmerCapacity(ctx context.Context, to contact.Contact, desc *contract.Contract) (*contract.Contract, string, error) {
	raw, err := desc.MarshalDescriptor()
	if err != nil {
		return nil, "", errors.AddContext(err, "failed to encode descriptor")
	}
	var reply rpc.ClaimReply
	if err := n.Overlay.Send(ctx, to, VerbClaim, rpc.ClaimArgs{Descriptor: raw}, &reply); err != nil {
		return nil, "", err
	}
	finalized, err := contract.UnmarshalDescriptor(reply.Descriptor)
	if err != nil {
		return nil, "", errors.AddContext(err, "failed to decode finalized descriptor")
	}
	return finalized, reply.Token, nil
}

// AuthorizeConsignment is the renter-side CONSIGN client call.
func (n *Node) AuthorizeConsignment(ctx context.Context, to contact.Contact, hash string) (string, error) {
	var reply rpc.ConsignReply
	if err := n.Overlay.Send(ctx, to, VerbConsign, rpc.ConsignArgs{Hash: hash}, &reply); err != nil {
		return "", err
	}
	return reply.Token, nil
}

// AuthorizeRetrieval is the renter-side RETRIEVE client call.
func (n *Node) AuthorizeRetrieval(ctx context.Context, to contact.Contact, hash string) (string, error) {
	var reply rpc.RetrieveReply
	if err := n.Overlay.Send(ctx, to, VerbRetrieve, rpc.RetrieveArgs{Hash: hash}, &reply); err != nil {
		return "", err
	}
	return reply.Token, nil
}

// CreateShardMirror is the renter-side MIRROR client call.
func (n *Node) CreateShardMirror(ctx context.Context, sourceFarmer contact.Contact, hash, destToken string, dest contact.Contact) ([]byte, error) {
	var reply rpc.MirrorReply
	args := rpc.MirrorArgs{Hash: hash, Token: destToken, Destination: dest}
	if err := n.Overlay.Send(ctx, sourceFarmer, VerbMirror, args, &reply); err != nil {
		return nil, err
	}
	return reply.Acknowledgement, nil
}

// AuditRemoteShards is the renter-side AUDIT client call.
func (n *Node) AuditRemoteShards(ctx context.Context, farmer contact.Contact, challenges []rpc.AuditChallenge) ([]rpc.AuditResult, error) {
	var reply rpc.AuditReply
	if err := n.Overlay.Send(ctx, farmer, VerbAudit, rpc.AuditArgs{Challenges: challenges}, &reply); err != nil {
		return nil, err
	}
	return reply.Results, nil
}

// RequestContractRenewal is the renter-side RENEW client call. Per
// spec.md §4.7 and the §9 Open Question resolution, the renewed
// descriptor the farmer hands back is re-validated and persisted under
// its contract key, the same as the original OFFER result.
func (n *Node) RequestContractRenewal(ctx context.Context, farmer contact.Contact, renewal *contract.Contract) (*contract.Contract, error) {
	raw, err := renewal.MarshalDescriptor()
	if err != nil {
		return nil, errors.AddContext(err, "failed to encode renewal")
	}
	var reply rpc.RenewReply
	if err := n.Overlay.Send(ctx, farmer, VerbRenew, rpc.RenewArgs{Descriptor: raw}, &reply); err != nil {
		return nil, err
	}
	finalized, err := contract.UnmarshalDescriptor(reply.Descriptor)
	if err != nil {
		return nil, errors.AddContext(err, "failed to decode renewed descriptor")
	}
	if !finalized.IsValidAndComplete(n.Handlers.Verifier) {
		return nil, errors.New("RENEW reply: renewed descriptor is invalid or incomplete")
	}
	key := finalized.GetString(contract.FieldDataHash) + ":" + finalized.GetString(contract.FieldRenterHDKey)
	if err := n.Handlers.Contracts.Put(key, finalized); err != nil {
		return nil, errors.AddContext(err, "failed to persist renewed contract")
	}
	return finalized, nil
}

// ProbeReachability is the farmer-side PROBE client call, asking to
// to PING this node back.
func (n *Node) ProbeReachability(ctx context.Context, to contact.Contact) error {
	var reply rpc.ProbeReply
	return n.Overlay.Send(ctx, to, VerbProbe, rpc.ProbeArgs{}, &reply)
}

// TokenTable exposes the node's shard-transfer token table, e.g. for
// wiring into an httpapi.Server.
func (n *Node) TokenTable() *token.Table { return n.Handlers.Tokens }
