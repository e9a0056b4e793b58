// Package offer implements OfferStream: a per-descriptor bounded
// auction that admits farmer offers and exposes them, in FIFO order, to
// the owning renter logic (SPEC_FULL.md §6.5, design note §9).
//
// It is modeled as an actor owning a buffered channel of
// (contact, contract, resolve) triples, rather than the source's
// callback-coupled async-iterator: the consumer receives from the
// channel and, once it decides, invokes resolve to send the result back
// to the originating farmer.
package offer

import (
	"sync"

	"gitlab.com/NebulousLabs/errors"

	"github.com/orclabs/orcd/contact"
	"github.com/orclabs/orcd/contract"
	"github.com/orclabs/orcd/idkeys"
)

// ErrStreamClosed is delivered to a resolver when the stream has ended
// or been destroyed before the offer could be exposed or accepted.
var ErrStreamClosed = errors.New("offer stream is closed")

// ErrWrongDescriptor is returned when a queued offer's data_hash does
// not match the owning contract's.
var ErrWrongDescriptor = errors.New("offered descriptor does not match published descriptor")

// ErrNotValidComplete is returned when the offered descriptor is not
// valid and complete on the farmer side.
var ErrNotValidComplete = errors.New("offered descriptor is not valid and complete")

// ErrBlacklisted is returned when the offering farmer is blacklisted.
var ErrBlacklisted = errors.New("farmer is blacklisted")

// ErrMaxOffersReached is returned once maxOffers offers have already
// been resolved.
var ErrMaxOffersReached = errors.New("maximum number of offers already accepted")

// Resolver is called exactly once per accepted offer, with either an
// error or the finalized contract, and is responsible for delivering
// that result back to the originating farmer as the RPC reply.
type Resolver func(err error, finalized *contract.Contract)

// Offer is one admitted farmer offer exposed to the consumer.
type Offer struct {
	Contact  contact.Contact
	Contract *contract.Contract
	Resolve  Resolver
}

// Options configure a Stream's admission policy.
type Options struct {
	MaxOffers      int
	FarmerBlacklist map[string]bool
	Verifier       idkeys.Verifier
}

// Stream is one renter-side auction for a published descriptor.
type Stream struct {
	owning   *contract.Contract
	opts     Options
	onEnd    func()

	mu        sync.Mutex
	resolved  int
	closed    bool
	endErr    error

	offers chan Offer
}

// New constructs a Stream for owning (the renter's published
// descriptor). onEnd, if non-nil, is called exactly once when the
// stream terminates (end, destroy, or internal close) so the owner can
// remove it from its hash->Stream registry.
func New(owning *contract.Contract, opts Options, onEnd func()) *Stream {
	if opts.MaxOffers <= 0 {
		opts.MaxOffers = 1
	}
	if opts.FarmerBlacklist == nil {
		opts.FarmerBlacklist = map[string]bool{}
	}
	return &Stream{
		owning: owning,
		opts:   opts,
		onEnd:  onEnd,
		offers: make(chan Offer, opts.MaxOffers),
	}
}

// Queue applies the admission policy to an incoming farmer offer. On
// any violation, resolve is invoked immediately with an error and the
// offer is never exposed on the stream. On success the offer is pushed
// to the channel for the consumer to pick up in FIFO order.
func (s *Stream) Queue(from contact.Contact, offered *contract.Contract, resolve Resolver) {
	s.mu.Lock()
	if s.closed {
		err := s.endErr
		if err == nil {
			err = ErrStreamClosed
		}
		s.mu.Unlock()
		resolve(err, nil)
		return
	}

	// 1. data_hash must match the owning descriptor.
	ownHash, _ := s.owning.Get(contract.FieldDataHash)
	offHash, _ := offered.Get(contract.FieldDataHash)
	if ownHash != offHash {
		s.mu.Unlock()
		resolve(ErrWrongDescriptor, nil)
		return
	}

	// 2. valid and complete on the farmer side.
	if !offered.IsValidAndComplete(s.opts.Verifier) {
		s.mu.Unlock()
		resolve(ErrNotValidComplete, nil)
		return
	}

	// 3. not blacklisted.
	if s.opts.FarmerBlacklist[from.Identity] {
		s.mu.Unlock()
		resolve(ErrBlacklisted, nil)
		return
	}

	// 4. under the cap.
	if s.resolved >= s.opts.MaxOffers {
		s.mu.Unlock()
		resolve(ErrMaxOffersReached, nil)
		return
	}
	s.mu.Unlock()

	select {
	case s.offers <- Offer{Contact: from, Contract: offered, Resolve: s.wrapResolve(resolve)}:
	default:
		resolve(ErrMaxOffersReached, nil)
	}
}

// wrapResolve tracks how many offers have been resolved so later
// admission checks see an up-to-date count, and tears the stream down
// (removing its registry entry) once MaxOffers is reached.
func (s *Stream) wrapResolve(resolve Resolver) Resolver {
	return func(err error, finalized *contract.Contract) {
		resolve(err, finalized)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.resolved++
		done := s.resolved >= s.opts.MaxOffers
		s.mu.Unlock()
		if done {
			s.End(nil)
		}
	}
}

// Next blocks until an offer is available or the stream ends, mirroring
// a single receive from the consumer's perspective. ok is false once
// the stream is drained and closed.
func (s *Stream) Next() (Offer, bool) {
	o, ok := <-s.offers
	return o, ok
}

// End closes the stream: all pending and future offers are rejected
// with cause (or ErrStreamClosed if nil), and the registry callback
// fires exactly once.
func (s *Stream) End(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if cause == nil {
		cause = ErrStreamClosed
	}
	s.endErr = cause
	close(s.offers)
	onEnd := s.onEnd
	s.mu.Unlock()

	for pending := range s.offers {
		pending.Resolve(cause, nil)
	}
	if onEnd != nil {
		onEnd()
	}
}

// Destroy ends the stream and additionally signals the owner to
// unregister (same effect as End here; kept distinct to mirror
// spec.md's destroy()/end() split for callers that care about intent).
func (s *Stream) Destroy() {
	s.End(ErrStreamClosed)
}
