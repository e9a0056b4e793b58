// Package smuxoverlay is a concrete, non-onion overlay.Overlay adapter
// over plain TCP multiplexed with github.com/xtaci/smux: one smux
// session per peer connection, one smux stream per RPC call. Real
// deployments route through the onion-routed DHT/pubsub layer spec.md
// §1 keeps external; this adapter exists for local demos and the
// cmd/orcd daemon, and follows the renter-host
// session's call/writeRequest/readResponse shape
// (skymodules/renter/proto/session.go) adapted to smux streams instead
// of a single long-lived encrypted connection.
package smuxoverlay

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/xtaci/smux"
	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/log"

	"github.com/orclabs/orcd/contact"
	"github.com/orclabs/orcd/overlay"
	"github.com/orclabs/orcd/wire"
)

// maxFrameLen bounds any single verb/payload frame read off a stream.
const maxFrameLen = 64 * 1024 * 1024

// dialTimeout bounds how long session waits to establish a session with
// a new peer.
var dialTimeout = 10 * time.Second

// envelope is what crosses one smux stream: the verb name and the
// caller's wire-encoded arguments (or, on the reply leg, the callee's
// wire-encoded reply/error).
type envelope struct {
	Verb    string
	Payload []byte
	Failed  bool
	ErrMsg  string
}

// Overlay is a smux-backed overlay.Overlay. Publish/Subscribe are
// implemented as a local fan-out table rather than real pub/sub
// routing (there's no DHT in this adapter to broadcast through); this
// is documented as a standalone-demo simplification, not a production
// broadcast layer.
type Overlay struct {
	selfAddr string
	log      *log.Logger

	mu       sync.Mutex
	handlers map[string]overlay.HandlerFunc
	sessions map[string]*smux.Session
	subs     map[string][]func(contact.Contact, []byte)

	listener net.Listener
	wg       sync.WaitGroup
	closeCh  chan struct{}
	once     sync.Once
}

// New constructs an Overlay whose local Publish fan-out reports
// selfAddr as the sender's address.
func New(selfAddr string, logger *log.Logger) *Overlay {
	return &Overlay{
		selfAddr: selfAddr,
		log:      logger,
		handlers: make(map[string]overlay.HandlerFunc),
		sessions: make(map[string]*smux.Session),
		subs:     make(map[string][]func(contact.Contact, []byte)),
		closeCh:  make(chan struct{}),
	}
}

func (o *Overlay) logf(format string, args ...interface{}) {
	if o.log != nil {
		o.log.Printf(format, args...)
	}
}

// Register implements overlay.Overlay.
func (o *Overlay) Register(verb string, handler overlay.HandlerFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers[verb] = handler
}

// Serve accepts TCP connections on ln, wrapping each as a smux server
// session and dispatching inbound streams to registered handlers. It
// blocks until ln is closed or Close is called.
func (o *Overlay) Serve(ln net.Listener) error {
	o.mu.Lock()
	o.listener = ln
	o.mu.Unlock()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-o.closeCh:
				return nil
			default:
				return errors.AddContext(err, "smuxoverlay: accept failed")
			}
		}
		o.wg.Add(1)
		go o.serveConn(conn)
	}
}

func (o *Overlay) serveConn(conn net.Conn) {
	defer o.wg.Done()
	sess, err := smux.Server(conn, smux.DefaultConfig())
	if err != nil {
		o.logf("ERROR: smux server handshake failed: %v", err)
		conn.Close()
		return
	}
	defer sess.Close()
	for {
		stream, err := sess.AcceptStream()
		if err != nil {
			return
		}
		go o.serveStream(stream)
	}
}

func (o *Overlay) serveStream(stream *smux.Stream) {
	defer stream.Close()
	var req envelope
	if err := wire.ReadObject(stream, &req, maxFrameLen); err != nil {
		o.logf("ERROR: failed to read RPC envelope: %v", err)
		return
	}

	o.mu.Lock()
	handler, ok := o.handlers[req.Verb]
	o.mu.Unlock()
	if !ok {
		wire.WriteObject(stream, envelope{Failed: true, ErrMsg: "unknown verb: " + req.Verb})
		return
	}

	result, err := handler(context.Background(), contact.Contact{}, req.Payload)
	if err != nil {
		wire.WriteObject(stream, envelope{Failed: true, ErrMsg: err.Error()})
		return
	}
	payload, err := wire.Marshal(result)
	if err != nil {
		wire.WriteObject(stream, envelope{Failed: true, ErrMsg: "failed to encode reply"})
		return
	}
	wire.WriteObject(stream, envelope{Payload: payload})
}

// session returns (dialing if necessary) the smux session for to.
func (o *Overlay) session(to contact.Contact) (*smux.Session, error) {
	o.mu.Lock()
	sess, ok := o.sessions[to.Info.Address]
	o.mu.Unlock()
	if ok && !sess.IsClosed() {
		return sess, nil
	}

	conn, err := net.DialTimeout("tcp", to.Info.Address, dialTimeout)
	if err != nil {
		return nil, errors.AddContext(err, "smuxoverlay: dial failed")
	}
	sess, err = smux.Client(conn, smux.DefaultConfig())
	if err != nil {
		conn.Close()
		return nil, errors.AddContext(err, "smuxoverlay: client handshake failed")
	}

	o.mu.Lock()
	o.sessions[to.Info.Address] = sess
	o.mu.Unlock()
	return sess, nil
}

// Send implements overlay.Overlay: open a fresh stream, write the verb
// envelope, and read back the reply envelope.
func (o *Overlay) Send(ctx context.Context, to contact.Contact, verb string, args, reply interface{}) error {
	sess, err := o.session(to)
	if err != nil {
		return err
	}
	stream, err := sess.OpenStream()
	if err != nil {
		return errors.AddContext(err, "smuxoverlay: failed to open stream")
	}
	defer stream.Close()

	if dl, ok := ctx.Deadline(); ok {
		stream.SetDeadline(dl)
	}

	payload, err := wire.Marshal(args)
	if err != nil {
		return errors.AddContext(err, "smuxoverlay: failed to encode arguments")
	}
	if err := wire.WriteObject(stream, envelope{Verb: verb, Payload: payload}); err != nil {
		return errors.AddContext(err, "smuxoverlay: failed to write request")
	}

	var resp envelope
	if err := wire.ReadObject(stream, &resp, maxFrameLen); err != nil {
		return errors.AddContext(err, "smuxoverlay: failed to read response")
	}
	if resp.Failed {
		return errors.New(resp.ErrMsg)
	}
	if reply == nil || len(resp.Payload) == 0 {
		return nil
	}
	return wire.Unmarshal(resp.Payload, reply)
}

// Publish implements overlay.Overlay as a local fan-out: every
// subscriber on topic in this process is invoked directly. Real
// cross-peer broadcast belongs to the DHT layer this adapter stands in
// for.
func (o *Overlay) Publish(topic string, payload []byte) error {
	o.mu.Lock()
	subs := append([]func(contact.Contact, []byte){}, o.subs[topic]...)
	o.mu.Unlock()
	for _, fn := range subs {
		if fn == nil { // unsubscribed
			continue
		}
		fn(contact.Contact{Info: contact.Info{Address: o.selfAddr}}, payload)
	}
	return nil
}

// Subscribe implements overlay.Overlay.
func (o *Overlay) Subscribe(topic string, fn func(from contact.Contact, payload []byte)) func() {
	o.mu.Lock()
	o.subs[topic] = append(o.subs[topic], fn)
	idx := len(o.subs[topic]) - 1
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		subs := o.subs[topic]
		if idx < len(subs) {
			subs[idx] = nil
		}
	}
}

// Ping implements overlay.Overlay: a no-payload Send against a
// dedicated verb the PROBE handler expects its caller to register.
func (o *Overlay) Ping(ctx context.Context, to contact.Contact) error {
	return o.Send(ctx, to, "PING", struct{}{}, nil)
}

// Close shuts down the listener and every open session.
func (o *Overlay) Close() error {
	o.once.Do(func() { close(o.closeCh) })
	o.mu.Lock()
	ln := o.listener
	sessions := make([]*smux.Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		sessions = append(sessions, s)
	}
	o.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, s := range sessions {
		s.Close()
	}
	o.wg.Wait()
	return nil
}
