// Package overlay defines the DHT/pub-sub/transport collaborator
// spec.md §1 keeps external: routing, topic broadcast, and onion-routed
// transport. RpcHandlers and Node depend only on this interface;
// transport/smuxoverlay supplies a concrete (non-onion) adapter.
package overlay

import (
	"context"

	"github.com/orclabs/orcd/contact"
)

// HandlerFunc answers one inbound RPC verb call.
type HandlerFunc func(ctx context.Context, from contact.Contact, args []byte) (interface{}, error)

// Overlay is the out-of-scope routing/transport/pubsub layer, reduced
// to the surface RpcHandlers and Node actually call.
type Overlay interface {
	// Send issues verb against to, encoding args and decoding the reply
	// into reply (a pointer).
	Send(ctx context.Context, to contact.Contact, verb string, args, reply interface{}) error

	// Register installs the handler for verb; Node calls this once per
	// verb at Listen() time.
	Register(verb string, handler HandlerFunc)

	// Publish broadcasts payload on topic.
	Publish(topic string, payload []byte) error

	// Subscribe registers fn to be called for every message published on
	// topic, returning an unsubscribe func.
	Subscribe(topic string, fn func(from contact.Contact, payload []byte)) (unsubscribe func())

	// Ping probes reachability of to, used by PROBE.
	Ping(ctx context.Context, to contact.Contact) error
}

// DescriptorTopic returns the pub/sub subject renters publish
// descriptors on for a given topic code (spec.md §6.3).
func DescriptorTopic(topicCode string) string { return "0f" + topicCode }

// CapacityTopic returns the pub/sub subject farmers announce capacity
// on for a given topic code (spec.md §6.3).
func CapacityTopic(topicCode string) string { return "0c" + topicCode }
