// Package contact defines the peer envelope carried by every overlay RPC:
// a node's identity hash plus whatever address information the transport
// needs to dial it back. The source protocol represents this as a bare
// 2-element tuple; here it is a typed record (see SPEC_FULL.md §6 "Node").
package contact

// Info is the address-level half of a contact: enough for the transport
// to dial the peer and enough for the farmer/renter protocol to derive an
// extended public key for contract-store keying.
type Info struct {
	// Address is the transport-level dial string (host:port, onion
	// address, etc.) — opaque to everything above the Overlay interface.
	Address string

	// HDKey is the peer's extended public key, hex-encoded. Contract
	// descriptors and the contract-store key both reference it.
	HDKey string
}

// Contact is the envelope `[identity_hex, address_info]` carried with
// every RPC call and reply.
type Contact struct {
	Identity string
	Info     Info
}
