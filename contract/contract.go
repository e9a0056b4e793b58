// Package contract implements the Contract descriptor value object:
// construction from an untyped field mapping, field access, two-role
// signing, validity/completeness predicates, field-wise diff, and
// topic-string derivation (SPEC_FULL.md §6.1).
package contract

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"reflect"
	"sort"

	"gitlab.com/NebulousLabs/errors"

	"github.com/orclabs/orcd/idkeys"
)

// Field names the fixed set of descriptor fields (spec.md §3).
type Field string

// The required descriptor fields.
const (
	FieldDataHash            Field = "data_hash"
	FieldDataSize            Field = "data_size"
	FieldRenterID             Field = "renter_id"
	FieldFarmerID             Field = "farmer_id"
	FieldRenterHDKey          Field = "renter_hd_key"
	FieldFarmerHDKey          Field = "farmer_hd_key"
	FieldRenterHDIndex        Field = "renter_hd_index"
	FieldFarmerHDIndex        Field = "farmer_hd_index"
	FieldRenterSignature      Field = "renter_signature"
	FieldFarmerSignature      Field = "farmer_signature"
	FieldStoreBegin           Field = "store_begin"
	FieldStoreEnd             Field = "store_end"
	FieldAuditLeaves          Field = "audit_leaves"
	FieldPaymentDestination   Field = "payment_destination"
	FieldVersion              Field = "version"
)

// SchemaVersion is the only descriptor schema version this node accepts.
const SchemaVersion = 1

// Role identifies which counterparty is signing/filling a descriptor.
type Role int

// The two signing roles.
const (
	RoleRenter Role = iota
	RoleFarmer
)

// DataHashLength is the length, in hex characters, of a data_hash
// (RIPEMD160 digest, 20 bytes -> 40 hex chars).
const DataHashLength = 40

// fieldType enumerates the scalar kinds a descriptor field may hold.
type fieldType int

const (
	typeString fieldType = iota
	typeUint64
	typeInt64
	typeBytes
	typeStringSlice
)

type fieldSpec struct {
	typ      fieldType
	required bool
}

// catalog is the field schema both construction and validation consult.
// This is the "field catalog" referenced in SPEC_FULL.md §6.1.
var catalog = map[Field]fieldSpec{
	FieldDataHash:          {typeString, true},
	FieldDataSize:          {typeUint64, true},
	FieldRenterID:          {typeString, true},
	FieldFarmerID:          {typeString, true},
	FieldRenterHDKey:       {typeString, true},
	FieldFarmerHDKey:       {typeString, true},
	FieldRenterHDIndex:     {typeUint64, true},
	FieldFarmerHDIndex:     {typeUint64, true},
	FieldRenterSignature:   {typeBytes, false},
	FieldFarmerSignature:   {typeBytes, false},
	FieldStoreBegin:        {typeInt64, true},
	FieldStoreEnd:          {typeInt64, true},
	FieldAuditLeaves:       {typeStringSlice, true},
	FieldPaymentDestination: {typeString, true},
	FieldVersion:           {typeUint64, true},
}

// orderedFields is the catalog in a stable order, used for canonical
// serialization.
var orderedFields []Field

func init() {
	for f := range catalog {
		orderedFields = append(orderedFields, f)
	}
	sort.Slice(orderedFields, func(i, j int) bool { return orderedFields[i] < orderedFields[j] })
}

// Contract is a mutable descriptor: a mapping from the fixed field
// catalog to scalar values.
type Contract struct {
	fields map[Field]interface{}
}

// New builds a Contract from an untyped field mapping. It never errors;
// malformed or incomplete input simply produces a Contract whose
// IsValid() is false (spec.md §4.1: "from(nonsense) never throws").
func New(fields map[string]interface{}) *Contract {
	c := &Contract{fields: make(map[Field]interface{}, len(fields))}
	for k, v := range fields {
		f := Field(k)
		if _, ok := catalog[f]; !ok {
			continue
		}
		c.fields[f] = coerce(catalog[f].typ, v)
	}
	return c
}

// Copy returns a deep-enough copy for independent mutation.
func (c *Contract) Copy() *Contract {
	cp := &Contract{fields: make(map[Field]interface{}, len(c.fields))}
	for k, v := range c.fields {
		if b, ok := v.([]byte); ok {
			nb := make([]byte, len(b))
			copy(nb, b)
			cp.fields[k] = nb
			continue
		}
		if s, ok := v.([]string); ok {
			ns := make([]string, len(s))
			copy(ns, s)
			cp.fields[k] = ns
			continue
		}
		cp.fields[k] = v
	}
	return cp
}

// coerce best-effort converts v to the expected Go type for typ, leaving
// it unchanged (and therefore failing later validity type checks) if it
// cannot.
func coerce(typ fieldType, v interface{}) interface{} {
	switch typ {
	case typeUint64:
		switch n := v.(type) {
		case uint64:
			return n
		case int:
			if n >= 0 {
				return uint64(n)
			}
		case int64:
			if n >= 0 {
				return uint64(n)
			}
		case float64:
			if n >= 0 {
				return uint64(n)
			}
		}
	case typeInt64:
		switch n := v.(type) {
		case int64:
			return n
		case int:
			return int64(n)
		case float64:
			return int64(n)
		}
	case typeBytes:
		switch b := v.(type) {
		case []byte:
			return b
		case string:
			if decoded, err := hex.DecodeString(b); err == nil {
				return decoded
			}
		}
	case typeStringSlice:
		if s, ok := v.([]string); ok {
			return s
		}
	case typeString:
		if s, ok := v.(string); ok {
			return s
		}
	}
	return v
}

// ToMap exports the descriptor as an untyped field mapping, for
// in-process callers that build or inspect a Contract's fields
// directly. It is never suitable for wire framing or persistence:
// gitlab.com/NebulousLabs/encoding cannot encode a map or an interface
// value, so anything bound for the wire or a store must go through
// MarshalDescriptor instead.
func (c *Contract) ToMap() map[string]interface{} {
	out := make(map[string]interface{}, len(c.fields))
	for k, v := range c.fields {
		out[string(k)] = v
	}
	return out
}

// wireDescriptor is the concrete, fully-typed representation a
// descriptor is marshaled through for wire framing and persistence.
// encoding/json round-trips it exactly, unlike the untyped map ToMap
// returns, which gitlab.com/NebulousLabs/encoding rejects outright
// (its docstring: "Maps are not supported").
type wireDescriptor struct {
	DataHash           string   `json:"data_hash"`
	DataSize           uint64   `json:"data_size"`
	RenterID           string   `json:"renter_id"`
	FarmerID           string   `json:"farmer_id"`
	RenterHDKey        string   `json:"renter_hd_key"`
	FarmerHDKey        string   `json:"farmer_hd_key"`
	RenterHDIndex      uint64   `json:"renter_hd_index"`
	FarmerHDIndex      uint64   `json:"farmer_hd_index"`
	RenterSignature    []byte   `json:"renter_signature"`
	FarmerSignature    []byte   `json:"farmer_signature"`
	StoreBegin         int64    `json:"store_begin"`
	StoreEnd           int64    `json:"store_end"`
	AuditLeaves        []string `json:"audit_leaves"`
	PaymentDestination string   `json:"payment_destination"`
	Version            uint64   `json:"version"`
}

// MarshalDescriptor serializes the full descriptor, including any
// populated signatures, as the map-free wire/persistence form. This is
// what RPC args/replies, pub/sub announcements, and ContractStore must
// use in place of ToMap.
func (c *Contract) MarshalDescriptor() ([]byte, error) {
	return json.Marshal(wireDescriptor{
		DataHash:           c.GetString(FieldDataHash),
		DataSize:           c.GetUint64(FieldDataSize),
		RenterID:           c.GetString(FieldRenterID),
		FarmerID:           c.GetString(FieldFarmerID),
		RenterHDKey:        c.GetString(FieldRenterHDKey),
		FarmerHDKey:        c.GetString(FieldFarmerHDKey),
		RenterHDIndex:      c.GetUint64(FieldRenterHDIndex),
		FarmerHDIndex:      c.GetUint64(FieldFarmerHDIndex),
		RenterSignature:    c.GetBytes(FieldRenterSignature),
		FarmerSignature:    c.GetBytes(FieldFarmerSignature),
		StoreBegin:         c.GetInt64(FieldStoreBegin),
		StoreEnd:           c.GetInt64(FieldStoreEnd),
		AuditLeaves:        c.GetStringSlice(FieldAuditLeaves),
		PaymentDestination: c.GetString(FieldPaymentDestination),
		Version:            c.GetUint64(FieldVersion),
	})
}

// UnmarshalDescriptor is the inverse of MarshalDescriptor.
func UnmarshalDescriptor(data []byte) (*Contract, error) {
	var w wireDescriptor
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, errors.AddContext(err, "failed to decode descriptor")
	}
	return New(map[string]interface{}{
		string(FieldDataHash):            w.DataHash,
		string(FieldDataSize):            w.DataSize,
		string(FieldRenterID):            w.RenterID,
		string(FieldFarmerID):            w.FarmerID,
		string(FieldRenterHDKey):         w.RenterHDKey,
		string(FieldFarmerHDKey):         w.FarmerHDKey,
		string(FieldRenterHDIndex):       w.RenterHDIndex,
		string(FieldFarmerHDIndex):       w.FarmerHDIndex,
		string(FieldRenterSignature):     w.RenterSignature,
		string(FieldFarmerSignature):     w.FarmerSignature,
		string(FieldStoreBegin):          w.StoreBegin,
		string(FieldStoreEnd):            w.StoreEnd,
		string(FieldAuditLeaves):         w.AuditLeaves,
		string(FieldPaymentDestination):  w.PaymentDestination,
		string(FieldVersion):             w.Version,
	}), nil
}

// Get returns the raw value of field, and whether it is present.
func (c *Contract) Get(field Field) (interface{}, bool) {
	v, ok := c.fields[field]
	return v, ok
}

// Set stores value under field, coercing it to the catalog type.
func (c *Contract) Set(field Field, value interface{}) {
	spec, ok := catalog[field]
	if !ok {
		return
	}
	c.fields[field] = coerce(spec.typ, value)
}

// GetString is a typed convenience accessor.
func (c *Contract) GetString(field Field) string {
	v, _ := c.fields[field].(string)
	return v
}

// GetUint64 is a typed convenience accessor.
func (c *Contract) GetUint64(field Field) uint64 {
	v, _ := c.fields[field].(uint64)
	return v
}

// GetInt64 is a typed convenience accessor.
func (c *Contract) GetInt64(field Field) int64 {
	v, _ := c.fields[field].(int64)
	return v
}

// GetBytes is a typed convenience accessor.
func (c *Contract) GetBytes(field Field) []byte {
	v, _ := c.fields[field].([]byte)
	return v
}

// GetStringSlice is a typed convenience accessor.
func (c *Contract) GetStringSlice(field Field) []string {
	v, _ := c.fields[field].([]string)
	return v
}

// canonicalBytes serializes the descriptor with both signature fields
// blanked, in catalog order, for signing and signature verification.
func (c *Contract) canonicalBytes() ([]byte, error) {
	out := make(map[Field]interface{}, len(c.fields))
	for k, v := range c.fields {
		out[k] = v
	}
	out[FieldRenterSignature] = []byte{}
	out[FieldFarmerSignature] = []byte{}

	// json.Marshal on a map is not ordered by default; build an ordered
	// slice of key/value pairs so the canonical form is deterministic.
	type kv struct {
		K Field       `json:"k"`
		V interface{} `json:"v"`
	}
	pairs := make([]kv, 0, len(orderedFields))
	for _, f := range orderedFields {
		pairs = append(pairs, kv{K: f, V: out[f]})
	}
	return json.Marshal(pairs)
}

// Sign fills the signature field for role by signing the canonical
// serialization (both signature fields blanked) with signer.
func (c *Contract) Sign(role Role, signer idkeys.Signer) error {
	msg, err := c.canonicalBytes()
	if err != nil {
		return errors.AddContext(err, "failed to canonicalize descriptor")
	}
	sig, err := signer.Sign(msg)
	if err != nil {
		return errors.AddContext(err, "failed to sign descriptor")
	}
	switch role {
	case RoleRenter:
		c.fields[FieldRenterSignature] = sig
	case RoleFarmer:
		c.fields[FieldFarmerSignature] = sig
	default:
		return errors.New("unknown signing role")
	}
	return nil
}

// verifyRole checks the populated signature for role against the
// descriptor's HD key/index using verifier. A missing signature is not
// an error here -- callers check IsComplete separately.
func (c *Contract) verifyRole(role Role, verifier idkeys.Verifier) error {
	var sigField, keyField, idxField Field
	switch role {
	case RoleRenter:
		sigField, keyField, idxField = FieldRenterSignature, FieldRenterHDKey, FieldRenterHDIndex
	case RoleFarmer:
		sigField, keyField, idxField = FieldFarmerSignature, FieldFarmerHDKey, FieldFarmerHDIndex
	}
	sig := c.GetBytes(sigField)
	if len(sig) == 0 {
		return nil
	}
	msg, err := c.canonicalBytes()
	if err != nil {
		return err
	}
	key := c.GetString(keyField)
	idx := c.GetUint64(idxField)
	return verifier.Verify(key, uint32(idx), msg, sig)
}

// IsValid reports whether every required field is present with the
// correct type, store_end > store_begin, data_hash is a well-formed
// RIPEMD160 hex string, and every populated signature verifies.
func (c *Contract) IsValid(verifier idkeys.Verifier) bool {
	for f, spec := range catalog {
		v, ok := c.fields[f]
		if spec.required && !ok {
			return false
		}
		if ok && !typeMatches(spec.typ, v) {
			return false
		}
	}
	if c.GetUint64(FieldVersion) != SchemaVersion {
		return false
	}
	if c.GetInt64(FieldStoreEnd) <= c.GetInt64(FieldStoreBegin) {
		return false
	}
	hash := c.GetString(FieldDataHash)
	if len(hash) != DataHashLength {
		return false
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return false
	}
	if err := c.verifyRole(RoleRenter, verifier); err != nil {
		return false
	}
	if err := c.verifyRole(RoleFarmer, verifier); err != nil {
		return false
	}
	return true
}

func typeMatches(typ fieldType, v interface{}) bool {
	switch typ {
	case typeUint64:
		_, ok := v.(uint64)
		return ok
	case typeInt64:
		_, ok := v.(int64)
		return ok
	case typeBytes:
		_, ok := v.([]byte)
		return ok
	case typeStringSlice:
		_, ok := v.([]string)
		return ok
	case typeString:
		_, ok := v.(string)
		return ok
	}
	return false
}

// IsComplete reports whether both signature fields are populated.
func (c *Contract) IsComplete() bool {
	return len(c.GetBytes(FieldRenterSignature)) > 0 && len(c.GetBytes(FieldFarmerSignature)) > 0
}

// IsValidAndComplete is the conjunction handlers check most often.
func (c *Contract) IsValidAndComplete(verifier idkeys.Verifier) bool {
	return c.IsValid(verifier) && c.IsComplete()
}

// Diff returns the set of field names whose values differ between a and
// b by deep-equality. Fields present in only one side count as differing.
func Diff(a, b *Contract) []Field {
	var diff []Field
	seen := make(map[Field]bool)
	for f := range a.fields {
		seen[f] = true
	}
	for f := range b.fields {
		seen[f] = true
	}
	for f := range seen {
		av, aok := a.fields[f]
		bv, bok := b.fields[f]
		if aok != bok || !reflect.DeepEqual(av, bv) {
			diff = append(diff, f)
		}
	}
	sort.Slice(diff, func(i, j int) bool { return diff[i] < diff[j] })
	return diff
}

// sizeBucket and durationBucket split data_size/store duration into a
// handful of coarse classes so topics stay low-cardinality.
func sizeBucket(size uint64) byte {
	switch {
	case size < 1<<20:
		return 0
	case size < 1<<26:
		return 1
	case size < 1<<30:
		return 2
	default:
		return 3
	}
}

func durationBucket(begin, end int64) byte {
	durationMillis := end - begin
	const day = int64(24 * 60 * 60 * 1000)
	switch {
	case durationMillis < 7*day:
		return 0
	case durationMillis < 30*day:
		return 1
	case durationMillis < 180*day:
		return 2
	default:
		return 3
	}
}

// TopicString derives the 4-byte hex topic code for this descriptor's
// size/duration class (spec.md §4.1).
func (c *Contract) TopicString() string {
	sb := sizeBucket(c.GetUint64(FieldDataSize))
	db := durationBucket(c.GetInt64(FieldStoreBegin), c.GetInt64(FieldStoreEnd))
	sum := sha256.Sum256([]byte{sb, db})
	return hex.EncodeToString(sum[:4])
}

// StoreKey returns the contract-store key for this descriptor and the
// given counterparty extended public key.
func (c *Contract) StoreKey(counterpartyHDKey string) string {
	return c.GetString(FieldDataHash) + ":" + counterpartyHDKey
}

// Equal reports whether two byte slices are identical; used by callers
// comparing audit roots.
func Equal(a, b []byte) bool { return bytes.Equal(a, b) }
