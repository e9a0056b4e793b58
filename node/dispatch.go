package node

import (
	"context"
	"reflect"

	"gitlab.com/NebulousLabs/errors"

	"github.com/orclabs/orcd/build"
	"github.com/orclabs/orcd/contact"
	"github.com/orclabs/orcd/contract"
	"github.com/orclabs/orcd/store"
	"github.com/orclabs/orcd/wire"
)

// dispatch decodes raw into the concrete args type fn expects (fn must
// be a func(context.Context, contact.Contact, ArgsT) (interface{}, error)
// for some struct ArgsT), invokes it, and returns its result. This lets
// Listen() register one typed method per verb instead of hand-rolling
// an encode/decode pair per handler.
func dispatch(ctx context.Context, from contact.Contact, raw []byte, fn interface{}) (interface{}, error) {
	fnVal := reflect.ValueOf(fn)
	fnType := fnVal.Type()
	if fnType.Kind() != reflect.Func || fnType.NumIn() != 3 {
		build.Critical("dispatch: handler registered with unexpected signature", fnType)
		return nil, errors.New("dispatch: handler has unexpected signature")
	}
	argsType := fnType.In(2)
	argsPtr := reflect.New(argsType)
	if len(raw) > 0 {
		if err := wire.Unmarshal(raw, argsPtr.Interface()); err != nil {
			return nil, errors.AddContext(err, "failed to decode RPC arguments")
		}
	}

	results := fnVal.Call([]reflect.Value{
		reflect.ValueOf(ctx),
		reflect.ValueOf(from),
		argsPtr.Elem(),
	})
	reply := results[0].Interface()
	errVal := results[1].Interface()
	if errVal != nil {
		return nil, errVal.(error)
	}
	return reply, nil
}

// encodeDescriptor/decodeDescriptor serialize a descriptor for pub/sub
// announcement (spec.md §4.1). This goes through contract's own
// map-free wire form, not the generic wire package: descriptors carry
// a map[Field]interface{} internally, and gitlab.com/NebulousLabs/
// encoding (which wire wraps) cannot encode maps or interfaces.
func encodeDescriptor(c *contract.Contract) ([]byte, error) {
	return c.MarshalDescriptor()
}

func decodeDescriptor(payload []byte) (*contract.Contract, error) {
	return contract.UnmarshalDescriptor(payload)
}

// encodeCapacity/decodeCapacity serialize a farmer's capacity
// announcement (spec.md §4.1 CapacityTopic).
func encodeCapacity(c store.Capacity) ([]byte, error) {
	return wire.Marshal(c)
}

func decodeCapacity(payload []byte) (store.Capacity, error) {
	var c store.Capacity
	if err := wire.Unmarshal(payload, &c); err != nil {
		return store.Capacity{}, err
	}
	return c, nil
}
