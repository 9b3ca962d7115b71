// Package core implements the transaction protocol: the request model, the
// durable transaction record, the lock/save/verify/apply commit driver, the
// read isolation handlers, the transaction manager, and the sweeper.
package core

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/sharedcode/dynatx"
)

// RequestKind enumerates the closed variant set of transactional requests.
type RequestKind int

const (
	// RequestPut writes a full item.
	RequestPut RequestKind = iota + 1
	// RequestUpdate applies attribute-level actions to an item.
	RequestUpdate
	// RequestDelete removes an item at commit time.
	RequestDelete
	// RequestGetLock reads an item under a full lock without mutating it.
	RequestGetLock
)

func (k RequestKind) String() string {
	switch k {
	case RequestPut:
		return "put"
	case RequestUpdate:
		return "update"
	case RequestDelete:
		return "delete"
	case RequestGetLock:
		return "get-lock"
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// ReturnMode selects which item image a mutating call returns.
type ReturnMode int

const (
	ReturnNone ReturnMode = iota
	ReturnAllOld
	ReturnAllNew
)

// MaxItemSizeBytes is the backing store's maximum item size. The transaction
// record carries every serialized request, so the running total is checked on
// each add.
const MaxItemSizeBytes = 400 * 1024

// Request is one transactional operation. A request acquires its rid when it
// is added to the transaction record; rids recover insertion order after a
// coordinator hand-off.
type Request struct {
	Kind       RequestKind
	Table      string
	// Item is the full row for RequestPut.
	Item dynatx.Item
	// Key is the primary key for RequestUpdate/RequestDelete/RequestGetLock.
	Key dynatx.Item
	// Updates are the attribute actions for RequestUpdate.
	Updates    map[string]dynatx.AttributeUpdate
	ReturnMode ReturnMode

	rid int
}

// Rid returns the request's position ID within its transaction record.
// Zero means the request has not been added yet.
func (r *Request) Rid() int {
	return r.rid
}

// IsMutating reports whether the request writes user data. Read locks do not.
func (r *Request) IsMutating() bool {
	return r.Kind != RequestGetLock
}

// keySource returns the item the primary key attributes come from.
func (r *Request) keySource() dynatx.Item {
	if r.Kind == RequestPut {
		return r.Item
	}
	return r.Key
}

// keyItem extracts the request's primary key per the table's key schema.
func (r *Request) keyItem(schema []string) (dynatx.Item, error) {
	src := r.keySource()
	key := make(dynatx.Item, len(schema))
	for _, a := range schema {
		v, ok := src[a]
		if !ok {
			return nil, dynatx.Error{Code: dynatx.InvalidRequest,
				Err: fmt.Errorf("%s request is missing key attribute %s of table %s", r.Kind, a, r.Table)}
		}
		key[a] = v
	}
	return key, nil
}

// immutableKey returns the comparable (table, key) identity of the request.
func (r *Request) immutableKey(schema []string) (dynatx.ImmutableKey, error) {
	return dynatx.NewImmutableKey(r.Table, r.keySource(), schema)
}

// validate rejects malformed requests before they reach the record: missing
// table, missing key attributes, user attributes under the reserved prefix,
// and updates that touch key attributes. Conditional predicates cannot be
// expressed on a Request at all, which is deliberate.
func (r *Request) validate(schema []string) error {
	if r.Table == "" {
		return dynatx.Error{Code: dynatx.InvalidRequest, Err: fmt.Errorf("table name is required")}
	}
	switch r.Kind {
	case RequestPut:
		if len(r.Item) == 0 {
			return dynatx.Error{Code: dynatx.InvalidRequest, Err: fmt.Errorf("put request requires an item")}
		}
		for name := range r.Item {
			if dynatx.IsReservedAttribute(name) {
				return reservedAttrError(name, r.Table)
			}
		}
	case RequestUpdate:
		if len(r.Key) == 0 {
			return dynatx.Error{Code: dynatx.InvalidRequest, Err: fmt.Errorf("update request requires a key")}
		}
		if len(r.Updates) == 0 {
			return dynatx.Error{Code: dynatx.InvalidRequest, Err: fmt.Errorf("update request requires at least one attribute action")}
		}
		for name := range r.Updates {
			if dynatx.IsReservedAttribute(name) {
				return reservedAttrError(name, r.Table)
			}
			for _, a := range schema {
				if name == a {
					return dynatx.Error{Code: dynatx.InvalidRequest,
						Err: fmt.Errorf("update request must not modify key attribute %s of table %s", name, r.Table)}
				}
			}
		}
	case RequestDelete, RequestGetLock:
		if len(r.Key) == 0 {
			return dynatx.Error{Code: dynatx.InvalidRequest, Err: fmt.Errorf("%s request requires a key", r.Kind)}
		}
	default:
		return dynatx.Error{Code: dynatx.InvalidRequest, Err: fmt.Errorf("unknown request kind %d", int(r.Kind))}
	}
	for name := range r.Key {
		if dynatx.IsReservedAttribute(name) {
			return reservedAttrError(name, r.Table)
		}
	}
	// The key must be extractable per the table's schema.
	if _, err := r.keyItem(schema); err != nil {
		return err
	}
	return nil
}

func reservedAttrError(name, table string) error {
	return dynatx.Error{Code: dynatx.InvalidRequest,
		Err: fmt.Errorf("attribute %s of table %s is in the reserved namespace %s", name, table, dynatx.ReservedPrefix)}
}

// Canonical request serialization: a 1-byte codec version, a 4-byte big-endian
// body length, then a type-tagged JSON body built from the canonical item
// codec. The same request always serializes to the same bytes, so a resumed
// coordinator deserializes the record's request set identically.
const requestCodecVersion = 1

type updateWire struct {
	Action int             `json:"a"`
	Value  json.RawMessage `json:"v,omitempty"`
}

type requestWire struct {
	Kind    int                   `json:"k"`
	Rid     int                   `json:"r"`
	Table   string                `json:"t"`
	Mode    int                   `json:"m"`
	Item    json.RawMessage       `json:"i,omitempty"`
	Key     json.RawMessage       `json:"y,omitempty"`
	Updates map[string]updateWire `json:"u,omitempty"`
}

func serializeRequest(r *Request) ([]byte, error) {
	w := requestWire{
		Kind:  int(r.Kind),
		Rid:   r.rid,
		Table: r.Table,
		Mode:  int(r.ReturnMode),
	}
	var err error
	if r.Item != nil {
		if w.Item, err = dynatx.MarshalItem(r.Item); err != nil {
			return nil, err
		}
	}
	if r.Key != nil {
		if w.Key, err = dynatx.MarshalItem(r.Key); err != nil {
			return nil, err
		}
	}
	if len(r.Updates) > 0 {
		w.Updates = make(map[string]updateWire, len(r.Updates))
		for name, u := range r.Updates {
			uw := updateWire{Action: int(u.Action)}
			if u.Value != nil {
				if uw.Value, err = dynatx.MarshalValue(u.Value); err != nil {
					return nil, err
				}
			}
			w.Updates[name] = uw
		}
	}
	body, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("serialize request failed, details: %w", err)
	}
	out := make([]byte, 5+len(body))
	out[0] = requestCodecVersion
	binary.BigEndian.PutUint32(out[1:5], uint32(len(body)))
	copy(out[5:], body)
	return out, nil
}

func deserializeRequest(data []byte) (*Request, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("request blob too short (%d bytes)", len(data))
	}
	if data[0] != requestCodecVersion {
		return nil, fmt.Errorf("unsupported request codec version %d", data[0])
	}
	if binary.BigEndian.Uint32(data[1:5]) != uint32(len(data)-5) {
		return nil, fmt.Errorf("request blob length mismatch")
	}
	var w requestWire
	if err := json.Unmarshal(data[5:], &w); err != nil {
		return nil, fmt.Errorf("deserialize request failed, details: %w", err)
	}
	r := Request{
		Kind:       RequestKind(w.Kind),
		Table:      w.Table,
		ReturnMode: ReturnMode(w.Mode),
		rid:        w.Rid,
	}
	var err error
	if w.Item != nil {
		if r.Item, err = dynatx.UnmarshalItem(w.Item); err != nil {
			return nil, err
		}
	}
	if w.Key != nil {
		if r.Key, err = dynatx.UnmarshalItem(w.Key); err != nil {
			return nil, err
		}
	}
	if len(w.Updates) > 0 {
		r.Updates = make(map[string]dynatx.AttributeUpdate, len(w.Updates))
		for name, uw := range w.Updates {
			u := dynatx.AttributeUpdate{Action: dynatx.UpdateAction(uw.Action)}
			if uw.Value != nil {
				if u.Value, err = dynatx.UnmarshalValue(uw.Value); err != nil {
					return nil, err
				}
			}
			r.Updates[name] = u
		}
	}
	return &r, nil
}
