// Package dht declares the narrow interface the messaging substate needs
// from the Kademlia DHT: get/put streams of events plus validator and
// selector registration. The DHT implementation itself is an external
// collaborator (libp2p-kad-dht); only this interface is consumed here.
package dht

import "context"

// EventKind tags the events emitted on a Get/Put query's event channel.
type EventKind int

const (
	// EventValue carries a record a peer returned for a Get query.
	EventValue EventKind = iota
	// EventPeerResponse signals a peer accepted a Put (or returned a Get query peer hop).
	EventPeerResponse
	// EventQueryError signals one queried peer failed or timed out.
	EventQueryError
)

// Event is one item observed on a DHT query's event channel.
type Event struct {
	Kind  EventKind
	Key   []byte
	Value []byte
	Err   error
}

// Validator inspects a candidate record before it is accepted locally or
// forwarded to other nodes. A non-nil error rejects the record.
type Validator interface {
	Validate(key, value []byte) error
}

// ValidatorFunc adapts a plain function to a Validator.
type ValidatorFunc func(key, value []byte) error

func (f ValidatorFunc) Validate(key, value []byte) error { return f(key, value) }

// Selector picks the best of several values observed for the same key
// (e.g. the one with the newest verified timestamp).
type Selector interface {
	Select(key []byte, values [][]byte) (int, error)
}

// SelectorFunc adapts a plain function to a Selector.
type SelectorFunc func(key []byte, values [][]byte) (int, error)

func (f SelectorFunc) Select(key []byte, values [][]byte) (int, error) { return f(key, values) }

// Client is the subset of a DHT node's API the messaging substate drives.
// Get and Put are asynchronous: the returned channel streams Events until
// the query converges, and is closed when the query is done.
type Client interface {
	Get(ctx context.Context, key []byte) (<-chan Event, error)
	Put(ctx context.Context, key, value []byte) (<-chan Event, error)

	// RegisterValidator and RegisterSelector scope a validator/selector to
	// keys under the given namespace prefix (e.g. "/kiyeovo-user-").
	RegisterValidator(namespace string, v Validator)
	RegisterSelector(namespace string, s Selector)
}

// Drain consumes every event off ch and reports whether at least one
// PEER_RESPONSE was observed, per the "DHT failures are soft" design note:
// a put with only QUERY_ERROR events is a failure only if no PEER_RESPONSE
// was seen.
func Drain(ch <-chan Event) (sawPeerResponse bool, values [][]byte, errs []error) {
	for ev := range ch {
		switch ev.Kind {
		case EventPeerResponse:
			sawPeerResponse = true
		case EventValue:
			values = append(values, ev.Value)
		case EventQueryError:
			errs = append(errs, ev.Err)
		}
	}
	return sawPeerResponse, values, errs
}
