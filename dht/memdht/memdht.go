// Package memdht is an in-memory dht.Client used for tests and local
// multi-peer smoke runs: a shared record table plus per-namespace
// validators/selectors, standing in for the real Kademlia DHT (out of
// scope for this repository).
package memdht

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/kiyeovo/core/dht"
)

// Network is a shared record table that multiple Client handles attach to,
// modeling a converged DHT swarm for local testing.
type Network struct {
	mu      sync.RWMutex
	records map[string][][]byte // key (string) -> all values ever put, newest last

	validators map[string]dht.Validator
	selectors  map[string]dht.Selector
}

// NewNetwork creates an empty shared record table.
func NewNetwork() *Network {
	return &Network{
		records:    make(map[string][][]byte),
		validators: make(map[string]dht.Validator),
		selectors:  make(map[string]dht.Selector),
	}
}

// Client returns a dht.Client handle bound to this network.
func (n *Network) Client() dht.Client {
	return &client{net: n}
}

func (n *Network) validatorFor(key []byte) dht.Validator {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for ns, v := range n.validators {
		if strings.HasPrefix(string(key), ns) {
			return v
		}
	}
	return nil
}

func (n *Network) selectorFor(key []byte) dht.Selector {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for ns, s := range n.selectors {
		if strings.HasPrefix(string(key), ns) {
			return s
		}
	}
	return nil
}

type client struct {
	net *Network
}

func (c *client) RegisterValidator(namespace string, v dht.Validator) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	c.net.validators[namespace] = v
}

func (c *client) RegisterSelector(namespace string, s dht.Selector) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	c.net.selectors[namespace] = s
}

func (c *client) Get(ctx context.Context, key []byte) (<-chan dht.Event, error) {
	ch := make(chan dht.Event, 8)
	go func() {
		defer close(ch)

		c.net.mu.RLock()
		values := append([][]byte(nil), c.net.records[string(key)]...)
		c.net.mu.RUnlock()

		if len(values) == 0 {
			select {
			case ch <- dht.Event{Kind: dht.EventQueryError, Key: key, Err: fmt.Errorf("no value for key")}:
			case <-ctx.Done():
			}
			return
		}

		if sel := c.net.selectorFor(key); sel != nil && len(values) > 1 {
			idx, err := sel.Select(key, values)
			if err == nil && idx >= 0 && idx < len(values) {
				values = [][]byte{values[idx]}
			}
		}

		for _, v := range values {
			select {
			case ch <- dht.Event{Kind: dht.EventValue, Key: key, Value: v}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case ch <- dht.Event{Kind: dht.EventPeerResponse, Key: key}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

func (c *client) Put(ctx context.Context, key, value []byte) (<-chan dht.Event, error) {
	ch := make(chan dht.Event, 4)
	go func() {
		defer close(ch)

		if v := c.net.validatorFor(key); v != nil {
			if err := v.Validate(key, value); err != nil {
				select {
				case ch <- dht.Event{Kind: dht.EventQueryError, Key: key, Err: err}:
				case <-ctx.Done():
				}
				return
			}
		}

		c.net.mu.Lock()
		if len(value) == 0 {
			// Tombstone: drop the key entirely.
			delete(c.net.records, string(key))
		} else {
			existing := c.net.records[string(key)]
			if !valueAlreadyPresent(existing, value) {
				c.net.records[string(key)] = append(existing, value)
			}
		}
		c.net.mu.Unlock()

		select {
		case ch <- dht.Event{Kind: dht.EventPeerResponse, Key: key}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

func valueAlreadyPresent(existing [][]byte, value []byte) bool {
	for _, v := range existing {
		if bytes.Equal(v, value) {
			return true
		}
	}
	return false
}
