// ABOUTME: Delivery outcomes, broadcast reports, and target filters for outbound messages
// ABOUTME: Outcomes are values returned to the host, never errors

package router

import (
	"slices"

	"github.com/2389/overlay-bridge/internal/protocol"
	"github.com/2389/overlay-bridge/internal/registry"
)

// Delivery is the outcome of writing one envelope to one client.
type Delivery string

const (
	Delivered      Delivery = "delivered"
	ClientNotFound Delivery = "clientNotFound"
	WriteFailed    Delivery = "writeFailed"
)

// OK reports whether the envelope reached the client's connection.
func (d Delivery) OK() bool { return d == Delivered }

// Report maps client id to the delivery outcome of a broadcast.
type Report map[string]Delivery

// Delivered returns the ids that received the envelope, sorted.
func (r Report) Delivered() []string {
	return r.matching(func(d Delivery) bool { return d == Delivered })
}

// Failed returns the ids that did not receive the envelope, sorted.
func (r Report) Failed() []string {
	return r.matching(func(d Delivery) bool { return d != Delivered })
}

func (r Report) matching(keep func(Delivery) bool) []string {
	ids := []string{}
	for id, d := range r {
		if keep(d) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Filter selects broadcast targets. A nil Filter selects every client.
type Filter func(registry.ClientInfo) bool

// All selects every registered client.
func All() Filter { return nil }

// ByType selects clients of one type.
func ByType(t protocol.ClientType) Filter {
	return func(c registry.ClientInfo) bool { return c.ClientType == t }
}

// ByIDs selects the listed clients.
func ByIDs(ids ...string) Filter {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return func(c registry.ClientInfo) bool {
		_, ok := set[c.ID]
		return ok
	}
}

// ByFileKey selects clients attached to one document.
func ByFileKey(key string) Filter {
	return func(c registry.ClientInfo) bool { return c.FileKey == key }
}

// And selects clients accepted by every non-nil filter.
func And(filters ...Filter) Filter {
	return func(c registry.ClientInfo) bool {
		for _, f := range filters {
			if f != nil && !f(c) {
				return false
			}
		}
		return true
	}
}
