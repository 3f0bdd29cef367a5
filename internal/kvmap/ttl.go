package kvmap

import "sort"

// ttlNode is one entry in the TTL index: a key whose entry expires at a
// given logical time.
type ttlNode struct {
	expiry int64
	key    string
}

// ttlIndex is the ordered multiset of (expiry, key) driving deterministic
// expiration. It is kept as a slice sorted on insert; the map never holds
// more than a few thousand live TTLs at a time in practice, and the
// dispatcher drains strictly in ascending order, so a sorted slice keeps
// the implementation simple without sacrificing determinism.
type ttlIndex struct {
	nodes []ttlNode
}

func newTTLIndex() *ttlIndex { return &ttlIndex{} }

func (t *ttlIndex) insert(expiry int64, key string) {
	n := ttlNode{expiry: expiry, key: key}
	i := sort.Search(len(t.nodes), func(i int) bool {
		return less(n, t.nodes[i])
	})
	t.nodes = append(t.nodes, ttlNode{})
	copy(t.nodes[i+1:], t.nodes[i:])
	t.nodes[i] = n
}

// remove drops the node for key at the given expiry, if present. A write
// with ttl=0 or a replaced TTL calls this before optionally re-inserting.
func (t *ttlIndex) remove(expiry int64, key string) {
	for i, n := range t.nodes {
		if n.expiry == expiry && n.key == key {
			t.nodes = append(t.nodes[:i], t.nodes[i+1:]...)
			return
		}
	}
}

func less(a, b ttlNode) bool {
	if a.expiry != b.expiry {
		return a.expiry < b.expiry
	}
	return a.key < b.key
}

// drainExpired removes and returns, in ascending (expiry, key) order, every
// node whose expiry is <= ts.
func (t *ttlIndex) drainExpired(ts int64) []ttlNode {
	i := 0
	for i < len(t.nodes) && t.nodes[i].expiry <= ts {
		i++
	}
	if i == 0 {
		return nil
	}
	drained := make([]ttlNode, i)
	copy(drained, t.nodes[:i])
	t.nodes = t.nodes[i:]
	return drained
}

func (t *ttlIndex) clear() { t.nodes = nil }

// snapshot returns a defensive copy in canonical sort order.
func (t *ttlIndex) snapshot() []ttlNode {
	out := make([]ttlNode, len(t.nodes))
	copy(out, t.nodes)
	return out
}
