package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"gbx-controller/registry"
)

// ConsistentHashBalancer maps its key onto a hash ring of instances. The
// same key lands on the same instance until the ring changes, and a change
// only moves the keys of the affected arc.
//
// Virtual nodes: each real instance is placed on the ring many times so that
// a handful of servers still split the key space evenly.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	key      string
	replicas int

	mu    sync.Mutex
	sig   string   // addresses the ring was built from
	ring  []uint32 // sorted hash values
	nodes map[uint32]string
}

// NewConsistentHashBalancer creates a balancer for key with 100 virtual
// nodes per instance.
func NewConsistentHashBalancer(key string) *ConsistentHashBalancer {
	return &ConsistentHashBalancer{key: key, replicas: 100}
}

// Pick rebuilds the ring when the instance set changed, then finds the
// instance owning the key.
func (b *ConsistentHashBalancer) Pick(instances []registry.Instance) (*registry.Instance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	addr := b.Locate(instances, b.key)
	for i := range instances {
		if instances[i].Addr == addr {
			return &instances[i], nil
		}
	}
	return nil, ErrNoInstances
}

// Locate returns the address owning key on the ring built from instances.
func (b *ConsistentHashBalancer) Locate(instances []registry.Instance, key string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rebuild(instances)

	hash := crc32.ChecksumIEEE([]byte(key))
	// first node with hash >= key's hash, wrapping to the start of the ring
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]]
}

func (b *ConsistentHashBalancer) rebuild(instances []registry.Instance) {
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	sort.Strings(addrs)
	sig := strings.Join(addrs, ",")
	if sig == b.sig && b.ring != nil {
		return
	}

	b.sig = sig
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]string, len(addrs)*b.replicas)
	for _, addr := range addrs {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", addr, i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = addr
		}
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

func (b *ConsistentHashBalancer) Name() string {
	return "consistent-hash"
}
