package engine

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 256

// keyLock serializes decision passes per identity without a lock per key.
// Two identities hashing to the same stripe contend; correctness only needs
// the same identity to always hit the same stripe.
type keyLock struct {
	stripes [lockStripes]sync.Mutex
}

func (k *keyLock) Lock(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	m := &k.stripes[h.Sum32()%lockStripes]
	m.Lock()
	return m
}
