package reassembly

import (
	"hash/fnv"
	"sync"
)

// Store holds one accumulator per device. Implementations must be safe for
// concurrent use across devices; calls for a single device are serialized by
// the caller.
type Store interface {
	Load(deviceID string) []byte
	Save(deviceID string, buf []byte)
	Delete(deviceID string)
}

const shardCount = 32

// MemoryStore is a Store sharded by device id to keep lock contention between
// devices low.
type MemoryStore struct {
	shards [shardCount]memoryShard
}

type memoryShard struct {
	mu  sync.Mutex
	acc map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i].acc = make(map[string][]byte)
	}
	return s
}

func (s *MemoryStore) shard(deviceID string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceID))
	return &s.shards[h.Sum32()%shardCount]
}

func (s *MemoryStore) Load(deviceID string) []byte {
	sh := s.shard(deviceID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.acc[deviceID]
}

func (s *MemoryStore) Save(deviceID string, buf []byte) {
	sh := s.shard(deviceID)
	sh.mu.Lock()
	sh.acc[deviceID] = buf
	sh.mu.Unlock()
}

func (s *MemoryStore) Delete(deviceID string) {
	sh := s.shard(deviceID)
	sh.mu.Lock()
	delete(sh.acc, deviceID)
	sh.mu.Unlock()
}

// Pending returns the number of devices with a partial object buffered.
func (s *MemoryStore) Pending() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.acc)
		sh.mu.Unlock()
	}
	return n
}
