package sse

import (
	"hash/fnv"
	"sync"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
)

// shard owns a partition of the manager's per-job state. Splitting the state
// across shards means two jobs that hash to different shards never contend
// on the same mutex — only jobs unlucky enough to collide into the same
// shard serialize with each other, unlike a single global lock that would
// serialize every job in the process.
type shard struct {
	mu        sync.Mutex
	streams   map[string]*multicastSink
	connCount map[string]int
	busSubs   map[string]domain.BusSubscription
}

func newShard() *shard {
	return &shard{
		streams:   make(map[string]*multicastSink),
		connCount: make(map[string]int),
		busSubs:   make(map[string]domain.BusSubscription),
	}
}

const shardCount = 32

func shardFor(shards []*shard, jobID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(jobID))
	return shards[h.Sum32()%uint32(len(shards))]
}
