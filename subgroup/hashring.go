package subgroup

import (
	"sort"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/buybackoff/atomix/client"
	"github.com/buybackoff/atomix/fsm"
)

// HashRing routes keys to members by consistent hashing, so that a
// member join or leave only reshuffles the keys adjacent to it on the
// ring instead of the whole keyspace (spec §4.5 "consistent-hash
// sub-group"). Hashing uses xxhash, the same fast non-cryptographic hash
// the rest of the retrieval pack pulls in for this purpose.
type HashRing struct {
	sg           *SubGroup
	virtualNodes int

	mu   sync.RWMutex
	ring []ringPoint
}

type ringPoint struct {
	hash     uint64
	memberID string
}

// NewHashRing builds a ring over every member of c, optionally filtered,
// with virtualNodes replicas of each member placed around the ring to
// smooth out load distribution. virtualNodes <= 0 selects a default of
// 100, the ring resolution spec.md's configuration table specifies.
func NewHashRing(c *client.GroupClient, filter Filter, virtualNodes int) *HashRing {
	if virtualNodes <= 0 {
		virtualNodes = 100
	}
	if filter == nil {
		filter = func(fsm.GroupMemberInfo) bool { return true }
	}

	hr := &HashRing{virtualNodes: virtualNodes}
	hr.sg = NewSubGroup(c, filter)

	hr.rebuild()
	c.OnJoin(func(fsm.GroupMemberInfo) { hr.rebuild() })
	c.OnLeave(func(string) { hr.rebuild() })

	return hr
}

func (hr *HashRing) rebuild() {
	members := hr.sg.Members()

	points := make([]ringPoint, 0, len(members)*hr.virtualNodes)
	for _, m := range members {
		for v := 0; v < hr.virtualNodes; v++ {
			points = append(points, ringPoint{
				hash:     hashKey(m.MemberID + "#" + strconv.Itoa(v)),
				memberID: m.MemberID,
			})
		}
	}
	sort.Slice(points, func(i, j int) bool { return points[i].hash < points[j].hash })

	hr.mu.Lock()
	hr.ring = points
	hr.mu.Unlock()
}

func hashKey(key string) uint64 {
	return xxhash.Sum64String(key)
}

// MemberFor returns the member owning key, or ok=false if the ring is
// empty.
func (hr *HashRing) MemberFor(key string) (memberID string, ok bool) {
	hr.mu.RLock()
	defer hr.mu.RUnlock()

	if len(hr.ring) == 0 {
		return "", false
	}

	h := hashKey(key)
	i := sort.Search(len(hr.ring), func(i int) bool { return hr.ring[i].hash >= h })
	if i == len(hr.ring) {
		i = 0
	}
	return hr.ring[i].memberID, true
}

func (hr *HashRing) Members() []fsm.GroupMemberInfo {
	return hr.sg.Members()
}
