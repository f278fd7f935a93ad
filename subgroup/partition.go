package subgroup

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/buybackoff/atomix/client"
	"github.com/buybackoff/atomix/fsm"
)

// Partitioner maps a key to one of partitionCount fixed partitions. The
// default hashes the key with xxhash; callers needing a specific
// distribution (e.g. range partitioning) can supply their own.
type Partitioner func(key string, partitionCount int) int

func defaultPartitioner(key string, partitionCount int) int {
	return int(xxhash.Sum64String(key) % uint64(partitionCount))
}

// PartitionMigration reports a partition changing owners, grounded
// directly on Atomix's io.atomix.group.partition.PartitionMigration.
type PartitionMigration struct {
	Source    *fsm.GroupMemberInfo
	Target    *fsm.GroupMemberInfo
	Partition int
}

// MigrationListener is notified every time a partition's owner changes.
type MigrationListener func(PartitionMigration)

// PartitionedGroup splits the group into a fixed number of partitions,
// each owned by exactly one member, reassigning ownership round-robin
// across the current membership whenever it changes (spec §4.5
// "partition sub-group"). replicationFactor is recorded for callers that
// layer their own replica placement on top; PartitionedGroup itself
// always hands out single ownership per partition.
type PartitionedGroup struct {
	sg                *SubGroup
	partitionCount    int
	replicationFactor int
	partitioner       Partitioner

	mu        sync.RWMutex
	owners    []string // owners[i] is the memberID owning partition i, "" if unowned
	listeners []MigrationListener
}

// NewPartitionedGroup builds a PartitionedGroup over c, filtered,
// with partitionCount fixed partitions.
func NewPartitionedGroup(c *client.GroupClient, filter Filter, partitionCount, replicationFactor int, partitioner Partitioner) *PartitionedGroup {
	if filter == nil {
		filter = func(fsm.GroupMemberInfo) bool { return true }
	}
	if partitioner == nil {
		partitioner = defaultPartitioner
	}

	pg := &PartitionedGroup{
		sg:                NewSubGroup(c, filter),
		partitionCount:    partitionCount,
		replicationFactor: replicationFactor,
		partitioner:       partitioner,
		owners:            make([]string, partitionCount),
	}

	pg.rebalance()
	c.OnJoin(func(fsm.GroupMemberInfo) { pg.rebalance() })
	c.OnLeave(func(string) { pg.rebalance() })

	return pg
}

func (pg *PartitionedGroup) OnMigration(fn MigrationListener) {
	pg.mu.Lock()
	pg.listeners = append(pg.listeners, fn)
	pg.mu.Unlock()
}

// rebalance reassigns every partition's owner round-robin across the
// current membership, sorted by member id for determinism, and reports
// a PartitionMigration for every partition whose owner actually changed.
func (pg *PartitionedGroup) rebalance() {
	members := pg.sg.Members()
	sort.Slice(members, func(i, j int) bool { return members[i].MemberID < members[j].MemberID })

	byID := make(map[string]fsm.GroupMemberInfo, len(members))
	for _, m := range members {
		byID[m.MemberID] = m
	}

	pg.mu.Lock()
	prevOwners := pg.owners
	newOwners := make([]string, pg.partitionCount)
	if len(members) > 0 {
		for p := 0; p < pg.partitionCount; p++ {
			newOwners[p] = members[p%len(members)].MemberID
		}
	}
	pg.owners = newOwners
	listeners := append([]MigrationListener(nil), pg.listeners...)
	pg.mu.Unlock()

	for p := 0; p < pg.partitionCount; p++ {
		if prevOwners[p] == newOwners[p] {
			continue
		}
		var source, target *fsm.GroupMemberInfo
		if m, ok := byID[prevOwners[p]]; ok {
			source = &m
		}
		if m, ok := byID[newOwners[p]]; ok {
			target = &m
		}
		migration := PartitionMigration{Source: source, Target: target, Partition: p}
		for _, fn := range listeners {
			fn(migration)
		}
	}
}

// OwnerOf returns the member id owning key's partition, or ok=false if
// no member currently owns any partition.
func (pg *PartitionedGroup) OwnerOf(key string) (memberID string, ok bool) {
	p := pg.partitioner(key, pg.partitionCount)

	pg.mu.RLock()
	defer pg.mu.RUnlock()

	owner := pg.owners[p]
	return owner, owner != ""
}

func (pg *PartitionedGroup) PartitionCount() int    { return pg.partitionCount }
func (pg *PartitionedGroup) ReplicationFactor() int { return pg.replicationFactor }
