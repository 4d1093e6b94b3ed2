package main

import "fmt"

// ==================== PARTITION TABLE ====================

// DefaultMaxWorkers caps the worker count. With the default the partition
// depth is 2, giving the 16 depth-2 quadrants as units of ownership.
const DefaultMaxWorkers = 16

// PartitionTable statically assigns the quadrants at a fixed tree depth to
// workers. Worker w owns every partition id congruent to w modulo the worker
// count.
type PartitionTable struct {
	depth      int
	numWorkers int
	owners     []int
	owned      [][]int
}

// PartitionDepth returns ceil(log4(maxWorkers)), the shallowest depth with at
// least maxWorkers quadrants.
func PartitionDepth(maxWorkers int) int {
	depth := 0
	for 1<<(2*depth) < maxWorkers {
		depth++
	}
	return depth
}

func NewPartitionTable(maxWorkers, numWorkers int) (*PartitionTable, error) {
	if maxWorkers < 1 {
		return nil, fmt.Errorf("max workers must be at least 1, got %d", maxWorkers)
	}
	if numWorkers < 1 || numWorkers > maxWorkers {
		return nil, fmt.Errorf("workers must be between 1 and %d, got %d", maxWorkers, numWorkers)
	}

	depth := PartitionDepth(maxWorkers)
	count := 1 << (2 * depth)

	pt := &PartitionTable{
		depth:      depth,
		numWorkers: numWorkers,
		owners:     make([]int, count),
		owned:      make([][]int, numWorkers),
	}
	for id := 0; id < count; id++ {
		owner := id % numWorkers
		pt.owners[id] = owner
		pt.owned[owner] = append(pt.owned[owner], id)
	}
	return pt, nil
}

func (pt *PartitionTable) Depth() int      { return pt.depth }
func (pt *PartitionTable) Partitions() int { return len(pt.owners) }
func (pt *PartitionTable) Workers() int    { return pt.numWorkers }

// Owner returns the worker responsible for partition id, or -1 when id is
// outside the table.
func (pt *PartitionTable) Owner(id int) int {
	if id < 0 || id >= len(pt.owners) {
		return -1
	}
	return pt.owners[id]
}

func (pt *PartitionTable) Owns(worker, id int) bool {
	return worker >= 0 && pt.Owner(id) == worker
}

// Owned lists the partition ids of worker in ascending order.
func (pt *PartitionTable) Owned(worker int) []int {
	if worker < 0 || worker >= pt.numWorkers {
		return nil
	}
	return pt.owned[worker]
}
