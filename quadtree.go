package main

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/spatial/r2"
)

// ==================== QUADRANT TREE ====================

// Quadrant indexes a child inside its block of four siblings.
type Quadrant int

const (
	NE Quadrant = iota
	NW
	SW
	SE
)

type NodeState uint8

const (
	NodeEmpty NodeState = iota
	NodeLeafWithBody
	NodeInternalWithContent
)

func (s NodeState) String() string {
	switch s {
	case NodeEmpty:
		return "empty"
	case NodeLeafWithBody:
		return "leaf"
	case NodeInternalWithContent:
		return "internal"
	}
	return fmt.Sprintf("NodeState(%d)", uint8(s))
}

const noChildren = -1

var ErrDuplicatePosition = errors.New("bodies occupy the same point")

type DuplicatePositionError struct {
	Position r2.Vec
}

func (e *DuplicatePositionError) Error() string {
	return fmt.Sprintf("particles x:%f y:%f occupy the same point", e.Position.X, e.Position.Y)
}

func (e *DuplicatePositionError) Is(target error) bool {
	return target == ErrDuplicatePosition
}

// Node is a square region of the tree. Shape (whether it has children) and
// content state are independent: an internal node whose content was reset
// keeps its children for reuse in the next step.
type Node struct {
	Origin       r2.Vec
	Size         float64
	Mass         float64
	CenterOfMass r2.Vec
	State        NodeState
	PartitionID  int

	occupant   Body
	childArena int32
	children   int32
	next       int32
}

func (n *Node) IsLeaf() bool     { return n.children == noChildren }
func (n *Node) HasContent() bool { return n.State != NodeEmpty }

func (n *Node) Center() r2.Vec {
	half := n.Size / 2
	return r2.Vec{X: n.Origin.X + half, Y: n.Origin.Y + half}
}

// Occupant returns the body snapshot held by a leaf.
func (n *Node) Occupant() (Body, bool) {
	return n.occupant, n.State == NodeLeafWithBody
}

// quadrant picks the child containing p. Points on a midline go to the lower
// half of that axis.
func (n *Node) quadrant(p r2.Vec) Quadrant {
	mid := n.Center()
	if p.X <= mid.X {
		if p.Y <= mid.Y {
			return SW
		}
		return NW
	}
	if p.Y <= mid.Y {
		return SE
	}
	return NE
}

type nodeRef struct {
	arena int32
	index int32
}

// nodeArena stores nodes in blocks of four siblings. Released blocks are
// chained through the next field of their first node.
type nodeArena struct {
	nodes    []Node
	freeList int32
	live     int
}

func newNodeArena(capacity int) *nodeArena {
	return &nodeArena{
		nodes:    make([]Node, 0, capacity),
		freeList: noChildren,
	}
}

func (a *nodeArena) allocBlock() int32 {
	a.live += 4
	if a.freeList != noChildren {
		block := a.freeList
		a.freeList = a.nodes[block].next
		return block
	}
	block := int32(len(a.nodes))
	a.nodes = append(a.nodes, make([]Node, 4)...)
	return block
}

func (a *nodeArena) releaseBlock(block int32) {
	a.nodes[block].next = a.freeList
	a.freeList = block
	a.live -= 4
}

// QuadTree is a 4-ary partition of the [0, size] square. Every node above the
// partition depth is fixed for the lifetime of the tree and lives in arena 0.
// Each partition root grows its subtree inside a private arena, so builders
// working on different partitions never share an allocator.
type QuadTree struct {
	arenas     []*nodeArena
	partitions []nodeRef
	depth      int
	size       float64
}

var rootRef = nodeRef{arena: 0, index: 0}

func NewQuadTree(totalSize float64, partitionDepth int) *QuadTree {
	count := 1 << (2 * partitionDepth)

	t := &QuadTree{
		arenas:     make([]*nodeArena, count+1),
		partitions: make([]nodeRef, count),
		depth:      partitionDepth,
		size:       totalSize,
	}

	t.arenas[0] = newNodeArena((4*count - 1) / 3)
	t.arenas[0].nodes = append(t.arenas[0].nodes, Node{Size: totalSize, PartitionID: -1, children: noChildren})
	for i := 1; i <= count; i++ {
		t.arenas[i] = newNodeArena(64)
	}

	t.buildFixed(rootRef, 0, 0)
	return t
}

func (t *QuadTree) buildFixed(ref nodeRef, level, id int) {
	if level == t.depth {
		n := t.node(ref)
		n.PartitionID = id
		n.childArena = int32(id + 1)
		t.partitions[id] = ref
		return
	}

	t.split(ref)
	block := t.node(ref).children
	for q := NE; q <= SE; q++ {
		t.buildFixed(nodeRef{arena: 0, index: block + int32(q)}, level+1, id*4+int(q))
	}
}

func (t *QuadTree) node(ref nodeRef) *Node {
	return &t.arenas[ref.arena].nodes[ref.index]
}

func (t *QuadTree) child(n *Node, q Quadrant) nodeRef {
	return nodeRef{arena: n.childArena, index: n.children + int32(q)}
}

// split gives a leaf four empty children. The node pointer of ref may be
// invalidated since the arena can grow.
func (t *QuadTree) split(ref nodeRef) {
	n := t.node(ref)
	arenaID := n.childArena
	origin, half := n.Origin, n.Size/2

	arena := t.arenas[arenaID]
	block := arena.allocBlock()

	offsets := [4]r2.Vec{
		NE: {X: half, Y: half},
		NW: {Y: half},
		SW: {},
		SE: {X: half},
	}
	for q, off := range offsets {
		arena.nodes[block+int32(q)] = Node{
			Origin:      r2.Add(origin, off),
			Size:        half,
			PartitionID: -1,
			childArena:  arenaID,
			children:    noChildren,
		}
	}

	t.node(ref).children = block
}

func (t *QuadTree) Root() *Node         { return t.node(rootRef) }
func (t *QuadTree) Size() float64       { return t.size }
func (t *QuadTree) PartitionDepth() int { return t.depth }
func (t *QuadTree) Partitions() int     { return len(t.partitions) }

func (t *QuadTree) Partition(id int) *Node {
	return t.node(t.partitions[id])
}

// PartitionOf returns the id of the partition whose square contains p,
// following the same tie-breaking as insertion.
func (t *QuadTree) PartitionOf(p r2.Vec) int {
	ref, id := rootRef, 0
	for level := 0; level < t.depth; level++ {
		n := t.node(ref)
		q := n.quadrant(p)
		id = id*4 + int(q)
		ref = t.child(n, q)
	}
	return id
}

// Insert places b below the partition that contains it.
func (t *QuadTree) Insert(b Body) error {
	return t.InsertInto(t.PartitionOf(b.Position), b)
}

// InsertInto places b below partition id. Callers own the partition for the
// duration of the call.
func (t *QuadTree) InsertInto(id int, b Body) error {
	return t.insert(t.partitions[id], b)
}

func (t *QuadTree) insert(ref nodeRef, b Body) error {
	n := t.node(ref)
	n.Mass += b.Mass

	switch {
	case n.State == NodeLeafWithBody:
		if n.occupant.Position == b.Position {
			return &DuplicatePositionError{Position: b.Position}
		}

		existing := n.occupant
		t.split(ref)
		n = t.node(ref)
		n.State = NodeInternalWithContent
		n.occupant = Body{}

		if err := t.insert(t.child(n, n.quadrant(existing.Position)), existing); err != nil {
			return err
		}
		n = t.node(ref)
		return t.insert(t.child(n, n.quadrant(b.Position)), b)

	case !n.IsLeaf():
		n.State = NodeInternalWithContent
		return t.insert(t.child(n, n.quadrant(b.Position)), b)

	default:
		n.State = NodeLeafWithBody
		n.occupant = b
		return nil
	}
}

// PrunePartition collapses every content-less internal node of partition id
// back into an empty leaf and hands its blocks back to the partition arena.
func (t *QuadTree) PrunePartition(id int) {
	t.prune(t.partitions[id])
}

func (t *QuadTree) prune(ref nodeRef) {
	n := t.node(ref)
	if n.IsLeaf() {
		return
	}
	if !n.HasContent() {
		t.release(ref)
		return
	}
	for q := NE; q <= SE; q++ {
		t.prune(t.child(n, q))
	}
}

func (t *QuadTree) release(ref nodeRef) {
	n := t.node(ref)
	for q := NE; q <= SE; q++ {
		c := t.child(n, q)
		if !t.node(c).IsLeaf() {
			t.release(c)
		}
	}
	t.arenas[n.childArena].releaseBlock(n.children)
	n.children = noChildren
}

// ResetPartition clears content and mass below partition id, keeping shape.
func (t *QuadTree) ResetPartition(id int) {
	t.reset(t.partitions[id])
}

// ResetTop clears the fixed levels above the partitions. Partitions must
// already be reset.
func (t *QuadTree) ResetTop() {
	t.reset(rootRef)
}

func (t *QuadTree) reset(ref nodeRef) {
	n := t.node(ref)
	if !n.IsLeaf() {
		for q := NE; q <= SE; q++ {
			c := t.child(n, q)
			if t.node(c).HasContent() {
				t.reset(c)
			}
		}
	}
	n.State = NodeEmpty
	n.Mass = 0
	n.CenterOfMass = r2.Vec{}
	n.occupant = Body{}
}

// ==================== MASS AGGREGATION ====================

// Aggregate fills Mass and CenterOfMass for the whole tree in one post-order
// pass. It must run on a single goroutine after every partition is built and
// pruned.
func (t *QuadTree) Aggregate() {
	t.aggregate(rootRef)
}

func (t *QuadTree) aggregate(ref nodeRef) {
	n := t.node(ref)
	if n.IsLeaf() {
		if n.State == NodeLeafWithBody {
			n.Mass = n.occupant.Mass
			n.CenterOfMass = n.occupant.Position
		}
		return
	}

	var (
		mass     float64
		weighted r2.Vec
		content  bool
	)
	for q := NE; q <= SE; q++ {
		c := t.child(n, q)
		t.aggregate(c)

		cn := t.node(c)
		if !cn.HasContent() {
			continue
		}
		content = true
		mass += cn.Mass
		weighted = r2.Add(weighted, r2.Scale(cn.Mass, cn.CenterOfMass))
	}

	n.Mass = mass
	if !content {
		n.State = NodeEmpty
		return
	}

	n.State = NodeInternalWithContent
	if mass > 0 {
		n.CenterOfMass = r2.Vec{X: weighted.X / mass, Y: weighted.Y / mass}
	} else {
		n.CenterOfMass = n.Center()
	}
}

// ==================== FORCE APPROXIMATION ====================

// AccumulateForce adds to b.Force the attraction of everything in the tree.
// A subtree whose center of mass is farther than far is treated as a single
// mass; otherwise its children are visited. The threshold is a flat distance
// and does not depend on the node size.
func (t *QuadTree) AccumulateForce(b *Body, far float64) {
	t.accumulateForce(rootRef, b, far)
}

func (t *QuadTree) accumulateForce(ref nodeRef, b *Body, far float64) {
	n := t.node(ref)

	switch n.State {
	case NodeLeafWithBody:
		// b's own leaf contributes nothing: the direction vector is zero.
		f := attraction(b.Position, b.Mass, n.occupant.Position, n.occupant.Mass, MinDistanceDirect)
		b.Force = r2.Add(b.Force, f)

	case NodeInternalWithContent:
		distance := r2.Norm(r2.Sub(n.CenterOfMass, b.Position))
		if distance < MinDistanceApprox {
			distance = MinDistanceApprox
		}

		if distance > far {
			f := attraction(b.Position, b.Mass, n.CenterOfMass, n.Mass, MinDistanceApprox)
			b.Force = r2.Add(b.Force, f)
			return
		}

		for q := NE; q <= SE; q++ {
			t.accumulateForce(t.child(n, q), b, far)
		}
	}
}

// AccumulateForceTheta uses the classical opening ratio instead: a subtree is
// treated as a single mass when its size divided by the distance to its
// center of mass is below theta.
func (t *QuadTree) AccumulateForceTheta(b *Body, theta float64) {
	t.accumulateForceTheta(rootRef, b, theta)
}

func (t *QuadTree) accumulateForceTheta(ref nodeRef, b *Body, theta float64) {
	n := t.node(ref)

	switch n.State {
	case NodeLeafWithBody:
		f := attraction(b.Position, b.Mass, n.occupant.Position, n.occupant.Mass, MinDistanceDirect)
		b.Force = r2.Add(b.Force, f)

	case NodeInternalWithContent:
		distance := r2.Norm(r2.Sub(n.CenterOfMass, b.Position))
		if distance < MinDistanceApprox {
			distance = MinDistanceApprox
		}

		if n.Size/distance < theta {
			f := attraction(b.Position, b.Mass, n.CenterOfMass, n.Mass, MinDistanceApprox)
			b.Force = r2.Add(b.Force, f)
			return
		}

		for q := NE; q <= SE; q++ {
			t.accumulateForceTheta(t.child(n, q), b, theta)
		}
	}
}

// ==================== STATISTICS ====================

// LiveNodes counts allocated nodes, fixed levels included.
func (t *QuadTree) LiveNodes() int {
	count := len(t.arenas[0].nodes)
	for _, a := range t.arenas[1:] {
		count += a.live
	}
	return count
}

// Walk visits every node in pre-order with its depth.
func (t *QuadTree) Walk(fn func(n *Node, depth int)) {
	t.walk(rootRef, 0, fn)
}

func (t *QuadTree) walk(ref nodeRef, depth int, fn func(n *Node, depth int)) {
	n := t.node(ref)
	fn(n, depth)
	if n.IsLeaf() {
		return
	}
	for q := NE; q <= SE; q++ {
		t.walk(t.child(n, q), depth+1, fn)
	}
}

// Release drops every arena. The tree is unusable afterwards.
func (t *QuadTree) Release() {
	t.arenas = nil
	t.partitions = nil
}
