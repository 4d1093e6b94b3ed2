package main

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// ==================== BARNES-HUT (SEQUENTIAL) ====================

// BarnesHutEngine runs the quadrant tree on the calling goroutine. The tree
// has no fixed levels: the root itself is the only partition.
type BarnesHutEngine struct {
	bodies []Body
	config SimulationConfig
	tree   *QuadTree
	stats  Stats
}

func NewBarnesHutEngine(bodies []Body, config SimulationConfig) (*BarnesHutEngine, error) {
	if err := validateSimulationConfig(config); err != nil {
		return nil, err
	}
	return &BarnesHutEngine{
		bodies: copyBodies(bodies),
		config: config,
	}, nil
}

func (e *BarnesHutEngine) Name() string   { return EngineBarnesHut }
func (e *BarnesHutEngine) Bodies() []Body { return copyBodies(e.bodies) }
func (e *BarnesHutEngine) Stats() *Stats  { return &e.stats }

func (e *BarnesHutEngine) Run(ctx context.Context, steps int, observe StepFunc) (err error) {
	ctx, span := startRunSpan(ctx, e.Name(), len(e.bodies), steps)
	defer func() { endRunSpan(span, err) }()

	e.tree = NewQuadTree(e.config.TotalSize, 0)
	defer e.tree.Release()

	for step := 0; step < steps; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		start := time.Now()
		stepSpan := startStepSpan(ctx, step)
		err := e.step()
		stepSpan.End()
		if err != nil {
			return fmt.Errorf("step %d: %w", step, err)
		}
		e.stats.recordStep(time.Since(start))

		if observe != nil {
			if err := observe(step, e.bodies); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *BarnesHutEngine) step() error {
	for i := range e.bodies {
		if !inBounds(e.bodies[i].Position, e.config.TotalSize) {
			continue
		}
		if err := e.tree.InsertInto(0, e.bodies[i]); err != nil {
			return err
		}
	}

	e.tree.PrunePartition(0)
	e.stats.setTreeNodes(e.tree.LiveNodes())
	e.tree.Aggregate()

	for i := range e.bodies {
		e.tree.AccumulateForce(&e.bodies[i], e.config.Far)
	}
	for i := range e.bodies {
		e.bodies[i].Integrate(e.config.TimeStep, e.config.Bounded, e.config.TotalSize)
	}

	e.tree.ResetPartition(0)
	return nil
}

// ==================== BARNES-HUT (PARALLEL) ====================

// ParallelBarnesHutEngine runs a fixed cohort of workers through every step,
// separated by barrier rendezvous. No locks are taken inside a phase; each
// phase has a single writer per piece of state:
//
//   - build, prune, reset: a worker touches only the partitions it owns
//     (spatial ownership through the PartitionTable, private node arenas);
//   - aggregation and bookkeeping: worker 0 alone;
//   - forces, integration: worker w touches bodies w, w+n, w+2n, ... and
//     only reads the tree, which nobody writes during these phases.
//
// The barrier between phases is what makes the writes of one phase visible
// to the readers of the next.
type ParallelBarnesHutEngine struct {
	bodies     []Body
	config     SimulationConfig
	partitions *PartitionTable
	pool       *WorkerPool
	tree       *QuadTree
	stats      Stats

	buildErrs []error
	stop      bool
	stopErr   error
}

func NewParallelBarnesHutEngine(bodies []Body, config SimulationConfig) (*ParallelBarnesHutEngine, error) {
	if err := validateSimulationConfig(config); err != nil {
		return nil, err
	}

	partitions, err := NewPartitionTable(config.MaxWorkers, config.Workers)
	if err != nil {
		return nil, err
	}

	return &ParallelBarnesHutEngine{
		bodies:     copyBodies(bodies),
		config:     config,
		partitions: partitions,
		pool:       NewWorkerPool(config.Workers),
		buildErrs:  make([]error, config.Workers),
	}, nil
}

func (e *ParallelBarnesHutEngine) Name() string                { return EngineParallelBarnesHut }
func (e *ParallelBarnesHutEngine) Bodies() []Body              { return copyBodies(e.bodies) }
func (e *ParallelBarnesHutEngine) Stats() *Stats               { return &e.stats }
func (e *ParallelBarnesHutEngine) Partitions() *PartitionTable { return e.partitions }

func (e *ParallelBarnesHutEngine) WorkerStats() (active int64, runs int64) {
	return e.pool.GetStats()
}

func (e *ParallelBarnesHutEngine) Run(ctx context.Context, steps int, observe StepFunc) (err error) {
	ctx, span := startRunSpan(ctx, e.Name(), len(e.bodies), steps)
	defer func() { endRunSpan(span, err) }()

	e.stop, e.stopErr = false, nil
	for i := range e.buildErrs {
		e.buildErrs[i] = nil
	}

	err = e.pool.Run(func(id int) error {
		return e.worker(ctx, id, steps, observe)
	})
	e.stats.setBarrierGen(e.pool.Barrier().Generation())
	return err
}

func (e *ParallelBarnesHutEngine) worker(ctx context.Context, id, steps int, observe StepFunc) error {
	barrier := e.pool.Barrier()
	workers := e.partitions.Workers()

	var (
		stepStart time.Time
		stepSpan  trace.Span
	)

	if id == 0 {
		e.tree = NewQuadTree(e.config.TotalSize, e.partitions.Depth())
		if err := ctx.Err(); err != nil {
			e.stop, e.stopErr = true, err
		}
	}

	for step := 0; step < steps; step++ {
		barrier.Await()
		if e.stop {
			break
		}

		if id == 0 {
			stepStart = time.Now()
			stepSpan = startStepSpan(ctx, step)
		}
		e.buildErrs[id] = e.build(id)

		barrier.Await()
		if err := e.buildError(); err != nil {
			if id != 0 {
				return nil
			}
			stepSpan.End()
			e.tree.Release()
			return fmt.Errorf("step %d: %w", step, err)
		}
		for _, pid := range e.partitions.Owned(id) {
			e.tree.PrunePartition(pid)
		}

		barrier.Await()
		if id == 0 {
			e.stats.setTreeNodes(e.tree.LiveNodes())
			e.tree.Aggregate()
		}

		barrier.Await()
		for j := id; j < len(e.bodies); j += workers {
			e.tree.AccumulateForce(&e.bodies[j], e.config.Far)
		}

		barrier.Await()
		for j := id; j < len(e.bodies); j += workers {
			e.bodies[j].Integrate(e.config.TimeStep, e.config.Bounded, e.config.TotalSize)
		}

		barrier.Await()
		for _, pid := range e.partitions.Owned(id) {
			e.tree.ResetPartition(pid)
		}

		barrier.Await()
		if id == 0 {
			e.tree.ResetTop()
			stepSpan.End()
			e.stats.recordStep(time.Since(stepStart))
			e.bookkeeping(ctx, step, observe)
		}
	}

	barrier.Await()
	if id != 0 {
		return nil
	}
	e.tree.Release()
	return e.stopErr
}

// build inserts every in-bounds body whose partition is owned by worker id.
func (e *ParallelBarnesHutEngine) build(id int) error {
	for j := range e.bodies {
		b := &e.bodies[j]
		pid := e.tree.PartitionOf(b.Position)
		if !e.partitions.Owns(id, pid) || !inBounds(b.Position, e.config.TotalSize) {
			continue
		}
		if err := e.tree.InsertInto(pid, *b); err != nil {
			return err
		}
	}
	return nil
}

func (e *ParallelBarnesHutEngine) buildError() error {
	for _, err := range e.buildErrs {
		if err != nil {
			return err
		}
	}
	return nil
}

// bookkeeping runs on worker 0 between steps. A stop request is picked up by
// every worker after the next barrier.
func (e *ParallelBarnesHutEngine) bookkeeping(ctx context.Context, step int, observe StepFunc) {
	if observe != nil {
		if err := observe(step, e.bodies); err != nil {
			e.stop, e.stopErr = true, err
			return
		}
	}
	if err := ctx.Err(); err != nil {
		e.stop, e.stopErr = true, err
	}
}
