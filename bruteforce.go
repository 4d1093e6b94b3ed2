package main

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r2"
)

// ==================== BRUTE FORCE ====================

// BruteForceEngine evaluates every pair exactly once and applies the force to
// both bodies.
type BruteForceEngine struct {
	bodies []Body
	config SimulationConfig
	stats  Stats
}

func NewBruteForceEngine(bodies []Body, config SimulationConfig) (*BruteForceEngine, error) {
	if err := validateSimulationConfig(config); err != nil {
		return nil, err
	}
	return &BruteForceEngine{bodies: copyBodies(bodies), config: config}, nil
}

func (e *BruteForceEngine) Name() string   { return EngineBruteForce }
func (e *BruteForceEngine) Bodies() []Body { return copyBodies(e.bodies) }
func (e *BruteForceEngine) Stats() *Stats  { return &e.stats }

func (e *BruteForceEngine) Run(ctx context.Context, steps int, observe StepFunc) (err error) {
	ctx, span := startRunSpan(ctx, e.Name(), len(e.bodies), steps)
	defer func() { endRunSpan(span, err) }()

	for step := 0; step < steps; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		start := time.Now()
		stepSpan := startStepSpan(ctx, step)
		pairwiseForces(e.bodies)
		for i := range e.bodies {
			e.bodies[i].Integrate(e.config.TimeStep, e.config.Bounded, e.config.TotalSize)
		}
		stepSpan.End()
		e.stats.recordStep(time.Since(start))

		if observe != nil {
			if err := observe(step, e.bodies); err != nil {
				return err
			}
		}
	}
	return nil
}

func pairwiseForces(bodies []Body) {
	for i := 0; i < len(bodies)-1; i++ {
		for j := i + 1; j < len(bodies); j++ {
			f := attraction(bodies[i].Position, bodies[i].Mass, bodies[j].Position, bodies[j].Mass, MinDistanceDirect)
			bodies[i].Force = r2.Add(bodies[i].Force, f)
			bodies[j].Force = r2.Sub(bodies[j].Force, f)
		}
	}
}

// ==================== BRUTE FORCE (PARALLEL) ====================

// ParallelBruteForceEngine stripes the outer pair loop over workers. Each
// worker accumulates into its own force buffer; the buffers are summed per
// body during integration.
type ParallelBruteForceEngine struct {
	bodies  []Body
	config  SimulationConfig
	buffers [][]r2.Vec
	stats   Stats
}

func NewParallelBruteForceEngine(bodies []Body, config SimulationConfig) (*ParallelBruteForceEngine, error) {
	if err := validateSimulationConfig(config); err != nil {
		return nil, err
	}

	buffers := make([][]r2.Vec, config.Workers)
	for w := range buffers {
		buffers[w] = make([]r2.Vec, len(bodies))
	}

	return &ParallelBruteForceEngine{
		bodies:  copyBodies(bodies),
		config:  config,
		buffers: buffers,
	}, nil
}

func (e *ParallelBruteForceEngine) Name() string   { return EngineParallelBruteForce }
func (e *ParallelBruteForceEngine) Bodies() []Body { return copyBodies(e.bodies) }
func (e *ParallelBruteForceEngine) Stats() *Stats  { return &e.stats }

func (e *ParallelBruteForceEngine) Run(ctx context.Context, steps int, observe StepFunc) (err error) {
	ctx, span := startRunSpan(ctx, e.Name(), len(e.bodies), steps)
	defer func() { endRunSpan(span, err) }()

	for step := 0; step < steps; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		start := time.Now()
		stepSpan := startStepSpan(ctx, step)
		err := e.step(ctx)
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

func (e *ParallelBruteForceEngine) step(ctx context.Context) error {
	workers := len(e.buffers)
	n := len(e.bodies)

	g, _ := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			forces := e.buffers[w]
			for i := w; i < n; i += workers {
				for j := i + 1; j < n; j++ {
					f := attraction(e.bodies[i].Position, e.bodies[i].Mass, e.bodies[j].Position, e.bodies[j].Mass, MinDistanceDirect)
					forces[i] = r2.Add(forces[i], f)
					forces[j] = r2.Sub(forces[j], f)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	g, _ = errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			for i := w; i < n; i += workers {
				b := &e.bodies[i]
				for _, forces := range e.buffers {
					b.Force = r2.Add(b.Force, forces[i])
					forces[i] = r2.Vec{}
				}
				b.Integrate(e.config.TimeStep, e.config.Bounded, e.config.TotalSize)
			}
			return nil
		})
	}
	return g.Wait()
}
