package main

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/barneshut"
	"gonum.org/v1/gonum/spatial/r2"
)

// ==================== REFERENCE (GONUM) ====================

// particle adapts a Body to gonum's Particle2.
type particle struct {
	body *Body
}

func (p particle) Coord2() r2.Vec { return p.body.Position }
func (p particle) Mass() float64  { return p.body.Mass }

// gravity is the direct-interaction law of the quadrant tree expressed as a
// gonum force function: v points from p1 to p2.
func gravity(_, _ barneshut.Particle2, m1, m2 float64, v r2.Vec) r2.Vec {
	return attraction(r2.Vec{}, m1, v, m2, MinDistanceDirect)
}

// ReferenceEngine uses the classical size/distance opening ratio theta.
// With theta 0 forces come from gonum's plane, which sums every pair
// exactly. For theta > 0 the quadrant tree is walked with the ratio test:
// gonum's aggregate centers are only right for unit masses.
type ReferenceEngine struct {
	bodies    []Body
	particles []barneshut.Particle2
	config    SimulationConfig
	stats     Stats
}

func NewReferenceEngine(bodies []Body, config SimulationConfig) (*ReferenceEngine, error) {
	if err := validateSimulationConfig(config); err != nil {
		return nil, err
	}

	e := &ReferenceEngine{
		bodies: copyBodies(bodies),
		config: config,
	}
	e.particles = make([]barneshut.Particle2, len(e.bodies))
	for i := range e.bodies {
		e.particles[i] = particle{body: &e.bodies[i]}
	}
	return e, nil
}

func (e *ReferenceEngine) Name() string   { return EngineReference }
func (e *ReferenceEngine) Bodies() []Body { return copyBodies(e.bodies) }
func (e *ReferenceEngine) Stats() *Stats  { return &e.stats }

func (e *ReferenceEngine) Run(ctx context.Context, steps int, observe StepFunc) (err error) {
	ctx, span := startRunSpan(ctx, e.Name(), len(e.bodies), steps)
	defer func() { endRunSpan(span, err) }()

	var (
		plane *barneshut.Plane
		tree  *QuadTree
	)
	if e.config.Theta == 0 {
		plane = &barneshut.Plane{Particles: e.particles}
	} else {
		tree = NewQuadTree(e.config.TotalSize, 0)
		defer tree.Release()
	}
	forces := make([]r2.Vec, len(e.bodies))

	for step := 0; step < steps; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		start := time.Now()
		stepSpan := startStepSpan(ctx, step)
		var err error
		if plane != nil {
			err = e.exactStep(ctx, plane, forces)
		} else {
			err = e.treeStep(ctx, tree)
		}
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

func (e *ReferenceEngine) exactStep(ctx context.Context, plane *barneshut.Plane, forces []r2.Vec) error {
	if err := plane.Reset(); err != nil {
		return err
	}

	if err := e.striped(ctx, func(i int) {
		forces[i] = plane.ForceOn(e.particles[i], 0, gravity)
	}); err != nil {
		return err
	}

	for i := range e.bodies {
		e.bodies[i].Force = forces[i]
		e.bodies[i].Integrate(e.config.TimeStep, e.config.Bounded, e.config.TotalSize)
	}
	return nil
}

// treeStep builds the quadrant tree like the sequential Barnes-Hut engine and
// evaluates forces with the ratio test. The tree is only read while forces
// are computed.
func (e *ReferenceEngine) treeStep(ctx context.Context, tree *QuadTree) error {
	for i := range e.bodies {
		if !inBounds(e.bodies[i].Position, e.config.TotalSize) {
			continue
		}
		if err := tree.InsertInto(0, e.bodies[i]); err != nil {
			return err
		}
	}

	tree.PrunePartition(0)
	e.stats.setTreeNodes(tree.LiveNodes())
	tree.Aggregate()

	if err := e.striped(ctx, func(i int) {
		tree.AccumulateForceTheta(&e.bodies[i], e.config.Theta)
	}); err != nil {
		return err
	}

	for i := range e.bodies {
		e.bodies[i].Integrate(e.config.TimeStep, e.config.Bounded, e.config.TotalSize)
	}
	tree.ResetPartition(0)
	return nil
}

// striped runs fn for every body index, body i on worker i mod workers.
func (e *ReferenceEngine) striped(ctx context.Context, fn func(i int)) error {
	workers := e.config.Workers
	g, _ := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			for i := w; i < len(e.bodies); i += workers {
				fn(i)
			}
			return nil
		})
	}
	return g.Wait()
}
