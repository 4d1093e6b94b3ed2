package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"testing"

	"gonum.org/v1/gonum/spatial/barneshut"
	"gonum.org/v1/gonum/spatial/r2"
)

func TestReferenceExactMatchesBruteForce(t *testing.T) {
	bodies := uniqueBodies(200, 10000, 31)
	config := DefaultSimulationConfig()
	config.TotalSize = 10000
	config.Workers = 3
	config.Theta = 0

	want := runEngine(t, EngineBruteForce, bodies, config, 3).Bodies()
	got := runEngine(t, EngineReference, bodies, config, 3).Bodies()
	assertBodiesClose(t, got, want, 1e-6)
}

// The quadrant tree with a distance threshold that never approximates and
// gonum's tree with theta 0 must agree on every single force.
func TestTreeForceAgainstGonumOracle(t *testing.T) {
	bodies := uniqueBodies(300, 100000, 13)

	particles := make([]barneshut.Particle2, len(bodies))
	for i := range bodies {
		particles[i] = particle{body: &bodies[i]}
	}
	plane, err := barneshut.NewPlane(particles)
	if err != nil {
		t.Fatal(err)
	}

	tree := buildTree(t, 100000, 2, bodies)
	tree.Aggregate()

	for i := range bodies {
		b := bodies[i]
		tree.AccumulateForce(&b, math.Inf(1))

		want := plane.ForceOn(particles[i], 0, gravity)
		if d := r2.Norm(r2.Sub(b.Force, want)); d > 1e-9*math.Max(1, r2.Norm(want)) {
			t.Fatalf("body %d: tree %v, gonum %v", i, b.Force, want)
		}
	}
}

func TestReferenceApproximationIsClose(t *testing.T) {
	bodies := uniqueBodies(500, 10000, 17)
	config := DefaultSimulationConfig()
	config.TotalSize = 10000
	config.Workers = 2

	exact := runEngine(t, EngineBruteForce, bodies, config, 1).Bodies()

	config.Theta = 0.3
	approx := runEngine(t, EngineReference, bodies, config, 1).Bodies()

	var diff, scale float64
	for i := range exact {
		diff += r2.Norm(r2.Sub(approx[i].Velocity, exact[i].Velocity))
		scale += r2.Norm(exact[i].Velocity)
	}
	if diff > 0.05*scale {
		t.Fatalf("summed velocity error %g exceeds 5%% of %g", diff, scale)
	}
}

// Bodies with masses from 1 to 1e7: the ratio walk must stay close to the
// exact sum for nearly every body.
func TestThetaForceAgainstDirectSum(t *testing.T) {
	bodies := uniqueBodies(500, 10000, 17)
	tree := buildTree(t, 10000, 0, bodies)
	tree.Aggregate()

	errs := make([]float64, len(bodies))
	for i := range bodies {
		b := bodies[i]
		tree.AccumulateForceTheta(&b, 0.3)

		var want r2.Vec
		for j := range bodies {
			if j != i {
				want = r2.Add(want, attraction(bodies[i].Position, bodies[i].Mass, bodies[j].Position, bodies[j].Mass, MinDistanceDirect))
			}
		}
		errs[i] = r2.Norm(r2.Sub(b.Force, want)) / r2.Norm(want)
	}
	sort.Float64s(errs)

	if median := errs[len(errs)/2]; median > 0.02 {
		t.Fatalf("median relative force error %g", median)
	}
	if p90 := errs[len(errs)*9/10]; p90 > 0.1 {
		t.Fatalf("90th percentile relative force error %g", p90)
	}
}

func TestThetaZeroNeverApproximates(t *testing.T) {
	bodies := uniqueBodies(200, 1000, 19)
	tree := buildTree(t, 1000, 0, bodies)
	tree.Aggregate()

	for i := range bodies {
		exact, ratio := bodies[i], bodies[i]
		tree.AccumulateForce(&exact, math.Inf(1))
		tree.AccumulateForceTheta(&ratio, 0)
		if exact.Force != ratio.Force {
			t.Fatalf("body %d: theta 0 force %v, exact %v", i, ratio.Force, exact.Force)
		}
	}
}

func TestReferenceRejectsCoincidentBodies(t *testing.T) {
	bodies := []Body{
		{Position: r2.Vec{X: 1, Y: 1}, Mass: 1},
		{Position: r2.Vec{X: 1, Y: 1}, Mass: 1},
		{Position: r2.Vec{X: 5, Y: 5}, Mass: 1},
	}

	for _, theta := range []float64{0, 0.5} {
		t.Run(fmt.Sprintf("theta-%g", theta), func(t *testing.T) {
			config := DefaultSimulationConfig()
			config.Theta = theta
			e, err := NewEngine(EngineReference, bodies, config)
			if err != nil {
				t.Fatal(err)
			}
			err = e.Run(context.Background(), 1, nil)
			if err == nil {
				t.Fatal("expected an error for coincident bodies")
			}
			if errors.Is(err, context.Canceled) {
				t.Fatalf("unexpected error %v", err)
			}
			if theta > 0 && !errors.Is(err, ErrDuplicatePosition) {
				t.Fatalf("Run error = %v, want ErrDuplicatePosition", err)
			}
			assertBodiesClose(t, e.Bodies(), bodies, 0)
		})
	}
}
