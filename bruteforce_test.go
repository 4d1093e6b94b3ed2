package main

import (
	"context"
	"fmt"
	"testing"

	"gonum.org/v1/gonum/spatial/r2"
)

func TestPairwiseForcesAreSymmetric(t *testing.T) {
	bodies := uniqueBodies(50, 1000, 12)
	pairwiseForces(bodies)

	var (
		sum   r2.Vec
		scale float64
	)
	for i := range bodies {
		sum = r2.Add(sum, bodies[i].Force)
		scale += r2.Norm(bodies[i].Force)
	}
	if r2.Norm(sum) > 1e-10*scale {
		t.Fatalf("net force %v, want zero", sum)
	}
}

func TestParallelBruteForceMatchesSequential(t *testing.T) {
	bodies := uniqueBodies(257, 5000, 15)
	config := DefaultSimulationConfig()
	config.TotalSize = 5000

	want := runEngine(t, EngineBruteForce, bodies, config, 4).Bodies()
	for _, workers := range []int{1, 2, 5, 16} {
		t.Run(fmt.Sprintf("workers-%d", workers), func(t *testing.T) {
			cfg := config
			cfg.Workers = workers
			got := runEngine(t, EngineParallelBruteForce, bodies, cfg, 4).Bodies()
			assertBodiesClose(t, got, want, 1e-6)
		})
	}
}

func BenchmarkBruteForceStep(b *testing.B) {
	for _, name := range []string{EngineBruteForce, EngineParallelBruteForce} {
		for _, count := range []int{100, 1000} {
			b.Run(fmt.Sprintf("%s/Bodies-%d", name, count), func(b *testing.B) {
				config := DefaultSimulationConfig()
				config.Workers = 4
				e, err := NewEngine(name, RandomBodies(count, int(config.TotalSize), 1), config)
				if err != nil {
					b.Fatal(err)
				}
				b.ResetTimer()
				if err := e.Run(context.Background(), b.N, nil); err != nil {
					b.Fatal(err)
				}
			})
		}
	}
}
