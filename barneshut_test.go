package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r2"
)

func runEngine(t testing.TB, name string, bodies []Body, config SimulationConfig, steps int) Engine {
	t.Helper()
	e, err := NewEngine(name, bodies, config)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Run(context.Background(), steps, nil); err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return e
}

func TestSolarSystemStep(t *testing.T) {
	config := DefaultSimulationConfig()
	config.TotalSize = 1000

	// F = G*m1*m2/d^2 = 6.67 along +x for the planet.
	force := G * 5000000 * 50000 / (50 * 50)
	planetDV := force / 50000
	sunDV := -force / 5000000

	engines := []struct {
		name    string
		workers int
	}{
		{EngineBruteForce, 1},
		{EngineParallelBruteForce, 2},
		{EngineBarnesHut, 1},
		{EngineParallelBarnesHut, 1},
		{EngineParallelBarnesHut, 4},
		{EngineReference, 2},
	}
	for _, tt := range engines {
		t.Run(fmt.Sprintf("%s-%d", tt.name, tt.workers), func(t *testing.T) {
			cfg := config
			cfg.Workers = tt.workers
			if tt.name == EngineReference {
				cfg.Theta = 0
			}
			bodies := runEngine(t, tt.name, SolarSystem(), cfg, 1).Bodies()

			if math.Abs(force-6.67) > 1e-9 {
				t.Fatalf("force = %g", force)
			}
			planet, sun := bodies[1], bodies[0]
			if math.Abs(planet.Velocity.X-planetDV) > 1e-15 || planet.Velocity.Y != 0.1 {
				t.Errorf("planet velocity = %v, want (%g, 0.1)", planet.Velocity, planetDV)
			}
			if math.Abs(planet.Position.X-(450+planetDV/2)) > 1e-12 || math.Abs(planet.Position.Y-500.1) > 1e-12 {
				t.Errorf("planet position = %v", planet.Position)
			}
			if planet.Position.X <= 450 {
				t.Errorf("planet did not move toward the sun: x = %g", planet.Position.X)
			}
			if math.Abs(sun.Velocity.X-sunDV) > 1e-15 || sun.Velocity.Y != 0 {
				t.Errorf("sun velocity = %v, want (%g, 0)", sun.Velocity, sunDV)
			}
		})
	}
}

func TestParallelSingleWorkerMatchesSequential(t *testing.T) {
	bodies := uniqueBodies(400, 10000, 3)
	config := DefaultSimulationConfig()
	config.TotalSize = 10000
	config.Far = 300
	config.Bounded = true

	want := runEngine(t, EngineBarnesHut, bodies, config, 5).Bodies()

	t.Run("flat", func(t *testing.T) {
		cfg := config
		cfg.MaxWorkers = 1
		got := runEngine(t, EngineParallelBarnesHut, bodies, cfg, 5).Bodies()
		assertBodiesClose(t, got, want, 0)
	})

	t.Run("partitioned", func(t *testing.T) {
		got := runEngine(t, EngineParallelBarnesHut, bodies, config, 5).Bodies()
		assertBodiesClose(t, got, want, 1e-6)
	})
}

func TestParallelWorkerCountDoesNotChangeResult(t *testing.T) {
	bodies := uniqueBodies(500, 10000, 21)
	config := DefaultSimulationConfig()
	config.TotalSize = 10000
	config.Far = 500

	want := runEngine(t, EngineParallelBarnesHut, bodies, config, 4).Bodies()
	for _, workers := range []int{2, 3, 4, 7, 16} {
		t.Run(fmt.Sprintf("workers-%d", workers), func(t *testing.T) {
			cfg := config
			cfg.Workers = workers
			got := runEngine(t, EngineParallelBarnesHut, bodies, cfg, 4).Bodies()
			assertBodiesClose(t, got, want, 0)
		})
	}
}

func TestParallelDeterministic(t *testing.T) {
	config := DefaultSimulationConfig()
	config.Workers = 4
	config.TotalSize = 5000
	config.Far = 100

	first := runEngine(t, EngineParallelBarnesHut, uniqueBodies(300, 5000, 77), config, 3).Bodies()
	second := runEngine(t, EngineParallelBarnesHut, uniqueBodies(300, 5000, 77), config, 3).Bodies()
	assertBodiesClose(t, second, first, 0)
}

func TestHugeFarMatchesBruteForce(t *testing.T) {
	tests := []struct {
		count, steps int
	}{
		{3, 1},
		{300, 3},
	}
	for _, tt := range tests {
		bodies := uniqueBodies(tt.count, 10000, 8)
		config := DefaultSimulationConfig()
		config.TotalSize = 10000
		config.Bounded = true
		config.Workers = 4

		want := runEngine(t, EngineBruteForce, bodies, config, tt.steps).Bodies()
		for _, name := range []string{EngineBarnesHut, EngineParallelBarnesHut} {
			t.Run(fmt.Sprintf("%s/Bodies-%d", name, tt.count), func(t *testing.T) {
				got := runEngine(t, name, bodies, config, tt.steps).Bodies()
				assertBodiesClose(t, got, want, 1e-6)
			})
		}
	}
}

func TestDuplicatePositionAbortsBeforeForces(t *testing.T) {
	bodies := []Body{
		{Position: r2.Vec{X: 10, Y: 10}, Mass: 1},
		{Position: r2.Vec{X: 600, Y: 600}, Velocity: r2.Vec{X: 1}, Mass: 5},
		{Position: r2.Vec{X: 10, Y: 10}, Mass: 2},
		{Position: r2.Vec{X: 300, Y: 900}, Mass: 3},
	}
	config := DefaultSimulationConfig()
	config.TotalSize = 1000

	for _, workers := range []int{1, 4} {
		for _, name := range []string{EngineBarnesHut, EngineParallelBarnesHut} {
			t.Run(fmt.Sprintf("%s-%d", name, workers), func(t *testing.T) {
				cfg := config
				cfg.Workers = workers
				e, err := NewEngine(name, bodies, cfg)
				if err != nil {
					t.Fatal(err)
				}

				observed := 0
				err = e.Run(context.Background(), 3, func(int, []Body) error {
					observed++
					return nil
				})
				var dup *DuplicatePositionError
				if !errors.As(err, &dup) || dup.Position != (r2.Vec{X: 10, Y: 10}) {
					t.Fatalf("Run error = %v, want duplicate position at (10, 10)", err)
				}
				if observed != 0 || e.Stats().Steps() != 0 {
					t.Fatalf("%d steps observed, %d recorded", observed, e.Stats().Steps())
				}
				assertBodiesClose(t, e.Bodies(), bodies, 0)
			})
		}
	}
}

func TestOutOfBoundsBodiesAreNotInserted(t *testing.T) {
	bodies := []Body{
		{Position: r2.Vec{X: 50, Y: 50}, Mass: 1000},
		{Position: r2.Vec{X: -10, Y: 50}, Mass: 1000},
	}
	config := DefaultSimulationConfig()
	config.TotalSize = 100

	for _, name := range []string{EngineBarnesHut, EngineParallelBarnesHut} {
		t.Run(name, func(t *testing.T) {
			got := runEngine(t, name, bodies, config, 1).Bodies()
			if got[0].Velocity != (r2.Vec{}) {
				t.Errorf("in-bounds body felt the outside body: velocity %v", got[0].Velocity)
			}
			if got[1].Velocity.X <= 0 || got[1].Velocity.Y != 0 {
				t.Errorf("outside body was not attracted: velocity %v", got[1].Velocity)
			}
		})
	}
}

func TestBarrierGenerationsPerRun(t *testing.T) {
	for _, steps := range []int{1, 3, 10} {
		t.Run(fmt.Sprintf("steps-%d", steps), func(t *testing.T) {
			config := DefaultSimulationConfig()
			config.Workers = 4
			config.TotalSize = 1000
			e := runEngine(t, EngineParallelBarnesHut, uniqueBodies(50, 1000, 2), config, steps)

			if got, want := e.Stats().BarrierGenerations(), int64(7*steps+1); got != want {
				t.Fatalf("barrier generations = %d, want %d", got, want)
			}
			if got := e.Stats().Steps(); got != int64(steps) {
				t.Fatalf("steps = %d, want %d", got, steps)
			}
			if e.Stats().TreeNodes() == 0 {
				t.Fatal("tree node count not recorded")
			}
		})
	}
}

func TestRunCancellation(t *testing.T) {
	config := DefaultSimulationConfig()
	config.Workers = 3
	config.TotalSize = 1000
	bodies := uniqueBodies(60, 1000, 4)

	for _, name := range EngineNames() {
		t.Run(name, func(t *testing.T) {
			t.Run("before start", func(t *testing.T) {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()

				e, err := NewEngine(name, bodies, config)
				if err != nil {
					t.Fatal(err)
				}
				if err := e.Run(ctx, 5, nil); !errors.Is(err, context.Canceled) {
					t.Fatalf("Run error = %v, want context.Canceled", err)
				}
				if e.Stats().Steps() != 0 {
					t.Fatalf("%d steps ran after cancellation", e.Stats().Steps())
				}
				assertBodiesClose(t, e.Bodies(), bodies, 0)
			})

			t.Run("between steps", func(t *testing.T) {
				ctx, cancel := context.WithCancel(context.Background())
				defer cancel()

				e, err := NewEngine(name, bodies, config)
				if err != nil {
					t.Fatal(err)
				}
				err = e.Run(ctx, 10, func(step int, _ []Body) error {
					if step == 2 {
						cancel()
					}
					return nil
				})
				if !errors.Is(err, context.Canceled) {
					t.Fatalf("Run error = %v, want context.Canceled", err)
				}
				if got := e.Stats().Steps(); got != 3 {
					t.Fatalf("steps = %d, want 3", got)
				}
			})
		})
	}
}

func TestObserverErrorStopsRun(t *testing.T) {
	errStop := errors.New("stop")
	config := DefaultSimulationConfig()
	config.Workers = 2
	config.TotalSize = 1000

	for _, name := range EngineNames() {
		t.Run(name, func(t *testing.T) {
			e, err := NewEngine(name, uniqueBodies(40, 1000, 6), config)
			if err != nil {
				t.Fatal(err)
			}
			calls := 0
			err = e.Run(context.Background(), 10, func(step int, bodies []Body) error {
				calls++
				if len(bodies) != 40 {
					t.Errorf("observer saw %d bodies", len(bodies))
				}
				if step == 1 {
					return errStop
				}
				return nil
			})
			if !errors.Is(err, errStop) {
				t.Fatalf("Run error = %v, want %v", err, errStop)
			}
			if calls != 2 {
				t.Fatalf("observer called %d times, want 2", calls)
			}
		})
	}
}

func BenchmarkEngineStep(b *testing.B) {
	for _, name := range []string{EngineBarnesHut, EngineParallelBarnesHut, EngineReference} {
		for _, count := range []int{1000, 10000} {
			b.Run(fmt.Sprintf("%s/Bodies-%d", name, count), func(b *testing.B) {
				config := DefaultSimulationConfig()
				config.Workers = 4
				config.Far = 1000
				bodies := uniqueBodies(count, int(config.TotalSize), 1)

				e, err := NewEngine(name, bodies, config)
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
