package main

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ==================== ENGINE ====================

// StepFunc is called once per completed step from a single goroutine while
// no other phase is running. Returning an error stops the run.
type StepFunc func(step int, bodies []Body) error

type Engine interface {
	Name() string
	Run(ctx context.Context, steps int, observe StepFunc) error
	Bodies() []Body
	Stats() *Stats
}

const (
	EngineBruteForce         = "brute"
	EngineParallelBruteForce = "brute-par"
	EngineBarnesHut          = "barneshut"
	EngineParallelBarnesHut  = "barneshut-par"
	EngineReference          = "reference"
)

func EngineNames() []string {
	return []string{
		EngineBruteForce,
		EngineParallelBruteForce,
		EngineBarnesHut,
		EngineParallelBarnesHut,
		EngineReference,
	}
}

type SimulationConfig struct {
	Workers    int
	MaxWorkers int
	Far        float64
	Theta      float64
	TotalSize  float64
	TimeStep   float64
	Bounded    bool
}

func DefaultSimulationConfig() SimulationConfig {
	return SimulationConfig{
		Workers:    1,
		MaxWorkers: DefaultMaxWorkers,
		Far:        1000000,
		Theta:      0.5,
		TotalSize:  1000000,
		TimeStep:   TimeStep,
	}
}

func validateSimulationConfig(config SimulationConfig) error {
	if config.MaxWorkers < 1 {
		return fmt.Errorf("max workers must be at least 1")
	}
	if config.Workers < 1 || config.Workers > config.MaxWorkers {
		return fmt.Errorf("workers must be between 1 and %d", config.MaxWorkers)
	}
	if config.Far < 0 || math.IsNaN(config.Far) {
		return fmt.Errorf("far cannot be negative")
	}
	if config.Theta < 0 || math.IsNaN(config.Theta) {
		return fmt.Errorf("theta cannot be negative")
	}
	if config.TotalSize <= 0 {
		return fmt.Errorf("total size must be positive")
	}
	if config.TimeStep <= 0 {
		return fmt.Errorf("time step must be positive")
	}
	return nil
}

func NewEngine(name string, bodies []Body, config SimulationConfig) (Engine, error) {
	switch name {
	case EngineBruteForce:
		return NewBruteForceEngine(bodies, config)
	case EngineParallelBruteForce:
		return NewParallelBruteForceEngine(bodies, config)
	case EngineBarnesHut:
		return NewBarnesHutEngine(bodies, config)
	case EngineParallelBarnesHut:
		return NewParallelBarnesHutEngine(bodies, config)
	case EngineReference:
		return NewReferenceEngine(bodies, config)
	}
	return nil, fmt.Errorf("unknown engine: %s", name)
}

// ==================== STATISTICS ====================

// Stats is written by the stepping goroutine and may be read concurrently.
type Stats struct {
	steps      int64
	treeNodes  int64
	stepNanos  int64
	minNanos   int64
	maxNanos   int64
	barrierGen int64
}

func (s *Stats) recordStep(d time.Duration) {
	ns := d.Nanoseconds()
	atomic.AddInt64(&s.steps, 1)
	atomic.AddInt64(&s.stepNanos, ns)
	if cur := atomic.LoadInt64(&s.minNanos); cur == 0 || ns < cur {
		atomic.StoreInt64(&s.minNanos, ns)
	}
	if ns > atomic.LoadInt64(&s.maxNanos) {
		atomic.StoreInt64(&s.maxNanos, ns)
	}
}

func (s *Stats) setTreeNodes(n int)        { atomic.StoreInt64(&s.treeNodes, int64(n)) }
func (s *Stats) setBarrierGen(gen uint64)  { atomic.StoreInt64(&s.barrierGen, int64(gen)) }
func (s *Stats) Steps() int64              { return atomic.LoadInt64(&s.steps) }
func (s *Stats) TreeNodes() int64          { return atomic.LoadInt64(&s.treeNodes) }
func (s *Stats) BarrierGenerations() int64 { return atomic.LoadInt64(&s.barrierGen) }

// StepTimes returns the average, minimum and maximum step duration.
func (s *Stats) StepTimes() (avg, min, max time.Duration) {
	steps := s.Steps()
	if steps == 0 {
		return 0, 0, 0
	}
	return time.Duration(atomic.LoadInt64(&s.stepNanos) / steps),
		time.Duration(atomic.LoadInt64(&s.minNanos)),
		time.Duration(atomic.LoadInt64(&s.maxNanos))
}

// ==================== TRACING ====================

const tracerName = "github.com/0x5844/nbody-2d"

func startRunSpan(ctx context.Context, engine string, bodies, steps int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "nbody.Run",
		trace.WithAttributes(
			attribute.String("engine", engine),
			attribute.Int("bodies", bodies),
			attribute.Int("steps", steps),
		),
	)
}

func startStepSpan(ctx context.Context, step int) trace.Span {
	_, span := otel.Tracer(tracerName).Start(ctx, "nbody.Step",
		trace.WithAttributes(attribute.Int("step", step)),
	)
	return span
}

func endRunSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "simulation failed")
	} else {
		span.SetStatus(codes.Ok, "simulation complete")
	}
	span.End()
}

func copyBodies(bodies []Body) []Body {
	out := make([]Body, len(bodies))
	copy(out, bodies)
	return out
}
