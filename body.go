package main

import (
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/spatial/r2"
)

// ==================== BODIES ====================

const (
	G                 = 6.67e-8
	TimeStep          = 1.0
	MinDistanceDirect = 0.0001
	MinDistanceApprox = 1.0

	MaxRandomMass = 10000000
)

// Body is a point mass. Force is transient and zeroed by the integrator.
type Body struct {
	Position r2.Vec
	Velocity r2.Vec
	Force    r2.Vec
	Mass     float64
}

// Integrate advances the body by one semi-implicit Euler step: the position
// increment uses the old velocity plus half of the velocity change.
func (b *Body) Integrate(dt float64, bounded bool, totalSize float64) {
	dv := r2.Scale(dt/b.Mass, b.Force)
	dp := r2.Scale(dt, r2.Add(b.Velocity, r2.Scale(0.5, dv)))

	b.Velocity = r2.Add(b.Velocity, dv)
	b.Position = r2.Add(b.Position, dp)

	if bounded {
		b.reflect(totalSize)
	}

	b.Force = r2.Vec{}
}

func (b *Body) reflect(totalSize float64) {
	if b.Position.X > totalSize {
		b.Velocity.X = -b.Velocity.X
		b.Position.X = totalSize
	}
	if b.Position.X < 0 {
		b.Velocity.X = -b.Velocity.X
		b.Position.X = 0
	}
	if b.Position.Y > totalSize {
		b.Velocity.Y = -b.Velocity.Y
		b.Position.Y = totalSize
	}
	if b.Position.Y < 0 {
		b.Velocity.Y = -b.Velocity.Y
		b.Position.Y = 0
	}
}

// attraction returns the Newtonian force exerted on a body of mass m at p by a
// mass other at q, with the distance floored at minDistance.
func attraction(p r2.Vec, m float64, q r2.Vec, other, minDistance float64) r2.Vec {
	direction := r2.Sub(q, p)
	distance := r2.Norm(direction)
	if distance < minDistance {
		distance = minDistance
	}
	magnitude := (G * m * other) / (distance * distance)
	return r2.Scale(magnitude/distance, direction)
}

func inBounds(p r2.Vec, totalSize float64) bool {
	return p.X >= 0 && p.Y >= 0 && p.X <= totalSize && p.Y <= totalSize
}

// ==================== INITIAL CONDITIONS ====================

// RandomBodies places n resting bodies on integer coordinates of the
// [0, totalSize) square. Equal seeds give equal bodies.
func RandomBodies(n int, totalSize int, seed int64) []Body {
	rng := rand.New(rand.NewSource(uint64(seed)))
	bodies := make([]Body, n)
	for i := range bodies {
		bodies[i] = Body{
			Position: r2.Vec{
				X: float64(rng.Intn(totalSize)),
				Y: float64(rng.Intn(totalSize)),
			},
			Mass: float64(rng.Intn(MaxRandomMass-1) + 1),
		}
	}
	return bodies
}

// SolarSystem returns the fixed two-body system: a heavy sun and a light
// planet 50 units to its left moving upward.
func SolarSystem() []Body {
	return []Body{
		{Position: r2.Vec{X: 500, Y: 500}, Mass: 5000000},
		{Position: r2.Vec{X: 450, Y: 500}, Velocity: r2.Vec{Y: 0.1}, Mass: 50000},
	}
}

// ==================== SCENE CONFIGURATION ====================

type SceneConfig struct {
	Bodies    []BodyConfig `json:"bodies"`
	TotalSize float64      `json:"total_size,omitempty"`
}

type BodyConfig struct {
	Mass     float64 `json:"mass"`
	Position r2.Vec  `json:"position"`
	Velocity r2.Vec  `json:"velocity"`
}

func LoadSceneFromFile(filename string) (*SceneConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	var config SceneConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parse scene %s: %w", filename, err)
	}

	return &config, nil
}

// ToBodies converts the scene into a body slice, rejecting massless entries
// since the integrator divides by mass.
func (sc *SceneConfig) ToBodies() ([]Body, error) {
	if len(sc.Bodies) == 0 {
		return nil, fmt.Errorf("scene has no bodies")
	}

	bodies := make([]Body, len(sc.Bodies))
	for i, bc := range sc.Bodies {
		if bc.Mass <= 0 {
			return nil, fmt.Errorf("body %d: mass must be positive, got %g", i, bc.Mass)
		}
		bodies[i] = Body{Position: bc.Position, Velocity: bc.Velocity, Mass: bc.Mass}
	}
	return bodies, nil
}

func totalMass(bodies []Body) float64 {
	sum := 0.0
	for i := range bodies {
		sum += bodies[i].Mass
	}
	return sum
}
