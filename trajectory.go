package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ==================== TRAJECTORY OUTPUT ====================

// TrajectoryWriter emits a header line "<num_bodies> 1" followed, for every
// step, by one "x y" line per body in body order, coordinates in thousands.
type TrajectoryWriter struct {
	w      *bufio.Writer
	closer io.Closer
	bodies int
	steps  int
}

func NewTrajectoryWriter(w io.Writer, numBodies int) (*TrajectoryWriter, error) {
	tw := &TrajectoryWriter{w: bufio.NewWriter(w), bodies: numBodies}
	if c, ok := w.(io.Closer); ok {
		tw.closer = c
	}
	if _, err := fmt.Fprintf(tw.w, "%d %d\n", numBodies, 1); err != nil {
		return nil, fmt.Errorf("write trajectory header: %w", err)
	}
	return tw, nil
}

// CreateTrajectoryFile creates path, and its parent directory if missing.
func CreateTrajectoryFile(path string, numBodies int) (*TrajectoryWriter, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	tw, err := NewTrajectoryWriter(f, numBodies)
	if err != nil {
		f.Close()
		return nil, err
	}
	return tw, nil
}

// WriteStep matches StepFunc.
func (tw *TrajectoryWriter) WriteStep(_ int, bodies []Body) error {
	if len(bodies) != tw.bodies {
		return fmt.Errorf("trajectory expects %d bodies, got %d", tw.bodies, len(bodies))
	}
	for i := range bodies {
		p := bodies[i].Position
		if _, err := fmt.Fprintf(tw.w, "%f %f\n", p.X/1000, p.Y/1000); err != nil {
			return fmt.Errorf("write trajectory step %d: %w", tw.steps, err)
		}
	}
	tw.steps++
	return nil
}

func (tw *TrajectoryWriter) Steps() int { return tw.steps }

func (tw *TrajectoryWriter) Close() error {
	err := tw.w.Flush()
	if tw.closer != nil {
		if cerr := tw.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
