package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Build information (set by build script)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GoVersion = "unknown"
)

// ==================== CLI CONFIGURATION ====================

const (
	MaxBodies = 1000000
	MaxSteps  = 1000000
	MaxFar    = 1000000
	MaxSize   = 1000000
)

var ErrUsage = errors.New("usage: nbody [options] num_bodies num_steps num_workers far size seed")

type Config struct {
	// Simulation parameters
	NumBodies  int
	NumSteps   int
	NumWorkers int
	Far        int
	TotalSize  int
	Seed       int64

	// Engine settings
	Engine  string
	Theta   float64
	Bounded bool

	// Scene settings
	Solar     bool
	SceneFile string

	// Output settings
	Trajectory    string
	Verbose       bool
	Quiet         bool
	StatsInterval float64
	ProfileCPU    string
	ProfileMem    string

	ShowVersion bool
}

func newFlagSet(config *Config, output io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("nbody", flag.ContinueOnError)
	fs.SetOutput(output)

	// Engine settings
	fs.StringVar(&config.Engine, "engine", EngineParallelBarnesHut,
		"force engine ("+strings.Join(EngineNames(), ", ")+")")
	fs.Float64Var(&config.Theta, "theta", 0.5, "opening ratio of the reference engine")
	fs.BoolVar(&config.Bounded, "bounds", false, "reflect bodies at the edges of the simulation square")

	// Scene settings
	fs.BoolVar(&config.Solar, "solar", false, "simulate the two-body solar system instead of random bodies")
	fs.StringVar(&config.SceneFile, "scene", "", "JSON scene file to load")

	// Output settings
	fs.StringVar(&config.Trajectory, "trajectory", "", "write body positions of every step to this file")
	fs.BoolVar(&config.Verbose, "verbose", false, "verbose output")
	fs.BoolVar(&config.Quiet, "quiet", false, "minimal output")
	fs.Float64Var(&config.StatsInterval, "stats-interval", 2.0, "statistics reporting interval")
	fs.StringVar(&config.ProfileCPU, "profile-cpu", "", "CPU profile output file")
	fs.StringVar(&config.ProfileMem, "profile-mem", "", "memory profile output file")

	fs.BoolVar(&config.ShowVersion, "version", false, "show version information")

	fs.Usage = func() {
		fmt.Fprintf(output, "nbody - Parallel Barnes-Hut N-Body Simulator\n\n")
		fmt.Fprintf(output, "Usage: %s [OPTIONS] num_bodies num_steps num_workers far size seed\n\n", os.Args[0])
		fmt.Fprintf(output, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(output, "\nExamples:\n")
		fmt.Fprintf(output, "  %s 1000 100 4 200 10000 42\n", os.Args[0])
		fmt.Fprintf(output, "  %s -solar -trajectory outfiles/solar.out 2 5000 1 1000000 1000 0\n", os.Args[0])
		fmt.Fprintf(output, "  %s -engine reference -theta 0.3 -verbose 5000 50 8 500 100000 7\n", os.Args[0])
		fmt.Fprintf(output, "\nVersion: %s\n", Version)
	}

	return fs
}

// parseFlags reads options followed by the six positional arguments. A wrong
// positional count or a non-integer argument yields ErrUsage.
func parseFlags(args []string, output io.Writer) (*Config, error) {
	config := &Config{}
	fs := newFlagSet(config, output)

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if config.ShowVersion {
		return config, nil
	}

	// Positional parsing logs its clamps, so -quiet has to apply first.
	setupLogging(config)
	if err := parsePositional(config, fs.Args()); err != nil {
		fs.Usage()
		return nil, err
	}
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	return config, nil
}

func parsePositional(config *Config, args []string) error {
	if len(args) != 6 {
		return fmt.Errorf("%w: expected 6 arguments, got %d", ErrUsage, len(args))
	}

	names := [6]string{"num_bodies", "num_steps", "num_workers", "far", "size", "seed"}
	var values [6]int64
	for i, arg := range args {
		v, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %s must be an integer, got %q", ErrUsage, names[i], arg)
		}
		values[i] = v
	}

	config.NumBodies = clampPositive(names[0], values[0], MaxBodies)
	config.NumSteps = clampPositive(names[1], values[1], MaxSteps)
	config.NumWorkers = clampPositive(names[2], values[2], DefaultMaxWorkers)
	config.Far = clampNonNegative(names[3], values[3], MaxFar)
	config.TotalSize = clampPositive(names[4], values[4], MaxSize)
	config.Seed = values[5]
	return nil
}

// clampPositive replaces values outside (0, max] with max.
func clampPositive(name string, v int64, max int) int {
	if v <= 0 || v > int64(max) {
		log.Printf("%s %d out of range (0, %d], using %d", name, v, max, max)
		return max
	}
	return int(v)
}

// clampNonNegative replaces values outside [0, max] with max.
func clampNonNegative(name string, v int64, max int) int {
	if v < 0 || v > int64(max) {
		log.Printf("%s %d out of range [0, %d], using %d", name, v, max, max)
		return max
	}
	return int(v)
}

func validateConfig(config *Config) error {
	valid := false
	for _, name := range EngineNames() {
		if config.Engine == name {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid engine: %s", config.Engine)
	}
	if config.Theta < 0 {
		return fmt.Errorf("theta cannot be negative")
	}
	if config.StatsInterval <= 0 {
		return fmt.Errorf("stats interval must be positive")
	}
	if config.Solar && config.SceneFile != "" {
		return fmt.Errorf("solar and scene cannot be combined")
	}
	if config.Verbose && config.Quiet {
		return fmt.Errorf("verbose and quiet cannot be combined")
	}
	return nil
}

func (c *Config) simulationConfig() SimulationConfig {
	sim := DefaultSimulationConfig()
	sim.Workers = c.NumWorkers
	sim.Far = float64(c.Far)
	sim.Theta = c.Theta
	sim.TotalSize = float64(c.TotalSize)
	sim.Bounded = c.Bounded
	return sim
}

// ==================== SCENE SETUP ====================

// loadBodies builds the initial conditions. The solar system and scene files
// override num_bodies, and a scene may override the simulation size.
func loadBodies(config *Config) ([]Body, error) {
	switch {
	case config.Solar:
		bodies := SolarSystem()
		config.NumBodies = len(bodies)
		return bodies, nil

	case config.SceneFile != "":
		scene, err := LoadSceneFromFile(config.SceneFile)
		if err != nil {
			return nil, err
		}
		bodies, err := scene.ToBodies()
		if err != nil {
			return nil, fmt.Errorf("scene %s: %w", config.SceneFile, err)
		}
		if scene.TotalSize > 0 {
			config.TotalSize = clampPositive("scene total_size", int64(scene.TotalSize), MaxSize)
		}
		config.NumBodies = len(bodies)
		return bodies, nil
	}

	return RandomBodies(config.NumBodies, config.TotalSize, config.Seed), nil
}

// ==================== MAIN APPLICATION ====================

func main() {
	config, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		if errors.Is(err, ErrUsage) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(-1)
		}
		log.Fatalf("Invalid configuration: %v", err)
	}

	if config.ShowVersion {
		fmt.Printf("nbody version %s\n", Version)
		fmt.Printf("Built: %s\n", BuildTime)
		fmt.Printf("Go: %s\n", GoVersion)
		os.Exit(0)
	}

	if code := run(config); code != 0 {
		os.Exit(code)
	}
}

// run executes one simulation and returns the process exit status. Deferred
// cleanup (profiles, trajectory file) completes before main exits.
func setupLogging(config *Config) {
	if config.Quiet {
		log.SetOutput(io.Discard)
	} else if config.Verbose {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}
}

func run(config *Config) int {
	// Set up profiling
	if config.ProfileCPU != "" {
		f, err := os.Create(config.ProfileCPU)
		if err != nil {
			log.Fatal("Could not create CPU profile:", err)
		}
		defer f.Close()

		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal("Could not start CPU profile:", err)
		}
		defer pprof.StopCPUProfile()
	}

	bodies, err := loadBodies(config)
	if err != nil {
		log.Printf("Failed to set up bodies: %v", err)
		return 1
	}

	engine, err := NewEngine(config.Engine, bodies, config.simulationConfig())
	if err != nil {
		log.Printf("Failed to create engine: %v", err)
		return 1
	}

	var observe StepFunc
	if config.Trajectory != "" {
		tw, err := CreateTrajectoryFile(config.Trajectory, len(bodies))
		if err != nil {
			log.Printf("Failed to create trajectory file: %v", err)
			return 1
		}
		defer func() {
			if err := tw.Close(); err != nil {
				log.Printf("Could not close trajectory file: %v", err)
			}
		}()
		observe = tw.WriteStep
	}

	log.Printf("Starting nbody v%s", Version)
	log.Printf("Engine: %s, Bodies: %d, Steps: %d, Workers: %d, Far: %d, Size: %d",
		engine.Name(), len(bodies), config.NumSteps, config.NumWorkers, config.Far, config.TotalSize)

	// Create context for simulation control
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle interrupt signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
			log.Println("Shutting down after the current step...")
			cancel()
		case <-ctx.Done():
		}
	}()

	// Start statistics reporting
	if !config.Quiet {
		go reportStats(ctx, engine, config.StatsInterval, config.Verbose)
	}

	start := time.Now()
	err = engine.Run(ctx, config.NumSteps, observe)
	elapsed := time.Since(start)
	cancel()

	code := 0
	var dup *DuplicatePositionError
	switch {
	case err == nil:
	case errors.As(err, &dup):
		fmt.Fprintf(os.Stderr, "Error: particles x:%f y:%f occupy the same point\n", dup.Position.X, dup.Position.Y)
		return -1
	case errors.Is(err, context.Canceled):
		log.Printf("Simulation interrupted after %d steps", engine.Stats().Steps())
		code = 130
	default:
		log.Printf("Engine error: %v", err)
		return 1
	}

	fmt.Printf("%g\n", elapsed.Seconds())

	// Memory profiling
	if config.ProfileMem != "" {
		f, err := os.Create(config.ProfileMem)
		if err != nil {
			log.Printf("Could not create memory profile: %v", err)
		} else {
			defer f.Close()
			runtime.GC()
			if err := pprof.WriteHeapProfile(f); err != nil {
				log.Printf("Could not write memory profile: %v", err)
			}
		}
	}

	if config.Verbose {
		fmt.Fprintln(os.Stderr, renderSummary(engine, config, elapsed))
	}
	return code
}

// workerStatser is implemented by engines that run on a WorkerPool.
type workerStatser interface {
	WorkerStats() (active int64, runs int64)
}

func reportStats(ctx context.Context, engine Engine, interval float64, verbose bool) {
	ticker := time.NewTicker(time.Duration(interval * float64(time.Second)))
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats := engine.Stats()
			avg, minStep, maxStep := stats.StepTimes()

			if verbose {
				line := fmt.Sprintf("Steps: %d | Step: %.2f/%.2f/%.2f ms | Nodes: %d",
					stats.Steps(), ms(avg), ms(minStep), ms(maxStep), stats.TreeNodes())
				if ws, ok := engine.(workerStatser); ok {
					active, _ := ws.WorkerStats()
					line += fmt.Sprintf(" | Workers: %d", active)
				}
				log.Print(line)
			} else {
				log.Printf("Steps: %d | Avg step: %.2f ms", stats.Steps(), ms(avg))
			}

		case <-ctx.Done():
			return
		}
	}
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// ==================== SUMMARY ====================

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("242")).Width(16)
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("255"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("238")).Padding(0, 1)
)

func renderSummary(engine Engine, config *Config, elapsed time.Duration) string {
	stats := engine.Stats()
	bodies := engine.Bodies()
	avg, minStep, maxStep := stats.StepTimes()

	rows := [][2]string{
		{"engine", engine.Name()},
		{"bodies", strconv.Itoa(len(bodies))},
		{"total mass", strconv.FormatFloat(totalMass(bodies), 'g', -1, 64)},
		{"steps", strconv.FormatInt(stats.Steps(), 10)},
		{"workers", strconv.Itoa(config.NumWorkers)},
		{"elapsed", elapsed.Round(time.Microsecond).String()},
		{"step avg", fmt.Sprintf("%.3f ms", ms(avg))},
		{"step min/max", fmt.Sprintf("%.3f / %.3f ms", ms(minStep), ms(maxStep))},
	}
	if n := stats.TreeNodes(); n > 0 {
		rows = append(rows, [2]string{"tree nodes", strconv.FormatInt(n, 10)})
	}
	if gen := stats.BarrierGenerations(); gen > 0 {
		rows = append(rows, [2]string{"barrier opens", strconv.FormatInt(gen, 10)})
	}

	lines := []string{titleStyle.Render("nbody " + Version)}
	for _, row := range rows {
		lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Top,
			labelStyle.Render(row[0]), valueStyle.Render(row[1])))
	}
	return boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}
