// Package environment simulates the planet's local conditions: eight
// property maps on a square grid, seeded deterministically and drifting a
// little every tick.
package environment

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"marscolony.ai/internal/logger"
)

const (
	Resolution  = 100
	DefaultSeed = 123456789
	driftStep   = 0.05
)

// Property names in a fixed order. Map iteration never decides draw order.
var PropertyNames = []string{
	"temperature",
	"humidity",
	"soilSoftness",
	"earthquake",
	"uv",
	"dangerousChemicals",
	"rareMinerals",
	"radioactiveMaterials",
}

// Bounds are the world coordinates covered by the grid.
type Bounds struct {
	MinX, MaxX, MinZ, MaxZ float64
}

var DefaultBounds = Bounds{MinX: 0, MaxX: Resolution, MinZ: 0, MaxZ: Resolution}

// Provider returns the ecosystem values at a world position.
type Provider interface {
	Properties(x, z float64) map[string]float64
}

type Grid struct {
	bounds  Bounds
	saveDir string
	log     *logger.Logger

	mu   sync.RWMutex
	rand *mulberry32
	maps map[string]*[Resolution][Resolution]float64
}

type Option func(*Grid)

func WithBounds(b Bounds) Option { return func(g *Grid) { g.bounds = b } }

// WithSaveDir writes one grayscale PNG per property after every change.
func WithSaveDir(dir string) Option { return func(g *Grid) { g.saveDir = dir } }

func WithLogger(l *logger.Logger) Option { return func(g *Grid) { g.log = l } }

func NewGrid(seed uint32, opts ...Option) *Grid {
	g := &Grid{
		bounds: DefaultBounds,
		log:    logger.Nop(),
		rand:   &mulberry32{state: seed},
		maps:   make(map[string]*[Resolution][Resolution]float64, len(PropertyNames)),
	}
	for _, o := range opts {
		o(g)
	}
	if g.bounds.MaxX <= g.bounds.MinX || g.bounds.MaxZ <= g.bounds.MinZ {
		g.bounds = DefaultBounds
	}
	for _, name := range PropertyNames {
		m := new([Resolution][Resolution]float64)
		for y := 0; y < Resolution; y++ {
			for x := 0; x < Resolution; x++ {
				m[y][x] = g.rand.next()
			}
		}
		g.maps[name] = m
	}
	g.save()
	return g
}

// Properties samples every map at the cell covering (x, z).
func (g *Grid) Properties(x, z float64) map[string]float64 {
	ix := cell((x - g.bounds.MinX) / (g.bounds.MaxX - g.bounds.MinX))
	iy := cell((z - g.bounds.MinZ) / (g.bounds.MaxZ - g.bounds.MinZ))
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]float64, len(PropertyNames))
	for _, name := range PropertyNames {
		out[name] = g.maps[name][iy][ix]
	}
	return out
}

func cell(n float64) int {
	if math.IsNaN(n) {
		return 0
	}
	return int(math.Floor(clamp(n*(Resolution-1), 0, Resolution-1)))
}

// Drift nudges every cell by up to ±0.025, clamped to [0, 1].
func (g *Grid) Drift() {
	g.mu.Lock()
	for _, name := range PropertyNames {
		m := g.maps[name]
		for y := 0; y < Resolution; y++ {
			for x := 0; x < Resolution; x++ {
				m[y][x] = clamp(m[y][x]+(g.rand.next()-0.5)*driftStep, 0, 1)
			}
		}
	}
	g.mu.Unlock()
	g.save()
}

// Run drifts the grid every interval until ctx is done.
func (g *Grid) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			g.Drift()
		}
	}
}

func (g *Grid) save() {
	if g.saveDir == "" {
		return
	}
	if err := os.MkdirAll(g.saveDir, 0o755); err != nil {
		g.log.Warn("environment save dir", "error", err)
		return
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, name := range PropertyNames {
		if err := writePNG(filepath.Join(g.saveDir, name+".png"), g.maps[name]); err != nil {
			g.log.Warn("environment map save failed", "map", name, "error", err)
		}
	}
}

func writePNG(path string, m *[Resolution][Resolution]float64) error {
	img := image.NewGray(image.Rect(0, 0, Resolution, Resolution))
	for y := 0; y < Resolution; y++ {
		for x := 0; x < Resolution; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8(math.Round(clamp(m[y][x], 0, 1) * 255))})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// mulberry32 is a tiny 32-bit PRNG. It keeps the colony's terrain identical
// for a given seed across restarts.
type mulberry32 struct{ state uint32 }

func (m *mulberry32) next() float64 {
	m.state += 0x6D2B79F5
	a := m.state
	t := (a ^ (a >> 15)) * (1 | a)
	t = (t + (t^(t>>7))*(61|t)) ^ t
	return float64(t^(t>>14)) / 4294967296
}
