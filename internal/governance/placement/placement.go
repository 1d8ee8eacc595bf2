package placement

import (
	"math"
	"math/rand"
	"sync"

	"marscolony.ai/internal/governance/model"
)

const MaxAttempts = 20

// Band is the radius range [Min, Max) around an institution's anchor.
type Band struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

var (
	ConstructionBand = Band{Min: 5, Max: 10}
	WeaponBand       = Band{Min: 8, Max: 12}
)

// Allocator draws collision-avoiding offsets. It is safe for concurrent use.
type Allocator struct {
	band Band

	mu  sync.Mutex
	rng *rand.Rand
}

func New(band Band, rng *rand.Rand) *Allocator {
	if band.Max < band.Min {
		band.Min, band.Max = band.Max, band.Min
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &Allocator{band: band, rng: rng}
}

// Allocate samples up to MaxAttempts polar candidates and returns the first
// one farther than minClearance from every existing offset. If none
// qualifies, the last candidate is returned anyway.
func (a *Allocator) Allocate(existing []model.Vec3, minClearance float64) model.Vec3 {
	a.mu.Lock()
	defer a.mu.Unlock()

	var cand model.Vec3
	for i := 0; i < MaxAttempts; i++ {
		cand = a.sampleLocked()
		if isClear(cand, existing, minClearance) {
			return cand
		}
	}
	return cand
}

func (a *Allocator) sampleLocked() model.Vec3 {
	angle := a.rng.Float64() * 2 * math.Pi
	dist := a.band.Min + a.rng.Float64()*(a.band.Max-a.band.Min)
	return model.Vec3{math.Cos(angle) * dist, 0, math.Sin(angle) * dist}
}

func isClear(c model.Vec3, existing []model.Vec3, minClearance float64) bool {
	for _, e := range existing {
		if PlanarDistance(c, e) <= minClearance {
			return false
		}
	}
	return true
}

// PlanarDistance ignores the y axis.
func PlanarDistance(a, b model.Vec3) float64 {
	return math.Hypot(a[0]-b[0], a[2]-b[2])
}
