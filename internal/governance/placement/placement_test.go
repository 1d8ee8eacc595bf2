package placement

import (
	"math"
	"math/rand"
	"testing"

	"marscolony.ai/internal/governance/model"
)

func TestAllocateStaysInBand(t *testing.T) {
	a := New(ConstructionBand, rand.New(rand.NewSource(1)))
	for i := 0; i < 500; i++ {
		off := a.Allocate(nil, 2)
		if off[1] != 0 {
			t.Fatalf("y must be 0, got %v", off[1])
		}
		r := math.Hypot(off[0], off[2])
		if r < ConstructionBand.Min-1e-9 || r >= ConstructionBand.Max+1e-9 {
			t.Fatalf("radius %v outside band", r)
		}
	}
}

func TestAllocateAvoidsExistingOffsets(t *testing.T) {
	a := New(WeaponBand, rand.New(rand.NewSource(42)))
	const trials = 200
	for trial := 0; trial < trials; trial++ {
		var existing []model.Vec3
		for i := 0; i < 4; i++ {
			existing = append(existing, a.Allocate(existing, 1.5))
		}
		for i := range existing {
			for j := i + 1; j < len(existing); j++ {
				if d := PlanarDistance(existing[i], existing[j]); d <= 1.5 {
					t.Fatalf("trial %d: offsets %d and %d too close (%.3f)", trial, i, j, d)
				}
			}
		}
	}
}

func TestAllocateFallsBackToLastCandidate(t *testing.T) {
	// A ring of offsets with clearance larger than the band can satisfy.
	a := New(Band{Min: 5, Max: 6}, rand.New(rand.NewSource(7)))
	existing := []model.Vec3{{0, 0, 0}}
	off := a.Allocate(existing, 100)
	r := math.Hypot(off[0], off[2])
	if r < 5 || r >= 6 {
		t.Fatalf("fallback candidate must still come from the band, got r=%v", r)
	}
}

func TestNewSwapsInvertedBand(t *testing.T) {
	a := New(Band{Min: 10, Max: 5}, rand.New(rand.NewSource(3)))
	if a.band.Min != 5 || a.band.Max != 10 {
		t.Fatalf("unexpected band %+v", a.band)
	}
}
