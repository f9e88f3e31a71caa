// Package fare computes ride prices from distance and vehicle class.
package fare

import (
	"fmt"
	"math"
	"sort"

	"github.com/example/ride-dispatch/internal/models"
)

// Rate is the pricing for one vehicle class.
type Rate struct {
	PerKm   float64
	Minimum float64
}

// Table maps each deployment vehicle class to its rate. When Strict is set
// an unknown class is rejected; otherwise Fallback prices it. Strict is the
// safer default since a silent fallback masks configuration typos.
type Table struct {
	Classes  map[models.VehicleClass]Rate
	Fallback Rate
	Strict   bool
}

// DefaultTable mirrors the reference deployment pricing.
func DefaultTable() *Table {
	return &Table{
		Classes: map[models.VehicleClass]Rate{
			models.ClassCar:  {PerKm: 12, Minimum: 60},
			models.ClassMoto: {PerKm: 8, Minimum: 40},
			models.ClassAuto: {PerKm: 10, Minimum: 50},
		},
		Fallback: Rate{PerKm: 10, Minimum: 50},
		Strict:   true,
	}
}

// UnknownClassError reports a class absent from the table under strict mode.
type UnknownClassError struct {
	Class models.VehicleClass
}

func (e *UnknownClassError) Error() string {
	return fmt.Sprintf("unknown vehicle class %q", e.Class)
}

// Known reports whether class is part of the deployment's closed set.
func (t *Table) Known(class models.VehicleClass) bool {
	_, ok := t.Classes[class]
	return ok
}

// KnownClasses returns the configured classes in stable order.
func (t *Table) KnownClasses() []models.VehicleClass {
	out := make([]models.VehicleClass, 0, len(t.Classes))
	for c := range t.Classes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Estimate prices a trip: max(distanceKm * per-km rate, class minimum).
func (t *Table) Estimate(distanceKm float64, class models.VehicleClass) (float64, error) {
	r, ok := t.Classes[class]
	if !ok {
		if t.Strict {
			return 0, &UnknownClassError{Class: class}
		}
		r = t.Fallback
	}
	return math.Max(distanceKm*r.PerKm, r.Minimum), nil
}
