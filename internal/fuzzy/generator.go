// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package fuzzy

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/mlnoga/ifglight/internal/raster"
)

var ErrUnknownGenerator = errors.New("unknown membership generator")

// Membership, non-membership and hesitancy planes for a normalized field,
// plus the combined fuzzy intensity field H = mu + pi used for equalization.
// All planes are clamped to [0,1].
type Triple struct {
	Mu raster.Plane
	Nu raster.Plane
	Pi raster.Plane
	H  raster.Plane
}

// A membership generator turns a normalized field x in [0,1] and a parameter k
// into an intuitionistic fuzzy triple. Combined writes only the H field into dst,
// which must have the shape of x
type Generator interface {
	Name() string
	Memberships(x raster.Plane, k float64) Triple
	Combined(x raster.Plane, k float64, dst raster.Plane)
}

// Computes mu and nu for a single normalized sample
type membershipFunc func(x, k float64) (mu, nu float64)

// Builds the triple from a pointwise membership function. Hesitancy is 1-mu-nu;
// the combined field uses the raw hesitancy, the returned Pi plane is clamped
func memberships(x raster.Plane, k float64, f membershipFunc) Triple {
	w, h := x.Width, x.Height
	t := Triple{
		Mu: raster.NewPlane(w, h),
		Nu: raster.NewPlane(w, h),
		Pi: raster.NewPlane(w, h),
		H:  raster.NewPlane(w, h),
	}
	for i, d := range x.Data {
		mu, nu := f(d, k)
		pi := 1 - mu - nu
		t.Mu.Data[i] = clamp01(mu)
		t.Nu.Data[i] = clamp01(nu)
		t.Pi.Data[i] = clamp01(pi)
		t.H.Data[i] = clamp01(mu + pi)
	}
	return t
}

// Writes the combined field mu + (1-mu-nu) of a pointwise membership function into dst
func combined(x raster.Plane, k float64, f membershipFunc, dst raster.Plane) {
	for i, d := range x.Data {
		mu, nu := f(d, k)
		pi := 1 - mu - nu
		dst.Data[i] = clamp01(mu + pi)
	}
}

// Power-law generator: mu=x^k, nu=(1-x)^k
type PowerLaw struct{}

func (PowerLaw) Name() string { return "power" }

func (PowerLaw) Memberships(x raster.Plane, k float64) Triple {
	return memberships(x, k, powerLaw)
}

func (PowerLaw) Combined(x raster.Plane, k float64, dst raster.Plane) {
	combined(x, k, powerLaw, dst)
}

func powerLaw(x, k float64) (float64, float64) {
	return math.Pow(x, k), math.Pow(1-x, k)
}

// Rational generator: with a=(k+1)^2, mu=(1+a)x/(1+ax) and nu=(1-x)/(1+x a (2+a)).
// Keeps hesitancy non-negative on most of the domain
type Rational struct{}

func (Rational) Name() string { return "rational" }

func (Rational) Memberships(x raster.Plane, k float64) Triple {
	return memberships(x, k, rational)
}

func (Rational) Combined(x raster.Plane, k float64, dst raster.Plane) {
	combined(x, k, rational, dst)
}

func rational(x, k float64) (float64, float64) {
	a := (k + 1) * (k + 1)
	mu := (1 + a) * x / (1 + a*x)
	nu := (1 - x) / (1 + x*a*(2+a))
	return mu, nu
}

// Name of the generator used when none is configured
const DefaultGenerator = "power"

// Mapping from generator names to implementations
var generators = map[string]Generator{}

// Registers a generator under its name. Panics on duplicate names
func RegisterGenerator(g Generator) {
	name := g.Name()
	if _, ok := generators[name]; ok {
		panic(fmt.Sprintf("error: re-registering generator %s\n", name))
	}
	generators[name] = g
}

func init() {
	RegisterGenerator(PowerLaw{})
	RegisterGenerator(Rational{})
}

// Returns the generator registered under the given name. The empty name selects the default
func GeneratorByName(name string) (Generator, error) {
	if name == "" {
		name = DefaultGenerator
	}
	g, ok := generators[name]
	if !ok {
		return nil, fmt.Errorf("%w '%s', have %v", ErrUnknownGenerator, name, GeneratorNames())
	}
	return g, nil
}

// Returns the sorted names of all registered generators
func GeneratorNames() []string {
	names := make([]string, 0, len(generators))
	for name := range generators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
