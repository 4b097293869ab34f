// Package mathx provides the arithmetic capability used by the metering engine.
//
// The engine performs every floating point operation through a Backend so that a
// faster provider can be swapped in without touching the metering algorithm.
// All backends operate on IEEE-754 single precision values; results may differ
// only by rounding.
package mathx

import (
	"fmt"
	"math"

	"github.com/chewxy/math32"
)

// Backend is a provider of elementary float32 operations.
type Backend interface {
	Name() string
	Add(a, b float32) float32
	Sub(a, b float32) float32
	Mul(a, b float32) float32
	Div(a, b float32) float32
	Sqrt(x float32) float32
	Sin(x float32) float32
	Cos(x float32) float32
	Exp(x float32) float32
	Ln(x float32) float32
}

var (
	_ Backend = Float32{}
	_ Backend = Float64{}
)

// Float32 computes natively in single precision, using math32 for the
// transcendental functions.
type Float32 struct{}

func (Float32) Name() string { return "float32" }
func (Float32) Add(a, b float32) float32 { return a + b }
func (Float32) Sub(a, b float32) float32 { return a - b }
func (Float32) Mul(a, b float32) float32 { return a * b }
func (Float32) Div(a, b float32) float32 { return a / b }
func (Float32) Sqrt(x float32) float32 { return math32.Sqrt(x) }
func (Float32) Sin(x float32) float32 { return math32.Sin(x) }
func (Float32) Cos(x float32) float32 { return math32.Cos(x) }
func (Float32) Exp(x float32) float32 { return math32.Exp(x) }
func (Float32) Ln(x float32) float32 { return math32.Log(x) }

// Float64 promotes every operation to double precision and rounds the result
// back to float32. It is slower but serves as a reference for the float32 path.
type Float64 struct{}

func (Float64) Name() string { return "float64" }
func (Float64) Add(a, b float32) float32 {
	return float32(float64(a) + float64(b))
}
func (Float64) Sub(a, b float32) float32 {
	return float32(float64(a) - float64(b))
}
func (Float64) Mul(a, b float32) float32 {
	return float32(float64(a) * float64(b))
}
func (Float64) Div(a, b float32) float32 {
	return float32(float64(a) / float64(b))
}
func (Float64) Sqrt(x float32) float32 { return float32(math.Sqrt(float64(x))) }
func (Float64) Sin(x float32) float32 { return float32(math.Sin(float64(x))) }
func (Float64) Cos(x float32) float32 { return float32(math.Cos(float64(x))) }
func (Float64) Exp(x float32) float32 { return float32(math.Exp(float64(x))) }
func (Float64) Ln(x float32) float32 { return float32(math.Log(float64(x))) }

// ByName returns the backend registered under name. An empty name selects Float32.
func ByName(name string) (Backend, error) {
	switch name {
	case "", "float32", "math32":
		return Float32{}, nil
	case "float64":
		return Float64{}, nil
	default:
		return nil, fmt.Errorf("unknown math backend %q", name)
	}
}

// Clamp limits x to [lo, hi]. NaN is returned unchanged.
func Clamp(x, lo, hi float32) float32 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
