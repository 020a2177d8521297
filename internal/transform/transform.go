// Package transform estimates and evaluates 2D geometric transforms from
// point correspondences. Three model classes are supported, in increasing
// order of freedom: similarity (scale + rotation + translation, 4 DOF),
// affine (6 DOF) and homography (projective, 8 DOF). The model set is
// closed: evaluation and inversion switch over the type tag and reject
// anything else.
package transform

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrInsufficientPairs indicates fewer correspondences than the
	// requested model class requires.
	ErrInsufficientPairs = errors.New("insufficient point pairs for model")
	// ErrUnknownModelType indicates a model tag outside the closed set.
	ErrUnknownModelType = errors.New("unknown transform model type")
	// ErrDegenerate indicates a coincident or collinear point
	// configuration that makes the fit system singular.
	ErrDegenerate = errors.New("degenerate point configuration")
)

// Point is a 2D point in the working frame (pixels or ENU metres).
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Dist returns the Euclidean distance to q.
func (p Point) Dist(q Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

// Pair is a single source→destination correspondence.
type Pair struct {
	Src Point `json:"src"`
	Dst Point `json:"dst"`
}

// Type tags the model class.
type Type string

const (
	TypeSimilarity Type = "similarity"
	TypeAffine     Type = "affine"
	TypeHomography Type = "homography"
)

// MinPairs returns the minimum correspondence count for the model class,
// or 0 for an unrecognised tag.
func (t Type) MinPairs() int {
	switch t {
	case TypeSimilarity:
		return 2
	case TypeAffine:
		return 3
	case TypeHomography:
		return 4
	default:
		return 0
	}
}

// Model is a fitted 2D transform. The affine block (A..TY) is populated
// for similarity and affine models; H holds the row-major homography
// coefficients with H[8] normalised to 1. Scale and Angle are the
// similarity decomposition, populated for similarity models only.
type Model struct {
	Type Type `json:"type"`

	A  float64 `json:"a,omitempty"`
	B  float64 `json:"b,omitempty"`
	C  float64 `json:"c,omitempty"`
	D  float64 `json:"d,omitempty"`
	TX float64 `json:"tx,omitempty"`
	TY float64 `json:"ty,omitempty"`

	Scale float64 `json:"scale,omitempty"`
	Angle float64 `json:"angle,omitempty"`

	H [9]float64 `json:"h,omitempty"`
}

// Apply evaluates the model at p. Homographies use the perspective divide
// x' = (h1·x+h2·y+h3)/(h7·x+h8·y+h9); a zero denominator is reported as
// ErrDegenerate.
func Apply(m Model, p Point) (Point, error) {
	switch m.Type {
	case TypeSimilarity, TypeAffine:
		return Point{
			X: m.A*p.X + m.B*p.Y + m.TX,
			Y: m.C*p.X + m.D*p.Y + m.TY,
		}, nil
	case TypeHomography:
		w := m.H[6]*p.X + m.H[7]*p.Y + m.H[8]
		if w == 0 {
			return Point{}, ErrDegenerate
		}
		return Point{
			X: (m.H[0]*p.X + m.H[1]*p.Y + m.H[2]) / w,
			Y: (m.H[3]*p.X + m.H[4]*p.Y + m.H[5]) / w,
		}, nil
	default:
		return Point{}, ErrUnknownModelType
	}
}

// Invert returns the inverse transform. Similarity and affine models
// invert in closed form; homographies invert as 3×3 matrices with the
// result renormalised to H[8] = 1.
func Invert(m Model) (Model, error) {
	switch m.Type {
	case TypeSimilarity, TypeAffine:
		det := m.A*m.D - m.B*m.C
		if math.Abs(det) < 1e-12 {
			return Model{}, ErrDegenerate
		}
		inv := Model{
			Type: m.Type,
			A:    m.D / det,
			B:    -m.B / det,
			C:    -m.C / det,
			D:    m.A / det,
		}
		inv.TX = -(inv.A*m.TX + inv.B*m.TY)
		inv.TY = -(inv.C*m.TX + inv.D*m.TY)
		if m.Type == TypeSimilarity {
			inv.Scale = math.Hypot(inv.A, inv.C)
			inv.Angle = math.Atan2(inv.C, inv.A)
		}
		return inv, nil
	case TypeHomography:
		h := mat.NewDense(3, 3, append([]float64(nil), m.H[:]...))
		var hi mat.Dense
		if err := hi.Inverse(h); err != nil {
			return Model{}, ErrDegenerate
		}
		out := Model{Type: TypeHomography}
		scale := hi.At(2, 2)
		if scale == 0 {
			return Model{}, ErrDegenerate
		}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				out.H[r*3+c] = hi.At(r, c) / scale
			}
		}
		return out, nil
	default:
		return Model{}, ErrUnknownModelType
	}
}

// LinearScale returns the approximate uniform scale factor of the model,
// taken as the Frobenius norm of the leading 2×2 block divided by √2. For
// a similarity this is exactly the scale; for affine and homography models
// it is the average stretch near the origin.
func LinearScale(m Model) float64 {
	var a, b, c, d float64
	switch m.Type {
	case TypeSimilarity, TypeAffine:
		a, b, c, d = m.A, m.B, m.C, m.D
	case TypeHomography:
		a, b, c, d = m.H[0], m.H[1], m.H[3], m.H[4]
	default:
		return 0
	}
	return math.Sqrt((a*a + b*b + c*c + d*d) / 2)
}
