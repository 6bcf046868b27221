// Package geom provides the 2D point and transform types shared by every
// DDC component: the affine matrix used for warping rasters, and the
// 4-degree-of-freedom similarity transform that the alignment and
// refinement stages estimate and exchange.
package geom

import "math"

// Point is a 2D coordinate in source-document units.
type Point struct {
	X float64
	Y float64
}

// AffineMatrix is a general 2D affine map: x' = A*x + B*y + Tx, y' = C*x + D*y + Ty.
type AffineMatrix struct {
	A, B, Tx float64
	C, D, Ty float64
}

// Identity returns the affine identity matrix.
func Identity() AffineMatrix {
	return AffineMatrix{A: 1, B: 0, Tx: 0, C: 0, D: 1, Ty: 0}
}

// Apply transforms a single point.
func (m AffineMatrix) Apply(p Point) Point {
	return Point{
		X: m.A*p.X + m.B*p.Y + m.Tx,
		Y: m.C*p.X + m.D*p.Y + m.Ty,
	}
}

// ApplyAll transforms a slice of points.
func (m AffineMatrix) ApplyAll(points []Point) []Point {
	out := make([]Point, len(points))
	for i, p := range points {
		out[i] = m.Apply(p)
	}
	return out
}

// Compose returns the transform equivalent to applying m2 first, then m.
func (m AffineMatrix) Compose(m2 AffineMatrix) AffineMatrix {
	return AffineMatrix{
		A:  m.A*m2.A + m.B*m2.C,
		B:  m.A*m2.B + m.B*m2.D,
		Tx: m.A*m2.Tx + m.B*m2.Ty + m.Tx,
		C:  m.C*m2.A + m.D*m2.C,
		D:  m.C*m2.B + m.D*m2.D,
		Ty: m.C*m2.Tx + m.D*m2.Ty + m.Ty,
	}
}

// Invert returns the inverse transform, or identity if m is singular.
func (m AffineMatrix) Invert() AffineMatrix {
	det := m.A*m.D - m.B*m.C
	if math.Abs(det) < 1e-10 {
		return Identity()
	}
	invDet := 1.0 / det
	return AffineMatrix{
		A:  m.D * invDet,
		B:  -m.B * invDet,
		Tx: (m.B*m.Ty - m.D*m.Tx) * invDet,
		C:  -m.C * invDet,
		D:  m.A * invDet,
		Ty: (m.C*m.Tx - m.A*m.Ty) * invDet,
	}
}

// Translation builds a translation-only affine matrix.
func Translation(tx, ty float64) AffineMatrix {
	return AffineMatrix{A: 1, B: 0, Tx: tx, C: 0, D: 1, Ty: ty}
}

// RotationDeg builds a rotation-only affine matrix (degrees, around origin).
func RotationDeg(degrees float64) AffineMatrix {
	rad := degrees * math.Pi / 180.0
	cos, sin := math.Cos(rad), math.Sin(rad)
	return AffineMatrix{A: cos, B: -sin, C: sin, D: cos}
}

// Distance returns the Euclidean distance between two points.
func Distance(a, b Point) float64 {
	dx := b.X - a.X
	dy := b.Y - a.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// Centroid returns the center of mass of a set of points.
func Centroid(points []Point) Point {
	if len(points) == 0 {
		return Point{}
	}
	var sumX, sumY float64
	for _, p := range points {
		sumX += p.X
		sumY += p.Y
	}
	n := float64(len(points))
	return Point{X: sumX / n, Y: sumY / n}
}

// NormalizeAngleDeg wraps a degree measure into (-180, 180].
func NormalizeAngleDeg(degrees float64) float64 {
	degrees = math.Mod(degrees, 360)
	if degrees <= -180 {
		degrees += 360
	}
	if degrees > 180 {
		degrees -= 360
	}
	return degrees
}

// Similarity is the 4-DOF transform the alignment and refinement stages
// estimate and exchange: apply rotation RotationDeg, then uniform scale
// Scale, then translate by (Tx, Ty).
type Similarity struct {
	Scale       float64
	RotationDeg float64
	Tx, Ty      float64
}

// IdentitySimilarity returns the identity 4-DOF transform (s=1, θ=0, t=0).
func IdentitySimilarity() Similarity {
	return Similarity{Scale: 1}
}

// Matrix expands the similarity transform into its 2x3 affine matrix form.
func (s Similarity) Matrix() AffineMatrix {
	rad := s.RotationDeg * math.Pi / 180.0
	cos, sin := math.Cos(rad), math.Sin(rad)
	return AffineMatrix{
		A: s.Scale * cos, B: -s.Scale * sin, Tx: s.Tx,
		C: s.Scale * sin, D: s.Scale * cos, Ty: s.Ty,
	}
}

// SimilarityFromMatrix recovers (s, θ, tx, ty) from a 2x3 matrix that is
// assumed to already be a similarity (uniform scale, no shear). Recovery
// follows scale = sqrt(a^2 + c^2), θ = atan2(c, a).
func SimilarityFromMatrix(m AffineMatrix) Similarity {
	scale := math.Sqrt(m.A*m.A + m.C*m.C)
	theta := math.Atan2(m.C, m.A) * 180.0 / math.Pi
	return Similarity{
		Scale:       scale,
		RotationDeg: NormalizeAngleDeg(theta),
		Tx:          m.Tx,
		Ty:          m.Ty,
	}
}

// FitSimilarityTwoPoint computes a similarity transform (translation +
// rotation + uniform scale) from exactly two point correspondences,
// the closed form used when a RANSAC minimal sample has size 2.
func FitSimilarityTwoPoint(srcA, srcB, dstA, dstB Point) AffineMatrix {
	sx, sy := srcB.X-srcA.X, srcB.Y-srcA.Y
	srcLen := math.Sqrt(sx*sx + sy*sy)

	tx, ty := dstB.X-dstA.X, dstB.Y-dstA.Y
	dstLen := math.Sqrt(tx*tx + ty*ty)

	if srcLen < 1e-10 || dstLen < 1e-10 {
		return Identity()
	}

	scale := dstLen / srcLen
	angle := math.Atan2(ty, tx) - math.Atan2(sy, sx)
	cos, sin := math.Cos(angle), math.Sin(angle)

	a := scale * cos
	b := -scale * sin
	c := scale * sin
	d := scale * cos

	translateX := dstA.X - (a*srcA.X + b*srcA.Y)
	translateY := dstA.Y - (c*srcA.X + d*srcA.Y)

	return AffineMatrix{A: a, B: b, Tx: translateX, C: c, D: d, Ty: translateY}
}

// FitUmeyamaSimilarity computes the closed-form least-squares similarity
// transform (rotation + uniform scale + translation) mapping source onto
// target, via Umeyama's method. Used by both the RANSAC inner fit and the
// ICP refiner's per-iteration refit.
func FitUmeyamaSimilarity(source, target []Point) AffineMatrix {
	n := len(source)
	if n < 2 || n != len(target) {
		return Identity()
	}

	srcCentroid := Centroid(source)
	tgtCentroid := Centroid(target)

	var h11, h12, h21, h22 float64
	var srcVar float64
	for i := range source {
		sx := source[i].X - srcCentroid.X
		sy := source[i].Y - srcCentroid.Y
		tx := target[i].X - tgtCentroid.X
		ty := target[i].Y - tgtCentroid.Y

		h11 += sx * tx
		h12 += sx * ty
		h21 += sy * tx
		h22 += sy * ty
		srcVar += sx*sx + sy*sy
	}

	theta := math.Atan2(h12-h21, h11+h22)
	cos, sin := math.Cos(theta), math.Sin(theta)

	// scale = trace(R H) / srcVar
	scale := 1.0
	if srcVar > 1e-10 {
		scale = (cos*(h11+h22) + sin*(h12-h21)) / srcVar
	}
	if scale <= 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
		scale = 1.0
	}

	a := scale * cos
	b := -scale * sin
	c := scale * sin
	d := scale * cos

	translateX := tgtCentroid.X - (a*srcCentroid.X + b*srcCentroid.Y)
	translateY := tgtCentroid.Y - (c*srcCentroid.X + d*srcCentroid.Y)

	return AffineMatrix{A: a, B: b, Tx: translateX, C: c, D: d, Ty: translateY}
}

// FitTranslation computes the mean offset mapping source onto target,
// holding scale=1 and rotation=0, the ICP refiner's translation-only mode.
func FitTranslation(source, target []Point) AffineMatrix {
	n := len(source)
	if n == 0 || n != len(target) {
		return Identity()
	}
	var sumX, sumY float64
	for i := range source {
		sumX += target[i].X - source[i].X
		sumY += target[i].Y - source[i].Y
	}
	return Translation(sumX/float64(n), sumY/float64(n))
}
