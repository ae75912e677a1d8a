package geometry

// Oriented-box geometry for detection post-processing.
//
// Detections arrive either as axis-aligned boxes (YOLO centre format) or as
// oriented quadrilaterals (four vertices). Both are represented as a Quad so
// the rest of the pipeline never branches on box kind. Intersection between
// two convex quads is computed with Sutherland-Hodgman clipping; areas use
// the shoelace formula. Degenerate (zero-area) inputs never panic: every
// derived ratio collapses to 0.

import "math"

// Point is a 2D coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Quad is a convex quadrilateral given by its four vertices in order
// (either winding). Axis-aligned boxes are Quads whose edges are parallel
// to the axes.
type Quad [4]Point

// FromCenter builds an axis-aligned Quad from YOLO centre format.
func FromCenter(cx, cy, w, h float64) Quad {
	return FromCorners(cx-w/2, cy-h/2, cx+w/2, cy+h/2)
}

// FromCorners builds an axis-aligned Quad from min/max corners.
func FromCorners(xMin, yMin, xMax, yMax float64) Quad {
	return Quad{
		{X: xMin, Y: yMin},
		{X: xMax, Y: yMin},
		{X: xMax, Y: yMax},
		{X: xMin, Y: yMax},
	}
}

// Area returns the polygon area of the quad.
func (q Quad) Area() float64 {
	return polygonArea(q[:])
}

// Centroid returns the vertex centroid of the quad.
func (q Quad) Centroid() Point {
	var cx, cy float64
	for _, p := range q {
		cx += p.X
		cy += p.Y
	}
	return Point{X: cx / 4, Y: cy / 4}
}

// Bounds returns the axis-aligned bounding rectangle of the quad.
func (q Quad) Bounds() (xMin, yMin, xMax, yMax float64) {
	xMin, yMin = q[0].X, q[0].Y
	xMax, yMax = q[0].X, q[0].Y
	for _, p := range q[1:] {
		xMin = math.Min(xMin, p.X)
		yMin = math.Min(yMin, p.Y)
		xMax = math.Max(xMax, p.X)
		yMax = math.Max(yMax, p.Y)
	}
	return xMin, yMin, xMax, yMax
}

// Diagonal returns the diagonal length of the quad's bounding rectangle.
func (q Quad) Diagonal() float64 {
	xMin, yMin, xMax, yMax := q.Bounds()
	return math.Hypot(xMax-xMin, yMax-yMin)
}

// AxisAligned reports whether every edge of the quad is parallel to an axis.
func (q Quad) AxisAligned() bool {
	for i := 0; i < 4; i++ {
		a, b := q[i], q[(i+1)%4]
		if a.X != b.X && a.Y != b.Y {
			return false
		}
	}
	return true
}

// CentroidDistance returns the Euclidean distance between quad centroids.
func CentroidDistance(a, b Quad) float64 {
	ca, cb := a.Centroid(), b.Centroid()
	return math.Hypot(ca.X-cb.X, ca.Y-cb.Y)
}

// IntersectionArea returns the area shared by two convex quads.
func IntersectionArea(a, b Quad) float64 {
	if a.Area() == 0 || b.Area() == 0 {
		return 0
	}
	clip := counterClockwise(b[:])
	subject := counterClockwise(a[:])
	for i := 0; i < len(clip); i++ {
		edgeStart := clip[i]
		edgeEnd := clip[(i+1)%len(clip)]
		subject = clipAgainstEdge(subject, edgeStart, edgeEnd)
		if len(subject) == 0 {
			return 0
		}
	}
	return polygonArea(subject)
}

// IoU returns intersection over union for two quads. Disjoint or degenerate
// pairs yield 0.
func IoU(a, b Quad) float64 {
	inter := IntersectionArea(a, b)
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// polygonArea computes the absolute shoelace area of a polygon.
func polygonArea(pts []Point) float64 {
	if len(pts) < 3 {
		return 0
	}
	var sum float64
	for i := range pts {
		j := (i + 1) % len(pts)
		sum += pts[i].X*pts[j].Y - pts[j].X*pts[i].Y
	}
	return math.Abs(sum) / 2
}

// signedArea is positive for counter-clockwise winding.
func signedArea(pts []Point) float64 {
	var sum float64
	for i := range pts {
		j := (i + 1) % len(pts)
		sum += pts[i].X*pts[j].Y - pts[j].X*pts[i].Y
	}
	return sum / 2
}

func counterClockwise(pts []Point) []Point {
	out := make([]Point, len(pts))
	copy(out, pts)
	if signedArea(out) < 0 {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}

// clipAgainstEdge keeps the part of the subject polygon on the inner side of
// the directed edge a->b (clip polygon wound counter-clockwise).
func clipAgainstEdge(subject []Point, a, b Point) []Point {
	if len(subject) == 0 {
		return nil
	}
	inside := func(p Point) bool {
		return (b.X-a.X)*(p.Y-a.Y)-(b.Y-a.Y)*(p.X-a.X) >= 0
	}
	intersect := func(p, q Point) Point {
		// Line a->b against segment p->q.
		a1 := b.Y - a.Y
		b1 := a.X - b.X
		c1 := a1*a.X + b1*a.Y
		a2 := q.Y - p.Y
		b2 := p.X - q.X
		c2 := a2*p.X + b2*p.Y
		det := a1*b2 - a2*b1
		if det == 0 {
			return p
		}
		return Point{X: (b2*c1 - b1*c2) / det, Y: (a1*c2 - a2*c1) / det}
	}

	var out []Point
	for i := range subject {
		cur := subject[i]
		prev := subject[(i+len(subject)-1)%len(subject)]
		curIn, prevIn := inside(cur), inside(prev)
		switch {
		case curIn && prevIn:
			out = append(out, cur)
		case curIn && !prevIn:
			out = append(out, intersect(prev, cur), cur)
		case !curIn && prevIn:
			out = append(out, intersect(prev, cur))
		}
	}
	return out
}
