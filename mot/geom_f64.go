package mot

import (
	"image"
	"math"
)

// Rectangle is a bounding box in top-left/width/height form.
type Rectangle struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

func NewRect(x, y, width, height float64) Rectangle {
	return Rectangle{
		X:      x,
		Y:      y,
		Width:  width,
		Height: height,
	}
}

func NewRectFrom(rect image.Rectangle) Rectangle {
	return Rectangle{
		X:      float64(rect.Min.X),
		Y:      float64(rect.Min.Y),
		Width:  float64(rect.Dx()),
		Height: float64(rect.Dy()),
	}
}

// NewRectFromTLBR creates rectangle from corner form (x1, y1, x2, y2)
func NewRectFromTLBR(x1, y1, x2, y2 float64) Rectangle {
	return Rectangle{
		X:      x1,
		Y:      y1,
		Width:  x2 - x1,
		Height: y2 - y1,
	}
}

// NewRectFromXYAH creates rectangle from (center-x, center-y, aspect ratio, height) form
func NewRectFromXYAH(m Measurement) Rectangle {
	w := m[2] * m[3]
	h := m[3]
	return Rectangle{
		X:      m[0] - w/2.0,
		Y:      m[1] - h/2.0,
		Width:  w,
		Height: h,
	}
}

// TLBR returns corner form (x1, y1, x2, y2)
func (r Rectangle) TLBR() [4]float64 {
	return [4]float64{r.X, r.Y, r.X + r.Width, r.Y + r.Height}
}

// XYAH returns (center-x, center-y, aspect ratio, height) form used by the motion model.
func (r Rectangle) XYAH() Measurement {
	return Measurement{
		r.X + r.Width/2.0,
		r.Y + r.Height/2.0,
		r.Width / r.Height,
		r.Height,
	}
}

// Center returns center of rectangle
func (r Rectangle) Center() Point {
	return Point{
		X: r.X + r.Width/2.0,
		Y: r.Y + r.Height/2.0,
	}
}

// Area returns area of rectangle
func (r Rectangle) Area() float64 {
	return r.Width * r.Height
}

func (r Rectangle) isFinite() bool {
	for _, v := range [4]float64{r.X, r.Y, r.Width, r.Height} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

type Point struct {
	X float64
	Y float64
}

func NewPoint(x, y float64) Point {
	return Point{
		X: x,
		Y: y,
	}
}
