package platformer

import "math"

// AABB is an axis-aligned box.
type AABB struct {
	MinX, MinY float64
	MaxX, MaxY float64
}

// Contains reports whether the point lies inside the box.
func (b AABB) Contains(x, y float64) bool {
	return x >= b.MinX && x <= b.MaxX && y >= b.MinY && y <= b.MaxY
}

// RaycastAABB intersects the ray origin+t*dir (t >= 0) with the box
// using the slab method and returns the entry distance. dir need not be
// normalized; the returned distance is in dir lengths.
func RaycastAABB(ox, oy, dx, dy float64, box AABB) (float64, bool) {
	tmin := math.Inf(-1)
	tmax := math.Inf(1)

	if dx == 0 {
		if ox < box.MinX || ox > box.MaxX {
			return 0, false
		}
	} else {
		t1 := (box.MinX - ox) / dx
		t2 := (box.MaxX - ox) / dx
		if t1 > t2 {
			t1, t2 = t2, t1
		}
		tmin = math.Max(tmin, t1)
		tmax = math.Min(tmax, t2)
	}

	if dy == 0 {
		if oy < box.MinY || oy > box.MaxY {
			return 0, false
		}
	} else {
		t1 := (box.MinY - oy) / dy
		t2 := (box.MaxY - oy) / dy
		if t1 > t2 {
			t1, t2 = t2, t1
		}
		tmin = math.Max(tmin, t1)
		tmax = math.Min(tmax, t2)
	}

	if tmax < tmin || tmax < 0 {
		return 0, false
	}
	if tmin < 0 {
		// Ray starts inside the box.
		return 0, true
	}
	return tmin, true
}
