package link

import "github.com/cory-johannsen/worlds/internal/game/world"

// Project maps p, which must lie inside src, to the corresponding point in dst.
//
// Per axis the fractional offset t = (p - src.Min) / (src.Max - src.Min) is
// carried over to dst; an axis with zero source extent uses t = 0.5. A
// zero-extent target axis collapses to its single value. Region to region is
// therefore its own inverse, a point maps to the centre of a region, and a
// region maps onto a point.
//
// Postcondition: Returns (mapped, true) with dst.Contains(mapped), or (Vec3{}, false)
// when p lies outside src.
func Project(src, dst world.Anchor, p world.Vec3) (world.Vec3, bool) {
	if !src.Contains(p) {
		return world.Vec3{}, false
	}
	return world.Vec3{
		X: projectAxis(src.Min.X, src.Max.X, dst.Min.X, dst.Max.X, p.X),
		Y: projectAxis(src.Min.Y, src.Max.Y, dst.Min.Y, dst.Max.Y, p.Y),
		Z: projectAxis(src.Min.Z, src.Max.Z, dst.Min.Z, dst.Max.Z, p.Z),
	}, true
}

func projectAxis(srcMin, srcMax, dstMin, dstMax, v float64) float64 {
	t := 0.5
	if span := srcMax - srcMin; span > 0 {
		t = (v - srcMin) / span
	}
	out := dstMin + t*(dstMax-dstMin)
	// Clamp float drift so the result never leaves the target.
	if out < dstMin {
		return dstMin
	}
	if out > dstMax {
		return dstMax
	}
	return out
}
