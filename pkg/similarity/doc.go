// Package similarity provides the nearest-neighbor index over embedding
// vectors. The reference backend is exact brute-force cosine over a
// contiguous f32 array with a coarse RWMutex; external approximate
// backends plug in through the registry without affecting planner
// semantics.
package similarity
