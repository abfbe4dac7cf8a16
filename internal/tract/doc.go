// Package tract implements the track-density counting kernel.
//
// A track is an ordered polyline of millimetre-space points. The kernel
// bins every point onto a regular voxel grid and counts, per voxel, how
// many distinct tracks passed through it, optionally recording which
// (track, point) pair first entered each occupied voxel.
//
// The package holds only pure computation: counting, statistics, and
// grid projections. File formats live in tract/trk, persistence in
// tract/storage, and visualization in tract/monitor.
package tract
