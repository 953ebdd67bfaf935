// Package bitaddr models bit locations inside a device configuration image.
//
// Two coordinate systems are involved:
//
//   - RawAddress: the absolute location of one bit in a full image. Frame
//     bits are addressed by (bank, frame, bit); scalar registers by name and
//     bit; small per-bank registers by (bank, name, bit).
//   - Coord / TileBit: tile-local coordinates. A Region describes one tile's
//     window into the raw address space and translates in both directions.
//
// # Mirroring
//
// Devices are frequently laid out as mirrored halves or quadrants that share a
// single logical tile template. A Region with Mirror set inverts its indexing
// according to its quadrant parity (see MirrorForQuadrant), so a feature
// learned in one quadrant lands on the same tile-local bit in every other.
//
// # Resolution
//
// Experiments know an ordered list of candidate regions for each feature.
// Resolve tries them in order and returns the first match. An address that no
// candidate accepts means the topology model is incomplete; Resolve reports it
// as an *UnmappedError carrying the address and every region that was tried.
package bitaddr
