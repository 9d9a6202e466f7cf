// Package crdt is the shared document every room and client replica holds.
//
// A Document is a state-based CRDT made of named last-writer-wins text
// registers and named append-only sequences with tombstones. Replicas
// exchange opaque update blocks: EncodeFull produces one, ApplyUpdate merges
// one. Merging is commutative, associative and idempotent, so replicas that
// have applied the same set of blocks encode to identical bytes regardless
// of order.
//
// Block layout: one tag byte (0x00 raw CBOR, 0x01 zstd-compressed CBOR)
// followed by the payload.
package crdt
