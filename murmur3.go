package ckvd

// MurmurHash3 x86 32-bit, used to verify transaction payloads (§4.2, §4.5.3).
//
// No library in the dependency surface this module draws on implements
// MurmurHash3, and the wire format's hash must match the algorithm bit for
// bit across readers regardless of language, so it is implemented directly
// here rather than pulled from a generic hashing package.

const (
	murmurC1 uint32 = 0xcc9e2d51
	murmurC2 uint32 = 0x1b873593
	murmurR1        = 15
	murmurR2        = 13
	murmurM         = 5
	murmurN  uint32 = 0xe6546b64
)

// murmur3X86_32 computes the canonical MurmurHash3 x86 32-bit digest of
// data, seeded with 0. This is the hash used by ledger version [versionB017]
// (§6, §9).
func murmur3X86_32(data []byte) uint32 {
	var h uint32

	length := len(data)
	nblocks := length / 4

	for i := range nblocks {
		k := loadUint32LE(data[i*4 : i*4+4])
		h = murmur3Mix(h, k)
	}

	tail := data[nblocks*4:]

	var k uint32

	switch len(tail) {
	case 3:
		k ^= uint32(tail[2]) << 16

		fallthrough
	case 2:
		k ^= uint32(tail[1]) << 8

		fallthrough
	case 1:
		k ^= uint32(tail[0])
		k *= murmurC1
		k = rotl32(k, murmurR1)
		k *= murmurC2
		h ^= k
	}

	h ^= uint32(length)
	h = murmurFinalize(h)

	return h
}

func murmur3Mix(h, k uint32) uint32 {
	k *= murmurC1
	k = rotl32(k, murmurR1)
	k *= murmurC2

	h ^= k
	h = rotl32(h, murmurR2)
	h = h*murmurM + murmurN

	return h
}

func murmurFinalize(h uint32) uint32 {
	h ^= h >> 16
	h *= 0x85ebca6b
	h ^= h >> 13
	h *= 0xc2b2ae35
	h ^= h >> 16

	return h
}

// faultyMurmur3X86_32 reproduces the off-by-one finalizer bug present in
// ledger version [versionB016]'s payload-hash verification. It must never
// be "fixed" — doing so would make every existing B016 ledger fail hash
// verification on read. The bug: the finalizer's first xor-shift uses 15
// bits instead of 16, which changes the avalanche but not the algorithm's
// shape (§9).
func faultyMurmur3X86_32(data []byte) uint32 {
	var h uint32

	length := len(data)
	nblocks := length / 4

	for i := range nblocks {
		k := loadUint32LE(data[i*4 : i*4+4])
		h = murmur3Mix(h, k)
	}

	tail := data[nblocks*4:]

	var k uint32

	switch len(tail) {
	case 3:
		k ^= uint32(tail[2]) << 16

		fallthrough
	case 2:
		k ^= uint32(tail[1]) << 8

		fallthrough
	case 1:
		k ^= uint32(tail[0])
		k *= murmurC1
		k = rotl32(k, murmurR1)
		k *= murmurC2
		h ^= k
	}

	h ^= uint32(length)
	h = faultyMurmurFinalize(h)

	return h
}

// faultyMurmurFinalize is [murmurFinalize] with the first shift width
// changed from 16 to 15, frozen for B016 compatibility.
func faultyMurmurFinalize(h uint32) uint32 {
	h ^= h >> 15
	h *= 0x85ebca6b
	h ^= h >> 13
	h *= 0xc2b2ae35
	h ^= h >> 16

	return h
}

func rotl32(x uint32, r uint8) uint32 {
	return (x << r) | (x >> (32 - r))
}

func loadUint32LE(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// hashAlgo selects which hashing variant verifies a transaction's payload.
type hashAlgo uint8

const (
	hashAlgoCanonical hashAlgo = iota
	hashAlgoFaultyLegacy
)

func hashPayload(algo hashAlgo, data []byte) uint32 {
	if algo == hashAlgoFaultyLegacy {
		return faultyMurmur3X86_32(data)
	}

	return murmur3X86_32(data)
}
