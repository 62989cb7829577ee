package melange

import (
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/holiman/bloomfilter/v2"
)

// bloomMinKeys is the threshold below which a leaf's Bloom filter is
// skipped entirely, per spec.md §4.H: "Not required for correctness; skip
// if the leaf has fewer than a small threshold of keys." Below this size a
// linear scan of the leaf's sorted map is already essentially free, so the
// filter would only add memory and build cost.
const bloomMinKeys = 8

// leafBloom wraps github.com/holiman/bloomfilter/v2 (the same package used
// for account/storage negative lookups in the go-ethereum forks in the
// retrieved pack — see SPEC_FULL.md's dependency table) sized for one
// leaf's key count at the configured false-positive rate.
type leafBloom struct {
	filter *bloomfilter.Filter
}

// bloomHash hashes a leaf key into the uint64 input bloomfilter.Filter
// expects, via xxhash (already a dependency pulled in by the pack's
// preindex/bsc usages for exactly this kind of fast non-cryptographic
// hashing).
func bloomHash(key []byte) uint64 {
	return xxhash.Sum64(key)
}

// newLeafBloom builds a filter sized for n keys at the given target
// false-positive rate, or returns nil if n is below bloomMinKeys.
func newLeafBloom(keys [][]byte, falsePositiveRate float64) *leafBloom {
	n := uint64(len(keys))
	if n < bloomMinKeys {
		return nil
	}

	m, k := bloomParams(n, falsePositiveRate)

	f, err := bloomfilter.New(m, k)
	if err != nil {
		// bloomfilter.New only fails on m==0 or k==0, which bloomParams
		// never produces for n >= bloomMinKeys; treat as a logic bug
		// rather than a runtime condition callers must handle.
		panic("melange: bloom filter sizing produced invalid params")
	}

	for _, key := range keys {
		f.AddHash(bloomHash(key))
	}

	return &leafBloom{filter: f}
}

// maybeContains reports whether key might be present. false means key is
// definitely absent (no false negatives, spec.md §8 property 8); true means
// "check the sorted map".
func (b *leafBloom) maybeContains(key []byte) bool {
	if b == nil {
		return true
	}

	return b.filter.ContainsHash(bloomHash(key))
}

// bloomParams computes the standard optimal bit-array size m and hash-function
// count k for n items at target false-positive rate p:
//
//	m = ceil(-n * ln(p) / ln(2)^2)
//	k = round(m/n * ln(2))
func bloomParams(n uint64, p float64) (m, k uint64) {
	nf := float64(n)

	mf := math.Ceil(-nf * math.Log(p) / (math.Ln2 * math.Ln2))
	if mf < 1 {
		mf = 1
	}

	kf := math.Round((mf / nf) * math.Ln2)
	if kf < 1 {
		kf = 1
	}

	return uint64(mf), uint64(kf)
}
