// Package proof builds and verifies the Merkle-rooted proof bundle
// described in spec.md §4.7: a tamper-evident summary of a run's
// inputs, outputs, policy, and transcript, each leaf a domain-separated
// digest and the whole tree rooted under the "pb:" hash domain.
package proof

import (
	"github.com/reach-labs/reachengine/internal/digest"
)

// hashPair combines two node digests into their parent using the
// proof-bundle hash domain, giving internal nodes a distinct hash
// space from leaf content digests.
func hashPair(a, b digest.Digest) (digest.Digest, error) {
	buf := make([]byte, 0, digest.Size*2)
	buf = append(buf, a[:]...)
	buf = append(buf, b[:]...)
	return digest.HashDomain(digest.DomainProofBundle, buf)
}

// buildMerkleRoot constructs a Merkle tree bottom-up from leaves and
// returns the root. Leaves are hashed in the order given by the
// caller (BuildLeaves fixes that order to inputs, outputs, policy,
// transcript, per spec.md §4.7) — determinism requires the caller
// never reorder them between runs. An odd node at any level is paired
// with itself rather than dropped, so tree shape stays a function of
// leaf count alone.
func buildMerkleRoot(leaves []digest.Digest) (digest.Digest, error) {
	if len(leaves) == 0 {
		return digest.Digest{}, nil
	}
	level := make([]digest.Digest, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		next := make([]digest.Digest, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			var (
				parent digest.Digest
				err    error
			)
			if i+1 < len(level) {
				parent, err = hashPair(level[i], level[i+1])
			} else {
				parent, err = hashPair(level[i], level[i])
			}
			if err != nil {
				return digest.Digest{}, err
			}
			next = append(next, parent)
		}
		level = next
	}
	return level[0], nil
}
