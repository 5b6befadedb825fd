package job

import "sort"

// SuffixDelta computes the suffixes that differ between a local and a peer
// manifest when restricted to the keys relevant to a single job (the job's
// frag_index and the Durable key). A suffix is "out of sync" if either side
// is missing a relevant key the other has, or if a shared key's hash value
// disagrees.
//
// Grounded on nixcacheindex's GenerateDeltas two-pointer merge over sorted
// hash lists; here the "list" is the sorted suffix key set and the
// comparison is a per-key submap equality check instead of a hash equality
// check.
func SuffixDelta(local, peer Manifest, keys []FragKey) []string {
	localSuffixes := local.Suffixes()
	peerSuffixes := peer.Suffixes()

	sort.Strings(localSuffixes)
	sort.Strings(peerSuffixes)

	var out []string

	i, j := 0, 0

	for i < len(localSuffixes) && j < len(peerSuffixes) {
		ls, ps := localSuffixes[i], peerSuffixes[j]

		switch {
		case ls < ps:
			// Local has this suffix, peer doesn't: it's out of sync unless
			// the local submap has nothing under the relevant keys.
			if restrictedNonEmpty(local[ls], keys) {
				out = append(out, ls)
			}

			i++
		case ls > ps:
			if restrictedNonEmpty(peer[ps], keys) {
				out = append(out, ps)
			}

			j++
		default:
			if !restrictedEqual(local[ls], peer[ps], keys) {
				out = append(out, ls)
			}

			i++
			j++
		}
	}

	for ; i < len(localSuffixes); i++ {
		if restrictedNonEmpty(local[localSuffixes[i]], keys) {
			out = append(out, localSuffixes[i])
		}
	}

	for ; j < len(peerSuffixes); j++ {
		if restrictedNonEmpty(peer[peerSuffixes[j]], keys) {
			out = append(out, peerSuffixes[j])
		}
	}

	return out
}

func restrictedNonEmpty(h SuffixHashes, keys []FragKey) bool {
	for _, k := range keys {
		if _, ok := h[k]; ok {
			return true
		}
	}

	return false
}

func restrictedEqual(a, b SuffixHashes, keys []FragKey) bool {
	for _, k := range keys {
		av, aok := a[k]
		bv, bok := b[k]

		if aok != bok || av != bv {
			return false
		}
	}

	return true
}
