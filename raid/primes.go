package raid

// primeSTable computes, for a PRIME-S layout of n disks with stripe width
// k (data+parity chunks per stripe), the disk index used by each chunk
// position of each stripe, declustered so that any f failed disks lose at
// most one chunk per stripe (spec.md §4.3). The permutation repeats with
// period n, so only n rows need to be memoized; this mirrors
// original_source's vdev_raid permutation cache (see SPEC_FULL.md).
type primeSTable struct {
	k, f, n int
	prime   int
	rows    [][]int // rows[stripe % n][chunk] = disk index
}

// isPrime is a trial-division primality test; tables are tiny (n < a few
// hundred) so this is never a hot path.
func isPrime(x int) bool {
	if x < 2 {
		return false
	}
	for i := 2; i*i <= x; i++ {
		if x%i == 0 {
			return false
		}
	}
	return true
}

// smallestPrimeCoprimeTo returns the smallest prime p >= 2 such that
// gcd(p, n) == 1, guaranteeing the permutation i -> (base + i*p) mod n
// visits n distinct disks before repeating.
func smallestPrimeCoprimeTo(n int) int {
	for p := 2; ; p++ {
		if !isPrime(p) {
			continue
		}
		if gcd(p, n) == 1 {
			return p
		}
	}
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func newPrimeSTable(k, f, n int) *primeSTable {
	t := &primeSTable{k: k, f: f, n: n, prime: smallestPrimeCoprimeTo(n)}
	t.rows = make([][]int, n)
	for s := 0; s < n; s++ {
		row := make([]int, k)
		base := s % n
		for i := 0; i < k; i++ {
			row[i] = (base + i*t.prime) % n
		}
		t.rows[s] = row
	}
	return t
}

// disksForStripe returns the n-indexed disk assignment of each of the k
// chunk positions in the given stripe.
func (t *primeSTable) disksForStripe(stripe uint64) []int {
	return t.rows[int(stripe%uint64(t.n))]
}
