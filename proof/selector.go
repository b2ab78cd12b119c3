package proof

// fnvOffsetBasis and fnvPrime are the 32-bit FNV-1a constants. Using
// uint32 arithmetic throughout gives the mandatory 32-bit wraparound
// ("x >>> 0" in the reference implementation) without needing an explicit
// mask after every multiply.
const (
	fnvOffsetBasis uint32 = 2166136261
	fnvPrime       uint32 = 16777619
)

// Selector is the FNV-1a index selector: given a hex string and a modulus
// n, it returns a deterministic pseudo-random index in [0, n). It must stay
// bit-identical to the reference implementation — validator and responder
// both run it locally and have to land on the same block indices, or every
// proof verification fails. For n <= 1 it returns 0 rather than dividing by
// zero or one.
func Selector(h string, n int) int {
	if n <= 1 {
		return 0
	}
	x := fnvOffsetBasis
	for i := 0; i < len(h); i++ {
		x = (x ^ uint32(h[i])) * fnvPrime
	}
	return int(x % uint32(n))
}
