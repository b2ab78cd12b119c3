// Package proof implements the Proof-of-Access algorithm: deterministic
// block selection, proof composition, proof verification, salt
// construction, and commitment hashing. It is the one package in this
// module that both the Challenge Responder and the Challenge Issuer import
// directly — any divergence between their copies of this algorithm (hash
// function, concatenation order, salt encoding, selector arithmetic) causes
// universal verification failure across the whole network, so everything
// here is written straight off spec.md §4.A rather than approximated.
package proof

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// maxBlocksSampled bounds how many blocks a proof touches regardless of how
// large the blob is — five SHA-256 reads is enough to make faking storage
// statistically untenable without requiring a full-blob transfer per round.
const maxBlocksSampled = 5

// BlockFetcher is the subset of the block-store client the proof algorithm
// needs. blockstore.Client satisfies it; tests use a fake.
type BlockFetcher interface {
	// Refs returns the recursive block-CID list for cid, one entry per
	// sub-block. An empty, nil-error result means cid is a small-file blob
	// with no sub-blocks.
	Refs(ctx context.Context, cid string) ([]string, error)
	// Cat returns the full blob bytes (small-file path only).
	Cat(ctx context.Context, cid string) ([]byte, error)
	// BlockGet returns the raw bytes of a single block CID.
	BlockGet(ctx context.Context, blockCid string) ([]byte, error)
}

// Commitment is the fast, local-only proof of residency computed in phase 1
// of the challenge protocol: a hash over the sorted block-CID list, which
// two honest nodes holding the same CID compute identically regardless of
// refs enumeration order.
type Commitment struct {
	BlockCount    int
	BlockListHash string
}

// ComputeCommitment enumerates cid's blocks and hashes the sorted list.
func ComputeCommitment(ctx context.Context, f BlockFetcher, cid string) (Commitment, error) {
	refs, err := f.Refs(ctx, cid)
	if err != nil {
		return Commitment{}, fmt.Errorf("refs %s: %w", cid, err)
	}
	return Commitment{
		BlockCount:    len(refs),
		BlockListHash: blockListHash(refs, cid),
	}, nil
}

func blockListHash(blockCids []string, cid string) string {
	sorted := append([]string(nil), blockCids...)
	sort.Strings(sorted)
	h := sha256.Sum256([]byte(strings.Join(sorted, ":") + ":" + cid))
	return hex.EncodeToString(h[:])
}

// ComposeProof runs the full two-path proof algorithm for cid under salt:
// the small-file path when cid has no sub-blocks, the multi-block sampling
// path otherwise. The returned hash is what gets published as proofHash.
func ComposeProof(ctx context.Context, f BlockFetcher, cid, salt string) (string, error) {
	refs, err := f.Refs(ctx, cid)
	if err != nil {
		return "", fmt.Errorf("refs %s: %w", cid, err)
	}
	if len(refs) == 0 {
		return composeSmallFile(ctx, f, cid, salt)
	}
	return composeMultiBlock(ctx, f, refs, salt)
}

func composeSmallFile(ctx context.Context, f BlockFetcher, cid, salt string) (string, error) {
	blob, err := f.Cat(ctx, cid)
	if err != nil {
		return "", fmt.Errorf("cat %s: %w", cid, err)
	}
	h := sha256.Sum256(append(append([]byte(nil), blob...), []byte(salt)...))
	return hex.EncodeToString(h[:]), nil
}

func composeMultiBlock(ctx context.Context, f BlockFetcher, refs []string, salt string) (string, error) {
	indices := selectBlockIndices(salt, len(refs))

	// Fetch concurrently but keep each result in its selection slot so a
	// slow fetch can't reorder the final concatenation.
	blocks := make([][]byte, len(indices))
	errs := make([]error, len(indices))
	done := make(chan int, len(indices))
	for slot, idx := range indices {
		go func(slot, idx int) {
			b, err := f.BlockGet(ctx, refs[idx])
			blocks[slot] = b
			errs[slot] = err
			done <- slot
		}(slot, idx)
	}
	for range indices {
		<-done
	}
	for _, err := range errs {
		if err != nil {
			return "", fmt.Errorf("block get: %w", err)
		}
	}

	var perBlock strings.Builder
	for _, b := range blocks {
		h := sha256.Sum256(append(append([]byte(nil), b...), []byte(salt)...))
		perBlock.WriteString(hex.EncodeToString(h[:]))
	}
	final := sha256.Sum256([]byte(perBlock.String()))
	return hex.EncodeToString(final[:]), nil
}

// selectBlockIndices walks the deterministic selection chain described in
// spec.md §4.A: seed = Selector(salt, L); each step folds the running hash
// chain back into the salt before picking the next seed, so the sequence of
// indices cannot be predicted without replaying the same hashing.
func selectBlockIndices(salt string, l int) []int {
	seed := Selector(salt, l)
	var tmp strings.Builder
	var indices []int
	maxIter := maxBlocksSampled
	if l < maxIter {
		maxIter = l
	}
	for i := 0; i < maxIter && seed < l; i++ {
		indices = append(indices, seed)
		h := sha256.Sum256([]byte(fmt.Sprintf("block_%d_%s", seed, salt)))
		tmp.WriteString(hex.EncodeToString(h[:]))
		seed += Selector(salt+tmp.String(), l)
	}
	return indices
}

// VerifyProof independently recomputes the proof from the verifier's own
// copy of the blob/blocks and compares hex-equal against claimed.
func VerifyProof(ctx context.Context, f BlockFetcher, cid, salt, claimed string) (bool, error) {
	got, err := ComposeProof(ctx, f, cid, salt)
	if err != nil {
		return false, err
	}
	return got == claimed, nil
}
