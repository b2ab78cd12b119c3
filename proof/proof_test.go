package proof

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeFetcher is an in-memory BlockFetcher: refs[cid] gives the sub-block
// list (nil/empty means a small-file blob), blocks/blobs hold the bytes.
type fakeFetcher struct {
	refs   map[string][]string
	blocks map[string][]byte
	blobs  map[string][]byte
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		refs:   map[string][]string{},
		blocks: map[string][]byte{},
		blobs:  map[string][]byte{},
	}
}

func (f *fakeFetcher) Refs(ctx context.Context, cid string) ([]string, error) {
	return f.refs[cid], nil
}

func (f *fakeFetcher) Cat(ctx context.Context, cid string) ([]byte, error) {
	return f.blobs[cid], nil
}

func (f *fakeFetcher) BlockGet(ctx context.Context, blockCid string) ([]byte, error) {
	return f.blocks[blockCid], nil
}

func blockRefs(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("baf%056d", i)
	}
	return out
}

func TestComputeCommitmentOrderIndependent(t *testing.T) {
	f := newFakeFetcher()
	refs := blockRefs(4)
	reversed := append([]string(nil), refs...)
	for i, j := 0, len(reversed)-1; i < j; i, j = i+1, j-1 {
		reversed[i], reversed[j] = reversed[j], reversed[i]
	}

	f.refs["cidA"] = refs
	a, err := ComputeCommitment(context.Background(), f, "cidA")
	require.NoError(t, err)

	f.refs["cidA"] = reversed
	b, err := ComputeCommitment(context.Background(), f, "cidA")
	require.NoError(t, err)

	require.Equal(t, a.BlockCount, b.BlockCount)
	require.Equal(t, a.BlockListHash, b.BlockListHash)
}

func TestComposeProofSmallFileBranch(t *testing.T) {
	f := newFakeFetcher()
	f.blobs["cidSmall"] = []byte("hello world")

	got, err := ComposeProof(context.Background(), f, "cidSmall", "saltvalue")
	require.NoError(t, err)
	require.NotEmpty(t, got)

	again, err := ComposeProof(context.Background(), f, "cidSmall", "saltvalue")
	require.NoError(t, err)
	require.Equal(t, got, again)

	other, err := ComposeProof(context.Background(), f, "cidSmall", "differentsalt")
	require.NoError(t, err)
	require.NotEqual(t, got, other)
}

func TestComposeProofDeterministicAcrossHonestNodes(t *testing.T) {
	refs := blockRefs(10)
	blob := map[string][]byte{}
	for _, r := range refs {
		blob[r] = []byte("content-of-" + r)
	}

	nodeA := newFakeFetcher()
	nodeA.refs["cidBig"] = refs
	nodeA.blocks = blob

	nodeB := newFakeFetcher()
	// Node B enumerates refs in a different order; same underlying set.
	shuffled := append([]string(nil), refs...)
	shuffled[0], shuffled[len(shuffled)-1] = shuffled[len(shuffled)-1], shuffled[0]
	nodeB.refs["cidBig"] = shuffled
	nodeB.blocks = blob

	salt := "sharedsalt123"
	a, err := ComposeProof(context.Background(), nodeA, "cidBig", salt)
	require.NoError(t, err)
	b, err := ComposeProof(context.Background(), nodeB, "cidBig", salt)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestSelectBlockIndicesBoundaryBehavior(t *testing.T) {
	// L = 1: must fetch exactly one block, never loop indefinitely.
	indices := selectBlockIndices("anysalt", 1)
	require.Len(t, indices, 1)
	require.Equal(t, []int{0}, indices)

	// L >= 6: capped at exactly min(5, L) = 5 blocks.
	indices = selectBlockIndices("anysalt", 6)
	require.Len(t, indices, 5)

	indices = selectBlockIndices("anysalt", 100)
	require.Len(t, indices, 5)

	for _, idx := range indices {
		require.GreaterOrEqual(t, idx, 0)
		require.Less(t, idx, 100)
	}
}

func TestSelectBlockIndicesZeroLength(t *testing.T) {
	indices := selectBlockIndices("anysalt", 0)
	require.Empty(t, indices)
}

func TestVerifyProofRoundTrip(t *testing.T) {
	f := newFakeFetcher()
	refs := blockRefs(3)
	f.refs["cid1"] = refs
	for _, r := range refs {
		f.blocks[r] = []byte("data-" + r)
	}

	salt := "verifysalt"
	proof, err := ComposeProof(context.Background(), f, "cid1", salt)
	require.NoError(t, err)

	ok, err := VerifyProof(context.Background(), f, "cid1", salt, proof)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = VerifyProof(context.Background(), f, "cid1", salt, "deadbeef")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestValidCID(t *testing.T) {
	require.True(t, ValidCID("Qm"+stringsRepeat("a", 44)))
	require.True(t, ValidCID("baf"+stringsRepeat("a", 56)))
	require.False(t, ValidCID("not-a-cid"))
	require.False(t, ValidCID(""))
	require.False(t, ValidCID("Qm../../../etc/passwd"))
}

func stringsRepeat(s string, n int) string {
	out := make([]byte, 0, n*len(s))
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}
