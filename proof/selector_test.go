package proof

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSelectorIsTotalFunction(t *testing.T) {
	inputs := []string{"", "a", "deadbeef", "0123456789abcdef0123456789abcdef"}
	for _, h := range inputs {
		for n := 2; n <= 50; n++ {
			got := Selector(h, n)
			require.GreaterOrEqualf(t, got, 0, "selector(%q, %d)", h, n)
			require.Lessf(t, got, n, "selector(%q, %d)", h, n)
		}
	}
}

func TestSelectorZeroForModulusAtMostOne(t *testing.T) {
	require.Equal(t, 0, Selector("deadbeef", 0))
	require.Equal(t, 0, Selector("deadbeef", 1))
	require.Equal(t, 0, Selector("", 1))
}

func TestSelectorDeterministic(t *testing.T) {
	a := Selector("abc123", 17)
	b := Selector("abc123", 17)
	require.Equal(t, a, b)
}
