package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farmcc/farmcc/pkg/types"
)

var baseSource = []byte("int main(){return 0;}\n")

func baseFlags() *types.FlagSet {
	return &types.FlagSet{
		Compiler: types.CompilerID{Path: "clang", Version: "3.4"},
		Input:    "a.cc",
		Output:   "a.o",
		Other:    []string{"-cc1", "-emit-obj", "-triple", "x86_64-unknown-linux-gnu"},
		Action:   types.ActionCompile,
	}
}

func TestComputeDeterministic(t *testing.T) {
	d1 := Compute(baseSource, baseFlags())
	d2 := Compute(baseSource, baseFlags())
	assert.Equal(t, d1, d2)
	assert.False(t, d1.IsZero())
}

func TestComputeInvariantUnderOtherPermutation(t *testing.T) {
	a := baseFlags()
	b := baseFlags()
	b.Other = []string{"-triple", "x86_64-unknown-linux-gnu", "-emit-obj", "-cc1"}
	assert.Equal(t, Compute(baseSource, a), Compute(baseSource, b))
}

func TestComputeIgnoresNonCachedFlags(t *testing.T) {
	a := baseFlags()
	a.NonCached = []string{"-coverage-file", "/tmp/a.o"}
	b := baseFlags()
	b.NonCached = []string{"-coverage-file", "/tmp/b.o", "-main-file-name", "b.cc"}
	assert.Equal(t, Compute(baseSource, a), Compute(baseSource, b))
}

func TestComputeIgnoresOutputPath(t *testing.T) {
	a := baseFlags()
	b := baseFlags()
	b.Output = "elsewhere/b.o"
	assert.Equal(t, Compute(baseSource, a), Compute(baseSource, b))
}

func TestComputeSensitiveToSource(t *testing.T) {
	a := Compute(baseSource, baseFlags())
	b := Compute([]byte("int main(){return 1;}\n"), baseFlags())
	assert.NotEqual(t, a, b)
}

func TestComputeSensitiveToCacheableFlags(t *testing.T) {
	a := baseFlags()
	b := baseFlags()
	b.Other = append(b.Other, "-fexceptions")
	assert.NotEqual(t, Compute(baseSource, a), Compute(baseSource, b))
}

func TestComputeSensitiveToCompilerIdentity(t *testing.T) {
	a := baseFlags()
	b := baseFlags()
	b.Compiler.Version = "3.5"
	assert.NotEqual(t, Compute(baseSource, a), Compute(baseSource, b))

	c := baseFlags()
	c.Compiler.Path = "/usr/local/bin/clang"
	assert.NotEqual(t, Compute(baseSource, a), Compute(baseSource, c))
}

func TestBinaryHashOverridesPath(t *testing.T) {
	a := baseFlags()
	a.Compiler.BinaryHash = "feedface"
	b := baseFlags()
	b.Compiler.Path = "/somewhere/else/clang"
	b.Compiler.BinaryHash = "feedface"
	assert.Equal(t, Compute(baseSource, a), Compute(baseSource, b))
}

func TestFlagBoundariesDoNotAlias(t *testing.T) {
	// "-ab" + "c" must not hash like "-a" + "bc".
	a := baseFlags()
	a.Other = []string{"-ab", "c"}
	b := baseFlags()
	b.Other = []string{"-a", "bc"}
	assert.NotEqual(t, Compute(baseSource, a), Compute(baseSource, b))
}

func TestStreamingMatchesOneShot(t *testing.T) {
	h := New(baseFlags())
	for i := 0; i < len(baseSource); i += 5 {
		end := i + 5
		if end > len(baseSource) {
			end = len(baseSource)
		}
		_, err := h.Write(baseSource[i:end])
		require.NoError(t, err)
	}
	assert.Equal(t, Compute(baseSource, baseFlags()), h.Sum())
}

func TestPayloadDigest(t *testing.T) {
	a := Payload([]byte("object bytes"))
	b := Payload([]byte("object bytes"))
	c := Payload([]byte("other bytes"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
