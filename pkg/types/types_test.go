package types

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDigestFromParts(t *testing.T) {
	d := DigestFromParts(0x0102030405060708, 0x090a0b0c0d0e0f10)
	assert.Equal(t, "0102030405060708090a0b0c0d0e0f10", d.Hex())
}

func TestDigestRoundTrip(t *testing.T) {
	d := DigestFromParts(0xdeadbeefcafef00d, 0x0123456789abcdef)
	parsed, err := ParseDigest(d.Hex())
	require.NoError(t, err)
	assert.Equal(t, d, parsed)
}

func TestParseDigestRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"short", "abcd"},
		{"long", strings.Repeat("ab", DigestSize+1)},
		{"non-hex", strings.Repeat("zz", DigestSize)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDigest(tt.in)
			assert.Error(t, err)
		})
	}
}

func TestDigestShard(t *testing.T) {
	d := DigestFromParts(0xab00000000000000, 0)
	prefix, rest := d.Shard()
	assert.Equal(t, "ab", prefix)
	assert.Equal(t, d.Hex()[2:], rest)
	assert.Len(t, prefix+rest, DigestSize*2)
}

func TestActionString(t *testing.T) {
	assert.Equal(t, "compile", ActionCompile.String())
	assert.Equal(t, "preprocess", ActionPreprocess.String())
	assert.Equal(t, "unknown", ActionUnknown.String())
}

func TestFlagSetCacheable(t *testing.T) {
	f := &FlagSet{Action: ActionCompile}
	assert.True(t, f.Cacheable())
	f.Action = ActionPreprocess
	assert.False(t, f.Cacheable())
	f.Action = ActionUnknown
	assert.False(t, f.Cacheable())
}

func TestBuildStatusString(t *testing.T) {
	assert.Equal(t, "OK", StatusOK.String())
	assert.Equal(t, "BUILD_FAILED", StatusBuildFailed.String())
	assert.Equal(t, "INTERNAL", StatusInternal.String())
}
