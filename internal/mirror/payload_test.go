package mirror

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGoldie(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

// The stored payload outlives releases; its layout must not drift.
func TestEncode_Golden(t *testing.T) {
	data, err := Encode(sampleState())
	require.NoError(t, err)

	newGoldie(t).Assert(t, "payload_v2", data)
}

func TestDecode_GoldenRoundTrip(t *testing.T) {
	data, err := Encode(sampleState())
	require.NoError(t, err)

	state, skipped, err := Decode(data)
	require.NoError(t, err)
	require.NoError(t, skipped)
	assert.Equal(t, sampleState(), state)
}
