package decoder

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyframeTableRoundTrip(t *testing.T) {
	table := KeyframeTable{
		Positions:  []int64{0, 30, 60, 90},
		Timestamps: []float64{0, 1.001, 2.002, 3.003},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteKeyframeTable(&buf, table))

	got, err := ReadKeyframeTable(&buf)
	require.NoError(t, err)
	require.Equal(t, table.Positions, got.Positions)
	require.InDeltaSlice(t, table.Timestamps, got.Timestamps, 1e-9)
}

func TestReadKeyframeTableEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteKeyframeTable(&buf, KeyframeTable{}))

	got, err := ReadKeyframeTable(&buf)
	require.NoError(t, err)
	require.Empty(t, got.Positions)
	require.Empty(t, got.Timestamps)
}
