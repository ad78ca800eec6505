package archive

import (
	"testing"

	"github.com/gridmaster/etm-worker/internal/worker/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild_RoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		curves []domain.CurveResult
	}{
		{
			name: "three curves with content",
			curves: []domain.CurveResult{
				{Kind: domain.CurveMeritOrder, Content: []byte("hour,price\n1,42.0\n2,40.5\n")},
				{Kind: domain.CurveNetworkGas, Content: []byte("hour,flow\n1,3\n")},
				{Kind: domain.CurveHydrogen, Content: []byte("hour,flow\n1,0.25\n")},
			},
		},
		{
			name: "zero length entry",
			curves: []domain.CurveResult{
				{Kind: domain.CurveMeritOrder, Content: []byte("hour,price\n")},
				{Kind: domain.CurveNetworkGas, Content: []byte{}},
				{Kind: domain.CurveHydrogen, Content: nil},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Build(tt.curves)
			require.NoError(t, err)
			require.NotEmpty(t, data)

			entries, err := Read(data)
			require.NoError(t, err)
			require.Len(t, entries, len(tt.curves))

			for i, curve := range tt.curves {
				assert.Equal(t, curve.FileName(), entries[i].Name)
				assert.Equal(t, int64(len(curve.Content)), entries[i].Size)
				assert.Equal(t, len(curve.Content), len(entries[i].Content))
				if len(curve.Content) > 0 {
					assert.Equal(t, curve.Content, entries[i].Content)
				}
			}
		})
	}
}

func TestBuild_EntryNamesInOrder(t *testing.T) {
	var curves []domain.CurveResult
	for _, kind := range domain.CurveKinds() {
		curves = append(curves, domain.CurveResult{Kind: kind, Content: []byte(string(kind))})
	}

	data, err := Build(curves)
	require.NoError(t, err)

	entries, err := Read(data)
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"merit_order.csv", "network_gas.csv", "hydrogen.csv"}, names)
}

func TestBuild_Deterministic(t *testing.T) {
	curves := []domain.CurveResult{
		{Kind: domain.CurveMeritOrder, Content: []byte("a,b\n1,2\n")},
	}

	first, err := Build(curves)
	require.NoError(t, err)
	second, err := Build(curves)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestRead_InvalidData(t *testing.T) {
	_, err := Read([]byte("not a gzip stream"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open gzip stream")
}
