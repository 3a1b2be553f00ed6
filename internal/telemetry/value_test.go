package telemetry

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueText(t *testing.T) {
	tests := []struct {
		v    Value
		want string
	}{
		{Int(1001), "1001"},
		{Float(1001), "1001.0"},
		{Float(1001.25), "1001.25"},
		{Float(1.5), "1.5"},
		{Float(0), "0.0"},
		{Float(0.0001), "0.0001"},
		{Float(0.00001), "1e-05"},
		{Float(1.5e-7), "1.5e-07"},
		{Float(1e15), "1000000000000000.0"},
		{Float(1e16), "1e+16"},
		{Float(123456789012345678), "1.2345678901234568e+17"},
		{Float(math.Inf(1)), "inf"},
		{Float(math.Inf(-1)), "-inf"},
		{Float(math.NaN()), "nan"},
		{Bool(true), "true"},
		{String("x"), "x"},
		{Null(), ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.v.Text(), tt.v.String())
	}
}

func TestAdd(t *testing.T) {
	v, ok := Add(Int(1000), Int(1))
	require.True(t, ok)
	assert.Equal(t, Int(1001), v)

	v, ok = Add(Int(1000), Float(0.5))
	require.True(t, ok)
	assert.Equal(t, Float(1000.5), v)

	v, ok = Add(Int(math.MaxInt64), Int(1))
	require.True(t, ok)
	assert.Equal(t, KindFloat, v.Kind())

	_, ok = Add(String("1"), Int(1))
	assert.False(t, ok)
}

func TestValueJSONKeepsTags(t *testing.T) {
	in := map[string]Value{
		"s": String("7"),
		"i": Int(7),
		"f": Float(7),
		"b": Bool(false),
		"n": Null(),
	}
	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out map[string]Value
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}
