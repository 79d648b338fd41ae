package frame

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func buildFrame(t *testing.T, words []uint16, ints []int16, reals []float32) []byte {
	t.Helper()
	require.Len(t, words, WordCount)
	require.Len(t, ints, IntCount)
	require.Len(t, reals, RealCount)

	var out bytes.Buffer
	for _, v := range words {
		require.NoError(t, binary.Write(&out, binary.BigEndian, v))
	}
	for _, v := range ints {
		require.NoError(t, binary.Write(&out, binary.BigEndian, v))
	}
	for _, v := range reals {
		require.NoError(t, binary.Write(&out, binary.BigEndian, v))
	}
	require.Equal(t, Size, out.Len())
	return out.Bytes()
}

func zeroFrame(t *testing.T) ([]uint16, []int16, []float32) {
	t.Helper()
	return make([]uint16, WordCount), make([]int16, IntCount), make([]float32, RealCount)
}

func TestGateway_Frame_Decode_RoundTrip(t *testing.T) {
	t.Parallel()

	words, ints, reals := zeroFrame(t)
	words[0] = 0xBEEF
	words[64] = 42
	ints[0] = -12345
	ints[64] = 31000
	reals[0] = 1.5
	reals[256] = -273.15

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	dec, err := Decode(buildFrame(t, words, ints, reals), now)
	require.NoError(t, err)

	require.Equal(t, "2025-06-01T12:00:00Z", dec.Frame.Timestamp)
	require.Equal(t, float64(0xBEEF), dec.Frame.Variables["Word[0]"])
	require.Equal(t, float64(42), dec.Frame.Variables["Word[64]"])
	require.Equal(t, float64(-12345), dec.Frame.Variables["Int[0]"])
	require.Equal(t, float64(31000), dec.Frame.Variables["Int[64]"])
	require.Equal(t, 1.5, dec.Frame.Variables["Real[0]"])
	require.InDelta(t, -273.15, dec.Frame.Variables["Real[256]"], 0.001)

	require.Equal(t, float64(Size), dec.Frame.Variables["_total_bytes"])
	require.Equal(t, float64(WordCount), dec.Frame.Variables["_word_count"])
	require.Equal(t, float64(IntCount), dec.Frame.Variables["_int_count"])
	require.Equal(t, float64(RealCount), dec.Frame.Variables["_real_count"])
}

func TestGateway_Frame_Decode_VariableList(t *testing.T) {
	t.Parallel()

	words, ints, reals := zeroFrame(t)
	words[3] = 7
	ints[5] = -8
	reals[9] = 2.5

	dec, err := Decode(buildFrame(t, words, ints, reals), time.Now())
	require.NoError(t, err)
	require.Len(t, dec.Vars, WordCount+IntCount+RealCount)

	byName := make(map[string]Variable, len(dec.Vars))
	for _, v := range dec.Vars {
		byName[v.Name] = v
	}

	require.Equal(t, Variable{Name: "Word[3]", Value: "7", DataType: "Word"}, byName["Word[3]"])
	require.Equal(t, Variable{Name: "Int[5]", Value: "-8", DataType: "Int"}, byName["Int[5]"])
	require.Equal(t, Variable{Name: "Real[9]", Value: "2.5000", DataType: "Real"}, byName["Real[9]"])
	require.Empty(t, byName["Real[9]"].Unit)
}

func TestGateway_Frame_Decode_NonFiniteReals(t *testing.T) {
	t.Parallel()

	words, ints, reals := zeroFrame(t)
	reals[0] = float32(math.NaN())
	reals[1] = float32(math.Inf(1))
	reals[2] = float32(math.Inf(-1))

	dec, err := Decode(buildFrame(t, words, ints, reals), time.Now())
	require.NoError(t, err)

	for _, name := range []string{"Real[0]", "Real[1]", "Real[2]"} {
		require.Equal(t, 0.0, dec.Frame.Variables[name])
	}
	for _, v := range dec.Vars {
		if v.Name == "Real[0]" || v.Name == "Real[1]" || v.Name == "Real[2]" {
			require.Equal(t, "0.0", v.Value)
		}
	}
}

func TestGateway_Frame_Decode_ShortFrame(t *testing.T) {
	t.Parallel()

	_, err := Decode(make([]byte, Size-1), time.Now())
	require.ErrorIs(t, err, ErrShortFrame)

	_, err = Decode(nil, time.Now())
	require.ErrorIs(t, err, ErrShortFrame)
}

func TestGateway_Frame_Decode_IgnoresTrailingBytes(t *testing.T) {
	t.Parallel()

	words, ints, reals := zeroFrame(t)
	words[0] = 11
	buf := append(buildFrame(t, words, ints, reals), 0xFF, 0xFF, 0xFF)

	dec, err := Decode(buf, time.Now())
	require.NoError(t, err)
	require.Equal(t, float64(11), dec.Frame.Variables["Word[0]"])
}
