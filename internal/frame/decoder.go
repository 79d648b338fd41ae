package frame

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Decode parses the first Size bytes of buf into both frame views. The
// timestamp on the emitted Frame comes from now so callers control the
// clock. Decode performs no I/O and takes no locks.
func Decode(buf []byte, now time.Time) (*Decoded, error) {
	if len(buf) < Size {
		return nil, fail(len(buf))
	}

	variables := make(map[string]float64, WordCount+IntCount+RealCount+4)
	vars := make([]Variable, 0, WordCount+IntCount+RealCount)

	for i := 0; i < WordCount; i++ {
		v := binary.BigEndian.Uint16(buf[wordRegionOffset+2*i:])
		name := fmt.Sprintf("Word[%d]", i)
		variables[name] = float64(v)
		vars = append(vars, Variable{
			Name:     name,
			Value:    strconv.FormatUint(uint64(v), 10),
			DataType: "Word",
		})
	}

	for i := 0; i < IntCount; i++ {
		v := int16(binary.BigEndian.Uint16(buf[intRegionOffset+2*i:]))
		name := fmt.Sprintf("Int[%d]", i)
		variables[name] = float64(v)
		vars = append(vars, Variable{
			Name:     name,
			Value:    strconv.FormatInt(int64(v), 10),
			DataType: "Int",
		})
	}

	for i := 0; i < RealCount; i++ {
		bits := binary.BigEndian.Uint32(buf[realRegionOffset+4*i:])
		v := float64(math.Float32frombits(bits))
		name := fmt.Sprintf("Real[%d]", i)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			// The PLC occasionally sends uninitialized reals; they are
			// substituted so downstream JSON encoding never fails.
			variables[name] = 0.0
			vars = append(vars, Variable{Name: name, Value: "0.0", DataType: "Real"})
			continue
		}
		variables[name] = v
		vars = append(vars, Variable{
			Name:     name,
			Value:    strconv.FormatFloat(v, 'f', 4, 64),
			DataType: "Real",
		})
	}

	variables["_total_bytes"] = float64(Size)
	variables["_word_count"] = float64(WordCount)
	variables["_int_count"] = float64(IntCount)
	variables["_real_count"] = float64(RealCount)

	return &Decoded{
		Frame: Frame{
			Timestamp: now.UTC().Format(time.RFC3339),
			Variables: variables,
		},
		Vars: vars,
	}, nil
}
