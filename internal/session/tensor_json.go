package session

import (
	"fmt"
	"math"
	"strconv"

	json "github.com/goccy/go-json"
)

// Non-finite values have no JSON number form. They travel as the strings
// "NaN", "+Inf" and "-Inf" inside an otherwise numeric array.
const (
	jsonNaN    = "NaN"
	jsonPosInf = "+Inf"
	jsonNegInf = "-Inf"
)

type f32Values []float32

type jsonTensor struct {
	DType DType     `json:"dtype"`
	Shape []int     `json:"shape"`
	F32   f32Values `json:"f32,omitempty"`
	U8    []byte    `json:"u8,omitempty"`
}

func (t Tensor) MarshalJSON() ([]byte, error) {
	return json.Marshal(jsonTensor{DType: t.DType, Shape: t.Shape, F32: t.F32, U8: t.U8})
}

func (t *Tensor) UnmarshalJSON(data []byte) error {
	var jt jsonTensor
	if err := json.Unmarshal(data, &jt); err != nil {
		return err
	}
	*t = Tensor{DType: jt.DType, Shape: jt.Shape, F32: jt.F32, U8: jt.U8}
	return nil
}

func (v f32Values) MarshalJSON() ([]byte, error) {
	buf := make([]byte, 0, 2+len(v)*8)
	buf = append(buf, '[')
	for i, f := range v {
		if i > 0 {
			buf = append(buf, ',')
		}
		x := float64(f)
		switch {
		case math.IsNaN(x):
			buf = strconv.AppendQuote(buf, jsonNaN)
		case math.IsInf(x, 1):
			buf = strconv.AppendQuote(buf, jsonPosInf)
		case math.IsInf(x, -1):
			buf = strconv.AppendQuote(buf, jsonNegInf)
		default:
			buf = strconv.AppendFloat(buf, x, 'g', -1, 32)
		}
	}
	return append(buf, ']'), nil
}

func (v *f32Values) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*v = nil
		return nil
	}
	out := make([]float32, len(raw))
	for i, r := range raw {
		if len(r) > 0 && r[0] == '"' {
			var s string
			if err := json.Unmarshal(r, &s); err != nil {
				return err
			}
			switch s {
			case jsonNaN:
				out[i] = float32(math.NaN())
			case jsonPosInf:
				out[i] = float32(math.Inf(1))
			case jsonNegInf:
				out[i] = float32(math.Inf(-1))
			default:
				return fmt.Errorf("f32[%d]: unexpected value %q", i, s)
			}
			continue
		}
		f, err := strconv.ParseFloat(string(r), 32)
		if err != nil {
			return fmt.Errorf("f32[%d]: %w", i, err)
		}
		out[i] = float32(f)
	}
	*v = out
	return nil
}
