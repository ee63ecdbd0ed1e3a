package microvol

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"golang.org/x/exp/constraints"
)

// DataType is the header's data_type code.
type DataType int

const (
	Uint8   DataType = 1
	Int16   DataType = 2
	Int32   DataType = 3
	Float32 DataType = 4
)

// DefaultChunkLimit caps the bytes moved by a single read or write call.
const DefaultChunkLimit = 10_000_000

// Width returns the sample width in bytes.
func (dt DataType) Width() (int, error) {
	switch dt {
	case Uint8:
		return 1, nil
	case Int16:
		return 2, nil
	case Int32, Float32:
		return 4, nil
	}
	return 0, fmt.Errorf("unsupported data_type %d", int(dt))
}

// Integer reports whether samples are stored as integers.
func (dt DataType) Integer() bool {
	return dt == Uint8 || dt == Int16 || dt == Int32
}

type sample interface {
	constraints.Integer | constraints.Float
}

func decodeChunk[T sample](r io.Reader, dst []float64) error {
	buf := make([]T, len(dst))
	if err := binary.Read(r, binary.LittleEndian, buf); err != nil {
		return err
	}
	for i, v := range buf {
		dst[i] = float64(v)
	}
	return nil
}

func encodeChunk[T sample](w io.Writer, src []float64) error {
	lo, hi := sampleRange[T]()
	buf := make([]T, len(src))
	for i, v := range src {
		if math.IsNaN(v) {
			continue
		}
		buf[i] = T(max(lo, min(hi, v)))
	}
	return binary.Write(w, binary.LittleEndian, buf)
}

// sampleRange is the representable range of T.
func sampleRange[T sample]() (lo, hi float64) {
	var zero T
	switch any(zero).(type) {
	case uint8:
		return 0, math.MaxUint8
	case int16:
		return math.MinInt16, math.MaxInt16
	case int32:
		return math.MinInt32, math.MaxInt32
	case float32:
		return -math.MaxFloat32, math.MaxFloat32
	}
	return math.Inf(-1), math.Inf(1)
}

// chunkSamples returns how many samples fit in limit bytes.
func chunkSamples(width, limit int) int {
	if limit <= 0 {
		limit = DefaultChunkLimit
	}
	n := limit / width
	if n < 1 {
		n = 1
	}
	return n
}

// ReadSamples fills dst with samples of type dt read from r, never reading
// more than limit bytes per call.
func ReadSamples(r io.Reader, dt DataType, dst []float64, limit int) error {
	width, err := dt.Width()
	if err != nil {
		return err
	}
	step := chunkSamples(width, limit)
	for ix := 0; ix < len(dst); ix += step {
		end := min(ix+step, len(dst))
		var err error
		switch dt {
		case Uint8:
			err = decodeChunk[uint8](r, dst[ix:end])
		case Int16:
			err = decodeChunk[int16](r, dst[ix:end])
		case Int32:
			err = decodeChunk[int32](r, dst[ix:end])
		case Float32:
			err = decodeChunk[float32](r, dst[ix:end])
		}
		if err != nil {
			return fmt.Errorf("error reading samples %d-%d: %w", ix, end, err)
		}
	}
	return nil
}

// WriteSamples writes src as samples of type dt, at most limit bytes per
// call. Integer types truncate toward zero. Values outside the type's range
// saturate and NaN is written as zero.
func WriteSamples(w io.Writer, dt DataType, src []float64, limit int) error {
	width, err := dt.Width()
	if err != nil {
		return err
	}
	step := chunkSamples(width, limit)
	for ix := 0; ix < len(src); ix += step {
		end := min(ix+step, len(src))
		var err error
		switch dt {
		case Uint8:
			err = encodeChunk[uint8](w, src[ix:end])
		case Int16:
			err = encodeChunk[int16](w, src[ix:end])
		case Int32:
			err = encodeChunk[int32](w, src[ix:end])
		case Float32:
			err = encodeChunk[float32](w, src[ix:end])
		}
		if err != nil {
			return fmt.Errorf("error writing samples %d-%d: %w", ix, end, err)
		}
	}
	return nil
}
