package archive

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"denoiseg/internal/models"
)

// Tensor files hold a repeated message field 1, one Tensor each:
//
//	message Tensor {
//	  string name = 1;
//	  repeated int64 dims = 2;   // packed, first axis fastest
//	  repeated float data = 3;   // packed
//	}
const (
	fieldTensor = 1
	fieldName   = 1
	fieldDims   = 2
	fieldData   = 3
)

func encodeTensors(tensors []models.WeightTensor) []byte {
	var b []byte
	for _, t := range tensors {
		b = protowire.AppendTag(b, fieldTensor, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeTensor(t))
	}
	return b
}

func encodeTensor(t models.WeightTensor) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldName, protowire.BytesType)
	b = protowire.AppendString(b, t.Name)

	var dims []byte
	for _, d := range t.Shape {
		dims = protowire.AppendVarint(dims, uint64(d))
	}
	b = protowire.AppendTag(b, fieldDims, protowire.BytesType)
	b = protowire.AppendBytes(b, dims)

	data := make([]byte, 0, 4*len(t.Data))
	for _, v := range t.Data {
		data = protowire.AppendFixed32(data, math.Float32bits(v))
	}
	b = protowire.AppendTag(b, fieldData, protowire.BytesType)
	b = protowire.AppendBytes(b, data)
	return b
}

func decodeTensors(b []byte) ([]models.WeightTensor, error) {
	var tensors []models.WeightTensor
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		if num != fieldTensor || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}

		msg, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		t, err := decodeTensor(msg)
		if err != nil {
			return nil, fmt.Errorf("tensor %d: %w", len(tensors), err)
		}
		tensors = append(tensors, t)
	}
	return tensors, nil
}

func decodeTensor(b []byte) (models.WeightTensor, error) {
	var t models.WeightTensor
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return t, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldName && typ == protowire.BytesType:
			name, n := protowire.ConsumeString(b)
			if n < 0 {
				return t, protowire.ParseError(n)
			}
			t.Name = name
			b = b[n:]
		case num == fieldDims && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return t, protowire.ParseError(n)
			}
			for len(packed) > 0 {
				d, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return t, protowire.ParseError(m)
				}
				t.Shape = append(t.Shape, int(d))
				packed = packed[m:]
			}
			b = b[n:]
		case num == fieldData && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return t, protowire.ParseError(n)
			}
			t.Data = make([]float32, 0, len(packed)/4)
			for len(packed) > 0 {
				v, m := protowire.ConsumeFixed32(packed)
				if m < 0 {
					return t, protowire.ParseError(m)
				}
				t.Data = append(t.Data, math.Float32frombits(v))
				packed = packed[m:]
			}
			b = b[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return t, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}

	if models.Volume(t.Shape) != len(t.Data) {
		return t, fmt.Errorf("%q has shape %v but %d values", t.Name, t.Shape, len(t.Data))
	}
	return t, nil
}

func arrayTensor(name string, a *models.Array) models.WeightTensor {
	return models.WeightTensor{Name: name, Shape: a.Shape, Data: a.Data}
}

func tensorArray(t models.WeightTensor) (*models.Array, error) {
	return models.NewArrayFrom(t.Data, t.Shape...)
}
