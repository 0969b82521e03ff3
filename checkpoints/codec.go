package checkpoints

import (
	"bytes"
	"encoding/json"
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the binary checkpoint layout.
//
//	Checkpoint     1 metadata, 2 training_state, 3 weights (repeated), 4 optimizer
//	Metadata       1 version, 2 framework, 3 created_at seconds (zigzag), 4 nanos, 5 description
//	TrainingState  1 epoch, 2 step, 3 learning_rate (fixed64), 4 schedule_steps,
//	               5 loss_scale (fixed64), 6 growth_tracker
//	Weight         1 name, 2 shape (packed varint), 3 data (packed fixed32)
//	Optimizer      1 type, 2 parameters (repeated {1 key, 2 value fixed64}),
//	               3 state (repeated {1 name, 2 shape, 3 data, 4 state_type})
const (
	fieldMetadata      protowire.Number = 1
	fieldTrainingState protowire.Number = 2
	fieldWeight        protowire.Number = 3
	fieldOptimizer     protowire.Number = 4
)

// Encode serializes c in the given format. JSON has no encoding for NaN or
// infinite weights; checkpoints holding them need FormatProto.
func Encode(c *Checkpoint, format CheckpointFormat) ([]byte, error) {
	switch format {
	case FormatJSON:
		var buf bytes.Buffer
		encoder := json.NewEncoder(&buf)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(c); err != nil {
			return nil, errors.Wrap(err, "failed to encode checkpoint")
		}
		return buf.Bytes(), nil
	case FormatProto:
		return marshalProto(c), nil
	default:
		return nil, errors.Errorf("unsupported checkpoint format: %s", format)
	}
}

// Decode parses data written by Encode. Any failure is a CorruptCheckpointError.
func Decode(data []byte, format CheckpointFormat) (*Checkpoint, error) {
	var c *Checkpoint
	var err error
	switch format {
	case FormatJSON:
		c = &Checkpoint{}
		err = json.Unmarshal(data, c)
	case FormatProto:
		c, err = unmarshalProto(data)
	default:
		return nil, errors.Errorf("unsupported checkpoint format: %s", format)
	}
	if err != nil {
		return nil, &CorruptCheckpointError{Reason: "undecodable " + format.String() + " data", Err: err}
	}
	if c.Metadata.Version == "" {
		return nil, &CorruptCheckpointError{Reason: "missing format version"}
	}
	return c, nil
}

func marshalProto(c *Checkpoint) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldMetadata, protowire.BytesType)
	b = protowire.AppendBytes(b, marshalMetadata(c.Metadata))
	b = protowire.AppendTag(b, fieldTrainingState, protowire.BytesType)
	b = protowire.AppendBytes(b, marshalTrainingState(c.TrainingState))
	for _, w := range c.Weights {
		b = protowire.AppendTag(b, fieldWeight, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalTensor(w.Name, w.Shape, w.Data, ""))
	}
	if c.OptimizerState != nil {
		b = protowire.AppendTag(b, fieldOptimizer, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalOptimizer(c.OptimizerState))
	}
	return b
}

func marshalMetadata(m CheckpointMetadata) []byte {
	var b []byte
	b = appendString(b, 1, m.Version)
	b = appendString(b, 2, m.Framework)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(m.CreatedAt.Unix()))
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.CreatedAt.Nanosecond()))
	b = appendString(b, 5, m.Description)
	return b
}

func marshalTrainingState(s TrainingState) []byte {
	var b []byte
	b = appendVarint(b, 1, int64(s.Epoch))
	b = appendVarint(b, 2, int64(s.Step))
	b = protowire.AppendTag(b, 3, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(s.LearningRate))
	b = appendVarint(b, 4, int64(s.ScheduleSteps))
	b = protowire.AppendTag(b, 5, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(s.LossScale))
	b = appendVarint(b, 6, int64(s.GrowthTracker))
	return b
}

func marshalTensor(name string, shape []int, data []float32, stateType string) []byte {
	var b []byte
	b = appendString(b, 1, name)

	var packed []byte
	for _, d := range shape {
		packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(int64(d)))
	}
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)

	values := make([]byte, 0, 4*len(data))
	for _, v := range data {
		values = protowire.AppendFixed32(values, math.Float32bits(v))
	}
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, values)

	if stateType != "" {
		b = appendString(b, 4, stateType)
	}
	return b
}

func marshalOptimizer(o *OptimizerState) []byte {
	var b []byte
	b = appendString(b, 1, o.Type)

	keys := make([]string, 0, len(o.Parameters))
	for k := range o.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = appendString(entry, 1, k)
		entry = protowire.AppendTag(entry, 2, protowire.Fixed64Type)
		entry = protowire.AppendFixed64(entry, math.Float64bits(o.Parameters[k]))
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}

	for _, t := range o.StateData {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalTensor(t.Name, t.Shape, t.Data, t.StateType))
	}
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

// fieldFunc handles one field; it returns the number of bytes consumed or a
// negative protowire error code. Unknown fields are skipped by walkFields.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, bool)

func walkFields(b []byte, handle fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		n, ok := handle(num, typ, b)
		if !ok {
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}
	return nil
}

func consumeMessage(typ protowire.Type, b []byte, into func([]byte) error) (int, error) {
	if typ != protowire.BytesType {
		return 0, errors.Errorf("expected length-delimited field, got wire type %d", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	if err := into(v); err != nil {
		return 0, err
	}
	return n, nil
}

func unmarshalProto(data []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	var inner error
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool) {
		var n int
		switch num {
		case fieldMetadata:
			n, inner = consumeMessage(typ, b, func(v []byte) (err error) {
				c.Metadata, err = unmarshalMetadata(v)
				return err
			})
		case fieldTrainingState:
			n, inner = consumeMessage(typ, b, func(v []byte) (err error) {
				c.TrainingState, err = unmarshalTrainingState(v)
				return err
			})
		case fieldWeight:
			n, inner = consumeMessage(typ, b, func(v []byte) error {
				name, shape, values, _, err := unmarshalTensor(v)
				if err != nil {
					return err
				}
				c.Weights = append(c.Weights, WeightTensor{Name: name, Shape: shape, Data: values})
				return nil
			})
		case fieldOptimizer:
			n, inner = consumeMessage(typ, b, func(v []byte) (err error) {
				c.OptimizerState, err = unmarshalOptimizer(v)
				return err
			})
		default:
			return 0, false
		}
		if inner != nil {
			return -1, true
		}
		return n, true
	})
	if inner != nil {
		return nil, inner
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func unmarshalMetadata(b []byte) (CheckpointMetadata, error) {
	var m CheckpointMetadata
	var sec int64
	var nsec int64
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			m.Version = v
			return n, true
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			m.Framework = v
			return n, true
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			sec = protowire.DecodeZigZag(v)
			return n, true
		case num == 4 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			nsec = int64(v)
			return n, true
		case num == 5 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			m.Description = v
			return n, true
		}
		return 0, false
	})
	m.CreatedAt = time.Unix(sec, nsec).UTC()
	return m, err
}

func unmarshalTrainingState(b []byte) (TrainingState, error) {
	var s TrainingState
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool) {
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			x := int(protowire.DecodeZigZag(v))
			switch num {
			case 1:
				s.Epoch = x
			case 2:
				s.Step = x
			case 4:
				s.ScheduleSteps = x
			case 6:
				s.GrowthTracker = x
			}
			return n, true
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			switch num {
			case 3:
				s.LearningRate = math.Float64frombits(v)
			case 5:
				s.LossScale = math.Float64frombits(v)
			}
			return n, true
		}
		return 0, false
	})
	return s, err
}

func unmarshalTensor(b []byte) (name string, shape []int, data []float32, stateType string, err error) {
	var inner error
	err = walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool) {
		if typ != protowire.BytesType {
			return 0, false
		}
		switch num {
		case 1:
			v, n := protowire.ConsumeString(b)
			name = v
			return n, true
		case 2:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, true
			}
			for len(v) > 0 {
				d, m := protowire.ConsumeVarint(v)
				if m < 0 {
					inner = protowire.ParseError(m)
					return -1, true
				}
				shape = append(shape, int(protowire.DecodeZigZag(d)))
				v = v[m:]
			}
			return n, true
		case 3:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, true
			}
			if len(v)%4 != 0 {
				inner = errors.Errorf("tensor %q: %d data bytes is not a multiple of 4", name, len(v))
				return -1, true
			}
			data = make([]float32, 0, len(v)/4)
			for len(v) > 0 {
				bits, m := protowire.ConsumeFixed32(v)
				data = append(data, math.Float32frombits(bits))
				v = v[m:]
			}
			return n, true
		case 4:
			v, n := protowire.ConsumeString(b)
			stateType = v
			return n, true
		}
		return 0, false
	})
	if inner != nil {
		err = inner
	}
	return name, shape, data, stateType, err
}

func unmarshalOptimizer(b []byte) (*OptimizerState, error) {
	o := &OptimizerState{Parameters: map[string]float64{}}
	var inner error
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool) {
		if typ != protowire.BytesType {
			return 0, false
		}
		switch num {
		case 1:
			v, n := protowire.ConsumeString(b)
			o.Type = v
			return n, true
		case 2:
			n, err := consumeMessage(typ, b, func(v []byte) error {
				var key string
				var value float64
				err := walkFields(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool) {
					switch {
					case num == 1 && typ == protowire.BytesType:
						s, n := protowire.ConsumeString(b)
						key = s
						return n, true
					case num == 2 && typ == protowire.Fixed64Type:
						bits, n := protowire.ConsumeFixed64(b)
						value = math.Float64frombits(bits)
						return n, true
					}
					return 0, false
				})
				o.Parameters[key] = value
				return err
			})
			if err != nil {
				inner = err
				return -1, true
			}
			return n, true
		case 3:
			n, err := consumeMessage(typ, b, func(v []byte) error {
				name, shape, data, stateType, err := unmarshalTensor(v)
				o.StateData = append(o.StateData, OptimizerTensor{Name: name, Shape: shape, Data: data, StateType: stateType})
				return err
			})
			if err != nil {
				inner = err
				return -1, true
			}
			return n, true
		}
		return 0, false
	})
	if inner != nil {
		return nil, inner
	}
	return o, err
}
