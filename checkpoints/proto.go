package checkpoints

import (
	"bytes"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// protoMagic prefixes every protobuf-encoded checkpoint so the format can be detected on load
var protoMagic = []byte("KDCKPT\x00\x01")

// Field numbers of the checkpoint wire messages.
//
//	Checkpoint      { double best_score = 1; int64 epoch = 2; repeated Weight weights = 3;
//	                  Optimizer optimizer = 4; Scheduler scheduler = 5; Metadata metadata = 6; }
//	Weight          { string name = 1; repeated int64 shape = 2; repeated float data = 3; }
//	Optimizer       { string type = 1; google.protobuf.Struct parameters = 2; repeated OptTensor state = 3; }
//	OptTensor       { string name = 1; repeated int64 shape = 2; repeated float data = 3; string state_type = 4; }
//	Scheduler       { string type = 1; google.protobuf.Struct parameters = 2; }
//	Metadata        { string version = 1; string framework = 2; string run_id = 3;
//	                  google.protobuf.Timestamp created_at = 4; Struct config = 5; Struct args = 6; }
const (
	fieldBestScore protowire.Number = 1
	fieldEpoch     protowire.Number = 2
	fieldWeights   protowire.Number = 3
	fieldOptimizer protowire.Number = 4
	fieldScheduler protowire.Number = 5
	fieldMetadata  protowire.Number = 6

	fieldName      protowire.Number = 1
	fieldShape     protowire.Number = 2
	fieldData      protowire.Number = 3
	fieldStateType protowire.Number = 4

	fieldType       protowire.Number = 1
	fieldParameters protowire.Number = 2
	fieldStateData  protowire.Number = 3

	fieldVersion   protowire.Number = 1
	fieldFramework protowire.Number = 2
	fieldRunID     protowire.Number = 3
	fieldCreatedAt protowire.Number = 4
	fieldConfig    protowire.Number = 5
	fieldArgs      protowire.Number = 6
)

func isProto(data []byte) bool {
	return bytes.HasPrefix(data, protoMagic)
}

// marshalProto encodes the checkpoint into its binary form
func marshalProto(c *Checkpoint) ([]byte, error) {
	b := append([]byte(nil), protoMagic...)

	b = protowire.AppendTag(b, fieldBestScore, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(c.BestScore))
	b = protowire.AppendTag(b, fieldEpoch, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(c.Epoch)))

	for _, w := range c.Weights {
		b = protowire.AppendTag(b, fieldWeights, protowire.BytesType)
		b = protowire.AppendBytes(b, appendTensor(nil, w.Name, w.Shape, w.Data, ""))
	}

	if c.OptimizerState != nil {
		msg, err := marshalOptimizer(c.OptimizerState)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldOptimizer, protowire.BytesType)
		b = protowire.AppendBytes(b, msg)
	}
	if c.SchedulerState != nil {
		msg, err := marshalScheduler(c.SchedulerState)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldScheduler, protowire.BytesType)
		b = protowire.AppendBytes(b, msg)
	}

	meta, err := marshalMetadata(&c.Metadata)
	if err != nil {
		return nil, err
	}
	b = protowire.AppendTag(b, fieldMetadata, protowire.BytesType)
	b = protowire.AppendBytes(b, meta)
	return b, nil
}

func appendTensor(b []byte, name string, shape []int, data []float32, stateType string) []byte {
	b = protowire.AppendTag(b, fieldName, protowire.BytesType)
	b = protowire.AppendString(b, name)

	var packed []byte
	for _, d := range shape {
		packed = protowire.AppendVarint(packed, uint64(d))
	}
	b = protowire.AppendTag(b, fieldShape, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)

	packed = make([]byte, 0, 4*len(data))
	for _, v := range data {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	b = protowire.AppendTag(b, fieldData, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)

	if stateType != "" {
		b = protowire.AppendTag(b, fieldStateType, protowire.BytesType)
		b = protowire.AppendString(b, stateType)
	}
	return b
}

func appendStruct(b []byte, num protowire.Number, m map[string]interface{}) ([]byte, error) {
	if m == nil {
		return b, nil
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("failed to convert field %d: %v", num, err)
	}
	msg, err := proto.MarshalOptions{Deterministic: true}.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal field %d: %v", num, err)
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg), nil
}

func marshalOptimizer(s *OptimizerState) ([]byte, error) {
	b := protowire.AppendTag(nil, fieldType, protowire.BytesType)
	b = protowire.AppendString(b, s.Type)
	b, err := appendStruct(b, fieldParameters, s.Parameters)
	if err != nil {
		return nil, fmt.Errorf("optimizer parameters: %w", err)
	}
	for _, t := range s.StateData {
		b = protowire.AppendTag(b, fieldStateData, protowire.BytesType)
		b = protowire.AppendBytes(b, appendTensor(nil, t.Name, t.Shape, t.Data, t.StateType))
	}
	return b, nil
}

func marshalScheduler(s *SchedulerState) ([]byte, error) {
	b := protowire.AppendTag(nil, fieldType, protowire.BytesType)
	b = protowire.AppendString(b, s.Type)
	b, err := appendStruct(b, fieldParameters, s.Parameters)
	if err != nil {
		return nil, fmt.Errorf("scheduler parameters: %w", err)
	}
	return b, nil
}

func marshalMetadata(m *CheckpointMetadata) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldVersion, protowire.BytesType)
	b = protowire.AppendString(b, m.Version)
	b = protowire.AppendTag(b, fieldFramework, protowire.BytesType)
	b = protowire.AppendString(b, m.Framework)
	b = protowire.AppendTag(b, fieldRunID, protowire.BytesType)
	b = protowire.AppendString(b, m.RunID)

	ts, err := proto.Marshal(timestamppb.New(m.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal created_at: %v", err)
	}
	b = protowire.AppendTag(b, fieldCreatedAt, protowire.BytesType)
	b = protowire.AppendBytes(b, ts)

	if b, err = appendStruct(b, fieldConfig, m.Config); err != nil {
		return nil, fmt.Errorf("metadata config: %w", err)
	}
	if b, err = appendStruct(b, fieldArgs, m.Args); err != nil {
		return nil, fmt.Errorf("metadata args: %w", err)
	}
	return b, nil
}

// unmarshalProto decodes a checkpoint written by marshalProto
func unmarshalProto(data []byte) (*Checkpoint, error) {
	if !isProto(data) {
		return nil, fmt.Errorf("%w: missing header", ErrCorrupt)
	}
	c := &Checkpoint{}
	err := walkFields(data[len(protoMagic):], func(num protowire.Number, typ protowire.Type, raw []byte, v uint64) error {
		switch {
		case num == fieldBestScore && typ == protowire.Fixed64Type:
			c.BestScore = math.Float64frombits(v)
		case num == fieldEpoch && typ == protowire.VarintType:
			c.Epoch = int(protowire.DecodeZigZag(v))
		case num == fieldWeights && typ == protowire.BytesType:
			t, err := unmarshalTensor(raw)
			if err != nil {
				return err
			}
			c.Weights = append(c.Weights, WeightTensor{Name: t.Name, Shape: t.Shape, Data: t.Data})
		case num == fieldOptimizer && typ == protowire.BytesType:
			s, err := unmarshalOptimizer(raw)
			if err != nil {
				return err
			}
			c.OptimizerState = s
		case num == fieldScheduler && typ == protowire.BytesType:
			s := &SchedulerState{}
			if err := unmarshalTyped(raw, &s.Type, &s.Parameters, nil); err != nil {
				return err
			}
			c.SchedulerState = s
		case num == fieldMetadata && typ == protowire.BytesType:
			if err := unmarshalMetadata(raw, &c.Metadata); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// walkFields iterates the top-level fields of a message. raw holds the payload of
// length-delimited fields and v the value of varint and fixed fields.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, raw []byte, v uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrCorrupt, protowire.ParseError(n))
		}
		b = b[n:]

		var (
			raw []byte
			v   uint64
		)
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v32 uint32
			v32, n = protowire.ConsumeFixed32(b)
			v = uint64(v32)
		case protowire.Fixed64Type:
			v, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrCorrupt, num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(num, typ, raw, v); err != nil {
			return err
		}
	}
	return nil
}

func unmarshalTensor(b []byte) (*OptimizerTensor, error) {
	t := &OptimizerTensor{Shape: []int{}, Data: []float32{}}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, raw []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case fieldName:
			t.Name = string(raw)
		case fieldStateType:
			t.StateType = string(raw)
		case fieldShape:
			for len(raw) > 0 {
				d, n := protowire.ConsumeVarint(raw)
				if n < 0 {
					return fmt.Errorf("%w: shape: %v", ErrCorrupt, protowire.ParseError(n))
				}
				t.Shape = append(t.Shape, int(d))
				raw = raw[n:]
			}
		case fieldData:
			if len(raw)%4 != 0 {
				return fmt.Errorf("%w: tensor data length %d", ErrCorrupt, len(raw))
			}
			t.Data = make([]float32, 0, len(raw)/4)
			for len(raw) > 0 {
				bits, n := protowire.ConsumeFixed32(raw)
				t.Data = append(t.Data, math.Float32frombits(bits))
				raw = raw[n:]
			}
		}
		return nil
	})
	return t, err
}

func unmarshalOptimizer(b []byte) (*OptimizerState, error) {
	s := &OptimizerState{}
	err := unmarshalTyped(b, &s.Type, &s.Parameters, func(raw []byte) error {
		t, err := unmarshalTensor(raw)
		if err != nil {
			return err
		}
		s.StateData = append(s.StateData, *t)
		return nil
	})
	return s, err
}

// unmarshalTyped decodes the {type, parameters, state...} shape shared by optimizer and scheduler state
func unmarshalTyped(b []byte, typeName *string, params *map[string]interface{}, onState func([]byte) error) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, raw []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case fieldType:
			*typeName = string(raw)
		case fieldParameters:
			m, err := unmarshalStruct(raw)
			if err != nil {
				return err
			}
			*params = m
		case fieldStateData:
			if onState != nil {
				return onState(raw)
			}
		}
		return nil
	})
}

func unmarshalStruct(raw []byte) (map[string]interface{}, error) {
	s := &structpb.Struct{}
	if err := proto.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return s.AsMap(), nil
}

func unmarshalMetadata(b []byte, m *CheckpointMetadata) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, raw []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		var err error
		switch num {
		case fieldVersion:
			m.Version = string(raw)
		case fieldFramework:
			m.Framework = string(raw)
		case fieldRunID:
			m.RunID = string(raw)
		case fieldCreatedAt:
			ts := &timestamppb.Timestamp{}
			if err := proto.Unmarshal(raw, ts); err != nil {
				return fmt.Errorf("%w: created_at: %v", ErrCorrupt, err)
			}
			m.CreatedAt = ts.AsTime()
		case fieldConfig:
			m.Config, err = unmarshalStruct(raw)
		case fieldArgs:
			m.Args, err = unmarshalStruct(raw)
		}
		return err
	})
}
