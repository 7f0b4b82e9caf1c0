package checkpoints

import (
	"math"
	"sort"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Wire layout of a State (protobuf encoding, proto3 semantics):
//
//	message State {
//	  string run_id = 1;
//	  int64 epoch = 2;
//	  sint64 scheduler_step = 3;
//	  repeated WeightTensor weights = 4;
//	  OptimizerState optimizer = 5;
//	  repeated Row result_log = 6;
//	  repeated Row loss_log = 7;
//	  Metadata metadata = 8;
//	  double learning_rate = 9;
//	  repeated int64 scales = 10;
//	  string dataset = 11;
//	}
//	message Row { repeated double values = 1; }
//	message WeightTensor { string name = 1; repeated int64 shape = 2; repeated float data = 3; }
//	message OptimizerState {
//	  string type = 1; repeated Param parameters = 2; uint64 step_count = 3;
//	  repeated OptimizerTensor state_data = 4;
//	}
//	message Param { string key = 1; double value = 2; }
//	message OptimizerTensor {
//	  string name = 1; repeated int64 shape = 2; repeated float data = 3; string state_type = 4;
//	}
//	message Metadata {
//	  string version = 1; string framework = 2; google.protobuf.Timestamp created_at = 3;
//	  string description = 4; repeated string tags = 5;
//	}
const (
	stateRunID         protowire.Number = 1
	stateEpoch         protowire.Number = 2
	stateSchedulerStep protowire.Number = 3
	stateWeights       protowire.Number = 4
	stateOptimizer     protowire.Number = 5
	stateResultLog     protowire.Number = 6
	stateLossLog       protowire.Number = 7
	stateMetadata      protowire.Number = 8
	stateLearningRate  protowire.Number = 9
	stateScales        protowire.Number = 10
	stateDataset       protowire.Number = 11
)

// MarshalState encodes a State in protobuf wire format.
func MarshalState(s *State) ([]byte, error) {
	var b []byte
	b = appendString(b, stateRunID, s.RunID)
	if s.Epoch != 0 {
		b = protowire.AppendTag(b, stateEpoch, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(s.Epoch)))
	}
	if s.SchedulerStep != 0 {
		b = protowire.AppendTag(b, stateSchedulerStep, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(s.SchedulerStep)))
	}
	for _, w := range s.Weights {
		b = protowire.AppendTag(b, stateWeights, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalTensor(w.Name, w.Shape, w.Data, ""))
	}
	if s.Optimizer != nil {
		b = protowire.AppendTag(b, stateOptimizer, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalOptimizer(s.Optimizer))
	}
	for _, row := range s.ResultLog {
		b = protowire.AppendTag(b, stateResultLog, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalRow(row))
	}
	for _, row := range s.LossLog {
		b = protowire.AppendTag(b, stateLossLog, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalRow(row))
	}
	meta, err := marshalMetadata(&s.Metadata)
	if err != nil {
		return nil, err
	}
	b = protowire.AppendTag(b, stateMetadata, protowire.BytesType)
	b = protowire.AppendBytes(b, meta)
	if s.LearningRate != 0 {
		b = protowire.AppendTag(b, stateLearningRate, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(s.LearningRate))
	}
	if len(s.Scales) > 0 {
		b = protowire.AppendTag(b, stateScales, protowire.BytesType)
		b = protowire.AppendBytes(b, packInts(s.Scales))
	}
	b = appendString(b, stateDataset, s.Dataset)
	return b, nil
}

// UnmarshalState decodes a State produced by MarshalState.
func UnmarshalState(b []byte) (*State, error) {
	s := &State{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		switch num {
		case stateRunID:
			s.RunID = string(v.bytes)
		case stateEpoch:
			s.Epoch = int(int64(v.varint))
		case stateSchedulerStep:
			s.SchedulerStep = int(protowire.DecodeZigZag(v.varint))
		case stateWeights:
			name, shape, data, _, err := unmarshalTensor(v.bytes)
			if err != nil {
				return errors.Wrap(err, "weights")
			}
			s.Weights = append(s.Weights, WeightTensor{Name: name, Shape: shape, Data: data})
		case stateOptimizer:
			opt, err := unmarshalOptimizer(v.bytes)
			if err != nil {
				return errors.Wrap(err, "optimizer")
			}
			s.Optimizer = opt
		case stateResultLog, stateLossLog:
			row, err := unmarshalRow(v.bytes)
			if err != nil {
				return errors.Wrap(err, "log row")
			}
			if num == stateResultLog {
				s.ResultLog = append(s.ResultLog, row)
			} else {
				s.LossLog = append(s.LossLog, row)
			}
		case stateMetadata:
			if err := unmarshalMetadata(v.bytes, &s.Metadata); err != nil {
				return errors.Wrap(err, "metadata")
			}
		case stateLearningRate:
			s.LearningRate = math.Float64frombits(v.varint)
		case stateScales:
			scales, err := unpackInts(v.bytes)
			if err != nil {
				return errors.Wrap(err, "scales")
			}
			s.Scales = scales
		case stateDataset:
			s.Dataset = string(v.bytes)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func marshalTensor(name string, shape []int, data []float32, stateType string) []byte {
	var b []byte
	b = appendString(b, 1, name)
	if len(shape) > 0 {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, packInts(shape))
	}
	if len(data) > 0 {
		packed := make([]byte, 0, 4*len(data))
		for _, f := range data {
			packed = protowire.AppendFixed32(packed, math.Float32bits(f))
		}
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	b = appendString(b, 4, stateType)
	return b
}

func unmarshalTensor(b []byte) (name string, shape []int, data []float32, stateType string, err error) {
	err = walkFields(b, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		switch num {
		case 1:
			name = string(v.bytes)
		case 2:
			s, err := unpackInts(v.bytes)
			if err != nil {
				return err
			}
			shape = s
		case 3:
			if len(v.bytes)%4 != 0 {
				return errors.Errorf("packed float field has %d bytes", len(v.bytes))
			}
			data = make([]float32, 0, len(v.bytes)/4)
			for p := v.bytes; len(p) > 0; {
				bits, n := protowire.ConsumeFixed32(p)
				if n < 0 {
					return protowire.ParseError(n)
				}
				data = append(data, math.Float32frombits(bits))
				p = p[n:]
			}
		case 4:
			stateType = string(v.bytes)
		}
		return nil
	})
	return
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
	if o.StepCount != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, o.StepCount)
	}
	for _, t := range o.StateData {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalTensor(t.Name, t.Shape, t.Data, t.StateType))
	}
	return b
}

func unmarshalOptimizer(b []byte) (*OptimizerState, error) {
	o := &OptimizerState{Parameters: make(map[string]float64)}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		switch num {
		case 1:
			o.Type = string(v.bytes)
		case 2:
			var key string
			var value float64
			err := walkFields(v.bytes, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
				switch num {
				case 1:
					key = string(v.bytes)
				case 2:
					value = math.Float64frombits(v.varint)
				}
				return nil
			})
			if err != nil {
				return err
			}
			o.Parameters[key] = value
		case 3:
			o.StepCount = v.varint
		case 4:
			name, shape, data, stateType, err := unmarshalTensor(v.bytes)
			if err != nil {
				return err
			}
			o.StateData = append(o.StateData, OptimizerTensor{Name: name, Shape: shape, Data: data, StateType: stateType})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

func marshalRow(row []float64) []byte {
	if len(row) == 0 {
		return nil
	}
	packed := make([]byte, 0, 8*len(row))
	for _, f := range row {
		packed = protowire.AppendFixed64(packed, math.Float64bits(f))
	}
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func unmarshalRow(b []byte) ([]float64, error) {
	row := []float64{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		if num != 1 {
			return nil
		}
		if len(v.bytes)%8 != 0 {
			return errors.Errorf("packed double field has %d bytes", len(v.bytes))
		}
		for p := v.bytes; len(p) > 0; {
			bits, n := protowire.ConsumeFixed64(p)
			if n < 0 {
				return protowire.ParseError(n)
			}
			row = append(row, math.Float64frombits(bits))
			p = p[n:]
		}
		return nil
	})
	return row, err
}

func marshalMetadata(m *Metadata) ([]byte, error) {
	var b []byte
	b = appendString(b, 1, m.Version)
	b = appendString(b, 2, m.Framework)
	if !m.CreatedAt.IsZero() {
		ts, err := proto.Marshal(timestamppb.New(m.CreatedAt))
		if err != nil {
			return nil, errors.Wrap(err, "created_at")
		}
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, ts)
	}
	b = appendString(b, 4, m.Description)
	for _, tag := range m.Tags {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	return b, nil
}

func unmarshalMetadata(b []byte, m *Metadata) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		switch num {
		case 1:
			m.Version = string(v.bytes)
		case 2:
			m.Framework = string(v.bytes)
		case 3:
			var ts timestamppb.Timestamp
			if err := proto.Unmarshal(v.bytes, &ts); err != nil {
				return errors.Wrap(err, "created_at")
			}
			m.CreatedAt = ts.AsTime()
		case 4:
			m.Description = string(v.bytes)
		case 5:
			m.Tags = append(m.Tags, string(v.bytes))
		}
		return nil
	})
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func packInts(values []int) []byte {
	var b []byte
	for _, v := range values {
		b = protowire.AppendVarint(b, uint64(int64(v)))
	}
	return b
}

func unpackInts(b []byte) ([]int, error) {
	var out []int
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, int(int64(v)))
		b = b[n:]
	}
	return out, nil
}

// fieldValue holds a decoded field: varint carries varint and fixed-width
// payloads, bytes carries length-delimited payloads.
type fieldValue struct {
	varint uint64
	bytes  []byte
}

func walkFields(b []byte, visit func(protowire.Number, protowire.Type, fieldValue) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var v fieldValue
		switch typ {
		case protowire.VarintType:
			v.varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var x uint32
			x, n = protowire.ConsumeFixed32(b)
			v.varint = uint64(x)
		case protowire.Fixed64Type:
			v.varint, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			v.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if err := visit(num, typ, v); err != nil {
			return err
		}
	}
	return nil
}
