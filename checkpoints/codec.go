package checkpoints

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Encode serializes a checkpoint in the given format
func Encode(c *Checkpoint, format CheckpointFormat) ([]byte, error) {
	switch format {
	case FormatProto:
		return marshalProto(c)
	case FormatJSON:
		data, err := json.MarshalIndent(c, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", format)
	}
}

// Decode parses a checkpoint, detecting its format from the content
func Decode(data []byte) (*Checkpoint, CheckpointFormat, error) {
	if isProto(data) {
		c, err := unmarshalProto(data)
		return c, FormatProto, err
	}
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, 0, fmt.Errorf("%w: unrecognized format", ErrCorrupt)
	}
	var c Checkpoint
	if err := json.Unmarshal(trimmed, &c); err != nil {
		return nil, FormatJSON, fmt.Errorf("%w: failed to decode checkpoint: %v", ErrCorrupt, err)
	}
	return &c, FormatJSON, nil
}
