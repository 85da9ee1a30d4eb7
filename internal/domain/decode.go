package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// DecodeRecord decodes and validates one record payload.
// Params: JSON object bytes.
// Returns: validated record or decode/validation error.
func DecodeRecord(raw []byte) (Record, error) {
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if record == nil {
		return nil, errors.New("decode record: payload must be a JSON object")
	}
	if err := record.Validate(); err != nil {
		return nil, err
	}
	return record, nil
}

// DecodeRecords decodes one object or an array of objects.
// Params: JSON bytes.
// Returns: validated records or decode/validation error.
func DecodeRecords(raw []byte) ([]Record, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, errors.New("decode record: empty payload")
	}
	if trimmed[0] != '[' {
		record, err := DecodeRecord(trimmed)
		if err != nil {
			return nil, err
		}
		return []Record{record}, nil
	}
	return DecodeRecordsReader(json.NewDecoder(bytes.NewReader(trimmed)))
}

// DecodeRecordsReader decodes and validates one batch of records from stream.
// Params: decoder positioned on a JSON array.
// Returns: validated records or decode/validation error.
func DecodeRecordsReader(reader *json.Decoder) ([]Record, error) {
	var records []Record
	if err := reader.Decode(&records); err != nil {
		return nil, fmt.Errorf("decode record batch: %w", err)
	}
	if len(records) == 0 {
		return nil, errors.New("record batch must contain at least one record")
	}
	for i := range records {
		if records[i] == nil {
			return nil, fmt.Errorf("record[%d]: must be a JSON object", i)
		}
		if err := records[i].Validate(); err != nil {
			return nil, fmt.Errorf("record[%d]: %w", i, err)
		}
	}
	if _, err := reader.Token(); err != io.EOF {
		return nil, errors.New("decode record batch: trailing data after array")
	}
	return records, nil
}

// Validate checks types of reserved fields.
// Params: record fields parsed from transport.
// Returns: validation error when a reserved field has a wrong type.
func (r Record) Validate() error {
	if value, ok := r[FieldUID]; ok {
		if _, isString := value.(string); !isString {
			return errors.New("uid must be a string")
		}
	}
	if value, ok := r[FieldState]; ok && value != nil {
		s, isString := value.(string)
		if !isString {
			return errors.New("state must be a string")
		}
		switch State(s) {
		case StateEmpty, StateAck, StateEsc, StateOpen, StateClose, "closed", "shelved", "error":
		default:
			return fmt.Errorf("unsupported state %q", s)
		}
	}
	if value, ok := r[FieldTTL]; ok && value != nil {
		if _, isNumber := ToFloat(value); !isNumber {
			return errors.New("ttl must be a number")
		}
	}
	return nil
}
