package session

import (
	"errors"
	"fmt"

	"github.com/danmuck/fieldscan/internal/protocol/schema"
	"github.com/danmuck/fieldscan/internal/protocol/tlv"
)

// ErrEmptyPayload is returned when a decoder is handed a nil payload, which
// is how undecodable messages reach the orchestration layer.
var ErrEmptyPayload = errors.New("session: empty payload")

// PayloadSchema peeks the schema id of an encoded payload.
func PayloadSchema(payload []byte) (uint8, error) {
	if len(payload) == 0 {
		return 0, ErrEmptyPayload
	}
	fields, err := tlv.DecodeFields(payload)
	if err != nil {
		return 0, err
	}
	id, _, err := schema.Identify(fields)
	return id, err
}

func encode(schemaID uint8, body []tlv.Field) ([]byte, error) {
	fields := append(schema.Header(schemaID), body...)
	if err := schema.Validate(schemaID, fields); err != nil {
		return nil, err
	}
	return tlv.EncodeFields(fields), nil
}

func decode(schemaID uint8, payload []byte) ([]tlv.Field, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	fields, err := tlv.DecodeFields(payload)
	if err != nil {
		return nil, err
	}
	got, _, err := schema.Identify(fields)
	if err != nil {
		return nil, err
	}
	if got != schemaID {
		return nil, fmt.Errorf("session: schema mismatch: got %s want %s", schema.SchemaName(got), schema.SchemaName(schemaID))
	}
	if err := schema.Validate(schemaID, fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// Callers run after schema.Validate, so required members are present and
// correctly typed.

func getString(fields []tlv.Field, id uint16) string {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return ""
	}
	return string(f.Value)
}

func getBool(fields []tlv.Field, id uint16) bool {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return false
	}
	v, _ := tlv.BoolFromBytes(f.Value)
	return v
}

func getU32(fields []tlv.Field, id uint16) uint32 {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return 0
	}
	v, _ := tlv.U32FromBytes(f.Value)
	return v
}

func getI64(fields []tlv.Field, id uint16) (int64, bool) {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return 0, false
	}
	v, err := tlv.I64FromBytes(f.Value)
	if err != nil {
		return 0, false
	}
	return v, true
}

func getF64(fields []tlv.Field, id uint16) (float64, bool) {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return 0, false
	}
	v, err := tlv.F64FromBytes(f.Value)
	if err != nil {
		return 0, false
	}
	return v, true
}

func getBytes(fields []tlv.Field, id uint16) []byte {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return nil
	}
	return f.Value
}

func members(f tlv.Field) ([]tlv.Field, error) {
	if err := tlv.MustType(f, tlv.TypeGroup); err != nil {
		return nil, err
	}
	return tlv.DecodeFields(f.Value)
}
