package schema

import (
	"fmt"

	logs "github.com/danmuck/fieldscan/internal/logging"
	"github.com/danmuck/fieldscan/internal/protocol/tlv"
)

// Version is written into every payload. Decoders accept equal or older.
const Version uint8 = 1

// Payload schema IDs. Every non-empty payload opens with FieldSchema.
const (
	SchemaImageBatch    uint8 = 1
	SchemaScanRequest   uint8 = 2
	SchemaScanMode      uint8 = 3
	SchemaDetectionList uint8 = 4
	SchemaHyperspectral uint8 = 5
	SchemaError         uint8 = 6
)

// Top-level field IDs.
const (
	FieldSchema  uint16 = 1
	FieldVersion uint16 = 2

	FieldImage    uint16 = 10
	FieldObjectID uint16 = 11

	FieldTarget uint16 = 20
	FieldManual uint16 = 21

	FieldDetection uint16 = 30

	FieldMaterial uint16 = 40

	FieldMessage uint16 = 50
)

// Group member field IDs.
const (
	FieldName          uint16 = 100
	FieldCamera        uint16 = 101
	FieldData          uint16 = 102
	FieldClass         uint16 = 103
	FieldHyperspectral uint16 = 104
	FieldID            uint16 = 105
	FieldLabel         uint16 = 106
	FieldBBox          uint16 = 107
	FieldPanoramaBBox  uint16 = 108
	FieldConfidence    uint16 = 109
	FieldX1            uint16 = 110
	FieldY1            uint16 = 111
	FieldX2            uint16 = 112
	FieldY2            uint16 = 113
	FieldDistance      uint16 = 114
	FieldPercent       uint16 = 115
)

var schemaNames = map[uint8]string{
	SchemaImageBatch:    "image_batch",
	SchemaScanRequest:   "scan_request",
	SchemaScanMode:      "scan_mode",
	SchemaDetectionList: "detection_list",
	SchemaHyperspectral: "hyperspectral",
	SchemaError:         "error",
}

func SchemaName(id uint8) string {
	if name, ok := schemaNames[id]; ok {
		return name
	}
	return fmt.Sprintf("schema(%d)", id)
}

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	Schema  uint8
	FieldID uint16
	Reason  string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: %s: %s", SchemaName(e.Schema), e.Reason)
	}
	return fmt.Sprintf("schema: %s field=%d: %s", SchemaName(e.Schema), e.FieldID, e.Reason)
}

var requirements = map[uint8][]Requirement{
	SchemaImageBatch:    {},
	SchemaScanRequest:   {{FieldManual, tlv.TypeBool}},
	SchemaScanMode:      {{FieldManual, tlv.TypeBool}},
	SchemaDetectionList: {},
	SchemaHyperspectral: {{FieldObjectID, tlv.TypeI64}},
	SchemaError:         {{FieldMessage, tlv.TypeString}},
}

// Members of repeated group fields, checked per occurrence.
var groupRequirements = map[uint16][]Requirement{
	FieldImage: {
		{FieldName, tlv.TypeString},
		{FieldCamera, tlv.TypeU32},
		{FieldData, tlv.TypeBytes},
	},
	FieldTarget: {
		{FieldClass, tlv.TypeString},
		{FieldHyperspectral, tlv.TypeBool},
	},
	FieldDetection: {
		{FieldID, tlv.TypeI64},
		{FieldLabel, tlv.TypeString},
		{FieldBBox, tlv.TypeGroup},
		{FieldConfidence, tlv.TypeF64},
		{FieldCamera, tlv.TypeU32},
	},
	FieldMaterial: {
		{FieldName, tlv.TypeString},
		{FieldPercent, tlv.TypeF64},
	},
	FieldBBox: {
		{FieldX1, tlv.TypeF64},
		{FieldY1, tlv.TypeF64},
		{FieldX2, tlv.TypeF64},
		{FieldY2, tlv.TypeF64},
	},
}

// Header returns the leading schema/version fields for a payload.
func Header(schemaID uint8) []tlv.Field {
	return []tlv.Field{tlv.U8(FieldSchema, schemaID), tlv.U8(FieldVersion, Version)}
}

// Identify reads the schema id and version from a decoded payload.
func Identify(fields []tlv.Field) (uint8, uint8, error) {
	sf, ok := tlv.GetField(fields, FieldSchema)
	if !ok {
		return 0, 0, ValidationError{FieldID: FieldSchema, Reason: "missing schema id"}
	}
	id, err := tlv.U8FromBytes(sf.Value)
	if err != nil || sf.Type != tlv.TypeU8 {
		return 0, 0, ValidationError{FieldID: FieldSchema, Reason: "malformed schema id"}
	}
	vf, ok := tlv.GetField(fields, FieldVersion)
	if !ok {
		return id, 0, ValidationError{Schema: id, FieldID: FieldVersion, Reason: "missing version"}
	}
	v, err := tlv.U8FromBytes(vf.Value)
	if err != nil {
		return id, 0, ValidationError{Schema: id, FieldID: FieldVersion, Reason: "malformed version"}
	}
	return id, v, nil
}

// Validate enforces required fields and required field types for a payload
// schema, including every occurrence of known group fields.
// Unknown fields are ignored by design.
func Validate(schemaID uint8, fields []tlv.Field) error {
	logs.Debugf("schema.Validate schema=%s fields=%d", SchemaName(schemaID), len(fields))
	reqs, ok := requirements[schemaID]
	if !ok {
		logs.Errf("schema.Validate unknown schema=%d", schemaID)
		return ValidationError{Schema: schemaID, Reason: "unknown schema"}
	}
	if _, v, err := Identify(fields); err != nil {
		return err
	} else if v > Version {
		return ValidationError{Schema: schemaID, FieldID: FieldVersion, Reason: fmt.Sprintf("unsupported version %d", v)}
	}
	if err := check(schemaID, reqs, fields); err != nil {
		return err
	}
	for _, f := range fields {
		if err := validateGroup(schemaID, f); err != nil {
			return err
		}
	}
	return nil
}

func validateGroup(schemaID uint8, f tlv.Field) error {
	reqs, ok := groupRequirements[f.ID]
	if !ok {
		return nil
	}
	if f.Type != tlv.TypeGroup {
		return ValidationError{Schema: schemaID, FieldID: f.ID, Reason: "type mismatch"}
	}
	members, err := tlv.DecodeFields(f.Value)
	if err != nil {
		return ValidationError{Schema: schemaID, FieldID: f.ID, Reason: err.Error()}
	}
	if err := check(schemaID, reqs, members); err != nil {
		return err
	}
	for _, m := range members {
		if err := validateGroup(schemaID, m); err != nil {
			return err
		}
	}
	return nil
}

func check(schemaID uint8, reqs []Requirement, fields []tlv.Field) error {
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			logs.Errf("schema.Validate missing field schema=%s field_id=%d", SchemaName(schemaID), req.ID)
			return ValidationError{Schema: schemaID, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			logs.Errf(
				"schema.Validate type mismatch schema=%s field_id=%d got=%d want=%d",
				SchemaName(schemaID),
				req.ID,
				f.Type,
				req.Type,
			)
			return ValidationError{Schema: schemaID, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
