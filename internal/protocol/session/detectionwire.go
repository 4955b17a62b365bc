package session

import (
	"github.com/danmuck/fieldscan/internal/protocol/schema"
	"github.com/danmuck/fieldscan/internal/protocol/tlv"
	"github.com/danmuck/fieldscan/internal/scan"
)

// Hyperspectral is the OBJECT_DETECTION payload that closes one sweep.
type Hyperspectral struct {
	ObjectID  int
	Materials []scan.Material
}

func EncodeScanRequest(req scan.ScanRequest) ([]byte, error) {
	body := make([]tlv.Field, 0, len(req.Targets)+1)
	for _, class := range req.Targets.Classes() {
		body = append(body, tlv.Group(schema.FieldTarget,
			tlv.String(schema.FieldClass, class),
			tlv.Bool(schema.FieldHyperspectral, req.Targets[class]),
		))
	}
	body = append(body, tlv.Bool(schema.FieldManual, req.Manual))
	return encode(schema.SchemaScanRequest, body)
}

func DecodeScanRequest(payload []byte) (scan.ScanRequest, error) {
	fields, err := decode(schema.SchemaScanRequest, payload)
	if err != nil {
		return scan.ScanRequest{}, err
	}
	req := scan.ScanRequest{Targets: scan.TargetClasses{}, Manual: getBool(fields, schema.FieldManual)}
	for _, f := range tlv.GetAll(fields, schema.FieldTarget) {
		m, err := members(f)
		if err != nil {
			return scan.ScanRequest{}, err
		}
		req.Targets[getString(m, schema.FieldClass)] = getBool(m, schema.FieldHyperspectral)
	}
	return req, nil
}

func EncodeScanMode(manual bool) ([]byte, error) {
	return encode(schema.SchemaScanMode, []tlv.Field{tlv.Bool(schema.FieldManual, manual)})
}

func DecodeScanMode(payload []byte) (bool, error) {
	fields, err := decode(schema.SchemaScanMode, payload)
	if err != nil {
		return false, err
	}
	return getBool(fields, schema.FieldManual), nil
}

func EncodeDetectionList(objs []scan.DetectionObject) ([]byte, error) {
	body := make([]tlv.Field, 0, len(objs))
	for _, o := range objs {
		m := []tlv.Field{
			tlv.I64(schema.FieldID, int64(o.ID)),
			tlv.String(schema.FieldLabel, o.Label),
			bboxField(schema.FieldBBox, o.BBox),
			tlv.F64(schema.FieldConfidence, o.Confidence),
			tlv.U32(schema.FieldCamera, uint32(o.CameraIndex)),
		}
		if o.PanoramaBBox != nil {
			m = append(m, bboxField(schema.FieldPanoramaBBox, *o.PanoramaBBox))
		}
		if o.Distance != nil {
			m = append(m, tlv.F64(schema.FieldDistance, *o.Distance))
		}
		body = append(body, tlv.Group(schema.FieldDetection, m...))
	}
	return encode(schema.SchemaDetectionList, body)
}

func DecodeDetectionList(payload []byte) ([]scan.DetectionObject, error) {
	fields, err := decode(schema.SchemaDetectionList, payload)
	if err != nil {
		return nil, err
	}
	out := make([]scan.DetectionObject, 0)
	for _, f := range tlv.GetAll(fields, schema.FieldDetection) {
		m, err := members(f)
		if err != nil {
			return nil, err
		}
		id, _ := getI64(m, schema.FieldID)
		conf, _ := getF64(m, schema.FieldConfidence)
		obj := scan.DetectionObject{
			ID:          int(id),
			Label:       getString(m, schema.FieldLabel),
			Confidence:  conf,
			CameraIndex: int(getU32(m, schema.FieldCamera)),
		}
		if obj.BBox, err = decodeBBox(m, schema.FieldBBox); err != nil {
			return nil, err
		}
		if _, ok := tlv.GetField(m, schema.FieldPanoramaBBox); ok {
			pb, err := decodeBBox(m, schema.FieldPanoramaBBox)
			if err != nil {
				return nil, err
			}
			obj.PanoramaBBox = &pb
		}
		if d, ok := getF64(m, schema.FieldDistance); ok {
			obj.Distance = &d
		}
		out = append(out, obj)
	}
	return out, nil
}

func EncodeHyperspectral(h Hyperspectral) ([]byte, error) {
	body := []tlv.Field{tlv.I64(schema.FieldObjectID, int64(h.ObjectID))}
	for _, mat := range h.Materials {
		body = append(body, tlv.Group(schema.FieldMaterial,
			tlv.String(schema.FieldName, mat.Name),
			tlv.F64(schema.FieldPercent, mat.Percent),
		))
	}
	return encode(schema.SchemaHyperspectral, body)
}

func DecodeHyperspectral(payload []byte) (Hyperspectral, error) {
	fields, err := decode(schema.SchemaHyperspectral, payload)
	if err != nil {
		return Hyperspectral{}, err
	}
	id, _ := getI64(fields, schema.FieldObjectID)
	out := Hyperspectral{ObjectID: int(id), Materials: make([]scan.Material, 0)}
	for _, f := range tlv.GetAll(fields, schema.FieldMaterial) {
		m, err := members(f)
		if err != nil {
			return Hyperspectral{}, err
		}
		pct, _ := getF64(m, schema.FieldPercent)
		out.Materials = append(out.Materials, scan.Material{Name: getString(m, schema.FieldName), Percent: pct})
	}
	return out, nil
}

func EncodeError(msg string) ([]byte, error) {
	return encode(schema.SchemaError, []tlv.Field{tlv.String(schema.FieldMessage, msg)})
}

func DecodeError(payload []byte) (string, error) {
	fields, err := decode(schema.SchemaError, payload)
	if err != nil {
		return "", err
	}
	return getString(fields, schema.FieldMessage), nil
}

func bboxField(id uint16, b scan.BBox) tlv.Field {
	return tlv.Group(id,
		tlv.F64(schema.FieldX1, b.X1),
		tlv.F64(schema.FieldY1, b.Y1),
		tlv.F64(schema.FieldX2, b.X2),
		tlv.F64(schema.FieldY2, b.Y2),
	)
}

func decodeBBox(fields []tlv.Field, id uint16) (scan.BBox, error) {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return scan.BBox{}, schema.ValidationError{Schema: schema.SchemaDetectionList, FieldID: id, Reason: "missing bbox"}
	}
	m, err := members(f)
	if err != nil {
		return scan.BBox{}, err
	}
	x1, _ := getF64(m, schema.FieldX1)
	y1, _ := getF64(m, schema.FieldY1)
	x2, _ := getF64(m, schema.FieldX2)
	y2, _ := getF64(m, schema.FieldY2)
	return scan.BBox{X1: x1, Y1: y1, X2: x2, Y2: y2}, nil
}
