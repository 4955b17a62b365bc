package session

import (
	"github.com/danmuck/fieldscan/internal/protocol/schema"
	"github.com/danmuck/fieldscan/internal/protocol/tlv"
	"github.com/danmuck/fieldscan/internal/scan"
)

// ImageBatch is the IMAGE_FRAMES payload. Tagged batches carry the
// products of one hyperspectral sweep for ObjectID.
type ImageBatch struct {
	Tagged   bool
	ObjectID int
	Images   []scan.Image
}

func EncodeImageBatch(b ImageBatch) ([]byte, error) {
	body := make([]tlv.Field, 0, len(b.Images)+1)
	if b.Tagged {
		body = append(body, tlv.I64(schema.FieldObjectID, int64(b.ObjectID)))
	}
	for _, img := range b.Images {
		body = append(body, tlv.Group(schema.FieldImage,
			tlv.String(schema.FieldName, img.Name),
			tlv.U32(schema.FieldCamera, uint32(img.CameraIndex)),
			tlv.Bytes(schema.FieldData, img.Data),
		))
	}
	return encode(schema.SchemaImageBatch, body)
}

func DecodeImageBatch(payload []byte) (ImageBatch, error) {
	fields, err := decode(schema.SchemaImageBatch, payload)
	if err != nil {
		return ImageBatch{}, err
	}
	out := ImageBatch{Images: make([]scan.Image, 0)}
	if id, ok := getI64(fields, schema.FieldObjectID); ok {
		out.Tagged = true
		out.ObjectID = int(id)
	}
	for _, f := range tlv.GetAll(fields, schema.FieldImage) {
		m, err := members(f)
		if err != nil {
			return ImageBatch{}, err
		}
		out.Images = append(out.Images, scan.Image{
			Name:        getString(m, schema.FieldName),
			CameraIndex: int(getU32(m, schema.FieldCamera)),
			Data:        getBytes(m, schema.FieldData),
		})
	}
	return out, nil
}

// ResultBatch splits a hyperspectral result into its IMAGE_FRAMES batch:
// classification image first, then each index image.
func ResultBatch(res scan.HyperspectralResult) ImageBatch {
	return ImageBatch{Tagged: true, ObjectID: res.ObjectID, Images: res.Images()}
}

// AssembleResult joins a result batch and its materials back together.
func AssembleResult(batch ImageBatch, meta Hyperspectral) scan.HyperspectralResult {
	res := scan.HyperspectralResult{
		ObjectID:  meta.ObjectID,
		Indices:   make([]scan.Image, 0),
		Materials: meta.Materials,
	}
	if len(batch.Images) > 0 {
		res.Classification = batch.Images[0]
		res.Indices = append(res.Indices, batch.Images[1:]...)
	}
	return res
}
