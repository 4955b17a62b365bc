package schema

import "fmt"

// Kind is the one-byte message kind carried in every frame header.
// Values are stable on the wire.
type Kind uint8

const (
	KindConnect         Kind = 1
	KindDisconnect      Kind = 2
	KindCaptureRequest  Kind = 3
	KindCaptureAck      Kind = 4
	KindImageFrames     Kind = 5
	KindObjectDetection Kind = 6
	KindHeartbeat       Kind = 7
	KindError           Kind = 8
)

var kindNames = map[Kind]string{
	KindConnect:         "CONNECT",
	KindDisconnect:      "DISCONNECT",
	KindCaptureRequest:  "CAPTURE_REQUEST",
	KindCaptureAck:      "CAPTURE_ACK",
	KindImageFrames:     "IMAGE_FRAMES",
	KindObjectDetection: "OBJECT_DETECTION",
	KindHeartbeat:       "HEARTBEAT",
	KindError:           "ERROR",
}

// Valid reports whether k is a defined message kind.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("KIND(%d)", uint8(k))
}

// Kinds returns every defined kind in wire order.
func Kinds() []Kind {
	return []Kind{
		KindConnect,
		KindDisconnect,
		KindCaptureRequest,
		KindCaptureAck,
		KindImageFrames,
		KindObjectDetection,
		KindHeartbeat,
		KindError,
	}
}
