package delivery

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/luckyim/delivery/device"
)

// Envelope is the broker wire format for a delivery. The dispatcher wraps
// the opaque application payload with the addressing the consumer needs to
// find the target channels; nothing inside Payload is interpreted here.
type Envelope struct {
	MessageID string `cbor:"1,keyasint"`
	UserID    string `cbor:"2,keyasint"`
	Class     string `cbor:"3,keyasint,omitempty"`
	Payload   []byte `cbor:"4,keyasint"`
}

// DeviceClass returns the target device class, or "" for all devices.
func (e *Envelope) DeviceClass() device.Class {
	return device.Class(e.Class)
}

// EncodeEnvelope serializes an envelope for publishing.
func EncodeEnvelope(messageID, userID string, class device.Class, payload []byte) ([]byte, error) {
	data, err := cbor.Marshal(&Envelope{
		MessageID: messageID,
		UserID:    userID,
		Class:     class.String(),
		Payload:   payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode delivery envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope deserializes an envelope received from the broker.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode delivery envelope: %w", err)
	}
	return &env, nil
}
