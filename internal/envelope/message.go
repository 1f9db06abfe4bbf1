package envelope

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldTopic   protowire.Number = 1
	fieldPayload protowire.Number = 2
)

var errMessageEncoding = errors.New("envelope: malformed message encoding")

// Message is the plaintext carried by an envelope. Payload is opaque to the relay.
type Message struct {
	Topic   string
	Payload []byte
}

// MarshalMessage encodes m in protobuf wire format.
func MarshalMessage(m Message) []byte {
	b := make([]byte, 0, len(m.Topic)+len(m.Payload)+8)
	b = protowire.AppendTag(b, fieldTopic, protowire.BytesType)
	b = protowire.AppendString(b, m.Topic)
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Payload)
	return b
}

// UnmarshalMessage decodes b. Unknown fields are skipped.
func UnmarshalMessage(b []byte) (Message, error) {
	var m Message
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Message{}, fmt.Errorf("%w: %v", errMessageEncoding, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldTopic && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: topic: %v", errMessageEncoding, protowire.ParseError(n))
			}
			m.Topic = v
			b = b[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: payload: %v", errMessageEncoding, protowire.ParseError(n))
			}
			m.Payload = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: %v", errMessageEncoding, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return m, nil
}
