package proto

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/SWAI-Ltd/sovereign/internal/envelope"
	"github.com/SWAI-Ltd/sovereign/internal/vow"
)

// Frame types
const (
	FrameTypeHello     = 1
	FrameTypeChallenge = 2
	FrameTypeVow       = 3
	FrameTypeEnvelope  = 4
	FrameTypeAck       = 5
	FrameTypeError     = 6
)

// MaxFrameSize bounds a single frame on any stream.
const MaxFrameSize = 1024 * 1024

var (
	ErrFrameTooLarge = errors.New("proto: frame exceeds size limit")
	ErrMalformed     = errors.New("proto: malformed frame")
)

// Error codes carried in ErrorFrame.
const (
	CodeVowRejected = "VOW_REJECTED"
	CodeUntrusted   = "UNTRUSTED"
	CodeMalformed   = "MALFORMED"
)

// HelloFrame opens a session; the relay answers with a ChallengeFrame.
type HelloFrame struct {
	PeerID []byte `json:"peer_id"`
}

// ChallengeFrame carries a single-use challenge and the relay's own keys so the
// peer can seal envelopes to it.
type ChallengeFrame struct {
	Challenge []byte `json:"challenge"`
	RelayID   []byte `json:"relay_id"`
	SealKey   []byte `json:"seal_key"`
}

// EnvelopeFrame carries one sealed envelope, optionally with a vow for a
// sender that has not been verified yet.
type EnvelopeFrame struct {
	Envelope *envelope.Envelope `json:"envelope"`
	Vow      *vow.Vow           `json:"vow,omitempty"`
}

// AckFrame
type AckFrame struct {
	PeerID []byte `json:"peer_id,omitempty"`
	OK     bool   `json:"ok"`
}

// ErrorFrame
type ErrorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Frame is the top-level wire message
type Frame struct {
	Type      int             `json:"t"`
	Hello     *HelloFrame     `json:"h,omitempty"`
	Challenge *ChallengeFrame `json:"c,omitempty"`
	Vow       *vow.Vow        `json:"v,omitempty"`
	Envelope  *EnvelopeFrame  `json:"n,omitempty"`
	Ack       *AckFrame       `json:"a,omitempty"`
	Error     *ErrorFrame     `json:"e,omitempty"`
}

// Marshal encodes f without stream framing.
func Marshal(f *Frame) ([]byte, error) {
	return json.Marshal(f)
}

// Unmarshal decodes a frame and checks that the body matches its type.
func Unmarshal(data []byte) (*Frame, error) {
	if len(data) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *Frame) validate() error {
	ok := false
	switch f.Type {
	case FrameTypeHello:
		ok = f.Hello != nil && len(f.Hello.PeerID) > 0 && len(f.Hello.PeerID) <= vow.MaxIDSize
	case FrameTypeChallenge:
		ok = f.Challenge != nil
	case FrameTypeVow:
		ok = f.Vow != nil
	case FrameTypeEnvelope:
		if f.Envelope == nil {
			break
		}
		if err := f.Envelope.Envelope.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		ok = true
	case FrameTypeAck:
		ok = f.Ack != nil
	case FrameTypeError:
		ok = f.Error != nil
	}
	if !ok {
		return fmt.Errorf("%w: type %d", ErrMalformed, f.Type)
	}
	return nil
}

// WriteFrame writes data with a 4-byte big-endian length prefix.
func WriteFrame(w io.Writer, data []byte) error {
	if len(data) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame body from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Encode writes a length-prefixed JSON frame to w
func (f *Frame) Encode(w io.Writer) error {
	data, err := Marshal(f)
	if err != nil {
		return err
	}
	return WriteFrame(w, data)
}

// Decode reads a length-prefixed JSON frame from r
func (f *Frame) Decode(r io.Reader) error {
	data, err := ReadFrame(r)
	if err != nil {
		return err
	}
	g, err := Unmarshal(data)
	if err != nil {
		return err
	}
	*f = *g
	return nil
}
