package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype under which the CBOR codec is
// registered. Callers select it with grpc.CallContentSubtype(CodecName).
const CodecName = "cbor"

// encMode uses Core Deterministic Encoding so the same logical message
// always produces identical bytes.
var encMode cbor.EncMode

// decMode accepts standard CBOR; unknown map keys are ignored for forward
// compatibility, but unknown envelope tags are still rejected below.
var decMode cbor.DecMode

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
	encoding.RegisterCodec(grpcCodec{})
}

// grpcCodec adapts the CBOR modes to grpc's message codec interface, so the
// session service methods move plain Go structs instead of generated types.
type grpcCodec struct{}

func (grpcCodec) Marshal(v any) ([]byte, error)      { return encMode.Marshal(v) }
func (grpcCodec) Unmarshal(data []byte, v any) error { return decMode.Unmarshal(data, v) }
func (grpcCodec) Name() string                       { return CodecName }

type cborEnvelope struct {
	Type string          `cbor:"type"`
	Data cbor.RawMessage `cbor:"data,omitempty"`
}

// ClientUpdate wraps one ClientMessage for transmission on the channel.
type ClientUpdate struct {
	Msg ClientMessage
}

// ServerUpdate wraps one ServerMessage received on the channel.
type ServerUpdate struct {
	Msg ServerMessage
}

// MarshalCBOR encodes the wrapped message as a tagged envelope.
// A nil message encodes as a heartbeat.
func (u ClientUpdate) MarshalCBOR() ([]byte, error) {
	msg := u.Msg
	if msg == nil {
		msg = Heartbeat{}
	}
	return marshalEnvelope(msg.clientTag(), msg)
}

// UnmarshalCBOR decodes a tagged envelope into the matching variant.
func (u *ClientUpdate) UnmarshalCBOR(data []byte) error {
	var env cborEnvelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return err
	}
	msg, err := decodeClientEnvelope(env.Type, func(v any) error {
		return decMode.Unmarshal(env.Data, v)
	})
	if err != nil {
		return err
	}
	u.Msg = msg
	return nil
}

// MarshalCBOR encodes the wrapped message as a tagged envelope.
func (u ServerUpdate) MarshalCBOR() ([]byte, error) {
	if u.Msg == nil {
		return nil, fmt.Errorf("wire: nil server message")
	}
	return marshalEnvelope(u.Msg.serverTag(), u.Msg)
}

// UnmarshalCBOR decodes a tagged envelope into the matching variant.
func (u *ServerUpdate) UnmarshalCBOR(data []byte) error {
	var env cborEnvelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return err
	}
	msg, err := decodeServerEnvelope(env.Type, func(v any) error {
		return decMode.Unmarshal(env.Data, v)
	})
	if err != nil {
		return err
	}
	u.Msg = msg
	return nil
}

func marshalEnvelope(tag string, msg any) ([]byte, error) {
	if _, ok := msg.(Heartbeat); ok {
		return encMode.Marshal(cborEnvelope{Type: tag})
	}
	data, err := encMode.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return encMode.Marshal(cborEnvelope{Type: tag, Data: data})
}

// fill decodes into m and returns it as the union type U.
func fill[U any, T any](decode func(any) error) (U, error) {
	var m T
	var zero U
	if err := decode(&m); err != nil {
		return zero, err
	}
	return any(m).(U), nil
}

// decodeClientEnvelope dispatches a client tag to its concrete type.
// decode populates the target from whichever serialization carried it.
func decodeClientEnvelope(tag string, decode func(any) error) (ClientMessage, error) {
	switch tag {
	case tagHello:
		return fill[ClientMessage, Hello](decode)
	case tagHeartbeat, "":
		return Heartbeat{}, nil
	case tagTerminalData:
		return fill[ClientMessage, TerminalData](decode)
	case tagCreatedShell:
		return fill[ClientMessage, CreatedShell](decode)
	case tagClosedShell:
		return fill[ClientMessage, ClosedShell](decode)
	case tagPong:
		return fill[ClientMessage, Pong](decode)
	case tagError:
		return fill[ClientMessage, ClientError](decode)
	default:
		return nil, fmt.Errorf("wire: unknown client message tag %q", tag)
	}
}

// decodeServerEnvelope dispatches a server tag to its concrete type.
func decodeServerEnvelope(tag string, decode func(any) error) (ServerMessage, error) {
	switch tag {
	case tagTerminalInput:
		return fill[ServerMessage, TerminalInput](decode)
	case tagCreateShell:
		return fill[ServerMessage, CreateShell](decode)
	case tagCloseShell:
		return fill[ServerMessage, CloseShell](decode)
	case tagSync:
		return fill[ServerMessage, Sync](decode)
	case tagResize:
		return fill[ServerMessage, Resize](decode)
	case tagPing:
		return fill[ServerMessage, Ping](decode)
	case tagError:
		return fill[ServerMessage, ServerError](decode)
	default:
		return nil, fmt.Errorf("wire: unknown server message tag %q", tag)
	}
}
