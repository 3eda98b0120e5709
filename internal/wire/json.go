package wire

import (
	"encoding/json"
	"fmt"
)

// The WebSocket fallback wraps every message in a Frame. Request/response
// pairs carry a client-generated correlation id; envelopes streamed during
// the active channel phase carry the StreamID sentinel instead.
const StreamID = "stream"

const (
	tagOpenSession  = "openSession"
	tagCloseSession = "closeSession"
	tagStartChannel = "startChannel"
)

// Frame is one WebSocket text message.
type Frame struct {
	ID      string       `json:"id"`
	Message jsonEnvelope `json:"message"`
}

type jsonEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// RequestBody is one correlated client request.
type RequestBody interface{ requestTag() string }

// ResponseBody is one correlated server response.
type ResponseBody interface{ responseTag() string }

// StartChannelRequest begins the streaming phase of an established session.
type StartChannelRequest struct {
	Name  string `json:"name"`
	Token string `json:"token"`
}

// ChannelStarted acknowledges a StartChannelRequest.
type ChannelStarted struct{}

// SessionClosed acknowledges a CloseRequest.
type SessionClosed struct{}

func (OpenRequest) requestTag() string         { return tagOpenSession }
func (CloseRequest) requestTag() string        { return tagCloseSession }
func (StartChannelRequest) requestTag() string { return tagStartChannel }

func (OpenResponse) responseTag() string   { return tagOpenSession }
func (SessionClosed) responseTag() string  { return tagCloseSession }
func (ChannelStarted) responseTag() string { return tagStartChannel }
func (ServerError) responseTag() string    { return tagError }

// EncodeRequest builds a correlated request frame.
func EncodeRequest(id string, body RequestBody) ([]byte, error) {
	return encodeFrame(id, body.requestTag(), body)
}

// EncodeResponse builds a correlated response frame. It exists for
// conformance servers; real clients only decode responses.
func EncodeResponse(id string, body ResponseBody) ([]byte, error) {
	return encodeFrame(id, body.responseTag(), body)
}

// EncodeClientFrame wraps a streamed client envelope under the sentinel id.
func EncodeClientFrame(msg ClientMessage) ([]byte, error) {
	return encodeFrame(StreamID, msg.clientTag(), msg)
}

// EncodeServerFrame wraps a streamed server envelope under the sentinel id.
func EncodeServerFrame(msg ServerMessage) ([]byte, error) {
	return encodeFrame(StreamID, msg.serverTag(), msg)
}

func encodeFrame(id, tag string, body any) ([]byte, error) {
	env := jsonEnvelope{Type: tag}
	if _, ok := body.(Heartbeat); !ok {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		env.Data = data
	}
	return json.Marshal(Frame{ID: id, Message: env})
}

// DecodeFrame parses a raw WebSocket message into its frame shape without
// committing to a union; callers dispatch on the correlation id first.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("wire: malformed frame: %w", err)
	}
	return f, nil
}

// ServerMessage decodes the frame as a streamed server envelope.
func (f Frame) ServerMessage() (ServerMessage, error) {
	return decodeServerEnvelope(f.Message.Type, f.jsonDecode)
}

// ClientMessage decodes the frame as a streamed client envelope.
func (f Frame) ClientMessage() (ClientMessage, error) {
	return decodeClientEnvelope(f.Message.Type, f.jsonDecode)
}

// Response decodes the frame as a correlated response.
func (f Frame) Response() (ResponseBody, error) {
	switch f.Message.Type {
	case tagOpenSession:
		return fill[ResponseBody, OpenResponse](f.jsonDecode)
	case tagCloseSession:
		return SessionClosed{}, nil
	case tagStartChannel:
		return ChannelStarted{}, nil
	case tagError:
		return fill[ResponseBody, ServerError](f.jsonDecode)
	default:
		return nil, fmt.Errorf("wire: unknown response tag %q", f.Message.Type)
	}
}

// Request decodes the frame as a correlated request. Like EncodeResponse,
// this is the server half of the protocol, used by conformance servers.
func (f Frame) Request() (RequestBody, error) {
	switch f.Message.Type {
	case tagOpenSession:
		return fill[RequestBody, OpenRequest](f.jsonDecode)
	case tagCloseSession:
		return fill[RequestBody, CloseRequest](f.jsonDecode)
	case tagStartChannel:
		return fill[RequestBody, StartChannelRequest](f.jsonDecode)
	default:
		return nil, fmt.Errorf("wire: unknown request tag %q", f.Message.Type)
	}
}

func (f Frame) jsonDecode(v any) error {
	if len(f.Message.Data) == 0 {
		return nil
	}
	return json.Unmarshal(f.Message.Data, v)
}
