// Package wire defines the message envelopes exchanged between a termlink
// client and its coordinator, with a binary CBOR serialization for the gRPC
// transport and a parallel JSON shape for the WebSocket fallback.
//
// Each direction is a closed tagged union: an unrecognized tag is a decode
// error, never a silently ignored map lookup.
package wire

import "encoding/json"

// Tags shared by both serializations.
const (
	tagHello        = "hello"
	tagHeartbeat    = "heartbeat"
	tagTerminalData = "terminalData"
	tagCreatedShell = "createdShell"
	tagClosedShell  = "closedShell"
	tagPong         = "pong"

	tagTerminalInput = "terminalInput"
	tagCreateShell   = "createShell"
	tagCloseShell    = "closeShell"
	tagSync          = "sync"
	tagResize        = "resize"
	tagPing          = "ping"

	tagError = "error"
)

// Bytes is a byte payload that serializes as a raw JSON array of octets
// instead of base64, so both transports carry identical values. CBOR encodes
// it natively as a byte string.
type Bytes []byte

// MarshalJSON encodes the payload as an array of integers.
func (b Bytes) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	ints := make([]int, len(b))
	for i, v := range b {
		ints[i] = int(v)
	}
	return json.Marshal(ints)
}

// UnmarshalJSON decodes an array of integers back into bytes.
func (b *Bytes) UnmarshalJSON(data []byte) error {
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return err
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// OpenRequest asks the coordinator to create a new session.
type OpenRequest struct {
	Origin            string `json:"origin" cbor:"origin"`
	EncryptedZeros    Bytes  `json:"encryptedZeros" cbor:"encryptedZeros"`
	Name              string `json:"name" cbor:"name"`
	WritePasswordHash Bytes  `json:"writePasswordHash,omitempty" cbor:"writePasswordHash,omitempty"`
}

// OpenResponse carries the server-issued session identity.
type OpenResponse struct {
	Name  string `json:"name" cbor:"name"`
	Token string `json:"token" cbor:"token"`
	URL   string `json:"url" cbor:"url"`
}

// CloseRequest tears down a session. The token proves ownership.
type CloseRequest struct {
	Name  string `json:"name" cbor:"name"`
	Token string `json:"token" cbor:"token"`
}

// ClientMessage is one client-to-server envelope.
type ClientMessage interface{ clientTag() string }

// ServerMessage is one server-to-client envelope.
type ServerMessage interface{ serverTag() string }

// Hello authenticates the channel; it must be the first message sent.
type Hello struct {
	Name  string `json:"name" cbor:"name"`
	Token string `json:"token" cbor:"token"`
}

// Heartbeat is an empty keep-alive envelope.
type Heartbeat struct{}

// TerminalData carries encrypted shell output starting at byte offset Seq.
type TerminalData struct {
	ID   uint32 `json:"id" cbor:"id"`
	Data Bytes  `json:"data" cbor:"data"`
	Seq  uint64 `json:"seq" cbor:"seq"`
}

// CreatedShell acknowledges that a shell was spawned, with its placement.
type CreatedShell struct {
	ID uint32 `json:"id" cbor:"id"`
	X  int32  `json:"x" cbor:"x"`
	Y  int32  `json:"y" cbor:"y"`
}

// ClosedShell acknowledges that a shell no longer exists on the client.
type ClosedShell struct {
	ID uint32 `json:"id" cbor:"id"`
}

// Pong echoes a server Ping timestamp for latency measurement.
type Pong struct {
	Timestamp uint64 `json:"timestamp" cbor:"timestamp"`
}

// ClientError reports a non-fatal client-side failure to the server.
type ClientError struct {
	Message string `json:"message" cbor:"message"`
}

// TerminalInput carries encrypted user keystrokes at a stream byte offset.
type TerminalInput struct {
	ID     uint32 `json:"id" cbor:"id"`
	Data   Bytes  `json:"data" cbor:"data"`
	Offset uint64 `json:"offset" cbor:"offset"`
}

// CreateShell asks the client to spawn a shell with a placement hint.
type CreateShell struct {
	ID uint32 `json:"id" cbor:"id"`
	X  int32  `json:"x" cbor:"x"`
	Y  int32  `json:"y" cbor:"y"`
}

// CloseShell asks the client to terminate a shell.
type CloseShell struct {
	ID uint32 `json:"id" cbor:"id"`
}

// Sync reports the server's acknowledged byte offset per shell.
type Sync struct {
	Seqs map[uint32]uint64 `json:"seqs" cbor:"seqs"`
}

// Resize sets a shell's window dimensions.
type Resize struct {
	ID   uint32 `json:"id" cbor:"id"`
	Rows uint32 `json:"rows" cbor:"rows"`
	Cols uint32 `json:"cols" cbor:"cols"`
}

// Ping requests a Pong echo of the given timestamp.
type Ping struct {
	Timestamp uint64 `json:"timestamp" cbor:"timestamp"`
}

// ServerError reports a non-fatal server-side failure to the client.
type ServerError struct {
	Message string `json:"message" cbor:"message"`
}

func (Hello) clientTag() string        { return tagHello }
func (Heartbeat) clientTag() string    { return tagHeartbeat }
func (TerminalData) clientTag() string { return tagTerminalData }
func (CreatedShell) clientTag() string { return tagCreatedShell }
func (ClosedShell) clientTag() string  { return tagClosedShell }
func (Pong) clientTag() string         { return tagPong }
func (ClientError) clientTag() string  { return tagError }

func (TerminalInput) serverTag() string { return tagTerminalInput }
func (CreateShell) serverTag() string   { return tagCreateShell }
func (CloseShell) serverTag() string    { return tagCloseShell }
func (Sync) serverTag() string          { return tagSync }
func (Resize) serverTag() string        { return tagResize }
func (Ping) serverTag() string          { return tagPing }
func (ServerError) serverTag() string   { return tagError }
