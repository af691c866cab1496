package gateway

import "errors"

// Behavioral error families. Transport errors reconnect, fatal families
// surface and stop the shard, decoder errors drop the frame stream.
var (
	// ErrZombieConnection is raised when a heartbeat is due while the
	// previous one was never acknowledged.
	ErrZombieConnection = errors.New("server didn't acknowledge previous heartbeat, possible lost connection")

	// ErrAuthenticationFailed means the token was rejected (close 4004).
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrDisconnected marks operations aborted by a shard disconnect.
	ErrDisconnected = errors.New("shard disconnected")

	// ErrConnectTimeout marks a gateway dial or handshake deadline hit.
	ErrConnectTimeout = errors.New("gateway connection timed out")

	errInvalidJSON = errors.New("frame is not valid JSON")
)

// CloseError is an unclean gateway close, mapped through the reconnect
// decision table.
type CloseError struct {
	Code    int
	Message string
	Fatal   bool
}

func (e *CloseError) Error() string {
	return e.Message
}

// DecoderError wraps a decompression or decode failure; the frame is dropped
// and, for stream corruption, the connection recycled.
type DecoderError struct {
	Err error
}

func (e *DecoderError) Error() string {
	return "payload decode failed: " + e.Err.Error()
}

func (e *DecoderError) Unwrap() error { return e.Err }
