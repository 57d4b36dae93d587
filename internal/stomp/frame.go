package stomp

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Frame commands used by the upstream feed.
const (
	CmdConnect     = "CONNECT"
	CmdConnected   = "CONNECTED"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdMessage     = "MESSAGE"
	CmdDisconnect  = "DISCONNECT"
	CmdReceipt     = "RECEIPT"
	CmdError       = "ERROR"
)

// Standard header keys.
const (
	HdrID            = "id"
	HdrDestination   = "destination"
	HdrReceipt       = "receipt"
	HdrReceiptID     = "receipt-id"
	HdrSubscription  = "subscription"
	HdrDeviceID      = "device-id"
	HdrConnectionID  = "connection-id"
	HdrAuthorization = "authorization"
	HdrAcceptVersion = "accept-version"
	HdrHeartBeat     = "heart-beat"
)

var (
	ErrEmptyFrame = errors.New("empty frame")
	ErrBadHeader  = errors.New("malformed header line")
)

// heartbeatBytes is the bare-newline keepalive exchanged in both directions.
var heartbeatBytes = []byte("\n")

// Frame is one decoded wire frame.
type Frame struct {
	Command string
	Headers map[string]string
	Body    string
}

// Header returns the value for key, or "" if absent.
func (f Frame) Header(key string) string {
	return f.Headers[key]
}

// Encode serializes a frame: command line, header lines, blank line, body,
// NUL terminator.
func Encode(f Frame) []byte {
	var b bytes.Buffer
	b.WriteString(f.Command)
	b.WriteByte('\n')
	for k, v := range f.Headers {
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(v)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	b.WriteString(f.Body)
	b.WriteByte(0)
	return b.Bytes()
}

// Decode parses a frame. The trailing NUL is optional; header order does not
// matter. The first colon in a header line splits key from value, so values
// may themselves contain colons.
func Decode(data []byte) (Frame, error) {
	data = bytes.TrimSuffix(data, []byte{0})
	if len(bytes.TrimSpace(data)) == 0 {
		return Frame{}, ErrEmptyFrame
	}

	head, body, found := bytes.Cut(data, []byte("\n\n"))
	if !found {
		// Tolerate a missing blank line when no body follows the headers.
		head = bytes.TrimSuffix(data, []byte("\n"))
		body = nil
	}

	lines := strings.Split(string(head), "\n")
	f := Frame{
		Command: strings.TrimRight(lines[0], "\r"),
		Headers: make(map[string]string, len(lines)-1),
		Body:    string(body),
	}

	for _, line := range lines[1:] {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			return Frame{}, fmt.Errorf("%w: %q", ErrBadHeader, line)
		}
		f.Headers[key] = val
	}

	return f, nil
}

// IsHeartbeat reports whether data is a bare-newline keepalive.
func IsHeartbeat(data []byte) bool {
	trimmed := bytes.TrimRight(data, "\r\n")
	return len(data) > 0 && len(trimmed) == 0
}

// Heartbeat returns the keepalive payload.
func Heartbeat() []byte {
	return heartbeatBytes
}

// Connect builds the handshake frame. heartbeatMs is advertised for both
// directions.
func Connect(deviceID, connectionID, token string, heartbeatMs int) Frame {
	ms := strconv.Itoa(heartbeatMs)
	return Frame{
		Command: CmdConnect,
		Headers: map[string]string{
			HdrDeviceID:      deviceID,
			HdrConnectionID:  connectionID,
			HdrAuthorization: "Bearer " + token,
			HdrAcceptVersion: "1.2,1.1,1.0",
			HdrHeartBeat:     ms + "," + ms,
		},
	}
}

// Subscribe builds a topic subscription frame with its receipt header.
func Subscribe(id, destination string) Frame {
	return Frame{
		Command: CmdSubscribe,
		Headers: map[string]string{
			HdrID:          id,
			HdrDestination: destination,
			HdrReceipt:     id + "-sub_receipt",
		},
	}
}

// Unsubscribe builds a teardown frame with its receipt header.
func Unsubscribe(id string) Frame {
	return Frame{
		Command: CmdUnsubscribe,
		Headers: map[string]string{
			HdrID:      id,
			HdrReceipt: id + "-unsub_receipt",
		},
	}
}

// Disconnect builds the session-close frame.
func Disconnect() Frame {
	return Frame{Command: CmdDisconnect, Headers: map[string]string{}}
}
