// Package protocol defines the csend wire format.
//
// Every message, UDP discovery datagram or TCP payload alike, is a 4-byte
// big-endian magic number followed by pipe-delimited text fields:
//
//	[magic "CSDC"][TYPE]|[msgID]|[username@address]|[content]
//
// The message id is a sender-local monotonic counter. Older peers emit a
// three-field form without the id ([TYPE]|[username@address]|[content]);
// Decode accepts both, using the '@' in the sender token to disambiguate.
// The id is advisory: useful for duplicate suppression and logging, never
// required for correctness.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// Magic is "CSDC" in ASCII, prepended big-endian to every message.
	Magic uint32 = 0x43534443

	// BufferSize bounds the whole encoded message, content included.
	BufferSize = 1024

	// MaxUsernameLen bounds the sender username field.
	MaxUsernameLen = 31

	magicSize = 4
)

// Message types.
const (
	TypeDiscovery         = "DISCOVERY"
	TypeDiscoveryResponse = "DISCOVERY_RESPONSE"
	TypeText              = "TEXT"
	TypeQuit              = "QUIT"
)

var (
	ErrTruncated    = errors.New("protocol: message shorter than magic")
	ErrBadMagic     = errors.New("protocol: bad magic number")
	ErrMissingField = errors.New("protocol: missing required field")
	ErrTooLong      = errors.New("protocol: message exceeds buffer size")
)

// Message is one wire message. Transient: constructed per send, parsed per
// receive, never persisted.
type Message struct {
	Type     string
	ID       uint32 // 0 when the peer sent the legacy id-less form
	Username string
	Address  string
	Content  string
}

// Encode serialises m. The username is truncated to MaxUsernameLen bytes and
// sanitised of delimiter characters; content is carried verbatim (it is the
// final field, so embedded pipes are unambiguous).
func (m *Message) Encode() ([]byte, error) {
	if m.Type == "" {
		return nil, ErrMissingField
	}
	user := sanitizeUsername(m.Username)
	addr := m.Address
	if addr == "" {
		addr = "unknown"
	}
	text := fmt.Sprintf("%s|%d|%s@%s|%s", m.Type, m.ID, user, addr, m.Content)
	if magicSize+len(text) > BufferSize {
		return nil, ErrTooLong
	}
	buf := make([]byte, magicSize+len(text))
	binary.BigEndian.PutUint32(buf, Magic)
	copy(buf[magicSize:], text)
	return buf, nil
}

// Decode parses one wire message. It is pure: malformed input yields an
// error and nothing else.
func Decode(b []byte) (Message, error) {
	if len(b) < magicSize {
		return Message{}, ErrTruncated
	}
	if len(b) > BufferSize {
		return Message{}, ErrTooLong
	}
	if binary.BigEndian.Uint32(b) != Magic {
		return Message{}, ErrBadMagic
	}

	parts := strings.SplitN(string(b[magicSize:]), "|", 4)
	if len(parts) < 2 || parts[0] == "" {
		return Message{}, ErrMissingField
	}

	m := Message{Type: parts[0]}

	// Modern form carries a decimal id in the second field; the legacy form
	// has the sender token there instead.
	if id, err := strconv.ParseUint(parts[1], 10, 32); err == nil && !strings.Contains(parts[1], "@") {
		m.ID = uint32(id)
		if len(parts) < 3 {
			return Message{}, ErrMissingField
		}
		m.Username, m.Address = splitSender(parts[2])
		if len(parts) == 4 {
			m.Content = parts[3]
		}
	} else {
		m.Username, m.Address = splitSender(parts[1])
		if len(parts) >= 3 {
			m.Content = strings.Join(parts[2:], "|")
		}
	}
	return m, nil
}

// splitSender breaks "username@address" apart. A token without '@' is
// treated as a bare username with an unknown address, matching the original
// parser's tolerance.
func splitSender(token string) (username, address string) {
	at := strings.IndexByte(token, '@')
	if at < 0 {
		return truncate(token, MaxUsernameLen), "unknown"
	}
	return truncate(token[:at], MaxUsernameLen), token[at+1:]
}

func sanitizeUsername(user string) string {
	if user == "" {
		user = "anon"
	}
	user = strings.Map(func(r rune) rune {
		if r == '|' || r == '@' {
			return -1
		}
		return r
	}, user)
	return truncate(user, MaxUsernameLen)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
