// Package wire implements the framing primitives of the directory and peer
// protocols.
//
// Every control message is a concatenation of null-terminated UTF-8 strings
// ("C-strings"). Responses start with a single status octet; the meaning of
// each status value is local to the verb that produced it.
package wire

import (
	"errors"
	"io"
	"strings"
)

// MaxFieldLen is the longest field value either protocol carries. User names,
// file paths and descriptions are all capped at this length, NUL excluded.
const MaxFieldLen = 255

// Directory verbs.
const (
	VerbRegister     = "REGISTER"
	VerbUnregister   = "UNREGISTER"
	VerbConnect      = "CONNECT"
	VerbDisconnect   = "DISCONNECT"
	VerbPublish      = "PUBLISH"
	VerbDelete       = "DELETE"
	VerbListUsers    = "LIST_USERS"
	VerbListContent  = "LIST_CONTENT"
	VerbGetMultifile = "GET_MULTIFILE"
)

// Peer verbs. GET_MULTIFILE is shared between both protocols: sent to the
// directory it asks for seeders, sent to a peer it asks for a byte range.
const (
	VerbGetFile = "GET_FILE"
)

var (
	ErrFieldTooLong = errors.New("wire: field exceeds 255 bytes")
	ErrEmbeddedNUL  = errors.New("wire: field contains NUL byte")
)

// ReadCString consumes bytes from r until the 0x00 terminator and returns
// everything before it. It reads one byte at a time; messages are tiny and a
// caller that wants buffering wraps r itself.
//
// A field longer than MaxFieldLen aborts with ErrFieldTooLong. EOF before the
// terminator is reported as io.ErrUnexpectedEOF (or io.EOF if nothing was
// read at all, so callers can tell a closed connection from a torn message).
func ReadCString(r io.Reader) (string, error) {
	var (
		sb  strings.Builder
		buf [1]byte
	)

	for {
		if _, err := r.Read(buf[:]); err != nil {
			if errors.Is(err, io.EOF) && sb.Len() > 0 {
				return "", io.ErrUnexpectedEOF
			}
			return "", err
		}

		if buf[0] == 0x00 {
			return sb.String(), nil
		}
		if sb.Len() == MaxFieldLen {
			return "", ErrFieldTooLong
		}
		sb.WriteByte(buf[0])
	}
}

// WriteCString writes s followed by the 0x00 terminator.
func WriteCString(w io.Writer, s string) error {
	if len(s) > MaxFieldLen {
		return ErrFieldTooLong
	}
	if strings.IndexByte(s, 0x00) >= 0 {
		return ErrEmbeddedNUL
	}

	buf := make([]byte, len(s)+1)
	copy(buf, s)

	_, err := w.Write(buf)
	return err
}

// ReadStatus reads the single status octet that prefixes every response. It
// is also used for the one-byte seeder count in the directory's GET_MULTIFILE
// reply.
func ReadStatus(r io.Reader) (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// WriteStatus writes a single status octet.
func WriteStatus(w io.Writer, status byte) error {
	_, err := w.Write([]byte{status})
	return err
}
