// Package pool implements the Database Handle and Database Pool
// components: one persistent backend connection per Handle, speaking
// the extended-query wire protocol as a finite state machine, and a
// Pool that queues work, assigns it to idle Handles, and grows itself
// under a rate-limited policy.
//
// No available library implements an extended-query wire codec for
// this backend, so wire.go is built directly on net.Conn and
// encoding/binary rather than an ecosystem driver, the same way the
// event loop's poller is hand-rolled rather than wrapping an existing
// reactor library; both choices are deliberate rather than oversights.
package pool

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/kestrelmail/kestreld/internal/errs"
)

// frontend message type tags, the standard extended-query subset.
const (
	msgParse       = 'P'
	msgBind        = 'B'
	msgExecute     = 'E'
	msgSync        = 'S'
	msgQuery       = 'Q'
	msgTerminate   = 'X'
	msgPassword    = 'p'
	msgCancel      = 0 // CancelRequest has no type byte; startup-style packet
	startupMessage = 0 // StartupMessage has no type byte either
)

// backend message type tags relevant to the core.
const (
	msgParseComplete     = '1'
	msgBindComplete      = '2'
	msgRowDescription    = 'T'
	msgDataRow           = 'D'
	msgCommandComplete   = 'C'
	msgErrorResponse     = 'E'
	msgReadyForQuery     = 'Z'
	msgAuthentication    = 'R'
	msgBackendKeyData    = 'K'
	msgParameterStatus   = 'S'
	msgNoticeResponse    = 'N'
	msgEmptyQueryResponse = 'I'
)

// writeMessage frames payload behind a type byte and a big-endian
// length prefix (length includes itself, excludes the type byte), the
// standard extended-query wire framing.
func writeMessage(w io.Writer, typ byte, payload []byte) error {
	var hdr [5]byte
	hdr[0] = typ
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)+4))
	if _, err := w.Write(hdr[:]); err != nil {
		return &errs.TransportError{Message: "write message header", Cause: err}
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return &errs.TransportError{Message: "write message body", Cause: err}
		}
	}
	return nil
}

// writeStartup frames an untyped StartupMessage: a length prefix, a
// protocol version, then a sequence of key\0value\0 pairs terminated
// by a final \0.
func writeStartup(w io.Writer, protocolVersion uint32, params map[string]string) error {
	var body bytes.Buffer
	var verBuf [4]byte
	binary.BigEndian.PutUint32(verBuf[:], protocolVersion)
	body.Write(verBuf[:])
	for k, v := range params {
		body.WriteString(k)
		body.WriteByte(0)
		body.WriteString(v)
		body.WriteByte(0)
	}
	body.WriteByte(0)

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(body.Len()+4))
	if _, err := w.Write(hdr[:]); err != nil {
		return &errs.TransportError{Message: "write startup header", Cause: err}
	}
	if _, err := w.Write(body.Bytes()); err != nil {
		return &errs.TransportError{Message: "write startup body", Cause: err}
	}
	return nil
}

// rawMessage is one decoded, but not yet interpreted, backend message.
type rawMessage struct {
	typ  byte
	body []byte
}

// messageReader incrementally decodes backend messages out of a
// Connection's read buffer, the role Connection.RemoveLine plays for
// CRLF-framed protocols, generalized to a length-prefixed one.
type messageReader struct {
	buf []byte
}

// feed appends newly read bytes.
func (r *messageReader) feed(p []byte) { r.buf = append(r.buf, p...) }

// next returns the next complete message and true, advancing past it,
// or false if the buffer does not yet hold a complete message.
func (r *messageReader) next() (rawMessage, bool) {
	if len(r.buf) < 5 {
		return rawMessage{}, false
	}
	typ := r.buf[0]
	length := binary.BigEndian.Uint32(r.buf[1:5])
	total := int(length) + 1
	if len(r.buf) < total {
		return rawMessage{}, false
	}
	body := make([]byte, length-4)
	copy(body, r.buf[5:total])
	r.buf = r.buf[total:]
	return rawMessage{typ: typ, body: body}, true
}

// parseParameterDescription is a stub for completeness of the Parse
// round trip; the core never inspects parameter type OIDs since
// logical types are tracked on the Query side instead.
func parseParameterDescription(body []byte) int {
	if len(body) < 2 {
		return 0
	}
	return int(binary.BigEndian.Uint16(body))
}

// rowDescription decodes a RowDescription payload into column names,
// in ordinal order.
func rowDescription(body []byte) []string {
	if len(body) < 2 {
		return nil
	}
	n := int(binary.BigEndian.Uint16(body))
	cols := make([]string, 0, n)
	off := 2
	for i := 0; i < n && off < len(body); i++ {
		end := bytes.IndexByte(body[off:], 0)
		if end < 0 {
			break
		}
		cols = append(cols, string(body[off:off+end]))
		off += end + 1
		off += 18 // table OID(4) + column attr(2) + type OID(4) + typlen(2) + typmod(4) + format(2)
	}
	return cols
}

// dataRow decodes a DataRow payload into raw column values (nil for
// SQL NULL, []byte otherwise); decodeValues in codec.go turns these
// into the values a query.Row holds.
func dataRow(body []byte) [][]byte {
	if len(body) < 2 {
		return nil
	}
	n := int(binary.BigEndian.Uint16(body))
	vals := make([][]byte, 0, n)
	off := 2
	for i := 0; i < n && off+4 <= len(body); i++ {
		length := int32(binary.BigEndian.Uint32(body[off : off+4]))
		off += 4
		if length < 0 {
			vals = append(vals, nil)
			continue
		}
		vals = append(vals, body[off:off+int(length)])
		off += int(length)
	}
	return vals
}

// errorResponse decodes an ErrorResponse's SQLSTATE (field 'C') and
// message (field 'M') fields; other fields are ignored.
func errorResponse(body []byte) (code, message string) {
	off := 0
	for off < len(body) {
		field := body[off]
		off++
		if field == 0 {
			break
		}
		end := bytes.IndexByte(body[off:], 0)
		if end < 0 {
			break
		}
		value := string(body[off : off+end])
		off += end + 1
		switch field {
		case 'C':
			code = value
		case 'M':
			message = value
		}
	}
	return code, message
}
