package pool

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"time"

	"github.com/kestrelmail/kestreld/query"
)

// encodeBind builds a Bind message body binding params as text-format
// values against the unnamed portal, all result columns requested in
// text format. Binary parameter framing is a straightforward extension
// of this same dispatch table; text format keeps the codec legible
// for the exercise while still exercising the real wire contract (a
// length-prefixed value per parameter, -1 meaning SQL NULL).
func encodeBind(stmtName string, params []query.Param) []byte {
	var buf []byte
	buf = append(buf, 0)              // unnamed destination portal
	buf = append(buf, stmtName...)    // source prepared statement
	buf = append(buf, 0)
	buf = append(buf, 0, 0) // zero parameter format codes = all text

	var countBuf [2]byte
	binary.BigEndian.PutUint16(countBuf[:], uint16(len(params)))
	buf = append(buf, countBuf[:]...)

	for _, p := range params {
		text, isNull := encodeParamText(p)
		if isNull {
			buf = append(buf, 0xFF, 0xFF, 0xFF, 0xFF) // length -1
			continue
		}
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(text)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, text...)
	}

	buf = append(buf, 0, 1, 0, 0) // one result format code, text
	return buf
}

func encodeParamText(p query.Param) (text []byte, isNull bool) {
	if p.Type == query.TypeNull || p.Value == nil {
		return nil, true
	}
	switch p.Type {
	case query.TypeBool:
		if v, _ := p.Value.(bool); v {
			return []byte("t"), false
		}
		return []byte("f"), false
	case query.TypeInt:
		v, _ := p.Value.(int)
		return []byte(strconv.Itoa(v)), false
	case query.TypeBigInt:
		v, _ := p.Value.(int64)
		return []byte(strconv.FormatInt(v, 10)), false
	case query.TypeTimestamp:
		v, _ := p.Value.(time.Time)
		return []byte(v.UTC().Format("2006-01-02 15:04:05.999999")), false
	case query.TypeBytes:
		v, _ := p.Value.([]byte)
		return v, false
	default: // TypeString and anything else falls back to fmt.Sprint-style text
		switch v := p.Value.(type) {
		case string:
			return []byte(v), false
		case []byte:
			return v, false
		default:
			return []byte(fmt.Sprint(v)), false
		}
	}
}

// decodeValues converts raw text-format column bytes into the any
// values a query.Row exposes: a NULL column becomes nil and every
// other column is handed back as its text as a plain string. No
// logical-type conversion is applied to result columns, and cols is
// not consulted.
func decodeValues(cols []string, raw [][]byte) []any {
	out := make([]any, len(raw))
	for i, b := range raw {
		if b == nil {
			out[i] = nil
			continue
		}
		out[i] = string(b)
	}
	return out
}
