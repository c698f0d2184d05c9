package ibapi

import (
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// maxFrameSize rejects obviously corrupt length prefixes before allocating.
const maxFrameSize = 1 << 20

// writeFrame sends one API message: a 4-byte big-endian length prefix
// followed by the fields, each terminated by a NUL byte.
func writeFrame(w io.Writer, fields ...string) error {
	var payload strings.Builder
	for _, f := range fields {
		payload.WriteString(f)
		payload.WriteByte(0)
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(payload.Len()))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if _, err := io.WriteString(w, payload.String()); err != nil {
		return fmt.Errorf("writing frame payload: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed message and splits it into fields.
func readFrame(r io.Reader) ([]string, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size == 0 {
		return nil, nil
	}
	if size > maxFrameSize {
		return nil, fmt.Errorf("frame size %d exceeds limit", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	// Every field is NUL-terminated, so the split leaves one trailing empty
	// element to drop.
	fields := strings.Split(string(payload), "\x00")
	if n := len(fields); n > 0 && fields[n-1] == "" {
		fields = fields[:n-1]
	}
	return fields, nil
}

// fieldReader walks the fields of a decoded frame with typed accessors.
// Missing fields read as zero values so short messages fail soft; callers
// that need strict lengths check remaining() first.
type fieldReader struct {
	fields []string
	pos    int
}

func newFieldReader(fields []string) *fieldReader {
	return &fieldReader{fields: fields}
}

func (fr *fieldReader) remaining() int {
	return len(fr.fields) - fr.pos
}

func (fr *fieldReader) str() string {
	if fr.pos >= len(fr.fields) {
		return ""
	}
	s := fr.fields[fr.pos]
	fr.pos++
	return s
}

func (fr *fieldReader) int() int {
	s := fr.str()
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

func (fr *fieldReader) int64() int64 {
	s := fr.str()
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (fr *fieldReader) float() float64 {
	s := fr.str()
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

// skip discards n fields.
func (fr *fieldReader) skip(n int) {
	fr.pos += n
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func formatInt(n int) string {
	return strconv.Itoa(n)
}
