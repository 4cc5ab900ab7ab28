package encoding

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// Decoder converts text columns read from legacy databases to UTF-8
type Decoder struct {
	enc encoding.Encoding
}

// NewDecoder returns a decoder for the given Firebird charset name.
// UTF8, NONE and unknown names produce a pass-through decoder
func NewDecoder(charset string) *Decoder {
	switch strings.ToUpper(strings.TrimSpace(charset)) {
	case "WIN1252":
		return &Decoder{enc: charmap.Windows1252}
	case "WIN1250":
		return &Decoder{enc: charmap.Windows1250}
	case "ISO8859_1", "LATIN1":
		return &Decoder{enc: charmap.ISO8859_1}
	case "DOS850":
		return &Decoder{enc: charmap.CodePage850}
	default:
		return &Decoder{}
	}
}

// ToUTF8 converts b to a trimmed UTF-8 string.
// Input that is already valid UTF-8 is returned as is
func (d *Decoder) ToUTF8(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	if d == nil || d.enc == nil || utf8.Valid(b) {
		return strings.TrimSpace(string(b))
	}

	decoded, err := d.enc.NewDecoder().Bytes(b)
	if err != nil {
		return strings.TrimSpace(string(b))
	}
	return strings.TrimSpace(string(decoded))
}
