package chat

import (
	"strings"
	"unicode/utf8"
)

// utf8Decoder turns byte chunks into text, holding back a rune that was
// split across a chunk boundary until the rest of it arrives.
type utf8Decoder struct {
	pending []byte
}

func (d *utf8Decoder) decode(chunk []byte) string {
	buf := make([]byte, 0, len(d.pending)+len(chunk))
	buf = append(buf, d.pending...)
	buf = append(buf, chunk...)

	cut := len(buf)
	for i := len(buf) - 1; i >= 0 && i >= len(buf)-utf8.UTFMax; i-- {
		if utf8.RuneStart(buf[i]) {
			if !utf8.FullRune(buf[i:]) {
				cut = i
			}
			break
		}
	}

	d.pending = append([]byte(nil), buf[cut:]...)
	return strings.ToValidUTF8(string(buf[:cut]), string(utf8.RuneError))
}

// flush returns whatever is still held back, once the stream has ended.
func (d *utf8Decoder) flush() string {
	if len(d.pending) == 0 {
		return ""
	}
	s := strings.ToValidUTF8(string(d.pending), string(utf8.RuneError))
	d.pending = nil
	return s
}
