package tokenizer

import "unicode/utf8"

// StreamDecoder turns a stream of token ids into text fragments
// without ever splitting a multi-byte UTF-8 sequence across fragments.
// Bytes of an incomplete rune stay buffered until the following token
// completes them.
type StreamDecoder struct {
	t       *Tokenizer
	pending []byte
}

func (t *Tokenizer) NewStream() *StreamDecoder {
	return &StreamDecoder{t: t}
}

// Push decodes one token and returns the printable fragment it
// completes, which may be empty.
func (d *StreamDecoder) Push(id int) string {
	if id == d.t.bosID || id == d.t.eosID {
		return ""
	}
	d.pending = append(d.pending, d.t.TokenBytes(id)...)

	n := 0
	for n < len(d.pending) {
		if !utf8.FullRune(d.pending[n:]) {
			break
		}
		_, size := utf8.DecodeRune(d.pending[n:])
		n += size
	}
	if n == 0 {
		return ""
	}
	out := string(d.pending[:n])
	d.pending = append(d.pending[:0], d.pending[n:]...)
	return out
}

// Flush drains whatever is buffered, raw. Called at end of turn so a
// trailing malformed sequence is not silently dropped.
func (d *StreamDecoder) Flush() string {
	if len(d.pending) == 0 {
		return ""
	}
	out := string(d.pending)
	d.pending = d.pending[:0]
	return out
}
