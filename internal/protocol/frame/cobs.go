package frame

import (
	"fmt"

	"github.com/dim13/cobs"
)

// stuff COBS-encodes content with github.com/dim13/cobs. The result never carries a
// trailing empty block, so at most MaxPayload+2 content bytes stuff into one extra byte.
func stuff(content []byte) ([]byte, error) {
	// A trailing zero is the implicit end of the last block. Handing it over explicitly keeps
	// a zero CHECK byte from being taken as that terminator.
	src := make([]byte, len(content)+1)
	copy(src, content)
	out := cobs.Encode(src)
	if n := len(out); n > 0 && out[n-1] == Delimiter {
		out = out[:n-1]
	}
	for n := len(out); n > len(content)+1 && out[n-1] == 0x01; n = len(out) {
		out = out[:n-1]
	}
	if got, err := stuffedLen(out); err != nil || got != len(content) {
		return nil, fmt.Errorf("%w: cobs encoded %d bytes into %d", ErrFraming, len(content), len(out))
	}
	return out, nil
}

// unstuffCopy decodes the stuffed bytes before the delimiter into a fresh slice.
// frameBytes must end with the delimiter.
func unstuffCopy(frameBytes []byte) ([]byte, error) {
	n, err := stuffedLen(frameBytes[:len(frameBytes)-1])
	if err != nil {
		return nil, err
	}
	out := cobs.Decode(frameBytes)
	if len(out) < n {
		return nil, fmt.Errorf("%w: cobs decoded %d bytes, want %d", ErrFraming, len(out), n)
	}
	return out[:n], nil
}

// stuffedLen validates a COBS block sequence (delimiter excluded) and returns its decoded
// length.
func stuffedLen(buf []byte) (int, error) {
	r, n := 0, 0
	for r < len(buf) {
		code := buf[r]
		if code == Delimiter {
			return 0, fmt.Errorf("%w: zero code byte at %d", ErrFraming, r)
		}
		end := r + int(code)
		if end > len(buf) {
			return 0, fmt.Errorf("%w: block at %d overruns delimiter", ErrFraming, r)
		}
		for _, b := range buf[r+1 : end] {
			if b == Delimiter {
				return 0, fmt.Errorf("%w: zero inside block at %d", ErrFraming, r)
			}
		}
		n += int(code) - 1
		r = end
		if code != 0xFF && r < len(buf) {
			n++
		}
	}
	return n, nil
}

// unstuff decodes a COBS block sequence (delimiter excluded) in place and returns the
// decoded length. The write cursor never passes the read cursor.
func unstuff(buf []byte) (int, error) {
	r, w := 0, 0
	for r < len(buf) {
		code := buf[r]
		if code == Delimiter {
			return 0, fmt.Errorf("%w: zero code byte at %d", ErrFraming, r)
		}
		r++
		end := r + int(code) - 1
		if end > len(buf) {
			return 0, fmt.Errorf("%w: block at %d overruns delimiter", ErrFraming, r-1)
		}
		w += copy(buf[w:], buf[r:end])
		r = end
		if code != 0xFF && r < len(buf) {
			buf[w] = 0
			w++
		}
	}
	return w, nil
}
