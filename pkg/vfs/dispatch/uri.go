package dispatch

import (
	"bytes"
	"fmt"
)

// DecodeOpenName reconstructs the file name the engine passed to open
// when the uri flag is set. The raw form is a NUL-terminated path,
// optionally followed by alternating NUL-terminated key and value
// strings, the whole sequence closed by an empty string (a second NUL).
//
// The result is a single URI-style string: the path, '?' before the
// first parameter, '=' between each key and its value, '&' between
// pairs. A name without parameters decodes to just the path.
func DecodeOpenName(raw []byte) (string, error) {
	path, rest, err := nextString(raw)
	if err != nil {
		return "", fmt.Errorf("open name is not NUL-terminated")
	}

	var out bytes.Buffer
	out.Write(path)

	first := true
	for len(rest) > 0 && rest[0] != 0 {
		var key, val []byte
		key, rest, err = nextString(rest)
		if err != nil {
			return "", fmt.Errorf("unterminated uri key after %q", path)
		}
		val, rest, err = nextString(rest)
		if err != nil {
			return "", fmt.Errorf("uri key %q has no value", key)
		}

		if first {
			out.WriteByte('?')
			first = false
		} else {
			out.WriteByte('&')
		}
		out.Write(key)
		out.WriteByte('=')
		out.Write(val)
	}
	return out.String(), nil
}

// nextString splits one NUL-terminated string off raw.
func nextString(raw []byte) (s, rest []byte, err error) {
	end := bytes.IndexByte(raw, 0)
	if end < 0 {
		return nil, nil, fmt.Errorf("missing NUL terminator")
	}
	return raw[:end], raw[end+1:], nil
}
