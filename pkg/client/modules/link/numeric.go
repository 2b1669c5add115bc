package link

import (
	"errors"
	"fmt"
	"strings"
)

// alphabet is the P10 numeric alphabet; each symbol carries six bits.
const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789[]"

const (
	ServerNumericLen = 2
	ClientNumericLen = 3
)

var ErrInvalidNumeric = errors.New("link: invalid numeric")

// IntToBase64 encodes v in exactly width symbols, most significant first.
// Bits above 6*width are discarded.
func IntToBase64(v uint64, width int) string {
	buf := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		buf[i] = alphabet[v&63]
		v >>= 6
	}
	return string(buf)
}

// Base64ToInt decodes a numeric produced by IntToBase64.
func Base64ToInt(s string) (uint64, error) {
	if s == "" || len(s) > 10 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNumeric, s)
	}
	var v uint64
	for i := 0; i < len(s); i++ {
		d := strings.IndexByte(alphabet, s[i])
		if d < 0 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidNumeric, s)
		}
		v = v<<6 | uint64(d)
	}
	return v, nil
}
