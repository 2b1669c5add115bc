package client

import "bytes"

var crlf = []byte("\r\n")

// lineBuffer accumulates inbound bytes and splits them into CRLF-terminated
// lines. Bytes after the last CRLF stay buffered until the next feed.
type lineBuffer struct {
	buf []byte
}

// feed appends data and calls fn for every complete line, in order.
// A line is dropped from the buffer only after fn has returned.
func (b *lineBuffer) feed(data []byte, fn func(line string)) {
	b.buf = append(b.buf, data...)

	off := 0
	for {
		i := bytes.Index(b.buf[off:], crlf)
		if i < 0 {
			break
		}
		fn(string(b.buf[off : off+i]))
		off += i + len(crlf)
	}
	if off > 0 {
		b.buf = append(b.buf[:0], b.buf[off:]...)
	}
}

// pending returns the number of buffered bytes not yet forming a line.
func (b *lineBuffer) pending() int {
	return len(b.buf)
}
