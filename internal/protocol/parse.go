package protocol

import (
	"fmt"
	"strings"
)

// headerParser consumes the space-separated decimal fields of a message
// header line. Parse errors are sticky: after the first failure every
// subsequent accessor returns the zero value and err() reports the
// original cause. This keeps per-message decoders free of error
// plumbing for each individual field.
type headerParser struct {
	buf []byte
	pos int
	e   error
}

func newHeaderParser(data []byte) *headerParser {
	return &headerParser{buf: data}
}

func (p *headerParser) fail(format string, args ...any) {
	if p.e == nil {
		p.e = fmt.Errorf(format, args...)
	}
}

func (p *headerParser) err() error {
	return p.e
}

// token reads the next field up to a space or the end-of-line marker.
// The delimiter itself is consumed only if it is a space; '\n' is left
// for endLine.
func (p *headerParser) token() string {
	if p.e != nil {
		return ""
	}

	start := p.pos
	for p.pos < len(p.buf) && p.buf[p.pos] != ' ' && p.buf[p.pos] != '\n' {
		p.pos++
	}

	if p.pos == start {
		p.fail("reached end of header line prematurely")
		return ""
	}

	tok := string(p.buf[start:p.pos])
	if p.pos < len(p.buf) && p.buf[p.pos] == ' ' {
		p.pos++
	}

	return tok
}

func (p *headerParser) int64() int64 {
	tok := p.token()
	if p.e != nil {
		return 0
	}

	v, err := parseDecimal(tok)
	if err != nil {
		p.fail("error parsing integer in header line: %w", err)
		return 0
	}

	return v
}

func (p *headerParser) uint64() uint64 {
	v := p.int64()
	if v < 0 {
		p.fail("negative value %d for unsigned header field", v)
		return 0
	}

	return uint64(v)
}

// flag parses a strict 0|1 boolean field.
func (p *headerParser) flag() bool {
	switch v := p.int64(); v {
	case 0:
		return false
	case 1:
		return true
	default:
		p.fail("invalid boolean header field %d", v)
		return false
	}
}

// endLine consumes the '\n' terminating the header line.
func (p *headerParser) endLine() {
	if p.e != nil {
		return
	}

	if p.pos >= len(p.buf) || p.buf[p.pos] != '\n' {
		p.fail("header line not terminated by newline")
		return
	}

	p.pos++
}

// body returns the n bytes following the current position, typically
// the binary body whose length was announced in the header.
func (p *headerParser) body(n int64) []byte {
	if p.e != nil {
		return nil
	}

	if n < 0 || int64(len(p.buf)-p.pos) < n {
		p.fail("message body truncated: want %d bytes, have %d", n, len(p.buf)-p.pos)
		return nil
	}

	b := p.buf[p.pos : p.pos+int(n)]
	p.pos += int(n)

	return b
}

// remaining reports the number of unconsumed bytes.
func (p *headerParser) remaining() int {
	return len(p.buf) - p.pos
}

// parseDecimal is a minimal signed decimal parser. strconv.ParseInt
// accepts forms the wire grammar does not ("+5", "0x5" via base 0), so
// the accepted syntax is spelled out here instead.
func parseDecimal(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty integer field")
	}

	neg := false
	if s[0] == '-' {
		neg = true
		s = s[1:]

		if s == "" {
			return 0, fmt.Errorf("dangling minus sign")
		}
	}

	var v int64
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid character %q in integer field", c)
		}

		d := int64(c - '0')
		if v > (1<<63-1-d)/10 {
			return 0, fmt.Errorf("integer field out of range")
		}

		v = v*10 + d
	}

	if neg {
		v = -v
	}

	return v, nil
}

const bearerPrefix = "Bearer "

// MakeAuthorizationHeader formats a signed user token as an HTTP
// Authorization header value.
func MakeAuthorizationHeader(signedUserToken string) string {
	return bearerPrefix + signedUserToken
}

// ParseAuthorizationHeader extracts the signed user token from an HTTP
// Authorization header value. The token must contain at least four
// characters; stricter validation belongs to the authentication layer.
func ParseAuthorizationHeader(header string) (string, bool) {
	if len(header) < len(bearerPrefix)+4 {
		return "", false
	}

	if !strings.HasPrefix(header, bearerPrefix) {
		return "", false
	}

	return header[len(bearerPrefix):], true
}
