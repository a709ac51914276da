package mi

import (
	"fmt"
	"strings"
)

// SyntaxError describes a payload that does not follow the MI value grammar.
type SyntaxError struct {
	Offset int
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("mi: %s at offset %d", e.Msg, e.Offset)
}

// ParsePayload parses the comma-separated results that follow the class of
// a result or async record, e.g. `bkpt={number="1"},thread-id="2"`.
func ParsePayload(s string) (*Tuple, error) {
	p := &parser{src: s}
	t, err := p.results(0)
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.src) {
		return nil, p.errorf("unexpected %q", p.src[p.pos])
	}
	return t, nil
}

// ParseValue parses a single MI value.
func ParseValue(s string) (Value, error) {
	p := &parser{src: s}
	v, err := p.value()
	if err != nil {
		return Value{}, err
	}
	if p.pos != len(p.src) {
		return Value{}, p.errorf("trailing data")
	}
	return v, nil
}

type parser struct {
	src string
	pos int
}

func (p *parser) errorf(format string, args ...any) error {
	return &SyntaxError{Offset: p.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) peek() byte {
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t') {
		p.pos++
	}
}

// results parses key=value pairs up to, but not including, term. A zero
// term means end of input. The caller consumes the terminator.
func (p *parser) results(term byte) (*Tuple, error) {
	t := NewTuple()
	p.skipSpace()
	if p.peek() == term {
		return t, nil
	}
	for {
		p.skipSpace()
		if p.peek() == '{' || p.peek() == '"' || p.peek() == '[' {
			// gdb emits extra breakpoint locations as bare values:
			// bkpt={...},{...}. They belong to the previous key.
			if t.Len() == 0 {
				return nil, p.errorf("value without key")
			}
			v, err := p.value()
			if err != nil {
				return nil, err
			}
			t.Add(t.results[len(t.results)-1].Key, v)
		} else {
			key, v, err := p.result()
			if err != nil {
				return nil, err
			}
			t.Add(key, v)
		}
		p.skipSpace()
		switch c := p.peek(); {
		case c == ',':
			p.pos++
		case c == term:
			return t, nil
		default:
			return nil, p.errorf("expected ',' got %q", c)
		}
	}
}

func (p *parser) result() (string, Value, error) {
	start := p.pos
	for p.pos < len(p.src) && p.src[p.pos] != '=' {
		switch p.src[p.pos] {
		case ',', '{', '}', '[', ']', '"':
			return "", Value{}, p.errorf("malformed key")
		}
		p.pos++
	}
	if p.pos >= len(p.src) {
		return "", Value{}, p.errorf("missing '='")
	}
	key := strings.TrimSpace(p.src[start:p.pos])
	if key == "" {
		return "", Value{}, p.errorf("empty key")
	}
	p.pos++
	v, err := p.value()
	return key, v, err
}

// value dispatches on the first significant character.
func (p *parser) value() (Value, error) {
	p.skipSpace()
	switch p.peek() {
	case '"':
		s, err := p.cstring()
		if err != nil {
			return Value{}, err
		}
		return StringValue(s), nil
	case '{':
		p.pos++
		t, err := p.results('}')
		if err != nil {
			return Value{}, err
		}
		if err := p.expect('}'); err != nil {
			return Value{}, err
		}
		return TupleValue(t), nil
	case '[':
		p.pos++
		v, err := p.list()
		if err != nil {
			return Value{}, err
		}
		if err := p.expect(']'); err != nil {
			return Value{}, err
		}
		return v, nil
	case 0:
		return Value{}, p.errorf("unexpected end of input")
	default:
		return StringValue(p.bare()), nil
	}
}

// list parses list contents. A list holds either plain values or results,
// decided by whether the first element has a key.
func (p *parser) list() (Value, error) {
	p.skipSpace()
	if p.peek() == ']' {
		return ListValue(), nil
	}
	if !p.atResult() {
		var items []Value
		for {
			v, err := p.value()
			if err != nil {
				return Value{}, err
			}
			items = append(items, v)
			p.skipSpace()
			if p.peek() != ',' {
				return ListValue(items...), nil
			}
			p.pos++
		}
	}
	t, err := p.results(']')
	if err != nil {
		return Value{}, err
	}
	return Value{Kind: KindList, Results: t}, nil
}

// atResult reports whether the input at pos starts with key=.
func (p *parser) atResult() bool {
	for i := p.pos; i < len(p.src); i++ {
		switch p.src[i] {
		case '=':
			return true
		case ',', ']', '}', '{', '[', '"':
			return false
		}
	}
	return false
}

func (p *parser) expect(c byte) error {
	p.skipSpace()
	if p.peek() != c {
		return p.errorf("expected %q", c)
	}
	p.pos++
	return nil
}

func (p *parser) bare() string {
	start := p.pos
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case ',', '}', ']':
			return strings.TrimSpace(p.src[start:p.pos])
		}
		p.pos++
	}
	return strings.TrimSpace(p.src[start:])
}

// cstring consumes a quoted C string starting at the opening quote.
func (p *parser) cstring() (string, error) {
	end, ok := scanCString(p.src, p.pos)
	if !ok {
		return "", p.errorf("unterminated string")
	}
	s := UnescapeCString(p.src[p.pos+1 : end])
	p.pos = end + 1
	return s, nil
}

// scanCString returns the index of the closing quote of the string opened
// at src[start].
func scanCString(src string, start int) (int, bool) {
	for i := start + 1; i < len(src); i++ {
		switch src[i] {
		case '\\':
			i++
		case '"':
			return i, true
		}
	}
	return 0, false
}

// UnescapeCString processes the backslash escapes of a C string body.
// Unknown escapes keep the escaped character.
func UnescapeCString(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	b := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			b = append(b, c)
			continue
		}
		i++
		switch e := s[i]; e {
		case 'n':
			b = append(b, '\n')
		case 't':
			b = append(b, '\t')
		case 'r':
			b = append(b, '\r')
		case 'a':
			b = append(b, '\a')
		case 'b':
			b = append(b, '\b')
		case 'f':
			b = append(b, '\f')
		case 'v':
			b = append(b, '\v')
		case 'e':
			b = append(b, 0x1b)
		case 'x':
			n, w := 0, 0
			for w < 2 && i+1+w < len(s) && isHex(s[i+1+w]) {
				n = n*16 + hexVal(s[i+1+w])
				w++
			}
			if w == 0 {
				b = append(b, 'x')
				continue
			}
			b = append(b, byte(n))
			i += w
		case '0', '1', '2', '3', '4', '5', '6', '7':
			n, w := 0, 0
			for w < 3 && i+w < len(s) && s[i+w] >= '0' && s[i+w] <= '7' {
				n = n*8 + int(s[i+w]-'0')
				w++
			}
			b = append(b, byte(n))
			i += w - 1
		default:
			b = append(b, e)
		}
	}
	return string(b)
}

// EscapeCString quotes s as a C string suitable for MI commands and payloads.
func EscapeCString(s string) string {
	var sb strings.Builder
	sb.Grow(len(s) + 2)
	sb.WriteByte('"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '"':
			sb.WriteString(`\"`)
		case '\\':
			sb.WriteString(`\\`)
		case '\n':
			sb.WriteString(`\n`)
		case '\t':
			sb.WriteString(`\t`)
		case '\r':
			sb.WriteString(`\r`)
		default:
			if c < 0x20 || c == 0x7f {
				fmt.Fprintf(&sb, `\%03o`, c)
			} else {
				sb.WriteByte(c)
			}
		}
	}
	sb.WriteByte('"')
	return sb.String()
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func hexVal(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	default:
		return int(c-'A') + 10
	}
}
