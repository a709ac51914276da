package mi

import (
	"strconv"
	"strings"
)

// RecordType classifies one line of debugger output.
type RecordType int

const (
	TypeUnknown RecordType = iota
	TypeResult
	TypeNotify
	TypeConsole
	TypeLog
	TypeTarget
	TypePrompt
)

var recordTypeNames = [...]string{
	TypeUnknown: "unknown",
	TypeResult:  "result",
	TypeNotify:  "notify",
	TypeConsole: "console",
	TypeLog:     "log",
	TypeTarget:  "target",
	TypePrompt:  "prompt",
}

func (t RecordType) String() string {
	if int(t) < len(recordTypeNames) {
		return recordTypeNames[t]
	}
	return "type(" + strconv.Itoa(int(t)) + ")"
}

// Async prefixes of notification records.
const (
	AsyncExec   byte = '*'
	AsyncNotify byte = '='
	AsyncStatus byte = '+'
)

// Result classes.
const (
	ClassDone      = "done"
	ClassRunning   = "running"
	ClassConnected = "connected"
	ClassError     = "error"
	ClassExit      = "exit"
)

// Record is one classified line of MI output.
type Record struct {
	Type RecordType

	// Token is the correlation token of a result or notification. HasToken
	// distinguishes token 0 from no token.
	Token    int
	HasToken bool

	// Class is the result class ("done", "error", ...) or the async class
	// ("stopped", "breakpoint-modified", ...).
	Class string

	// Async is the prefix of a notification: '*', '=' or '+'.
	Async byte

	// Payload holds the results following the class. Never nil for result
	// and notify records.
	Payload *Tuple

	// Text is the unescaped stream text, or the raw line for unknown records.
	Text string
}

// ErrorMessage returns the msg field of an ^error record.
func (r Record) ErrorMessage() string {
	return r.Payload.String("msg")
}

// IsError reports whether r is an ^error result.
func (r Record) IsError() bool {
	return r.Type == TypeResult && r.Class == ClassError
}

// ParseLine classifies a single line (without its terminator). It never
// fails: anything that cannot be classified is returned as TypeUnknown with
// the raw text so it still reaches the user.
func ParseLine(line string) Record {
	digits := 0
	for digits < len(line) && line[digits] >= '0' && line[digits] <= '9' {
		digits++
	}
	rest := line[digits:]

	if len(rest) > 0 {
		switch c := rest[0]; c {
		case AsyncExec, AsyncNotify, AsyncStatus:
			if r, ok := parseClassRecord(TypeNotify, line[:digits], rest[1:]); ok {
				r.Async = c
				return r
			}
			return unknown(line)
		case '^':
			if r, ok := parseClassRecord(TypeResult, line[:digits], rest[1:]); ok {
				return r
			}
			return unknown(line)
		}
	}

	if digits == 0 && len(line) > 0 {
		switch line[0] {
		case '~':
			return parseStream(TypeConsole, line)
		case '&':
			return parseStream(TypeLog, line)
		case '@':
			return parseStream(TypeTarget, line)
		}
	}

	if strings.TrimSpace(line) == "(gdb)" {
		return Record{Type: TypePrompt, Text: line}
	}
	return unknown(line)
}

func unknown(line string) Record {
	return Record{Type: TypeUnknown, Text: line}
}

func parseClassRecord(typ RecordType, token, rest string) (Record, bool) {
	r := Record{Type: typ}
	if token != "" {
		n, err := strconv.Atoi(token)
		if err != nil {
			return Record{}, false
		}
		r.Token, r.HasToken = n, true
	}

	class, payload, hasPayload := strings.Cut(rest, ",")
	if class == "" || strings.ContainsAny(class, " \"{}[]=") {
		return Record{}, false
	}
	r.Class = class
	if !hasPayload {
		r.Payload = NewTuple()
		return r, true
	}
	t, err := ParsePayload(payload)
	if err != nil {
		return Record{}, false
	}
	r.Payload = t
	return r, true
}

func parseStream(typ RecordType, line string) Record {
	body := line[1:]
	if len(body) < 2 || body[0] != '"' {
		return unknown(line)
	}
	end, ok := scanCString(body, 0)
	if !ok || end != len(body)-1 {
		return unknown(line)
	}
	return Record{Type: typ, Text: UnescapeCString(body[1:end])}
}
