package protocol

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/ChuLiYu/mpdcore/pkg/types"
)

// Ready is a socket readiness bitmask.
type Ready uint8

const (
	Readable Ready = 1 << iota
	Writable
	Hangup
)

func (r Ready) String() string {
	var parts []string
	if r&Readable != 0 {
		parts = append(parts, "readable")
	}
	if r&Writable != 0 {
		parts = append(parts, "writable")
	}
	if r&Hangup != 0 {
		parts = append(parts, "hangup")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Reply holds the lines of a successful response, without the final OK.
type Reply struct {
	Lines []string
}

// Pair is one "key: value" line.
type Pair struct {
	Key   string
	Value string
}

// Pairs splits every line at the first ": ". Lines without a separator
// (list_OK among them) are skipped.
func (r Reply) Pairs() []Pair {
	out := make([]Pair, 0, len(r.Lines))
	for _, ln := range r.Lines {
		k, v, ok := strings.Cut(ln, ": ")
		if !ok {
			continue
		}
		out = append(out, Pair{Key: k, Value: v})
	}
	return out
}

// Map returns the pairs keyed by lower-cased key; later keys win.
func (r Reply) Map() map[string]string {
	m := make(map[string]string, len(r.Lines))
	for _, p := range r.Pairs() {
		m[strings.ToLower(p.Key)] = p.Value
	}
	return m
}

// Get returns the first value for key (case-insensitive).
func (r Reply) Get(key string) (string, bool) {
	for _, p := range r.Pairs() {
		if strings.EqualFold(p.Key, key) {
			return p.Value, true
		}
	}
	return "", false
}

// Changes collects the "changed:" lines of an idle reply into a mask.
// Unknown subsystem names are returned separately.
func (r Reply) Changes() (types.Mask, []string) {
	var mask types.Mask
	var unknown []string
	for _, ln := range r.Lines {
		bit, name, ok := ParseChanged(ln)
		if !ok {
			continue
		}
		if bit == types.None {
			unknown = append(unknown, name)
			continue
		}
		mask |= bit
	}
	return mask, unknown
}

// ParseChanged parses one "changed: <subsystem>" line. ok is false when the
// line is not a change record; bit is None for an unknown subsystem.
func ParseChanged(line string) (bit types.Mask, name string, ok bool) {
	name, ok = strings.CutPrefix(line, "changed: ")
	if !ok {
		return types.None, "", false
	}
	return types.ParseSubsystem(name), name, true
}

// AckError is a server-side command failure:
//
//	ACK [code@index] {command} message
type AckError struct {
	Code    int
	Index   int
	Command string
	Message string
}

func (e *AckError) Error() string {
	return fmt.Sprintf("ACK [%d@%d] {%s} %s", e.Code, e.Index, e.Command, e.Message)
}

// Well-known ACK codes.
const (
	AckNotList     = 1
	AckArg         = 2
	AckPassword    = 3
	AckPermission  = 4
	AckUnknown     = 5
	AckNoExist     = 50
	AckPlaylistMax = 51
	AckSystem      = 52
	AckPlaylistLd  = 53
	AckUpdateAlr   = 54
	AckPlayerSync  = 55
	AckExist       = 56
)

// ParseAck parses an ACK line. Lines that do not follow the grammar still
// produce an AckError carrying the raw text as Message.
func ParseAck(line string) *AckError {
	e := &AckError{Message: strings.TrimPrefix(line, "ACK ")}
	rest, ok := strings.CutPrefix(line, "ACK [")
	if !ok {
		return e
	}
	head, rest, ok := strings.Cut(rest, "] ")
	if !ok {
		return e
	}
	code, idx, ok := strings.Cut(head, "@")
	if !ok {
		return e
	}
	e.Code, _ = strconv.Atoi(code)
	e.Index, _ = strconv.Atoi(idx)

	if cmdPart, ok := strings.CutPrefix(rest, "{"); ok {
		if cmd, msg, ok := strings.Cut(cmdPart, "} "); ok {
			e.Command, e.Message = cmd, msg
			return e
		}
		if cmd, ok := strings.CutSuffix(cmdPart, "}"); ok {
			e.Command, e.Message = cmd, ""
			return e
		}
	}
	e.Message = rest
	return e
}

// IsAck reports whether err is (or wraps) a server ACK.
func IsAck(err error) bool {
	var ack *AckError
	return errors.As(err, &ack)
}

// Quote escapes and quotes a command argument.
func Quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
