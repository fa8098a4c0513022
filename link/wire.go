package link

import (
	"errors"
	"fmt"
	"strings"
)

// MaxLineLength bounds one protocol line including the trailing CRLF.
// Producers must chunk below it; consumers reject anything over it.
const MaxLineLength = 512

var (
	// ErrEmptyLine indicates a line with no command token.
	ErrEmptyLine = errors.New("link: empty line")
	// ErrLineTooLong indicates an inbound line over MaxLineLength.
	ErrLineTooLong = errors.New("link: line exceeds maximum length")
)

// parseLine splits one CRLF-stripped protocol line into its optional prefix,
// command token and parameters. A parameter introduced by ':' swallows the
// rest of the line, spaces included.
func parseLine(raw string) (prefix, command string, params []string, err error) {
	if len(raw) > MaxLineLength-2 {
		return "", "", nil, ErrLineTooLong
	}
	rest := strings.TrimRight(raw, "\r\n")

	if strings.HasPrefix(rest, ":") {
		cut := strings.IndexByte(rest, ' ')
		if cut < 0 {
			return "", "", nil, fmt.Errorf("%w: prefix without command", ErrEmptyLine)
		}
		prefix = rest[1:cut]
		rest = rest[cut+1:]
	}

	for rest != "" {
		if rest[0] == ' ' {
			rest = rest[1:]
			continue
		}
		if command != "" && rest[0] == ':' {
			params = append(params, rest[1:])
			break
		}
		token := rest
		if cut := strings.IndexByte(rest, ' '); cut >= 0 {
			token = rest[:cut]
			rest = rest[cut+1:]
		} else {
			rest = ""
		}
		if command == "" {
			command = strings.ToUpper(token)
		} else {
			params = append(params, token)
		}
	}

	if command == "" {
		return "", "", nil, ErrEmptyLine
	}
	return prefix, command, params, nil
}

// formatLine renders a protocol line without its CRLF terminator. The final
// parameter is sent as trailing whenever it contains a space, is empty, or
// begins with ':'.
func formatLine(prefix, command string, params ...string) string {
	var b strings.Builder
	if prefix != "" {
		b.WriteByte(':')
		b.WriteString(prefix)
		b.WriteByte(' ')
	}
	b.WriteString(command)
	for i, p := range params {
		b.WriteByte(' ')
		if i == len(params)-1 && (p == "" || strings.ContainsRune(p, ' ') || strings.HasPrefix(p, ":")) {
			b.WriteByte(':')
		}
		b.WriteString(p)
	}
	return b.String()
}
