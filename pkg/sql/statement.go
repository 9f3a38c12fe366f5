// Package sql holds the guards applied to user-supplied SQL before it reaches a dataset schema.
package sql

import (
	"errors"
	"strings"
)

var (
	// ErrMultipleStatements indicates the query contains more than one statement.
	ErrMultipleStatements = errors.New("multiple SQL statements not allowed; only single statements are permitted")

	// ErrUnterminated indicates a quoted literal, identifier or block comment is never closed.
	ErrUnterminated = errors.New("unterminated quote or comment")
)

// Statement is a normalized single statement.
type Statement struct {
	SQL   string
	Error error
}

// Empty reports whether nothing but whitespace, comments and semicolons was supplied.
func (s Statement) Empty() bool {
	return s.Error == nil && s.SQL == ""
}

// NormalizeStatement trims the query and strips trailing semicolons. Any other
// semicolon outside literals, quoted identifiers, dollar-quoted bodies and
// comments makes the query a multi-statement batch and is rejected.
func NormalizeStatement(query string) Statement {
	query = strings.TrimSpace(query)
	for strings.HasSuffix(query, ";") {
		query = strings.TrimSpace(strings.TrimSuffix(query, ";"))
	}
	if query == "" {
		return Statement{}
	}

	code, err := scanTopLevel(query)
	if err != nil {
		return Statement{Error: err}
	}
	if strings.Contains(code, ";") {
		return Statement{Error: ErrMultipleStatements}
	}
	if strings.TrimSpace(code) == "" {
		return Statement{}
	}
	return Statement{SQL: query}
}

// scanTopLevel returns the query with every literal, quoted identifier,
// dollar-quoted body and comment blanked out.
func scanTopLevel(query string) (string, error) {
	var out strings.Builder
	out.Grow(len(query))

	for i := 0; i < len(query); {
		c := query[i]
		switch {
		case c == '\'' || c == '"':
			end := closingQuote(query, i+1, c)
			if c == '\'' {
				end = closingLiteral(query, i)
			}
			if end < 0 {
				return "", ErrUnterminated
			}
			out.WriteByte(' ')
			i = end + 1

		case c == '-' && i+1 < len(query) && query[i+1] == '-':
			nl := strings.IndexByte(query[i:], '\n')
			if nl < 0 {
				return out.String(), nil
			}
			out.WriteByte(' ')
			i += nl + 1

		case c == '/' && i+1 < len(query) && query[i+1] == '*':
			end := strings.Index(query[i+2:], "*/")
			if end < 0 {
				return "", ErrUnterminated
			}
			out.WriteByte(' ')
			i += end + 4

		case c == '$' && (i == 0 || !isIdentByte(query[i-1])):
			tag, ok := dollarTag(query[i:])
			if !ok {
				out.WriteByte(c)
				i++
				continue
			}
			end := strings.Index(query[i+len(tag):], tag)
			if end < 0 {
				return "", ErrUnterminated
			}
			out.WriteByte(' ')
			i += len(tag)*2 + end

		default:
			out.WriteByte(c)
			i++
		}
	}
	return out.String(), nil
}

// closingQuote finds the index of the quote that closes a literal opened
// before start. Doubled quotes are escapes.
func closingQuote(s string, start int, quote byte) int {
	for i := start; i < len(s); i++ {
		if s[i] != quote {
			continue
		}
		if i+1 < len(s) && s[i+1] == quote {
			i++
			continue
		}
		return i
	}
	return -1
}

// closingLiteral finds the quote that closes the string literal opening at open.
// An E'...' literal also treats a backslash as escaping the next byte.
func closingLiteral(s string, open int) int {
	escapes := open > 0 && (s[open-1] == 'e' || s[open-1] == 'E') && (open < 2 || !isIdentByte(s[open-2]))
	if !escapes {
		return closingQuote(s, open+1, '\'')
	}
	for i := open + 1; i < len(s); i++ {
		switch {
		case s[i] == '\\':
			i++
		case s[i] != '\'':
		case i+1 < len(s) && s[i+1] == '\'':
			i++
		default:
			return i
		}
	}
	return -1
}

// dollarTag recognizes $$ and $tag$ openers.
func dollarTag(s string) (string, bool) {
	for i := 1; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '$':
			return s[:i+1], true
		case c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9' && i > 1:
		default:
			return "", false
		}
	}
	return "", false
}

// isIdentByte reports whether c can continue an unquoted identifier. A $ after
// one of these is part of the identifier, not a dollar-quote opener.
func isIdentByte(c byte) bool {
	return c == '_' || c == '$' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c >= 0x80
}
