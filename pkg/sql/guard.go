package sql

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrSessionControl indicates a transaction or session statement. These would end
	// or reconfigure the transaction the statement runs in.
	ErrSessionControl = errors.New("transaction and session statements are not allowed")

	// ErrObjectNotAllowed indicates DDL on objects that live outside a single table.
	ErrObjectNotAllowed = errors.New("statement on this kind of object is not allowed")

	// ErrFunctionNotAllowed indicates a call to a function that touches session state or the server.
	ErrFunctionNotAllowed = errors.New("function is not allowed")

	// ErrSchemaReference indicates a name qualified with a schema other than the dataset's own.
	ErrSchemaReference = errors.New("schema-qualified names outside the dataset are not allowed; name tables without a schema")

	// ErrEngineTable indicates a reference to one of the engine's bookkeeping tables.
	ErrEngineTable = errors.New("engine tables are not accessible")

	// ErrUnicodeIdentifier indicates a U&"..." identifier, whose escapes could hide a name.
	ErrUnicodeIdentifier = errors.New("unicode escaped identifiers are not allowed")
)

var sessionStatements = map[string]bool{
	"begin": true, "start": true, "commit": true, "end": true, "rollback": true, "abort": true,
	"savepoint": true, "release": true, "prepare": true, "execute": true, "deallocate": true,
	"set": true, "reset": true, "discard": true, "do": true, "call": true, "copy": true,
	"listen": true, "notify": true, "unlisten": true, "load": true, "grant": true, "revoke": true,
	"vacuum": true, "checkpoint": true, "security": true, "reassign": true, "import": true,
}

// ddlModifiers may sit between CREATE/ALTER/DROP/COMMENT and the object kind.
var ddlModifiers = map[string]bool{
	"or": true, "replace": true, "temp": true, "temporary": true, "unlogged": true, "global": true,
	"local": true, "trusted": true, "procedural": true, "materialized": true, "unique": true,
	"recursive": true, "constraint": true, "on": true,
}

var blockedObjects = map[string]bool{
	"role": true, "user": true, "group": true, "schema": true, "database": true, "extension": true,
	"function": true, "procedure": true, "routine": true, "trigger": true, "event": true,
	"publication": true, "subscription": true, "server": true, "tablespace": true, "language": true,
	"policy": true, "rule": true, "system": true, "foreign": true, "aggregate": true, "operator": true,
	"cast": true, "conversion": true, "owned": true, "default": true, "large": true, "transform": true,
	"access": true,
}

var blockedFunctions = map[string]bool{
	"set_config": true, "pg_reload_conf": true, "pg_rotate_logfile": true,
	"pg_terminate_backend": true, "pg_cancel_backend": true,
	"pg_advisory_lock": true, "pg_try_advisory_lock": true, "pg_advisory_unlock": true, "pg_advisory_unlock_all": true,
	"pg_read_file": true, "pg_read_binary_file": true, "pg_ls_dir": true, "pg_stat_file": true,
	"lo_import": true, "lo_export": true,
	"dblink": true, "dblink_exec": true, "dblink_connect": true,
	"query_to_xml": true, "query_to_xmlschema": true, "query_to_xml_and_xmlschema": true, "cursor_to_xml": true,
}

var engineTables = map[string]bool{
	"wrangle_datasets": true, "wrangle_history": true, "schema_migrations": true,
}

var datasetSchema = regexp.MustCompile(`^(dataset|original|backup)_[0-9]+$`)

// CheckDatasetStatement screens a single user statement that will run inside the
// engine's transaction with the dataset's working schema as the only search path entry.
// It rejects statements that end or reconfigure the transaction, DDL outside tables,
// calls that reach session or server state, and names in other schemas.
func CheckDatasetStatement(query string) error {
	tokens, err := tokenize(query)
	if err != nil {
		return err
	}

	words := make([]string, 0, 6)
	for _, tok := range tokens {
		if tok.kind == tokIdent {
			words = append(words, tok.text)
		} else if tok.kind != tokPunct || tok.text != "(" || len(words) > 0 {
			break
		}
		if len(words) == cap(words) {
			break
		}
	}
	if len(words) > 0 {
		if sessionStatements[words[0]] {
			return fmt.Errorf("%w: %s", ErrSessionControl, strings.ToUpper(words[0]))
		}
		switch words[0] {
		case "create", "alter", "drop", "comment":
			for _, w := range words[1:] {
				if ddlModifiers[w] {
					continue
				}
				if blockedObjects[w] {
					return fmt.Errorf("%w: %s %s", ErrObjectNotAllowed, strings.ToUpper(words[0]), strings.ToUpper(w))
				}
				break
			}
		}
	}

	for i, tok := range tokens {
		if tok.kind != tokIdent && tok.kind != tokQuoted {
			continue
		}
		if engineTables[tok.text] {
			return fmt.Errorf("%w: %s", ErrEngineTable, tok.text)
		}
		if i+1 >= len(tokens) || tokens[i+1].kind != tokPunct {
			continue
		}
		switch tokens[i+1].text {
		case "(":
			if blockedFunctions[tok.text] {
				return fmt.Errorf("%w: %s", ErrFunctionNotAllowed, tok.text)
			}
		case ".":
			if tok.text == "public" || tok.text == "pg_toast" || datasetSchema.MatchString(tok.text) {
				return fmt.Errorf("%w: %s", ErrSchemaReference, tok.text)
			}
		}
	}
	return nil
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokQuoted
	tokPunct
	tokOther
)

type token struct {
	kind tokenKind
	text string
}

// tokenize splits a statement into identifiers and punctuation, dropping literals,
// comments and dollar-quoted bodies. Unquoted identifiers are folded to lower case
// the way PostgreSQL folds them.
func tokenize(query string) ([]token, error) {
	var tokens []token
	for i := 0; i < len(query); {
		c := query[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f':
			i++

		case (c == 'u' || c == 'U') && strings.HasPrefix(query[i+1:], `&"`):
			return nil, ErrUnicodeIdentifier

		case c == '\'':
			end := closingLiteral(query, i)
			if end < 0 {
				return nil, ErrUnterminated
			}
			tokens = append(tokens, token{kind: tokOther, text: "'"})
			i = end + 1

		case c == '"':
			end := closingQuote(query, i+1, c)
			if end < 0 {
				return nil, ErrUnterminated
			}
			tokens = append(tokens, token{kind: tokQuoted, text: strings.ReplaceAll(query[i+1:end], `""`, `"`)})
			i = end + 1

		case c == '-' && i+1 < len(query) && query[i+1] == '-':
			nl := strings.IndexByte(query[i:], '\n')
			if nl < 0 {
				return tokens, nil
			}
			i += nl + 1

		case c == '/' && i+1 < len(query) && query[i+1] == '*':
			end := strings.Index(query[i+2:], "*/")
			if end < 0 {
				return nil, ErrUnterminated
			}
			i += end + 4

		case c == '$':
			if tag, ok := dollarTag(query[i:]); ok {
				end := strings.Index(query[i+len(tag):], tag)
				if end < 0 {
					return nil, ErrUnterminated
				}
				tokens = append(tokens, token{kind: tokOther, text: "$"})
				i += len(tag)*2 + end
				continue
			}
			j := i + 1
			for j < len(query) && query[j] >= '0' && query[j] <= '9' {
				j++
			}
			tokens = append(tokens, token{kind: tokOther, text: query[i:j]})
			i = j

		case c >= '0' && c <= '9':
			j := i + 1
			for j < len(query) && (query[j] >= '0' && query[j] <= '9' || query[j] == '.' || query[j] == 'e' || query[j] == 'E' || query[j] == '_') {
				j++
			}
			tokens = append(tokens, token{kind: tokOther, text: query[i:j]})
			i = j

		case isIdentByte(c) && c != '$':
			j := i + 1
			for j < len(query) && isIdentByte(query[j]) {
				j++
			}
			if j == i+1 && (c == 'e' || c == 'E') && j < len(query) && query[j] == '\'' {
				// E'...' is a literal, not an identifier.
				i = j
				continue
			}
			tokens = append(tokens, token{kind: tokIdent, text: strings.ToLower(query[i:j])})
			i = j

		default:
			tokens = append(tokens, token{kind: tokPunct, text: string(c)})
			i++
		}
	}
	return tokens, nil
}
