package sql

import (
	libinjection "github.com/corazawaf/libinjection-go"
)

// InjectionMatch describes a value libinjection flagged as SQL.
type InjectionMatch struct {
	Field       string
	Fingerprint string
}

// CheckPredicateValue runs libinjection over a comparison value. Values are
// always bound as parameters; this only keeps obvious payloads out of the ledger.
// Returns nil when the value looks like data.
func CheckPredicateValue(field, value string) *InjectionMatch {
	if value == "" {
		return nil
	}
	isSQLi, fingerprint := libinjection.IsSQLi(value)
	if !isSQLi {
		return nil
	}
	return &InjectionMatch{Field: field, Fingerprint: string(fingerprint)}
}
