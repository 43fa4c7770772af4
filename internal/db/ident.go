package db

import "strings"

// QuoteIdent double-quotes a SQL identifier, escaping embedded quotes.
// Schema, table and column names come from configuration and mapping
// artifacts, never from request input, but they are still quoted.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
