package compiler

import "regexp"

// identifierPattern is the only place a name is allowed to reach a store
// protocol without having passed through the pg_query_go AST — the
// streaming store's SUBSCRIBE-style commands chief among them (spec.md
// §4.2 "Identifier validation").
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// validateIdentifier rejects any name that could not have been produced by
// the AST builders in this package.
func validateIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return &InvalidIdentifier{Identifier: name}
	}
	return nil
}
