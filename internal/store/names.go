package store

import "regexp"

var (
	sqlTableRe    = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)
	dynamoTableRe = regexp.MustCompile(`^[A-Za-z0-9_.-]{3,255}$`)
)

// ValidSQLTable reports whether name can be spliced into SQL as a table
// identifier. Placeholders cannot bind identifiers, so this is the only guard.
func ValidSQLTable(name string) bool { return sqlTableRe.MatchString(name) }

// ValidDynamoTable reports whether name satisfies DynamoDB table naming rules.
func ValidDynamoTable(name string) bool { return dynamoTableRe.MatchString(name) }
