package factory

import (
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsddb "github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/loykin/idlestop/internal/store"
	ddb "github.com/loykin/idlestop/internal/store/dynamodb"
	pg "github.com/loykin/idlestop/internal/store/postgres"
	sq "github.com/loykin/idlestop/internal/store/sqlite"
)

// New selects a counter store implementation based on dsn and binds it to table.
// Supported:
//   - dynamodb: "" or "dynamodb" or "dynamodb://" (client built from awsCfg)
//   - memory:   "memory" (process-local, for dry runs)
//   - postgres: DSN starting with "postgres://" or "postgresql://"
//   - sqlite:   "sqlite:///<path>" or bare filepath
func New(dsn, table string, awsCfg aws.Config) (store.Store, error) {
	if strings.TrimSpace(table) == "" {
		return nil, errors.New("empty state table")
	}
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	switch {
	case ld == "" || ld == "dynamodb" || strings.HasPrefix(ld, "dynamodb://"):
		return ddb.New(awsddb.NewFromConfig(awsCfg), table)
	case ld == "memory":
		return store.NewMemory(), nil
	case strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://"):
		return pg.New(d, table)
	case strings.HasPrefix(ld, "sqlite://"):
		return sq.New(d[len("sqlite://"):], table)
	}
	// default to sqlite path
	return sq.New(d, table)
}

// NeedsAWS reports whether dsn selects a backend that talks to AWS.
func NeedsAWS(dsn string) bool {
	ld := strings.ToLower(strings.TrimSpace(dsn))
	return ld == "" || ld == "dynamodb" || strings.HasPrefix(ld, "dynamodb://")
}
