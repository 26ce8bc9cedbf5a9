package jobstore

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildFromDSN dispatches on dsn's URL scheme to build a Store. Grounded on
// the teacher's BuildStateBackendFromDSN dispatch shape (state_backend_factory.go):
// an empty dsn or a memory:// scheme gets the in-memory backend, anything
// postgres:// gets the durable one.
func BuildFromDSN(dsn string, validator *PayloadValidator) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryStore(validator), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("jobstore: parsing dsn: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory", "mem", "inmem":
		return NewMemoryStore(validator), nil
	case "postgres", "postgresql":
		return NewPostgresStore(dsn, validator)
	default:
		return nil, fmt.Errorf("jobstore: unsupported store scheme %q", parsed.Scheme)
	}
}
