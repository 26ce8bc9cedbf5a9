package checkpoint

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildFromDSN dispatches on dsn's URL scheme to build a Store, mirroring
// jobstore.BuildFromDSN.
func BuildFromDSN(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: parsing dsn: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "postgres", "postgresql":
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("checkpoint: unsupported store scheme %q", parsed.Scheme)
	}
}
