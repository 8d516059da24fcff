package board

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildTaskTableFromDSN selects a task table by URL scheme: memory://,
// sqlite:///path/to/board.db or postgres://... An empty DSN means memory.
func BuildTaskTableFromDSN(dsn string) (TaskTable, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryTaskTable(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupTaskTableFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewInMemoryTaskTable(), nil
	case "sqlite", "sqlite3", "file", "":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteTaskTable(path)
	case "postgres", "postgresql":
		return NewPostgresTaskTable(dsn)
	case "mysql":
		return nil, fmt.Errorf("%w: task table %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported task table scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

// RedactDSN hides credentials so the DSN can be logged.
func RedactDSN(dsn string) string {
	parsed, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil || parsed.User == nil {
		return dsn
	}
	return parsed.Redacted()
}
