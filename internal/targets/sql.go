package targets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/add146/pendaftaran-sub000/internal/broadcast"
)

type SQLConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string
	DSN    string
	// Queries maps a source name to a SELECT returning id, name, address
	// and optionally message, in delivery order.
	Queries map[string]string
	Timeout time.Duration
}

// SQLProvider loads targets with a named query, e.g. the registrations of an
// event that have not been notified yet.
type SQLProvider struct {
	db      *sql.DB
	queries map[string]string
	timeout time.Duration
}

var _ broadcast.TargetProvider = (*SQLProvider)(nil)

func OpenSQL(cfg SQLConfig) (*SQLProvider, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "sqlite", "sqlite3":
		driver = "sqlite"
	case "postgres", "postgresql", "pq":
		driver = "postgres"
	default:
		return nil, fmt.Errorf("unknown sql driver %q", cfg.Driver)
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("sql dsn is required")
	}
	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
	}
	return NewSQL(db, cfg.Queries, cfg.Timeout), nil
}

func NewSQL(db *sql.DB, queries map[string]string, timeout time.Duration) *SQLProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	q := make(map[string]string, len(queries))
	for k, v := range queries {
		q[strings.TrimSpace(k)] = v
	}
	return &SQLProvider{db: db, queries: q, timeout: timeout}
}

func (p *SQLProvider) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

// LoadTargets runs the query named by jc.Source. jc.Params["arg1"],
// ["arg2"], ... are passed as positional arguments.
func (p *SQLProvider) LoadTargets(ctx context.Context, jc broadcast.JobContext) ([]broadcast.Target, error) {
	name := strings.TrimSpace(jc.Source)
	query, ok := p.queries[name]
	if !ok {
		return nil, fmt.Errorf("unknown sql query %q", name)
	}
	var args []any
	for i := 1; ; i++ {
		v, ok := jc.Params[fmt.Sprintf("arg%d", i)]
		if !ok {
			break
		}
		args = append(args, v)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", name, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	if len(cols) < 3 {
		return nil, fmt.Errorf("query %s: want columns id, name, address[, message], got %d", name, len(cols))
	}

	var out []broadcast.Target
	for rows.Next() {
		var (
			id, nm, addr sql.NullString
			msg          sql.NullString
		)
		dest := []any{&id, &nm, &addr}
		if len(cols) > 3 {
			dest = append(dest, &msg)
		}
		for i := len(dest); i < len(cols); i++ {
			dest = append(dest, new(sql.RawBytes))
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("query %s: %w", name, err)
		}
		out = append(out, broadcast.Target{ID: id.String, Name: nm.String, Address: addr.String, Message: msg.String})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query %s: %w", name, err)
	}
	return Normalize(out)
}
