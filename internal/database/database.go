package database

import (
	"context"
	"database/sql"
	stderrors "errors"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/NikhilSetiya/annotation-enrichment/pkg/config"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/errors"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/metrics"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/tracing"
)

const connectTimeout = 10 * time.Second

// DB is the PostgreSQL handle shared by the repositories. Every repository
// query goes through observe so it is traced and timed.
type DB struct {
	*sqlx.DB
	metrics *metrics.Metrics
	tracer  *tracing.TracingService
}

// Option configures a DB
type Option func(*DB)

// WithMetrics records query durations
func WithMetrics(m *metrics.Metrics) Option {
	return func(db *DB) { db.metrics = m }
}

// WithTracer creates a span per query
func WithTracer(ts *tracing.TracingService) Option {
	return func(db *DB) { db.tracer = ts }
}

// DSN renders cfg as a postgres:// URL with credentials escaped
func DSN(cfg *config.DatabaseConfig) string {
	query := url.Values{}
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	query.Set("sslmode", sslMode)
	query.Set("connect_timeout", strconv.Itoa(int(connectTimeout.Seconds())))

	u := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:     "/" + cfg.Name,
		RawQuery: query.Encode(),
	}
	if cfg.User != "" {
		u.User = url.UserPassword(cfg.User, cfg.Password)
	}
	return u.String()
}

// New opens the connection pool described by cfg and pings it
func New(ctx context.Context, cfg *config.DatabaseConfig, opts ...Option) (*DB, error) {
	if cfg == nil {
		return nil, errors.NewValidationError("database configuration is required")
	}

	conn, err := sqlx.Open("postgres", DSN(cfg))
	if err != nil {
		return nil, errors.NewInternalError("failed to open database").WithCause(err)
	}
	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	conn.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, errors.NewUnavailableError("postgres", "database is unreachable").WithCause(err)
	}

	return Wrap(conn, opts...), nil
}

// Wrap adopts an existing connection
func Wrap(conn *sqlx.DB, opts ...Option) *DB {
	db := &DB{DB: conn}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

// Close closes the pool
func (db *DB) Close() error {
	if db == nil || db.DB == nil {
		return nil
	}
	return db.DB.Close()
}

// Health pings the database
func (db *DB) Health(ctx context.Context) error {
	if db == nil || db.DB == nil {
		return errors.NewUnavailableError("postgres", "database is not configured")
	}
	if err := db.PingContext(ctx); err != nil {
		return errors.NewUnavailableError("postgres", "database ping failed").WithCause(err)
	}
	return nil
}

// Stats returns pool statistics
func (db *DB) Stats() sql.DBStats {
	return db.DB.Stats()
}

// observe starts a span for a query; the returned func ends it and records
// the query duration. sql.ErrNoRows is not recorded as a span error.
func (db *DB) observe(ctx context.Context, operation, table string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := db.tracer.StartDatabaseSpan(ctx, operation, table)
	return ctx, func(err error) {
		db.metrics.RecordDatabaseQuery(operation, table, time.Since(start))
		if err != nil && !stderrors.Is(err, sql.ErrNoRows) {
			db.tracer.RecordError(span, err)
		}
		span.End()
	}
}

// ConnectionProbe reports pool statistics to the metrics collector
func (db *DB) ConnectionProbe() metrics.Probe {
	return func(m *metrics.Metrics) {
		stats := db.Stats()
		m.UpdateDatabaseConnections(stats.OpenConnections, stats.Idle, stats.InUse)
	}
}
