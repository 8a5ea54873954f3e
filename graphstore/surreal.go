package graphstore

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/contrib/rews"
	"github.com/surrealdb/surrealdb.go/pkg/connection"
	"github.com/surrealdb/surrealdb.go/pkg/connection/gorillaws"
	sdklog "github.com/surrealdb/surrealdb.go/pkg/logger"
	"github.com/surrealdb/surrealdb.go/surrealcbor"
	"go.uber.org/zap"

	"github.com/graphloom/loom/errors"
	"github.com/graphloom/loom/faults"
)

func init() {
	// WebSocket upgrade requires HTTP/1.1 semantics which fail under HTTP/2.
	gorillaws.DefaultDialer.TLSClientConfig = &tls.Config{
		NextProtos: []string{"http/1.1"},
	}
}

const dependency = "graph"

// Config holds SurrealDB connection settings.
type Config struct {
	URL       string
	Namespace string
	Database  string
	Username  string
	Password  string
}

// Surreal is the SurrealDB-backed Store with an auto-reconnecting WebSocket
// connection.
type Surreal struct {
	conn *rews.Connection[*gorillaws.Connection]
	db   *surrealdb.DB
	log  *zap.SugaredLogger
}

// Connect dials SurrealDB, authenticates, selects the namespace and database,
// and applies the graph schema.
func Connect(ctx context.Context, cfg Config, log *zap.SugaredLogger) (*Surreal, error) {
	codec := surrealcbor.New()
	sdkLogger := sdklog.New(slog.Default().Handler())

	// gorillaws appends /rpc itself
	baseURL := strings.TrimSuffix(cfg.URL, "/rpc")

	conn := rews.New(
		func(ctx context.Context) (*gorillaws.Connection, error) {
			return gorillaws.New(&connection.Config{
				BaseURL:     baseURL,
				Marshaler:   codec,
				Unmarshaler: codec,
				Logger:      sdkLogger,
			}), nil
		},
		5*time.Second,
		codec,
		sdkLogger,
	)

	retryer := rews.NewExponentialBackoffRetryer()
	retryer.InitialDelay = 1 * time.Second
	retryer.MaxDelay = 30 * time.Second
	retryer.Multiplier = 2.0
	retryer.MaxRetries = 10
	conn.Retryer = retryer

	log.Infow("connecting to graph store", "url", cfg.URL)
	if err := conn.Connect(ctx); err != nil {
		return nil, faults.Mark(faults.Transient, dependency, errors.Wrap(err, "failed to connect to graph store"))
	}

	db, err := surrealdb.FromConnection(ctx, conn)
	if err != nil {
		_ = conn.Close(ctx)
		return nil, faults.Mark(faults.Transient, dependency, errors.Wrap(err, "failed to initialize graph connection"))
	}

	if _, err := db.SignIn(ctx, surrealdb.Auth{
		Username: cfg.Username,
		Password: cfg.Password,
	}); err != nil {
		_ = conn.Close(ctx)
		return nil, faults.Mark(faults.Permanent, dependency, errors.Wrap(err, "graph store authentication failed"))
	}

	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		_ = conn.Close(ctx)
		return nil, faults.Mark(faults.Permanent, dependency,
			errors.Wrapf(err, "failed to select %s/%s", cfg.Namespace, cfg.Database))
	}

	s := &Surreal{conn: conn, db: db, log: log}
	if err := s.initSchema(ctx); err != nil {
		_ = conn.Close(ctx)
		return nil, err
	}

	log.Infow("graph store ready", "namespace", cfg.Namespace, "database", cfg.Database)
	return s, nil
}

// Close closes the underlying connection.
func (s *Surreal) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}

func (s *Surreal) initSchema(ctx context.Context) error {
	if _, err := surrealdb.Query[any](ctx, s.db, SchemaSQL, nil); err != nil {
		return faults.Mark(faults.Permanent, dependency, errors.Wrap(err, "failed to apply graph schema"))
	}
	return nil
}

// Commit applies the whole batch inside one SurrealQL transaction. SurrealDB
// cancels the transaction server-side if any statement fails, so a failed
// commit leaves no partial state behind.
func (s *Surreal) Commit(ctx context.Context, m *Mutations) error {
	if m.Empty() {
		return nil
	}

	sql, vars := buildCommitQuery(m)
	results, err := surrealdb.Query[any](ctx, s.db, sql, vars)
	if err != nil {
		return classifyQueryError(err)
	}
	if results != nil {
		for _, r := range *results {
			if r.Status != "OK" {
				return faults.Markf(faults.Transient, dependency, "graph commit statement failed: %s", r.Status)
			}
		}
	}

	s.log.Debugw("graph batch committed", "nodes", len(m.Nodes), "edges", len(m.Edges))
	return nil
}

// HealthCheck runs a trivial query to confirm the store answers.
func (s *Surreal) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := surrealdb.Query[any](ctx, s.db, "RETURN 1", nil); err != nil {
		return faults.Mark(faults.Transient, dependency, errors.Wrap(err, "graph store unreachable"))
	}
	return nil
}

// Query executes raw SurrealQL. Used by read-side endpoints.
func (s *Surreal) Query(ctx context.Context, sql string, vars map[string]any) (*[]surrealdb.QueryResult[any], error) {
	results, err := surrealdb.Query[any](ctx, s.db, sql, vars)
	if err != nil {
		return nil, classifyQueryError(err)
	}
	return results, nil
}

// buildCommitQuery renders the staged batch as one parameterized transaction.
func buildCommitQuery(m *Mutations) (string, map[string]any) {
	var b strings.Builder
	vars := make(map[string]any, m.Count())

	b.WriteString("BEGIN TRANSACTION;\n")
	for i, n := range m.Nodes {
		key := fmt.Sprintf("n%d", i)
		fmt.Fprintf(&b, "UPSERT node:%s CONTENT $%s;\n", n.ID, key)
		vars[key] = map[string]any{
			"kind":       n.Kind,
			"name":       n.Name,
			"attributes": n.Attributes,
			"confidence": n.Confidence,
			"source_ref": n.SourceRef,
		}
	}
	for i, e := range m.Edges {
		key := fmt.Sprintf("e%d", i)
		fmt.Fprintf(&b, "RELATE node:%s->relates->node:%s CONTENT $%s;\n", e.Subject, e.Object, key)
		vars[key] = map[string]any{
			"predicate":  e.Predicate,
			"confidence": e.Confidence,
			"source_ref": e.SourceRef,
		}
	}
	b.WriteString("COMMIT TRANSACTION;")

	return b.String(), vars
}

// classifyQueryError maps SurrealDB errors onto fault classes. Transaction
// conflicts and connection drops are retryable; malformed queries are not.
func classifyQueryError(err error) error {
	var queryErr *surrealdb.QueryError
	if errors.As(err, &queryErr) {
		msg := strings.ToLower(queryErr.Message)
		if strings.Contains(msg, "conflict") || strings.Contains(msg, "retry") {
			return faults.Mark(faults.Transient, dependency, errors.Wrap(err, "graph transaction conflict"))
		}
		return faults.Mark(faults.Permanent, dependency, errors.Wrap(err, "graph query rejected"))
	}
	return faults.ClassifyNetwork(dependency, err)
}
