package catalog

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/geosink/geosink/pkg/errors"
	"github.com/geosink/geosink/pkg/feature"
)

// schemaRegistryTable holds one row per feature type: the type name and
// the JSON-encoded schema definition. Feature tables are created alongside
// their registry rows.
const schemaRegistryTable = "geosink_schemas"

const uniqueViolation = "23505"

// PostgresCatalog is a PostgreSQL-backed catalog adapter. Each feature
// type maps to one table; schema definitions live in a registry table so
// lookups return exactly what was registered. The underlying pgx pool is
// safe for concurrent use by multiple pipeline instances.
type PostgresCatalog struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresCatalog connects to PostgreSQL and ensures the schema
// registry table exists. The returned catalog owns the connection pool
// until Dispose.
func NewPostgresCatalog(ctx context.Context, dsn string, connectTimeout time.Duration, logger *zap.Logger) (*PostgresCatalog, error) {
	if connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, connectTimeout)
		defer cancel()
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to reach postgres")
	}

	c := &PostgresCatalog{
		pool:   pool,
		logger: logger.With(zap.String("component", "postgres_catalog")),
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		type_name  text PRIMARY KEY,
		definition jsonb NOT NULL,
		updated_at timestamptz NOT NULL DEFAULT now()
	)`, schemaRegistryTable)
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to ensure schema registry")
	}

	return c, nil
}

// featureTable returns the quoted table name for a feature type.
func featureTable(typeName string) string {
	return pgx.Identifier{"gs_" + strings.ToLower(typeName)}.Sanitize()
}

// sqlType maps a declared attribute type to its column type.
func sqlType(t feature.AttributeType) string {
	switch t {
	case feature.TypeInt:
		return "bigint"
	case feature.TypeFloat:
		return "double precision"
	case feature.TypeBool:
		return "boolean"
	case feature.TypeTimestamp:
		return "timestamptz"
	case feature.TypeBinary:
		return "bytea"
	default:
		// string and geometry values travel as text
		return "text"
	}
}

// GetSchema implements Catalog.
func (c *PostgresCatalog) GetSchema(ctx context.Context, typeName string) (*feature.Schema, error) {
	var definition []byte
	row := c.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT definition FROM %s WHERE type_name = $1", schemaRegistryTable),
		typeName)
	if err := row.Scan(&definition); err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, errors.Newf(errors.ErrorTypeNotFound, "schema %q not found", typeName)
		}
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "schema lookup failed")
	}

	var schema feature.Schema
	if err := json.Unmarshal(definition, &schema); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "stored schema definition is corrupt")
	}
	return &schema, nil
}

// CreateSchema implements Catalog. The registry row and the feature table
// are created in one transaction so a racing creator observes either both
// or neither.
func (c *PostgresCatalog) CreateSchema(ctx context.Context, schema *feature.Schema) error {
	definition, err := json.Marshal(schema)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode schema")
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to begin transaction")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		fmt.Sprintf("INSERT INTO %s (type_name, definition) VALUES ($1, $2)", schemaRegistryTable),
		schema.TypeName, definition)
	if err != nil {
		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return errors.Newf(errors.ErrorTypeConflict, "schema %q already exists", schema.TypeName)
		}
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to register schema")
	}

	var ddl strings.Builder
	ddl.WriteString("CREATE TABLE IF NOT EXISTS ")
	ddl.WriteString(featureTable(schema.TypeName))
	ddl.WriteString(" (fid text PRIMARY KEY")
	for _, attr := range schema.Attributes {
		ddl.WriteString(", ")
		ddl.WriteString(pgx.Identifier{attr.Name}.Sanitize())
		ddl.WriteByte(' ')
		ddl.WriteString(sqlType(attr.Type))
	}
	ddl.WriteString(", geom text, visibility text, user_data jsonb)")
	if _, err := tx.Exec(ctx, ddl.String()); err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to create feature table")
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to commit schema creation")
	}

	c.logger.Info("schema created",
		zap.String("type_name", schema.TypeName),
		zap.Int("attributes", len(schema.Attributes)))
	return nil
}

// UpdateSchema implements Catalog. New attributes become new columns;
// migrations are forward-only so columns are never dropped.
func (c *PostgresCatalog) UpdateSchema(ctx context.Context, typeName string, schema *feature.Schema) error {
	existing, err := c.GetSchema(ctx, typeName)
	if err != nil {
		return err
	}

	definition, err := json.Marshal(schema)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode schema")
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to begin transaction")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, attr := range schema.Attributes {
		if existing.Attribute(attr.Name) != nil {
			continue
		}
		ddl := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
			featureTable(typeName), pgx.Identifier{attr.Name}.Sanitize(), sqlType(attr.Type))
		if _, err := tx.Exec(ctx, ddl); err != nil {
			return errors.Wrap(err, errors.ErrorTypeQuery, "failed to add column")
		}
	}

	_, err = tx.Exec(ctx,
		fmt.Sprintf("UPDATE %s SET definition = $1, updated_at = now() WHERE type_name = $2", schemaRegistryTable),
		definition, typeName)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to update schema registry")
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to commit schema update")
	}

	c.logger.Info("schema updated",
		zap.String("type_name", typeName),
		zap.Int("attributes", len(schema.Attributes)))
	return nil
}

// OpenAppendWriter implements Catalog. The returned writer captures the
// schema's column layout at open time; a writer cached across a schema
// migration is bound to the stale layout, which is why the writer pool
// invalidates cached handles after migrations.
func (c *PostgresCatalog) OpenAppendWriter(ctx context.Context, typeName string) (FeatureWriter, error) {
	schema, err := c.GetSchema(ctx, typeName)
	if err != nil {
		return nil, err
	}

	columns := []string{"fid"}
	for _, attr := range schema.Attributes {
		columns = append(columns, attr.Name)
	}
	columns = append(columns, "geom", "visibility", "user_data")

	quoted := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = pgx.Identifier{col}.Sanitize()
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	insertSQL := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		featureTable(typeName), strings.Join(quoted, ", "), strings.Join(placeholders, ", "))

	return &pgWriter{
		catalog:   c,
		typeName:  typeName,
		schema:    schema,
		insertSQL: insertSQL,
	}, nil
}

// Query implements Catalog.
func (c *PostgresCatalog) Query(ctx context.Context, typeName string, filter Filter) (FeatureIterator, error) {
	schema, err := c.GetSchema(ctx, typeName)
	if err != nil {
		return nil, err
	}

	column := "fid"
	if filter.Attribute != "" {
		if schema.Attribute(filter.Attribute) == nil {
			return nil, errors.Newf(errors.ErrorTypeQuery,
				"filter attribute %q is not part of schema %q", filter.Attribute, typeName)
		}
		column = filter.Attribute
	}

	selectCols := []string{"fid"}
	for _, attr := range schema.Attributes {
		selectCols = append(selectCols, attr.Name)
	}
	selectCols = append(selectCols, "geom", "visibility", "user_data")
	quoted := make([]string, len(selectCols))
	for i, col := range selectCols {
		quoted[i] = pgx.Identifier{col}.Sanitize()
	}

	querySQL := fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1 ORDER BY fid",
		strings.Join(quoted, ", "), featureTable(typeName), pgx.Identifier{column}.Sanitize())

	rows, err := c.pool.Query(ctx, querySQL, fmt.Sprint(filter.Value))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "query failed").
			WithDetail("filter", filter.String())
	}

	return &pgIterator{rows: rows, schema: schema, typeName: typeName}, nil
}

// Replace implements Catalog.
func (c *PostgresCatalog) Replace(ctx context.Context, typeName string, id string, f *feature.Feature) error {
	schema, err := c.GetSchema(ctx, typeName)
	if err != nil {
		return err
	}

	assignments := make([]string, 0, len(schema.Attributes)+3)
	args := make([]interface{}, 0, len(schema.Attributes)+4)
	for _, attr := range schema.Attributes {
		args = append(args, f.Attributes[attr.Name])
		assignments = append(assignments,
			fmt.Sprintf("%s = $%d", pgx.Identifier{attr.Name}.Sanitize(), len(args)))
	}
	userData, err := json.Marshal(f.UserData)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode user data")
	}
	args = append(args, f.Geometry)
	assignments = append(assignments, fmt.Sprintf("geom = $%d", len(args)))
	args = append(args, f.Visibility)
	assignments = append(assignments, fmt.Sprintf("visibility = $%d", len(args)))
	args = append(args, userData)
	assignments = append(assignments, fmt.Sprintf("user_data = $%d", len(args)))
	args = append(args, id)

	updateSQL := fmt.Sprintf("UPDATE %s SET %s WHERE fid = $%d",
		featureTable(typeName), strings.Join(assignments, ", "), len(args))

	tag, err := c.pool.Exec(ctx, updateSQL, args...)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "replace failed")
	}
	if tag.RowsAffected() == 0 {
		return errors.Newf(errors.ErrorTypeNotFound, "feature %q not found in %q", id, typeName)
	}
	return nil
}

// Dispose implements Catalog.
func (c *PostgresCatalog) Dispose() error {
	c.pool.Close()
	c.logger.Info("catalog disposed")
	return nil
}

// pgWriter is an append channel bound to one feature table. The insert
// statement is built once from the schema observed at open time.
type pgWriter struct {
	catalog   *PostgresCatalog
	typeName  string
	schema    *feature.Schema
	insertSQL string
	closed    bool
}

func (w *pgWriter) Write(ctx context.Context, f *feature.Feature) error {
	if w.closed {
		return errors.New(errors.ErrorTypeWrite, "writer is closed")
	}

	userData, err := json.Marshal(f.UserData)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeWrite, "failed to encode user data")
	}

	args := make([]interface{}, 0, len(w.schema.Attributes)+4)
	args = append(args, f.ID)
	for _, attr := range w.schema.Attributes {
		args = append(args, f.Attributes[attr.Name])
	}
	args = append(args, f.Geometry, f.Visibility, userData)

	if _, err := w.catalog.pool.Exec(ctx, w.insertSQL, args...); err != nil {
		return errors.Wrap(err, errors.ErrorTypeWrite, "append failed").
			WithDetail("type_name", w.typeName).
			WithDetail("feature_id", f.ID)
	}
	return nil
}

func (w *pgWriter) TypeName() string {
	return w.typeName
}

func (w *pgWriter) Close() error {
	if w.closed {
		return errors.New(errors.ErrorTypeWrite, "writer already closed")
	}
	w.closed = true
	return nil
}

// pgIterator scans query rows back into features.
type pgIterator struct {
	rows     pgx.Rows
	schema   *feature.Schema
	typeName string
	current  *feature.Feature
	err      error
}

func (it *pgIterator) Next() bool {
	if it.err != nil || !it.rows.Next() {
		return false
	}

	dest := make([]interface{}, 0, len(it.schema.Attributes)+4)
	var fid string
	dest = append(dest, &fid)
	attrVals := make([]interface{}, len(it.schema.Attributes))
	for i := range attrVals {
		dest = append(dest, &attrVals[i])
	}
	var geom, visibility *string
	var userData []byte
	dest = append(dest, &geom, &visibility, &userData)

	if err := it.rows.Scan(dest...); err != nil {
		it.err = errors.Wrap(err, errors.ErrorTypeQuery, "row scan failed")
		return false
	}

	f := feature.NewFeature(it.typeName, fid)
	for i, attr := range it.schema.Attributes {
		if attrVals[i] != nil {
			f.Attributes[attr.Name] = attrVals[i]
		}
	}
	if geom != nil {
		f.Geometry = *geom
	}
	if visibility != nil {
		f.Visibility = *visibility
	}
	if len(userData) > 0 {
		var ud map[string]interface{}
		if err := json.Unmarshal(userData, &ud); err == nil && len(ud) > 0 {
			f.UserData = ud
		}
	}
	it.current = f
	return true
}

func (it *pgIterator) Feature() *feature.Feature {
	return it.current
}

func (it *pgIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

func (it *pgIterator) Close() error {
	it.rows.Close()
	return nil
}
