package connectors

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"school-integration/internal/common/apperr"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// SQLConnector writes to and reads from a legacy SQL database. The endpoint's
// url_template names the table.
type SQLConnector struct {
	driver string
	db     *sql.DB
}

func NewSQLConnector(cfg Config) (Connector, error) {
	connStr, err := buildConnectionString(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build connection string: %w", err)
	}

	db, err := sql.Open(cfg.Driver, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)

	return &SQLConnector{driver: cfg.Driver, db: db}, nil
}

func (c *SQLConnector) Push(ctx context.Context, target Target, externalID string, record map[string]interface{}) (string, error) {
	if target.KeyField == "" {
		return "", &apperr.MappingError{Reason: "no primary key mapping for table " + target.URLTemplate}
	}

	row := make(map[string]interface{}, len(record)+1)
	for k, v := range record {
		row[k] = v
	}
	if externalID != "" {
		row[target.KeyField] = externalID
	}
	key, ok := row[target.KeyField]
	if !ok || key == nil || fmt.Sprint(key) == "" {
		return "", &apperr.MappingError{Field: target.KeyField, Reason: "is required as the primary key"}
	}

	query, args, err := buildUpsert(c.driver, target.URLTemplate, target.KeyField, row)
	if err != nil {
		return "", err
	}
	if _, err := c.db.ExecContext(ctx, query, args...); err != nil {
		return "", &apperr.ConnectionError{Message: "upsert into " + target.URLTemplate, Err: err}
	}
	return fmt.Sprint(key), nil
}

func (c *SQLConnector) Pull(ctx context.Context, target Target, query PullQuery) ([]map[string]interface{}, error) {
	stmt, args, err := buildSelect(c.driver, target.URLTemplate, query)
	if err != nil {
		return nil, err
	}

	rows, err := c.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, &apperr.ConnectionError{Message: "select from " + target.URLTemplate, Err: err}
	}
	defer rows.Close()

	data, err := rowsToMaps(rows)
	if err != nil {
		return nil, &apperr.ConnectionError{Message: "failed to process query results", Err: err}
	}
	return data, nil
}

func (c *SQLConnector) Remove(ctx context.Context, target Target, externalID string) error {
	if target.KeyField == "" {
		return &apperr.MappingError{Reason: "no primary key mapping for table " + target.URLTemplate}
	}
	if err := checkIdentifiers(target.URLTemplate, target.KeyField); err != nil {
		return err
	}

	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s = %s",
		quote(c.driver, target.URLTemplate), quote(c.driver, target.KeyField), placeholder(c.driver, 1))
	if _, err := c.db.ExecContext(ctx, stmt, externalID); err != nil {
		return &apperr.ConnectionError{Message: "delete from " + target.URLTemplate, Err: err}
	}
	return nil
}

func (c *SQLConnector) TestConnection(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return &apperr.ConnectionError{Message: "failed to ping database", Err: err}
	}
	return nil
}

func (c *SQLConnector) GetType() string {
	return c.driver
}

func (c *SQLConnector) Close() error {
	return c.db.Close()
}

func buildConnectionString(cfg Config) (string, error) {
	if cfg.Host == "" || cfg.Database == "" || cfg.Username == "" {
		return "", fmt.Errorf("missing required connection parameters")
	}

	port := cfg.Port
	switch cfg.Driver {
	case "postgres":
		if port == 0 {
			port = 5432
		}
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable connect_timeout=%d",
			cfg.Host, port, cfg.Username, cfg.Password, cfg.Database, int(cfg.Timeout.Seconds()),
		), nil
	case "mysql":
		if port == 0 {
			port = 3306
		}
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true&timeout=%s",
			cfg.Username, cfg.Password, cfg.Host, port, cfg.Database, cfg.Timeout,
		), nil
	}
	return "", fmt.Errorf("unsupported driver %q", cfg.Driver)
}

// buildUpsert renders an insert-or-update keyed on keyColumn. Columns are
// sorted so the statement is stable for a given row shape.
func buildUpsert(driver, table, keyColumn string, row map[string]interface{}) (string, []interface{}, error) {
	columns := make([]string, 0, len(row))
	for col := range row {
		columns = append(columns, col)
	}
	sort.Strings(columns)

	if err := checkIdentifiers(append([]string{table, keyColumn}, columns...)...); err != nil {
		return "", nil, err
	}

	quoted := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	args := make([]interface{}, len(columns))
	var updates []string
	for i, col := range columns {
		quoted[i] = quote(driver, col)
		placeholders[i] = placeholder(driver, i+1)
		args[i] = sqlValue(row[col])
		if col == keyColumn {
			continue
		}
		if driver == "mysql" {
			updates = append(updates, fmt.Sprintf("%s = VALUES(%s)", quoted[i], quoted[i]))
		} else {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", quoted[i], quoted[i]))
		}
	}

	var q strings.Builder
	q.WriteString(fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quote(driver, table), strings.Join(quoted, ", "), strings.Join(placeholders, ", ")))

	key := quote(driver, keyColumn)
	if driver == "mysql" {
		if len(updates) == 0 {
			updates = []string{fmt.Sprintf("%s = %s", key, key)}
		}
		q.WriteString(" ON DUPLICATE KEY UPDATE ")
		q.WriteString(strings.Join(updates, ", "))
	} else {
		q.WriteString(fmt.Sprintf(" ON CONFLICT (%s) ", key))
		if len(updates) == 0 {
			q.WriteString("DO NOTHING")
		} else {
			q.WriteString("DO UPDATE SET ")
			q.WriteString(strings.Join(updates, ", "))
		}
	}

	return q.String(), args, nil
}

func buildSelect(driver, table string, query PullQuery) (string, []interface{}, error) {
	fields := make([]string, 0, len(query.Filters))
	for f := range query.Filters {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	if err := checkIdentifiers(append([]string{table}, fields...)...); err != nil {
		return "", nil, err
	}

	var q strings.Builder
	var args []interface{}
	q.WriteString("SELECT * FROM " + quote(driver, table))

	if len(fields) > 0 {
		conditions := make([]string, len(fields))
		for i, f := range fields {
			conditions[i] = fmt.Sprintf("%s = %s", quote(driver, f), placeholder(driver, i+1))
			args = append(args, query.Filters[f])
		}
		q.WriteString(" WHERE " + strings.Join(conditions, " AND "))
	}
	if query.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", query.Limit))
	}
	return q.String(), args, nil
}

func checkIdentifiers(names ...string) error {
	for _, n := range names {
		if !identifierPattern.MatchString(n) {
			return &apperr.MappingError{Field: n, Reason: "is not a valid SQL identifier"}
		}
	}
	return nil
}

func quote(driver, ident string) string {
	parts := strings.Split(ident, ".")
	for i, p := range parts {
		if driver == "mysql" {
			parts[i] = "`" + p + "`"
		} else {
			parts[i] = `"` + p + `"`
		}
	}
	return strings.Join(parts, ".")
}

func placeholder(driver string, index int) string {
	if driver == "mysql" {
		return "?"
	}
	return fmt.Sprintf("$%d", index)
}

// sqlValue flattens nested values into JSON text.
func sqlValue(v interface{}) interface{} {
	switch v.(type) {
	case map[string]interface{}, []interface{}:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
	return v
}

// rowsToMaps converts SQL rows to a slice of maps
func rowsToMaps(rows *sql.Rows) ([]map[string]interface{}, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := []map[string]interface{}{}

	for rows.Next() {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, err
		}

		row := make(map[string]interface{})
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}

		result = append(result, row)
	}

	return result, rows.Err()
}
