package binlog

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
)

// SchemaLoader enriches the bare column list a TABLE_MAP_EVENT carries (type
// and metadata only, no names) with information_schema.columns, over a
// separate control connection from the one holding the binlog dump.
type SchemaLoader struct {
	dsn    string
	db     *sql.DB
	freeze bool
	cache  map[string][]columnInfo // "schema.table" -> ordinal-ordered info
}

// NewSchemaLoader opens the control connection. freeze, when true, caches
// the enriched schema for a (schema, table) pair forever after first fetch
// (no ALTER TABLE support; the tradeoff is explicit).
func NewSchemaLoader(dsn string, freeze bool) (*SchemaLoader, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("binlog: schema loader: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("binlog: schema loader: %w", err)
	}
	return &SchemaLoader{
		dsn:    dsn,
		db:     db,
		freeze: freeze,
		cache:  make(map[string][]columnInfo),
	}, nil
}

// Close releases the control connection.
func (l *SchemaLoader) Close() error {
	return l.db.Close()
}

type columnInfo struct {
	name       string
	collation  sql.NullString
	charset    sql.NullString
	comment    string
	columnType string
	key        string
}

// Load queries information_schema.columns for schema.table and merges the
// result into e's bare wire columns in place, ordered by ordinal position.
// A transient connection failure is retried once (two attempts total); any
// other error, or a second transient failure, propagates.
func (l *SchemaLoader) Load(e *TableMapEvent) error {
	key := e.SchemaName + "." + e.TableName

	infos, cached := l.cache[key]
	if !cached {
		var err error
		infos, err = l.query(e.SchemaName, e.TableName)
		if err != nil {
			if !isTransientSQLErr(err) {
				return err
			}
			if rerr := l.reconnect(); rerr != nil {
				return rerr
			}
			infos, err = l.query(e.SchemaName, e.TableName)
			if err != nil {
				return fmt.Errorf("binlog: schema loader: %w", err)
			}
		}
	}

	if len(infos) != len(e.Columns) {
		return fmt.Errorf("binlog: schema loader: %s.%s: information_schema returned %d columns, TABLE_MAP carries %d",
			e.SchemaName, e.TableName, len(infos), len(e.Columns))
	}

	for i := range e.Columns {
		info := infos[i]
		e.Columns[i].Name = info.name
		e.Columns[i].PrimaryKey = info.key == "PRI"
		if e.Columns[i].Type.isNumeric() && strings.Contains(strings.ToLower(info.columnType), "unsigned") {
			e.Columns[i].Unsigned = true
		}
		e.Columns[i].Bool = e.Columns[i].Type == TypeTiny && strings.EqualFold(info.columnType, "tinyint(1)")
	}

	if l.freeze && !cached {
		l.cache[key] = infos
	}
	return nil
}

func (l *SchemaLoader) query(schema, table string) ([]columnInfo, error) {
	rows, err := l.db.Query(`
		SELECT COLUMN_NAME, COLLATION_NAME, CHARACTER_SET_NAME,
		       COLUMN_COMMENT, COLUMN_TYPE, COLUMN_KEY
		  FROM information_schema.columns
		 WHERE table_schema = ? AND table_name = ?
		 ORDER BY ORDINAL_POSITION`, schema, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var infos []columnInfo
	for rows.Next() {
		var ci columnInfo
		if err := rows.Scan(&ci.name, &ci.collation, &ci.charset, &ci.comment, &ci.columnType, &ci.key); err != nil {
			return nil, err
		}
		infos = append(infos, ci)
	}
	return infos, rows.Err()
}

func (l *SchemaLoader) reconnect() error {
	l.db.Close()
	db, err := sql.Open("mysql", l.dsn)
	if err != nil {
		return fmt.Errorf("binlog: schema loader: reconnect: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("binlog: schema loader: reconnect: %w", err)
	}
	l.db = db
	return nil
}

// isTransientSQLErr matches the same class of error the stream controller
// treats as reconnect-worthy on the binlog connection (connection lost /
// server gone away), by substring since database/sql wraps driver errors.
func isTransientSQLErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "driver: bad connection") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "EOF")
}
