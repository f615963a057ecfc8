package store

import "strings"

// Dialect 表示数据库方言，用于处理 MySQL/SQLite 的 SQL 语法差异。
type Dialect string

const (
	DialectMySQL  Dialect = "mysql"
	DialectSQLite Dialect = "sqlite"
)

func forUpdateClause(d Dialect) string {
	if d == DialectMySQL {
		return " FOR UPDATE"
	}
	return ""
}

func insertIgnoreVerb(d Dialect) string {
	if d == DialectSQLite {
		return "INSERT OR IGNORE"
	}
	return "INSERT IGNORE"
}

// inPlaceholders 返回 "?,?,?" 形式的占位符，并把取值追加到 args。
func inPlaceholders[T any](values []T, args []any) (string, []any) {
	var b strings.Builder
	for i, v := range values {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('?')
		args = append(args, v)
	}
	return b.String(), args
}
