package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/huandu/go-sqlbuilder"
	"github.com/lib/pq"
)

// unique_violation
const uniqueViolation = "23505"

// Excluded refers to a column of the row proposed in an ON CONFLICT clause
func Excluded(column string) string {
	return fmt.Sprintf("EXCLUDED.%s", column)
}

// NewInsertBuilder returns a Postgres insert builder
func NewInsertBuilder() *sqlbuilder.InsertBuilder {
	return sqlbuilder.PostgreSQL.NewInsertBuilder()
}

// NewSelectBuilder returns a Postgres select builder
func NewSelectBuilder() *sqlbuilder.SelectBuilder {
	return sqlbuilder.PostgreSQL.NewSelectBuilder()
}

// NewUpdateBuilder returns a Postgres update builder
func NewUpdateBuilder() *sqlbuilder.UpdateBuilder {
	return sqlbuilder.PostgreSQL.NewUpdateBuilder()
}

// NewDeleteBuilder returns a Postgres delete builder
func NewDeleteBuilder() *sqlbuilder.DeleteBuilder {
	return sqlbuilder.PostgreSQL.NewDeleteBuilder()
}

// OnConflictDoNothing appends ON CONFLICT (columns) DO NOTHING to a built insert
func OnConflictDoNothing(query string, columns ...string) string {
	return fmt.Sprintf("%s ON CONFLICT (%s) DO NOTHING", query, strings.Join(columns, ", "))
}

// OnConflictUpdate appends ON CONFLICT (columns) DO UPDATE SET assignments to a built insert
func OnConflictUpdate(query string, columns []string, assignments ...string) string {
	return fmt.Sprintf("%s ON CONFLICT (%s) DO UPDATE SET %s", query, strings.Join(columns, ", "), strings.Join(assignments, ", "))
}

// Returning appends a RETURNING clause
func Returning(query string, columns ...string) string {
	return fmt.Sprintf("%s RETURNING %s", query, strings.Join(columns, ", "))
}

// IsUniqueViolation reports whether err is a Postgres unique constraint violation
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}

// ConstraintName returns the violated constraint of a Postgres error, if any
func ConstraintName(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Constraint
	}
	return ""
}

// IsNoRows reports whether err means the query matched nothing
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
