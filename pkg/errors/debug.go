package errors

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// maxCauses bounds the cause list attached to one log line.
const maxCauses = 16

// LogFields flattens err into structured log fields: the outermost code, each
// cause in the tree (joined errors included) and the driver's error identity
// when a database error is inside. Nothing here is safe to return to clients.
func LogFields(err error) map[string]any {
	if err == nil {
		return nil
	}
	fields := map[string]any{"error": err.Error()}
	if typed := As(err); typed != nil {
		fields["error_code"] = typed.Code()
		fields["error_retryable"] = MetadataFor(typed.Code()).Retryable
	}
	if causes := causeTypes(err); len(causes) > 1 {
		fields["error_causes"] = causes
	}

	var pgxErr *pgconn.PgError
	var pqErr *pq.Error
	var liteErr sqlite3.Error
	switch {
	case errors.As(err, &pgxErr):
		addDriverFields(fields, pgxErr.Code, pgxErr.ConstraintName, pgxErr.TableName)
	case errors.As(err, &pqErr):
		addDriverFields(fields, string(pqErr.Code), pqErr.Constraint, pqErr.Table)
	case errors.As(err, &liteErr):
		addDriverFields(fields, liteErr.ExtendedCode.Error(), "", "")
	}
	return fields
}

func addDriverFields(fields map[string]any, code, constraint, table string) {
	fields["db_code"] = code
	if constraint != "" {
		fields["db_constraint"] = constraint
	}
	if table != "" {
		fields["db_table"] = table
	}
}

// causeTypes walks the error tree depth first and names each node's type.
func causeTypes(err error) []string {
	var out []string
	var walk func(error)
	walk = func(e error) {
		if e == nil || len(out) >= maxCauses {
			return
		}
		out = append(out, fmt.Sprintf("%T", e))
		switch u := e.(type) {
		case interface{ Unwrap() []error }:
			for _, inner := range u.Unwrap() {
				walk(inner)
			}
		case interface{ Unwrap() error }:
			walk(u.Unwrap())
		}
	}
	walk(err)
	return out
}
