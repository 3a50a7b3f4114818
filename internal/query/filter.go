// Package query compiles a closed set of filter conditions into
// parameterised PostgreSQL WHERE clauses.
package query

import (
	"fmt"
	"regexp"
	"strings"
)

// Filter is one condition of a WHERE clause. The set of implementations is
// closed: only types in this package satisfy it.
type Filter interface {
	filter()
}

// Eq matches column = value.
type Eq struct {
	Column string
	Value  any
}

// NotEq matches column <> value.
type NotEq struct {
	Column string
	Value  any
}

// In matches column = ANY(values). Values must be a slice pgx can encode.
type In struct {
	Column string
	Values any
}

// Contains matches rows whose array column contains value.
type Contains struct {
	Column string
	Value  any
}

// Before matches column <= value.
type Before struct {
	Column string
	Value  any
}

// After matches column > value.
type After struct {
	Column string
	Value  any
}

// IsNull matches column IS NULL.
type IsNull struct {
	Column string
}

// NotNull matches column IS NOT NULL.
type NotNull struct {
	Column string
}

func (Eq) filter()       {}
func (NotEq) filter()    {}
func (In) filter()       {}
func (Contains) filter() {}
func (Before) filter()   {}
func (After) filter()    {}
func (IsNull) filter()   {}
func (NotNull) filter()  {}

var columnRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*(\.[a-z_][a-z0-9_]*)?$`)

// Builder assembles a SELECT statement from a base query and filters.
type Builder struct {
	base    string
	filters []Filter
	orderBy string
	limit   int
	suffix  string
}

// Select starts a builder. base must not contain a WHERE clause.
func Select(base string) *Builder {
	return &Builder{base: base}
}

// Where appends filters, combined with AND.
func (b *Builder) Where(filters ...Filter) *Builder {
	b.filters = append(b.filters, filters...)
	return b
}

// OrderBy sets a trusted ORDER BY expression.
func (b *Builder) OrderBy(expr string) *Builder {
	b.orderBy = expr
	return b
}

// Limit sets a LIMIT; zero means no limit.
func (b *Builder) Limit(n int) *Builder {
	b.limit = n
	return b
}

// Suffix appends a trusted trailing clause such as FOR UPDATE SKIP LOCKED.
func (b *Builder) Suffix(s string) *Builder {
	b.suffix = s
	return b
}

// Build returns the SQL text and its positional arguments.
func (b *Builder) Build() (string, []any, error) {
	where, args, err := Where(1, b.filters...)
	if err != nil {
		return "", nil, err
	}

	var sb strings.Builder
	sb.WriteString(b.base)
	if where != "" {
		sb.WriteString(" WHERE ")
		sb.WriteString(where)
	}
	if b.orderBy != "" {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(b.orderBy)
	}
	if b.limit > 0 {
		args = append(args, b.limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}
	if b.suffix != "" {
		sb.WriteString(" ")
		sb.WriteString(b.suffix)
	}
	return sb.String(), args, nil
}

// Where compiles filters into an AND-joined clause whose placeholders start
// at $start.
func Where(start int, filters ...Filter) (string, []any, error) {
	parts := make([]string, 0, len(filters))
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", start+len(args)-1)
	}

	for _, f := range filters {
		col, err := column(f)
		if err != nil {
			return "", nil, err
		}

		switch f := f.(type) {
		case Eq:
			parts = append(parts, col+" = "+next(f.Value))
		case NotEq:
			parts = append(parts, col+" <> "+next(f.Value))
		case In:
			parts = append(parts, col+" = ANY("+next(f.Values)+")")
		case Contains:
			parts = append(parts, next(f.Value)+" = ANY("+col+")")
		case Before:
			parts = append(parts, col+" <= "+next(f.Value))
		case After:
			parts = append(parts, col+" > "+next(f.Value))
		case IsNull:
			parts = append(parts, col+" IS NULL")
		case NotNull:
			parts = append(parts, col+" IS NOT NULL")
		default:
			return "", nil, fmt.Errorf("unsupported filter %T", f)
		}
	}
	return strings.Join(parts, " AND "), args, nil
}

func column(f Filter) (string, error) {
	var c string
	switch f := f.(type) {
	case Eq:
		c = f.Column
	case NotEq:
		c = f.Column
	case In:
		c = f.Column
	case Contains:
		c = f.Column
	case Before:
		c = f.Column
	case After:
		c = f.Column
	case IsNull:
		c = f.Column
	case NotNull:
		c = f.Column
	default:
		return "", fmt.Errorf("unsupported filter %T", f)
	}
	if !columnRe.MatchString(c) {
		return "", fmt.Errorf("invalid column name %q", c)
	}
	return c, nil
}
