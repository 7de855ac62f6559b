// Package pagination implements keyset pagination over a (sort field, id)
// total order with opaque cursors.
package pagination

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jinjjij/Capstone-Qbank/internal/apperr"
)

// Kind is the semantic type of a sort field.
type Kind int

const (
	// KindTime columns hold unix milliseconds; cursor values are RFC 3339 strings.
	KindTime Kind = iota
	KindNumber
	KindString
)

// Order is a sort direction.
type Order string

const (
	Asc  Order = "asc"
	Desc Order = "desc"
)

// Field maps a public sort key to its SQL column.
type Field struct {
	Column string
	Kind   Kind
}

// Spec describes what a listing accepts.
type Spec struct {
	Fields       map[string]Field
	DefaultSort  string
	DefaultOrder Order
	DefaultLimit int
	MaxLimit     int
	// IDColumn is the unique tie-break column.
	IDColumn string
}

// Query holds the raw, unvalidated request parameters.
type Query struct {
	Sort   string
	Order  string
	Limit  string
	Cursor string
}

// Params is a validated pagination request.
type Params struct {
	SortKey string
	Field   Field
	Order   Order
	Limit   int
	After   *Cursor

	idColumn string
}

// Parse validates q against s. Every failure is an INVALID_QUERY error.
func (s Spec) Parse(q Query) (Params, error) {
	p := Params{
		SortKey:  s.DefaultSort,
		Order:    s.DefaultOrder,
		Limit:    s.DefaultLimit,
		idColumn: s.IDColumn,
	}
	if p.idColumn == "" {
		p.idColumn = "id"
	}

	if q.Sort != "" {
		p.SortKey = q.Sort
	}
	f, ok := s.Fields[p.SortKey]
	if !ok {
		return Params{}, apperr.Errorf(apperr.InvalidQuery, "unsupported sort %q", p.SortKey)
	}
	p.Field = f

	if q.Order != "" {
		switch o := Order(strings.ToLower(q.Order)); o {
		case Asc, Desc:
			p.Order = o
		default:
			return Params{}, apperr.Errorf(apperr.InvalidQuery, "order must be asc or desc")
		}
	}

	if q.Limit != "" {
		n, err := strconv.Atoi(q.Limit)
		if err != nil || n < 1 || n > s.MaxLimit {
			return Params{}, apperr.Errorf(apperr.InvalidQuery, "limit must be an integer between 1 and %d", s.MaxLimit)
		}
		p.Limit = n
	}

	if q.Cursor != "" {
		c, err := DecodeCursor(q.Cursor, f.Kind)
		if err != nil {
			return Params{}, apperr.New(apperr.InvalidQuery, err)
		}
		p.After = c
	}
	return p, nil
}

// Where returns the predicate selecting rows strictly after the cursor in
// the requested order, or an empty string when there is no cursor.
func (p Params) Where() (string, []any) {
	if p.After == nil {
		return "", nil
	}
	op := "<"
	if p.Order == Asc {
		op = ">"
	}
	col := p.Field.Column
	v := p.After.arg()
	clause := fmt.Sprintf("(%s %s ? OR (%s = ? AND %s %s ?))", col, op, col, p.idColumn, op)
	return clause, []any{v, v, p.After.ID}
}

// OrderBy returns the ORDER BY list over the sort column and the tie-break.
func (p Params) OrderBy() string {
	dir := "DESC"
	if p.Order == Asc {
		dir = "ASC"
	}
	return fmt.Sprintf("%s %s, %s %s", p.Field.Column, dir, p.idColumn, dir)
}

// Probe is the number of rows to fetch: one more than the page size.
func (p Params) Probe() int {
	return p.Limit + 1
}

// Page is one window of a listing.
type Page[T any] struct {
	Items      []T
	HasNext    bool
	NextCursor *string
}

// Build turns a probe of up to Limit+1 rows into a page. key returns the
// sort value and id of a row.
func Build[T any](p Params, rows []T, key func(T) (any, int64)) (Page[T], error) {
	page := Page[T]{Items: rows}
	if len(rows) > p.Limit {
		page.Items = rows[:p.Limit]
		page.HasNext = true
	}
	if page.Items == nil {
		page.Items = []T{}
	}
	if !page.HasNext {
		return page, nil
	}

	value, id := key(page.Items[len(page.Items)-1])
	token, err := EncodeCursor(Cursor{Value: value, ID: id})
	if err != nil {
		return Page[T]{}, err
	}
	page.NextCursor = &token
	return page, nil
}

func (c Cursor) arg() any {
	if t, ok := c.Value.(time.Time); ok {
		return t.UnixMilli()
	}
	return c.Value
}
