package record

import "github.com/cockroachdb/errors"

// Table is an immutable sequence of records stored as three parallel columns.
type Table struct {
	ts   []float64
	id   []uint32
	data [][]byte
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.ts)
}

// Row returns the i-th record. The payload is shared with the table and must not be modified.
func (t *Table) Row(i int) Record {
	return Record{Timestamp: t.ts[i], ID: t.id[i], Data: t.data[i]}
}

// Records returns every row in order.
func (t *Table) Records() []Record {
	out := make([]Record, t.Len())
	for i := range out {
		out[i] = t.Row(i)
	}
	return out
}

// Timestamps returns a copy of the ts column.
func (t *Table) Timestamps() []float64 {
	return append([]float64(nil), t.ts...)
}

// IDs returns a copy of the id column.
func (t *Table) IDs() []uint32 {
	return append([]uint32(nil), t.id...)
}

// Builder accumulates the columns of a Table.
type Builder struct {
	ts          []float64
	id          []uint32
	data        [][]byte
	regressions int
	built       bool
}

func NewBuilder() *Builder {
	return &Builder{}
}

// Append validates r and adds a copy of it to the table being built.
func (b *Builder) Append(r Record) error {
	if b.built {
		return errors.New("append after Build")
	}
	if err := Validate(r); err != nil {
		return err
	}
	if n := len(b.ts); n > 0 && r.Timestamp < b.ts[n-1] {
		b.regressions++
	}
	b.ts = append(b.ts, r.Timestamp)
	b.id = append(b.id, r.ID)
	b.data = append(b.data, append([]byte{}, r.Data...))
	return nil
}

// Len returns the number of appended rows.
func (b *Builder) Len() int {
	return len(b.ts)
}

// Regressions counts rows whose timestamp is lower than the previous row's.
func (b *Builder) Regressions() int {
	return b.regressions
}

// Build hands the accumulated columns over to a Table. The builder cannot be used afterwards.
func (b *Builder) Build() *Table {
	b.built = true
	t := &Table{ts: b.ts, id: b.id, data: b.data}
	b.ts, b.id, b.data = nil, nil, nil
	return t
}

// FromRecords builds a table from rs.
func FromRecords(rs []Record) (*Table, error) {
	b := NewBuilder()
	for i, r := range rs {
		if err := b.Append(r); err != nil {
			return nil, errors.Wrapf(err, "row %d", i)
		}
	}
	return b.Build(), nil
}
