package math

import "fmt"

// Matrix32 represents a matrix with float32 data in row-major order.
// Rows is the number of addressable rows; the backing slice may hold more.
type Matrix32 struct {
	Rows int
	Cols int
	Data []float32 // row-major: Data[i*Cols + j] = element at row i, col j
}

// NewMatrix32 allocates a zeroed matrix with room for capacity rows.
func NewMatrix32(cols, capacity int) *Matrix32 {
	if capacity < 1 {
		capacity = 1
	}
	return &Matrix32{
		Rows: 0,
		Cols: cols,
		Data: make([]float32, 0, cols*capacity),
	}
}

// Dims returns the number of rows and columns
func (m *Matrix32) Dims() (int, int) {
	return m.Rows, m.Cols
}

// Capacity returns the number of rows that fit without reallocating.
func (m *Matrix32) Capacity() int {
	if m.Cols == 0 {
		return 0
	}
	return cap(m.Data) / m.Cols
}

// Row returns a view of row i. The view is invalidated by Grow.
func (m *Matrix32) Row(i int) []float32 {
	off := i * m.Cols
	return m.Data[off : off+m.Cols : off+m.Cols]
}

// SetRow copies v into row i.
func (m *Matrix32) SetRow(i int, v []float32) error {
	if len(v) != m.Cols {
		return fmt.Errorf("row length %d does not match %d columns", len(v), m.Cols)
	}
	if i < 0 || i >= m.Rows {
		return fmt.Errorf("row %d out of range [0, %d)", i, m.Rows)
	}
	copy(m.Row(i), v)
	return nil
}

// ZeroRow clears row i.
func (m *Matrix32) ZeroRow(i int) {
	clear(m.Row(i))
}

// Grow makes rows addressable, doubling the backing storage when full.
func (m *Matrix32) Grow(rows int) {
	if rows <= m.Rows {
		return
	}
	need := rows * m.Cols
	if need > cap(m.Data) {
		newCap := max(cap(m.Data)*2, need, m.Cols)
		data := make([]float32, len(m.Data), newCap)
		copy(data, m.Data)
		m.Data = data
	}
	m.Data = m.Data[:need]
	m.Rows = rows
}
