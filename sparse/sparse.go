// Package sparse provides the compact result types returned by the graph
// and vector store analytics operations: a sparse row vector of node scores
// and a sparse matrix of query-to-point scores or node-to-edge incidence.
//
// Both types are built once and read many times; there is no support for
// in-place arithmetic. Consumers either iterate the stored entries or
// expand to a dense representation.
package sparse

import "fmt"

// Vector is a sparse row vector of float32 scores over a dense index space
// [0, Len). Entries are stored in ascending index order.
type Vector struct {
	length int
	idx    []int
	val    []float32
}

// NewVector returns an all-zero vector of the given length.
func NewVector(length int) *Vector {
	if length < 0 {
		length = 0
	}
	return &Vector{length: length}
}

// VectorFromDense builds a Vector from a dense slice, skipping zero entries.
func VectorFromDense(values []float32) *Vector {
	v := NewVector(len(values))
	for i, x := range values {
		if x != 0 {
			v.idx = append(v.idx, i)
			v.val = append(v.val, x)
		}
	}
	return v
}

// Len returns the logical length of the vector.
func (v *Vector) Len() int { return v.length }

// NNZ returns the number of stored (non-zero) entries.
func (v *Vector) NNZ() int { return len(v.idx) }

// At returns the value at index i, or 0 for an unset entry.
// Out-of-range indices return 0.
func (v *Vector) At(i int) float32 {
	if i < 0 || i >= v.length {
		return 0
	}
	lo, hi := 0, len(v.idx)
	for lo < hi {
		mid := (lo + hi) / 2
		switch {
		case v.idx[mid] == i:
			return v.val[mid]
		case v.idx[mid] < i:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return 0
}

// Dense expands the vector to a dense slice of length Len.
func (v *Vector) Dense() []float32 {
	out := make([]float32, v.length)
	for k, i := range v.idx {
		out[i] = v.val[k]
	}
	return out
}

// Entries calls fn for each stored entry in ascending index order.
func (v *Vector) Entries(fn func(i int, value float32)) {
	for k, i := range v.idx {
		fn(i, v.val[k])
	}
}

// Matrix is a sparse float32 matrix stored row-wise. Rows hold entries in
// insertion order; duplicate (row, col) entries overwrite.
type Matrix struct {
	rows, cols int
	rowIdx     [][]int
	rowVal     [][]float32
}

// NewMatrix returns an all-zero matrix of the given shape.
func NewMatrix(rows, cols int) *Matrix {
	if rows < 0 {
		rows = 0
	}
	if cols < 0 {
		cols = 0
	}
	return &Matrix{
		rows:   rows,
		cols:   cols,
		rowIdx: make([][]int, rows),
		rowVal: make([][]float32, rows),
	}
}

// MatrixFromIndexLists builds an incidence matrix from one column-index list
// per row, setting every listed entry to 1. Rows beyond len(lists) stay
// empty; indices outside [0, cols) are dropped.
func MatrixFromIndexLists(lists [][]int, rows, cols int) *Matrix {
	m := NewMatrix(rows, cols)
	for r, cs := range lists {
		if r >= rows {
			break
		}
		for _, c := range cs {
			if c >= 0 && c < cols {
				m.Set(r, c, 1)
			}
		}
	}
	return m
}

// Dims returns the matrix shape.
func (m *Matrix) Dims() (rows, cols int) { return m.rows, m.cols }

// NNZ returns the number of stored entries.
func (m *Matrix) NNZ() int {
	n := 0
	for _, r := range m.rowIdx {
		n += len(r)
	}
	return n
}

// Set stores value at (row, col), replacing any existing entry.
// It panics on an out-of-range position, matching slice semantics.
func (m *Matrix) Set(row, col int, value float32) {
	if row < 0 || row >= m.rows || col < 0 || col >= m.cols {
		panic(fmt.Sprintf("sparse: Set(%d, %d) out of range for %dx%d matrix", row, col, m.rows, m.cols))
	}
	for k, c := range m.rowIdx[row] {
		if c == col {
			m.rowVal[row][k] = value
			return
		}
	}
	m.rowIdx[row] = append(m.rowIdx[row], col)
	m.rowVal[row] = append(m.rowVal[row], value)
}

// At returns the value at (row, col), or 0 for an unset entry.
// Out-of-range positions return 0.
func (m *Matrix) At(row, col int) float32 {
	if row < 0 || row >= m.rows || col < 0 || col >= m.cols {
		return 0
	}
	for k, c := range m.rowIdx[row] {
		if c == col {
			return m.rowVal[row][k]
		}
	}
	return 0
}

// Row calls fn for each stored entry of the given row.
func (m *Matrix) Row(row int, fn func(col int, value float32)) {
	if row < 0 || row >= m.rows {
		return
	}
	for k, c := range m.rowIdx[row] {
		fn(c, m.rowVal[row][k])
	}
}

// Dense expands the matrix to a dense [][]float32.
func (m *Matrix) Dense() [][]float32 {
	out := make([][]float32, m.rows)
	for r := range out {
		out[r] = make([]float32, m.cols)
		for k, c := range m.rowIdx[r] {
			out[r][c] = m.rowVal[r][k]
		}
	}
	return out
}
