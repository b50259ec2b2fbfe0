package linalg

import (
	"fmt"
	"sort"

	"github.com/james-bowman/sparse"
	"github.com/james-bowman/sparse/blas"
	"gonum.org/v1/gonum/mat"
)

// CSR is a compressed sparse row matrix. Column indices are sorted within
// every row and each (row, column) pair appears at most once. The pattern is
// kept as assembled, including explicit zeros, so operators rebuilt from the
// same mesh can be updated in place with CopyValues.
type CSR struct {
	Rows, Cols int
	RowPtr     []int
	ColInd     []int
	Val        []float64
}

type entry struct {
	col int
	val float64
}

// Builder accumulates matrix entries additively before compression.
type Builder struct {
	coo *sparse.COO
}

// NewBuilder returns an empty rows x cols accumulator.
func NewBuilder(rows, cols int) *Builder {
	return &Builder{coo: sparse.NewCOO(rows, cols, nil, nil, nil)}
}

// Add accumulates v into entry (i, j).
func (b *Builder) Add(i, j int, v float64) {
	b.coo.Set(i, j, v)
}

// Build compresses the accumulated entries into a CSR matrix, summing
// repeated entries.
func (b *Builder) Build() *CSR {
	return fromSparse(b.coo.ToCSR())
}

// fromSparse copies c, sorting every row and summing repeated columns.
func fromSparse(c *sparse.CSR) *CSR {
	r, cols := c.Dims()
	rows := make([][]entry, r)
	c.DoNonZero(func(i, j int, v float64) {
		rows[i] = append(rows[i], entry{col: j, val: v})
	})
	return fromRows(r, cols, rows)
}

// view wraps the storage of m without copying it.
func (m *CSR) view() *sparse.CSR {
	return sparse.NewCSR(m.Rows, m.Cols, m.RowPtr, m.ColInd, m.Val)
}

func fromRows(r, c int, rows [][]entry) *CSR {
	m := &CSR{Rows: r, Cols: c, RowPtr: make([]int, r+1)}
	nnz := 0
	for i := range rows {
		sort.Slice(rows[i], func(a, b int) bool { return rows[i][a].col < rows[i][b].col })
		nnz += len(rows[i])
	}
	m.ColInd = make([]int, 0, nnz)
	m.Val = make([]float64, 0, nnz)
	for i, row := range rows {
		start := len(m.ColInd)
		for _, e := range row {
			if n := len(m.ColInd); n > start && m.ColInd[n-1] == e.col {
				m.Val[n-1] += e.val
				continue
			}
			m.ColInd = append(m.ColInd, e.col)
			m.Val = append(m.Val, e.val)
		}
		m.RowPtr[i+1] = len(m.ColInd)
	}
	return m
}

// NewIdentity returns the n x n identity.
func NewIdentity(n int) *CSR {
	m := &CSR{Rows: n, Cols: n, RowPtr: make([]int, n+1), ColInd: make([]int, n), Val: make([]float64, n)}
	for i := 0; i < n; i++ {
		m.RowPtr[i+1] = i + 1
		m.ColInd[i] = i
		m.Val[i] = 1
	}
	return m
}

// Dims returns the matrix dimensions.
func (m *CSR) Dims() (int, int) { return m.Rows, m.Cols }

// NNZ returns the number of stored entries.
func (m *CSR) NNZ() int { return len(m.Val) }

// At returns entry (i, j).
func (m *CSR) At(i, j int) float64 {
	cols := m.ColInd[m.RowPtr[i]:m.RowPtr[i+1]]
	k := sort.SearchInts(cols, j)
	if k < len(cols) && cols[k] == j {
		return m.Val[m.RowPtr[i]+k]
	}
	return 0
}

// Mult computes y = A x.
func (m *CSR) Mult(x, y []float64) {
	clear(y[:m.Rows])
	m.view().MulVecTo(y[:m.Rows], false, x[:m.Cols])
}

// MultAdd computes y += alpha A x.
func (m *CSR) MultAdd(alpha float64, x, y []float64) {
	blas.Dusmv(false, alpha, m.view().RawMatrix(), x[:m.Cols], 1, y[:m.Rows], 1)
}

// MultTranspose computes y = Aᵀ x.
func (m *CSR) MultTranspose(x, y []float64) {
	clear(y[:m.Cols])
	m.view().MulVecTo(y[:m.Cols], true, x[:m.Rows])
}

// Clone returns a deep copy.
func (m *CSR) Clone() *CSR {
	return &CSR{
		Rows:   m.Rows,
		Cols:   m.Cols,
		RowPtr: append([]int(nil), m.RowPtr...),
		ColInd: append([]int(nil), m.ColInd...),
		Val:    append([]float64(nil), m.Val...),
	}
}

// SamePattern reports whether b stores exactly the same entries as m.
func (m *CSR) SamePattern(b *CSR) bool {
	if m.Rows != b.Rows || m.Cols != b.Cols || len(m.ColInd) != len(b.ColInd) {
		return false
	}
	for i := range m.RowPtr {
		if m.RowPtr[i] != b.RowPtr[i] {
			return false
		}
	}
	for i := range m.ColInd {
		if m.ColInd[i] != b.ColInd[i] {
			return false
		}
	}
	return true
}

// CopyValues overwrites the values of m with those of b. Both must share a pattern.
func (m *CSR) CopyValues(b *CSR) error {
	if !m.SamePattern(b) {
		return fmt.Errorf("failed to copy values: sparsity patterns differ")
	}
	copy(m.Val, b.Val)
	return nil
}

// Scale multiplies every entry by a.
func (m *CSR) Scale(a float64) {
	for k := range m.Val {
		m.Val[k] *= a
	}
}

// Diagonal returns the main diagonal.
func (m *CSR) Diagonal() []float64 {
	n := min(m.Rows, m.Cols)
	d := make([]float64, n)
	for i := 0; i < n; i++ {
		d[i] = m.At(i, i)
	}
	return d
}

// AddDiag adds c to every diagonal entry, inserting missing diagonal entries.
func (m *CSR) AddDiag(c float64) {
	d := make([]float64, min(m.Rows, m.Cols))
	for i := range d {
		d[i] = c
	}
	m.AddDiagVec(d)
}

// AddDiagVec adds d[i] to entry (i, i), inserting missing diagonal entries.
func (m *CSR) AddDiagVec(d []float64) {
	missing := false
	for i := range d {
		cols := m.ColInd[m.RowPtr[i]:m.RowPtr[i+1]]
		k := sort.SearchInts(cols, i)
		if k < len(cols) && cols[k] == i {
			m.Val[m.RowPtr[i]+k] += d[i]
		} else {
			missing = true
		}
	}
	if !missing {
		return
	}
	rows := m.rows()
	for i := range d {
		found := false
		for _, e := range rows[i] {
			if e.col == i {
				found = true
				break
			}
		}
		if !found {
			rows[i] = append(rows[i], entry{col: i, val: d[i]})
		}
	}
	*m = *fromRows(m.Rows, m.Cols, rows)
}

func (m *CSR) rows() [][]entry {
	rows := make([][]entry, m.Rows)
	for i := 0; i < m.Rows; i++ {
		for k := m.RowPtr[i]; k < m.RowPtr[i+1]; k++ {
			rows[i] = append(rows[i], entry{col: m.ColInd[k], val: m.Val[k]})
		}
	}
	return rows
}

// ZeroRowsCols zeroes the rows and columns listed in idx and places diag on
// their diagonal entries.
func (m *CSR) ZeroRowsCols(idx []int, diag float64) {
	if len(idx) == 0 {
		return
	}
	mask := make([]bool, max(m.Rows, m.Cols))
	for _, i := range idx {
		mask[i] = true
	}
	for i := 0; i < m.Rows; i++ {
		for k := m.RowPtr[i]; k < m.RowPtr[i+1]; k++ {
			j := m.ColInd[k]
			if mask[i] || mask[j] {
				m.Val[k] = 0
				if i == j {
					m.Val[k] = diag
				}
			}
		}
	}
	d := make([]float64, min(m.Rows, m.Cols))
	need := false
	for _, i := range idx {
		if i < len(d) && m.At(i, i) != diag {
			d[i] = diag
			need = true
		}
	}
	if need {
		m.AddDiagVec(d)
	}
}

// Transpose returns mᵀ.
func (m *CSR) Transpose() *CSR {
	ri := make([]int, len(m.ColInd))
	for i := 0; i < m.Rows; i++ {
		for k := m.RowPtr[i]; k < m.RowPtr[i+1]; k++ {
			ri[k] = i
		}
	}
	coo := sparse.NewCOO(m.Cols, m.Rows, append([]int(nil), m.ColInd...), ri, append([]float64(nil), m.Val...))
	return fromSparse(coo.ToCSR())
}

// ToDense converts the matrix to a gonum dense matrix.
func (m *CSR) ToDense() *mat.Dense {
	d := mat.NewDense(m.Rows, m.Cols, nil)
	for i := 0; i < m.Rows; i++ {
		for k := m.RowPtr[i]; k < m.RowPtr[i+1]; k++ {
			d.Set(i, m.ColInd[k], d.At(i, m.ColInd[k])+m.Val[k])
		}
	}
	return d
}

// Mul returns the product a b.
func Mul(a, b *CSR) (*CSR, error) {
	if a.Cols != b.Rows {
		return nil, fmt.Errorf("failed to multiply: %dx%d times %dx%d", a.Rows, a.Cols, b.Rows, b.Cols)
	}
	var c sparse.CSR
	c.Mul(a.view(), b.view())
	return fromSparse(&c), nil
}

// Galerkin returns the coarse operator Pᵀ A P.
func Galerkin(p, a *CSR) (*CSR, error) {
	ap, err := Mul(a, p)
	if err != nil {
		return nil, fmt.Errorf("failed to form A P: %w", err)
	}
	c, err := Mul(p.Transpose(), ap)
	if err != nil {
		return nil, fmt.Errorf("failed to form Pᵀ A P: %w", err)
	}
	return c, nil
}

// Add returns alpha a + beta b over the union of both patterns.
func Add(alpha float64, a *CSR, beta float64, b *CSR) (*CSR, error) {
	if a.Rows != b.Rows || a.Cols != b.Cols {
		return nil, fmt.Errorf("failed to add: %dx%d and %dx%d", a.Rows, a.Cols, b.Rows, b.Cols)
	}
	if a.SamePattern(b) {
		c := a.Clone()
		for k := range c.Val {
			c.Val[k] = alpha*a.Val[k] + beta*b.Val[k]
		}
		return c, nil
	}
	rows := make([][]entry, a.Rows)
	for i := 0; i < a.Rows; i++ {
		ka, kb := a.RowPtr[i], b.RowPtr[i]
		ea, eb := a.RowPtr[i+1], b.RowPtr[i+1]
		for ka < ea || kb < eb {
			switch {
			case kb >= eb || (ka < ea && a.ColInd[ka] < b.ColInd[kb]):
				rows[i] = append(rows[i], entry{a.ColInd[ka], alpha * a.Val[ka]})
				ka++
			case ka >= ea || b.ColInd[kb] < a.ColInd[ka]:
				rows[i] = append(rows[i], entry{b.ColInd[kb], beta * b.Val[kb]})
				kb++
			default:
				rows[i] = append(rows[i], entry{a.ColInd[ka], alpha*a.Val[ka] + beta*b.Val[kb]})
				ka++
				kb++
			}
		}
	}
	return fromRows(a.Rows, a.Cols, rows), nil
}

// ExpandBlock returns the Kronecker product m ⊗ I_bs, mapping scalar node
// operators onto bs interleaved components per node.
func ExpandBlock(m *CSR, bs int) *CSR {
	if bs == 1 {
		return m.Clone()
	}
	out := &CSR{Rows: m.Rows * bs, Cols: m.Cols * bs, RowPtr: make([]int, m.Rows*bs+1)}
	out.ColInd = make([]int, 0, len(m.ColInd)*bs)
	out.Val = make([]float64, 0, len(m.Val)*bs)
	for i := 0; i < m.Rows; i++ {
		for c := 0; c < bs; c++ {
			for k := m.RowPtr[i]; k < m.RowPtr[i+1]; k++ {
				out.ColInd = append(out.ColInd, m.ColInd[k]*bs+c)
				out.Val = append(out.Val, m.Val[k])
			}
			out.RowPtr[i*bs+c+1] = len(out.ColInd)
		}
	}
	return out
}
