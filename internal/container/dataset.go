package container

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/audiolibrelab/roomir/internal/fault"
)

// Dataset is a dense row-major matrix of samples.
type Dataset struct {
	Rows int       `yaml:"rows"`
	Cols int       `yaml:"cols"`
	Data []float64 `yaml:"data,flow"`
}

// FromMatrix copies m into a new dataset.
func FromMatrix(m mat.Matrix) *Dataset {
	r, c := m.Dims()
	d := &Dataset{Rows: r, Cols: c, Data: make([]float64, 0, r*c)}
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			d.Data = append(d.Data, m.At(i, j))
		}
	}
	return d
}

// Dense returns the dataset as a gonum matrix sharing no memory with d.
func (d *Dataset) Dense() (*mat.Dense, error) {
	if d.Rows <= 0 || d.Cols <= 0 {
		return nil, fmt.Errorf("%w: dataset has shape %dx%d", fault.ErrStorage, d.Rows, d.Cols)
	}
	if len(d.Data) != d.Rows*d.Cols {
		return nil, fmt.Errorf("%w: dataset %dx%d holds %d values", fault.ErrStorage, d.Rows, d.Cols, len(d.Data))
	}
	return mat.NewDense(d.Rows, d.Cols, append([]float64(nil), d.Data...)), nil
}
