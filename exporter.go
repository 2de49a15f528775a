package probdiffeq

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Exporter defines an export interface for solution beliefs.
type Exporter interface {
	Write(t float64, b Normal) error
	Close() error
}

// CSVExporter writes solution marginals with 2σ bounds to a CSV file.
type CSVExporter struct {
	delimiter string
	hdlr      *os.File
}

// NewCSVExporter initializes a new CSV export for a dim-dimensional solution.
// The header names one triplet of columns per dimension: the mean and its
// ±2σ bounds.
func NewCSVExporter(dim int, path, filename string) (e *CSVExporter, err error) {
	if dim < 1 {
		return nil, configError("exporter dimension must be positive, got %d", dim)
	}
	f, err := os.Create(filepath.Join(path, filename))
	if err != nil {
		return
	}
	delimiter := ","
	hdr := make([]string, 1+dim*3)
	hdr[0] = "t"
	for k := 0; k < dim; k++ {
		hdr[1+3*k] = fmt.Sprintf("u%d", k)
		hdr[2+3*k] = fmt.Sprintf("u%d+2s", k)
		hdr[3+3*k] = fmt.Sprintf("u%d-2s", k)
	}
	f.WriteString(fmt.Sprintf("# Creation date (UTC): %s\n%s\n", time.Now().UTC(), strings.Join(hdr, delimiter)))
	e = &CSVExporter{delimiter, f}
	return
}

// Write writes the solution marginal of the belief at time t.
func (e CSVExporter) Write(t float64, b Normal) error {
	d := b.Dim()
	m := b.Solution()
	σ := b.StdDev(0)
	vals := make([]string, 1+d*3)
	vals[0] = fmt.Sprintf("%f", t)
	for k := 0; k < d; k++ {
		bound := 2 * σ.AtVec(k)
		if math.IsNaN(bound) {
			bound = 0
		}
		vals[1+3*k] = fmt.Sprintf("%f", m.AtVec(k))
		vals[2+3*k] = fmt.Sprintf("%f", m.AtVec(k)+bound)
		vals[3+3*k] = fmt.Sprintf("%f", m.AtVec(k)-bound)
	}
	_, err := e.hdlr.WriteString(strings.Join(vals, e.delimiter) + "\n")
	return err
}

// Close writes the closing stanza and closes the file.
func (e CSVExporter) Close() error {
	if _, err := e.hdlr.WriteString(fmt.Sprintf("# Closing date (UTC): %s\n", time.Now().UTC())); err != nil {
		return err
	}
	return e.hdlr.Close()
}

// Export writes every retained record to the exporter, using the smoothed
// beliefs when the smoother has run and the filtered ones otherwise.
func (sol *Solution) Export(e Exporter) error {
	for i, r := range sol.Records {
		b := r.Filtered
		if sol.smoothed != nil {
			b = sol.smoothed[i]
		}
		if err := e.Write(r.T, b); err != nil {
			return err
		}
	}
	return nil
}
