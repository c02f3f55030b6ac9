package metric

import (
	"fmt"
	"strings"
)

// AverageMeter tracks the latest value and the running average of a scalar.
type AverageMeter struct {
	Name  string
	Fmt   string
	Val   float64
	Sum   float64
	Count int
	Avg   float64
}

// NewAverageMeter returns a meter named name whose values render with the
// given fmt verb (e.g. "%.4f").
func NewAverageMeter(name, format string) *AverageMeter {
	return &AverageMeter{Name: name, Fmt: format}
}

// Reset zeroes the meter.
func (m *AverageMeter) Reset() {
	m.Val, m.Sum, m.Avg = 0, 0, 0
	m.Count = 0
}

// Update records val observed over n samples.
func (m *AverageMeter) Update(val float64, n int) {
	m.Val = val
	m.Sum += val * float64(n)
	m.Count += n
	if m.Count > 0 {
		m.Avg = m.Sum / float64(m.Count)
	}
}

func (m *AverageMeter) String() string {
	f := m.Fmt
	if f == "" {
		f = "%.4f"
	}
	return fmt.Sprintf("%s "+f+" ("+f+")", m.Name, m.Val, m.Avg)
}

// ProgressMeter renders a group of meters as one progress line per step.
type ProgressMeter struct {
	prefix string
	total  int
	meters []*AverageMeter
}

func NewProgressMeter(total int, prefix string, meters ...*AverageMeter) *ProgressMeter {
	return &ProgressMeter{prefix: prefix, total: total, meters: meters}
}

// Line formats the progress line for the given step without printing it.
func (p *ProgressMeter) Line(step int) string {
	width := len(fmt.Sprintf("%d", p.total))
	parts := []string{fmt.Sprintf("%s[%*d/%d]", p.prefix, width, step, p.total)}
	for _, m := range p.meters {
		parts = append(parts, m.String())
	}
	return strings.Join(parts, "  ")
}

// Display prints the progress line for the given step.
func (p *ProgressMeter) Display(step int) {
	fmt.Println(p.Line(step))
}
