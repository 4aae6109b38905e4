package artifact

import (
	"fmt"

	"github.com/bigscan/bigscan/pkg/console"
	"github.com/dustin/go-humanize"
)

// unknownTotalStep is how often progress is redrawn when the total size is
// not known.
const unknownTotalStep = 10 * MiB

// progress renders transfer progress on the console status line in 10%
// steps.
type progress struct {
	out   *console.Console
	label string
	total int64
	shown int64
}

func newProgress(out *console.Console, label string, total int64) *progress {
	return &progress{out: out, label: label, total: total, shown: -1}
}

// SetTotal records the total size once the server reports it.
func (p *progress) SetTotal(total int64) {
	if total > 0 && p.total <= 0 {
		p.total = total
	}
}

// Update redraws the status line when done crosses the next step.
func (p *progress) Update(done int64) {
	if p.total <= 0 {
		step := done / unknownTotalStep
		if step == p.shown {
			return
		}
		p.shown = step
		p.out.Status(fmt.Sprintf("  %s %s", p.label, humanize.IBytes(uint64(done))))
		return
	}

	decile := done * 10 / p.total
	if decile > 10 {
		decile = 10
	}
	if decile == p.shown {
		return
	}
	p.shown = decile
	p.out.Status(fmt.Sprintf("  %s %d%% (%s / %s)", p.label, decile*10,
		humanize.IBytes(uint64(done)), humanize.IBytes(uint64(p.total))))
}

// Finish closes the status line with the final byte count.
func (p *progress) Finish(done int64, ok bool) {
	line := fmt.Sprintf("  %s %s", p.label, humanize.IBytes(uint64(done)))
	if ok {
		p.out.Done(p.out.Green(line + " received"))
		return
	}
	p.out.Done(p.out.Red(line + " before failure"))
}
