package main

import (
	"io"
	"sync"

	"github.com/schollz/progressbar/v3"

	"github.com/samcharles93/stepwise/internal/inference"
)

// prefillBar renders prefill progress. The bar is created on the first report,
// once the prompt length is known.
type prefillBar struct {
	w    io.Writer
	once sync.Once
	bar  *progressbar.ProgressBar
}

func newPrefillBar(w io.Writer) *prefillBar {
	return &prefillBar{w: w}
}

func (p *prefillBar) Report() inference.ProgressFunc {
	return func(consumed, total int) {
		p.once.Do(func() {
			p.bar = progressbar.NewOptions(total,
				progressbar.OptionSetWriter(p.w),
				progressbar.OptionSetDescription("prefill"),
				progressbar.OptionSetWidth(30),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
				progressbar.OptionSetTheme(progressbar.Theme{
					Saucer:        "=",
					SaucerHead:    ">",
					SaucerPadding: " ",
					BarStart:      "[",
					BarEnd:        "]",
				}),
			)
		})
		_ = p.bar.Set(consumed)
		if consumed >= total {
			_ = p.bar.Finish()
		}
	}
}

// Close clears an unfinished bar, for generations that failed during prefill.
func (p *prefillBar) Close() {
	if p.bar != nil && !p.bar.IsFinished() {
		_ = p.bar.Clear()
	}
}
