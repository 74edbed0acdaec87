package dump

import (
	"bytes"
	"io"
)

// indentStep is the indentation added per nesting level.
const indentStep = "  "

// Indenter is an io.Writer that indents every line it forwards to the
// underlying writer by Depth nesting levels. Superblock dumps use it to nest
// the per-page listings under their entries. Indentation is emitted lazily,
// right before the first byte of a line, so a dump that ends in a newline
// does not leave a dangling indent behind.
type Indenter struct {
	Sink  io.Writer
	Depth int

	midline bool
}

// Write forwards p to the underlying writer, indenting each line. The
// returned count covers the bytes of p only, not the injected indentation.
func (w *Indenter) Write(p []byte) (int, error) {
	var written int
	for len(p) > 0 {
		if !w.midline {
			for level := 0; level < w.Depth; level++ {
				if _, err := io.WriteString(w.Sink, indentStep); err != nil {
					return written, err
				}
			}
			w.midline = true
		}

		chunk := p
		endOfLine := false
		if i := bytes.IndexByte(p, '\n'); i != -1 {
			chunk = p[:i+1]
			endOfLine = true
		}

		n, err := w.Sink.Write(chunk)
		written += n
		if err != nil {
			return written, err
		}
		if endOfLine {
			w.midline = false
		}
		p = p[len(chunk):]
	}
	return written, nil
}
