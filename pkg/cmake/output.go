package cmake

import (
	"bytes"
	"strings"
)

type streamLine struct {
	text   string
	stderr bool
}

// lineWriter splits a process stream into lines and queues them for the
// goroutine that owns the callbacks.
type lineWriter struct {
	lines  chan<- streamLine
	stderr bool
	buf    bytes.Buffer
}

func newLineWriter(lines chan<- streamLine, stderr bool) *lineWriter {
	return &lineWriter{lines: lines, stderr: stderr}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := string(w.buf.Next(i + 1))
		w.lines <- streamLine{text: strings.TrimRight(line, "\r\n"), stderr: w.stderr}
	}
	return len(p), nil
}

// flush returns a trailing partial line. Only call once the process has
// finished writing.
func (w *lineWriter) flush() []streamLine {
	if w.buf.Len() == 0 {
		return nil
	}
	line := strings.TrimRight(w.buf.String(), "\r\n")
	w.buf.Reset()
	return []streamLine{{text: line, stderr: w.stderr}}
}
