package interp

import (
	"bufio"
	"errors"
	"io"
	"strings"

	"go.uber.org/zap"
)

// ReadLines drains r line-by-line into q until EOF or a read error, then
// closes q with the error (nil on EOF) and releases r. Lines are unbounded,
// like the queue itself: R prints a large JSON result as a single line, and
// an oversized line must stay a line, not a stream failure. A closed queue
// with a non-nil error is how the consumer observes a dead stream rather
// than the reader dying silently.
func ReadLines(log *zap.SugaredLogger, r io.ReadCloser, q *LineQueue) {
	defer func() {
		if err := r.Close(); err != nil {
			log.Debugf("error closing stream: %s", err)
		}
	}()

	buf := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := buf.ReadString('\n')
		if line != "" {
			line = strings.TrimSuffix(line, "\n")
			line = strings.TrimSuffix(line, "\r")
			q.Push(line)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			} else {
				log.Debugf("stream reader finished with error: %s", err)
			}
			q.Close(err)
			return
		}
	}
}
