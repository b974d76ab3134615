package supervisor

import (
	"bufio"
	"errors"
	"io"
	"os"
	"strings"
	"time"
)

// tailer follows a log file that another process is appending to.
type tailer struct {
	jobID    string
	path     string
	stream   Stream
	interval time.Duration
	emit     func(Line)

	partial strings.Builder
}

// run emits lines until exited is closed, then drains what is left
// (including an unterminated final line) and returns.
func (t *tailer) run(exited <-chan struct{}) error {
	f, err := os.Open(t.path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReader(f)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		if err := t.drain(r); err != nil {
			return err
		}
		select {
		case <-exited:
			if err := t.drain(r); err != nil {
				return err
			}
			t.flush()
			return nil
		case <-ticker.C:
		}
	}
}

func (t *tailer) drain(r *bufio.Reader) error {
	for {
		chunk, err := r.ReadString('\n')
		if chunk != "" {
			t.partial.WriteString(chunk)
			if strings.HasSuffix(chunk, "\n") {
				t.flush()
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (t *tailer) flush() {
	if t.partial.Len() == 0 {
		return
	}
	text := strings.TrimRight(t.partial.String(), "\r\n")
	t.partial.Reset()
	t.emit(Line{JobID: t.jobID, Stream: t.stream, Text: text})
}

// TailFile returns the last n lines of the file at path.
func TailFile(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return TailLines(f, n)
}

// TailLines returns the last n lines from r. n <= 0 returns every line.
func TailLines(r io.Reader, n int) ([]string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var buf []string
	for scanner.Scan() {
		line := scanner.Text()
		if n <= 0 || len(buf) < n {
			buf = append(buf, line)
			continue
		}
		copy(buf, buf[1:])
		buf[n-1] = line
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return buf, nil
}
