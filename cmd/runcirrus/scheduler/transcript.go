package scheduler

import (
	"bytes"
	"io"
	"regexp"
	"sync"
)

// transcript tees front end output into the scheduler log while looking for
// the job id. Safe for concurrent use.
type transcript struct {
	mu      sync.Mutex
	out     io.Writer
	pattern *regexp.Regexp
	buffer  bytes.Buffer
	scanned int
	jobId   string
}

func newTranscript(out io.Writer, pattern *regexp.Regexp) *transcript {
	return &transcript{out: out, pattern: pattern}
}

func (t *transcript) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buffer.Write(p)
	if t.jobId == "" {
		t.scanLines()
	}

	return t.out.Write(p)
}

func (t *transcript) scanLines() {
	data := t.buffer.Bytes()
	for {
		end := bytes.IndexByte(data[t.scanned:], '\n')
		if end < 0 {
			return
		}
		line := data[t.scanned : t.scanned+end]
		t.scanned += end + 1

		if m := t.pattern.FindSubmatch(line); m != nil {
			t.jobId = string(m[1])
			return
		}
	}
}

func (t *transcript) JobId() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.jobId
}

func (t *transcript) Text() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buffer.String()
}
