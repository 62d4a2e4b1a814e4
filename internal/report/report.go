// Package report assembles and serializes test results. Formatters receive
// run lifecycle events; tee framing for live process output is printed here
// too so everything that reaches the runner's stdout goes through one
// synchronized writer.
package report

import (
	"fmt"
	"io"
	"sync"
)

// Failure is one failed subject of a case with its messages.
type Failure struct {
	Subject  string
	Messages []string
}

// CaseResult is the outcome of one test case.
type CaseResult struct {
	Name     string
	Failures []Failure
}

// Passed reports whether the case produced no failure messages.
func (r *CaseResult) Passed() bool {
	for _, f := range r.Failures {
		if len(f.Messages) > 0 {
			return false
		}
	}
	return true
}

// AddFailure appends messages under a subject, merging with an existing
// subject entry so repeated matchers group together.
func (r *CaseResult) AddFailure(subject string, messages ...string) {
	for i := range r.Failures {
		if r.Failures[i].Subject == subject {
			r.Failures[i].Messages = append(r.Failures[i].Messages, messages...)
			return
		}
	}
	r.Failures = append(r.Failures, Failure{Subject: subject, Messages: messages})
}

// Summary aggregates every case result of a run.
type Summary struct {
	Results []CaseResult
}

func (s *Summary) Len() int { return len(s.Results) }

func (s *Summary) NumPassed() int {
	n := 0
	for i := range s.Results {
		if s.Results[i].Passed() {
			n++
		}
	}
	return n
}

func (s *Summary) NumFailed() int { return s.Len() - s.NumPassed() }

// AllPassed is what decides the process exit code.
func (s *Summary) AllPassed() bool { return s.NumFailed() == 0 }

// Formatter renders run lifecycle events. Implementations must only write
// through the writer they are given.
type Formatter interface {
	OnRunStart(w io.Writer) error
	OnCaseStart(w io.Writer, name string) error
	OnCaseEnd(w io.Writer, result *CaseResult) error
	OnRunEnd(w io.Writer, summary *Summary) error
}

// Reporter serializes all output of a run: formatter events, live tee
// chunks and framed capture blocks, in the order they happen.
type Reporter struct {
	mu        sync.Mutex
	w         io.Writer
	formatter Formatter
}

func NewReporter(w io.Writer, formatter Formatter) *Reporter {
	return &Reporter{w: w, formatter: formatter}
}

func (r *Reporter) OnRunStart() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.formatter.OnRunStart(r.w)
}

func (r *Reporter) OnCaseStart(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.formatter.OnCaseStart(r.w, name)
}

func (r *Reporter) OnCaseEnd(result *CaseResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.formatter.OnCaseEnd(r.w, result)
}

func (r *Reporter) OnRunEnd(summary *Summary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.formatter.OnRunEnd(r.w, summary)
}

// TeeWriter returns the writer live tee chunks go to. Writes interleave
// with report output under the reporter's lock.
func (r *Reporter) TeeWriter() io.Writer {
	return &lockedWriter{r: r}
}

type lockedWriter struct {
	r *Reporter
}

func (lw *lockedWriter) Write(p []byte) (int, error) {
	lw.r.mu.Lock()
	defer lw.r.mu.Unlock()
	return lw.r.w.Write(p)
}

// PrintCaptured emits the framed capture block for a reaped tee process.
func (r *Reporter) PrintCaptured(proc string, stdout, stderr []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, "== %s ==\n", proc)
	fmt.Fprintln(r.w, "=== captured stdout ===")
	writeBlock(r.w, stdout)
	fmt.Fprintln(r.w, "=======================")
	fmt.Fprintln(r.w, "=== captured stderr ===")
	writeBlock(r.w, stderr)
	fmt.Fprintln(r.w, "=======================")
}

// writeBlock writes raw bytes and keeps the closing delimiter on its own
// line.
func writeBlock(w io.Writer, b []byte) {
	if len(b) == 0 {
		return
	}
	w.Write(b)
	if b[len(b)-1] != '\n' {
		io.WriteString(w, "\n")
	}
}
