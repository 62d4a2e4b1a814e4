package report

import (
	"fmt"
	"io"
	"strings"

	"execspec/internal/color"
)

// SimpleFormatter is the human-readable format: one line per case, the
// failure details grouped at the end, and a closing summary line.
type SimpleFormatter struct{}

func NewSimpleFormatter() *SimpleFormatter { return &SimpleFormatter{} }

func (f *SimpleFormatter) OnRunStart(io.Writer) error { return nil }

func (f *SimpleFormatter) OnCaseStart(io.Writer, string) error { return nil }

func (f *SimpleFormatter) OnCaseEnd(w io.Writer, result *CaseResult) error {
	var line string
	if result.Passed() {
		line = color.Success.Render("pass") + ": " + result.Name
	} else {
		line = color.Failure.Render("fail") + ": " + result.Name
	}
	_, err := fmt.Fprintln(w, line)
	return err
}

func (f *SimpleFormatter) OnRunEnd(w io.Writer, summary *Summary) error {
	var failed []*CaseResult
	for i := range summary.Results {
		if !summary.Results[i].Passed() {
			failed = append(failed, &summary.Results[i])
		}
	}

	if len(failed) > 0 {
		if _, err := fmt.Fprintf(w, "\nFailures:\n"); err != nil {
			return err
		}
		for i, tr := range failed {
			if _, err := fmt.Fprintf(w, "\n%d) %s\n", i+1, tr.Name); err != nil {
				return err
			}
			for _, failure := range tr.Failures {
				if len(failure.Messages) == 0 {
					continue
				}
				if _, err := fmt.Fprintf(w, "  subject: %s\n", failure.Subject); err != nil {
					return err
				}
				for _, m := range failure.Messages {
					if _, err := io.WriteString(w, indent(m, "    ")); err != nil {
						return err
					}
				}
			}
		}
	}

	_, err := fmt.Fprintf(w, "\n%d test cases, %d failures\n", summary.Len(), len(failed))
	return err
}

// indent prefixes every line of m and guarantees a trailing newline.
func indent(m, prefix string) string {
	lines := strings.Split(strings.TrimSuffix(m, "\n"), "\n")
	var sb strings.Builder
	for _, line := range lines {
		sb.WriteString(prefix)
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return sb.String()
}
