package report

import (
	"encoding/json"
	"io"
)

// JSONFormatter emits the machine-readable report: a single JSON object on
// run end, nothing in between. The key set is an external contract.
type JSONFormatter struct{}

func NewJSONFormatter() *JSONFormatter { return &JSONFormatter{} }

type failureJSON struct {
	Subject  string   `json:"subject"`
	Messages []string `json:"messages"`
}

type testResultJSON struct {
	Name     string        `json:"name"`
	Passed   bool          `json:"passed"`
	Failures []failureJSON `json:"failures"`
}

type reportJSON struct {
	NumTestCases       int              `json:"num_test_cases"`
	NumPassedTestCases int              `json:"num_passed_test_cases"`
	NumFailedTestCases int              `json:"num_failed_test_cases"`
	Success            bool             `json:"success"`
	TestResults        []testResultJSON `json:"test_results"`
}

func (f *JSONFormatter) OnRunStart(io.Writer) error { return nil }

func (f *JSONFormatter) OnCaseStart(io.Writer, string) error { return nil }

func (f *JSONFormatter) OnCaseEnd(io.Writer, *CaseResult) error { return nil }

func (f *JSONFormatter) OnRunEnd(w io.Writer, summary *Summary) error {
	out := reportJSON{
		NumTestCases:       summary.Len(),
		NumPassedTestCases: summary.NumPassed(),
		NumFailedTestCases: summary.NumFailed(),
		Success:            summary.AllPassed(),
		TestResults:        make([]testResultJSON, 0, summary.Len()),
	}
	for i := range summary.Results {
		tr := &summary.Results[i]
		res := testResultJSON{
			Name:     tr.Name,
			Passed:   tr.Passed(),
			Failures: make([]failureJSON, 0, len(tr.Failures)),
		}
		for _, failure := range tr.Failures {
			if len(failure.Messages) == 0 {
				continue
			}
			res.Failures = append(res.Failures, failureJSON{
				Subject:  failure.Subject,
				Messages: failure.Messages,
			})
		}
		out.TestResults = append(out.TestResults, res)
	}

	b, err := json.Marshal(out)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
