package matcher

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/pmezard/go-difflib/difflib"

	"execspec/internal/value"
)

func paramString(param value.Value) (string, error) {
	if param.Kind() != value.KindString && param.Kind() != value.KindBytes {
		return "", fmt.Errorf("should be string, but is %s", param.TypeName())
	}
	return string(param.BytesVal()), nil
}

type streamEq struct {
	expected []byte
}

func newStreamEq(param value.Value) (StreamMatcher, error) {
	s, err := paramString(param)
	if err != nil {
		return nil, err
	}
	return &streamEq{expected: []byte(s)}, nil
}

func (m *streamEq) Matches(buf []byte) (bool, string, error) {
	if bytes.Equal(buf, m.expected) {
		return true, fmt.Sprintf("should not be \"%s\", but got it", string(m.expected)), nil
	}
	return false, "not equals:\n\n" + lineDiff(string(m.expected), string(buf)), nil
}

// lineDiff renders a per-line diff with -/+/space tags, expected first.
func lineDiff(expected, actual string) string {
	a := splitLines(expected)
	b := splitLines(actual)
	sm := difflib.NewMatcher(a, b)

	var sb strings.Builder
	// A final line without its newline still ends its diff line.
	write := func(tag, line string) {
		sb.WriteString(tag)
		sb.WriteString(line)
		if !strings.HasSuffix(line, "\n") {
			sb.WriteString("\n")
		}
	}
	for _, op := range sm.GetOpCodes() {
		switch op.Tag {
		case 'e':
			for _, line := range a[op.I1:op.I2] {
				write(" ", line)
			}
		case 'd':
			for _, line := range a[op.I1:op.I2] {
				write("-", line)
			}
		case 'i':
			for _, line := range b[op.J1:op.J2] {
				write("+", line)
			}
		case 'r':
			for _, line := range a[op.I1:op.I2] {
				write("-", line)
			}
			for _, line := range b[op.J1:op.J2] {
				write("+", line)
			}
		}
	}
	return sb.String()
}

// splitLines keeps the trailing newline on each line and drops the empty
// remainder after a final newline.
func splitLines(s string) []string {
	lines := strings.SplitAfter(s, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	return lines
}

type contain struct {
	expected []byte
}

func newContain(param value.Value) (StreamMatcher, error) {
	s, err := paramString(param)
	if err != nil {
		return nil, err
	}
	return &contain{expected: []byte(s)}, nil
}

func (m *contain) Matches(buf []byte) (bool, string, error) {
	if bytes.Contains(buf, m.expected) {
		return true, fmt.Sprintf("should not contain \"%s\", but contain it", string(m.expected)), nil
	}
	return false, fmt.Sprintf("should contain \"%s\", but don't contain it", string(m.expected)), nil
}

type matchRegex struct {
	expected *regexp.Regexp
}

func newMatchRegex(param value.Value) (StreamMatcher, error) {
	s, err := paramString(param)
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile(s)
	if err != nil {
		return nil, fmt.Errorf("should be valid regular expression pattern")
	}
	return &matchRegex{expected: re}, nil
}

func (m *matchRegex) Matches(buf []byte) (bool, string, error) {
	if !utf8.Valid(buf) {
		return false, "should be valid utf8 string", nil
	}
	if m.expected.Match(buf) {
		return true, fmt.Sprintf("should not match to /%s/, but match to it", m.expected), nil
	}
	return false, fmt.Sprintf("should match to /%s/, but don't match to it", m.expected), nil
}
