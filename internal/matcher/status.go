package matcher

import (
	"fmt"

	"execspec/internal/value"
)

type statusEq struct {
	expected int
}

func newStatusEq(param value.Value) (StatusMatcher, error) {
	n, ok := param.AsInt()
	if !ok {
		return nil, fmt.Errorf("should be uint, but is %s", param.TypeName())
	}
	if n < 0 {
		return nil, fmt.Errorf("should be uint, but is int")
	}
	return &statusEq{expected: int(n)}, nil
}

func (m *statusEq) Matches(code int) (bool, string, error) {
	if code == m.expected {
		return true, fmt.Sprintf("should not be %d, but got it", code), nil
	}
	return false, fmt.Sprintf("should be %d, but got %d", m.expected, code), nil
}
