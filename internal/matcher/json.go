package matcher

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"execspec/internal/value"
)

// jsonParam normalizes an eq_json/include_json parameter: a string parameter
// is parsed as JSON, anything else is used as the expected structure
// directly. The returned text is the parameter as shown in messages.
func jsonParam(param value.Value) (value.Value, string, error) {
	if param.Kind() == value.KindString || param.Kind() == value.KindBytes {
		original := string(param.BytesVal())
		expected, err := value.DecodeJSON([]byte(original))
		if err != nil {
			return value.Value{}, "", fmt.Errorf("should be valid JSON string, but got \"%s\"", original)
		}
		return expected, original, nil
	}
	original, err := value.EncodeJSON(param)
	if err != nil {
		return value.Value{}, "", fmt.Errorf("should be a JSON value, but is %s", param.TypeName())
	}
	return param, original, nil
}

// parseActual decodes the captured buffer, distinguishing encoding problems
// from plain mismatches.
func parseActual(buf []byte) (value.Value, string, bool) {
	if !utf8.Valid(buf) {
		return value.Value{}, fmt.Sprintf("should be valid utf8 string, but got \"%s\"", strings.ToValidUTF8(string(buf), "�")), false
	}
	actual, err := value.DecodeJSON(buf)
	if err != nil {
		return value.Value{}, fmt.Sprintf("should be valid JSON string, but got \"%s\"", string(buf)), false
	}
	return actual, "", true
}

type eqJSON struct {
	expected value.Value
	original string
}

func newEqJSON(param value.Value) (StreamMatcher, error) {
	expected, original, err := jsonParam(param)
	if err != nil {
		return nil, err
	}
	return &eqJSON{expected: expected, original: original}, nil
}

func (m *eqJSON) Matches(buf []byte) (bool, string, error) {
	actual, msg, ok := parseActual(buf)
	if !ok {
		return false, msg, nil
	}
	entries := diffJSON("", m.expected, actual, true)
	if len(entries) == 0 {
		return true, fmt.Sprintf("should not be %s as JSON, but got it", m.original), nil
	}
	return false, strings.Join(entries, "\n\n"), nil
}

type includeJSON struct {
	expected value.Value
	original string
}

func newIncludeJSON(param value.Value) (StreamMatcher, error) {
	expected, original, err := jsonParam(param)
	if err != nil {
		return nil, err
	}
	return &includeJSON{expected: expected, original: original}, nil
}

func (m *includeJSON) Matches(buf []byte) (bool, string, error) {
	actual, msg, ok := parseActual(buf)
	if !ok {
		return false, msg, nil
	}
	entries := diffJSON("", m.expected, actual, false)
	if len(entries) == 0 {
		return true, fmt.Sprintf("should not include %s as JSON, but got it", m.original), nil
	}
	return false, strings.Join(entries, "\n\n"), nil
}

// diffJSON walks expected against actual and collects one entry per
// mismatching path. In strict mode (eq_json) atoms present on only one side
// are reported for both sides; in inclusive mode (include_json) actual may
// carry anything beyond what expected names.
func diffJSON(path string, expected, actual value.Value, strict bool) []string {
	switch {
	case expected.Kind() == value.KindMap && actual.Kind() == value.KindMap:
		var entries []string
		em, am := expected.MapVal(), actual.MapVal()
		for i := 0; i < em.Len(); i++ {
			k, ev := em.At(i)
			av, ok := am.Get(k)
			if !ok {
				entries = append(entries, missingAtom(path+"."+k, "actual"))
				continue
			}
			entries = append(entries, diffJSON(path+"."+k, ev, av, strict)...)
		}
		if strict {
			for i := 0; i < am.Len(); i++ {
				k, _ := am.At(i)
				if _, ok := em.Get(k); !ok {
					entries = append(entries, missingAtom(path+"."+k, "expected"))
				}
			}
		}
		return entries
	case expected.Kind() == value.KindSeq && actual.Kind() == value.KindSeq:
		var entries []string
		es, as := expected.SeqVal(), actual.SeqVal()
		for i, ev := range es {
			p := fmt.Sprintf("%s[%d]", path, i)
			if i >= len(as) {
				entries = append(entries, missingAtom(p, "actual"))
				continue
			}
			entries = append(entries, diffJSON(p, ev, as[i], strict)...)
		}
		if strict {
			for i := len(es); i < len(as); i++ {
				entries = append(entries, missingAtom(fmt.Sprintf("%s[%d]", path, i), "expected"))
			}
		}
		return entries
	default:
		if expected.Equal(actual) {
			return nil
		}
		return []string{atomsNotEqual(path, expected, actual)}
	}
}

func atomsNotEqual(path string, expected, actual value.Value) string {
	ej, _ := value.EncodeJSON(expected)
	aj, _ := value.EncodeJSON(actual)
	return fmt.Sprintf("json atoms at path \"%s\" are not equal:\n    expected:\n        %s\n    actual:\n        %s", path, ej, aj)
}

func missingAtom(path, side string) string {
	return fmt.Sprintf("json atom at path \"%s\" is missing from %s", path, side)
}
