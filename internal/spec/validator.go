// Package spec turns a YAML document into the case tree the runner
// executes. Schema violations carry `$`-rooted document paths and are
// reported together rather than one at a time.
package spec

import (
	"fmt"
	"strings"

	"execspec/internal/value"
)

// Violation is one schema problem at a specific document position.
type Violation struct {
	Filename string
	Path     string
	Message  string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s:%s: %s", v.Filename, v.Path, v.Message)
}

// Validator accumulates violations while walking the document. Paths are
// managed with InField/InIndex so that nested checks report exact positions.
type Validator struct {
	Filename   string
	paths      []string
	Violations []Violation
}

func NewValidator(filename string) *Validator {
	return &Validator{Filename: filename, paths: []string{"$"}}
}

// AddViolation records a problem at the current path.
func (v *Validator) AddViolation(format string, args ...interface{}) {
	v.Violations = append(v.Violations, Violation{
		Filename: v.Filename,
		Path:     strings.Join(v.paths, ""),
		Message:  fmt.Sprintf(format, args...),
	})
}

// CurrentPath returns the `$`-rooted path of the position being validated.
func (v *Validator) CurrentPath() string {
	return strings.Join(v.paths, "")
}

// ExprPath returns the current path without the `$.` root, the form used
// for expression-failure subjects.
func (v *Validator) ExprPath() string {
	return strings.TrimPrefix(strings.TrimPrefix(v.CurrentPath(), "$"), ".")
}

func (v *Validator) inPath(p string, f func()) {
	v.paths = append(v.paths, p)
	f()
	v.paths = v.paths[:len(v.paths)-1]
}

// InField runs f with `.name` appended to the path.
func (v *Validator) InField(name string, f func()) {
	v.inPath("."+name, f)
}

// InIndex runs f with `[i]` appended to the path.
func (v *Validator) InIndex(i int, f func()) {
	v.inPath(fmt.Sprintf("[%d]", i), f)
}

// MustBeMap checks the value is a map and returns it.
func (v *Validator) MustBeMap(x value.Value) (*value.Map, bool) {
	if x.Kind() != value.KindMap {
		v.AddViolation("should be map, but is %s", x.TypeName())
		return nil, false
	}
	return x.MapVal(), true
}

// MustBeSeq checks the value is a sequence and returns it.
func (v *Validator) MustBeSeq(x value.Value) ([]value.Value, bool) {
	if x.Kind() != value.KindSeq {
		v.AddViolation("should be seq, but is %s", x.TypeName())
		return nil, false
	}
	return x.SeqVal(), true
}

// MustBeString checks the value is a string and returns it.
func (v *Validator) MustBeString(x value.Value) (string, bool) {
	if x.Kind() != value.KindString && x.Kind() != value.KindBytes {
		v.AddViolation("should be string, but is %s", x.TypeName())
		return "", false
	}
	return string(x.BytesVal()), true
}

// MustBeBool checks the value is a bool.
func (v *Validator) MustBeBool(x value.Value) (bool, bool) {
	if x.Kind() != value.KindBool {
		v.AddViolation("should be bool, but is %s", x.TypeName())
		return false, false
	}
	return x.BoolVal(), true
}

// MustHave looks up a required key on a map and runs f on it in-field.
func (v *Validator) MustHave(m *value.Map, key string, f func(value.Value)) bool {
	x, ok := m.Get(key)
	if !ok {
		v.AddViolation("should have .%s", key)
		return false
	}
	v.InField(key, func() { f(x) })
	return true
}

// MayHave runs f on the key's value when present.
func (v *Validator) MayHave(m *value.Map, key string, f func(value.Value)) bool {
	x, ok := m.Get(key)
	if !ok {
		return false
	}
	v.InField(key, func() { f(x) })
	return true
}
