// Package matcher implements the named predicates a test case evaluates
// against captured exit codes and streams. A matcher reports both whether it
// matched and the message to print when the outcome is a failure under the
// current negation; the `not.` prefix is outer metadata handled here, not a
// separate matcher.
package matcher

import (
	"fmt"
	"strings"

	"execspec/internal/value"
)

// StatusMatcher is applied to an integer exit code.
type StatusMatcher interface {
	// Matches returns whether the code matched and the message describing
	// the outcome: the failure message when it did not match, the
	// "should not" message when it did (used for negated matchers).
	Matches(code int) (bool, string, error)
}

// StreamMatcher is applied to a captured byte buffer. File expectations
// reuse stream matchers over file contents.
type StreamMatcher interface {
	Matches(buf []byte) (bool, string, error)
}

// Status is a status matcher with its negation metadata.
type Status struct {
	Name    string
	Negated bool
	impl    StatusMatcher
}

// Matches applies negation: ok is true when the expectation holds.
func (s *Status) Matches(code int) (ok bool, msg string, err error) {
	matched, msg, err := s.impl.Matches(code)
	if err != nil {
		return false, "", err
	}
	return matched != s.Negated, msg, nil
}

// Stream is a stream matcher with its negation metadata.
type Stream struct {
	Name    string
	Negated bool
	impl    StreamMatcher
}

func (s *Stream) Matches(buf []byte) (ok bool, msg string, err error) {
	matched, msg, err := s.impl.Matches(buf)
	if err != nil {
		return false, "", err
	}
	return matched != s.Negated, msg, nil
}

type statusCtor func(param value.Value) (StatusMatcher, error)
type streamCtor func(param value.Value) (StreamMatcher, error)

// Registry routes matcher names to constructors. It is built once at startup.
type Registry struct {
	status map[string]statusCtor
	stream map[string]streamCtor
}

// NewRegistry returns the registry with all built-in matchers registered.
func NewRegistry() *Registry {
	r := &Registry{
		status: make(map[string]statusCtor),
		stream: make(map[string]streamCtor),
	}
	r.registerStatus("eq", newStatusEq)
	r.registerStream("eq", newStreamEq)
	r.registerStream("contain", newContain)
	r.registerStream("match_regex", newMatchRegex)
	r.registerStream("eq_json", newEqJSON)
	r.registerStream("include_json", newIncludeJSON)
	return r
}

func (r *Registry) registerStatus(name string, ctor statusCtor) {
	if _, ok := r.status[name]; ok {
		panic(fmt.Sprintf("status matcher %s is already registered", name))
	}
	r.status[name] = ctor
}

func (r *Registry) registerStream(name string, ctor streamCtor) {
	if _, ok := r.stream[name]; ok {
		panic(fmt.Sprintf("stream matcher %s is already registered", name))
	}
	r.stream[name] = ctor
}

// splitName strips the `not.` prefix that flips a matcher's sense.
func splitName(name string) (string, bool) {
	if rest, ok := strings.CutPrefix(name, "not."); ok {
		return rest, true
	}
	return name, false
}

// ParseStatus builds the named status matcher from its parameter value.
func (r *Registry) ParseStatus(name string, param value.Value) (*Status, error) {
	base, negated := splitName(name)
	ctor, ok := r.status[base]
	if !ok {
		return nil, fmt.Errorf("status matcher %q is not defined", base)
	}
	m, err := ctor(param)
	if err != nil {
		return nil, err
	}
	return &Status{Name: base, Negated: negated, impl: m}, nil
}

// ParseStream builds the named stream matcher from its parameter value.
func (r *Registry) ParseStream(name string, param value.Value) (*Stream, error) {
	base, negated := splitName(name)
	ctor, ok := r.stream[base]
	if !ok {
		return nil, fmt.Errorf("stream matcher %q is not defined", base)
	}
	m, err := ctor(param)
	if err != nil {
		return nil, err
	}
	return &Stream{Name: base, Negated: negated, impl: m}, nil
}
