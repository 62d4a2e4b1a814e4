// Package expr implements the `$`-expression layer that turns YAML values
// into concrete strings and resources. A map whose sole key starts with `$`
// is a call; scalars evaluate to themselves, and sequences and other maps are
// evaluated element by element. The dispatch happens once
// at parse time, producing a sealed variant tree that Eval walks.
package expr

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"execspec/internal/arena"
	"execspec/internal/value"
)

// Expr is a parsed expression node. The concrete variants are sealed inside
// this package; evaluation is a recursive walk over them.
type Expr interface {
	// Path returns the document path of the node, e.g. "tests[0].command[2].$env".
	Path() string
	isExpr()
}

type node struct {
	path string
}

func (n node) Path() string { return n.path }
func (node) isExpr()        {}

// Literal passes a scalar value through unchanged. Sequences and plain maps
// parse to SeqExpr and MapExpr instead.
type Literal struct {
	node
	Val value.Value
}

// SeqExpr evaluates each element in order.
type SeqExpr struct {
	node
	Elems []Expr
}

// MapExpr evaluates each entry value in insertion order.
type MapExpr struct {
	node
	Keys []string
	Vals []Expr
}

// EnvVar reads an environment variable, with an optional default split off
// the first `-` of the argument.
type EnvVar struct {
	node
	Name       string
	Default    string
	HasDefault bool
}

// JSONExpr serializes its evaluated argument as compact JSON.
type JSONExpr struct {
	node
	Arg Expr
}

// YAMLExpr serializes its evaluated argument as block YAML.
type YAMLExpr struct {
	node
	Arg Expr
}

// TmpFile materializes its evaluated argument into an arena-owned file and
// yields the absolute path.
type TmpFile struct {
	node
	Content Expr
}

// TmpPort reserves a free loopback TCP port in the arena and yields its
// decimal string.
type TmpPort struct {
	node
}

// Var looks up a `let` binding.
type Var struct {
	node
	Name string
}

// Error is an evaluation or parse failure annotated with the document path
// it occurred at.
type Error struct {
	ExprPath string
	Message  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.ExprPath, e.Message)
}

func errAt(path, format string, args ...interface{}) *Error {
	return &Error{ExprPath: path, Message: fmt.Sprintf(format, args...)}
}

// Parse turns a raw document value into an expression tree. path names the
// position of v within the document and seeds the paths reported by errors.
func Parse(v value.Value, path string) (Expr, error) {
	switch v.Kind() {
	case value.KindSeq:
		elems := make([]Expr, 0, len(v.SeqVal()))
		for i, e := range v.SeqVal() {
			c, err := Parse(e, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			elems = append(elems, c)
		}
		return &SeqExpr{node: node{path}, Elems: elems}, nil
	case value.KindMap:
		m := v.MapVal()
		if m.Len() == 1 {
			if head, arg := m.At(0); strings.HasPrefix(head, "$") {
				return parseCall(head, arg, path)
			}
		}
		keys := make([]string, 0, m.Len())
		vals := make([]Expr, 0, m.Len())
		for i := 0; i < m.Len(); i++ {
			k, e := m.At(i)
			c, err := Parse(e, path+"."+k)
			if err != nil {
				return nil, err
			}
			keys = append(keys, k)
			vals = append(vals, c)
		}
		return &MapExpr{node: node{path}, Keys: keys, Vals: vals}, nil
	default:
		return &Literal{node: node{path}, Val: v}, nil
	}
}

func parseCall(head string, arg value.Value, path string) (Expr, error) {
	callPath := path + "." + head
	switch head {
	case "$env":
		s, ok := arg.AsString()
		if !ok || arg.Kind() != value.KindString {
			return nil, errAt(callPath, "should be string, but is %s", arg.TypeName())
		}
		if i := strings.Index(s, "-"); i >= 0 {
			return &EnvVar{node: node{callPath}, Name: s[:i], Default: s[i+1:], HasDefault: true}, nil
		}
		return &EnvVar{node: node{callPath}, Name: s}, nil
	case "$json":
		inner, err := Parse(arg, callPath)
		if err != nil {
			return nil, err
		}
		return &JSONExpr{node: node{callPath}, Arg: inner}, nil
	case "$yaml":
		inner, err := Parse(arg, callPath)
		if err != nil {
			return nil, err
		}
		return &YAMLExpr{node: node{callPath}, Arg: inner}, nil
	case "$tmp_file":
		inner, err := Parse(arg, callPath)
		if err != nil {
			return nil, err
		}
		return &TmpFile{node: node{callPath}, Content: inner}, nil
	case "$tmp_port":
		if arg.Kind() != value.KindMap || arg.MapVal().Len() != 0 {
			return nil, errAt(callPath, "should take an empty map, but takes %s", arg.TypeName())
		}
		return &TmpPort{node: node{callPath}}, nil
	case "$var":
		s, ok := arg.AsString()
		if !ok || arg.Kind() != value.KindString {
			return nil, errAt(callPath, "should be string, but is %s", arg.TypeName())
		}
		return &Var{node: node{callPath}, Name: s}, nil
	default:
		return nil, errAt(callPath, "expression %s is not defined", head)
	}
}

// Scope holds the `let` bindings visible to an expression.
type Scope struct {
	vars *value.Map
}

func NewScope() *Scope {
	return &Scope{vars: value.NewMap()}
}

// Bind adds a binding; later bindings see earlier ones.
func (s *Scope) Bind(name string, v value.Value) {
	s.vars.Set(name, v)
}

func (s *Scope) Lookup(name string) (value.Value, bool) {
	return s.vars.Get(name)
}

// Env carries everything evaluation needs besides the expression itself.
type Env struct {
	Scope *Scope
	Arena *arena.Arena
	// LookupEnv defaults to os.LookupEnv; tests override it.
	LookupEnv func(string) (string, bool)
}

// Eval reduces an expression to a concrete value. Evaluation is eager and
// recursive; the two resource-producing heads also touch the arena.
func Eval(e Expr, env *Env) (value.Value, error) {
	switch x := e.(type) {
	case *Literal:
		return x.Val, nil
	case *SeqExpr:
		vs := make([]value.Value, 0, len(x.Elems))
		for _, c := range x.Elems {
			v, err := Eval(c, env)
			if err != nil {
				return value.Value{}, err
			}
			vs = append(vs, v)
		}
		return value.Seq(vs...), nil
	case *MapExpr:
		m := value.NewMap()
		for i, k := range x.Keys {
			v, err := Eval(x.Vals[i], env)
			if err != nil {
				return value.Value{}, err
			}
			m.Set(k, v)
		}
		return value.FromMap(m), nil
	case *EnvVar:
		lookup := env.LookupEnv
		if lookup == nil {
			lookup = os.LookupEnv
		}
		if v, ok := lookup(x.Name); ok {
			return value.String(v), nil
		}
		if x.HasDefault {
			return value.String(x.Default), nil
		}
		return value.Value{}, errAt(x.Path(), "env var %s is not defined", x.Name)
	case *JSONExpr:
		v, err := Eval(x.Arg, env)
		if err != nil {
			return value.Value{}, err
		}
		s, err := value.EncodeJSON(v)
		if err != nil {
			return value.Value{}, errAt(x.Path(), "eval error: %s", err)
		}
		return value.String(s), nil
	case *YAMLExpr:
		v, err := Eval(x.Arg, env)
		if err != nil {
			return value.Value{}, err
		}
		s, err := value.EncodeYAML(v)
		if err != nil {
			return value.Value{}, errAt(x.Path(), "eval error: %s", err)
		}
		return value.String(s), nil
	case *TmpFile:
		v, err := Eval(x.Content, env)
		if err != nil {
			return value.Value{}, err
		}
		if v.Kind() != value.KindString && v.Kind() != value.KindBytes {
			return value.Value{}, errAt(x.Path(), "should be string, but is %s", v.TypeName())
		}
		path, err := env.Arena.NewTempFile(v.BytesVal())
		if err != nil {
			return value.Value{}, errAt(x.Path(), "eval error: %s", err)
		}
		return value.String(path), nil
	case *TmpPort:
		port, err := env.Arena.ReservePort()
		if err != nil {
			return value.Value{}, errAt(x.Path(), "eval error: %s", err)
		}
		return value.String(strconv.Itoa(port)), nil
	case *Var:
		if v, ok := env.Scope.Lookup(x.Name); ok {
			return v, nil
		}
		return value.Value{}, errAt(x.Path(), "variable %s is not defined", x.Name)
	default:
		return value.Value{}, errAt(e.Path(), "unsupported expression")
	}
}
