package spec

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"execspec/internal/value"
)

// ParseError is a document-level failure: either the YAML itself did not
// parse, or the schema walk collected violations.
type ParseError struct {
	Filename   string
	Message    string
	Violations []Violation
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Filename, e.Message)
}

// The process named by the flat form and the default expectation subject.
const DefaultProcessName = "main"

// Parse reads one YAML document and validates it into a File.
func Parse(filename string, r io.Reader) (*File, *ParseError) {
	var node yaml.Node
	if err := yaml.NewDecoder(r).Decode(&node); err != nil {
		return nil, &ParseError{Filename: filename, Message: fmt.Sprintf("cannot parse: %v", err)}
	}
	root, err := value.FromYAMLNode(&node)
	if err != nil {
		return nil, &ParseError{Filename: filename, Message: fmt.Sprintf("cannot parse: %v", err)}
	}

	v := NewValidator(filename)
	file := &File{Filename: filename}

	if rootMap, ok := v.MustBeMap(root); ok {
		v.MustHave(rootMap, "tests", func(x value.Value) {
			tests, ok := v.MustBeSeq(x)
			if !ok {
				return
			}
			for i, t := range tests {
				v.InIndex(i, func() {
					if c := parseCase(v, t); c != nil {
						file.Cases = append(file.Cases, c)
					}
				})
			}
		})
	}

	if len(v.Violations) > 0 {
		return nil, &ParseError{Filename: filename, Message: "parse error", Violations: v.Violations}
	}
	return file, nil
}

func exprNode(v *Validator, x value.Value) ExprNode {
	return ExprNode{Val: x, Path: v.ExprPath()}
}

func parseCase(v *Validator, x value.Value) *Case {
	m, ok := v.MustBeMap(x)
	if !ok {
		return nil
	}

	c := &Case{
		Filename: v.Filename,
		Path:     v.CurrentPath(),
		Expect:   map[string]*Expectations{},
	}

	v.MayHave(m, "name", func(x value.Value) {
		n := exprNode(v, x)
		c.Name = &n
	})

	v.MayHave(m, "let", func(x value.Value) {
		lm, ok := v.MustBeMap(x)
		if !ok {
			return
		}
		for i := 0; i < lm.Len(); i++ {
			name, val := lm.At(i)
			v.InField(name, func() {
				c.Let = append(c.Let, Binding{Name: name, Expr: exprNode(v, val)})
			})
		}
	})

	_, flat := m.Get("command")
	_, structured := m.Get("processes")
	switch {
	case flat && structured:
		v.AddViolation("cannot have both .command and .processes")
		return nil
	case flat:
		p := parseProcessFields(v, m, DefaultProcessName)
		if p.Background != nil {
			v.InField("background", func() {
				v.AddViolation("the flat form cannot declare a background process")
			})
			p.Background = nil
		}
		c.Processes = append(c.Processes, p)
		v.MayHave(m, "expect", func(x value.Value) {
			if e := parseExpectations(v, x); e != nil {
				c.Expect[DefaultProcessName] = e
			}
		})
	case structured:
		v.MustHave(m, "processes", func(x value.Value) {
			pm, ok := v.MustBeMap(x)
			if !ok {
				return
			}
			for i := 0; i < pm.Len(); i++ {
				name, pv := pm.At(i)
				v.InField(name, func() {
					if sub, ok := v.MustBeMap(pv); ok {
						c.Processes = append(c.Processes, parseProcessFields(v, sub, name))
					}
				})
			}
		})
		v.MayHave(m, "expect", func(x value.Value) {
			em, ok := v.MustBeMap(x)
			if !ok {
				return
			}
			v.MayHave(em, "processes", func(x value.Value) {
				epm, ok := v.MustBeMap(x)
				if !ok {
					return
				}
				for i := 0; i < epm.Len(); i++ {
					name, ev := epm.At(i)
					v.InField(name, func() {
						if !hasProcess(c, name) {
							v.AddViolation("process %s is not defined", name)
							return
						}
						if e := parseExpectations(v, ev); e != nil {
							c.Expect[name] = e
						}
					})
				}
			})
		})
		if fgCount(c) != 1 {
			v.AddViolation("should have exactly one foreground process, but has %d", fgCount(c))
		}
	default:
		v.AddViolation("should have .command or .processes")
		return nil
	}

	return c
}

func hasProcess(c *Case, name string) bool {
	for _, p := range c.Processes {
		if p.Name == name {
			return true
		}
	}
	return false
}

func fgCount(c *Case) int {
	n := 0
	for _, p := range c.Processes {
		if p.Background == nil {
			n++
		}
	}
	return n
}

func parseProcessFields(v *Validator, m *value.Map, name string) *Process {
	p := &Process{Name: name}

	v.MustHave(m, "command", func(x value.Value) {
		args, ok := v.MustBeSeq(x)
		if !ok {
			return
		}
		if len(args) == 0 {
			v.AddViolation("should not be empty")
			return
		}
		for i, a := range args {
			v.InIndex(i, func() {
				p.Command = append(p.Command, exprNode(v, a))
			})
		}
	})

	v.MayHave(m, "stdin", func(x value.Value) {
		n := exprNode(v, x)
		p.Stdin = &n
	})

	v.MayHave(m, "env", func(x value.Value) {
		em, ok := v.MustBeMap(x)
		if !ok {
			return
		}
		for i := 0; i < em.Len(); i++ {
			k, ev := em.At(i)
			v.InField(k, func() {
				p.Env = append(p.Env, EnvEntry{Name: k, Val: exprNode(v, ev)})
			})
		}
	})

	v.MayHave(m, "timeout", func(x value.Value) {
		n := exprNode(v, x)
		p.Timeout = &n
	})

	v.MayHave(m, "tee_stdout", func(x value.Value) {
		p.TeeStdout, _ = v.MustBeBool(x)
	})
	v.MayHave(m, "tee_stderr", func(x value.Value) {
		p.TeeStderr, _ = v.MustBeBool(x)
	})

	v.MayHave(m, "background", func(x value.Value) {
		p.Background = parseBackground(v, x)
	})

	return p
}

func parseBackground(v *Validator, x value.Value) *Background {
	switch x.Kind() {
	case value.KindBool:
		if !x.BoolVal() {
			return nil
		}
		return &Background{}
	case value.KindMap:
		b := &Background{}
		m := x.MapVal()
		v.MayHave(m, "wait", func(x value.Value) {
			b.Wait = parseWait(v, x)
		})
		v.MayHave(m, "timeout", func(x value.Value) {
			n := exprNode(v, x)
			b.Grace = &n
		})
		return b
	default:
		v.AddViolation("should be bool or map, but is %s", x.TypeName())
		return nil
	}
}

func parseWait(v *Validator, x value.Value) *WaitExpr {
	m, ok := v.MustBeMap(x)
	if !ok {
		return nil
	}
	if m.Len() != 1 {
		v.AddViolation("should have exactly one wait condition")
		return nil
	}
	kind, params := m.At(0)
	var w *WaitExpr
	v.InField(kind, func() {
		switch kind {
		case "sleep":
			w = &WaitExpr{Kind: WaitSleep}
			if params.Kind() == value.KindMap {
				v.MayHave(params.MapVal(), "duration", func(x value.Value) {
					n := exprNode(v, x)
					w.Duration = &n
				})
			} else {
				n := exprNode(v, params)
				w.Duration = &n
			}
		case "http":
			pm, ok := v.MustBeMap(params)
			if !ok {
				return
			}
			w = &WaitExpr{Kind: WaitHTTP}
			if !v.MustHave(pm, "url", func(x value.Value) {
				n := exprNode(v, x)
				w.URL = &n
			}) {
				w = nil
				return
			}
			v.MayHave(pm, "timeout", func(x value.Value) {
				n := exprNode(v, x)
				w.Timeout = &n
			})
			v.MayHave(pm, "interval", func(x value.Value) {
				n := exprNode(v, x)
				w.Interval = &n
			})
		case "stdout", "stderr":
			pm, ok := v.MustBeMap(params)
			if !ok {
				return
			}
			w = &WaitExpr{Kind: WaitStdout}
			if kind == "stderr" {
				w.Kind = WaitStderr
			}
			havePattern := v.MayHave(pm, "pattern", func(x value.Value) {
				n := exprNode(v, x)
				w.Pattern = &n
			})
			haveRegex := v.MayHave(pm, "match_regex", func(x value.Value) {
				n := exprNode(v, x)
				w.Pattern = &n
				w.IsRegex = true
			})
			if havePattern == haveRegex {
				v.AddViolation("should have .pattern or .match_regex")
				w = nil
				return
			}
			v.MayHave(pm, "timeout", func(x value.Value) {
				n := exprNode(v, x)
				w.Timeout = &n
			})
		default:
			v.AddViolation("wait condition %s is not defined", kind)
		}
	})
	return w
}

func parseExpectations(v *Validator, x value.Value) *Expectations {
	m, ok := v.MustBeMap(x)
	if !ok {
		return nil
	}
	e := &Expectations{}

	v.MayHave(m, "status", func(x value.Value) {
		e.Status = parseMatcherMap(v, x)
	})
	v.MayHave(m, "stdout", func(x value.Value) {
		e.Stdout = parseMatcherMap(v, x)
	})
	v.MayHave(m, "stderr", func(x value.Value) {
		e.Stderr = parseMatcherMap(v, x)
	})
	v.MayHave(m, "files", func(x value.Value) {
		fm, ok := v.MustBeMap(x)
		if !ok {
			return
		}
		for i := 0; i < fm.Len(); i++ {
			path, fv := fm.At(i)
			v.InField(path, func() {
				e.Files = append(e.Files, FileExpect{
					Path:     path,
					Matchers: parseMatcherMap(v, fv),
				})
			})
		}
	})
	return e
}

func parseMatcherMap(v *Validator, x value.Value) []MatcherExpr {
	m, ok := v.MustBeMap(x)
	if !ok {
		return nil
	}
	var out []MatcherExpr
	for i := 0; i < m.Len(); i++ {
		name, param := m.At(i)
		v.InField(name, func() {
			out = append(out, MatcherExpr{Name: name, Param: exprNode(v, param)})
		})
	}
	return out
}
