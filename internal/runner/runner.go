// Package runner executes parsed test cases sequentially: it allocates the
// case arena, evaluates let bindings and process specs, supervises the
// processes through the controller, evaluates expectations and accumulates
// every failure into the report.
package runner

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"execspec/internal/arena"
	"execspec/internal/expr"
	"execspec/internal/matcher"
	"execspec/internal/proc"
	"execspec/internal/report"
	"execspec/internal/spec"
	"execspec/internal/value"
	"execspec/pkg/logging"
)

// Runner drives a whole run. Cases are strictly sequential.
type Runner struct {
	Registry *matcher.Registry
	Supplier *arena.Supplier
	Reporter *report.Reporter
	// ForceTeeStdout / ForceTeeStderr mirror the --tee-stdout/--tee-stderr
	// CLI flags and switch tee on for every process.
	ForceTeeStdout bool
	ForceTeeStderr bool
}

// Run executes every case of every file in document order and emits the
// final report. The returned summary decides the exit code.
func (r *Runner) Run(files []*spec.File) (*report.Summary, error) {
	if err := r.Reporter.OnRunStart(); err != nil {
		return nil, err
	}
	summary := &report.Summary{}
	for _, f := range files {
		for _, c := range f.Cases {
			if err := r.Reporter.OnCaseStart(c.Path); err != nil {
				return nil, err
			}
			result := r.runCase(c)
			if err := r.Reporter.OnCaseEnd(&result); err != nil {
				return nil, err
			}
			summary.Results = append(summary.Results, result)
		}
	}
	if err := r.Reporter.OnRunEnd(summary); err != nil {
		return nil, err
	}
	return summary, nil
}

// resolvedProc is a process spec after expression evaluation, ready to
// spawn.
type resolvedProc struct {
	src   *spec.Process
	spec  proc.Spec
	wait  proc.WaitCondition
	grace time.Duration
}

// runCase runs one case; every failure ends up in the result rather than an
// error, so the next case always runs.
func (r *Runner) runCase(c *spec.Case) report.CaseResult {
	result := report.CaseResult{}

	a, err := r.Supplier.NewArena()
	if err != nil {
		result.Name = c.Path
		result.AddFailure("internal", err.Error())
		return result
	}
	defer a.ReleaseAll()

	env := &expr.Env{Scope: expr.NewScope(), Arena: a}

	setupFailed := false
	fail := func(subject string, msg string) {
		result.AddFailure(subject, msg)
		setupFailed = true
	}

	// Let bindings evaluate exactly once, in declaration order, with
	// earlier bindings visible to later ones.
	for _, b := range c.Let {
		v, err := evalNode(b.Expr, env)
		if err != nil {
			fail(exprSubject(err, b.Expr), exprMessage(err))
			continue
		}
		env.Scope.Bind(b.Name, v)
	}

	procs := make([]*resolvedProc, 0, len(c.Processes))
	for _, p := range c.Processes {
		rp, errs := r.resolveProcess(p, env)
		for _, e := range errs {
			fail(e.subject, e.message)
		}
		procs = append(procs, rp)
	}

	expects := r.resolveExpectations(c, env, fail)

	result.Name = caseName(c, env, procs)

	if setupFailed {
		return result
	}

	results := r.runProcesses(c, procs, &result)

	// Tee framing: background processes in declaration order, main last.
	for _, rp := range procs {
		if rp.src.Background == nil {
			continue
		}
		r.printCaptured(rp, results)
	}
	for _, rp := range procs {
		if rp.src.Background == nil {
			r.printCaptured(rp, results)
		}
	}

	for _, rp := range procs {
		res, ok := results[rp.src.Name]
		if !ok {
			continue
		}
		r.evaluate(rp.src.Name, expects[rp.src.Name], res, &result)
	}

	return result
}

func (r *Runner) printCaptured(rp *resolvedProc, results map[string]proc.Result) {
	if !rp.spec.TeeStdout && !rp.spec.TeeStderr {
		return
	}
	res, ok := results[rp.src.Name]
	if !ok {
		return
	}
	r.Reporter.PrintCaptured(rp.src.Name, res.Stdout, res.Stderr)
}

// runProcesses starts backgrounds, waits out their conditions, runs the
// foreground and then terminates everything still alive. It returns the
// reaped results by process name.
func (r *Runner) runProcesses(c *spec.Case, procs []*resolvedProc, result *report.CaseResult) map[string]proc.Result {
	results := map[string]proc.Result{}
	teeOut := r.Reporter.TeeWriter()
	teeErr := r.Reporter.TeeWriter()

	var started []*startedProc
	bgFailed := false

	terminateStarted := func() {
		for _, s := range started {
			res, err := s.handle.Terminate(s.rp.grace)
			if err != nil {
				result.AddFailure(s.rp.src.Name+":internal", fmt.Sprintf("cannot reap process: %s", err))
				continue
			}
			results[s.rp.src.Name] = res
		}
		started = nil
	}

	// All background processes start, and satisfy their wait conditions,
	// before the foreground runs.
	for _, rp := range procs {
		if rp.src.Background == nil {
			continue
		}
		h, err := proc.Start(rp.spec, teeOut, teeErr)
		if err != nil {
			result.AddFailure(rp.src.Name+":spawn", err.Error())
			bgFailed = true
			break
		}
		started = append(started, &startedProc{rp: rp, handle: h})
		if rp.wait != nil {
			if err := rp.wait.Wait(h); err != nil {
				result.AddFailure(rp.src.Name+":wait", err.Error())
				bgFailed = true
				break
			}
		}
	}

	if bgFailed {
		terminateStarted()
		return results
	}

	fg := fgProc(procs)
	h, err := proc.Start(fg.spec, teeOut, teeErr)
	if err != nil {
		result.AddFailure(fg.src.Name+":spawn", err.Error())
		terminateStarted()
		return results
	}
	res, err := h.Wait(fg.spec.Timeout)
	if err != nil {
		result.AddFailure(fg.src.Name+":internal", fmt.Sprintf("cannot reap process: %s", err))
		terminateStarted()
		return results
	}
	if res.Status.TimedOut {
		result.AddFailure(fg.src.Name+":timeout",
			fmt.Sprintf("process did not exit in %s", fg.spec.Timeout))
	}
	results[fg.src.Name] = res

	terminateStarted()
	return results
}

type startedProc struct {
	rp     *resolvedProc
	handle *proc.Handle
}

func fgProc(procs []*resolvedProc) *resolvedProc {
	for _, rp := range procs {
		if rp.src.Background == nil {
			return rp
		}
	}
	return nil
}

// evaluate applies a process's expectations in status, stdout, stderr,
// files order, accumulating every failure.
func (r *Runner) evaluate(name string, ex *resolvedExpectations, res proc.Result, result *report.CaseResult) {
	if ex == nil {
		return
	}
	if !res.Status.TimedOut {
		for _, m := range ex.status {
			ok, msg, err := m.Matches(res.Status.Code)
			if err != nil {
				result.AddFailure(name+":status", err.Error())
				continue
			}
			if !ok {
				result.AddFailure(name+":status", msg)
			}
		}
	}
	evalStream := func(subject string, ms []*matcher.Stream, buf []byte) {
		for _, m := range ms {
			ok, msg, err := m.Matches(buf)
			if err != nil {
				result.AddFailure(subject, err.Error())
				continue
			}
			if !ok {
				result.AddFailure(subject, msg)
			}
		}
	}
	evalStream(name+":stdout", ex.stdout, res.Stdout)
	evalStream(name+":stderr", ex.stderr, res.Stderr)
	for _, fe := range ex.files {
		subject := name + ":file:" + fe.path
		contents, err := os.ReadFile(fe.path)
		if err != nil {
			result.AddFailure(subject, fmt.Sprintf("cannot read file: %s", err))
			continue
		}
		evalStream(subject, fe.matchers, contents)
	}
}

type resolvedExpectations struct {
	status []*matcher.Status
	stdout []*matcher.Stream
	stderr []*matcher.Stream
	files  []resolvedFileExpect
}

type resolvedFileExpect struct {
	path     string
	matchers []*matcher.Stream
}

func (r *Runner) resolveExpectations(c *spec.Case, env *expr.Env, fail func(string, string)) map[string]*resolvedExpectations {
	out := map[string]*resolvedExpectations{}
	for _, p := range c.Processes {
		ex, ok := c.Expect[p.Name]
		if !ok {
			continue
		}
		re := &resolvedExpectations{}
		for _, me := range ex.Status {
			param, err := evalNode(me.Param, env)
			if err != nil {
				fail(exprSubject(err, me.Param), exprMessage(err))
				continue
			}
			m, err := r.Registry.ParseStatus(me.Name, param)
			if err != nil {
				fail(me.Param.Path, err.Error())
				continue
			}
			re.status = append(re.status, m)
		}
		streamSet := func(exprs []spec.MatcherExpr) []*matcher.Stream {
			var ms []*matcher.Stream
			for _, me := range exprs {
				param, err := evalNode(me.Param, env)
				if err != nil {
					fail(exprSubject(err, me.Param), exprMessage(err))
					continue
				}
				m, err := r.Registry.ParseStream(me.Name, param)
				if err != nil {
					fail(me.Param.Path, err.Error())
					continue
				}
				ms = append(ms, m)
			}
			return ms
		}
		re.stdout = streamSet(ex.Stdout)
		re.stderr = streamSet(ex.Stderr)
		for _, fe := range ex.Files {
			re.files = append(re.files, resolvedFileExpect{
				path:     fe.Path,
				matchers: streamSet(fe.Matchers),
			})
		}
		out[p.Name] = re
	}
	return out
}

type setupError struct {
	subject string
	message string
}

// resolveProcess evaluates every expression of a process spec: argv, stdin,
// env, timeout and wait-condition parameters.
func (r *Runner) resolveProcess(p *spec.Process, env *expr.Env) (*resolvedProc, []setupError) {
	var errs []setupError
	addErr := func(subject, message string) {
		errs = append(errs, setupError{subject: subject, message: message})
	}

	rp := &resolvedProc{src: p}
	rp.spec = proc.Spec{
		Name:      p.Name,
		TeeStdout: p.TeeStdout || r.ForceTeeStdout,
		TeeStderr: p.TeeStderr || r.ForceTeeStderr,
	}

	for _, cn := range p.Command {
		v, err := evalNode(cn, env)
		if err != nil {
			addErr(exprSubject(err, cn), exprMessage(err))
			continue
		}
		s, ok := v.AsString()
		if !ok {
			addErr(cn.Path, fmt.Sprintf("should be string, but is %s", v.TypeName()))
			continue
		}
		rp.spec.Argv = append(rp.spec.Argv, s)
	}

	if p.Stdin != nil {
		v, err := evalNode(*p.Stdin, env)
		if err != nil {
			addErr(exprSubject(err, *p.Stdin), exprMessage(err))
		} else if v.Kind() != value.KindString && v.Kind() != value.KindBytes {
			addErr(p.Stdin.Path, fmt.Sprintf("should be string, but is %s", v.TypeName()))
		} else {
			rp.spec.Stdin = v.BytesVal()
		}
	}

	for _, e := range p.Env {
		v, err := evalNode(e.Val, env)
		if err != nil {
			addErr(exprSubject(err, e.Val), exprMessage(err))
			continue
		}
		s, ok := v.AsString()
		if !ok {
			addErr(e.Val.Path, fmt.Sprintf("should be string, but is %s", v.TypeName()))
			continue
		}
		rp.spec.Env = append(rp.spec.Env, [2]string{e.Name, s})
	}

	if p.Timeout != nil {
		if d, ok := evalDuration(*p.Timeout, env, addErr); ok {
			rp.spec.Timeout = d
		}
	}

	if p.Background != nil {
		if p.Background.Grace != nil {
			if d, ok := evalDuration(*p.Background.Grace, env, addErr); ok {
				rp.grace = d
				rp.spec.Grace = d
			}
		}
		if p.Background.Wait != nil {
			rp.wait = r.resolveWait(p.Background.Wait, env, addErr)
		}
	}

	return rp, errs
}

func (r *Runner) resolveWait(w *spec.WaitExpr, env *expr.Env, addErr func(string, string)) proc.WaitCondition {
	evalString := func(n spec.ExprNode) (string, bool) {
		v, err := evalNode(n, env)
		if err != nil {
			addErr(exprSubject(err, n), exprMessage(err))
			return "", false
		}
		s, ok := v.AsString()
		if !ok {
			addErr(n.Path, fmt.Sprintf("should be string, but is %s", v.TypeName()))
			return "", false
		}
		return s, true
	}

	switch w.Kind {
	case spec.WaitSleep:
		c := &proc.SleepCondition{}
		if w.Duration != nil {
			if d, ok := evalDuration(*w.Duration, env, addErr); ok {
				c.Duration = d
			}
		}
		return c
	case spec.WaitHTTP:
		c := &proc.HTTPCondition{}
		if w.URL != nil {
			if s, ok := evalString(*w.URL); ok {
				c.URL = s
			}
		}
		if w.Timeout != nil {
			if d, ok := evalDuration(*w.Timeout, env, addErr); ok {
				c.Timeout = d
			}
		}
		if w.Interval != nil {
			if d, ok := evalDuration(*w.Interval, env, addErr); ok {
				c.Interval = d
			}
		}
		return c
	case spec.WaitStdout, spec.WaitStderr:
		c := &proc.StreamCondition{Source: proc.SourceStdout}
		if w.Kind == spec.WaitStderr {
			c.Source = proc.SourceStderr
		}
		if w.Pattern != nil {
			if s, ok := evalString(*w.Pattern); ok {
				if w.IsRegex {
					re, err := regexp.Compile(s)
					if err != nil {
						addErr(w.Pattern.Path, "should be valid regular expression pattern")
					} else {
						c.Regex = re
					}
				} else {
					c.Pattern = s
				}
			}
		}
		if w.Timeout != nil {
			if d, ok := evalDuration(*w.Timeout, env, addErr); ok {
				c.Timeout = d
			}
		}
		return c
	}
	return nil
}

func evalNode(n spec.ExprNode, env *expr.Env) (value.Value, error) {
	e, err := expr.Parse(n.Val, n.Path)
	if err != nil {
		return value.Value{}, err
	}
	return expr.Eval(e, env)
}

func evalDuration(n spec.ExprNode, env *expr.Env, addErr func(string, string)) (time.Duration, bool) {
	v, err := evalNode(n, env)
	if err != nil {
		addErr(exprSubject(err, n), exprMessage(err))
		return 0, false
	}
	d, err := spec.ParseDuration(v)
	if err != nil {
		addErr(n.Path, err.Error())
		return 0, false
	}
	return d, true
}

// exprSubject prefers the exact expression path reported by the evaluator.
func exprSubject(err error, n spec.ExprNode) string {
	if ee, ok := err.(*expr.Error); ok {
		return ee.ExprPath
	}
	return n.Path
}

func exprMessage(err error) string {
	if ee, ok := err.(*expr.Error); ok {
		return ee.Message
	}
	return err.Error()
}

// caseName resolves the case's display name: the evaluated `name`
// expression when present, otherwise the first two argv tokens of the
// foreground process joined by a space.
func caseName(c *spec.Case, env *expr.Env, procs []*resolvedProc) string {
	if c.Name != nil {
		v, err := evalNode(*c.Name, env)
		if err == nil {
			if s, ok := v.AsString(); ok {
				return s
			}
		}
		logging.Debug("runner", "case name expression failed, falling back to argv")
	}
	if fg := fgProc(procs); fg != nil && len(fg.spec.Argv) > 0 {
		argv := fg.spec.Argv
		if len(argv) > 2 {
			argv = argv[:2]
		}
		return strings.Join(argv, " ")
	}
	return c.Path
}
