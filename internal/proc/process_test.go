package proc

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bashSpec(name, script string) Spec {
	return Spec{Name: name, Argv: []string{"bash", "-c", script}}
}

func TestExecuteForeground(t *testing.T) {
	tests := []struct {
		name           string
		script         string
		stdin          string
		env            [][2]string
		timeout        time.Duration
		expectedStatus Status
		expectedStdout string
		expectedStderr string
	}{
		{
			name:           "stdout capture",
			script:         "echo hello",
			expectedStatus: Status{Code: 0},
			expectedStdout: "hello\n",
		},
		{
			name:           "stderr capture",
			script:         "echo hello >&2",
			expectedStatus: Status{Code: 0},
			expectedStderr: "hello\n",
		},
		{
			name:           "stdin is piped and closed",
			script:         "cat",
			stdin:          "hello",
			expectedStatus: Status{Code: 0},
			expectedStdout: "hello",
		},
		{
			name:           "env override",
			script:         "printenv MESSAGE",
			env:            [][2]string{{"MESSAGE", "hello"}},
			expectedStatus: Status{Code: 0},
			expectedStdout: "hello\n",
		},
		{
			name:           "exit code",
			script:         "exit 7",
			expectedStatus: Status{Code: 7},
		},
		{
			name:           "signal exit records 128+signal",
			script:         "kill -TERM $$",
			expectedStatus: Status{Code: 143, Signaled: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := bashSpec("main", tt.script)
			s.Stdin = []byte(tt.stdin)
			s.Env = tt.env
			h, err := Start(s, nil, nil)
			require.NoError(t, err)

			res, err := h.Wait(tt.timeout)
			require.NoError(t, err)
			assert.Equal(t, tt.expectedStatus, res.Status)
			assert.Equal(t, tt.expectedStdout, string(res.Stdout))
			assert.Equal(t, tt.expectedStderr, string(res.Stderr))
		})
	}
}

func TestWaitTimeoutKillsProcess(t *testing.T) {
	h, err := Start(bashSpec("main", "echo started; sleep 30"), nil, nil)
	require.NoError(t, err)

	begin := time.Now()
	res, err := h.Wait(200 * time.Millisecond)
	require.NoError(t, err)
	assert.True(t, res.Status.TimedOut)
	assert.Equal(t, "started\n", string(res.Stdout))
	assert.Less(t, time.Since(begin), 10*time.Second)
}

func TestSpawnError(t *testing.T) {
	_, err := Start(Spec{Name: "main", Argv: []string{"/dev/null"}}, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `cannot execute ["/dev/null"]`)
}

func TestTerminateGracefully(t *testing.T) {
	h, err := Start(bashSpec("bg", "trap 'echo goodbye >&2; exit 1' TERM; echo hello; while true; do true; done"), nil, nil)
	require.NoError(t, err)

	// Let it reach the loop.
	waitForOutput(t, h.StdoutBytes, "hello\n")

	res, err := h.Terminate(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, Status{Code: 1}, res.Status)
	assert.Equal(t, "hello\n", string(res.Stdout))
	assert.Equal(t, "goodbye\n", string(res.Stderr))
}

func TestTerminateEscalatesToKill(t *testing.T) {
	h, err := Start(bashSpec("bg", "trap '' TERM; echo ready; while true; do true; done"), nil, nil)
	require.NoError(t, err)
	waitForOutput(t, h.StdoutBytes, "ready\n")

	res, err := h.Terminate(200 * time.Millisecond)
	require.NoError(t, err)
	assert.True(t, res.Status.Signaled)
	assert.Equal(t, 137, res.Status.Code) // SIGKILL
}

func TestTerminateAlreadyExited(t *testing.T) {
	h, err := Start(bashSpec("bg", "exit 3"), nil, nil)
	require.NoError(t, err)

	// Reap happens in the background; wait for it.
	require.Eventually(t, h.Exited, 5*time.Second, 10*time.Millisecond)

	res, err := h.Terminate(time.Second)
	require.NoError(t, err)
	assert.Equal(t, Status{Code: 3}, res.Status)
}

func TestTeeForwardsLiveOutput(t *testing.T) {
	var tee bytes.Buffer
	s := bashSpec("main", "echo hello")
	s.TeeStdout = true
	h, err := Start(s, &syncBuffer{buf: &tee}, nil)
	require.NoError(t, err)

	res, err := h.Wait(0)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(res.Stdout))
	assert.Equal(t, "hello\n", tee.String())
}

type syncBuffer struct {
	buf *bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) { return s.buf.Write(p) }

func waitForOutput(t *testing.T, snapshot func() []byte, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return bytes.Contains(snapshot(), []byte(want))
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSleepCondition(t *testing.T) {
	c := &SleepCondition{Duration: 50 * time.Millisecond}
	begin := time.Now()
	require.NoError(t, c.Wait(nil))
	assert.GreaterOrEqual(t, time.Since(begin), 50*time.Millisecond)
}

func TestStreamCondition(t *testing.T) {
	tests := []struct {
		name        string
		script      string
		timeout     time.Duration
		expectedErr string
	}{
		{
			name:    "pattern appears",
			script:  "echo hello; echo world; sleep 2",
			timeout: 3 * time.Second,
		},
		{
			name:        "process exits without pattern",
			script:      "true",
			timeout:     3 * time.Second,
			expectedErr: `stdout never output "world"`,
		},
		{
			name:        "timeout",
			script:      "sleep 30",
			timeout:     100 * time.Millisecond,
			expectedErr: `stdout did not output "world" in 100ms`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := Start(bashSpec("bg", tt.script), nil, nil)
			require.NoError(t, err)
			defer h.Terminate(100 * time.Millisecond)

			c := &StreamCondition{Source: SourceStdout, Pattern: "world", Timeout: tt.timeout}
			err = c.Wait(h)
			if tt.expectedErr != "" {
				require.Error(t, err)
				assert.Equal(t, tt.expectedErr, err.Error())
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestStreamConditionRegexOnStderr(t *testing.T) {
	h, err := Start(bashSpec("bg", "echo 'listening on 8080' >&2; sleep 2"), nil, nil)
	require.NoError(t, err)
	defer h.Terminate(100 * time.Millisecond)

	c := &StreamCondition{
		Source:  SourceStderr,
		Regex:   regexp.MustCompile(`listening on [0-9]+`),
		Timeout: 3 * time.Second,
	}
	require.NoError(t, c.Wait(h))
}

func TestStreamConditionDoesNotConsume(t *testing.T) {
	h, err := Start(bashSpec("bg", "echo hello; sleep 2"), nil, nil)
	require.NoError(t, err)

	c := &StreamCondition{Source: SourceStdout, Pattern: "hello", Timeout: 3 * time.Second}
	require.NoError(t, c.Wait(h))

	// The matcher buffer still sees everything the condition observed.
	res, err := h.Terminate(100 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(res.Stdout))
}

func TestHTTPCondition(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := &HTTPCondition{URL: srv.URL, Timeout: 3 * time.Second, Interval: 10 * time.Millisecond}
	require.NoError(t, c.Wait(nil))
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestHTTPConditionTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := &HTTPCondition{URL: srv.URL, Timeout: 100 * time.Millisecond, Interval: 10 * time.Millisecond}
	err := c.Wait(nil)
	require.Error(t, err)
	assert.Equal(t, "HTTP endpoint "+srv.URL+" is not ready", err.Error())
}

func TestHTTPConditionRetriesConnectionRefused(t *testing.T) {
	// Nothing listens on this address; the condition must keep retrying
	// instead of failing fast.
	c := &HTTPCondition{URL: "http://127.0.0.1:1", Timeout: 100 * time.Millisecond, Interval: 10 * time.Millisecond}
	err := c.Wait(nil)
	require.Error(t, err)
}
