package executor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRun_SuccessfulCommandCapturesOutput(t *testing.T) {
	res := Run(context.Background(), "echo hello", 5*time.Second)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello\n", res.Stdout)
}

func TestRun_NonZeroExit(t *testing.T) {
	res := Run(context.Background(), "exit 7", 5*time.Second)
	assert.Equal(t, 7, res.ExitCode)
}

func TestRun_TimeoutKillsProcess(t *testing.T) {
	res := Run(context.Background(), "sleep 5", 100*time.Millisecond)
	assert.Equal(t, -1, res.ExitCode)
	assert.Contains(t, res.Stderr, "timed out")
}

func TestRun_StderrCaptured(t *testing.T) {
	res := Run(context.Background(), "echo oops 1>&2", 5*time.Second)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "oops\n", res.Stderr)
}

func TestBoundedBuffer_TruncatesOversizedOutput(t *testing.T) {
	var b boundedBuffer
	chunk := strings.Repeat("x", 1<<16)
	for i := 0; i < 20; i++ {
		b.Write([]byte(chunk))
	}
	out := b.String()
	assert.True(t, b.truncated)
	assert.LessOrEqual(t, len(out), maxOutputBytes+len("\n...[truncated]"))
	assert.True(t, strings.HasSuffix(out, "\n...[truncated]"))
}
