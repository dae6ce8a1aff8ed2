package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestLogger(t *testing.T) (*SlogLogger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	return New(&buf, slog.LevelDebug), &buf
}

func TestSlogLogger_Levels(t *testing.T) {
	log, buf := newTestLogger(t)
	ctx := context.Background()

	log.Debug(ctx, "dbg", "a", 1)
	log.Info(ctx, "inf", "b", 2)
	log.Warn(ctx, "wrn", "c", 3)
	log.Error(ctx, "err", "d", 4)

	out := buf.String()
	tests := []struct {
		level, msg, attr string
	}{
		{"DEBUG", "dbg", "a=1"},
		{"INFO", "inf", "b=2"},
		{"WARN", "wrn", "c=3"},
		{"ERROR", "err", "d=4"},
	}
	for _, tc := range tests {
		assert.Contains(t, out, "level="+tc.level)
		assert.Contains(t, out, "msg="+tc.msg)
		assert.Contains(t, out, tc.attr)
	}
}

func TestSlogLogger_With(t *testing.T) {
	log, buf := newTestLogger(t)

	log.With("job_id", "j-1").Info(context.Background(), "polling", "state", "RUNNING")

	out := buf.String()
	for _, s := range []string{"msg=polling", "job_id=j-1", "state=RUNNING"} {
		assert.Contains(t, out, s)
	}
}

func TestNewSlogLogger_NilDiscards(t *testing.T) {
	log := NewSlogLogger(nil)
	assert.NotPanics(t, func() {
		log.Info(context.TODO(), "ignored")
		log.With("k", "v").Error(context.TODO(), "ignored")
	})
}

func TestNop(t *testing.T) {
	var l Logger = Nop{}
	assert.NotPanics(t, func() {
		l.Debug(context.Background(), "x")
		l.With("a", 1).Warn(context.Background(), "y")
	})
}
