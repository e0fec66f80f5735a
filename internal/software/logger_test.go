package software

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/gogpu/gpusort/gpucore"
)

func TestSetLoggerTagsBackend(t *testing.T) {
	t.Cleanup(func() { setLogger(nil) })

	var buf bytes.Buffer
	New(gpucore.Config{}, Options{}).SetLogger(slog.New(slog.NewTextHandler(&buf, nil)))
	slogger().Info("queue idle")
	if out := buf.String(); !strings.Contains(out, "backend=software") || !strings.Contains(out, "queue idle") {
		t.Errorf("log output = %q, want backend=software tag", out)
	}

	buf.Reset()
	setLogger(nil)
	slogger().Error("dropped")
	if buf.Len() != 0 {
		t.Errorf("nil logger still wrote %q", buf.String())
	}
}
