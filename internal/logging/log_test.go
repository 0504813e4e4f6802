package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLog(t *testing.T) *bytes.Buffer {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		SetLogMode(InfoMode)
	})
	return &buf
}

func TestLogModeGating(t *testing.T) {
	buf := captureLog(t)

	SetLogMode(WarningMode)
	Debugf("hidden debug")
	Infof("hidden info")
	Warningf("shown %d", 1)
	Errorf("shown %d", 2)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "WARNING shown 1")
	assert.Contains(t, out, "ERROR shown 2")
}

func TestSetVerbose(t *testing.T) {
	buf := captureLog(t)

	SetVerbose(false)
	Debugf("quiet")
	assert.Empty(t, buf.String())

	SetVerbose(true)
	Default().Debugf("loud %s", "debug")
	assert.Contains(t, buf.String(), "DEBUG loud debug")
}

func TestTimeLogAppendsElapsed(t *testing.T) {
	buf := captureLog(t)

	tlog := NewTimeLog()
	tlog.Infof("merged %d labels", 3)
	assert.Regexp(t, `INFO merged 3 labels: \S+s`, buf.String())
}

func TestSetLoggerWritesFile(t *testing.T) {
	t.Cleanup(func() {
		Shutdown()
		SetOutput(os.Stderr)
	})
	logfile := filepath.Join(t.TempDir(), "labelmerge.log")

	cfg := &LogConfig{Logfile: logfile, MaxSize: 1, MaxAge: 1}
	cfg.SetLogger()
	Warningf("to file")
	Shutdown()
	Warningf("after shutdown")

	data, err := os.ReadFile(logfile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "WARNING to file")
	assert.NotContains(t, string(data), "after shutdown")
}
