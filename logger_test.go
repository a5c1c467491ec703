package vring

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/vring/config"
	"github.com/slackhq/vring/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigLogger(t *testing.T) {
	l := logrus.New()
	c := config.NewC(test.NewLogger())

	require.NoError(t, c.LoadString("logging:\n  level: debug\n  format: json\n  disable_timestamp: true\n"))
	require.NoError(t, configLogger(l, c))
	assert.Equal(t, logrus.DebugLevel, l.Level)
	assert.IsType(t, &logrus.JSONFormatter{}, l.Formatter)

	buf := &bytes.Buffer{}
	l.Out = buf
	l.WithField("queue", 1).Info("Queue set up")
	assert.Equal(t, "{\"level\":\"info\",\"msg\":\"Queue set up\",\"queue\":1}\n", buf.String())

	require.NoError(t, c.ReloadConfigString("logging:\n  level: warning\n  timestamp_format: \"2006-01-02\"\n"))
	require.NoError(t, configLogger(l, c))
	assert.Equal(t, logrus.WarnLevel, l.Level)
	f, ok := l.Formatter.(*logrus.TextFormatter)
	require.True(t, ok)
	assert.True(t, f.FullTimestamp)
	assert.Equal(t, "2006-01-02", f.TimestampFormat)

	require.NoError(t, c.ReloadConfigString("logging:\n  level: loud\n"))
	assert.ErrorContains(t, configLogger(l, c), "possible levels")

	require.NoError(t, c.ReloadConfigString("logging:\n  format: xml\n"))
	assert.ErrorContains(t, configLogger(l, c), "unknown log format")
}
