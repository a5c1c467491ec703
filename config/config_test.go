package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/slackhq/vring/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Load(t *testing.T) {
	l := test.NewLogger()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "01.yml"), "queues:\n  count: 2\n  size: 64\ndevice:\n  features: [audio_stereo]\n")
	writeFile(t, filepath.Join(dir, "02.yml"), "queues:\n  size: 128\ndevice:\n  features: [notify_on_empty]\n")

	c := NewC(l)
	require.NoError(t, c.Load(dir))
	assert.Equal(t, 2, c.GetInt("queues.count", 0))
	assert.Equal(t, 128, c.GetInt("queues.size", 0))
	assert.Equal(t, []string{"notify_on_empty", "audio_stereo"}, c.GetStringSlice("device.features", nil))

	c = NewC(l)
	assert.Error(t, c.LoadString(" invalid yaml"))
	assert.Error(t, c.LoadString(""))
}

func TestConfig_Get(t *testing.T) {
	l := test.NewLogger()
	c := NewC(l)
	c.Settings["bridge"] = map[string]any{"drain_delay": "5ms"}
	assert.Equal(t, "5ms", c.Get("bridge.drain_delay"))
	assert.Equal(t, 5*time.Millisecond, c.GetDuration("bridge.drain_delay", time.Second))
	assert.Equal(t, time.Second, c.GetDuration("bridge.nope", time.Second))

	assert.Nil(t, c.Get("bridge.nope"))
	assert.False(t, c.IsSet("bridge.nope"))
	assert.True(t, c.IsSet("bridge"))
	assert.Equal(t, map[string]any{"drain_delay": "5ms"}, c.GetMap("bridge", nil))
}

func TestConfig_GetStringTimestamp(t *testing.T) {
	c := NewC(test.NewLogger())
	c.Settings["logging"] = map[string]any{
		"date":  time.Date(2006, 1, 2, 0, 0, 0, 0, time.UTC),
		"stamp": time.Date(2006, 1, 2, 15, 4, 5, 0, time.UTC),
	}
	assert.Equal(t, "2006-01-02", c.GetString("logging.date", ""))
	assert.Equal(t, "2006-01-02T15:04:05Z", c.GetString("logging.stamp", ""))

	c = NewC(test.NewLogger())
	require.NoError(t, c.LoadString("logging:\n  timestamp_format: 2006-01-02\n"))
	assert.Equal(t, "2006-01-02", c.GetString("logging.timestamp_format", ""))
}

func TestConfig_GetNumbers(t *testing.T) {
	l := test.NewLogger()
	c := NewC(l)
	require.NoError(t, c.LoadString(`
memory:
  base: 0x10_0000
  size: 1MiB
  plain: 8192
  bad: lots
`))

	assert.Equal(t, uint64(0x100000), c.GetUint64("memory.base", 0))
	assert.Equal(t, uint64(8192), c.GetUint64("memory.plain", 0))
	assert.Equal(t, uint64(7), c.GetUint64("memory.bad", 7))

	assert.Equal(t, uint64(1<<20), c.GetByteSize("memory.size", 0))
	assert.Equal(t, uint64(8192), c.GetByteSize("memory.plain", 0))
	assert.Equal(t, uint64(7), c.GetByteSize("memory.bad", 7))
	assert.Equal(t, uint64(7), c.GetByteSize("memory.nope", 7))
}

func TestConfig_GetBool(t *testing.T) {
	l := test.NewLogger()
	c := NewC(l)

	tests := []struct {
		value any
		d     bool
		want  bool
	}{
		{value: true, d: false, want: true},
		{value: "true", d: false, want: true},
		{value: false, d: true, want: false},
		{value: "false", d: true, want: false},
		{value: "Y", d: false, want: true},
		{value: "yEs", d: false, want: true},
		{value: "N", d: true, want: false},
		{value: "nO", d: true, want: false},
		{value: "maybe", d: true, want: true},
	}
	for _, tt := range tests {
		c.Settings["bool"] = tt.value
		assert.Equal(t, tt.want, c.GetBool("bool", tt.d), "%v", tt.value)
	}
}

func TestConfig_HasChanged(t *testing.T) {
	l := test.NewLogger()
	// No reload has occurred, return false
	c := NewC(l)
	c.Settings["test"] = "hi"
	assert.False(t, c.HasChanged(""))

	// Test key change
	c = NewC(l)
	c.Settings["test"] = "hi"
	c.oldSettings = map[string]any{"test": "no"}
	assert.True(t, c.HasChanged("test"))
	assert.True(t, c.HasChanged(""))

	// No key change
	c = NewC(l)
	c.Settings["test"] = "hi"
	c.oldSettings = map[string]any{"test": "hi"}
	assert.False(t, c.HasChanged("test"))
	assert.False(t, c.HasChanged(""))
}

func TestConfig_ReloadConfig(t *testing.T) {
	l := test.NewLogger()
	dir := t.TempDir()
	path := filepath.Join(dir, "vring.yml")
	writeFile(t, path, "bridge:\n  drain_retries: 5\n")

	c := NewC(l)
	require.NoError(t, c.Load(path))
	assert.True(t, c.InitialLoad())
	assert.False(t, c.HasChanged("bridge.drain_retries"))

	done := make(chan bool, 1)
	c.RegisterReloadCallback(func(c *C) {
		done <- true
	})

	writeFile(t, path, "bridge:\n  drain_retries: 6\n")
	c.ReloadConfig()
	assert.False(t, c.InitialLoad())
	assert.True(t, c.HasChanged("bridge.drain_retries"))
	assert.True(t, c.HasChanged(""))
	assert.Equal(t, 6, c.GetInt("bridge.drain_retries", 0))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reload callback was not called")
	}

	// A broken file keeps the current settings.
	writeFile(t, path, "bridge: [")
	c.ReloadConfig()
	assert.Equal(t, 6, c.GetInt("bridge.drain_retries", 0))

	require.NoError(t, c.ReloadConfigString("bridge:\n  drain_retries: 7\n"))
	assert.Equal(t, 7, c.GetInt("bridge.drain_retries", 0))
	assert.True(t, c.HasChanged("bridge"))
}
