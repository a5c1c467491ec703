package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"dario.cat/mergo"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"go.yaml.in/yaml/v3"
)

type C struct {
	path        string
	Settings    map[string]any
	oldSettings map[string]any
	callbacks   []func(*C)
	l           *logrus.Logger
	reloadLock  sync.Mutex
}

func NewC(l *logrus.Logger) *C {
	return &C{
		Settings: make(map[string]any),
		l:        l,
	}
}

// Load will find all yaml files within path and load them in lexical order.
// Later files override earlier ones, lists are appended.
func (c *C) Load(path string) error {
	c.path = path

	raws, err := ReadConfigFiles(path)
	if err != nil {
		return err
	}

	return c.parse(raws)
}

// LoadString loads the configuration from a single yaml document.
func (c *C) LoadString(raw string) error {
	if raw == "" {
		return errors.New("empty configuration")
	}
	return c.parse([]string{raw})
}

// RegisterReloadCallback stores a function to be called when a config reload is triggered. The functions registered
// here should decide if they need to make a change to the current process before making the change. HasChanged can be
// used to help decide if a change is necessary.
// These functions should return quickly or spawn their own go routine if they will take a while
func (c *C) RegisterReloadCallback(f func(*C)) {
	c.callbacks = append(c.callbacks, f)
}

// InitialLoad returns true if this is the first load of the config, and ReloadConfig has not been called yet.
func (c *C) InitialLoad() bool {
	return c.oldSettings == nil
}

// HasChanged checks if the underlying structure of the provided key has changed after a config reload. The value of
// k in both the old and new settings will be serialized, the result of the string comparison is returned.
// If k is an empty string the entire config is tested.
func (c *C) HasChanged(k string) bool {
	if c.oldSettings == nil {
		return false
	}

	var (
		nv any
		ov any
	)

	if k == "" {
		nv = c.Settings
		ov = c.oldSettings
		k = "all settings"
	} else {
		nv = c.get(k, c.Settings)
		ov = c.get(k, c.oldSettings)
	}

	newVals, err := yaml.Marshal(nv)
	if err != nil {
		c.l.WithField("config_path", k).WithError(err).Error("Error while marshaling new config")
	}

	oldVals, err := yaml.Marshal(ov)
	if err != nil {
		c.l.WithField("config_path", k).WithError(err).Error("Error while marshaling old config")
	}

	return string(newVals) != string(oldVals)
}

// CatchHUP will listen for the HUP signal in a go routine and reload all configs found in the
// original path provided to Load. The old settings are shallow copied for change detection after the reload.
func (c *C) CatchHUP(ctx context.Context) {
	if c.path == "" {
		return
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)

	go func() {
		for {
			select {
			case <-ctx.Done():
				signal.Stop(ch)
				return
			case <-ch:
				c.l.Info("Caught HUP, reloading config")
				c.ReloadConfig()
			}
		}
	}()
}

// ReloadConfig reloads the files from the path given to Load and runs the
// reload callbacks. Errors are logged and leave the current settings intact.
func (c *C) ReloadConfig() {
	c.reloadLock.Lock()
	defer c.reloadLock.Unlock()

	old := c.snapshot()
	if err := c.Load(c.path); err != nil {
		c.l.WithField("config_path", c.path).WithError(err).Error("Error occurred while reloading config")
		return
	}
	c.oldSettings = old

	for _, v := range c.callbacks {
		v(c)
	}
}

// ReloadConfigString is ReloadConfig for a configuration held in memory.
func (c *C) ReloadConfigString(raw string) error {
	c.reloadLock.Lock()
	defer c.reloadLock.Unlock()

	old := c.snapshot()
	if err := c.LoadString(raw); err != nil {
		return err
	}
	c.oldSettings = old

	for _, v := range c.callbacks {
		v(c)
	}

	return nil
}

func (c *C) snapshot() map[string]any {
	m := make(map[string]any, len(c.Settings))
	for k, v := range c.Settings {
		m[k] = v
	}
	return m
}

// GetString will get the string for k or return the default d if not found or invalid
func (c *C) GetString(k, d string) string {
	r := c.Get(k)
	if r == nil {
		return d
	}

	// Unquoted dates are decoded as timestamps, give them back as written
	if t, ok := r.(time.Time); ok {
		if t.Location() == time.UTC && t.Equal(t.Truncate(24*time.Hour)) {
			return t.Format(time.DateOnly)
		}
		return t.Format(time.RFC3339Nano)
	}

	return fmt.Sprintf("%v", r)
}

// GetStringSlice will get the slice of strings for k or return the default d if not found or invalid
func (c *C) GetStringSlice(k string, d []string) []string {
	r := c.Get(k)
	if r == nil {
		return d
	}

	rv, ok := r.([]any)
	if !ok {
		return d
	}

	v := make([]string, len(rv))
	for i := 0; i < len(v); i++ {
		v[i] = fmt.Sprintf("%v", rv[i])
	}

	return v
}

// GetMap will get the map for k or return the default d if not found or invalid
func (c *C) GetMap(k string, d map[string]any) map[string]any {
	r := c.Get(k)
	if r == nil {
		return d
	}

	v, ok := r.(map[string]any)
	if !ok {
		return d
	}

	return v
}

// GetInt will get the int for k or return the default d if not found or invalid
func (c *C) GetInt(k string, d int) int {
	r := c.GetString(k, strconv.Itoa(d))
	v, err := strconv.Atoi(r)
	if err != nil {
		return d
	}

	return v
}

// GetUint64 will get the uint64 for k or return the default d if not found or invalid. Hex (0x) and octal (0o)
// prefixes are accepted, which suits addresses.
func (c *C) GetUint64(k string, d uint64) uint64 {
	r := c.GetString(k, "")
	v, err := strconv.ParseUint(strings.ReplaceAll(r, "_", ""), 0, 64)
	if err != nil {
		return d
	}
	return v
}

// GetByteSize will get a size in bytes for k or return the default d if not found or invalid. Plain numbers and
// human readable sizes like "64KiB" or "1MB" are accepted.
func (c *C) GetByteSize(k string, d uint64) uint64 {
	r := c.GetString(k, "")
	if r == "" {
		return d
	}
	v, err := humanize.ParseBytes(r)
	if err != nil {
		return d
	}
	return v
}

// GetBool will get the bool for k or return the default d if not found or invalid
func (c *C) GetBool(k string, d bool) bool {
	r := strings.ToLower(c.GetString(k, fmt.Sprintf("%v", d)))
	v, err := strconv.ParseBool(r)
	if err != nil {
		switch r {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		return d
	}

	return v
}

// GetDuration will get the duration for k or return the default d if not found or invalid
func (c *C) GetDuration(k string, d time.Duration) time.Duration {
	r := c.GetString(k, "")
	v, err := time.ParseDuration(r)
	if err != nil {
		return d
	}
	return v
}

func (c *C) Get(k string) any {
	return c.get(k, c.Settings)
}

func (c *C) IsSet(k string) bool {
	return c.get(k, c.Settings) != nil
}

func (c *C) get(k string, v any) any {
	parts := strings.Split(k, ".")
	for _, p := range parts {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}

		v, ok = m[p]
		if !ok {
			return nil
		}
	}

	return v
}

func (c *C) parse(raws []string) error {
	var m map[string]any

	for _, raw := range raws {
		var nm map[string]any
		err := yaml.Unmarshal([]byte(raw), &nm)
		if err != nil {
			return err
		}

		// WithAppendSlice so lists split over several files add up
		err = mergo.Merge(&nm, m, mergo.WithAppendSlice)
		m = nm
		if err != nil {
			return err
		}
	}

	if m == nil {
		m = make(map[string]any)
	}
	c.Settings = m
	return nil
}
