//go:build !windows

package main

import (
	"os"

	"github.com/sirupsen/logrus"
)

// HookLogger leaves logrus writing to stdout, the service manager collects it
// from there.
func HookLogger(l *logrus.Logger) {
	l.SetOutput(os.Stdout)
}
