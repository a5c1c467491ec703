package util

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// ContextualError carries the log line an error should be reported with.
// Main returns these so the caller can log a startup failure with the fields
// that explain it, a queue index or a config key for example.
type ContextualError struct {
	Context string
	Fields  logrus.Fields
	Err     error
}

func NewContextualError(msg string, fields logrus.Fields, err error) *ContextualError {
	return &ContextualError{Context: msg, Fields: fields, Err: err}
}

// ContextualizeIfNeeded wraps err in a ContextualError unless one is already
// in its chain.
func ContextualizeIfNeeded(msg string, err error) error {
	var ce *ContextualError
	if errors.As(err, &ce) {
		return err
	}
	return NewContextualError(msg, nil, err)
}

// LogWithContextIfNeeded logs err with its context when it has one and under
// msg otherwise.
func LogWithContextIfNeeded(msg string, err error, l logrus.FieldLogger) {
	var ce *ContextualError
	if errors.As(err, &ce) {
		ce.Log(l)
		return
	}
	l.WithError(err).Error(msg)
}

func (ce *ContextualError) Error() string {
	var sb strings.Builder
	sb.WriteString(ce.Context)

	if len(ce.Fields) > 0 {
		keys := make([]string, 0, len(ce.Fields))
		for k := range ce.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i == 0 {
				sb.WriteString(" (")
			} else {
				sb.WriteString(" ")
			}
			fmt.Fprintf(&sb, "%s=%v", k, ce.Fields[k])
		}
		sb.WriteString(")")
	}

	if ce.Err != nil {
		if sb.Len() > 0 {
			sb.WriteString(": ")
		}
		sb.WriteString(ce.Err.Error())
	}
	return sb.String()
}

func (ce *ContextualError) Unwrap() error {
	return ce.Err
}

func (ce *ContextualError) Log(l logrus.FieldLogger) {
	entry := l.WithFields(ce.Fields)
	if ce.Err != nil {
		entry = entry.WithError(ce.Err)
	}
	entry.Error(ce.Context)
}
