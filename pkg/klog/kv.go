package klog

import (
	"fmt"

	"github.com/crewjam/rfc5424"
)

// KV builds a structured-data field for a log call.
func KV(name string, value interface{}) rfc5424.SDParam {
	switch v := value.(type) {
	case string:
		return rfc5424.SDParam{Name: name, Value: v}
	default:
		return rfc5424.SDParam{Name: name, Value: fmt.Sprintf("%v", value)}
	}
}

// KVErr is a shorthand for KV("error", err).
func KVErr(err error) rfc5424.SDParam {
	return KV("error", err)
}

// WithKV returns a logger that prepends a fixed set of structured-data
// fields (e.g. a PID or a connection id) to every call, so the caller
// doesn't have to repeat them at every log site.
type WithKV struct {
	*Logger
	sds []rfc5424.SDParam
}

func NewWithKV(l *Logger, sds ...rfc5424.SDParam) *WithKV {
	return &WithKV{Logger: l, sds: sds}
}

func (w *WithKV) Debug(msg string, sds ...rfc5424.SDParam) error {
	return w.Logger.Debug(msg, append(append([]rfc5424.SDParam{}, w.sds...), sds...)...)
}

func (w *WithKV) Info(msg string, sds ...rfc5424.SDParam) error {
	return w.Logger.Info(msg, append(append([]rfc5424.SDParam{}, w.sds...), sds...)...)
}

func (w *WithKV) Warn(msg string, sds ...rfc5424.SDParam) error {
	return w.Logger.Warn(msg, append(append([]rfc5424.SDParam{}, w.sds...), sds...)...)
}

func (w *WithKV) Error(msg string, sds ...rfc5424.SDParam) error {
	return w.Logger.Error(msg, append(append([]rfc5424.SDParam{}, w.sds...), sds...)...)
}

// AddKV appends more fixed fields, used when e.g. a PID becomes known after
// construction.
func (w *WithKV) AddKV(sds ...rfc5424.SDParam) {
	w.sds = append(w.sds, sds...)
}
