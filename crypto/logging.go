package crypto

import "github.com/sirupsen/logrus"

// LoggerHelper accumulates the standard haven log fields (function,
// package) for code paths that log the same context at several levels.
type LoggerHelper struct {
	fields logrus.Fields
}

// NewLogger creates a logger helper for a function in the given package.
func NewLogger(pkg, function string) *LoggerHelper {
	return &LoggerHelper{fields: logrus.Fields{
		"function": function,
		"package":  pkg,
	}}
}

// WithField adds a field.
func (l *LoggerHelper) WithField(key string, value interface{}) *LoggerHelper {
	l.fields[key] = value
	return l
}

// WithError records err and the operation that failed.
func (l *LoggerHelper) WithError(err error, operation string) *LoggerHelper {
	if err != nil {
		l.fields["error"] = err.Error()
	}
	l.fields["operation"] = operation
	return l
}

// Fields returns a copy of the accumulated fields.
func (l *LoggerHelper) Fields() logrus.Fields {
	out := make(logrus.Fields, len(l.fields))
	for k, v := range l.fields {
		out[k] = v
	}
	return out
}

// Debug logs at debug level.
func (l *LoggerHelper) Debug(message string) {
	logrus.WithFields(l.fields).Debug(message)
}

// Warn logs at warning level.
func (l *LoggerHelper) Warn(message string) {
	logrus.WithFields(l.fields).Warn(message)
}

// ShortKey returns the first 8 hex characters of a public key for logs.
func ShortKey(pubkeyHex string) string {
	if len(pubkeyHex) <= 8 {
		return pubkeyHex
	}
	return pubkeyHex[:8]
}
