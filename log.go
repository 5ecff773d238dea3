package forge

import "github.com/sirupsen/logrus"

// L is the package-wide logger handle. Callers embedding forge into a larger
// driver may swap it out (e.g. to attach request-scoped fields) before any
// engine method is invoked.
var L = logrus.NewEntry(logrus.StandardLogger())

// WithField returns a logger handle carrying an extra field, following the
// same call shape as the logrus entries threaded through the rest of the
// engine.
func WithField(key string, value interface{}) *logrus.Entry {
	return L.WithField(key, value)
}
