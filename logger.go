package watergate

import "github.com/sirupsen/logrus"

var logger logrus.FieldLogger = logrus.StandardLogger()

// SetLogger replaces the package default logger used by clients and servers
// created without WithLogger.
func SetLogger(l logrus.FieldLogger) {
	logger = l
}
