package io7config

import (
	"fmt"
	"io"
	"os"
	"path"

	"github.com/sirupsen/logrus"
)

// SetLogging sets the logging level and output file
// This sets the timestamp format to RFC3339 with milliseconds
//  levelName is the requested logging level: error, warning, info, debug
//  filename is the output log file full name including path. "" for stderr only
// Returns an error if the log file can't be opened. Logging continues on stderr.
func SetLogging(levelName string, filename string) error {
	loggingLevel, err := logrus.ParseLevel(levelName)
	if err != nil {
		loggingLevel = logrus.WarnLevel
	}
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000-0700",
	})
	logrus.SetLevel(loggingLevel)
	logrus.SetOutput(os.Stderr)

	if filename != "" {
		if err = os.MkdirAll(path.Dir(filename), 0755); err != nil {
			logrus.Errorf("SetLogging: Unable to create logging folder for '%s': %s", filename, err)
			return err
		}
		logFileHandle, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			err = fmt.Errorf("SetLogging: Unable to open logfile: %w", err)
			logrus.Error(err)
			return err
		}
		logrus.Infof("SetLogging: Send logging output to %s", filename)
		logrus.SetOutput(io.MultiWriter(os.Stderr, logFileHandle))
	}
	return nil
}
