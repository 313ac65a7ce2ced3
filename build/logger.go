package build

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var logConfigLock sync.Mutex

func newBaseFormat() formatter {
	return formatter{
		TextFormatter: logrus.TextFormatter{
			TimestampFormat: "15:04:05",
			ForceColors:     true,
			FullTimestamp:   true,
		},
		subSystem: "",
	}
}

var _colorsEnabled = true
var _logWriter io.Writer = os.Stdout

func getFormatter(subsystem string) *formatter {
	f := newBaseFormat()
	f.subSystem = subsystem
	return &f
}

type formatter struct {
	logrus.TextFormatter
	subSystem string
}

// Format prefixes every entry with the subsystem tag
func (f *formatter) Format(entry *logrus.Entry) ([]byte, error) {
	entry.Message = fmt.Sprintf("%s %s", f.subSystem, entry.Message)
	return f.TextFormatter.Format(entry)
}

var subsystemLoggers = map[string]*logrus.Logger{}

// SetLogLevel sets the log level for a single subsystem
func SetLogLevel(subsystem string, level logrus.Level) {
	logConfigLock.Lock()
	defer logConfigLock.Unlock()

	logger, ok := subsystemLoggers[subsystem]
	if !ok {
		return
	}
	logger.SetLevel(level)
}

// SetLogLevels sets the log level for all registered subsystems
func SetLogLevels(level logrus.Level) {
	logConfigLock.Lock()
	defer logConfigLock.Unlock()

	for _, logger := range subsystemLoggers {
		logger.SetLevel(level)
	}
}

// AddSubLogger creates a new logger with a standard format
func AddSubLogger(subsystem string) *logrus.Logger {
	logConfigLock.Lock()
	defer logConfigLock.Unlock()

	logger := logrus.New()
	logger.SetOutput(_logWriter)

	subsystemLoggers[subsystem] = logger

	logger.SetLevel(logrus.InfoLevel)
	f := getFormatter(subsystem)
	if !_colorsEnabled {
		f.DisableColors = true
	}
	logger.SetFormatter(f)
	return logger
}

// SetLogFile makes all subsystem loggers write to the given file in
// addition to stdout
func SetLogFile(file string) error {
	logConfigLock.Lock()
	defer logConfigLock.Unlock()

	logFile, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return errors.Wrap(err, "could not open logfile")
	}
	_logWriter = io.MultiWriter(os.Stdout, logFile)
	for _, logger := range subsystemLoggers {
		logger.SetOutput(_logWriter)
	}
	return nil
}

// DisableColors forces plain text output, for non-tty environments
func DisableColors() {
	logConfigLock.Lock()
	defer logConfigLock.Unlock()

	_colorsEnabled = false
	for subsystem, logger := range subsystemLoggers {
		f := getFormatter(subsystem)
		f.DisableColors = true
		logger.SetFormatter(f)
	}
}

// ToLogLevel takes in a string and converts it to a Logrus log level
func ToLogLevel(s string) (logrus.Level, error) {
	switch strings.ToLower(s) {
	case "trace":
		return logrus.TraceLevel, nil
	case "debug":
		return logrus.DebugLevel, nil
	case "info":
		return logrus.InfoLevel, nil
	case "warn":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	case "fatal":
		return logrus.FatalLevel, nil
	case "panic":
		return logrus.PanicLevel, nil
	default:
		return logrus.InfoLevel, fmt.Errorf("%s is not a valid log level", s)
	}
}
