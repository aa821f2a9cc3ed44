package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

type Device string

const (
	DeviceFile    Device = "File"
	DeviceConsole Device = "Console"
	DeviceAll     Device = "All"
)

// LogConfig mirrors the ConfigureLogging control request.
type LogConfig struct {
	Level        string `json:"Level" yaml:"level"`
	Device       Device `json:"Device" yaml:"device"`
	Directory    string `json:"Directory" yaml:"directory"`
	Filename     string `json:"Filename" yaml:"filename"`
	ConsoleLevel string `json:"ConsoleLevel" yaml:"console_level"`
}

// ParseLevel maps the controller level names onto logrus levels. NONE
// silences everything below panic.
func ParseLevel(s string) (logrus.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "NONE":
		return logrus.PanicLevel, nil
	case "ERROR":
		return logrus.ErrorLevel, nil
	case "WARNING", "WARN":
		return logrus.WarnLevel, nil
	case "INFO":
		return logrus.InfoLevel, nil
	case "VERBOSE", "DEBUG":
		return logrus.DebugLevel, nil
	case "TRACE":
		return logrus.TraceLevel, nil
	default:
		return logrus.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// Configure applies cfg to log. On any failure the logger is reset to
// console output at WARNING and the error is returned.
func Configure(log *logrus.Logger, cfg LogConfig) (io.Closer, error) {
	closer, err := configure(log, cfg)
	if err != nil {
		log.SetOutput(os.Stdout)
		log.SetFormatter(&PrettyFormatter{})
		log.SetLevel(logrus.WarnLevel)
		return nopCloser{}, err
	}
	return closer, nil
}

func configure(log *logrus.Logger, cfg LogConfig) (io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	device := cfg.Device
	if device == "" {
		device = DeviceConsole
	}

	switch device {
	case DeviceConsole:
		log.SetOutput(os.Stdout)
		log.SetFormatter(&PrettyFormatter{})
		log.SetLevel(level)
		return nopCloser{}, nil
	case DeviceFile, DeviceAll:
	default:
		return nil, fmt.Errorf("unknown log device %q", device)
	}

	f, err := openLogFile(cfg.Directory, cfg.Filename)
	if err != nil {
		return nil, err
	}

	var out io.Writer = f
	if device == DeviceAll {
		out = io.MultiWriter(f, os.Stdout)
	}
	log.SetOutput(out)
	log.SetFormatter(&PrettyFormatter{NoColor: true})
	log.SetLevel(level)
	return f, nil
}

func openLogFile(dir, name string) (*os.File, error) {
	if name == "" {
		name = "tincan"
	}
	name = strings.TrimSuffix(name, ".log")
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%s-%d.log", name, os.Getpid()))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
