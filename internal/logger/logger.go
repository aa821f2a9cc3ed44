package logger

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorGray   = "\033[37m"
)

type PrettyFormatter struct {
	NoColor bool
}

func (f *PrettyFormatter) Format(e *logrus.Entry) ([]byte, error) {
	var b bytes.Buffer

	timestamp := e.Time.Format(time.TimeOnly)
	fmt.Fprintf(&b, "%s %s %s", timestamp, f.colorizeLevel(e.Level), e.Message)

	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if f.NoColor {
			fmt.Fprintf(&b, " %s=%v", k, e.Data[k])
		} else {
			fmt.Fprintf(&b, " %s%s%s=%v", colorGray, k, colorReset, e.Data[k])
		}
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

func (f *PrettyFormatter) colorizeLevel(level logrus.Level) string {
	var color string
	var name string

	switch level {
	case logrus.TraceLevel, logrus.DebugLevel:
		color = colorBlue
		name = "DEBUG"
	case logrus.InfoLevel:
		color = colorGreen
		name = "INFO"
	case logrus.WarnLevel:
		color = colorYellow
		name = "WARN"
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		color = colorRed
		name = "ERROR"
	default:
		color = colorGray
		name = level.String()
	}

	if f.NoColor {
		return fmt.Sprintf("%-5s", name)
	}
	return fmt.Sprintf("%s%-5s%s", color, name, colorReset)
}

func NewLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	log.SetFormatter(&PrettyFormatter{})
	log.SetLevel(logrus.InfoLevel)
	return log
}
