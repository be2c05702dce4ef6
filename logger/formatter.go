package logger

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// TextFormatter renders one line per entry:
//
//	LEVEL   [time] [scope] message key=value ...
type TextFormatter struct {
	WithColor  bool
	TimeFormat string
}

func NewTextFormatter() *TextFormatter {
	return &TextFormatter{
		WithColor:  true,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
	}
}

func (f *TextFormatter) formatLevel(level logrus.Level) string {
	levelTxt := fmt.Sprintf("%-7s", strings.ToUpper(level.String())) // align level
	if f.WithColor {
		// @see https://en.wikipedia.org/wiki/ANSI_escape_code for colors code
		var levelColor int
		switch level {
		case logrus.DebugLevel, logrus.TraceLevel:
			levelColor = 37 // gray
		case logrus.WarnLevel:
			levelColor = 33 // yellow
		case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
			levelColor = 31 // red
		default:
			levelColor = 34 // blue
		}
		levelTxt = fmt.Sprintf("\u001B[%dm%s", levelColor, levelTxt)
	}
	return levelTxt
}

func (f *TextFormatter) formatFields(data logrus.Fields) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		if k == "scope" {
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, data[k])
	}
	return b.String()
}

func (f *TextFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b strings.Builder
	b.WriteString(f.formatLevel(entry.Level))
	fmt.Fprintf(&b, " [%s]", entry.Time.Format(f.TimeFormat))
	if scope, _ := entry.Data["scope"].(string); scope != "" {
		fmt.Fprintf(&b, " [%s]", scope)
	}
	if entry.Message != "" {
		b.WriteString(" ")
		b.WriteString(entry.Message)
	}
	b.WriteString(f.formatFields(entry.Data))
	if f.WithColor {
		b.WriteString("\u001B[0m")
	}
	b.WriteString("\n")
	return []byte(b.String()), nil
}
