package log

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// verb renders one placeholder of a pattern.
type verb func(buf *bytes.Buffer, entry *logrus.Entry, layout string)

var verbs = map[string]verb{
	"%time":   func(b *bytes.Buffer, e *logrus.Entry, layout string) { b.WriteString(e.Time.Format(layout)) },
	"%level":  func(b *bytes.Buffer, e *logrus.Entry, _ string) { b.WriteString(e.Level.String()) },
	"%field":  func(b *bytes.Buffer, e *logrus.Entry, _ string) { writeFields(b, e.Data) },
	"%msg":    func(b *bytes.Buffer, e *logrus.Entry, _ string) { b.WriteString(e.Message) },
	"%caller": writeCaller,
	"%func":   writeFunc,
}

type segment struct {
	literal string
	render  verb
}

// formatter renders entries through a pattern compiled once into literal
// and placeholder segments. Supported verbs: %time, %level, %field, %msg,
// %caller, %func. Anything else is copied as is.
type formatter struct {
	segments []segment
	layout   string
}

func newFormatter(pattern, layout string) *formatter {
	f := &formatter{layout: layout}
	for len(pattern) > 0 {
		i := strings.IndexByte(pattern, '%')
		if i < 0 {
			f.segments = append(f.segments, segment{literal: pattern})
			break
		}
		if i > 0 {
			f.segments = append(f.segments, segment{literal: pattern[:i]})
			pattern = pattern[i:]
		}
		name, render := matchVerb(pattern)
		if render == nil {
			f.segments = append(f.segments, segment{literal: "%"})
			pattern = pattern[1:]
			continue
		}
		f.segments = append(f.segments, segment{render: render})
		pattern = pattern[len(name):]
	}
	return f
}

func matchVerb(s string) (string, verb) {
	for name, v := range verbs {
		if strings.HasPrefix(s, name) {
			return name, v
		}
	}
	return "", nil
}

func (f *formatter) Format(entry *logrus.Entry) ([]byte, error) {
	buf := entry.Buffer
	if buf == nil {
		buf = &bytes.Buffer{}
	}
	for _, s := range f.segments {
		if s.render != nil {
			s.render(buf, entry, f.layout)
		} else {
			buf.WriteString(s.literal)
		}
	}
	return buf.Bytes(), nil
}

// writeCaller renders package/file:line, or "-" without caller reporting.
func writeCaller(buf *bytes.Buffer, entry *logrus.Entry, _ string) {
	if !entry.HasCaller() {
		buf.WriteByte('-')
		return
	}
	fn := entry.Caller.Function
	if i := strings.LastIndexByte(fn, '/'); i >= 0 {
		fn = fn[i+1:]
	}
	if i := strings.IndexByte(fn, '.'); i >= 0 {
		buf.WriteString(fn[:i])
	}
	buf.WriteByte('/')
	file := entry.Caller.File
	if i := strings.LastIndexByte(file, '/'); i >= 0 {
		file = file[i+1:]
	}
	buf.WriteString(file)
	buf.WriteByte(':')
	buf.WriteString(strconv.Itoa(entry.Caller.Line))
}

func writeFunc(buf *bytes.Buffer, entry *logrus.Entry, _ string) {
	if !entry.HasCaller() {
		buf.WriteByte('-')
		return
	}
	fn := entry.Caller.Function
	if i := strings.LastIndexByte(fn, '.'); i >= 0 {
		fn = fn[i+1:]
	}
	buf.WriteString(fn)
}

// writeFields renders key=value pairs sorted by key.
func writeFields(buf *bytes.Buffer, data logrus.Fields) {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(k)
		buf.WriteByte('=')
		if s, ok := data[k].(string); ok {
			buf.WriteString(s)
		} else {
			fmt.Fprint(buf, data[k])
		}
	}
}
