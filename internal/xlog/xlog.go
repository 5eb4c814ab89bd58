// Package xlog is a small leveled, key/value console logger built on
// fatih/color and mattn/go-colorable: plain text on a pipe, colorized
// level tags on a terminal.
package xlog

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/go-stack/stack"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Level is a log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelTags = map[Level]string{
	LevelDebug: "DEBG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "EROR",
}

var levelColors = map[Level]*color.Color{
	LevelDebug: color.New(color.FgHiBlack),
	LevelInfo:  color.New(color.FgGreen),
	LevelWarn:  color.New(color.FgYellow),
	LevelError: color.New(color.FgRed, color.Bold),
}

// Logger writes leveled, component-tagged messages with key/value context.
type Logger struct {
	mu       sync.Mutex
	out      io.Writer
	colorize bool
	minLevel Level
	component string
}

// New returns a Logger writing to stderr, colorized if stderr is a terminal.
func New(component string) *Logger {
	w := colorable.NewColorable(os.Stderr)
	return &Logger{
		out:       w,
		colorize:  isatty.IsTerminal(os.Stderr.Fd()),
		minLevel:  LevelInfo,
		component: component,
	}
}

// NewWithWriter returns a Logger writing to an arbitrary writer, never colorized.
func NewWithWriter(component string, w io.Writer) *Logger {
	return &Logger{out: w, colorize: false, minLevel: LevelInfo, component: component}
}

// WithComponent returns a child logger tagging every line with a sub-component name.
func (l *Logger) WithComponent(sub string) *Logger {
	name := sub
	if l.component != "" {
		name = l.component + "." + sub
	}
	return &Logger{out: l.out, colorize: l.colorize, minLevel: l.minLevel, component: name}
}

// SetMinLevel adjusts the minimum level emitted; messages below it are dropped.
func (l *Logger) SetMinLevel(lvl Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minLevel = lvl
}

func (l *Logger) log(lvl Level, msg string, kv []interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lvl < l.minLevel {
		return
	}

	tag := levelTags[lvl]
	if l.colorize {
		tag = levelColors[lvl].Sprint(tag)
	}

	var b strings.Builder
	b.WriteString(time.Now().UTC().Format("2006-01-02T15:04:05.000Z"))
	b.WriteByte(' ')
	b.WriteString(tag)
	b.WriteByte(' ')
	if l.component != "" {
		b.WriteString("[")
		b.WriteString(l.component)
		b.WriteString("] ")
	}
	b.WriteString(msg)

	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(&b, " %v=%v", kv[i], kv[i+1])
	}
	if len(kv)%2 == 1 {
		fmt.Fprintf(&b, " %v=MISSING", kv[len(kv)-1])
	}

	if lvl == LevelError {
		// capture one caller frame for the at= attribute
		frame := stack.Caller(2)
		fmt.Fprintf(&b, " at=%+v", frame)
	}

	b.WriteByte('\n')
	io.WriteString(l.out, b.String())
}

func (l *Logger) Debug(msg string, kv ...interface{}) { l.log(LevelDebug, msg, kv) }
func (l *Logger) Info(msg string, kv ...interface{})  { l.log(LevelInfo, msg, kv) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.log(LevelWarn, msg, kv) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.log(LevelError, msg, kv) }
