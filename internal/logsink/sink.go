// Package logsink provides the agent's persistent two-stream log and the
// colorized console mirror, both as zap cores.
package logsink

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	messageWidth   = 151
	truncatedWidth = 148
	timestampFmt   = "2006-01-02 15:04:05"
)

type Options struct {
	File      string
	ErrorFile string
	MaxSizeMB int
	Debug     bool
	Color     bool
	Console   io.Writer
}

// Logger is a zap logger with the extra critical severity the agent reports
// for fatal configuration problems and failed deliveries.
type Logger struct {
	*zap.Logger
}

func Wrap(logger *zap.Logger) *Logger {
	return &Logger{Logger: logger}
}

func Nop() *Logger {
	return Wrap(zap.NewNop())
}

// Critical logs at DPanicLevel. Loggers built by this package never enable
// development mode, so nothing panics.
func (l *Logger) Critical(msg string, fields ...zap.Field) {
	l.DPanic(msg, fields...)
}

func (l *Logger) With(fields ...zap.Field) *Logger {
	return Wrap(l.Logger.With(fields...))
}

// Sink owns the persistent log files.
type Sink struct {
	streams *streams
	logger  *Logger
	paths   [2]string
}

// New opens the log files, writes the table header into new files and builds
// a logger that tees the file core with the console core.
func New(opts Options) (*Sink, error) {
	if opts.File == "" {
		return nil, errors.New("log file path is required")
	}
	if opts.ErrorFile == "" {
		opts.ErrorFile = opts.File
	}
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 50
	}
	if opts.Console == nil {
		opts.Console = os.Stderr
	}

	info, err := openStream(opts.File, opts.MaxSizeMB)
	if err != nil {
		return nil, err
	}
	errStream := info
	if opts.ErrorFile != opts.File {
		if errStream, err = openStream(opts.ErrorFile, opts.MaxSizeMB); err != nil {
			_ = info.Close()
			return nil, err
		}
	}

	s := &streams{info: info, err: errStream, now: time.Now}
	level := zapcore.InfoLevel
	if opts.Debug {
		level = zapcore.DebugLevel
	}

	core := zapcore.NewTee(
		newFileCore(s),
		zapcore.NewCore(consoleEncoder(opts.Color), zapcore.Lock(zapcore.AddSync(opts.Console)), level),
	)
	return &Sink{
		streams: s,
		logger:  Wrap(zap.New(core)),
		paths:   [2]string{opts.File, opts.ErrorFile},
	}, nil
}

func (s *Sink) Logger() *Logger {
	return s.logger
}

// Path returns the main stream's file.
func (s *Sink) Path() string {
	return s.paths[0]
}

// ErrorPath returns the file receiving error and critical entries.
func (s *Sink) ErrorPath() string {
	return s.paths[1]
}

func (s *Sink) Sync() error {
	return s.logger.Sync()
}

func (s *Sink) Close() error {
	_ = s.logger.Sync()
	return s.streams.Close()
}

func openStream(path string, maxSizeMB int) (*headedFile, error) {
	var size int64
	if info, err := os.Stat(path); err == nil {
		size = info.Size()
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat log file %s: %w", path, err)
	}
	f := &headedFile{
		out:  &lumberjack.Logger{Filename: path, MaxSize: maxSizeMB},
		size: size,
		max:  int64(maxSizeMB) * 1024 * 1024,
	}
	if size == 0 {
		if err := f.writeHeader(); err != nil {
			return nil, fmt.Errorf("write log header %s: %w", path, err)
		}
	}
	return f, nil
}

// headedFile rotates before lumberjack would, so every file it starts begins
// with the table header.
type headedFile struct {
	out  *lumberjack.Logger
	size int64
	max  int64
}

func (f *headedFile) Write(p []byte) (int, error) {
	if f.size > int64(len(header())) && f.size+int64(len(p)) > f.max {
		if err := f.out.Rotate(); err != nil {
			return 0, err
		}
		f.size = 0
		if err := f.writeHeader(); err != nil {
			return 0, err
		}
	}
	n, err := f.out.Write(p)
	f.size += int64(n)
	return n, err
}

func (f *headedFile) writeHeader() error {
	n, err := io.WriteString(f.out, header())
	f.size += int64(n)
	return err
}

func (f *headedFile) Close() error {
	return f.out.Close()
}

func header() string {
	rule := "|" + strings.Repeat("-", 19) + "|" + strings.Repeat("-", 13) + "|" + strings.Repeat("-", 152) + "|\n"
	title := "|     Timestamp     |  LOG Level  |" + strings.Repeat(" ", 70) + "LOG Messages" + strings.Repeat(" ", 70) + "|\n"
	return rule + title + rule
}

type streams struct {
	mu   sync.Mutex
	info io.WriteCloser
	err  io.WriteCloser
	now  func() time.Time
}

func (s *streams) write(level zapcore.Level, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.info
	if level >= zapcore.ErrorLevel {
		w = s.err
	}
	_, err := io.WriteString(w, line)
	return err
}

func (s *streams) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.info.Close()
	if s.err != s.info {
		err = errors.Join(err, s.err.Close())
	}
	return err
}

type fileCore struct {
	out    *streams
	fields []zapcore.Field
}

func newFileCore(out *streams) *fileCore {
	return &fileCore{out: out}
}

// Debug entries only reach the console.
func (c *fileCore) Enabled(level zapcore.Level) bool {
	return level >= zapcore.InfoLevel
}

func (c *fileCore) With(fields []zapcore.Field) zapcore.Core {
	clone := &fileCore{out: c.out, fields: make([]zapcore.Field, 0, len(c.fields)+len(fields))}
	clone.fields = append(clone.fields, c.fields...)
	clone.fields = append(clone.fields, fields...)
	return clone
}

func (c *fileCore) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return checked.AddCore(entry, c)
	}
	return checked
}

func (c *fileCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	message := entry.Message
	if extra := formatFields(append(append([]zapcore.Field{}, c.fields...), fields...)); extra != "" {
		message += " " + extra
	}
	ts := entry.Time
	if ts.IsZero() {
		ts = c.out.now()
	}
	return c.out.write(entry.Level, FormatLine(ts, entry.Level, message))
}

func (c *fileCore) Sync() error {
	return nil
}

// FormatLine renders one persistent log line.
func FormatLine(ts time.Time, level zapcore.Level, message string) string {
	return fmt.Sprintf("[%s] > %-10s| %s\n", ts.Format(timestampFmt), LevelName(level)+":", PadMessage(message))
}

// PadMessage pads message with spaces to the fixed column width and closes
// the column. Messages that do not fit are cut and marked with an ellipsis.
func PadMessage(message string) string {
	runes := []rune(message)
	if len(runes) < messageWidth {
		return message + strings.Repeat(" ", messageWidth-len(runes)) + "|"
	}
	return string(runes[:truncatedWidth]) + "...|"
}

func LevelName(level zapcore.Level) string {
	switch level {
	case zapcore.DebugLevel:
		return "DEBUG"
	case zapcore.InfoLevel:
		return "INFO"
	case zapcore.WarnLevel:
		return "WARNING"
	case zapcore.ErrorLevel:
		return "ERROR"
	default:
		return "CRITICAL"
	}
}

func formatFields(fields []zapcore.Field) string {
	if len(fields) == 0 {
		return ""
	}
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}
	keys := make([]string, 0, len(enc.Fields))
	for k := range enc.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, enc.Fields[k]))
	}
	return strings.Join(parts, " ")
}

var levelColors = map[zapcore.Level]*color.Color{
	zapcore.DebugLevel:  color.New(color.FgCyan),
	zapcore.InfoLevel:   color.New(color.FgGreen),
	zapcore.WarnLevel:   color.New(color.FgYellow),
	zapcore.ErrorLevel:  color.New(color.FgRed),
	zapcore.DPanicLevel: color.New(color.FgRed, color.Bold),
}

func consoleEncoder(colored bool) zapcore.Encoder {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.TimeKey = ""
	cfg.CallerKey = ""
	cfg.EncodeLevel = func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		name := fmt.Sprintf("%-8s", LevelName(level))
		if c, ok := levelColors[level]; ok && colored {
			name = c.Sprint(name)
		} else if colored {
			name = color.New(color.FgRed, color.Bold).Sprint(name)
		}
		enc.AppendString(name)
	}
	return zapcore.NewConsoleEncoder(cfg)
}
