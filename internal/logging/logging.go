package logging

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"golang.org/x/term"
)

type ctxKey string

const (
	requestIDKey ctxKey = "logging_request_id"

	// RequestIDHeader carries the request ID between client and server.
	RequestIDHeader = "X-Request-ID"

	bytesPerMB        int64 = 1024 * 1024
	defaultMaxSizeMB        = 20
	defaultMaxBackups       = 3
	logDirPerm              = 0o700
	logFilePerm             = 0o600
)

// Config controls logger initialization.
type Config struct {
	Format     string // "json", "console", or "auto"
	Level      string // "debug", "info", "warn", "error"
	Component  string // optional component name
	FilePath   string // optional log file path
	MaxSizeMB  int    // rotate after this size (MB)
	MaxBackups int    // rotated generations to keep
}

var (
	mu            sync.RWMutex
	baseLogger    zerolog.Logger
	baseWriter    io.Writer = os.Stderr
	baseComponent string
	fileCloser    io.Closer

	defaultTimeFmt = time.RFC3339
)

var (
	nowFn        = time.Now
	isTerminalFn = term.IsTerminal
	stderr       io.Writer = os.Stderr
)

func init() {
	baseLogger = zerolog.New(baseWriter).With().Timestamp().Logger()
	log.Logger = baseLogger
}

// Init configures zerolog globals and establishes the package baseline logger.
func Init(cfg Config) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()

	previousFileCloser := fileCloser
	fileCloser = nil

	zerolog.TimeFieldFormat = defaultTimeFmt
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	writer := selectWriter(cfg.Format)

	if fileWriter, err := newRollingFileWriter(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "logging: unable to configure file output: %v\n", err)
	} else if fileWriter != nil {
		writer = io.MultiWriter(writer, fileWriter)
		fileCloser = fileWriter
	}
	component := strings.TrimSpace(cfg.Component)

	contextBuilder := zerolog.New(writer).With().Timestamp()
	if component != "" {
		contextBuilder = contextBuilder.Str("component", component)
	}

	baseLogger = contextBuilder.Logger()
	baseWriter = writer
	baseComponent = component
	log.Logger = baseLogger

	if previousFileCloser != nil {
		if err := previousFileCloser.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "logging: unable to close previous log file writer: %v\n", err)
		}
	}

	return baseLogger
}

// Shutdown closes the log file, if any.
func Shutdown() {
	mu.Lock()
	defer mu.Unlock()

	if fileCloser != nil {
		if err := fileCloser.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "logging: unable to close log file writer: %v\n", err)
		}
		fileCloser = nil
	}
}

// WithRequestID stores (or generates) a request ID on the context.
func WithRequestID(ctx context.Context, requestID string) (context.Context, string) {
	if ctx == nil {
		ctx = context.Background()
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return context.WithValue(ctx, requestIDKey, requestID), requestID
}

// RequestIDFromContext returns the request ID stored by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// FromContext returns the base logger enriched with the context's request ID.
func FromContext(ctx context.Context) zerolog.Logger {
	mu.RLock()
	logger := baseLogger
	mu.RUnlock()
	if id := RequestIDFromContext(ctx); id != "" {
		return logger.With().Str("request_id", id).Logger()
	}
	return logger
}

// Middleware tags each request with an ID, echoes it in the response and
// logs the completed request at debug level.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, id := WithRequestID(r.Context(), r.Header.Get(RequestIDHeader))
		w.Header().Set(RequestIDHeader, id)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := nowFn()
		next.ServeHTTP(rec, r.WithContext(ctx))
		logger := FromContext(ctx)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", nowFn().Sub(start)).
			Msg("HTTP request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer (websocket upgrades).
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

var levels = map[string]zerolog.Level{
	"":         zerolog.InfoLevel,
	"info":     zerolog.InfoLevel,
	"trace":    zerolog.TraceLevel,
	"debug":    zerolog.DebugLevel,
	"warn":     zerolog.WarnLevel,
	"warning":  zerolog.WarnLevel,
	"error":    zerolog.ErrorLevel,
	"disabled": zerolog.Disabled,
}

func parseLevel(level string) zerolog.Level {
	key := strings.ToLower(strings.TrimSpace(level))
	if lvl, ok := levels[key]; ok {
		return lvl
	}
	fmt.Fprintf(stderr, "logging: invalid level %q; using %q\n", key, "info")
	return zerolog.InfoLevel
}

// selectWriter picks the stderr encoding. "auto" uses the console writer
// only when stderr is a terminal, so daemons under a supervisor log JSON.
func selectWriter(format string) io.Writer {
	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: defaultTimeFmt}
	switch f := strings.ToLower(strings.TrimSpace(format)); f {
	case "console":
		return console
	case "json":
	case "auto", "":
		if isTerminalFn(int(os.Stderr.Fd())) {
			return console
		}
	default:
		fmt.Fprintf(stderr, "logging: invalid format %q; using %q\n", f, "json")
	}
	return os.Stderr
}

// rollingFileWriter appends to a log file and, once it exceeds maxBytes,
// shifts generations path.1 .. path.N and starts a fresh file.
type rollingFileWriter struct {
	mu       sync.Mutex
	path     string
	backups  int
	maxBytes int64

	f    *os.File
	size int64
}

func newRollingFileWriter(cfg Config) (*rollingFileWriter, error) {
	if strings.TrimSpace(cfg.FilePath) == "" {
		return nil, nil
	}
	path := filepath.Clean(strings.TrimSpace(cfg.FilePath))
	if err := os.MkdirAll(filepath.Dir(path), logDirPerm); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if info, err := os.Lstat(path); err == nil && !info.Mode().IsRegular() {
		return nil, fmt.Errorf("log file %q is not a regular file", path)
	}

	w := &rollingFileWriter{
		path:     path,
		backups:  cfg.MaxBackups,
		maxBytes: int64(cfg.MaxSizeMB) * bytesPerMB,
	}
	if w.backups <= 0 {
		w.backups = defaultMaxBackups
	}
	if w.maxBytes <= 0 {
		w.maxBytes = defaultMaxSizeMB * bytesPerMB
	}
	if err := w.ensureOpen(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *rollingFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f != nil && w.size+int64(len(p)) > w.maxBytes {
		w.rotate()
	}
	if err := w.ensureOpen(); err != nil {
		return 0, err
	}
	n, err := w.f.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *rollingFileWriter) ensureOpen() error {
	if w.f != nil {
		return nil
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, logFilePerm)
	if err != nil {
		return fmt.Errorf("open log file %s: %w", w.path, err)
	}
	w.f = f
	w.size = 0
	if info, err := f.Stat(); err == nil {
		w.size = info.Size()
	}
	return nil
}

// rotate closes the current file and shifts generations. Rename failures are
// reported on stderr; logging continues in a fresh file either way.
func (w *rollingFileWriter) rotate() {
	_ = w.f.Close()
	w.f = nil

	_ = os.Remove(fmt.Sprintf("%s.%d", w.path, w.backups))
	for gen := w.backups - 1; gen >= 1; gen-- {
		_ = os.Rename(fmt.Sprintf("%s.%d", w.path, gen), fmt.Sprintf("%s.%d", w.path, gen+1))
	}
	if err := os.Rename(w.path, w.path+".1"); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(stderr, "logging: rotate %s: %v\n", w.path, err)
	}
}

func (w *rollingFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
