// Package util provides logging, host information and TLS helpers shared by
// the MCComm packages.
package util

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const logPrefix = "mccomm_"

// LogConfig holds configuration for the logging system.
type LogConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	Console    bool   `json:"console"`
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      "info",
		Directory:  "logs",
		MaxSizeMB:  10,
		MaxBackups: 5,
		Console:    true,
	}
}

var (
	fileMu  sync.Mutex
	current *rollingFile
)

// InitLogger points the global logger at a JSON log file in cfg.Directory
// and, when cfg.Console is set, a human-readable console writer. Calling it
// again replaces the previous file.
func InitLogger(cfg LogConfig) error {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.DurationFieldUnit = time.Millisecond

	if err := os.MkdirAll(cfg.Directory, 0755); err != nil {
		return fmt.Errorf("failed to create log directory %s: %w", cfg.Directory, err)
	}

	rf, err := openRollingFile(cfg.Directory, int64(cfg.MaxSizeMB)<<20, cfg.MaxBackups)
	if err != nil {
		return err
	}

	writers := []io.Writer{rf}
	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		})
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().
		Timestamp().
		Str("app", "mccomm").
		Caller().
		Logger()

	fileMu.Lock()
	prev := current
	current = rf
	fileMu.Unlock()
	if prev != nil {
		prev.Close()
	}

	log.Info().
		Str("level", level.String()).
		Str("log_file", rf.Name()).
		Int("max_size_mb", cfg.MaxSizeMB).
		Msg("logger initialized")

	go cleanOldLogs(cfg.Directory, cfg.MaxBackups)
	return nil
}

// ComponentLogger creates a logger with a component name field.
func ComponentLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// SampledLogger is a component logger that lets burst events through per
// period and drops the rest. Used on paths that fire for every update cycle.
func SampledLogger(component string, burst uint32, period time.Duration) zerolog.Logger {
	return ComponentLogger(component).Sample(&zerolog.BurstSampler{
		Burst:  burst,
		Period: period,
	})
}

// Redact masks a secret for logging, keeping at most the first four
// characters when the value is long enough to survive it.
func Redact(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) < 12 {
		return "****"
	}
	return secret[:4] + strings.Repeat("*", 8)
}

// rollingFile is an append-only log file that starts a new numbered file
// once the current one reaches limit bytes. A limit of zero never rolls.
type rollingFile struct {
	mu      sync.Mutex
	dir     string
	day     string
	seq     int
	limit   int64
	backups int
	size    int64
	f       *os.File
}

func openRollingFile(dir string, limit int64, backups int) (*rollingFile, error) {
	rf := &rollingFile{dir: dir, limit: limit, backups: backups}
	if err := rf.open(time.Now().Format("2006-01-02")); err != nil {
		return nil, err
	}
	return rf, nil
}

func (r *rollingFile) path() string {
	name := logPrefix + r.day
	if r.seq > 0 {
		name += fmt.Sprintf(".%d", r.seq)
	}
	return filepath.Join(r.dir, name+".log")
}

func (r *rollingFile) open(day string) error {
	if day != r.day {
		r.day = day
		r.seq = 0
	}
	for {
		p := r.path()
		info, err := os.Stat(p)
		if err != nil || r.limit <= 0 || info.Size() < r.limit {
			break
		}
		r.seq++
	}
	p := r.path()
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", p, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat log file %s: %w", p, err)
	}
	r.f = f
	r.size = info.Size()
	return nil
}

func (r *rollingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.f == nil {
		return 0, os.ErrClosed
	}
	day := time.Now().Format("2006-01-02")
	if day != r.day || (r.limit > 0 && r.size+int64(len(p)) > r.limit && r.size > 0) {
		r.f.Close()
		if day == r.day {
			r.seq++
		}
		if err := r.open(day); err != nil {
			r.f = nil
			return 0, err
		}
		go cleanOldLogs(r.dir, r.backups)
	}
	n, err := r.f.Write(p)
	r.size += int64(n)
	return n, err
}

// Name returns the path of the file currently written to.
func (r *rollingFile) Name() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path()
}

func (r *rollingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

// cleanOldLogs keeps the newest maxBackups log files and removes the rest.
func cleanOldLogs(directory string, maxBackups int) {
	if maxBackups < 1 {
		return
	}
	entries, err := os.ReadDir(directory)
	if err != nil {
		return
	}

	type logFile struct {
		name string
		mod  time.Time
	}
	var files []logFile
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".log" || !strings.HasPrefix(name, logPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, logFile{name: name, mod: info.ModTime()})
	}
	if len(files) <= maxBackups {
		return
	}

	sort.Slice(files, func(i, j int) bool {
		if !files[i].mod.Equal(files[j].mod) {
			return files[i].mod.Before(files[j].mod)
		}
		return files[i].name < files[j].name
	})
	for _, lf := range files[:len(files)-maxBackups] {
		path := filepath.Join(directory, lf.name)
		if err := os.Remove(path); err == nil {
			log.Debug().Str("file", path).Msg("removed old log file")
		}
	}
}
