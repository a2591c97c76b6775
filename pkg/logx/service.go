package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const (
	timeFormat      = "2006-01-02T15:04:05.000Z07:00"
	defaultFilePath = "./notifyd.log"
)

type Config struct {
	Level   string
	Console bool
	JSON    bool // console writes JSON lines instead of the pretty format
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// Service owns the process log sinks. Apply swaps level and sinks while
// Loggers obtained from it keep working.
type Service struct {
	mu       sync.Mutex
	file     *os.File
	filePath string

	current atomic.Pointer[zerolog.Logger]
}

func (s *Service) logger() *zerolog.Logger {
	if zl := s.current.Load(); zl != nil {
		return zl
	}
	return &nopLogger
}

// New builds a Service from cfg and returns it with its root Logger. A log
// file that cannot be opened is reported on stderr and skipped.
func New(cfg Config) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat

	s := &Service{}
	if err := s.Apply(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "logx: %v\n", err)
	}
	return s, s.Logger()
}

func (s *Service) Logger() Logger { return Logger{src: s} }

// Apply rebuilds the sinks for cfg. The log file stays open when its path
// is unchanged. On a file error the remaining sinks are still installed.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleSink(cfg.JSON))
	}

	var ferr error
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultFilePath
		}
		if ferr = s.openFile(path); ferr == nil {
			sinks = append(sinks, zerolog.SyncWriter(s.file))
		}
	} else {
		s.closeFile()
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleSink(cfg.JSON))
	}

	var out io.Writer = sinks[0]
	if len(sinks) > 1 {
		out = zerolog.MultiLevelWriter(sinks...)
	}
	zl := zerolog.New(out).Level(parseLevel(cfg.Level, LevelInfo)).With().Timestamp().Logger()
	s.current.Store(&zl)
	return ferr
}

func (s *Service) openFile(path string) error {
	if s.file != nil && s.filePath == path {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		s.closeFile()
		return fmt.Errorf("open log file %q: %w", path, err)
	}
	s.closeFile()
	s.file, s.filePath = f, path
	return nil
}

func (s *Service) closeFile() {
	if s.file != nil {
		_ = s.file.Close()
		s.file, s.filePath = nil, ""
	}
}

// Close releases the log file. Loggers keep writing to the console sink
// if one is configured.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.file != nil {
		err = s.file.Close()
		s.file, s.filePath = nil, ""
	}
	return err
}

func consoleSink(raw bool) io.Writer {
	if raw {
		return os.Stdout
	}
	return zerolog.ConsoleWriter{
		Out:          os.Stdout,
		TimeFormat:   timeFormat,
		FormatCaller: func(i any) string {
			s, _ := i.(string)
			return s
		},
	}
}
