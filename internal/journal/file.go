package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	recordsFile     = "emotions.jsonl"
	screenshotsFile = "screenshots.jsonl"
)

// FileStore appends JSON Lines to rotating files in a directory.
type FileStore struct {
	mu          sync.Mutex
	records     *lumberjack.Logger
	screenshots *lumberjack.Logger
}

// NewFileStore writes into dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	return &FileStore{
		records:     rotating(filepath.Join(dir, recordsFile)),
		screenshots: rotating(filepath.Join(dir, screenshotsFile)),
	}, nil
}

func rotating(path string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		LocalTime:  true,
		Compress:   true,
		MaxSize:    100, // megabytes
		MaxAge:     30,
		MaxBackups: 10,
	}
}

func (s *FileStore) Append(_ context.Context, rec Record) error {
	return s.writeLine(s.records, rec)
}

func (s *FileStore) AppendScreenshot(_ context.Context, shot Screenshot) error {
	return s.writeLine(s.screenshots, shot)
}

func (s *FileStore) writeLine(w *lumberjack.Logger, v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode journal line: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := w.Write(line); err != nil {
		return fmt.Errorf("write journal line: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.records.Close(), s.screenshots.Close())
}
