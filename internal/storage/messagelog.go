package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/valter-silva-au/agent-army/internal/errors"
	"github.com/valter-silva-au/agent-army/internal/logging"
	"github.com/valter-silva-au/agent-army/pkg/models"
)

// maxLineSize bounds a single message log line.
const maxLineSize = 4 * 1024 * 1024

// MessageLog is the append-only persistence behind the message bus.
// Offsets are physical line numbers starting at zero; corrupt lines keep
// their offset but are never delivered.
type MessageLog interface {
	Append(ctx context.Context, msg *models.Message) error
	ReadFrom(ctx context.Context, offset int, fn func(offset int, msg *models.Message) error) (next int, err error)
	MarkConsumed(ctx context.Context, c models.Consumption) error
	Consumed(ctx context.Context, subscriber string) (map[string]bool, error)
	Path() string
}

type jsonlMessageLog struct {
	path         string
	consumedPath string
	lock         LockOptions
	logger       *logging.Logger
	mu           sync.Mutex
}

// NewMessageLog creates a MessageLog writing to the JSONL file at path.
// Consumption markers go to a sibling <name>.consumed.jsonl file.
func NewMessageLog(path string, lock LockOptions, logger *logging.Logger) MessageLog {
	if logger == nil {
		logger = logging.NopLogger()
	}
	ext := filepath.Ext(path)
	return &jsonlMessageLog{
		path:         path,
		consumedPath: strings.TrimSuffix(path, ext) + ".consumed" + ext,
		lock:         lock.withDefaults(),
		logger:       logger,
	}
}

func (l *jsonlMessageLog) Path() string {
	return l.path
}

func (l *jsonlMessageLog) Append(ctx context.Context, msg *models.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}
	if len(data) > maxLineSize {
		return errors.Validation("append message", "message %s is %d bytes, limit is %d", msg.ID, len(data), maxLineSize)
	}
	if err := l.appendLine(ctx, l.path, data); err != nil {
		return fmt.Errorf("appending message %s: %w", msg.ID, err)
	}
	return nil
}

func (l *jsonlMessageLog) MarkConsumed(ctx context.Context, c models.Consumption) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshalling consumption: %w", err)
	}
	if err := l.appendLine(ctx, l.consumedPath, data); err != nil {
		return fmt.Errorf("marking message %s consumed: %w", c.MessageID, err)
	}
	return nil
}

// appendLine writes data plus a newline in a single write under an
// exclusive lock. A torn final line left by a crash is terminated first so
// it cannot swallow the new record.
func (l *jsonlMessageLog) appendLine(ctx context.Context, path string, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}
	unlock, err := lockFile(ctx, path+".lock", l.lock)
	if err != nil {
		return err
	}
	defer func() { _ = unlock() }()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("opening log: %w", err)
	}
	defer f.Close()

	line := make([]byte, 0, len(data)+2)
	if info, err := f.Stat(); err == nil && info.Size() > 0 {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, info.Size()-1); err == nil && last[0] != '\n' {
			line = append(line, '\n')
		}
	}
	line = append(line, data...)
	line = append(line, '\n')

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("writing log line: %w", err)
	}
	return nil
}

func (l *jsonlMessageLog) ReadFrom(ctx context.Context, offset int, fn func(int, *models.Message) error) (int, error) {
	if offset < 0 {
		offset = 0
	}
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return offset, nil
		}
		return offset, fmt.Errorf("opening message log: %w", err)
	}
	defer f.Close()

	next := 0
	err = scanLines(f, func(line []byte, tooLong bool) error {
		idx := next
		next++
		if idx < offset {
			return nil
		}
		if tooLong {
			l.logger.Warn("skipping oversized message log line", "path", l.path, "offset", idx, "limit", maxLineSize)
			return nil
		}
		if len(line) == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		var msg models.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			l.logger.Warn("skipping corrupt message log line", "path", l.path, "offset", idx, "error", err)
			return nil
		}
		return fn(idx, &msg)
	})
	if err != nil {
		return next, err
	}
	if next < offset {
		next = offset
	}
	return next, nil
}

func (l *jsonlMessageLog) Consumed(_ context.Context, subscriber string) (map[string]bool, error) {
	consumed := make(map[string]bool)
	f, err := os.Open(l.consumedPath)
	if err != nil {
		if os.IsNotExist(err) {
			return consumed, nil
		}
		return nil, fmt.Errorf("opening consumption log: %w", err)
	}
	defer f.Close()

	err = scanLines(f, func(line []byte, tooLong bool) error {
		if tooLong {
			l.logger.Warn("skipping oversized consumption line", "path", l.consumedPath, "limit", maxLineSize)
			return nil
		}
		if len(line) == 0 {
			return nil
		}
		var c models.Consumption
		if err := json.Unmarshal(line, &c); err != nil {
			l.logger.Warn("skipping corrupt consumption line", "path", l.consumedPath, "error", err)
			return nil
		}
		if c.Subscriber == subscriber {
			consumed[c.MessageID] = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return consumed, nil
}

// scanLines calls fn once per physical line, newline stripped. Lines longer
// than maxLineSize are drained without buffering and reported with
// tooLong set, so one bad record never stops the rest of the log.
func scanLines(r io.Reader, fn func(line []byte, tooLong bool) error) error {
	br := bufio.NewReaderSize(r, 64*1024)
	var (
		line    []byte
		tooLong bool
	)
	for {
		chunk, err := br.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > maxLineSize+1 {
				tooLong = true
				line = line[:0]
			} else {
				line = append(line, chunk...)
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil && err != io.EOF {
			return fmt.Errorf("reading log: %w", err)
		}
		if err == io.EOF && len(line) == 0 && !tooLong {
			return nil
		}

		var out []byte
		if !tooLong {
			out = bytes.TrimSuffix(bytes.TrimSuffix(line, []byte("\n")), []byte("\r"))
		}
		if ferr := fn(out, tooLong); ferr != nil {
			return ferr
		}
		line, tooLong = line[:0], false
		if err == io.EOF {
			return nil
		}
	}
}
