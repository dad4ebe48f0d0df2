package logger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

var errWriterClosed = errors.New("logger: file writer closed")

// DailyFileWriter is an io.Writer appending to {service}_{date}.log in a
// fixed directory, switching files when the date changes. Rotation is
// checked on every write and by a background goroutine once an hour, so a
// silent server still rolls its file over at midnight. Safe for concurrent
// use.
type DailyFileWriter struct {
	service string
	dir     string

	mu         sync.RWMutex
	file       *os.File
	currDate   string
	lastRotate time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewDailyFileWriter opens the current day's file in logDir. The directory
// must already exist.
func NewDailyFileWriter(service, logDir string) (*DailyFileWriter, error) {
	ctx, cancel := context.WithCancel(context.Background())
	w := &DailyFileWriter{
		service: service,
		dir:     logDir,
		ctx:     ctx,
		cancel:  cancel,
	}

	if err := w.rotate(); err != nil {
		cancel()
		return nil, fmt.Errorf("initial rotation: %w", err)
	}

	w.wg.Add(1)
	go w.autoRotate()
	return w, nil
}

// Write appends p to the current day's file, rotating first when the date
// changed since the last write.
func (w *DailyFileWriter) Write(p []byte) (int, error) {
	if w.closed.Load() {
		return 0, errWriterClosed
	}

	w.mu.RLock()
	stale := w.rotationDue()
	w.mu.RUnlock()

	if stale {
		w.mu.Lock()
		if w.rotationDue() {
			if err := w.rotateLocked(); err != nil {
				w.mu.Unlock()
				return 0, fmt.Errorf("rotation: %w", err)
			}
		}
		w.mu.Unlock()
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.file == nil {
		return 0, errWriterClosed
	}
	return w.file.Write(p)
}

// ForceRotate closes the current file and reopens one for today's date,
// regardless of whether the date changed. Useful after external log
// shipping moved the file away.
func (w *DailyFileWriter) ForceRotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.currDate = ""
	return w.rotateLocked()
}

// CurrentLogFile returns the path of the file being written, or "" when
// none is open.
func (w *DailyFileWriter) CurrentLogFile() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.file == nil {
		return ""
	}
	return filepath.Join(w.dir, w.service+"_"+w.currDate+".log")
}

// Close stops the background rotation and closes the file. Writes after
// Close fail. Safe to call more than once.
func (w *DailyFileWriter) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}

	w.cancel()
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		err := w.file.Close()
		w.file = nil
		return err
	}
	return nil
}

func (w *DailyFileWriter) autoRotate() {
	defer w.wg.Done()

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if w.closed.Load() {
				return
			}
			w.mu.Lock()
			_ = w.rotateLocked()
			w.mu.Unlock()
		}
	}
}

func (w *DailyFileWriter) rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotateLocked()
}

// rotationDue reports whether the open file no longer matches today's date.
// Caller holds w.mu.
func (w *DailyFileWriter) rotationDue() bool {
	return w.file == nil || time.Now().Format("2006-01-02") != w.currDate
}

// rotateLocked opens the file for today when the date moved on. Caller
// holds w.mu exclusively.
func (w *DailyFileWriter) rotateLocked() error {
	if w.closed.Load() {
		return errWriterClosed
	}

	now := time.Now()
	date := now.Format("2006-01-02")
	if date == w.currDate && w.file != nil && now.Sub(w.lastRotate) < time.Minute {
		return nil
	}

	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}

	name := filepath.Join(w.dir, w.service+"_"+date+".log")
	f, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file %s: %w", name, err)
	}

	w.file = f
	w.currDate = date
	w.lastRotate = now
	return nil
}
