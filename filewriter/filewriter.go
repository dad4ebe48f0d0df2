// Package filewriter writes files asynchronously so the event loop and the
// workers never block on disk. Jobs are queued to a single background
// goroutine; each job clears its target directory before writing, so the
// directory always holds exactly the latest dump.
package filewriter

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/atuldpatil/pulsar/logger"
)

// Job is one file to write. Dir is created when missing and emptied before
// the write; Name is the file name inside it.
type Job struct {
	Dir      string
	Name     string
	Contents []byte
}

// Writer is the asynchronous file writer. Submit never blocks on I/O; Stop
// drains the queue and waits for the background goroutine.
type Writer struct {
	jobs chan Job
	log  logger.Logger

	stopOnce sync.Once
	done     chan struct{}
}

// New starts a writer with the given queue depth. A nil logger discards
// write errors.
func New(queueDepth int, log logger.Logger) *Writer {
	if queueDepth <= 0 {
		queueDepth = 16
	}
	if log == nil {
		log = logger.Nop()
	}
	w := &Writer{
		jobs: make(chan Job, queueDepth),
		log:  log,
		done: make(chan struct{}),
	}
	go w.run()
	return w
}

// Submit queues one job. It reports false when the queue is full or the
// writer was stopped; the job is dropped in either case, a status dump is
// not worth blocking a worker for.
func (w *Writer) Submit(job Job) (queued bool) {
	defer func() {
		if recover() != nil {
			queued = false
		}
	}()
	select {
	case w.jobs <- job:
		return true
	default:
		w.log.Warn("file writer queue full, dropping job",
			logger.Field{Key: "file", Value: filepath.Join(job.Dir, job.Name)})
		return false
	}
}

// Stop closes the queue, finishes the jobs already submitted and returns.
// Safe to call more than once.
func (w *Writer) Stop() {
	w.stopOnce.Do(func() { close(w.jobs) })
	<-w.done
}

func (w *Writer) run() {
	defer close(w.done)
	for job := range w.jobs {
		if err := w.write(job); err != nil {
			w.log.Error("writing file failed",
				logger.Field{Key: "file", Value: filepath.Join(job.Dir, job.Name)},
				logger.Field{Key: "error", Value: err.Error()})
		}
	}
}

// write empties the target directory and writes the file. Clearing first
// keeps the directory to a single current dump regardless of file naming.
func (w *Writer) write(job Job) error {
	if err := os.MkdirAll(job.Dir, 0o755); err != nil {
		return err
	}

	entries, err := os.ReadDir(job.Dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		os.Remove(filepath.Join(job.Dir, entry.Name()))
	}

	return os.WriteFile(filepath.Join(job.Dir, job.Name), job.Contents, 0o644)
}
