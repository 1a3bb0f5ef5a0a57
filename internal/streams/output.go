package streams

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/smazurov/camrelay/internal/ffmpeg"
	"github.com/smazurov/camrelay/internal/logging"
	"github.com/smazurov/camrelay/internal/process"
)

// fileOutput appends worker output lines to a rotating log file.
type fileOutput struct {
	mu sync.Mutex
	w  io.WriteCloser
}

func (f *fileOutput) HandleLine(source, line string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, _ = fmt.Fprintf(f.w, "%s [%s] %s\n", time.Now().Format(time.RFC3339), source, line)
}

func (f *fileOutput) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.w.Close()
}

// WorkerLogFiles returns a supervisor output factory writing each worker's
// output to <dir>/camera_<id>.log with rotation. An empty dir disables it.
func WorkerLogFiles(dir string, rotate logging.RotateConfig) func(id string) process.OutputHandler {
	if dir == "" {
		return nil
	}
	return func(id string) process.OutputHandler {
		return &fileOutput{w: rotate.Writer(logging.WorkerLogPath(dir, ffmpeg.StreamName(id)))}
	}
}
