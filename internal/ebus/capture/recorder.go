package capture

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/ebusd-go/internal/ebus/protocol"
	"github.com/nerrad567/ebusd-go/internal/ebus/symbol"
	"github.com/nerrad567/ebusd-go/internal/infrastructure/config"
	"github.com/nerrad567/ebusd-go/internal/infrastructure/logging"
)

// Recorder writes the two optional traffic artifacts: a binary capture
// file (raw wire bytes, append-only) and a textual raw log (one line
// per observed frame). Both are size-bounded with single-step rollover
// to a ".1" sibling, and both start disabled; cmdRaw/cmdDump toggle
// them at runtime without restarting the daemon.
type Recorder struct {
	cfg    config.CaptureConfig
	logger *logging.Logger

	rawEnabled  atomic.Bool
	dumpEnabled atomic.Bool

	mu      sync.Mutex
	capture *rollingFile
	rawLog  *rollingFile
}

// New builds a Recorder over cfg. Opening the underlying files is
// deferred until the corresponding toggle is first enabled, so a
// daemon that never issues "raw on"/"dump on" never touches disk.
func New(cfg config.CaptureConfig, logger *logging.Logger) *Recorder {
	return &Recorder{cfg: cfg, logger: logger}
}

// SetRawEnabled toggles binary capture-file recording.
func (r *Recorder) SetRawEnabled(on bool) error {
	r.rawEnabled.Store(on)
	if !on {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.capture != nil {
		return nil
	}
	if r.cfg.File == "" {
		return fmt.Errorf("no capture file configured")
	}
	f, err := newRollingFile(r.cfg.File, r.cfg.MaxSizeByte)
	if err != nil {
		return err
	}
	r.capture = f
	return nil
}

// SetDumpEnabled toggles textual raw-log recording.
func (r *Recorder) SetDumpEnabled(on bool) error {
	r.dumpEnabled.Store(on)
	if !on {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rawLog != nil {
		return nil
	}
	if r.cfg.RawLogFile == "" {
		return fmt.Errorf("no raw log file configured")
	}
	f, err := newRollingFile(r.cfg.RawLogFile, r.cfg.MaxSizeByte)
	if err != nil {
		return err
	}
	r.rawLog = f
	return nil
}

func (r *Recorder) RawEnabled() bool  { return r.rawEnabled.Load() }
func (r *Recorder) DumpEnabled() bool { return r.dumpEnabled.Load() }

// Observe matches protocol.Callbacks.OnMessage's signature so main can
// chain it onto bus.Handler's own observer without altering what the
// bus handler sees. A nil slave (master-only transaction, e.g. a
// broadcast) is recorded as the master frame alone.
func (r *Recorder) Observe(dir protocol.MessageDirection, master symbol.MasterFrame, slave *symbol.SlaveFrame) {
	if r.rawEnabled.Load() {
		r.writeCapture(master, slave)
	}
	if r.dumpEnabled.Load() {
		r.writeDump(dir, master, slave)
	}
}

func (r *Recorder) writeCapture(master symbol.MasterFrame, slave *symbol.SlaveFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.capture == nil {
		return
	}
	if err := r.capture.Write(master.WireBytes()); err != nil {
		r.logger.Warn("capture file write failed", "error", err)
		return
	}
	if slave != nil {
		if err := r.capture.Write(slave.WireBytes()); err != nil {
			r.logger.Warn("capture file write failed", "error", err)
		}
	}
}

func (r *Recorder) writeDump(dir protocol.MessageDirection, master symbol.MasterFrame, slave *symbol.SlaveFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rawLog == nil {
		return
	}
	line := fmt.Sprintf("%s %s %s %s\n", time.Now().Format(time.RFC3339Nano), dirLabel(dir), master.FormatHex(), slaveHex(slave))
	if err := r.rawLog.Write([]byte(line)); err != nil {
		r.logger.Warn("raw log write failed", "error", err)
	}
}

func slaveHex(slave *symbol.SlaveFrame) string {
	if slave == nil {
		return "-"
	}
	return slave.FormatHex()
}

func dirLabel(dir protocol.MessageDirection) string {
	switch dir {
	case protocol.DirSent:
		return "sent"
	case protocol.DirAnswered:
		return "answered"
	case protocol.DirReceived:
		return "received"
	default:
		return "unknown"
	}
}

// Close releases any open file handles.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	if r.capture != nil {
		if err := r.capture.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.rawLog != nil {
		if err := r.rawLog.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("closing capture files: %v", errs)
	}
	return nil
}

// rollingFile is an append-only file that renames itself to a ".1"
// sibling and starts fresh once it exceeds maxSize. maxSize <= 0 means
// unbounded.
type rollingFile struct {
	path    string
	maxSize int64
	file    *os.File
	size    int64
}

func newRollingFile(path string, maxSize int64) (*rollingFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	return &rollingFile{path: path, maxSize: maxSize, file: f, size: info.Size()}, nil
}

func (rf *rollingFile) Write(data []byte) error {
	if rf.maxSize > 0 && rf.size+int64(len(data)) > rf.maxSize {
		if err := rf.roll(); err != nil {
			return err
		}
	}
	n, err := rf.file.Write(data)
	rf.size += int64(n)
	if err != nil {
		return fmt.Errorf("writing %s: %w", rf.path, err)
	}
	return nil
}

func (rf *rollingFile) roll() error {
	if err := rf.file.Close(); err != nil {
		return fmt.Errorf("closing %s for rollover: %w", rf.path, err)
	}
	if err := os.Rename(rf.path, rf.path+".1"); err != nil {
		return fmt.Errorf("rolling over %s: %w", rf.path, err)
	}
	f, err := os.OpenFile(rf.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopening %s after rollover: %w", rf.path, err)
	}
	rf.file = f
	rf.size = 0
	return nil
}

func (rf *rollingFile) Close() error {
	if err := rf.file.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", rf.path, err)
	}
	return nil
}
