// Package recorder captures media into the managed media directory through
// an explicit state machine. A session moves Idle -> Recording -> Stopped and
// never goes back; Abort may be called from any state.
package recorder

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/haukened/chronosafe/internal/domain"
	"github.com/haukened/chronosafe/internal/store/filesystem"
)

// Errors returned by a Recorder.
var (
	ErrInvalidTransition = errors.New("invalid recorder transition")
	ErrTooLarge          = errors.New("media exceeds size limit")
	ErrContentMismatch   = errors.New("content does not match media kind")
	ErrSessionNotFound   = errors.New("recording session not found")
)

// sniffLen is how many leading bytes are inspected to detect the content type.
const sniffLen = 512

// State is the lifecycle position of a Recorder.
type State int

// Recorder states.
const (
	Idle State = iota
	Recording
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Media creates pending files in the media directory.
type Media interface {
	Create(kind domain.MediaKind) (*filesystem.Pending, error)
}

// Config tunes a Recorder. MaxBytes <= 0 means unlimited.
type Config struct {
	MaxBytes int64
	Now      func() time.Time
	// Hold is how long a Registry keeps a finished upload out of media
	// reclaim while no capsule references it. 0 disables the hold.
	Hold time.Duration
}

// Result describes a finished recording.
type Result struct {
	Ref     string
	Bytes   int64
	Elapsed time.Duration
}

// Recorder writes one media file. It is safe for concurrent use but writes
// are serialized.
type Recorder struct {
	media Media
	cfg   Config

	mu      sync.Mutex
	state   State
	kind    domain.MediaKind
	pending *filesystem.Pending
	head    []byte
	sniffed bool
	n       int64
	started time.Time
	stopped time.Time
}

// New returns an idle Recorder.
func New(media Media, cfg Config) *Recorder {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Recorder{media: media, cfg: cfg}
}

// State returns the current state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// ref returns the final name of the file being recorded, or "" when no file
// is open.
func (r *Recorder) ref() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		return ""
	}
	return r.pending.Ref
}

// Start opens a partial file for kind. Only valid while Idle.
func (r *Recorder) Start(kind domain.MediaKind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Idle {
		return fmt.Errorf("%w: start while %s", ErrInvalidTransition, r.state)
	}
	if !kind.HasFile() {
		return fmt.Errorf("%w: media kind %q cannot be recorded", domain.ErrValidation, kind)
	}
	p, err := r.media.Create(kind)
	if err != nil {
		return err
	}
	r.kind = kind
	r.pending = p
	r.state = Recording
	r.started = r.cfg.Now()
	return nil
}

// Write appends p. Exceeding the size limit or writing content of the wrong
// type aborts the session.
func (r *Recorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Recording {
		return 0, fmt.Errorf("%w: write while %s", ErrInvalidTransition, r.state)
	}
	if r.cfg.MaxBytes > 0 && r.n+int64(len(p)) > r.cfg.MaxBytes {
		_ = r.abortLocked()
		return 0, fmt.Errorf("%w: limit %d bytes", ErrTooLarge, r.cfg.MaxBytes)
	}
	if !r.sniffed {
		r.head = append(r.head, p[:min(len(p), sniffLen-len(r.head))]...)
		if len(r.head) >= sniffLen {
			if err := r.checkLocked(); err != nil {
				return 0, err
			}
		}
	}
	n, err := r.pending.Write(p)
	r.n += int64(n)
	if err != nil {
		_ = r.abortLocked()
		return n, err
	}
	return n, nil
}

// ReadFrom copies src into the recording until EOF.
func (r *Recorder) ReadFrom(src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := r.Write(buf[:n])
			total += int64(w)
			if werr != nil {
				return total, werr
			}
		}
		if errors.Is(rerr, io.EOF) {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}

// Stop finalizes the file under its permanent name. Only valid while Recording.
func (r *Recorder) Stop() (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Recording {
		return Result{}, fmt.Errorf("%w: stop while %s", ErrInvalidTransition, r.state)
	}
	if !r.sniffed {
		if err := r.checkLocked(); err != nil {
			return Result{}, err
		}
	}
	p := r.pending
	r.pending = nil
	r.state = Stopped
	r.stopped = r.cfg.Now()
	if err := p.Commit(); err != nil {
		return Result{}, err
	}
	return Result{Ref: p.Ref, Bytes: r.n, Elapsed: r.stopped.Sub(r.started)}, nil
}

// Abort discards any partial file. The recorder ends Stopped.
func (r *Recorder) Abort() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.abortLocked()
}

// Elapsed reports the time since Start, frozen once stopped.
func (r *Recorder) Elapsed() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.started.IsZero():
		return 0
	case r.state == Stopped:
		return r.stopped.Sub(r.started)
	}
	return r.cfg.Now().Sub(r.started)
}

func (r *Recorder) abortLocked() error {
	var err error
	if r.pending != nil {
		err = r.pending.Discard()
		r.pending = nil
	}
	if r.state != Stopped {
		r.stopped = r.cfg.Now()
	}
	r.state = Stopped
	return err
}

func (r *Recorder) checkLocked() error {
	r.sniffed = true
	if len(r.head) == 0 {
		_ = r.abortLocked()
		return fmt.Errorf("%w: empty recording", ErrContentMismatch)
	}
	mt := mimetype.Detect(r.head)
	r.head = nil
	if !matches(r.kind, mt) {
		_ = r.abortLocked()
		return fmt.Errorf("%w: %s is not %s", ErrContentMismatch, mt.String(), r.kind)
	}
	return nil
}

var kindPrefix = map[domain.MediaKind]string{
	domain.MediaImage: "image/",
	domain.MediaVideo: "video/",
	domain.MediaAudio: "audio/",
}

func matches(kind domain.MediaKind, mt *mimetype.MIME) bool {
	prefix := kindPrefix[kind]
	for m := mt; m != nil; m = m.Parent() {
		if strings.HasPrefix(m.String(), prefix) {
			return true
		}
		// m4a voice notes share the mp4 container.
		if kind == domain.MediaAudio && m.Is("video/mp4") {
			return true
		}
	}
	return false
}
