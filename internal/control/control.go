// Package control implements the shared control-surface primitives of
// §4.H: the mutex-guarded pause flag, and the init/deinit sequencing
// that starts the audio-pipe and command-pipe threads under a suture
// supervisor (for real restart semantics) and tears them down in
// reverse of registration.
package control

import (
	"context"
	"fmt"
	"sync"

	"github.com/cliap2/cliap2/internal/supervisor"
)

// PauseFlag is a single boolean guarded by its own mutex, held only for
// the duration of a read/modify/write. true means the audio-pipe reader
// must not consume from the audio FIFO until it observes false again.
type PauseFlag struct {
	mu     sync.Mutex
	paused bool
}

// Set assigns the flag's value.
func (p *PauseFlag) Set(v bool) {
	p.mu.Lock()
	p.paused = v
	p.mu.Unlock()
}

// Get reads the flag's current value.
func (p *PauseFlag) Get() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Service is a suture-supervisable run loop, satisfied by both the
// audio-pipe and command-pipe readers (their Run already has this
// shape; each needs a Name for suture's restart/status reporting).
type Service = supervisor.Service

// Closer releases resources held past the run loop's own lifetime (the
// artwork fetcher's tmpfile, for instance).
type Closer interface {
	Close() error
}

// Surface owns the lifecycle of the audio-pipe and command-pipe
// threads: Init registers mass_aud then mass_cmd (audio first, so the
// first byte can be observed as soon as the command path is ready to
// react to it) on a dedicated suture.Supervisor, which restarts either
// on crash per its own failure-threshold/backoff policy instead of
// letting a panic or error end the thread for good; Deinit stops that
// supervisor and then closes any resources registered via
// RegisterCloser.
type Surface struct {
	Pause *PauseFlag

	mu      sync.Mutex
	closers []Closer
	sup     *supervisor.Supervisor
	cancel  context.CancelFunc
	done    chan error
}

// New returns a Surface with a fresh, cleared pause flag and its own
// supervisor for the audio/cmd readers.
func New() *Surface {
	return &Surface{
		Pause: &PauseFlag{},
		sup:   supervisor.New(supervisor.Config{Name: "control-surface"}),
	}
}

// RegisterCloser adds c to the set closed by Deinit, in the order
// registered.
func (s *Surface) RegisterCloser(c Closer) {
	s.mu.Lock()
	s.closers = append(s.closers, c)
	s.mu.Unlock()
}

// Init registers audio and cmd on Surface's supervisor and starts it
// under a context derived from ctx. Returns immediately; errors from
// either reader crossing the supervisor's failure threshold are
// available after Deinit via Err.
func (s *Surface) Init(ctx context.Context, audio, cmd Service) error {
	if err := s.sup.Add(audio); err != nil {
		return fmt.Errorf("control: registering audio reader: %w", err)
	}
	if err := s.sup.Add(cmd); err != nil {
		return fmt.Errorf("control: registering cmd reader: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan error, 1)
	go func() { s.done <- s.sup.Run(runCtx) }()
	return nil
}

// Deinit stops the supervisor, waits for it to finish tearing down
// audio and cmd, then closes registered resources in reverse
// registration order (cmd's closers, which own staged metadata and
// the artwork tmpfile, run before audio's).
func (s *Surface) Deinit() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}

	s.mu.Lock()
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()

	for i := len(closers) - 1; i >= 0; i-- {
		_ = closers[i].Close()
	}
}

// Err returns the last recorded error for the audio and cmd readers,
// as tracked by the supervisor's per-service status.
func (s *Surface) Err() (audioErr, cmdErr error) {
	for _, st := range s.sup.Status() {
		switch st.Name {
		case "audioreader":
			audioErr = st.LastError
		case "cmdreader":
			cmdErr = st.LastError
		}
	}
	return audioErr, cmdErr
}
