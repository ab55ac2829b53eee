// Package cmdreader implements §4.G, the command-pipe reader thread
// (mass_cmd): it owns the command FIFO, a bounded read buffer, the 1 s
// status timer, the staged metadata record, and every output-module
// call that must not originate from the audio thread.
package cmdreader

import (
	"bufio"
	"bytes"
	"context"
	"log/slog"
	"time"

	"github.com/cliap2/cliap2/internal/control"
	"github.com/cliap2/cliap2/internal/device"
	"github.com/cliap2/cliap2/internal/metadata"
	"github.com/cliap2/cliap2/internal/output"
	"github.com/cliap2/cliap2/internal/pipeio"
)

// maxBufLen is the hard cap on buffered, not-yet-newline-terminated
// command-pipe bytes; on overflow the buffer is drained and the
// overflow logged, matching PIPE_METADATA_BUFLEN_MAX.
const maxBufLen = 1 * 1024 * 1024

// pollInterval mirrors the readable-poll cadence used for the audio
// pipe; the command pipe carries far less traffic so the same cadence
// is more than sufficient.
const pollInterval = 20 * time.Millisecond

// statusInterval is the cadence of the periodic status timer.
const statusInterval = time.Second

// Reader owns the command FIFO and all calls into the output module
// that must originate from this thread rather than the audio thread.
type Reader struct {
	path string

	pause   *control.PauseFlag
	staged  *metadata.Staged
	artwork metadata.ArtworkFetcher
	mod     output.Module
	player  output.Player
	input   output.InputDriver
	device  *device.Info
	log     *slog.Logger

	buf *bytes.Buffer
}

// Config configures a Reader.
type Config struct {
	Path string

	Pause   *control.PauseFlag
	Staged  *metadata.Staged
	Artwork metadata.ArtworkFetcher
	Module  output.Module
	Player  output.Player
	// Input is the audio-pipe reader's InputDriver, used only for its
	// input-side Flush on STOP; may be nil if STOP's input flush is
	// not needed (e.g. in tests), in which case it is skipped.
	Input  output.InputDriver
	Device *device.Info
	Logger *slog.Logger
}

// New returns a Reader for the given configuration.
func New(cfg Config) *Reader {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Reader{
		path:    cfg.Path,
		pause:   cfg.Pause,
		staged:  cfg.Staged,
		artwork: cfg.Artwork,
		mod:     cfg.Module,
		player:  cfg.Player,
		input:   cfg.Input,
		device:  cfg.Device,
		log:     log,
		buf:     new(bytes.Buffer),
	}
}

// Name identifies this reader on a supervisor.Supervisor.
func (r *Reader) Name() string { return "cmdreader" }

// Run opens the command FIFO and services it and the 1 s status timer
// until ctx is cancelled.
func (r *Reader) Run(ctx context.Context) error {
	p, err := pipeio.Open(r.path)
	if err != nil {
		return err
	}
	defer p.Close()

	readTicker := time.NewTicker(pollInterval)
	defer readTicker.Stop()
	statusTicker := time.NewTicker(statusInterval)
	defer statusTicker.Stop()

	var wasPaused bool
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-readTicker.C:
			if err := r.pollOnce(p); err != nil {
				return err
			}
		case <-statusTicker.C:
			r.reportStatus(&wasPaused)
		}
	}
}

// pollOnce performs one non-blocking read attempt on the command FIFO,
// buffering bytes and dispatching any complete records.
func (r *Reader) pollOnce(p *pipeio.Pipe) error {
	chunk := make([]byte, 64*1024)
	n, err := p.File().Read(chunk)

	switch {
	case n == 0 && err == nil:
		if rerr := p.Reopen(); rerr != nil {
			return rerr
		}
		return nil
	case n == 0:
		return nil // EAGAIN or EOF-with-no-writer-yet; next tick retries
	}

	r.buf.Write(chunk[:n])

	if r.buf.Len() > maxBufLen {
		r.log.Warn("cmdreader: command buffer overflow, discarding", "bytes", r.buf.Len())
		r.buf.Reset()
		return nil
	}

	return r.dispatchComplete()
}

// dispatchComplete parses and dispatches every complete record
// currently in the buffer, leaving any trailing partial record for the
// next read.
func (r *Reader) dispatchComplete() error {
	data := r.buf.Bytes()
	lastNL := bytes.LastIndexByte(data, '\n')
	if lastNL < 0 {
		return nil
	}

	complete := make([]byte, lastNL+1)
	copy(complete, data[:lastNL+1])
	r.buf.Next(lastNL + 1)

	bits := metadata.ParseCycle(bufio.NewReader(bytes.NewReader(complete)), r.staged, r.artwork, r.log)
	r.dispatch(bits)
	return nil
}

// dispatch applies the dispatch table of §4.G to a parsed message
// bitmask. VOLUME is applied before PAUSE/PLAY/STOP, matching the
// enumeration order in §5's ordering guarantee.
func (r *Reader) dispatch(bits metadata.Bits) {
	status := r.player.Status()

	if bits&(metadata.BitMetadata|metadata.BitPicture) != 0 {
		r.staged.MarkNew()
	}
	if bits&metadata.BitVolume != 0 {
		vol := 0
		r.staged.WithLock(func(s *metadata.Staged) { vol = s.Volume })
		r.mod.VolumeSet(vol)
	}
	if bits&metadata.BitPin != 0 {
		var pin string
		r.staged.WithLock(func(s *metadata.Staged) { pin = s.Pin })
		r.device.SetPin(pin)
		if err := r.mod.SpeakerAuthorize(r.device.Name, pin); err != nil {
			r.log.Warn("cmdreader: speaker authorize failed", "error", err)
		}
	}
	if bits&metadata.BitFlush != 0 {
		r.mod.Flush()
	}
	if bits&metadata.BitPause != 0 {
		if status.Status == output.StatusPlaying {
			r.pause.Set(true)
			r.log.Info("Pause at", "pos_ms", status.PosMs)
		} else {
			r.log.Warn("cmdreader: PAUSE received but not playing", "status", status.Status)
		}
	}
	if bits&metadata.BitPlay != 0 {
		if status.Status != output.StatusPlaying {
			r.pause.Set(false)
			r.log.Info("Restarted at", "pos_ms", status.PosMs)
		} else {
			r.log.Warn("cmdreader: PLAY received but already playing", "status", status.Status)
		}
	}
	if bits&metadata.BitStop != 0 {
		if status.Status == output.StatusPlaying {
			r.pause.Set(true)
			if r.input != nil {
				if err := r.input.Flush(); err != nil {
					r.log.Warn("cmdreader: input flush failed", "error", err)
				}
			}
			r.log.Info("Stop at", "pos_ms", status.PosMs)
		} else {
			r.log.Warn("cmdreader: STOP received but not playing", "status", status.Status)
		}
	}
}

// reportStatus is the periodic 1 s timer: it logs the pause-edge and
// paused-elapsed messages Music Assistant looks for.
func (r *Reader) reportStatus(wasPaused *bool) {
	status := r.player.Status()

	switch {
	case status.Status == output.StatusPaused:
		if !*wasPaused {
			*wasPaused = true
			r.log.Info("Pause at", "pos_ms", status.PosMs)
		} else {
			r.log.Debug("paused", "pos_ms", status.PosMs)
		}
	case status.Status == output.StatusPlaying:
		*wasPaused = false
		r.log.Debug("status", "state", status.Status, "pos_ms", status.PosMs)
	default:
		*wasPaused = false
	}
}

// Close releases the artwork fetcher's tmpfile, satisfying
// control.Closer.
func (r *Reader) Close() error {
	if c, ok := r.artwork.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
