// Package audioreader implements §4.F, the audio-pipe reader thread
// (mass_aud): it owns the audio FIFO and, on every pull from the output
// module, honours the pause flag, reads up to one chunk, and derives
// the METADATA/SYNC/EOF/ERROR flags for that chunk.
package audioreader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/cliap2/cliap2/internal/apperr"
	"github.com/cliap2/cliap2/internal/control"
	"github.com/cliap2/cliap2/internal/metadata"
	"github.com/cliap2/cliap2/internal/output"
	"github.com/cliap2/cliap2/internal/pipeio"
	"github.com/cliap2/cliap2/internal/queue"
)

// maxChunk is PIPE_READ_MAX: the largest single read from the audio
// FIFO per pull.
const maxChunk = 64 * 1024

// Reader owns the audio FIFO and implements output.InputDriver: the
// capability set the player drives to pull chunks.
type Reader struct {
	path          string
	sampleRate    int
	bitsPerSample int
	startTS       uint64

	pause  *control.PauseFlag
	staged *metadata.Staged
	q      *queue.Queue
	mod    output.Module
	log    *slog.Logger

	// player answers status queries for the "on readable" handler's
	// already-playing check. It is constructed from this Reader (as the
	// output.InputDriver the player drives) and so cannot be supplied at
	// New time; callers wire it with SetPlayer once it exists. A nil
	// player (e.g. in tests) just skips the already-playing check.
	player output.Player

	pipe *pipeio.Pipe

	readCount atomic.Int64
	itemID    atomic.Int64

	mu sync.Mutex
}

// Config configures a Reader.
type Config struct {
	Path          string
	SampleRate    int
	BitsPerSample int
	StartTS       uint64

	Pause  *control.PauseFlag
	Staged *metadata.Staged
	Queue  *queue.Queue
	Module output.Module
	Logger *slog.Logger
}

// New returns a Reader for the given configuration.
func New(cfg Config) *Reader {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Reader{
		path:          cfg.Path,
		sampleRate:    cfg.SampleRate,
		bitsPerSample: cfg.BitsPerSample,
		startTS:       cfg.StartTS,
		pause:         cfg.Pause,
		staged:        cfg.Staged,
		q:             cfg.Queue,
		mod:           cfg.Module,
		log:           log,
	}
}

// SetPlayer wires the output.Player built from this Reader back onto
// it, so the "on readable" handler can check "already PLAYING our
// item" before re-issuing stop/start_by_id. Must be called (if at all)
// before Run starts.
func (r *Reader) SetPlayer(p output.Player) {
	r.mu.Lock()
	r.player = p
	r.mu.Unlock()
}

// Name identifies this reader on a supervisor.Supervisor.
func (r *Reader) Name() string { return "audioreader" }

// Run opens the audio FIFO and watches it via pipeio.Watch until ctx is
// cancelled, pumping one chunk per readable tick through Play. A track
// ending in EOF re-arms the pipe for the next writer rather than
// stopping this reader: only ctx cancellation or an unrecoverable pipe
// error ends Run.
func (r *Reader) Run(ctx context.Context) error {
	p, err := pipeio.Open(r.path)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.pipe = p
	r.mu.Unlock()
	defer p.Close()

	err = pipeio.Watch(ctx, p, func(pp *pipeio.Pipe) (bool, error) {
		return r.pump(ctx, pp)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// pump is pipeio.Watch's per-tick callback: it drives one Play pull and
// hands any produced chunk to the output module, matching the "on each
// pull" contract of §4.F.
func (r *Reader) pump(ctx context.Context, p *pipeio.Pipe) (bool, error) {
	buf, q, flags, err := r.Play(ctx)
	if err != nil {
		return false, err
	}
	if buf == nil {
		return true, nil // paused, or nothing to read yet
	}
	if werr := r.mod.Write(buf, q, flags); werr != nil {
		return false, apperr.New("audioreader.Run", apperr.KindIO, werr)
	}
	return true, nil
}

// onFirstByte implements the "On readable" handler of §4.F: remember
// the queue-item id for the track that just started producing bytes
// and, unless the player already reports PLAYING on it, stop() then
// start_by_id() the output module. Called exactly once per track (on
// the transition into its first byte), which is the readable-event
// instant spec.md describes; every later readable tick for the same
// track is a no-op by construction rather than by re-checking status.
func (r *Reader) onFirstByte() error {
	id, _ := r.q.AddFromQuery(-1, r.path, r.sampleRate, r.bitsPerSample)
	r.itemID.Store(id)

	r.mu.Lock()
	player := r.player
	r.mu.Unlock()

	if player != nil {
		if st := player.Status(); st.Status == output.StatusPlaying && st.ID == id {
			return nil
		}
	}

	r.mod.Stop()
	return r.mod.StartByID(id)
}

// Setup satisfies output.InputDriver; this build has no separate setup
// step beyond what Run already performs on first use.
func (r *Reader) Setup(ctx context.Context) error { return nil }

// Stop satisfies output.InputDriver.
func (r *Reader) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pipe != nil {
		return r.pipe.Close()
	}
	return nil
}

// MetadataGet satisfies output.InputDriver: hands the caller the
// currently staged metadata fields, taking ownership per §3's
// take_metadata contract.
func (r *Reader) MetadataGet() (output.Metadata, bool) {
	s := r.staged.Take()
	if s.Title == "" && s.Artist == "" && s.Album == "" && s.ArtworkURL == "" && s.SongLengthMs == 0 {
		return output.Metadata{}, false
	}
	return output.Metadata{
		Title:        s.Title,
		Artist:       s.Artist,
		Album:        s.Album,
		ArtworkURL:   s.ArtworkURL,
		SongLengthMs: s.SongLengthMs,
	}, true
}

// TSGet satisfies output.InputDriver: returns device.start_ts.
func (r *Reader) TSGet() uint64 { return r.startTS }

// Flush satisfies output.InputDriver: discards any buffered,
// not-yet-read audio input by reopening the FIFO and resetting the
// per-track read count, so the next byte re-arms onFirstByte as a
// fresh track. Losing whatever was buffered on the input side is
// expected on a STOP, matching the original's input_flush.
func (r *Reader) Flush() error {
	r.mu.Lock()
	pipe := r.pipe
	r.mu.Unlock()
	if pipe == nil {
		return nil
	}
	r.readCount.Store(0)
	return pipe.Reopen()
}

// Play is the per-iteration upcall the player drives: it is the Go
// analogue of the original's play(). A nil buffer with a nil error
// means "nothing to do this tick" (paused, or EAGAIN); callers should
// simply try again on the next tick.
func (r *Reader) Play(ctx context.Context) ([]byte, output.Quality, output.WriteFlags, error) {
	q := output.Quality{SampleRate: r.sampleRate, BitsPerSample: r.bitsPerSample, Channels: queue.DefaultChannels}

	if r.pause.Get() {
		return nil, q, 0, nil
	}

	r.mu.Lock()
	pipe := r.pipe
	r.mu.Unlock()
	if pipe == nil {
		return nil, q, 0, fmt.Errorf("audioreader: pipe not open")
	}

	buf := make([]byte, maxChunk)
	n, err := pipe.File().Read(buf)

	switch {
	case n == 0 && err == nil:
		return nil, q, 0, nil
	case n == 0 && isEAGAIN(err):
		return nil, q, 0, nil
	case n == 0 && errors.Is(err, io.EOF):
		if r.readCount.Load() > 0 {
			// is_autostarted: a writer had sent bytes this track and has
			// now closed. Emit EOF, stop the item, and reset so the next
			// writer's first byte re-arms onFirstByte for a new item
			// instead of ending this reader permanently.
			_ = r.mod.Write(nil, q, output.FlagEOF)
			r.mod.Stop()
			r.readCount.Store(0)
		}
		// Reopen so the next writer's bytes become visible; this covers
		// both "no writer has connected yet" and "the last writer just
		// closed" — either way a fresh open is required before further
		// reads can see new data.
		_ = pipe.Reopen()
		return nil, q, 0, nil
	case err != nil && !isEAGAIN(err):
		_ = r.mod.Write(nil, q, output.FlagError)
		return nil, q, 0, apperr.New("audioreader.Play", apperr.KindIO, err)
	}

	first := r.readCount.Add(1) == 1
	if first {
		if err := r.onFirstByte(); err != nil {
			return nil, q, 0, apperr.New("audioreader.Play", apperr.KindIO, err)
		}
	}

	flags := output.WriteFlags(0)
	if r.staged.TakeIsNew() {
		flags |= output.FlagMetadata
	}
	if first && r.startTS != 0 {
		flags |= output.FlagSync
	}

	return buf[:n], q, flags, nil
}

// isEAGAIN reports whether err is the non-blocking "no data ready yet"
// error a FIFO read returns when opened O_NONBLOCK.
func isEAGAIN(err error) bool {
	return errors.Is(err, syscall.EAGAIN)
}
