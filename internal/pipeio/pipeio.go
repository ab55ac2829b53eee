// Package pipeio provides the FIFO open/stat/watch/close primitives the
// audio and command readers build on: open a named pipe non-blocking,
// verify it really is a FIFO, and re-arm a readable watch across EOF (a
// zero-length read on a FIFO means the last writer closed its end).
package pipeio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cliap2/cliap2/internal/apperr"
)

// Pipe owns one named pipe's file handle and the metadata needed to
// reopen it after EOF.
type Pipe struct {
	Path string

	file *os.File
}

// Open opens path read-only, non-blocking, verifying it is a FIFO.
//
// Returns an *apperr.Error with Kind NotFound if path does not exist,
// KindInvalid if it exists but is not a FIFO, KindIO for any other
// failure.
func Open(path string) (*Pipe, error) {
	const op = "pipeio.Open"

	fi, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, apperr.New(op, apperr.KindNotFound, err)
	}
	if err != nil {
		return nil, apperr.New(op, apperr.KindIO, err)
	}
	if fi.Mode()&os.ModeNamedPipe == 0 {
		return nil, apperr.New(op, apperr.KindInvalid, fmt.Errorf("%s exists but is not a FIFO", path))
	}

	f, err := os.OpenFile(path, os.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, apperr.New(op, apperr.KindIO, err)
	}

	return &Pipe{Path: path, file: f}, nil
}

// Ensure creates the FIFO at path with mode 0666 if it does not already
// exist, for --testrun only. An existing FIFO is left untouched; an
// existing non-FIFO is a fatal configuration error.
func Ensure(path string) error {
	const op = "pipeio.Ensure"

	fi, err := os.Stat(path)
	if err == nil {
		if fi.Mode()&os.ModeNamedPipe == 0 {
			return apperr.New(op, apperr.KindInvalid, fmt.Errorf("%s exists but is not a FIFO", path))
		}
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return apperr.New(op, apperr.KindIO, err)
	}

	if err := unix.Mkfifo(path, 0666); err != nil {
		return apperr.New(op, apperr.KindIO, err)
	}
	return nil
}

// Remove unlinks path, but only if it is currently a FIFO. Absent paths
// are not an error.
func Remove(path string) error {
	const op = "pipeio.Remove"

	fi, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return apperr.New(op, apperr.KindIO, err)
	}
	if fi.Mode()&os.ModeNamedPipe == 0 {
		return apperr.New(op, apperr.KindInvalid, fmt.Errorf("%s exists but is not a FIFO", path))
	}
	if err := os.Remove(path); err != nil {
		return apperr.New(op, apperr.KindIO, err)
	}
	return nil
}

// File returns the pipe's current file handle.
func (p *Pipe) File() *os.File { return p.file }

// Close closes the pipe's current handle.
func (p *Pipe) Close() error {
	if p.file == nil {
		return nil
	}
	err := p.file.Close()
	p.file = nil
	return err
}

// Reopen closes the current handle (if any) and opens path again,
// non-blocking. Used after an EOF read to re-arm the watch: an empty
// read from a FIFO means the last writer closed, and a fresh open is
// required before a future writer's bytes become visible.
func (p *Pipe) Reopen() error {
	_ = p.Close()

	f, err := os.OpenFile(p.Path, os.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return apperr.New("pipeio.Reopen", apperr.KindIO, err)
	}
	p.file = f
	return nil
}

// ReadableFunc is invoked once per poll tick of Watch.
// A true return requests the watch loop to continue; false requests it
// stop without error.
type ReadableFunc func(p *Pipe) (cont bool, err error)

// pollInterval is the cadence of the readiness poll used by Watch. The
// producers here are trusted named pipes rather than arbitrary sockets,
// so a short poll plays the role a libevent readable callback would.
const pollInterval = 20 * time.Millisecond

// Watch polls p every pollInterval and calls onReadable on each tick.
// Watch itself neither reads nor reopens the pipe: onReadable detects an
// EOF (empty read) and calls Reopen to re-arm the FIFO for the next
// writer. Watch blocks until ctx is cancelled or onReadable returns false or an
// error.
func Watch(ctx context.Context, p *Pipe, onReadable ReadableFunc) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cont, err := onReadable(p)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
	}
}
