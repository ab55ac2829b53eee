// Package output declares the external collaborator contracts this core
// depends on but does not implement: the AirPlay 2 output module, the
// player thread that drives it, and the input-driver capability set our
// own audio-pipe reader exposes to that player. None of the types here
// carry a concrete AirPlay implementation — §1 places the protocol
// stack explicitly out of scope.
package output

import "context"

// WriteFlags tags an outbound audio chunk.
type WriteFlags uint8

const (
	// FlagMetadata marks a chunk as the first to follow a staged
	// metadata update that has not yet been observed downstream.
	FlagMetadata WriteFlags = 1 << iota
	// FlagSync marks the single chunk that must render at exactly
	// DeviceInfo.StartTS.
	FlagSync
	// FlagEOF signals the source pipe's writer closed with nothing more
	// to read.
	FlagEOF
	// FlagError signals an unrecoverable read error on the source pipe.
	FlagError
)

// Quality describes the PCM format of a chunk.
type Quality struct {
	SampleRate    int
	BitsPerSample int
	Channels      int
}

// Module is the AirPlay 2 output module collaborator.
type Module interface {
	StartByID(id int64) error
	Stop()
	Flush()
	VolumeSet(volume int)
	SpeakerAuthorize(speakerID, pin string) error
	Write(buf []byte, q Quality, flags WriteFlags) error
}

// PlayStatus is the player's reported transport state.
type PlayStatus int

const (
	StatusStopped PlayStatus = iota
	StatusPaused
	StatusPlaying
)

func (s PlayStatus) String() string {
	switch s {
	case StatusPaused:
		return "PAUSED"
	case StatusPlaying:
		return "PLAYING"
	default:
		return "STOPPED"
	}
}

// PlayerState is a snapshot of the player's status.
type PlayerState struct {
	Status PlayStatus
	Volume int
	PosMs  int64
	ID     int64
}

// Player is the collaborator that drives Module and answers status
// queries. Our core calls it but does not own its lifetime.
type Player interface {
	Status() PlayerState
	StartByID(id int64) error
	Stop()
	PlaybackFlush()
}

// Metadata is what MetadataGet hands back to the player on request: the
// staged fields taken under the metadata mutex.
type Metadata struct {
	Title        string
	Artist       string
	Album        string
	ArtworkURL   string
	SongLengthMs int64
}

// InputDriver is the capability set our audio-pipe reader exposes,
// mirroring the function-pointer table the original source dispatches
// the input module through: setup, play, stop, metadata_get, ts_get.
type InputDriver interface {
	Setup(ctx context.Context) error
	Play(ctx context.Context) ([]byte, Quality, WriteFlags, error)
	Stop() error
	MetadataGet() (Metadata, bool)
	// TSGet returns device.start_ts as a 64-bit NTP instant.
	TSGet() uint64
	// Flush discards any buffered, not-yet-played input, distinct from
	// Module.Flush's output-side flush. Data loss on the input buffer
	// is expected and accepted.
	Flush() error
}
