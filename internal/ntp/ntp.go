// Package ntp converts between wall-clock time and the 64-bit NTP
// timestamp format used to synchronise AirPlay playback: the upper 32
// bits are seconds since 1900-01-01 UTC, the lower 32 bits are a binary
// fraction of a second.
package ntp

import (
	"errors"
	"time"

	"github.com/cliap2/cliap2/internal/apperr"
)

var errInvalidSampleRate = errors.New("sample rate must be positive")

// ntpEpochDelta is the number of seconds between the NTP epoch
// (1900-01-01) and the Unix epoch (1970-01-01).
const ntpEpochDelta = 2208988800

// fracScale is 2^32, the scale of the NTP fractional-second field.
const fracScale = 1 << 32

// Timestamp is a 64-bit NTP timestamp: Sec seconds since 1900-01-01 UTC,
// Frac a binary fraction of a second in [0, 2^32).
type Timestamp struct {
	Sec  uint32
	Frac uint32
}

// Uint64 packs the timestamp into the wire representation used by
// --ntpstart and --ntp: seconds in the high 32 bits, fraction in the low.
func (t Timestamp) Uint64() uint64 {
	return uint64(t.Sec)<<32 | uint64(t.Frac)
}

// FromUint64 unpacks a 64-bit NTP timestamp.
func FromUint64(v uint64) Timestamp {
	return Timestamp{Sec: uint32(v >> 32), Frac: uint32(v)}
}

// Clock abstracts the wall clock so NTP arithmetic can be tested without
// depending on real time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }

// Now returns the current instant as an NTP timestamp using clk.
// Callers needing the realtime clock directly should pass SystemClock{}.
func Now(clk Clock) Timestamp {
	return FromWall(clk.Now())
}

// FromWall converts a wall-clock time.Time into an NTP timestamp.
//
// time.Time guarantees its Nanosecond() is always in [0, 1e9), so this
// never has to carry a leftover fractional second into Sec itself.
func FromWall(t time.Time) Timestamp {
	sec := uint32(t.Unix() + ntpEpochDelta)
	frac := nsecToFrac(uint64(t.Nanosecond()))
	return Timestamp{Sec: sec, Frac: frac}
}

// ToWall converts an NTP timestamp to (seconds, nanoseconds) since the
// Unix epoch, matching §4.A: seconds = ntp.sec - 2208988800.
func ToWall(t Timestamp) (sec int64, nsec int64) {
	sec = int64(t.Sec) - ntpEpochDelta
	nsec = int64(fracToNsec(t.Frac))
	return sec, nsec
}

// ToTime converts an NTP timestamp to a time.Time in UTC.
func ToTime(t Timestamp) time.Time {
	sec, nsec := ToWall(t)
	return time.Unix(sec, nsec).UTC()
}

// nsecToFrac maps a nanosecond count in [0, 1e9) onto the NTP fractional
// field, frac = nsec * 2^32 / 1e9, using a 64-bit intermediate (nsec is
// always small enough that nsec<<32 does not overflow uint64).
func nsecToFrac(nsec uint64) uint32 {
	return uint32((nsec * fracScale) / 1_000_000_000)
}

// fracToNsec is the inverse of nsecToFrac, rounded to the nearest
// nanosecond (capped below 1e9) so that a FromWall/ToWall round trip
// returns the original nanosecond count.
func fracToNsec(frac uint32) uint64 {
	nsec := (uint64(frac)*1_000_000_000 + fracScale/2) / fracScale
	if nsec > 999_999_999 {
		nsec = 999_999_999
	}
	return nsec
}

// Add returns t advanced by d, d may be negative.
func Add(t Timestamp, d time.Duration) Timestamp {
	return FromWall(ToTime(t).Add(d))
}

// MsToDuration converts a millisecond count into a time.Duration, for
// combining with Add when deriving DeviceInfo.StartTS from ntp_start and
// wait_ms.
func MsToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// SamplesToDuration converts a sample count at the given sample rate into
// a time.Duration, used by the output module to reason about chunk
// duration without floating point.
func SamplesToDuration(samples int64, sampleRate int) (time.Duration, error) {
	if sampleRate <= 0 {
		return 0, apperr.New("ntp.SamplesToDuration", apperr.KindInvalid, errInvalidSampleRate)
	}
	return time.Duration(samples) * time.Second / time.Duration(sampleRate), nil
}
