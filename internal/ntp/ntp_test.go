package ntp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromWallToWallRoundTrip(t *testing.T) {
	cases := []time.Time{
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2000, 6, 15, 12, 30, 45, 123456789, time.UTC),
		time.Unix(0, 0).UTC(),
	}

	for _, want := range cases {
		ts := FromWall(want)
		sec, nsec := ToWall(ts)
		got := time.Unix(sec, nsec).UTC()

		diff := got.Sub(want)
		if diff < 0 {
			diff = -diff
		}
		assert.Less(t, diff, time.Nanosecond, "round trip drifted for %v", want)
	}
}

func TestUint64PackUnpack(t *testing.T) {
	ts := Timestamp{Sec: 0x83aa7e80, Frac: 0x12345678}
	got := FromUint64(ts.Uint64())
	assert.Equal(t, ts, got)
}

func TestToWallEpochDelta(t *testing.T) {
	ts := Timestamp{Sec: 2208988800, Frac: 0}
	sec, nsec := ToWall(ts)
	assert.Equal(t, int64(0), sec)
	assert.Equal(t, int64(0), nsec)
}

func TestSamplesToDurationRejectsNonPositiveRate(t *testing.T) {
	_, err := SamplesToDuration(100, 0)
	require.Error(t, err)
}

func TestSamplesToDuration96kHz(t *testing.T) {
	d, err := SamplesToDuration(96000, 96000)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)
}

func TestAddAdvancesByDuration(t *testing.T) {
	base := FromWall(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	advanced := Add(base, 250*time.Millisecond)

	baseSec, baseNsec := ToWall(base)
	advSec, advNsec := ToWall(advanced)

	baseTime := time.Unix(baseSec, baseNsec)
	advTime := time.Unix(advSec, advNsec)

	assert.InDelta(t, 250*time.Millisecond, advTime.Sub(baseTime), float64(time.Microsecond))
}
