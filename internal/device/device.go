// Package device implements §4.I: the immutable DeviceInfo record and
// the pflag-based CLI gateway that constructs it.
package device

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/pflag"

	"github.com/cliap2/cliap2/internal/apperr"
	"github.com/cliap2/cliap2/internal/ntp"
)

// Info is DeviceInfo: set once at start-up and immutable thereafter,
// except for Pin, which the command-pipe reader may update on a PIN
// record during a pairing handshake.
type Info struct {
	Name     string
	Hostname string
	Address  string
	Port     int

	TXT map[string]string

	NTPStart ntp.Timestamp
	WaitMs   int64

	LatencyMs int64
	Volume    int
	AuthKey   string

	// StartTS is the derived wall-clock instant the first audio frame
	// must render: ntp_to_wall(NTPStart) + WaitMs.
	StartTS time.Time

	mu  sync.Mutex
	pin string
}

// Pin returns the current PIN under the mutex (may be updated at
// runtime by a pairing PIN record).
func (i *Info) Pin() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.pin
}

// SetPin assigns the PIN under the mutex.
func (i *Info) SetPin(pin string) {
	i.mu.Lock()
	i.pin = pin
	i.mu.Unlock()
}

// Flags holds the raw CLI option values pflag populates; Resolve turns
// them into an Info, applying defaults and deriving StartTS.
type Flags struct {
	LogLevel   int
	LogDomains string
	Config     string
	Name       string
	Hostname   string
	Address    string
	Port       int
	TXT        string
	Pipe       string
	NTP        bool
	NTPStart   string
	WaitMs     int64
	LatencyMs  int64
	Volume     int
	Version    bool
	TestRun    bool
	Check      bool
}

// RegisterFlags binds fs to the §6 CLI surface with its documented
// defaults.
func RegisterFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{}
	fs.IntVar(&f.LogLevel, "loglevel", 3, "log verbosity 0-5")
	fs.StringVar(&f.LogDomains, "logdomains", "", "comma-separated log domain filter")
	fs.StringVar(&f.Config, "config", "", "config file path")
	fs.StringVar(&f.Name, "name", "cliap2", "device name")
	fs.StringVar(&f.Hostname, "hostname", "", "receiver hostname/IP")
	fs.StringVar(&f.Address, "address", "0.0.0.0", "local bind address")
	fs.IntVar(&f.Port, "port", 7000, "receiver port")
	fs.StringVar(&f.TXT, "txt", "", "quoted key=value pairs")
	fs.StringVar(&f.Pipe, "pipe", "", "audio FIFO path")
	fs.BoolVar(&f.NTP, "ntp", false, "print current NTP instant and exit")
	fs.StringVar(&f.NTPStart, "ntpstart", "", "target NTP start instant")
	fs.Int64Var(&f.WaitMs, "wait", 0, "extra delay in milliseconds")
	fs.Int64Var(&f.LatencyMs, "latency", 0, "applied latency in milliseconds")
	fs.IntVar(&f.Volume, "volume", 75, "initial volume 0-100")
	fs.BoolVarP(&f.Version, "version", "v", false, "print version and exit")
	fs.BoolVar(&f.TestRun, "testrun", false, "CI smoke test")
	fs.BoolVar(&f.Check, "check", false, "print check status and exit")
	return f
}

// Resolve validates f and builds an Info, deriving StartTS from
// NTPStart and WaitMs. now is the clock to fall back on when NTPStart
// is unset; passed explicitly so callers (and tests) need not depend
// on wall-clock time.
func Resolve(f *Flags, now time.Time) (*Info, error) {
	if f.Hostname == "" {
		return nil, apperr.New("device.Resolve", apperr.KindInvalid, fmt.Errorf("--hostname is required"))
	}
	if f.Pipe == "" {
		return nil, apperr.New("device.Resolve", apperr.KindInvalid, fmt.Errorf("--pipe is required"))
	}
	if f.Volume < 0 || f.Volume > 100 {
		return nil, apperr.New("device.Resolve", apperr.KindInvalid, fmt.Errorf("--volume must be 0-100, got %d", f.Volume))
	}
	if f.WaitMs < 0 {
		return nil, apperr.New("device.Resolve", apperr.KindInvalid, fmt.Errorf("--wait must be non-negative, got %d", f.WaitMs))
	}

	txt, err := ParseTXT(f.TXT)
	if err != nil {
		return nil, apperr.New("device.Resolve", apperr.KindInvalid, err)
	}

	var start ntp.Timestamp
	if f.NTPStart == "" {
		start = ntp.FromWall(now)
	} else {
		v, err := strconv.ParseUint(f.NTPStart, 10, 64)
		if err != nil {
			return nil, apperr.New("device.Resolve", apperr.KindInvalid, fmt.Errorf("invalid --ntpstart %q: %w", f.NTPStart, err))
		}
		start = ntp.FromUint64(v)
	}

	sec, nsec := ntp.ToWall(start)
	startWall := time.Unix(sec, nsec).UTC().Add(time.Duration(f.WaitMs) * time.Millisecond)

	return &Info{
		Name:      f.Name,
		Hostname:  f.Hostname,
		Address:   f.Address,
		Port:      f.Port,
		TXT:       txt,
		NTPStart:  start,
		WaitMs:    f.WaitMs,
		LatencyMs: f.LatencyMs,
		Volume:    f.Volume,
		StartTS:   startWall,
	}, nil
}

// ParseTXT implements spec.md's resolved --txt grammar: the value is a
// sequence of double-quoted "KEY=VALUE" tokens separated by spaces,
// e.g. `"tp=UDP" "vn=65537"`. An empty string yields an empty, non-nil
// map. Any token that is not a quoted pair, or that contains more than
// one '=' inside the quotes, is a ConfigError.
func ParseTXT(raw string) (map[string]string, error) {
	out := make(map[string]string)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return out, nil
	}

	for len(raw) > 0 {
		if raw[0] != '"' {
			return nil, fmt.Errorf("txt: expected '\"' at %q", raw)
		}
		end := strings.IndexByte(raw[1:], '"')
		if end < 0 {
			return nil, fmt.Errorf("txt: unterminated quote in %q", raw)
		}
		pair := raw[1 : 1+end]
		raw = strings.TrimLeft(raw[1+end+1:], " ")

		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 || strings.Contains(parts[1], "=") {
			return nil, fmt.Errorf("txt: malformed key=value pair %q", pair)
		}
		if parts[0] == "" {
			return nil, fmt.Errorf("txt: empty key in pair %q", pair)
		}
		out[parts[0]] = parts[1]
	}

	return out, nil
}
