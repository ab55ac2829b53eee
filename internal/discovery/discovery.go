// Package discovery advertises this receiver over mDNS/DNS-SD so AirPlay
// senders can find it without the operator typing in a hostname and port.
// The protocol itself is out of scope (§6 treats mDNS discovery as an
// external collaborator); this package only owns the announcement, built
// from the resolved device.Info the rest of the gateway already produced.
package discovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/brutella/dnssd"

	"github.com/cliap2/cliap2/internal/device"
)

// ServiceType is the AirPlay 2 audio-receiver DNS-SD service type.
// AirPlay senders browse for this alongside the legacy _raop._tcp type;
// cliap2 advertises both under the same port so older senders still find
// it.
const (
	ServiceTypeAirPlay = "_airplay._tcp"
	ServiceTypeRAOP    = "_raop._tcp"
)

// Advertiser announces a device.Info over mDNS/DNS-SD until its Run
// context is cancelled. It satisfies internal/supervisor.Service so it
// can be registered on the daemon's supervisor next to the health server.
type Advertiser struct {
	info *device.Info
	log  *slog.Logger
}

// New returns an Advertiser for info. log defaults to slog.Default() when
// nil.
func New(info *device.Info, log *slog.Logger) *Advertiser {
	if log == nil {
		log = slog.Default()
	}
	return &Advertiser{info: info, log: log}
}

// Name satisfies internal/supervisor.Service.
func (a *Advertiser) Name() string { return "discovery" }

// Run registers both service records with a dnssd.Responder and blocks
// responding to mDNS queries until ctx is cancelled.
func (a *Advertiser) Run(ctx context.Context) error {
	rp, err := dnssd.NewResponder()
	if err != nil {
		return fmt.Errorf("discovery: new responder: %w", err)
	}

	for _, svcType := range []string{ServiceTypeRAOP, ServiceTypeAirPlay} {
		cfg := dnssd.Config{ //nolint:exhaustruct
			Name: a.info.Name,
			Type: svcType,
			Port: a.info.Port,
			Text: a.txtRecord(),
		}

		sv, err := dnssd.NewService(cfg)
		if err != nil {
			return fmt.Errorf("discovery: new service %s: %w", svcType, err)
		}

		if _, err := rp.Add(sv); err != nil {
			return fmt.Errorf("discovery: add service %s: %w", svcType, err)
		}

		a.log.Info("discovery: advertising", "type", svcType, "name", a.info.Name, "port", a.info.Port)
	}

	return rp.Respond(ctx)
}

// txtRecord builds the TXT record map from the device's TXT entries,
// adding pw=true when a pin is set (the pin itself is not published),
// matching what original_source's cliap2.c passes to
// its own registration call.
func (a *Advertiser) txtRecord() map[string]string {
	out := make(map[string]string, len(a.info.TXT)+1)
	for k, v := range a.info.TXT {
		out[k] = v
	}
	if pin := a.info.Pin(); pin != "" {
		out["pw"] = "true"
	}
	return out
}
