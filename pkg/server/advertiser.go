package server

import (
	"fmt"
	"sync"

	"github.com/enbility/zeroconf/v3"
)

// mDNS service parameters.
const (
	// ServiceType is the DNS-SD service type devices browse for.
	ServiceType = "_corelink._tcp"

	// Domain is the mDNS domain.
	Domain = "local."
)

// Advertiser announces the gateway on the local network via mDNS so
// devices on the same LAN can find it without a configured address.
type Advertiser struct {
	mu     sync.Mutex
	server *zeroconf.Server
}

// NewAdvertiser creates an idle advertiser.
func NewAdvertiser() *Advertiser {
	return &Advertiser{}
}

// Start registers the service. Any previous registration is replaced.
func (a *Advertiser) Start(instance string, port int, txt []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}

	server, err := zeroconf.Register(instance, ServiceType, Domain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("server: mdns register: %w", err)
	}
	a.server = server
	return nil
}

// Stop withdraws the registration. Safe to call when not advertising.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}
