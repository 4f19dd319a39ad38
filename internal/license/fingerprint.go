package license

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
)

// DefaultDeviceID derives a stable identifier for the current device from its
// hardware-up network interfaces and hostname. It is used when the caller of
// Activate does not bring its own device identity.
//
// Stability, not secrecy, is the goal: the same machine should produce the
// same identifier across restarts so re-entry of an already-bound code on the
// bound device can be treated as success.
func DefaultDeviceID() (string, error) {
	macs, err := physicalMACs()
	if err != nil {
		return "", err
	}
	if len(macs) == 0 {
		return "", fmt.Errorf("no physical network interface found")
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown-host"
	}

	// Sorted so interface enumeration order cannot change the identity.
	sort.Strings(macs)
	payload := strings.Join(macs, ",") + "|" + hostname

	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:16]), nil
}

// physicalMACs collects MAC addresses of non-loopback, non-virtual
// interfaces.
func physicalMACs() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("enumerate network interfaces: %w", err)
	}

	var macs []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		name := strings.ToLower(iface.Name)
		if strings.HasPrefix(name, "veth") || strings.HasPrefix(name, "docker") ||
			strings.HasPrefix(name, "br-") || strings.HasPrefix(name, "vmnet") {
			continue
		}
		macs = append(macs, iface.HardwareAddr.String())
	}
	return macs, nil
}
