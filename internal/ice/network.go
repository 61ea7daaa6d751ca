package ice

import (
	"net"

	"github.com/lanikai/iceagent/internal/logging"
	"github.com/pkg/errors"
)

var netLog = logging.DefaultLogger.WithTag("ice.network")

// LocalInterface is one candidate-worthy local address discovered by
// EnumerateInterfaces.
type LocalInterface struct {
	Name string
	Addr NetworkAddress
	// Preference is a small integer used as the interface priority
	// component of the candidate-priority formula (§3); higher-indexed,
	// less-preferred interfaces get a lower value.
	Preference uint32
}

// EnumerateInterfaces lists host addresses eligible for Host candidate
// gathering: real, up interfaces, excluding loopback, link-local, and
// all-zero addresses (§4.4), filtered by family per cfg.UseIPv4/UseIPv6.
func EnumerateInterfaces(cfg ServerConfig) ([]LocalInterface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, errors.Wrap(err, "enumerate network interfaces")
	}

	var out []LocalInterface
	pref := uint32(255)
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			netLog.Warn("skipping interface %s: %v", iface.Name, err)
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipnet.IP
			if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
				continue
			}
			isV4 := ip.To4() != nil
			if isV4 && !cfg.UseIPv4 {
				continue
			}
			if !isV4 && !cfg.UseIPv6 {
				continue
			}
			out = append(out, LocalInterface{
				Name:       iface.Name,
				Addr:       NewNetworkAddress(ip, 0, false),
				Preference: pref,
			})
			if pref > 1 {
				pref--
			}
		}
	}
	return out, nil
}

// BestSourceInterface reproduces the original library's "connect a UDP
// socket to a remote target, without sending any packet, and read back
// the kernel-chosen local address" trick for selecting a default
// candidate source interface (§4.4/§12). targetIP is never sent to; it
// only influences kernel routing-table selection.
func BestSourceInterface(targetIP string) (net.IP, error) {
	conn, err := net.Dial("udp", net.JoinHostPort(targetIP, "9"))
	if err != nil {
		return nil, errors.Wrapf(err, "probe route to %s", targetIP)
	}
	defer conn.Close()

	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, errors.New("unexpected local address type")
	}
	return local.IP, nil
}
