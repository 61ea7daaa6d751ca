package ice

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnumerateInterfacesRespectsFamilyFilter(t *testing.T) {
	v4Only := ServerConfig{UseIPv4: true, UseIPv6: false}
	ifaces, err := EnumerateInterfaces(v4Only)
	require.NoError(t, err)
	for _, iface := range ifaces {
		assert.Equal(t, IPv4, iface.Addr.Family())
	}
}

func TestEnumerateInterfacesNeitherFamilyYieldsNone(t *testing.T) {
	none := ServerConfig{UseIPv4: false, UseIPv6: false}
	ifaces, err := EnumerateInterfaces(none)
	require.NoError(t, err)
	assert.Empty(t, ifaces)
}

func TestEnumerateInterfacesPreferenceDescends(t *testing.T) {
	cfg := ServerConfig{UseIPv4: true, UseIPv6: true}
	ifaces, err := EnumerateInterfaces(cfg)
	require.NoError(t, err)
	for i := 1; i < len(ifaces); i++ {
		assert.LessOrEqual(t, ifaces[i].Preference, ifaces[i-1].Preference)
	}
}
