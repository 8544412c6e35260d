//go:build e2e

package testutil

import (
	"net"
	"os"
	"strings"
	"testing"
	"time"
)

// BrokerAddr returns the address of the test MQTT broker (host:port) from
// SDS_TEST_MQTT_ADDR, defaulting the port to 1883.
func BrokerAddr() string {
	addr := os.Getenv("SDS_TEST_MQTT_ADDR")
	if addr == "" {
		return ""
	}
	if !strings.Contains(addr, ":") {
		addr += ":1883"
	}
	return addr
}

// BrokerHostPort splits the broker address into host and numeric port.
func BrokerHostPort() (string, uint16) {
	addr := BrokerAddr()
	if addr == "" {
		return "", 0
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 1883
	}
	var port uint16 = 1883
	if p, err := net.LookupPort("tcp", portStr); err == nil {
		port = uint16(p)
	}
	return host, port
}

// SkipIfNoBroker skips the test when no reachable MQTT broker is
// configured.
func SkipIfNoBroker(t *testing.T) {
	t.Helper()

	addr := BrokerAddr()
	if addr == "" {
		t.Skip("SDS_TEST_MQTT_ADDR not set, skipping e2e test")
	}
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Skipf("MQTT broker at %s not reachable: %v", addr, err)
	}
	conn.Close()
}
