package config

import (
	_ "embed"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// Defaults for operational configuration.
// These can be overridden by placing a non-empty value in the corresponding .text file.
const (
	DefaultOTAPort       = 80
	DefaultMetadataSite  = "ota.imatrixsys.com"
	DefaultImageType     = "master"
	DefaultCheckInterval = 6 * time.Hour
)

// Environment-specific configuration (must be provided via embedded text files).
var (
	//go:embed broker.text
	brokerAddr string

	//go:embed clientid.text
	clientID string
)

// Optional overrides for defaults (empty file = use default).
var (
	//go:embed ota_site.text
	otaSiteOverride string

	//go:embed ota_port.text
	otaPortOverride string

	//go:embed metadata_site.text
	metadataSiteOverride string

	//go:embed image_type.text
	imageTypeOverride string

	//go:embed check_interval.text
	checkIntervalOverride string
)

// BrokerAddr returns the MQTT broker address from broker.text file.
// Format: "host:port" e.g., "192.168.1.100:1883"
func BrokerAddr() (netip.AddrPort, error) {
	addr := strings.TrimSpace(brokerAddr)
	return netip.ParseAddrPort(addr)
}

// ClientID returns the MQTT client ID from clientid.text file.
func ClientID() string {
	return strings.TrimSpace(clientID)
}

// OTASite returns the default image host for console downloads, empty when
// ota_site.text is not set.
func OTASite() string {
	return strings.TrimSpace(otaSiteOverride)
}

// OTAPort returns the image server port from ota_port.text, else DefaultOTAPort.
func OTAPort() uint16 {
	return parsePort(otaPortOverride, DefaultOTAPort)
}

// MetadataSite returns the discovery host, "host" or "host:port".
func MetadataSite() string {
	if override := strings.TrimSpace(metadataSiteOverride); override != "" {
		return override
	}
	return DefaultMetadataSite
}

// ImageType returns the image type name discovery checks for.
func ImageType() string {
	if override := strings.TrimSpace(imageTypeOverride); override != "" {
		return override
	}
	return DefaultImageType
}

// CheckInterval returns how often discovery runs unattended.
// Zero disables periodic checks.
func CheckInterval() time.Duration {
	if override := strings.TrimSpace(checkIntervalOverride); override != "" {
		if d, err := time.ParseDuration(override); err == nil && d >= 0 {
			return d
		}
	}
	return DefaultCheckInterval
}

func parsePort(s string, def uint16) uint16 {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	p, err := strconv.ParseUint(s, 10, 16)
	if err != nil || p == 0 {
		return def
	}
	return uint16(p)
}

// Summary renders the effective configuration for the console.
func Summary() string {
	broker := strings.TrimSpace(brokerAddr)
	if broker == "" {
		broker = "(none)"
	}
	return fmt.Sprintf("client=%s broker=%s ota=%s:%d metadata=%s type=%s interval=%s",
		ClientID(), broker, OTASite(), OTAPort(), MetadataSite(), ImageType(), CheckInterval())
}
