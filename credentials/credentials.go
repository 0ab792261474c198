package credentials

import (
	_ "embed"
	"strings"
)

var (
	//go:embed ssid.text
	ssid string
	//go:embed password.text
	pass string
	//go:embed console_password.text
	consolePass string
)

// SSID returns the WiFi network name from ssid.text.
//
// Deprecated: Marked as deprecated so IDE warns users against its use. Your wifi password should be defined outside of this repo for security reasons!
func SSID() string {
	return strings.TrimSpace(ssid)
}

// Password returns the WiFi passphrase from password.text.
//
// Deprecated: Marked as deprecated so IDE warns users against its use. Your wifi password should be defined outside of this repo for security reasons!
func Password() string {
	return strings.TrimSpace(pass)
}

// ConsolePassword returns the debug console password from console_password.text.
// An empty password disables the console.
//
// Deprecated: Marked as deprecated so IDE warns users against its use. Your console password should be defined outside of this repo for security reasons!
func ConsolePassword() string {
	return strings.TrimSpace(consolePass)
}
