package config

import (
	"testing"
	"time"
)

func TestParsePort(t *testing.T) {
	tests := []struct {
		in   string
		want uint16
	}{
		{"", 80},
		{" 8080\n", 8080},
		{"0", 80},
		{"70000", 80},
		{"http", 80},
	}
	for _, tt := range tests {
		if got := parsePort(tt.in, 80); got != tt.want {
			t.Errorf("parsePort(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestDefaults(t *testing.T) {
	// The checked-in override files are empty.
	if got := MetadataSite(); got != DefaultMetadataSite {
		t.Errorf("MetadataSite() = %q, want %q", got, DefaultMetadataSite)
	}
	if got := ImageType(); got != DefaultImageType {
		t.Errorf("ImageType() = %q, want %q", got, DefaultImageType)
	}
	if got := CheckInterval(); got != DefaultCheckInterval {
		t.Errorf("CheckInterval() = %v, want %v", got, DefaultCheckInterval)
	}
	if got := OTAPort(); got != DefaultOTAPort {
		t.Errorf("OTAPort() = %d, want %d", got, DefaultOTAPort)
	}
}

func TestCheckIntervalOverride(t *testing.T) {
	defer func(s string) { checkIntervalOverride = s }(checkIntervalOverride)
	checkIntervalOverride = "90m\n"
	if got := CheckInterval(); got != 90*time.Minute {
		t.Errorf("CheckInterval() = %v, want 90m", got)
	}
	checkIntervalOverride = "-1s"
	if got := CheckInterval(); got != DefaultCheckInterval {
		t.Errorf("negative override accepted: %v", got)
	}
}
