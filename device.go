package staybook

import (
	"strings"

	"github.com/mssola/useragent"
)

// DeviceInfo describes the device a session was adopted on.
type DeviceInfo struct {
	UserAgent  string `json:"user_agent,omitempty"`
	Browser    string `json:"browser,omitempty"`
	OS         string `json:"os,omitempty"`
	DeviceType string `json:"device_type,omitempty"` // mobile, desktop, tablet, bot
}

// ParseDevice extracts device information from a user agent string.
// An empty user agent yields an empty DeviceInfo.
func ParseDevice(ua string) DeviceInfo {
	ua = strings.TrimSpace(ua)
	if ua == "" {
		return DeviceInfo{}
	}

	parsed := useragent.New(ua)
	browser, browserVersion := parsed.Browser()
	if browserVersion != "" {
		browser = browser + " " + browserVersion
	}

	osInfo := parsed.OSInfo()
	os := osInfo.Name
	if osInfo.Version != "" {
		os = os + " " + osInfo.Version
	}

	deviceType := "desktop"
	if isTablet(ua) {
		deviceType = "tablet"
	} else if parsed.Mobile() {
		deviceType = "mobile"
	} else if parsed.Bot() {
		deviceType = "bot"
	}

	return DeviceInfo{
		UserAgent:  ua,
		Browser:    browser,
		OS:         os,
		DeviceType: deviceType,
	}
}

// isTablet checks if the user agent indicates a tablet device.
func isTablet(ua string) bool {
	ua = strings.ToLower(ua)
	tabletKeywords := []string{"ipad", "tablet", "playbook", "silk"}
	for _, keyword := range tabletKeywords {
		if strings.Contains(ua, keyword) {
			return true
		}
	}
	return false
}
