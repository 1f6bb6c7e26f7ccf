package version

// Version represents the current version of pulse
const Version = "0.4.0"

// Protocol is the realtime wire protocol version spoken by client and
// server.
const Protocol = "1.0.0"

// BuildVersion returns the version string for display
func BuildVersion() string {
	return "pulse version " + Version + " (protocol " + Protocol + ")"
}

// APIVersion returns just the version number for API responses
func APIVersion() string {
	return Version
}
