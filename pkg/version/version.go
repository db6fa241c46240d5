package version

// Version is the current version of the GB28181 gateway
const Version = "0.1.0"

// UserAgent returns the User-Agent string for HTTP requests
func UserAgent() string {
	return "gb28181-gateway/" + Version
}

// ServerHeader returns the Server header value for SIP responses
func ServerHeader() string {
	return "gb28181-gateway/" + Version
}
