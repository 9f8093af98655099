package auth

import "strings"

const facilityDomainSuffix = ".local"

// MakeEmail builds the canonical login address for a nurse at a facility.
// Facility codes are case-insensitive on the wire and uppercase for display.
func MakeEmail(facility, nurse string) string {
	nurse = strings.ToLower(strings.TrimSpace(nurse))
	facility = strings.ToLower(strings.TrimSpace(facility))
	return nurse + "@" + facility + facilityDomainSuffix
}

// FacilityFromEmail extracts the facility code from a canonical login
// address, or an empty string when the address carries none.
func FacilityFromEmail(email string) string {
	at := strings.IndexByte(email, '@')
	if at < 0 {
		return ""
	}
	host := strings.ToLower(strings.TrimSpace(email[at+1:]))
	if !strings.HasSuffix(host, facilityDomainSuffix) {
		return ""
	}
	code := strings.TrimSuffix(host, facilityDomainSuffix)
	if code == "" {
		return ""
	}
	return strings.ToUpper(code)
}
