package protocol

import (
	"fmt"
	"strings"
)

// SupportedProtocolVersions lists the protocol revisions this runtime
// speaks, newest first. Clients offer the newest and fall back on
// rejection; servers accept any member of the list.
var SupportedProtocolVersions = []string{
	"2025-11-25",
	"2025-06-18",
	"2025-03-26",
	"2024-11-05",
}

// LatestProtocolVersion is the newest supported revision.
func LatestProtocolVersion() string {
	return SupportedProtocolVersions[0]
}

// IsSupportedVersion reports whether v is a supported protocol revision.
func IsSupportedVersion(v string) bool {
	for _, s := range SupportedProtocolVersions {
		if s == v {
			return true
		}
	}
	return false
}

// NegotiateVersion applies the server-side rule: accept the client's
// offered revision if supported, otherwise fail listing the supported set.
func NegotiateVersion(offered string) (string, *RPCError) {
	if IsSupportedVersion(offered) {
		return offered, nil
	}
	return "", ErrInvalidParams(fmt.Sprintf(
		"unsupported protocol version %q (supported: %s)",
		offered, strings.Join(SupportedProtocolVersions, ", ")))
}
