package protocol

import (
	"strings"
	"testing"
)

func TestNegotiateVersion_AcceptsEverySupportedRevision(t *testing.T) {
	for _, v := range SupportedProtocolVersions {
		got, rpcErr := NegotiateVersion(v)
		if rpcErr != nil {
			t.Errorf("NegotiateVersion(%q) failed: %v", v, rpcErr)
			continue
		}
		if got != v {
			t.Errorf("NegotiateVersion(%q) = %q, want offered version back", v, got)
		}
	}
}

func TestNegotiateVersion_RejectsUnknown(t *testing.T) {
	_, rpcErr := NegotiateVersion("1999-01-01")
	if rpcErr == nil {
		t.Fatal("expected error for unknown version")
	}
	if rpcErr.Code != ErrCodeInvalidParams {
		t.Errorf("code = %d, want %d", rpcErr.Code, ErrCodeInvalidParams)
	}
	for _, v := range SupportedProtocolVersions {
		if !strings.Contains(rpcErr.Message, v) {
			t.Errorf("error message missing supported version %s: %q", v, rpcErr.Message)
		}
	}
}

func TestLatestProtocolVersion_IsNewest(t *testing.T) {
	latest := LatestProtocolVersion()
	if latest != SupportedProtocolVersions[0] {
		t.Fatalf("latest = %q, want head of supported list", latest)
	}
	for _, v := range SupportedProtocolVersions[1:] {
		if v >= latest {
			t.Errorf("supported list not newest-first: %q before %q", latest, v)
		}
	}
}

func TestIsSupportedVersion(t *testing.T) {
	if !IsSupportedVersion("2024-11-05") {
		t.Error("2024-11-05 should be supported")
	}
	if IsSupportedVersion("") {
		t.Error("empty version should not be supported")
	}
	if IsSupportedVersion("2024-11-06") {
		t.Error("unknown date should not be supported")
	}
}
