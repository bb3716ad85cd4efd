package relay

import (
	"strings"
	"testing"
)

func TestExtractEncryptedPayloadRoundTrip(t *testing.T) {
	body := "preamble text\n" +
		beginMarker + "\n" +
		"aGVsbG8gd29ybGQ=\n" +
		endMarker + "\n"

	payload, ok := ExtractEncryptedPayload(body)
	if !ok {
		t.Fatal("expected payload to be found")
	}
	if payload != "aGVsbG8gd29ybGQ=" {
		t.Errorf("payload = %q, want %q", payload, "aGVsbG8gd29ybGQ=")
	}
}

func TestExtractEncryptedPayloadMissingMarkers(t *testing.T) {
	if _, ok := ExtractEncryptedPayload("just a normal email"); ok {
		t.Error("expected no payload for a message without markers")
	}
}

func TestExtractEncryptedPayloadEmptyBetweenMarkers(t *testing.T) {
	body := beginMarker + "\n" + endMarker
	if _, ok := ExtractEncryptedPayload(body); ok {
		t.Error("expected no payload when markers enclose nothing")
	}
}

func TestIsFallbackSubject(t *testing.T) {
	if !IsFallbackSubject(fallbackSubject) {
		t.Error("expected fallback subject to be recognized")
	}
	if IsFallbackSubject("Re: lunch plans") {
		t.Error("did not expect an ordinary subject to be recognized as fallback")
	}
}

func TestBuildMessageContainsHeaders(t *testing.T) {
	msg := string(buildMessage("alice@example.com", "bob@example.com", "hi", "body text"))

	for _, want := range []string{"From: alice@example.com", "To: bob@example.com", "Subject: hi", "body text"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
}
