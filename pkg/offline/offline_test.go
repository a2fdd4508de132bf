package offline

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestAPIResponseShape(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	snap := APIResponse(now)
	if snap.Status != http.StatusServiceUnavailable {
		t.Fatalf("Status is %d", snap.Status)
	}
	var payload struct {
		Error     string `json:"error"`
		Offline   bool   `json:"offline"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal(snap.Body, &payload); err != nil {
		t.Fatalf("Body is not JSON: %s", err)
	}
	if !payload.Offline {
		t.Fatal("offline flag not set")
	}
	if payload.Error != ErrorCode {
		t.Fatalf("error code is %q", payload.Error)
	}
	if payload.Timestamp != "2024-05-01T12:00:00Z" {
		t.Fatalf("timestamp is %q", payload.Timestamp)
	}
}

func TestPageResponseIsSelfContained(t *testing.T) {
	snap := PageResponse(time.Now())
	if snap.Status != http.StatusOK {
		t.Fatalf("Status is %d", snap.Status)
	}
	body := string(snap.Body)
	if !strings.Contains(body, "<!DOCTYPE html>") {
		t.Fatal("Not a complete document")
	}
	// self-contained means no external references
	for _, forbidden := range []string{"src=", "href="} {
		if strings.Contains(body, forbidden) {
			t.Fatalf("Document references external resource via %s", forbidden)
		}
	}
	if !strings.Contains(body, "location.reload()") {
		t.Fatal("No retry action")
	}
}
