package token

import (
	"strings"
	"testing"
	"time"
)

func TestIssueVerifyRoundTrip(t *testing.T) {
	s := New("master-secret-at-least-32-bytes!!", "")
	tok, err := s.Issue("user-1", "alice", "Alice")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if strings.Count(tok, ".") != 2 {
		t.Fatalf("token = %q, want 3 dot-separated parts", tok)
	}

	payload, err := s.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if payload.ID != "user-1" || payload.Username != "alice" {
		t.Fatalf("payload = %+v, want id=user-1 username=alice", payload)
	}
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	s := New("master-secret-at-least-32-bytes!!", "")
	tok, err := s.Issue("u", "alice", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	tampered := tok[:len(tok)-4] + "abcd"
	if _, err := s.Verify(tampered); err == nil {
		t.Fatalf("expected Verify to reject a tampered signature")
	}
}

func TestVerifyRejectsMalformedToken(t *testing.T) {
	s := New("master-secret-at-least-32-bytes!!", "")
	if _, err := s.Verify("not-a-jwt"); err != ErrInvalidFormat {
		t.Fatalf("err = %v, want ErrInvalidFormat", err)
	}
}

func TestPreviousSecretStillVerifies(t *testing.T) {
	oldSvc := New("old-secret-at-least-32-bytes-long", "")
	tok, err := oldSvc.Issue("u", "alice", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	// A service restarted with a new master but the old one carried as
	// "previous" must still accept tokens signed under the old secret.
	rotated := New("new-secret-at-least-32-bytes-long", "old-secret-at-least-32-bytes-long")
	if _, err := rotated.Verify(tok); err != nil {
		t.Fatalf("Verify with previous secret: %v", err)
	}
}

func TestRotateKeepsVerifyingOlderTokens(t *testing.T) {
	s := New("master-secret-at-least-32-bytes!!", "")
	tok, err := s.Issue("u", "alice", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	s.Rotate()

	if _, err := s.Verify(tok); err != nil {
		t.Fatalf("expected token signed before rotation to still verify: %v", err)
	}

	newTok, err := s.Issue("u2", "bob", "")
	if err != nil {
		t.Fatalf("Issue after rotate: %v", err)
	}
	if newTok == tok {
		t.Fatalf("expected a freshly issued token to differ")
	}
}

func TestRotateCapsActiveSecretCount(t *testing.T) {
	s := New("master-secret-at-least-32-bytes!!", "")
	for i := 0; i < 5; i++ {
		s.Rotate()
	}
	status := s.Status()
	if status.ActiveCount > maxSecrets {
		t.Fatalf("ActiveCount = %d, want <= %d", status.ActiveCount, maxSecrets)
	}
}

func TestMaybeRotateOnlyFiresPastTrigger(t *testing.T) {
	s := New("master-secret-at-least-32-bytes!!", "")
	if s.MaybeRotate() {
		t.Fatalf("expected no rotation for a freshly created secret")
	}

	// Force the newest secret to look 25 hours old.
	s.mu.Lock()
	s.secrets[0].createdAt = time.Now().Add(-25 * time.Hour)
	s.mu.Unlock()

	if !s.MaybeRotate() {
		t.Fatalf("expected rotation once the newest secret exceeds the trigger age")
	}
	if s.Status().ActiveCount < 2 {
		t.Fatalf("expected the rotated-away secret to remain active for the grace window")
	}
}

func TestStatusReportsRotationNeeded(t *testing.T) {
	s := New("master-secret-at-least-32-bytes!!", "")
	if s.Status().RotationNeeded {
		t.Fatalf("expected RotationNeeded=false for a fresh secret")
	}
	s.mu.Lock()
	s.secrets[0].createdAt = time.Now().Add(-25 * time.Hour)
	s.mu.Unlock()
	if !s.Status().RotationNeeded {
		t.Fatalf("expected RotationNeeded=true past the trigger age")
	}
}
