package authcore

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func loginForTokens(t *testing.T, f *testFixture) *AuthResult {
	t.Helper()

	res, err := f.engine.Login(context.Background(), testIdentifier, testPassword)
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	return res
}

func TestRefreshRotatesWithinFamily(t *testing.T) {
	f := newTestFixture(t)
	defer f.close()

	first := loginForTokens(t, f)

	second, err := f.engine.Refresh(context.Background(), first.Tokens.RefreshToken)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	if second.Tokens.RefreshToken == first.Tokens.RefreshToken {
		t.Fatalf("expected a fresh refresh token")
	}
	if second.FamilyID != first.FamilyID {
		t.Fatalf("expected family %q, got %q", first.FamilyID, second.FamilyID)
	}
	if second.RecordID == first.RecordID {
		t.Fatalf("expected a new record ID")
	}
	if second.PrincipalID != testPrincipal {
		t.Fatalf("expected principal %q, got %q", testPrincipal, second.PrincipalID)
	}

	if got := f.engine.Metrics().Value(MetricRefreshSuccess); got != 1 {
		t.Fatalf("expected MetricRefreshSuccess=1, got %d", got)
	}
}

func TestRefreshGarbageToken(t *testing.T) {
	f := newTestFixture(t)
	defer f.close()

	for _, token := range []string{"", "not-base64!!!", "c2hvcnQ"} {
		if _, err := f.engine.Refresh(context.Background(), token); !errors.Is(err, ErrRefreshInvalid) {
			t.Fatalf("token %q: expected ErrRefreshInvalid, got %v", token, err)
		}
	}
}

func TestRefreshUnknownToken(t *testing.T) {
	f := newTestFixture(t)
	defer f.close()

	// Well-formed but never issued.
	token := "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	if _, err := f.engine.Refresh(context.Background(), token); !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("expected ErrRefreshInvalid, got %v", err)
	}
}

func TestRefreshReuseRevokesFamily(t *testing.T) {
	f := newTestFixture(t)
	defer f.close()

	first := loginForTokens(t, f)

	second, err := f.engine.Refresh(context.Background(), first.Tokens.RefreshToken)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	// Replay of the rotated token.
	_, err = f.engine.Refresh(context.Background(), first.Tokens.RefreshToken)
	if !errors.Is(err, ErrRefreshReuse) {
		t.Fatalf("expected ErrRefreshReuse, got %v", err)
	}
	if !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("reuse must match ErrRefreshInvalid for generic handlers, got %v", err)
	}

	// The whole family died, including the still-unused successor.
	_, err = f.engine.Refresh(context.Background(), second.Tokens.RefreshToken)
	if !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("expected the successor to be dead, got %v", err)
	}

	m := f.engine.Metrics()
	if got := m.Value(MetricRefreshReuseDetected); got != 1 {
		t.Fatalf("expected MetricRefreshReuseDetected=1, got %d", got)
	}
	if got := m.Value(MetricFamilyRevoked); got != 1 {
		t.Fatalf("expected MetricFamilyRevoked=1, got %d", got)
	}
}

func TestRefreshConcurrencySingleWinner(t *testing.T) {
	f := newTestFixture(t)
	defer f.close()

	first := loginForTokens(t, f)

	const n = 8
	var wg sync.WaitGroup
	wg.Add(n)

	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := f.engine.Refresh(context.Background(), first.Tokens.RefreshToken)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	success := 0
	fail := 0
	for err := range results {
		if err == nil {
			success++
			continue
		}
		if errors.Is(err, ErrRefreshInvalid) {
			fail++
			continue
		}
		t.Fatalf("unexpected refresh error: %v", err)
	}

	if success != 1 {
		t.Fatalf("expected exactly one refresh success, got %d", success)
	}
	if fail != n-1 {
		t.Fatalf("expected %d refresh failures, got %d", n-1, fail)
	}
}

func TestRefreshDisabledPrincipalKillsChain(t *testing.T) {
	f := newTestFixture(t)
	defer f.close()

	first := loginForTokens(t, f)
	f.provider.setStatus(testPrincipal, PrincipalDisabled)

	_, err := f.engine.Refresh(context.Background(), first.Tokens.RefreshToken)
	if !errors.Is(err, ErrAccountDisabled) {
		t.Fatalf("expected ErrAccountDisabled, got %v", err)
	}

	// Re-enabling does not resurrect the chain; it was revoked.
	f.provider.setStatus(testPrincipal, PrincipalActive)
	_, err = f.engine.Refresh(context.Background(), first.Tokens.RefreshToken)
	if !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("expected ErrRefreshInvalid, got %v", err)
	}
}

func TestRefreshThrottlePerToken(t *testing.T) {
	f := newTestFixture(t)
	defer f.close()

	first := loginForTokens(t, f)

	// Exhaust the per-token budget with replays of the same bad token.
	token := "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	budget := testConfig().Security.MaxRefreshAttempts
	for i := 0; i < budget; i++ {
		if _, err := f.engine.Refresh(context.Background(), token); !errors.Is(err, ErrRefreshInvalid) {
			t.Fatalf("attempt %d: expected ErrRefreshInvalid, got %v", i, err)
		}
	}
	_, err := f.engine.Refresh(context.Background(), token)
	if !errors.Is(err, ErrRefreshRateLimited) {
		t.Fatalf("expected ErrRefreshRateLimited, got %v", err)
	}

	// A different token has its own budget.
	if _, err := f.engine.Refresh(context.Background(), first.Tokens.RefreshToken); err != nil {
		t.Fatalf("refresh of an unrelated token failed: %v", err)
	}
}

func TestRefreshFailsClosedWhenStoreDown(t *testing.T) {
	f := newTestFixture(t)
	defer f.close()

	first := loginForTokens(t, f)
	f.mr.Close()

	_, err := f.engine.Refresh(context.Background(), first.Tokens.RefreshToken)
	if !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("expected ErrServiceUnavailable, got %v", err)
	}
}
