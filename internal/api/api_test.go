package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/vitaliisemenov/llmgateway/internal/concurrency"
	"github.com/vitaliisemenov/llmgateway/internal/credential"
	"github.com/vitaliisemenov/llmgateway/internal/directory"
	"github.com/vitaliisemenov/llmgateway/internal/logincache"
	"github.com/vitaliisemenov/llmgateway/internal/quota"
	"github.com/vitaliisemenov/llmgateway/internal/upstream"
)

type staticTiers struct{ limit int }

func (s staticTiers) LimitForTier(tier string) (int, bool) { return s.limit, true }

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	dir := directory.New(filepath.Join(t.TempDir(), "users"), nil)
	if err := dir.Bootstrap([]directory.SeedUser{
		{Name: "alice", Credential: "correct-horse", Tier: directory.TierBasic},
	}); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	creds := credential.New("test-secret", time.Hour)
	logins := logincache.New(60*time.Second, 16)
	gate := concurrency.New()
	ledger := quota.New(t.TempDir(), 10, 1, staticTiers{limit: 2},
		func(p string) (string, bool) {
			principal := dir.Lookup(p)
			if principal == nil {
				return "", false
			}
			return string(principal.Tier), true
		}, nil, nil)

	upstreamClient := upstream.New(upstream.Config{
		BaseURL: "http://upstream.invalid", APIKey: "sk-test", ConnectTimeout: time.Second,
	})

	return New(Deps{
		Directory: dir, Credential: creds, Logins: logins, Gate: gate, Ledger: ledger,
		Upstream: upstreamClient, IdleTimeout: time.Second, LoginTTL: 60 * time.Second,
	})
}

func doLogin(t *testing.T, h *Handler, name, cred string) (int, loginResponse) {
	t.Helper()
	body, _ := json.Marshal(loginRequest{Name: name, Credential: cred})
	req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.Login(rec, req)

	var resp loginResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	return rec.Code, resp
}

func TestLoginRejectsBadCredential(t *testing.T) {
	h := newTestHandler(t)
	status, _ := doLogin(t, h, "alice", "wrong")
	if status != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", status)
	}
}

func TestLoginCoalescesWithinCacheTTL(t *testing.T) {
	h := newTestHandler(t)

	status, r1 := doLogin(t, h, "alice", "correct-horse")
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}

	status, r2 := doLogin(t, h, "alice", "correct-horse")
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if r1.Token != r2.Token {
		t.Error("second login within cache TTL should return the identical token")
	}
}

func TestLoginReissuesAfterCacheExpiry(t *testing.T) {
	dir := directory.New(filepath.Join(t.TempDir(), "users"), nil)
	if err := dir.Bootstrap([]directory.SeedUser{{Name: "alice", Credential: "pw", Tier: directory.TierBasic}}); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	creds := credential.New("secret", time.Hour)
	logins := logincache.New(30*time.Millisecond, 16)
	h := New(Deps{
		Directory: dir, Credential: creds, Logins: logins, Gate: concurrency.New(),
		Ledger: quota.New(t.TempDir(), 10, 1, staticTiers{limit: 10}, func(p string) (string, bool) { return "basic", true }, nil, nil),
		Upstream: upstream.New(upstream.Config{BaseURL: "http://x", ConnectTimeout: time.Second}),
		LoginTTL: 30 * time.Millisecond,
	})

	_, r1 := doLogin(t, h, "alice", "pw")
	time.Sleep(60 * time.Millisecond)
	_, r2 := doLogin(t, h, "alice", "pw")

	if r1.Token == r2.Token {
		t.Error("login after cache TTL expiry should return a fresh token")
	}
}

func TestQuotaEndpointRequiresBearer(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/auth/quota", nil)
	rec := httptest.NewRecorder()
	h.Quota(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestQuotaEndpointReportsUsage(t *testing.T) {
	h := newTestHandler(t)
	_, login := doLogin(t, h, "alice", "correct-horse")

	req := httptest.NewRequest(http.MethodGet, "/auth/quota", nil)
	req.Header.Set("Authorization", "Bearer "+login.Token)
	rec := httptest.NewRecorder()
	h.Quota(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var resp quotaResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Name != "alice" || resp.Limit != 2 || resp.Used != 0 {
		t.Errorf("unexpected quota response: %+v", resp)
	}
}

func TestChatCompletionsRejectsSecondConcurrentRequest(t *testing.T) {
	h := newTestHandler(t)
	permit, ok := h.gate.TryAcquire("alice")
	if !ok {
		t.Fatal("expected to acquire the single permit directly")
	}
	defer permit.Release()

	_, login := doLogin(t, h, "alice", "correct-horse")
	req := httptest.NewRequest(http.MethodPost, "/chat/completions", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Authorization", "Bearer "+login.Token)
	rec := httptest.NewRecorder()
	h.ChatCompletions(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429 while a permit is already held", rec.Code)
	}
}

func TestChatCompletionsRejectsDisabledAccount(t *testing.T) {
	h := newTestHandler(t)
	if _, err := h.directory.SetActive("alice", false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}

	token, _, err := h.credential.Issue("alice")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/chat/completions", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ChatCompletions(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403 for disabled account", rec.Code)
	}
}

// TestChatCompletionsStreamsAndReleasesExactlyOnceAtEnd drives a real
// streaming round trip against an httptest upstream that holds the
// connection open mid-response, so the test can observe the permit still
// held while bytes are in flight and released only once the stream truly
// ends — the invariant internal/api.streamBody exists to guarantee.
func TestChatCompletionsStreamsAndReleasesExactlyOnceAtEnd(t *testing.T) {
	const firstChunk = "event: chunk\ndata: hello\n\n"
	const secondChunk = "event: chunk\ndata: world\n\n"

	reachedMidStream := make(chan struct{})
	proceed := make(chan struct{})

	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)

		w.Write([]byte(firstChunk))
		flusher.Flush()

		close(reachedMidStream)
		<-proceed

		w.Write([]byte(secondChunk))
		flusher.Flush()
	}))
	defer upstreamSrv.Close()

	dir := directory.New(filepath.Join(t.TempDir(), "users"), nil)
	if err := dir.Bootstrap([]directory.SeedUser{
		{Name: "alice", Credential: "correct-horse", Tier: directory.TierBasic},
	}); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	creds := credential.New("test-secret", time.Hour)
	logins := logincache.New(60*time.Second, 16)
	gate := concurrency.New()
	ledger := quota.New(t.TempDir(), 10, 1, staticTiers{limit: 10},
		func(p string) (string, bool) { return "basic", true }, nil, nil)
	upstreamClient := upstream.New(upstream.Config{BaseURL: upstreamSrv.URL, ConnectTimeout: time.Second})

	h := New(Deps{
		Directory: dir, Credential: creds, Logins: logins, Gate: gate, Ledger: ledger,
		Upstream: upstreamClient, IdleTimeout: time.Second, LoginTTL: 60 * time.Second,
	})

	_, login := doLogin(t, h, "alice", "correct-horse")

	req := httptest.NewRequest(http.MethodPost, "/chat/completions", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Authorization", "Bearer "+login.Token)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.ChatCompletions(rec, req)
		close(done)
	}()

	<-reachedMidStream
	if !gate.InFlight("alice") {
		t.Error("permit should still be held while the stream is mid-flight")
	}
	if status, err := ledger.Peek("alice"); err != nil || status.Used != 1 {
		t.Errorf("quota should be reserved (used=1) during the stream, got used=%d err=%v", status.Used, err)
	}

	close(proceed)
	<-done

	if gate.InFlight("alice") {
		t.Error("permit should be released once the stream has ended")
	}
	status, err := ledger.Peek("alice")
	if err != nil {
		t.Fatalf("Peek after stream end: %v", err)
	}
	if status.Used != 1 {
		t.Errorf("used = %d after a successfully streamed request, want 1 (committed, not refunded)", status.Used)
	}

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != firstChunk+secondChunk {
		t.Errorf("streamed body = %q, want %q", got, firstChunk+secondChunk)
	}
}
