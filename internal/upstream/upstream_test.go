package upstream

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vitaliisemenov/llmgateway/internal/gatewayerr"
)

func TestChatCompletionsReturnsBodyOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization header = %q, want Bearer sk-test", got)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("event: chunk\ndata: hello\n\n"))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "sk-test", ConnectTimeout: time.Second})
	resp, err := c.ChatCompletions(context.Background(), strings.NewReader(`{}`), "application/json")
	if err != nil {
		t.Fatalf("ChatCompletions: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "event: chunk\ndata: hello\n\n" {
		t.Errorf("body = %q, unexpected", body)
	}
}

func TestChatCompletionsTranslates5xxToUpstreamProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "sk-test", ConnectTimeout: time.Second})
	_, err := c.ChatCompletions(context.Background(), strings.NewReader(`{}`), "application/json")
	if err == nil {
		t.Fatal("expected an error for a 5xx upstream response")
	}
	ge, ok := gatewayerr.As(err)
	if !ok || ge.Kind != gatewayerr.KindUpstreamProtocol {
		t.Errorf("error kind = %v, want KindUpstreamProtocol", ge)
	}
}

func TestChatCompletionsTranslatesConnectFailureToUpstreamConnectError(t *testing.T) {
	// Bind and immediately close a listener so the port is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	c := New(Config{BaseURL: "http://" + addr, APIKey: "sk-test", ConnectTimeout: time.Second})
	_, err = c.ChatCompletions(context.Background(), strings.NewReader(`{}`), "application/json")
	if err == nil {
		t.Fatal("expected a connect-level error against a closed port")
	}
	ge, ok := gatewayerr.As(err)
	if !ok || ge.Kind != gatewayerr.KindUpstreamConnect {
		t.Errorf("error kind = %v, want KindUpstreamConnect", ge)
	}
}

type fakeBody struct {
	chunks [][]byte
	delay  time.Duration
	pos    int
}

func (f *fakeBody) Read(p []byte) (int, error) {
	if f.pos >= len(f.chunks) {
		return 0, io.EOF
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	n := copy(p, f.chunks[f.pos])
	f.pos++
	return n, nil
}

func (f *fakeBody) Close() error { return nil }

func TestIdleReaderPassesThroughFastReads(t *testing.T) {
	body := &fakeBody{chunks: [][]byte{[]byte("abc"), []byte("def")}}
	r := NewIdleReader(context.Background(), body, time.Second)

	buf := make([]byte, 16)
	n, err := r.Read(buf)
	if err != nil || string(buf[:n]) != "abc" {
		t.Fatalf("Read() = %q, %v, want \"abc\", nil", buf[:n], err)
	}
	n, err = r.Read(buf)
	if err != nil || string(buf[:n]) != "def" {
		t.Fatalf("Read() = %q, %v, want \"def\", nil", buf[:n], err)
	}
	_, err = r.Read(buf)
	if err != io.EOF {
		t.Fatalf("Read() at end = %v, want io.EOF", err)
	}
}

func TestIdleReaderTimesOutOnStalledRead(t *testing.T) {
	body := &fakeBody{chunks: [][]byte{[]byte("late")}, delay: 50 * time.Millisecond}
	r := NewIdleReader(context.Background(), body, 5*time.Millisecond)

	_, err := r.Read(make([]byte, 16))
	ge, ok := gatewayerr.As(err)
	if !ok || ge.Kind != gatewayerr.KindUpstreamIdle {
		t.Errorf("error = %v, want KindUpstreamIdle", err)
	}
}

func TestIdleReaderRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	body := &fakeBody{chunks: [][]byte{[]byte("late")}, delay: 50 * time.Millisecond}
	r := NewIdleReader(ctx, body, time.Second)

	cancel()
	_, err := r.Read(make([]byte, 16))
	if err == nil {
		t.Fatal("expected an error after context cancellation")
	}
}
