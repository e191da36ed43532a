package agent

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dlcrypto "github.com/MacJediWizard/decentrilicense/internal/crypto"
	"github.com/MacJediWizard/decentrilicense/internal/issuer"
	"github.com/MacJediWizard/decentrilicense/internal/license"
)

type fakeSession struct {
	mu       sync.Mutex
	anchor   license.Anchor
	alg      dlcrypto.Algorithm
	imported []*license.Token
	export   []byte
}

func (f *fakeSession) DeviceID() string { return "device-a" }

func (f *fakeSession) Status() license.StatusSnapshot {
	return license.StatusSnapshot{HasToken: true, TokenID: "tok-1", StateIndex: 2, Role: "coordinator"}
}

func (f *fakeSession) Import(_ context.Context, input []byte) (*license.VerifiedToken, error) {
	tok, err := license.NewCodec(nil).Decode(input)
	if err != nil {
		return nil, err
	}
	v, err := license.NewVerifier().VerifyChain(tok, f.anchor, f.alg)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.imported = append(f.imported, tok)
	f.mu.Unlock()
	return v, nil
}

func (f *fakeSession) importedTokens() []*license.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*license.Token(nil), f.imported...)
}

func (f *fakeSession) Export(license.Mode) ([]byte, error) {
	if f.export == nil {
		return nil, errors.New("no token loaded")
	}
	return f.export, nil
}

type transferCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *transferCounter) RecordTransfer(direction, result string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[string]int)
	}
	c.counts[direction+"/"+result]++
}

func (c *transferCounter) get(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key]
}

func issueToken(t *testing.T) (*issuer.Authority, *license.Token, []byte) {
	t.Helper()
	a, err := issuer.NewAuthority(dlcrypto.AlgorithmEd25519)
	require.NoError(t, err)
	lic, err := a.NewLicense("com.example.editor", "LIC-PEER")
	require.NoError(t, err)
	tok, err := lic.Issue(issuer.IssueOptions{Validity: time.Hour})
	require.NoError(t, err)
	data, err := license.NewCodec(nil).Encode(tok, license.Plain)
	require.NoError(t, err)
	return a, tok, data
}

func newTestServer(t *testing.T, sess Session, cfg ServerConfig) *httptest.Server {
	t.Helper()
	srv, err := NewServer(sess, cfg, zerolog.Nop())
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func hostOf(ts *httptest.Server) string {
	return strings.TrimPrefix(ts.URL, "http://")
}

func TestServer_Status(t *testing.T) {
	ts := newTestServer(t, &fakeSession{}, ServerConfig{})

	status, err := NewClient(nil).Status(context.Background(), hostOf(ts))
	require.NoError(t, err)
	assert.Equal(t, "device-a", status.DeviceID)
	assert.Equal(t, "tok-1", status.Status.TokenID)
	assert.Equal(t, uint64(2), status.Status.StateIndex)
}

func TestServer_FetchToken(t *testing.T) {
	counter := &transferCounter{}
	sess := &fakeSession{export: []byte("ct|nonce")}
	ts := newTestServer(t, sess, ServerConfig{Transfers: counter})

	data, err := NewClient(nil).FetchToken(context.Background(), hostOf(ts))
	require.NoError(t, err)
	assert.Equal(t, "ct|nonce", string(data))
	assert.Equal(t, 1, counter.get("sent/ok"))

	empty := newTestServer(t, &fakeSession{}, ServerConfig{})
	_, err = NewClient(nil).FetchToken(context.Background(), hostOf(empty))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no token loaded")
}

func TestServer_Transfer(t *testing.T) {
	a, tok, data := issueToken(t)
	serverCounts := &transferCounter{}
	clientCounts := &transferCounter{}
	sess := &fakeSession{anchor: a.Anchor(), alg: a.Alg}
	ts := newTestServer(t, sess, ServerConfig{Transfers: serverCounts})

	ack, err := NewClient(clientCounts).SendToken(context.Background(), hostOf(ts), data)
	require.NoError(t, err)
	assert.Equal(t, "ok", ack.Status)
	assert.Equal(t, tok.TokenID, ack.TokenID)
	imported := sess.importedTokens()
	require.Len(t, imported, 1)
	assert.Equal(t, tok.TokenID, imported[0].TokenID)
	assert.Equal(t, 1, serverCounts.get("received/ok"))
	assert.Equal(t, 1, clientCounts.get("sent/ok"))
}

func TestServer_TransferRejected(t *testing.T) {
	a, tok, _ := issueToken(t)
	forged := tok.Clone()
	forged.LicenseCode = "LIC-FORGED"
	data, err := license.NewCodec(nil).Encode(forged, license.Plain)
	require.NoError(t, err)

	serverCounts := &transferCounter{}
	sess := &fakeSession{anchor: a.Anchor(), alg: a.Alg}
	ts := newTestServer(t, sess, ServerConfig{Transfers: serverCounts})

	ack, err := NewClient(nil).SendToken(context.Background(), hostOf(ts), data)
	require.ErrorIs(t, err, ErrTransferRejected)
	require.NotNil(t, ack)
	assert.Equal(t, "rejected", ack.Status)
	assert.NotEmpty(t, ack.Error)
	assert.Empty(t, sess.importedTokens())
	assert.Equal(t, 1, serverCounts.get("received/rejected"))
}

func TestServer_SendTokenUnreachable(t *testing.T) {
	counts := &transferCounter{}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := NewClient(counts).SendToken(ctx, "127.0.0.1:1", []byte("x"))
	require.Error(t, err)
	assert.Equal(t, 1, counts.get("sent/error"))
}

func TestServer_RateLimit(t *testing.T) {
	ts := newTestServer(t, &fakeSession{}, ServerConfig{RateLimit: "2-M"})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, err := http.Get(ts.URL + "/v1/status")
		require.NoError(t, err)
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestServer_InvalidRateLimit(t *testing.T) {
	_, err := NewServer(&fakeSession{}, ServerConfig{RateLimit: "lots"}, zerolog.Nop())
	assert.Error(t, err)
}

func TestServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "dlicense_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	ts := newTestServer(t, &fakeSession{}, ServerConfig{Gatherer: reg})
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "dlicense_test_total 1")
}

func TestServer_NoMetricsWithoutGatherer(t *testing.T) {
	ts := newTestServer(t, &fakeSession{}, ServerConfig{})
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_ListenAndServeStopsOnCancel(t *testing.T) {
	srv, err := NewServer(&fakeSession{}, ServerConfig{Addr: "127.0.0.1:0"}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
