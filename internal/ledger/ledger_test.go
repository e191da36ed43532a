package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dlcrypto "github.com/MacJediWizard/decentrilicense/internal/crypto"
	"github.com/MacJediWizard/decentrilicense/internal/issuer"
	"github.com/MacJediWizard/decentrilicense/internal/license"
)

type testSigner struct {
	id  string
	key *dlcrypto.KeyPair
}

func (s *testSigner) DeviceID() string { return s.id }

func (s *testSigner) Algorithm() dlcrypto.Algorithm { return s.key.Algorithm }

func (s *testSigner) Sign(msg []byte) ([]byte, error) {
	return dlcrypto.Sign(s.key.Algorithm, s.key.PrivateKey, msg)
}

type memCommitter struct {
	mu      sync.Mutex
	records []Record
	last    *license.Token
	fail    error
}

func (m *memCommitter) CommitRecord(_ context.Context, token *license.Token, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.records = append(m.records, record)
	m.last = token.Clone()
	return nil
}

// boundToken issues a token and binds it to signer's device.
func boundToken(t *testing.T, alg dlcrypto.Algorithm, signer *testSigner) *license.VerifiedToken {
	t.Helper()
	a, err := issuer.NewAuthority(alg)
	require.NoError(t, err)
	lic, err := a.NewLicense("com.example.app", "LIC-LEDGER")
	require.NoError(t, err)
	tok, err := lic.Issue(issuer.IssueOptions{})
	require.NoError(t, err)

	verified, err := license.NewVerifier().VerifyChain(tok, a.Anchor(), alg)
	require.NoError(t, err)
	if signer == nil {
		return verified
	}

	next := verified.Token()
	b, err := license.NewDeviceBinding(next.TokenID, signer.id, signer.key.Algorithm, signer.key.PrivateKey, signer.key.PublicKey, time.Now())
	require.NoError(t, err)
	next.HolderDeviceID = signer.id
	next.Devices = append(next.Devices, b)
	require.NoError(t, license.SignState(next, signer.key.Algorithm, signer.key.PrivateKey))

	revised, err := verified.Revise(next)
	require.NoError(t, err)
	return revised
}

func newSigner(t *testing.T, id string, alg dlcrypto.Algorithm) *testSigner {
	t.Helper()
	kp, err := dlcrypto.GenerateKey(alg)
	require.NoError(t, err)
	return &testSigner{id: id, key: kp}
}

func newTestLedger(t *testing.T, alg dlcrypto.Algorithm) (*Ledger, *testSigner, *memCommitter) {
	t.Helper()
	signer := newSigner(t, "device-1", alg)
	committer := &memCommitter{}
	l, err := New(boundToken(t, alg, signer), signer, committer, zerolog.Nop())
	require.NoError(t, err)
	return l, signer, committer
}

func TestLedger_LoginSaveExport(t *testing.T) {
	l, signer, committer := newTestLedger(t, dlcrypto.AlgorithmEd25519)
	ctx := context.Background()

	for _, action := range []string{"login", "save", "export"} {
		_, err := l.Append(ctx, signer.id, action, map[string]string{"user": "alice", "action": action})
		require.NoError(t, err)
	}
	assert.Equal(t, uint64(3), l.StateIndex())
	assert.Len(t, committer.records, 3)
	assert.Equal(t, uint64(3), committer.last.StateIndex)

	records := l.Records()
	require.NoError(t, VerifyChain(records, l.Token().Token()))
	require.NoError(t, l.Verify())

	tok := l.Token().Token()
	records[1].Params["user"] = "mallory"

	err := VerifyChain(records, tok)
	require.ErrorIs(t, err, ErrSignatureInvalid)
	var le *Error
	require.ErrorAs(t, err, &le)
	assert.Equal(t, uint64(2), le.Seq)
	assert.Equal(t, 1, le.Position)

	assert.NoError(t, VerifyRecord(records[0], tok))
	assert.NoError(t, VerifyChain(records[:1], tok))
}

func TestLedger_RecordFields(t *testing.T) {
	l, signer, _ := newTestLedger(t, dlcrypto.AlgorithmSM2)
	fixed := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return fixed }

	first, err := l.Append(context.Background(), signer.id, "api_call", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, ZeroHash, first.HashPrev)
	assert.Equal(t, fixed.Unix(), first.Time)
	assert.Equal(t, signer.id, first.HolderDeviceID)
	assert.NotNil(t, first.Params)

	second, err := l.Append(context.Background(), signer.id, "api_call", map[string]string{"n": "2"})
	require.NoError(t, err)
	h, err := Hash(first)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.Seq)
	assert.Equal(t, h, second.HashPrev)

	tok := l.Token().Token()
	h2, err := Hash(second)
	require.NoError(t, err)
	assert.Equal(t, h2, tok.StateHash)
}

func TestVerifyChain_PoisonedSuffix(t *testing.T) {
	const n = 5
	l, signer, _ := newTestLedger(t, dlcrypto.AlgorithmEd25519)
	for i := 0; i < n; i++ {
		_, err := l.Append(context.Background(), signer.id, "tick", map[string]string{"i": fmt.Sprint(i)})
		require.NoError(t, err)
	}
	tok := l.Token().Token()
	require.NoError(t, VerifyChain(tok.UsageChain, tok))

	corruptions := []struct {
		name string
		kind ErrorKind
		edit func(*Record)
	}{
		{"params", KindSignatureInvalid, func(r *Record) { r.Params["i"] = "x" }},
		{"action", KindSignatureInvalid, func(r *Record) { r.Action = "other" }},
		{"time", KindSignatureInvalid, func(r *Record) { r.Time++ }},
		{"signature", KindSignatureInvalid, func(r *Record) { r.Signature = license.EncodeSignature([]byte("bogus")) }},
		{"hash_prev", KindHashMismatch, func(r *Record) { r.HashPrev = ZeroHash[:63] + "1" }},
		{"seq", KindSequenceGap, func(r *Record) { r.Seq += 10 }},
		{"alg cleared", KindSignatureInvalid, func(r *Record) { r.Alg = "" }},
		{"alg changed", KindSignatureInvalid, func(r *Record) { r.Alg = dlcrypto.AlgorithmRSA }},
		{"holder_device_id", KindSignatureInvalid, func(r *Record) { r.HolderDeviceID = "device-x" }},
	}

	for _, c := range corruptions {
		for k := 1; k <= n; k++ {
			t.Run(fmt.Sprintf("%s/record_%d", c.name, k), func(t *testing.T) {
				records := tok.Clone().UsageChain
				c.edit(&records[k-1])

				err := VerifyChain(records, tok)
				var le *Error
				require.ErrorAs(t, err, &le)
				assert.Equal(t, c.kind, le.Kind)
				assert.Equal(t, uint64(k), le.Seq)
				assert.Equal(t, k-1, le.Position)

				if k > 1 {
					assert.NoError(t, VerifyChain(records[:k-1], tok))
				}
			})
		}
	}
}

func TestVerifyChain_Empty(t *testing.T) {
	assert.NoError(t, VerifyChain(nil, &license.Token{}))
}

func TestVerifyFrom_Tail(t *testing.T) {
	l, signer, _ := newTestLedger(t, dlcrypto.AlgorithmEd25519)
	for i := 0; i < 4; i++ {
		_, err := l.Append(context.Background(), signer.id, "tick", nil)
		require.NoError(t, err)
	}
	tok := l.Token().Token()
	h, err := Hash(tok.UsageChain[1])
	require.NoError(t, err)

	assert.NoError(t, VerifyFrom(tok.UsageChain[2:], 2, h, tok))
	assert.ErrorIs(t, VerifyFrom(tok.UsageChain[2:], 1, h, tok), ErrSequenceGap)
	assert.ErrorIs(t, VerifyFrom(tok.UsageChain[2:], 2, ZeroHash, tok), ErrHashMismatch)
}

func TestLedger_NotActivated(t *testing.T) {
	ctx := context.Background()

	t.Run("unbound token", func(t *testing.T) {
		signer := newSigner(t, "device-1", dlcrypto.AlgorithmEd25519)
		l, err := New(boundToken(t, dlcrypto.AlgorithmEd25519, nil), signer, &memCommitter{}, zerolog.Nop())
		require.NoError(t, err)
		_, err = l.Append(ctx, signer.id, "login", nil)
		assert.ErrorIs(t, err, ErrNotActivated)
	})

	t.Run("other holder", func(t *testing.T) {
		l, _, _ := newTestLedger(t, dlcrypto.AlgorithmEd25519)
		_, err := l.Append(ctx, "device-2", "login", nil)
		require.ErrorIs(t, err, ErrNotActivated)
		var le *Error
		require.ErrorAs(t, err, &le)
		assert.Equal(t, "device-1", le.Holder)
	})

	t.Run("gate closed", func(t *testing.T) {
		signer := newSigner(t, "device-1", dlcrypto.AlgorithmEd25519)
		l, err := New(boundToken(t, dlcrypto.AlgorithmEd25519, signer), signer, &memCommitter{}, zerolog.Nop(),
			WithGate(func() bool { return false }))
		require.NoError(t, err)
		_, err = l.Append(ctx, signer.id, "login", nil)
		assert.ErrorIs(t, err, ErrNotActivated)
	})
}

func TestNew_RequiresVerifiedToken(t *testing.T) {
	signer := newSigner(t, "device-1", dlcrypto.AlgorithmEd25519)
	_, err := New(nil, signer, &memCommitter{}, zerolog.Nop())
	assert.ErrorIs(t, err, license.ErrNotVerified)
}

func TestLedger_CommitFailureLeavesStateUntouched(t *testing.T) {
	l, signer, committer := newTestLedger(t, dlcrypto.AlgorithmEd25519)
	ctx := context.Background()

	_, err := l.Append(ctx, signer.id, "login", nil)
	require.NoError(t, err)

	committer.fail = errors.New("disk full")
	_, err = l.Append(ctx, signer.id, "save", nil)
	require.Error(t, err)
	assert.Equal(t, uint64(1), l.StateIndex())
	assert.Len(t, l.Records(), 1)

	committer.fail = nil
	rec, err := l.Append(ctx, signer.id, "save", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.Seq)
	assert.NoError(t, l.Verify())
}

func TestLedger_ConcurrentAppendsAreSerialized(t *testing.T) {
	l, signer, committer := newTestLedger(t, dlcrypto.AlgorithmEd25519)
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Append(ctx, signer.id, "api_call", map[string]string{"worker": fmt.Sprint(i)})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, uint64(workers), l.StateIndex())
	seen := make(map[uint64]bool)
	for _, r := range committer.records {
		assert.False(t, seen[r.Seq], "duplicate seq %d", r.Seq)
		seen[r.Seq] = true
	}
	assert.NoError(t, l.Verify())
}

type countingObserver struct {
	appends  int
	failures []string
}

func (o *countingObserver) ObserveAppend(string, uint64, time.Duration) { o.appends++ }

func (o *countingObserver) ObserveAppendFailure(kind string) {
	o.failures = append(o.failures, kind)
}

func TestLedger_Observer(t *testing.T) {
	signer := newSigner(t, "device-1", dlcrypto.AlgorithmEd25519)
	obs := &countingObserver{}
	l, err := New(boundToken(t, dlcrypto.AlgorithmEd25519, signer), signer, &memCommitter{}, zerolog.Nop(), WithObserver(obs))
	require.NoError(t, err)

	_, err = l.Append(context.Background(), signer.id, "login", nil)
	require.NoError(t, err)
	_, err = l.Append(context.Background(), "someone-else", "login", nil)
	require.Error(t, err)

	assert.Equal(t, 1, obs.appends)
	assert.Equal(t, []string{"NotActivated"}, obs.failures)
}

func TestVerifyToken_StateMismatch(t *testing.T) {
	l, signer, _ := newTestLedger(t, dlcrypto.AlgorithmEd25519)
	_, err := l.Append(context.Background(), signer.id, "login", nil)
	require.NoError(t, err)

	tok := l.Token().Token()
	tok.StateIndex = 2
	assert.ErrorIs(t, VerifyToken(tok), ErrSequenceGap)

	tok = l.Token().Token()
	tok.StateHash = ZeroHash
	assert.ErrorIs(t, VerifyToken(tok), ErrHashMismatch)
}
