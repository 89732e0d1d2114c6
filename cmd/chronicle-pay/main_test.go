package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/chronicle-labs/chronicle/internal/admission"
	"github.com/chronicle-labs/chronicle/internal/api"
	"github.com/chronicle-labs/chronicle/internal/auth"
	"github.com/chronicle-labs/chronicle/internal/clock"
	"github.com/chronicle-labs/chronicle/internal/facilitator"
	"github.com/chronicle-labs/chronicle/internal/inference"
	"github.com/chronicle-labs/chronicle/internal/ledger"
	"github.com/chronicle-labs/chronicle/internal/pricing"
	"github.com/chronicle-labs/chronicle/internal/ratelimit"
	"github.com/chronicle-labs/chronicle/internal/storage"
	"github.com/chronicle-labs/chronicle/internal/x402"
)

// ── helpers ───────────────────────────────────────────────────────────────────

type fakeStorage struct {
	mu      sync.Mutex
	uploads []storage.Upload
}

func (s *fakeStorage) Upload(_ context.Context, u storage.Upload) (*storage.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads = append(s.uploads, u)
	return &storage.Result{ID: "doc-1", URL: "https://arweave.net/doc-1"}, nil
}

func (s *fakeStorage) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uploads)
}

type directRecorder struct{ store *ledger.Store }

func (r directRecorder) RecordUpload(ctx context.Context, rec ledger.Record) error {
	return r.store.Save(ctx, &rec)
}

// chronicleServer runs the real HTTP API with a local verifier.
func chronicleServer(t *testing.T) (*httptest.Server, *fakeStorage) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	clk := clock.System{}
	ctl, err := admission.NewController(admission.Config{
		Network:  x402.NetworkBaseSepolia,
		PayTo:    "0x00000000000000000000000000000000000000aa",
		Asset:    x402.USDC[x402.NetworkBaseSepolia],
		Decimals: 6,
	},
		facilitator.NewLocal(x402.DefaultNetworks(), rdb, clk, zap.NewNop()),
		ratelimit.NewMemory(ratelimit.DefaultRules(), clk),
		nil, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	st := &fakeStorage{}
	store := ledger.NewStore(rdb)
	h := api.NewHandler(api.Deps{
		Pricing:   pricing.Default(),
		Flat:      pricing.DefaultFlatPrices(),
		Admission: ctl,
		Storage:   st,
		Inference: inference.NewClient(inference.DefaultEndpoints(), "", 0, zap.NewNop()),
		Recorder:  directRecorder{store},
		Records:   store,
	}, zap.NewNop())

	r := gin.New()
	h.RegisterPublic(r.Group("/api"))
	h.Register(r.Group("/api", auth.Middleware(auth.Options{VerifySignatures: true})))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, st
}

func testKey(t *testing.T) string {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return hex.EncodeToString(crypto.FromECDSA(key))
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := newApp(&stdout, &stderr).Run(append([]string{"chronicle-pay"}, args...))
	return stdout.String(), stderr.String(), err
}

func exitCode(err error) int {
	var ec cli.ExitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	return -1
}

// ── upload ────────────────────────────────────────────────────────────────────

func TestUpload_EstimateDoesNotPay(t *testing.T) {
	srv, st := chronicleServer(t)
	path := writeFile(t, "notes.md", []byte("# hello"))

	out, _, err := run(t, "upload", "-url", srv.URL, "-file", path, "-estimate")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out, "Price: $0.01 USD for 7 bytes") {
		t.Errorf("output = %q", out)
	}
	if strings.Contains(out, "State:") || st.count() != 0 {
		t.Errorf("estimate paid: %q uploads=%d", out, st.count())
	}
}

func TestUpload_PaysAndLists(t *testing.T) {
	srv, st := chronicleServer(t)
	key := testKey(t)
	path := writeFile(t, "notes.md", []byte("# hello"))

	out, _, err := run(t, "upload", "-url", srv.URL, "-key", key, "-file", path)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, want := range []string{"State: DONE after 2 attempt(s)", "Authorized: 10000 atomic units", `"id":"doc-1"`} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if st.count() != 1 || st.uploads[0].ContentType != "text/markdown" {
		t.Fatalf("uploads = %+v", st.uploads)
	}
	var docName string
	for _, tag := range st.uploads[0].Tags {
		if tag.Name == "Document-Name" {
			docName = tag.Value
		}
	}
	if docName != "notes.md" {
		t.Errorf("Document-Name = %q", docName)
	}

	out, _, err = run(t, "uploads", "-url", srv.URL, "-key", key)
	if err != nil {
		t.Fatalf("uploads: %v", err)
	}
	if !strings.Contains(out, ": 1 uploads") || !strings.Contains(out, "doc-1") || !strings.Contains(out, "$0.01 USD") {
		t.Errorf("uploads output:\n%s", out)
	}
}

func TestUpload_ImageSentAsDataURL(t *testing.T) {
	srv, st := chronicleServer(t)
	png := []byte("\x89PNG\r\n\x1a\n0000")
	path := writeFile(t, "pixel.png", png)

	if _, _, err := run(t, "upload", "-url", srv.URL, "-key", testKey(t), "-file", path); err != nil {
		t.Fatalf("run: %v", err)
	}
	if st.count() != 1 {
		t.Fatal("no upload")
	}
	up := st.uploads[0]
	if up.ContentType != "image/png" || !bytes.Equal(up.Data, png) {
		t.Errorf("upload = %q %q", up.ContentType, up.Data)
	}
}

func TestUpload_MaxRefusesPrice(t *testing.T) {
	srv, st := chronicleServer(t)
	// 4 MiB costs $0.05.
	path := writeFile(t, "big.md", bytes.Repeat([]byte("a"), 4<<20))

	out, _, err := run(t, "upload", "-url", srv.URL, "-key", testKey(t), "-file", path, "-max", "0.02")
	if exitCode(err) != 1 {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(err.Error(), "None of the payment options") {
		t.Errorf("err = %v", err)
	}
	if !strings.Contains(out, "Price: $0.05 USD") || st.count() != 0 {
		t.Errorf("output = %q uploads=%d", out, st.count())
	}
}

func TestUpload_NoKey(t *testing.T) {
	t.Setenv("CHRONICLE_PRIVATE_KEY", "")
	srv, _ := chronicleServer(t)
	path := writeFile(t, "notes.md", []byte("x"))
	_, _, err := run(t, "upload", "-url", srv.URL, "-file", path)
	if exitCode(err) != 2 {
		t.Fatalf("err = %v", err)
	}
}

// ── ai / price ────────────────────────────────────────────────────────────────

func TestAI_ReportsFailureAfterPayment(t *testing.T) {
	srv, _ := chronicleServer(t)
	out, _, err := run(t, "ai", "-url", srv.URL, "-key", testKey(t), "-kind", "text", "-prompt", "hi")
	if exitCode(err) != 1 || !strings.Contains(err.Error(), "503") {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(out, "Authorized: 10000") {
		t.Errorf("output = %q", out)
	}
}

func TestAI_EditNeedsImage(t *testing.T) {
	_, _, err := run(t, "ai", "-key", testKey(t), "-kind", "image-edit", "-prompt", "hat")
	if exitCode(err) != 2 {
		t.Fatalf("err = %v", err)
	}
}

func TestPrice_FallsBackOffline(t *testing.T) {
	srv := httptest.NewServer(nil)
	srv.Close()

	out, stderr, err := run(t, "price", "-url", srv.URL, "-size", "104857600")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Price: $1.25 USD for 104857600 bytes") {
		t.Errorf("output = %q", out)
	}
	if !strings.Contains(stderr, "using local prices") {
		t.Errorf("stderr = %q", stderr)
	}
}

func priceLine(t *testing.T, out string) string {
	t.Helper()
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "Price: ") {
			return line
		}
	}
	t.Fatalf("no price line in %q", out)
	return ""
}

func TestPrice_FileMatchesUploadEstimate(t *testing.T) {
	srv, _ := chronicleServer(t)
	// 3 MiB raw is $0.04; as a base64 data URL it is $0.05.
	png := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 3<<20)...)
	path := writeFile(t, "photo.png", png)

	priced, _, err := run(t, "price", "-url", srv.URL, "-file", path)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	estimated, _, err := run(t, "upload", "-url", srv.URL, "-file", path, "-estimate")
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if got, want := priceLine(t, priced), priceLine(t, estimated); got != want {
		t.Errorf("price -file = %q\nupload -estimate = %q", got, want)
	}
	if !strings.Contains(priced, "Price: $0.05 USD") {
		t.Errorf("price output = %q", priced)
	}
}

func TestTypeFromExt(t *testing.T) {
	cases := map[string]string{
		"a.md":      storage.TypeMarkdown,
		"b.TXT":     storage.TypeMarkdown,
		"c.jpeg":    storage.TypeImage,
		"d.json":    storage.TypeJSON,
		"e.unknown": storage.TypeJSON,
	}
	for path, want := range cases {
		if got := typeFromExt(path); got != want {
			t.Errorf("%s: got %s, want %s", path, got, want)
		}
	}
}
