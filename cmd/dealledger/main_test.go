package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/davidahmann/dealledger/internal/auth"
	"github.com/davidahmann/dealledger/internal/config"
)

const (
	testPolicy = "../../policies/dealledger.yaml"
	testSecret = "cli-test-secret-0123456789"
)

func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "dealledger.yaml")
	data := `listen_addr: "127.0.0.1:0"
policy_path: "` + testPolicy + `"
auth:
  dev_token: dev-token
  dev_subject: alice
  dev_roles: [deal_lead, operator]
  jwt_secret: "` + testSecret + `"
  issuer: dealledger
log:
  level: error
` + extra
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPolicyCheck(t *testing.T) {
	code, out, errOut := runCLI(t, "policy", "check", testPolicy)
	if code != 0 {
		t.Fatalf("expected 0, got %d: %s", code, errOut)
	}
	if !strings.Contains(out, "ok policy_id=dealledger-default") || !strings.Contains(out, "FINALIZE_CLOSING") {
		t.Fatalf("unexpected output: %s", out)
	}

	code, _, errOut = runCLI(t, "policy", "check", "missing.yaml")
	if code != 1 || !strings.Contains(errOut, "error:") {
		t.Fatalf("expected failure, got %d %q", code, errOut)
	}
}

func TestUnknownCommand(t *testing.T) {
	if code, _, _ := runCLI(t, "frobnicate"); code != 1 {
		t.Fatalf("expected 1, got %d", code)
	}
}

func TestTokenIssue(t *testing.T) {
	cfgPath := writeConfig(t, "")
	code, out, errOut := runCLI(t, "--config", cfgPath, "token", "issue", "--subject", "cora", "--role", "counsel", "--role", "deal_lead")
	if code != 0 {
		t.Fatalf("expected 0, got %d: %s", code, errOut)
	}

	a, err := auth.NewJWTAuthenticator(testSecret, "dealledger")
	if err != nil {
		t.Fatalf("authenticator: %v", err)
	}
	claims, err := a.AuthenticateBearer(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("issued token rejected: %v", err)
	}
	if claims.Subject != "cora" || len(claims.Roles) != 2 {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	if code, _, _ := runCLI(t, "--config", cfgPath, "token", "issue"); code != 1 {
		t.Fatalf("expected missing subject to fail")
	}
}

func TestMigrateAndVerifySQLite(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	cfgPath := writeConfig(t, "db:\n  driver: sqlite\n  dsn: \""+dbPath+"\"\n")

	code, out, errOut := runCLI(t, "--config", cfgPath, "migrate")
	if code != 0 || !strings.Contains(out, "ok driver=sqlite") || !strings.Contains(out, "0002_outbox applied=true sha256:") {
		t.Fatalf("migrate: %d %q %q", code, out, errOut)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	a, err := openApp(context.Background(), cfg, quietLogger())
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	deal, err := a.svc.CreateDeal(context.Background(), "Persisted", "alice")
	if err != nil {
		t.Fatalf("create deal: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	code, out, errOut = runCLI(t, "--config", cfgPath, "verify", deal.ID)
	if code != 0 || !strings.Contains(out, "valid=true") || !strings.Contains(out, "length=1") {
		t.Fatalf("verify: %d %q %q", code, out, errOut)
	}

	code, _, errOut = runCLI(t, "--config", cfgPath, "verify", "no-such-deal")
	if code != 1 || !strings.Contains(errOut, "not found") {
		t.Fatalf("expected not found, got %d %q", code, errOut)
	}
}

func TestCheckpointCommand(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "ledger.key")
	if err := os.WriteFile(keyPath, []byte("hex:"+strings.Repeat("07", 32)), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	dbPath := filepath.Join(dir, "ledger.db")
	cfgPath := writeConfig(t, "db:\n  driver: sqlite\n  dsn: \""+dbPath+"\"\nsigning_key:\n  key_id: ledger-1\n  private_key_path: \""+keyPath+"\"\n")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	a, err := openApp(context.Background(), cfg, quietLogger())
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	deal, err := a.svc.CreateDeal(context.Background(), "Signed", "alice")
	if err != nil {
		t.Fatalf("create deal: %v", err)
	}
	_ = a.Close()

	code, out, errOut := runCLI(t, "--config", cfgPath, "checkpoint", deal.ID)
	if code != 0 {
		t.Fatalf("checkpoint: %d %q", code, errOut)
	}
	if !strings.Contains(out, `"key_id": "ledger-1"`) || !strings.Contains(out, `"deal_id": "`+deal.ID+`"`) {
		t.Fatalf("unexpected checkpoint: %s", out)
	}
}

func TestExportCommand(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "ledger.db")
	cfgPath := writeConfig(t, "db:\n  driver: sqlite\n  dsn: \""+dbPath+"\"\n")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	a, err := openApp(context.Background(), cfg, quietLogger())
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	deal, err := a.svc.CreateDeal(context.Background(), "Exported", "alice")
	if err != nil {
		t.Fatalf("create deal: %v", err)
	}
	_ = a.Close()

	out := filepath.Join(dir, "packs", "deal.zip")
	code, stdout, errOut := runCLI(t, "--config", cfgPath, "export", deal.ID, "--out", out)
	if code != 0 || !strings.Contains(stdout, "valid=true length=1") {
		t.Fatalf("export: %d %q %q", code, stdout, errOut)
	}
	info, err := os.Stat(out)
	if err != nil || info.Size() == 0 {
		t.Fatalf("expected pack at %s: %v", out, err)
	}
}

func TestServeWiresRouter(t *testing.T) {
	cfgPath := writeConfig(t, "outbox:\n  enabled: true\n  publisher: log\n")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	var health, deals int
	listen := func(server *http.Server) error {
		rr := httptest.NewRecorder()
		server.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		health = rr.Code

		req := httptest.NewRequest(http.MethodPost, "/v1/deals", strings.NewReader(`{"name":"Wired"}`))
		req.Header.Set("Authorization", "Bearer dev-token")
		rr = httptest.NewRecorder()
		server.Handler.ServeHTTP(rr, req)
		deals = rr.Code
		return http.ErrServerClosed
	}

	if err := serve(context.Background(), cfg, quietLogger(), listen); err != nil {
		t.Fatalf("serve: %v", err)
	}
	if health != http.StatusOK || deals != http.StatusCreated {
		t.Fatalf("unexpected statuses: healthz=%d deals=%d", health, deals)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	done := make(chan struct{})
	listen := func(*http.Server) error {
		close(started)
		<-done
		return http.ErrServerClosed
	}
	go func() {
		<-started
		cancel()
		close(done)
	}()
	if err := serve(ctx, cfg, quietLogger(), listen); err != nil {
		t.Fatalf("serve: %v", err)
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := newLogger(config.LogConfig{Level: "debug", Format: "text"}, io.Discard); err != nil {
		t.Fatalf("text logger: %v", err)
	}
	if _, err := newLogger(config.LogConfig{Level: "loud"}, io.Discard); err == nil {
		t.Fatalf("expected bad level error")
	}
	if _, err := newLogger(config.LogConfig{Format: "xml"}, io.Discard); err == nil {
		t.Fatalf("expected bad format error")
	}
}

func TestOpenStoreRejectsUnknownDriver(t *testing.T) {
	if _, _, err := openStore(context.Background(), config.DBConfig{Driver: "oracle"}); err == nil {
		t.Fatalf("expected error")
	}
	if _, _, err := openLocker(context.Background(), config.LockConfig{Driver: "zookeeper"}); err == nil {
		t.Fatalf("expected error")
	}
}
