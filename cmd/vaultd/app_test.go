package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"AgentVault/internal/config"
)

const testConfig = `
server:
  address: "127.0.0.1:0"
auth:
  mode: disabled
vault:
  id: vault-demo
  address: "0x00000000000000000000000000000000000000b0"
  chain_id: 31337
  borrow_preview: true
  policy:
    min_health_factor: "1.5"
    max_borrow_per_tx: "100"
    max_borrow_per_day: "1000"
  allowlists:
    collateral: ["0x00000000000000000000000000000000000000e1"]
    borrow: ["0x00000000000000000000000000000000000000e2"]
    payee: ["0x00000000000000000000000000000000000000c0"]
lending:
  reserves:
    - asset: "0x00000000000000000000000000000000000000e1"
      price: "1"
      liquidation_threshold_bps: 8000
    - asset: "0x00000000000000000000000000000000000000e2"
      price: "1"
      liquidation_threshold_bps: 0
  balances:
    - asset: "0x00000000000000000000000000000000000000e1"
      holder: "0x00000000000000000000000000000000000000b0"
      amount: "1000"
    - asset: "0x00000000000000000000000000000000000000e2"
      holder: "0x000000000000000000000000000000000000a11e"
      amount: "100000"
`

func loadTestConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vaultd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMemoryDeploymentExecutesPlanEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := loadTestConfig(t)
	a, err := newApp(ctx, cfg)
	require.NoError(t, err)
	defer a.close()

	h := a.server.Handler()
	rec := do(t, h, http.MethodPost, "/api/v1/admin/collateral/supply", map[string]string{
		"asset":  "0x00000000000000000000000000000000000000e1",
		"amount": "1000",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/api/v1/plans/execute", map[string]any{
		"borrow_asset":  "0x00000000000000000000000000000000000000e2",
		"borrow_amount": "50",
		"payee":         "0x00000000000000000000000000000000000000c0",
		"expires_at":    time.Now().Add(time.Hour).Unix(),
		"nonce":         1,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, uint64(1), a.vault.Nonce())

	events, err := os.ReadFile(cfg.Storage.Events.Path)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(events), "vault-demo"), "event log must contain the committed execution")
}

func TestMemoryPoolSeeding(t *testing.T) {
	cfg := loadTestConfig(t)
	vaultAddr := common.HexToAddress("0x00000000000000000000000000000000000000b0")
	client, err := buildMemoryPool(cfg.Lending, vaultAddr)
	require.NoError(t, err)
	require.Equal(t, vaultAddr, client.Caller())

	bal, err := client.BalanceOf(context.Background(), common.HexToAddress("0x00000000000000000000000000000000000000e1"), vaultAddr)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), bal.Uint64())

	cfg.Lending.Reserves[0].Price = "bad"
	_, err = buildMemoryPool(cfg.Lending, vaultAddr)
	require.Error(t, err)
}

func TestNewAppFailsFastOnUnreachableBackends(t *testing.T) {
	cfg := loadTestConfig(t)
	cfg.Storage.State.Driver = "redis"
	cfg.Storage.Redis.Addr = ""
	_, err := newApp(context.Background(), cfg)
	require.Error(t, err)
}
