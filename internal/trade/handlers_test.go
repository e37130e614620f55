package trade_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tradepro/options-engine/internal/model"
	"github.com/tradepro/options-engine/internal/trade"
)

func (env *testEnv) do(t *testing.T, method, path, user string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(trade.UserHeader, user)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp["error"]
}

func openBody(symbol string, stake float64, dir, denom string) map[string]any {
	return map[string]any{
		"symbol":       symbol,
		"stake":        stake,
		"direction":    dir,
		"denomination": denom,
	}
}

func TestHTTP_OpenPosition(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/positions", "alice", openBody("BTC", 50, "up", "demo"))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var res trade.OpenResult
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.PositionID == "" || res.Symbol != "BTC" || !res.Stake.Equal(d(50)) {
		t.Errorf("unexpected response: %+v", res)
	}
	expectBalance(t, env.balance(t, "alice", model.Demo), 950)
}

func TestHTTP_OwnerComesFromHeader(t *testing.T) {
	env := newTestEnv(t)
	body := openBody("BTC", 50, "up", "demo")
	body["owner_id"] = "bob"

	w := env.do(t, "POST", "/api/v1/positions", "alice", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	expectBalance(t, env.balance(t, "alice", model.Demo), 950)
	expectBalance(t, env.balance(t, "bob", model.Demo), 1000)
}

func TestHTTP_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		user   string
		body   any
		status int
	}{
		{"missing user", "", openBody("BTC", 10, "up", "demo"), http.StatusUnauthorized},
		{"bad body", "alice", "not an object", http.StatusBadRequest},
		{"bad direction", "alice", openBody("BTC", 10, "left", "demo"), http.StatusBadRequest},
		{"zero stake", "alice", openBody("BTC", 0, "up", "demo"), http.StatusBadRequest},
		{"kyc", "bob", openBody("BTC", 10, "up", "real"), http.StatusForbidden},
		{"unknown owner", "ghost", openBody("BTC", 10, "up", "demo"), http.StatusNotFound},
		{"insufficient", "alice", openBody("BTC", 5000, "up", "demo"), http.StatusConflict},
		{"disabled asset", "alice", openBody("ETH", 10, "up", "demo"), http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			w := env.do(t, "POST", "/api/v1/positions", tt.user, tt.body)
			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			if decodeError(t, w) == "" {
				t.Error("expected error message")
			}
		})
	}
}

func TestHTTP_TradingDisabledIs503(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "PUT", "/api/v1/admin/settings", "", map[string]any{"trading_enabled": false}, trade.AdminHeader, "secret")
	if w.Code != http.StatusOK {
		t.Fatalf("update settings: %d %s", w.Code, w.Body.String())
	}

	w = env.do(t, "POST", "/api/v1/positions", "alice", openBody("BTC", 10, "up", "demo"))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

func TestHTTP_CancelAndReverse(t *testing.T) {
	env := newTestEnv(t)
	first := env.open(t, "alice", model.Up, model.Demo, 50)
	second := env.open(t, "alice", model.Up, model.Demo, 50)

	if w := env.do(t, "DELETE", "/api/v1/positions/"+first.PositionID, "bob", nil); w.Code != http.StatusForbidden {
		t.Errorf("foreign cancel: expected 403, got %d", w.Code)
	}
	if w := env.do(t, "DELETE", "/api/v1/positions/"+first.PositionID, "alice", nil); w.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d", w.Code)
	}
	if w := env.do(t, "DELETE", "/api/v1/positions/"+first.PositionID, "alice", nil); w.Code != http.StatusConflict {
		t.Errorf("second cancel: expected 409, got %d", w.Code)
	}

	env.oracle.set(99)
	w := env.do(t, "POST", "/api/v1/positions/"+second.PositionID+"/reverse", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("reverse: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res trade.ReverseResult
	json.NewDecoder(w.Body).Decode(&res)
	if res.Direction != model.Down || res.Result != model.ResultWin {
		t.Errorf("unexpected reverse response: %+v", res)
	}

	if w := env.do(t, "POST", "/api/v1/positions/missing/reverse", "alice", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing reverse: expected 404, got %d", w.Code)
	}
}

func TestHTTP_History(t *testing.T) {
	env := newTestEnv(t)
	env.open(t, "alice", model.Up, model.Demo, 10)
	env.open(t, "alice", model.Up, model.Real, 10)

	w := env.do(t, "GET", "/api/v1/positions?denomination=real", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var positions []model.Position
	json.NewDecoder(w.Body).Decode(&positions)
	if len(positions) != 1 || positions[0].Denomination != model.Real {
		t.Errorf("expected 1 real position, got %+v", positions)
	}

	if w := env.do(t, "GET", "/api/v1/positions?denomination=gold", "alice", nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestHTTP_AccountAndAssets(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "GET", "/api/v1/account", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("account: expected 200, got %d", w.Code)
	}
	var acct model.Account
	json.NewDecoder(w.Body).Decode(&acct)
	if acct.ID != "alice" || !acct.RealBalance.Equal(d(500)) {
		t.Errorf("unexpected account: %+v", acct)
	}

	w = env.do(t, "GET", "/api/v1/assets", "", nil)
	var assets []model.Asset
	json.NewDecoder(w.Body).Decode(&assets)
	if len(assets) != 1 || assets[0].Symbol != "BTC" {
		t.Errorf("expected only BTC to be tradable, got %+v", assets)
	}
}

func TestHTTP_FollowLeader(t *testing.T) {
	env := newTestEnv(t)

	if w := env.do(t, "POST", "/api/v1/leaders/leader/follow", "alice", nil); w.Code != http.StatusOK {
		t.Fatalf("follow: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	leader, _ := env.store.GetAccount(t.Context(), "leader")
	if len(leader.Followers) != 3 {
		t.Errorf("expected 3 followers, got %v", leader.Followers)
	}

	if w := env.do(t, "POST", "/api/v1/leaders/bob/follow", "alice", nil); w.Code != http.StatusBadRequest {
		t.Errorf("non-leader: expected 400, got %d", w.Code)
	}
	if w := env.do(t, "POST", "/api/v1/leaders/leader/follow", "leader", nil); w.Code != http.StatusBadRequest {
		t.Errorf("self follow: expected 400, got %d", w.Code)
	}
	if w := env.do(t, "POST", "/api/v1/leaders/ghost/follow", "alice", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown leader: expected 404, got %d", w.Code)
	}

	w := env.do(t, "GET", "/api/v1/leaders", "", nil)
	var leaders []struct {
		ID        string `json:"id"`
		Followers int    `json:"followers"`
	}
	json.NewDecoder(w.Body).Decode(&leaders)
	if len(leaders) != 1 || leaders[0].ID != "leader" || leaders[0].Followers != 3 {
		t.Errorf("unexpected leaders: %+v", leaders)
	}

	if w := env.do(t, "DELETE", "/api/v1/leaders/leader/follow", "alice", nil); w.Code != http.StatusOK {
		t.Errorf("unfollow: expected 200, got %d", w.Code)
	}
}

func TestHTTP_AdminRequiresToken(t *testing.T) {
	env := newTestEnv(t)

	if w := env.do(t, "GET", "/api/v1/admin/settings", "alice", nil); w.Code != http.StatusForbidden {
		t.Errorf("no token: expected 403, got %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/v1/admin/settings", "", nil, trade.AdminHeader, "wrong"); w.Code != http.StatusForbidden {
		t.Errorf("wrong token: expected 403, got %d", w.Code)
	}

	w := env.do(t, "GET", "/api/v1/admin/settings", "", nil, trade.AdminHeader, "secret")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var s model.TradeSettings
	json.NewDecoder(w.Body).Decode(&s)
	if !s.PayoutPercentage.Equal(d(80)) || s.ExpirySeconds != 60 {
		t.Errorf("unexpected settings: %+v", s)
	}
}

func TestHTTP_AdminForceClose(t *testing.T) {
	env := newTestEnv(t)
	env.open(t, "alice", model.Up, model.Demo, 100)
	env.open(t, "bob", model.Up, model.Demo, 100)

	w := env.do(t, "GET", "/api/v1/admin/positions/open", "", nil, trade.AdminHeader, "secret")
	var open []model.Position
	json.NewDecoder(w.Body).Decode(&open)
	if len(open) != 2 {
		t.Fatalf("expected 2 open positions, got %d", len(open))
	}

	w = env.do(t, "POST", "/api/v1/admin/positions/force-close", "", nil, trade.AdminHeader, "secret")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]int
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["closed"] != 2 {
		t.Errorf("expected closed=2, got %v", resp)
	}
	expectBalance(t, env.balance(t, "alice", model.Demo), 1000)

	w = env.do(t, "POST", "/api/v1/admin/positions/force-close", "", map[string]string{"position_id": "missing"}, trade.AdminHeader, "secret")
	if w.Code != http.StatusNotFound {
		t.Errorf("missing position: expected 404, got %d", w.Code)
	}
}

func TestHTTP_AdminAssetAndAccount(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "PUT", "/api/v1/admin/assets/sol", "", map[string]bool{"market_open": true}, trade.AdminHeader, "secret")
	if w.Code != http.StatusOK {
		t.Fatalf("set asset: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w := env.do(t, "POST", "/api/v1/positions", "alice", openBody("SOL", 10, "down", "demo")); w.Code != http.StatusCreated {
		t.Errorf("expected SOL open to succeed, got %d", w.Code)
	}

	w = env.do(t, "PUT", "/api/v1/admin/accounts/bob", "", map[string]any{"kyc_status": "approved", "real_credit": "100"}, trade.AdminHeader, "secret")
	if w.Code != http.StatusOK {
		t.Fatalf("provision: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w := env.do(t, "POST", "/api/v1/positions", "bob", openBody("BTC", 10, "up", "real")); w.Code != http.StatusCreated {
		t.Errorf("expected real open after KYC approval, got %d", w.Code)
	}
	expectBalance(t, env.balance(t, "bob", model.Real), 90)

	w = env.do(t, "PUT", "/api/v1/admin/settings", "", map[string]any{"spread": "1.5"}, trade.AdminHeader, "secret")
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid spread: expected 400, got %d", w.Code)
	}
}

func TestHTTP_MyLeadersAndFollowers(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "GET", "/api/v1/leaders/mine", "rich", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("leaders/mine: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var mine []struct {
		ID        string `json:"id"`
		Followers int    `json:"followers"`
	}
	json.NewDecoder(w.Body).Decode(&mine)
	if len(mine) != 1 || mine[0].ID != "leader" || mine[0].Followers != 2 {
		t.Errorf("unexpected leaders for rich: %+v", mine)
	}

	w = env.do(t, "GET", "/api/v1/leaders/mine", "alice", nil)
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("alice follows nobody: got %d %s", w.Code, w.Body.String())
	}

	w = env.do(t, "GET", "/api/v1/followers", "leader", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("followers: expected 200, got %d", w.Code)
	}
	var followers []string
	json.NewDecoder(w.Body).Decode(&followers)
	if len(followers) != 2 || followers[0] != "rich" || followers[1] != "poor" {
		t.Errorf("unexpected followers: %v", followers)
	}

	if w := env.do(t, "GET", "/api/v1/followers", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no caller: expected 401, got %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/v1/leaders/mine", "ghost", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown caller: expected 404, got %d", w.Code)
	}
}

func TestHTTP_AdminAssetCatalog(t *testing.T) {
	env := newTestEnv(t)

	if w := env.do(t, "GET", "/api/v1/admin/assets", "", nil); w.Code != http.StatusForbidden {
		t.Errorf("no token: expected 403, got %d", w.Code)
	}

	w := env.do(t, "GET", "/api/v1/admin/assets", "", nil, trade.AdminHeader, "secret")
	var all []model.Asset
	json.NewDecoder(w.Body).Decode(&all)
	if len(all) != 3 || all[0].Symbol != "BTC" || all[1].Symbol != "ETH" || all[2].Symbol != "SOL" {
		t.Errorf("expected all three assets, got %+v", all)
	}

	w = env.do(t, "GET", "/api/v1/admin/assets/eth", "", nil, trade.AdminHeader, "secret")
	if w.Code != http.StatusOK {
		t.Fatalf("get asset: expected 200, got %d", w.Code)
	}
	var eth model.Asset
	json.NewDecoder(w.Body).Decode(&eth)
	if eth.Symbol != "ETH" || eth.Enabled {
		t.Errorf("unexpected asset: %+v", eth)
	}
	if w := env.do(t, "GET", "/api/v1/admin/assets/DOGE", "", nil, trade.AdminHeader, "secret"); w.Code != http.StatusNotFound {
		t.Errorf("missing asset: expected 404, got %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/v1/admin/assets/b$d", "", nil, trade.AdminHeader, "secret"); w.Code != http.StatusBadRequest {
		t.Errorf("bad symbol: expected 400, got %d", w.Code)
	}

	if w := env.do(t, "DELETE", "/api/v1/admin/assets/btc", "", nil, trade.AdminHeader, "secret"); w.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d: %s", w.Code, w.Body.String())
	}
	if w := env.do(t, "DELETE", "/api/v1/admin/assets/btc", "", nil, trade.AdminHeader, "secret"); w.Code != http.StatusNotFound {
		t.Errorf("second delete: expected 404, got %d", w.Code)
	}
	if w := env.do(t, "POST", "/api/v1/positions", "alice", openBody("BTC", 10, "up", "demo")); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("deleted asset: expected 422, got %d", w.Code)
	}
	w = env.do(t, "GET", "/api/v1/assets", "", nil)
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("expected no tradable assets, got %s", w.Body.String())
	}
}
