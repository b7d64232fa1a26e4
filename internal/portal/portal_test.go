package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"giftledger/internal/apikey"
	"giftledger/internal/common/logging"
	"giftledger/internal/common/money"
	"giftledger/internal/delivery/email"
	"giftledger/internal/delivery/webhook"
	"giftledger/internal/identity"
	"giftledger/internal/ledger"
	"giftledger/internal/ledger/domain"
	"giftledger/internal/ledger/store"
)

const secret = "portal-test-secret"

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Meta    *struct {
		Total int64 `json:"total"`
	} `json:"meta"`
	Error *struct {
		Code string `json:"code"`
	} `json:"error"`
}

type harness struct {
	t      *testing.T
	server *httptest.Server
	ledger *ledger.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := logging.Discard()
	st := store.NewMemory()
	if err := st.InsertMerchant(context.Background(), &domain.Merchant{
		ID: "m1", Name: "One", Currency: money.USD,
		MinLoadAmount: 100, MaxLoadAmount: 50000, MaxCardBalance: 100000,
		Status: domain.MerchantStatusActive,
	}); err != nil {
		t.Fatalf("insert merchant: %v", err)
	}

	svc := ledger.NewService(st, ledger.Config{CodePepper: "pepper"}, nil, logger)
	keys := apikey.NewService(apikey.NewMemory(), svc.Directory(), nil, logger)
	hooks := webhook.NewService(webhook.NewMemory(), webhook.Config{}, nil, nil, logger)
	mail := email.NewService(email.NewMemory(), email.NewLogProvider(logger), email.Config{}, nil, nil, logger)
	verifier := identity.NewTokenVerifier(identity.Config{JWTSecret: secret, JWTIssuer: "idp"})

	r := chi.NewRouter()
	r.Mount("/portal/v1", New(svc, keys, hooks, mail, verifier, nil, logger).Routes())
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return &harness{t: t, server: server, ledger: svc}
}

func (h *harness) token(role identity.Role) string {
	h.t.Helper()
	tok, err := identity.Sign(secret, "idp", "user-"+string(role), role, "m1", time.Hour)
	if err != nil {
		h.t.Fatalf("sign: %v", err)
	}
	return tok
}

func (h *harness) do(method, path, token string, body any) (int, envelope) {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, h.server.URL+"/portal/v1"+path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var env envelope
	json.NewDecoder(resp.Body).Decode(&env)
	return resp.StatusCode, env
}

func (h *harness) card(balance int64) *ledger.IssuedCard {
	h.t.Helper()
	scope := identity.Scope{
		Role: identity.RoleOwner, ActorID: "seed", ActorType: identity.ActorUser,
		MerchantID: "m1", Permissions: identity.RolePermissions(identity.RoleOwner),
	}
	c, err := h.ledger.IssueCard(context.Background(), scope, ledger.IssueCardRequest{Type: domain.CardTypeDigital, InitialBalance: balance})
	if err != nil {
		h.t.Fatalf("issue: %v", err)
	}
	return c
}

func TestAuthentication(t *testing.T) {
	h := newHarness(t)

	if status, env := h.do(http.MethodGet, "/api-keys", "", nil); status != http.StatusUnauthorized || env.Error.Code != "UNAUTHORIZED" {
		t.Fatalf("missing token: %d %+v", status, env.Error)
	}
	if status, _ := h.do(http.MethodGet, "/api-keys", "not-a-jwt", nil); status != http.StatusUnauthorized {
		t.Fatalf("garbage token: %d", status)
	}
	forged, _ := identity.Sign("wrong-secret", "idp", "u", identity.RoleOwner, "m1", time.Hour)
	if status, _ := h.do(http.MethodGet, "/api-keys", forged, nil); status != http.StatusUnauthorized {
		t.Fatalf("forged token: %d", status)
	}
	expired, _ := identity.Sign(secret, "idp", "u", identity.RoleOwner, "m1", -time.Minute)
	if status, _ := h.do(http.MethodGet, "/api-keys", expired, nil); status != http.StatusUnauthorized {
		t.Fatalf("expired token: %d", status)
	}
}

func TestAdjustAndStatus(t *testing.T) {
	h := newHarness(t)
	card := h.card(1000)
	owner, staff := h.token(identity.RoleOwner), h.token(identity.RoleStaff)

	status, env := h.do(http.MethodPost, "/cards/"+card.ID+"/adjust", owner, map[string]any{"amount": -400, "reason": "goodwill correction"})
	if status != http.StatusCreated {
		t.Fatalf("adjust: %d %+v", status, env.Error)
	}
	var txn domain.Transaction
	json.Unmarshal(env.Data, &txn)
	if txn.Type != domain.TransactionTypeAdjust || txn.BalanceAfter != 600 {
		t.Fatalf("unexpected adjustment %+v", txn)
	}

	if status, _ := h.do(http.MethodPost, "/cards/"+card.ID+"/adjust", staff, map[string]any{"amount": 100, "reason": "x"}); status != http.StatusForbidden {
		t.Fatalf("staff adjust should be forbidden, got %d", status)
	}
	if status, _ := h.do(http.MethodPost, "/cards/"+card.ID+"/adjust", owner, map[string]any{"amount": 100}); status != http.StatusUnprocessableEntity {
		t.Fatalf("adjust without reason should fail validation, got %d", status)
	}

	status, env = h.do(http.MethodPatch, "/cards/"+card.ID+"/status", owner, map[string]any{"status": "suspended", "reason": "lost"})
	if status != http.StatusOK {
		t.Fatalf("suspend: %d %+v", status, env.Error)
	}
	var got domain.Card
	json.Unmarshal(env.Data, &got)
	if got.Status != domain.CardStatusSuspended {
		t.Fatalf("expected suspended, got %s", got.Status)
	}
	if status, _ := h.do(http.MethodPatch, "/cards/"+card.ID+"/status", owner, map[string]any{"status": "melted"}); status != http.StatusUnprocessableEntity {
		t.Fatalf("unknown status should be rejected, got %d", status)
	}
}

func TestRefund(t *testing.T) {
	h := newHarness(t)
	card := h.card(3000)
	owner := h.token(identity.RoleOwner)

	scope := identity.Scope{Role: identity.RoleOwner, ActorID: "seed", MerchantID: "m1", Permissions: []string{identity.PermAll}}
	redeem, err := h.ledger.Redeem(context.Background(), scope, card.ID, ledger.RedeemRequest{Amount: 1000})
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}

	status, env := h.do(http.MethodPost, "/transactions/"+redeem.ID+"/refund", owner, map[string]any{"reason": "returned"})
	if status != http.StatusCreated {
		t.Fatalf("refund: %d %+v", status, env.Error)
	}
	if status, env := h.do(http.MethodPost, "/transactions/"+redeem.ID+"/refund", owner, map[string]any{}); status != http.StatusConflict {
		t.Fatalf("second refund should conflict, got %d %+v", status, env.Error)
	}

	status, env = h.do(http.MethodGet, "/transactions?card_id="+card.ID, owner, nil)
	if status != http.StatusOK || env.Meta == nil || env.Meta.Total != 2 {
		t.Fatalf("list transactions: %d %+v", status, env.Meta)
	}
}

func TestAPIKeys(t *testing.T) {
	h := newHarness(t)
	owner := h.token(identity.RoleOwner)

	status, env := h.do(http.MethodPost, "/api-keys", owner, map[string]any{
		"name":        "pos terminal",
		"permissions": []string{"cards:read", "cards:redeem"},
	})
	if status != http.StatusCreated {
		t.Fatalf("create key: %d %+v", status, env.Error)
	}
	var created struct {
		ID    string `json:"id"`
		Token string `json:"token"`
		Hash  string `json:"hash"`
	}
	json.Unmarshal(env.Data, &created)
	if !strings.HasPrefix(created.Token, "gc") || created.Hash != "" {
		t.Fatalf("unexpected key response %s", env.Data)
	}

	status, env = h.do(http.MethodGet, "/api-keys", owner, nil)
	var keys []apikey.Key
	json.Unmarshal(env.Data, &keys)
	if status != http.StatusOK || len(keys) != 1 || strings.Contains(string(env.Data), created.Token) {
		t.Fatalf("list keys: %d %s", status, env.Data)
	}

	if status, _ := h.do(http.MethodPost, "/api-keys/"+created.ID+"/revoke", owner, nil); status != http.StatusOK {
		t.Fatalf("revoke: %d", status)
	}
	if status, _ := h.do(http.MethodPost, "/api-keys/"+created.ID+"/revoke", owner, nil); status != http.StatusConflict {
		t.Fatalf("second revoke should conflict, got %d", status)
	}
	if status, _ := h.do(http.MethodGet, "/api-keys", h.token(identity.RoleManager), nil); status != http.StatusForbidden {
		t.Fatalf("managers cannot manage keys, got %d", status)
	}
}

func TestWebhooksAndEmails(t *testing.T) {
	h := newHarness(t)
	owner := h.token(identity.RoleOwner)

	status, env := h.do(http.MethodPost, "/webhooks", owner, map[string]any{
		"url":    "https://hooks.example.com/giftcards",
		"events": []string{"card.loaded", "card.redeemed"},
	})
	if status != http.StatusCreated {
		t.Fatalf("create webhook: %d %+v", status, env.Error)
	}
	var ep struct {
		ID     string `json:"id"`
		Secret string `json:"secret"`
		Status string `json:"status"`
	}
	json.Unmarshal(env.Data, &ep)
	if ep.Secret == "" || ep.Status != "active" {
		t.Fatalf("unexpected endpoint %s", env.Data)
	}

	if status, _ := h.do(http.MethodPost, "/webhooks", owner, map[string]any{"url": "not a url", "events": []string{"*"}}); status != http.StatusUnprocessableEntity {
		t.Fatalf("bad url should fail validation, got %d", status)
	}

	status, env = h.do(http.MethodGet, "/webhooks", owner, nil)
	if status != http.StatusOK || strings.Contains(string(env.Data), ep.Secret) {
		t.Fatalf("list webhooks: %d %s", status, env.Data)
	}
	if status, _ := h.do(http.MethodPost, "/webhooks/"+ep.ID+"/enable", owner, nil); status != http.StatusOK {
		t.Fatalf("enable: %d", status)
	}
	status, env = h.do(http.MethodGet, "/webhooks/"+ep.ID+"/deliveries", owner, nil)
	if status != http.StatusOK || env.Meta == nil || env.Meta.Total != 0 {
		t.Fatalf("deliveries: %d %+v", status, env.Meta)
	}
	if status, _ := h.do(http.MethodGet, "/webhooks/missing/deliveries", owner, nil); status != http.StatusNotFound {
		t.Fatalf("unknown endpoint should 404, got %d", status)
	}

	if status, _ := h.do(http.MethodGet, "/emails/failed", owner, nil); status != http.StatusOK {
		t.Fatalf("failed emails: %d", status)
	}
	if status, _ := h.do(http.MethodGet, "/emails/failed", h.token(identity.RoleStaff), nil); status != http.StatusForbidden {
		t.Fatalf("staff cannot list failed emails, got %d", status)
	}
}

func TestSummaryReport(t *testing.T) {
	h := newHarness(t)
	card := h.card(0)
	scope := identity.Scope{Role: identity.RoleOwner, ActorID: "seed", MerchantID: "m1", Permissions: []string{identity.PermAll}}
	if _, err := h.ledger.Load(context.Background(), scope, card.ID, ledger.LoadRequest{Amount: 2000}); err != nil {
		t.Fatalf("load: %v", err)
	}

	status, env := h.do(http.MethodGet, "/reports/summary", h.token(identity.RoleManager), nil)
	if status != http.StatusOK {
		t.Fatalf("summary: %d %+v", status, env.Error)
	}
	var s ledger.Summary
	json.Unmarshal(env.Data, &s)
	if s.NetChange != 2000 || len(s.Lines) != 1 {
		t.Fatalf("unexpected summary %+v", s)
	}

	if status, _ := h.do(http.MethodGet, "/reports/summary?from=yesterday", h.token(identity.RoleManager), nil); status != http.StatusUnprocessableEntity {
		t.Fatalf("bad from should fail validation, got %d", status)
	}
	if status, _ := h.do(http.MethodGet, "/reports/summary", h.token(identity.RoleStaff), nil); status != http.StatusForbidden {
		t.Fatalf("staff lacks reports:read, got %d", status)
	}
}
