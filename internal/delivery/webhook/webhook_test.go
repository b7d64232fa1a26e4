package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"giftledger/internal/common/apperr"
	"giftledger/internal/common/events"
	"giftledger/internal/common/logging"
	"giftledger/internal/delivery"
	"giftledger/internal/identity"
)

var owner = identity.Scope{
	Role:        identity.RoleOwner,
	ActorID:     "user-1",
	ActorType:   identity.ActorUser,
	MerchantID:  "m1",
	Permissions: identity.RolePermissions(identity.RoleOwner),
}

type received struct {
	header http.Header
	body   []byte
}

type receiver struct {
	mu     sync.Mutex
	status int
	got    []received
	srv    *httptest.Server
}

func newReceiver(t *testing.T, status int) *receiver {
	t.Helper()
	rc := &receiver{status: status}
	rc.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rc.mu.Lock()
		rc.got = append(rc.got, received{header: r.Header.Clone(), body: body})
		status := rc.status
		rc.mu.Unlock()
		w.WriteHeader(status)
		w.Write([]byte("nope"))
	}))
	t.Cleanup(rc.srv.Close)
	return rc
}

func (rc *receiver) calls() []received {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]received(nil), rc.got...)
}

type fixture struct {
	svc   *Service
	store *Memory
	clock time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{store: NewMemory(), clock: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	f.svc = NewService(f.store, cfg, nil, nil, logging.Discard())
	f.svc.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) endpoint(t *testing.T, url string, evs ...string) *CreatedEndpoint {
	t.Helper()
	e, err := f.svc.CreateEndpoint(context.Background(), owner, CreateEndpointRequest{URL: url, Events: evs})
	if err != nil {
		t.Fatalf("create endpoint: %v", err)
	}
	return e
}

func loadedEvent(t *testing.T, merchantID string) *events.Event {
	t.Helper()
	ev, err := events.NewEvent(events.EventCardLoaded, merchantID, "card", "card-1", events.TransactionData{
		TransactionID: "txn-1",
		CardID:        "card-1",
		Type:          "load",
		Amount:        500,
		BalanceAfter:  500,
		Currency:      "USD",
	})
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	return ev
}

func TestSignAndVerify(t *testing.T) {
	payload := []byte(`{"event":"card.loaded"}`)
	sig := Sign("whsec_test", "1772366400", payload)
	if len(sig) != 64 {
		t.Fatalf("expected hex sha256, got %q", sig)
	}
	if !Verify("whsec_test", "1772366400", payload, sig) {
		t.Fatalf("signature should verify")
	}
	if Verify("whsec_test", "1772366401", payload, sig) {
		t.Fatalf("a different timestamp must not verify")
	}
	if Verify("other", "1772366400", payload, sig) {
		t.Fatalf("a different secret must not verify")
	}
}

func TestPublishQueuesForSubscribedActiveEndpoints(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	all := f.endpoint(t, "https://a.example.com/hook", AllEvents)
	loads := f.endpoint(t, "https://b.example.com/hook", events.EventCardLoaded)
	f.endpoint(t, "https://c.example.com/hook", events.EventCustomerCreated)
	disabled := f.endpoint(t, "https://d.example.com/hook", AllEvents)
	f.store.endpoints[disabled.ID].Status = EndpointDisabled

	if err := f.svc.Publish(ctx, loadedEvent(t, "m1")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := f.svc.Publish(ctx, loadedEvent(t, "m2")); err != nil {
		t.Fatalf("publish other merchant: %v", err)
	}

	for _, id := range []string{all.ID, loads.ID} {
		ds, total, err := f.svc.ListDeliveries(ctx, owner, id, 10, 0)
		if err != nil || total != 1 {
			t.Fatalf("endpoint %s: expected one delivery, got %d %v", id, total, err)
		}
		var body Body
		if err := json.Unmarshal(ds[0].Payload, &body); err != nil {
			t.Fatalf("payload: %v", err)
		}
		if body.Event != events.EventCardLoaded || body.MerchantID != "m1" || len(body.Data) == 0 {
			t.Fatalf("unexpected body %+v", body)
		}
	}
	if _, total, _ := f.svc.ListDeliveries(ctx, owner, disabled.ID, 10, 0); total != 0 {
		t.Fatalf("disabled endpoints get no new deliveries")
	}
}

func TestDrainDeliversSignedRequest(t *testing.T) {
	rc := newReceiver(t, http.StatusNoContent)
	f := newFixture(t, Config{})
	ctx := context.Background()
	ep := f.endpoint(t, rc.srv.URL, events.EventCardLoaded)

	if err := f.svc.Publish(ctx, loadedEvent(t, "m1")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	stats, err := f.svc.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if stats != (delivery.Stats{Claimed: 1, Delivered: 1}) {
		t.Fatalf("unexpected stats %+v", stats)
	}

	calls := rc.calls()
	if len(calls) != 1 {
		t.Fatalf("expected one request, got %d", len(calls))
	}
	h := calls[0].header
	if !Verify(ep.Secret, h.Get(HeaderTimestamp), calls[0].body, h.Get(HeaderSignature)) {
		t.Fatalf("request signature does not verify")
	}
	if h.Get(HeaderTimestamp) != "1772366400" {
		t.Fatalf("unexpected timestamp %q", h.Get(HeaderTimestamp))
	}
	if h.Get(HeaderEvent) != events.EventCardLoaded || h.Get(HeaderID) == "" {
		t.Fatalf("missing webhook headers: %v", h)
	}
	if !strings.Contains(string(calls[0].body), `"merchantId":"m1"`) {
		t.Fatalf("unexpected body %s", calls[0].body)
	}

	d, _ := f.store.Delivery(h.Get(HeaderID))
	if d.Status != DeliveryDelivered || d.Attempts != 1 || d.DeliveredAt == nil || *d.ResponseStatus != 204 {
		t.Fatalf("delivery not completed: %+v", d)
	}
	got, _ := f.store.GetEndpoint(ctx, "m1", ep.ID)
	if got.LastDeliveredAt == nil || got.FailureCount != 0 {
		t.Fatalf("endpoint not updated: %+v", got)
	}

	// Nothing left to send.
	if stats, _ := f.svc.Drain(ctx); stats.Claimed != 0 {
		t.Fatalf("delivered items must not be claimed again")
	}
}

func TestFailedDeliveryBacksOffThenFails(t *testing.T) {
	rc := newReceiver(t, http.StatusInternalServerError)
	f := newFixture(t, Config{Config: delivery.Config{MaxRetries: 3}})
	ctx := context.Background()
	f.endpoint(t, rc.srv.URL, AllEvents)
	start := f.clock

	if err := f.svc.Publish(ctx, loadedEvent(t, "m1")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if stats, _ := f.svc.Drain(ctx); stats.Retried != 1 {
		t.Fatalf("first failure should retry: %+v", stats)
	}
	id := rc.calls()[0].header.Get(HeaderID)
	d, _ := f.store.Delivery(id)
	if d.Status != DeliveryPending || d.Attempts != 1 || !d.NextRetryAt.Equal(start.Add(time.Minute)) {
		t.Fatalf("expected retry in 1m: %+v", d)
	}
	if d.ResponseStatus == nil || *d.ResponseStatus != 500 || !strings.Contains(d.LastError, "500") {
		t.Fatalf("failure not recorded: %+v", d)
	}

	if stats, _ := f.svc.Drain(ctx); stats.Claimed != 0 {
		t.Fatalf("nothing is due before the backoff expires")
	}

	f.clock = start.Add(time.Minute)
	if stats, _ := f.svc.Drain(ctx); stats.Retried != 1 {
		t.Fatalf("second failure should retry: %+v", stats)
	}
	d, _ = f.store.Delivery(id)
	if !d.NextRetryAt.Equal(f.clock.Add(4 * time.Minute)) {
		t.Fatalf("expected 4m backoff, got %v", d.NextRetryAt.Sub(f.clock))
	}

	f.clock = f.clock.Add(4 * time.Minute)
	if stats, _ := f.svc.Drain(ctx); stats.Failed != 1 {
		t.Fatalf("third failure should be final: %+v", stats)
	}
	d, _ = f.store.Delivery(id)
	if d.Status != DeliveryFailed || d.Attempts != 3 {
		t.Fatalf("expected permanently failed delivery: %+v", d)
	}

	f.clock = f.clock.Add(time.Hour)
	if stats, _ := f.svc.Drain(ctx); stats.Claimed != 0 {
		t.Fatalf("failed deliveries are never retried")
	}
	if n := len(rc.calls()); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
}

func TestEndpointDisablesAndReenables(t *testing.T) {
	rc := newReceiver(t, http.StatusBadGateway)
	f := newFixture(t, Config{DisableThreshold: 3})
	ctx := context.Background()
	ep := f.endpoint(t, rc.srv.URL, AllEvents)

	for i := 0; i < 3; i++ {
		if err := f.svc.Publish(ctx, loadedEvent(t, "m1")); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if stats, _ := f.svc.Drain(ctx); stats.Claimed != 3 {
		t.Fatalf("expected 3 claimed, got %+v", stats)
	}
	got, _ := f.store.GetEndpoint(ctx, "m1", ep.ID)
	if got.Status != EndpointDisabled || got.FailureCount != 3 || got.LastFailureAt == nil {
		t.Fatalf("endpoint should be disabled: %+v", got)
	}

	// Disabled: no new deliveries and pending ones are held.
	if err := f.svc.Publish(ctx, loadedEvent(t, "m1")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, total, _ := f.svc.ListDeliveries(ctx, owner, ep.ID, 10, 0); total != 3 {
		t.Fatalf("disabled endpoint should not gain deliveries, have %d", total)
	}
	f.clock = f.clock.Add(time.Hour)
	if stats, _ := f.svc.Drain(ctx); stats.Claimed != 0 {
		t.Fatalf("pending deliveries of a disabled endpoint must not be claimed")
	}

	rc.mu.Lock()
	rc.status = http.StatusOK
	rc.mu.Unlock()

	enabled, err := f.svc.EnableEndpoint(ctx, owner, ep.ID)
	if err != nil || enabled.Status != EndpointActive || enabled.FailureCount != 0 {
		t.Fatalf("enable: %+v %v", enabled, err)
	}
	if stats, _ := f.svc.Drain(ctx); stats.Delivered != 3 {
		t.Fatalf("held deliveries should go out after enabling: %+v", stats)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	rc := newReceiver(t, http.StatusInternalServerError)
	f := newFixture(t, Config{DisableThreshold: 3})
	ctx := context.Background()
	ep := f.endpoint(t, rc.srv.URL, AllEvents)

	for i := 0; i < 2; i++ {
		if err := f.svc.Publish(ctx, loadedEvent(t, "m1")); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if stats, _ := f.svc.Drain(ctx); stats.Retried != 2 {
		t.Fatalf("expected 2 retries, got %+v", stats)
	}
	got, _ := f.store.GetEndpoint(ctx, "m1", ep.ID)
	if got.Status != EndpointActive || got.FailureCount != 2 || got.LastDeliveredAt != nil {
		t.Fatalf("endpoint after two failures: %+v", got)
	}

	rc.mu.Lock()
	rc.status = http.StatusOK
	rc.mu.Unlock()
	if err := f.svc.Publish(ctx, loadedEvent(t, "m1")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if stats, _ := f.svc.Drain(ctx); stats.Claimed != 1 || stats.Delivered != 1 {
		t.Fatalf("expected the fresh delivery only, got %+v", stats)
	}

	got, _ = f.store.GetEndpoint(ctx, "m1", ep.ID)
	if got.Status != EndpointActive || got.FailureCount != 0 || got.LastDeliveredAt == nil {
		t.Fatalf("one success should reset the failure count: %+v", got)
	}
}

func TestCreateEndpointValidation(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	cases := []struct {
		name  string
		scope identity.Scope
		req   CreateEndpointRequest
		kind  apperr.Kind
	}{
		{"unknown event", owner, CreateEndpointRequest{URL: "https://x.example.com", Events: []string{"card.exploded"}}, apperr.KindValidation},
		{"bad scheme", owner, CreateEndpointRequest{URL: "ftp://x.example.com", Events: []string{AllEvents}}, apperr.KindValidation},
		{"staff", identity.Scope{Role: identity.RoleStaff, MerchantID: "m1"}, CreateEndpointRequest{URL: "https://x.example.com", Events: []string{AllEvents}}, apperr.KindForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.CreateEndpoint(ctx, tc.scope, tc.req)
			if !apperr.IsKind(err, tc.kind) {
				t.Fatalf("expected %s, got %v", tc.kind, err)
			}
		})
	}

	created := f.endpoint(t, "https://x.example.com/hook", events.EventCardRedeemed, events.EventCardLoaded, events.EventCardLoaded)
	if !strings.HasPrefix(created.Secret, "whsec_") || len(created.Events) != 2 {
		t.Fatalf("unexpected endpoint %+v", created)
	}
	raw, _ := json.Marshal(created.Endpoint)
	if strings.Contains(string(raw), created.Secret) {
		t.Fatalf("endpoint JSON must not expose the secret")
	}

	if _, err := f.svc.EnableEndpoint(ctx, owner, "missing"); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
