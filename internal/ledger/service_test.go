package ledger

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"giftledger/internal/common/apperr"
	"giftledger/internal/common/events"
	"giftledger/internal/common/logging"
	"giftledger/internal/common/money"
	"giftledger/internal/identity"
	"giftledger/internal/ledger/domain"
	"giftledger/internal/ledger/store"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []*events.Event
}

func (r *recorder) Publish(_ context.Context, e *events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type issued struct {
	card *domain.Card
	code string
}

func (n *issued) CardIssued(_ context.Context, card *domain.Card, code string) {
	n.card, n.code = card, code
}

func newTestService(t *testing.T) (*Service, *store.Memory, *recorder) {
	t.Helper()
	st := store.NewMemory()
	err := st.InsertMerchant(context.Background(), &domain.Merchant{
		ID:             "m1",
		Name:           "Corner Shop",
		Currency:       money.USD,
		MinLoadAmount:  100,
		MaxLoadAmount:  50000,
		MaxCardBalance: 100000,
		Status:         domain.MerchantStatusActive,
		CreatedAt:      testNow,
		UpdatedAt:      testNow,
	})
	if err != nil {
		t.Fatalf("insert merchant: %v", err)
	}
	rec := &recorder{}
	svc := NewService(st, Config{CodePepper: "pepper", CardNumberPrefix: "6034"}, rec, logging.Discard(),
		WithClock(func() time.Time { return testNow }))
	return svc, st, rec
}

func ownerScope() identity.Scope {
	return identity.Scope{
		Role:        identity.RoleOwner,
		ActorID:     "user-1",
		ActorType:   identity.ActorUser,
		MerchantID:  "m1",
		Permissions: identity.RolePermissions(identity.RoleOwner),
	}
}

func staffScope() identity.Scope {
	return identity.Scope{
		Role:        identity.RoleStaff,
		ActorID:     "user-2",
		ActorType:   identity.ActorUser,
		MerchantID:  "m1",
		Permissions: identity.RolePermissions(identity.RoleStaff),
	}
}

func issue(t *testing.T, svc *Service, balance int64) *IssuedCard {
	t.Helper()
	c, err := svc.IssueCard(context.Background(), ownerScope(), IssueCardRequest{
		Type:           domain.CardTypeDigital,
		InitialBalance: balance,
	})
	if err != nil {
		t.Fatalf("issue card: %v", err)
	}
	return c
}

func expectKind(t *testing.T, err error, kind apperr.Kind) {
	t.Helper()
	if !apperr.IsKind(err, kind) {
		t.Fatalf("expected %s, got %v", kind, err)
	}
}

// assertLedgerBalanced checks that current balance equals the initial
// balance plus the signed sum of the card's transactions.
func assertLedgerBalanced(t *testing.T, svc *Service, cardID string) {
	t.Helper()
	ctx := context.Background()
	card, err := svc.GetCard(ctx, ownerScope(), cardID)
	if err != nil {
		t.Fatalf("get card: %v", err)
	}
	txns, _, err := svc.ListTransactions(ctx, ownerScope(), domain.TransactionFilter{CardID: cardID, Limit: 100})
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	sum := card.InitialBalance
	for _, txn := range txns {
		if txn.Amount <= 0 {
			t.Fatalf("transaction %s has non-positive amount %d", txn.ID, txn.Amount)
		}
		sum += txn.SignedAmount()
	}
	if sum != card.CurrentBalance {
		t.Fatalf("ledger out of balance: initial+sum=%d current=%d", sum, card.CurrentBalance)
	}
}

func TestLoadRedeemRefundScenario(t *testing.T) {
	svc, _, rec := newTestService(t)
	ctx := context.Background()
	scope := ownerScope()
	card := issue(t, svc, 2500)

	load, err := svc.Load(ctx, scope, card.ID, LoadRequest{Amount: 500})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if load.BalanceBefore != 2500 || load.BalanceAfter != 3000 {
		t.Fatalf("unexpected load balances %d -> %d", load.BalanceBefore, load.BalanceAfter)
	}

	redeem, err := svc.Redeem(ctx, scope, card.ID, RedeemRequest{Amount: 1000})
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if redeem.BalanceAfter != 2000 {
		t.Fatalf("expected 2000 after redeem, got %d", redeem.BalanceAfter)
	}
	if redeem.RedemptionMethod == nil || *redeem.RedemptionMethod != domain.RedemptionByCardID {
		t.Fatalf("redemption method not recorded: %v", redeem.RedemptionMethod)
	}

	refund, err := svc.Refund(ctx, scope, redeem.ID, RefundRequest{Reason: "returned item"})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refund.Amount != 1000 || refund.BalanceAfter != 3000 {
		t.Fatalf("unexpected refund %d -> %d", refund.Amount, refund.BalanceAfter)
	}
	if refund.LinkedTransactionID == nil || *refund.LinkedTransactionID != redeem.ID {
		t.Fatalf("refund must link to the redemption")
	}

	_, err = svc.Refund(ctx, scope, redeem.ID, RefundRequest{})
	expectKind(t, err, apperr.KindConflict)

	got, _ := svc.GetCard(ctx, scope, card.ID)
	if got.CurrentBalance != 3000 {
		t.Fatalf("expected final balance 3000, got %d", got.CurrentBalance)
	}
	assertLedgerBalanced(t, svc, card.ID)

	want := []string{events.EventCardCreated, events.EventCardLoaded, events.EventCardRedeemed, events.EventCardRefunded}
	gotTypes := rec.types()
	if len(gotTypes) != len(want) {
		t.Fatalf("expected events %v, got %v", want, gotTypes)
	}
	for i := range want {
		if gotTypes[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, gotTypes)
		}
	}
}

func TestRefundRejectsNonRedemption(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	card := issue(t, svc, 0)

	load, err := svc.Load(ctx, ownerScope(), card.ID, LoadRequest{Amount: 1000})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	_, err = svc.Refund(ctx, ownerScope(), load.ID, RefundRequest{})
	expectKind(t, err, apperr.KindValidation)
}

func TestLoadBounds(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	card := issue(t, svc, 99000)

	tests := []struct {
		name   string
		amount int64
	}{
		{"zero", 0},
		{"negative", -100},
		{"below minimum", 50},
		{"above maximum", 50001},
		{"exceeds max balance", 1001},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Load(ctx, ownerScope(), card.ID, LoadRequest{Amount: tt.amount})
			expectKind(t, err, apperr.KindInvalidAmount)
		})
	}

	if _, err := svc.Load(ctx, ownerScope(), card.ID, LoadRequest{Amount: 1000}); err != nil {
		t.Fatalf("load up to the maximum balance: %v", err)
	}
	assertLedgerBalanced(t, svc, card.ID)
}

func TestRedeemInsufficientBalanceLeavesCardUnchanged(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	card := issue(t, svc, 500)

	_, err := svc.Redeem(ctx, ownerScope(), card.ID, RedeemRequest{Amount: 501})
	expectKind(t, err, apperr.KindInsufficientBalance)

	got, _ := svc.GetCard(ctx, ownerScope(), card.ID)
	if got.CurrentBalance != 500 {
		t.Fatalf("balance changed on failed redeem: %d", got.CurrentBalance)
	}
	_, total, _ := svc.ListTransactions(ctx, ownerScope(), domain.TransactionFilter{CardID: card.ID})
	if total != 0 {
		t.Fatalf("failed redeem wrote %d transactions", total)
	}
}

func TestRedeemByCodeAndTrack(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	c, err := svc.IssueCard(ctx, ownerScope(), IssueCardRequest{
		Type:           domain.CardTypePhysical,
		InitialBalance: 2000,
		TrackData:      "%B6034000000000001^HOLDER?",
		Activate:       true,
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	txn, err := svc.RedeemByCode(ctx, staffScope(), RedeemByCodeRequest{Code: NormalizeCode(c.Code), Amount: 300})
	if err != nil {
		t.Fatalf("redeem by code: %v", err)
	}
	if *txn.RedemptionMethod != domain.RedemptionByCode || txn.BalanceAfter != 1700 {
		t.Fatalf("unexpected code redemption %+v", txn)
	}

	txn, err = svc.RedeemByTrack(ctx, staffScope(), RedeemByTrackRequest{TrackData: " %B6034000000000001^HOLDER? ", Amount: 200})
	if err != nil {
		t.Fatalf("redeem by track: %v", err)
	}
	if *txn.RedemptionMethod != domain.RedemptionByTrack || txn.BalanceAfter != 1500 {
		t.Fatalf("unexpected track redemption %+v", txn)
	}

	_, err = svc.RedeemByCode(ctx, staffScope(), RedeemByCodeRequest{Code: "AAAA-BBBB-CCCC-DDDD", Amount: 1})
	expectKind(t, err, apperr.KindNotFound)
}

func TestTransferWritesLinkedPair(t *testing.T) {
	svc, _, rec := newTestService(t)
	ctx := context.Background()
	src := issue(t, svc, 5000)
	dst := issue(t, svc, 1000)

	res, err := svc.Transfer(ctx, ownerScope(), src.ID, TransferRequest{ToCardID: dst.ID, Amount: 1500})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if res.Out.Type != domain.TransactionTypeTransferOut || res.In.Type != domain.TransactionTypeTransferIn {
		t.Fatalf("unexpected leg types %s/%s", res.Out.Type, res.In.Type)
	}
	if *res.Out.LinkedTransactionID != res.In.ID || *res.In.LinkedTransactionID != res.Out.ID {
		t.Fatalf("transfer legs must link to each other")
	}
	if res.Out.Amount != res.In.Amount || res.Out.CardID == res.In.CardID {
		t.Fatalf("legs must carry equal amounts on distinct cards")
	}

	stored, err := svc.GetTransaction(ctx, ownerScope(), res.Out.ID)
	if err != nil {
		t.Fatalf("get out leg: %v", err)
	}
	if stored.LinkedTransactionID == nil || *stored.LinkedTransactionID != res.In.ID {
		t.Fatalf("stored out leg not linked")
	}

	s, _ := svc.GetCard(ctx, ownerScope(), src.ID)
	d, _ := svc.GetCard(ctx, ownerScope(), dst.ID)
	if s.CurrentBalance != 3500 || d.CurrentBalance != 2500 {
		t.Fatalf("unexpected balances %d/%d", s.CurrentBalance, d.CurrentBalance)
	}
	assertLedgerBalanced(t, svc, src.ID)
	assertLedgerBalanced(t, svc, dst.ID)

	types := rec.types()
	if types[len(types)-1] != events.EventCardTransferred {
		t.Fatalf("expected transfer event last, got %v", types)
	}
}

func TestTransferFailureIsAtomic(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	src := issue(t, svc, 5000)
	dst := issue(t, svc, 99000)

	_, err := svc.Transfer(ctx, ownerScope(), src.ID, TransferRequest{ToCardID: dst.ID, Amount: 2000})
	expectKind(t, err, apperr.KindInvalidAmount)

	s, _ := svc.GetCard(ctx, ownerScope(), src.ID)
	if s.CurrentBalance != 5000 {
		t.Fatalf("source debited despite failed transfer: %d", s.CurrentBalance)
	}
	_, total, _ := svc.ListTransactions(ctx, ownerScope(), domain.TransactionFilter{})
	if total != 0 {
		t.Fatalf("failed transfer left %d transactions", total)
	}

	_, err = svc.Transfer(ctx, ownerScope(), src.ID, TransferRequest{ToCardID: src.ID, Amount: 100})
	expectKind(t, err, apperr.KindValidation)
}

func TestAdjustRequiresElevatedRole(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	card := issue(t, svc, 1000)

	manager := ownerScope()
	manager.Role = identity.RoleManager
	manager.Permissions = identity.RolePermissions(identity.RoleManager)
	_, err := svc.Adjust(ctx, manager, card.ID, AdjustRequest{Amount: 100, Reason: "goodwill"})
	expectKind(t, err, apperr.KindForbidden)

	_, err = svc.Adjust(ctx, ownerScope(), card.ID, AdjustRequest{Amount: 0, Reason: "noop"})
	expectKind(t, err, apperr.KindInvalidAmount)

	_, err = svc.Adjust(ctx, ownerScope(), card.ID, AdjustRequest{Amount: -1001, Reason: "too much"})
	expectKind(t, err, apperr.KindInsufficientBalance)

	down, err := svc.Adjust(ctx, ownerScope(), card.ID, AdjustRequest{Amount: -400, Reason: "correction"})
	if err != nil {
		t.Fatalf("adjust down: %v", err)
	}
	if down.Amount != 400 || down.SignedAmount() != -400 {
		t.Fatalf("adjust must store a positive amount with a negative effect: %+v", down)
	}
	assertLedgerBalanced(t, svc, card.ID)
}

func TestStatusMachine(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	card := issue(t, svc, 1000)

	if _, err := svc.ChangeStatus(ctx, ownerScope(), card.ID, domain.CardStatusSuspended, "lost"); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	_, err := svc.Redeem(ctx, ownerScope(), card.ID, RedeemRequest{Amount: 100})
	expectKind(t, err, apperr.KindCardInactive)

	_, err = svc.ChangeStatus(ctx, ownerScope(), card.ID, domain.CardStatusExpired, "")
	expectKind(t, err, apperr.KindValidation)

	if _, err := svc.ChangeStatus(ctx, ownerScope(), card.ID, domain.CardStatusCancelled, "fraud"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	_, err = svc.ChangeStatus(ctx, ownerScope(), card.ID, domain.CardStatusActive, "")
	expectKind(t, err, apperr.KindConflict)
}

func TestPhysicalCardStartsInactive(t *testing.T) {
	svc, _, _ := newTestService(t)
	c, err := svc.IssueCard(context.Background(), ownerScope(), IssueCardRequest{Type: domain.CardTypePhysical, InitialBalance: 100})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if c.Status != domain.CardStatusInactive || c.ActivatedAt != nil {
		t.Fatalf("physical card should start inactive, got %s", c.Status)
	}
	_, err = svc.Load(context.Background(), ownerScope(), c.ID, LoadRequest{Amount: 500})
	expectKind(t, err, apperr.KindCardInactive)
}

func TestExpireCards(t *testing.T) {
	svc, _, rec := newTestService(t)
	ctx := context.Background()
	exp := testNow.Add(time.Hour)
	c, err := svc.IssueCard(ctx, ownerScope(), IssueCardRequest{Type: domain.CardTypeDigital, InitialBalance: 100, ExpiresAt: &exp})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	n, err := svc.ExpireCards(ctx)
	if err != nil || n != 0 {
		t.Fatalf("nothing should expire yet: %d %v", n, err)
	}

	svc.now = func() time.Time { return exp.Add(time.Minute) }
	_, err = svc.Redeem(ctx, ownerScope(), c.ID, RedeemRequest{Amount: 50})
	expectKind(t, err, apperr.KindCardExpired)

	n, err = svc.ExpireCards(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one expired card: %d %v", n, err)
	}
	if n, _ = svc.ExpireCards(ctx); n != 0 {
		t.Fatalf("sweep must be idempotent, expired %d again", n)
	}
	types := rec.types()
	if types[len(types)-1] != events.EventCardExpired {
		t.Fatalf("expected expiry event, got %v", types)
	}
}

func TestCheckBalance(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	c, err := svc.IssueCard(ctx, ownerScope(), IssueCardRequest{Type: domain.CardTypeDigital, InitialBalance: 1234, PIN: "4321"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	view, err := svc.CheckBalance(ctx, CheckBalanceRequest{Code: c.Code})
	if err != nil {
		t.Fatalf("check by code: %v", err)
	}
	if view.Balance != 1234 || view.CardNumber == c.CardNumber {
		t.Fatalf("unexpected view %+v", view)
	}

	if _, err := svc.CheckBalance(ctx, CheckBalanceRequest{CardNumber: c.CardNumber, PIN: "4321"}); err != nil {
		t.Fatalf("check by pin: %v", err)
	}
	_, err = svc.CheckBalance(ctx, CheckBalanceRequest{CardNumber: c.CardNumber, PIN: "0000"})
	expectKind(t, err, apperr.KindNotFound)
}

func TestIssueNotifiesWithPlaintextCode(t *testing.T) {
	svc, _, _ := newTestService(t)
	n := &issued{}
	svc.notifier = n

	c, err := svc.IssueCard(context.Background(), ownerScope(), IssueCardRequest{
		Type:           domain.CardTypeDigital,
		InitialBalance: 500,
		RecipientEmail: "friend@example.com",
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if n.card == nil || n.card.ID != c.ID || n.code != c.Code {
		t.Fatalf("notifier not called with the issued code")
	}
	if c.CodeHash == c.Code || c.CodeHash != svc.secrets.HashCode(c.Code) {
		t.Fatalf("code must be stored hashed")
	}
}

func TestPermissionsAreEnforced(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	card := issue(t, svc, 1000)

	readOnly := identity.Scope{
		Role:        identity.RoleAPIKey,
		ActorID:     "key-1",
		ActorType:   identity.ActorAPIKey,
		MerchantID:  "m1",
		Permissions: []string{identity.PermCardsRead},
	}
	if _, err := svc.GetCard(ctx, readOnly, card.ID); err != nil {
		t.Fatalf("read should be allowed: %v", err)
	}
	_, err := svc.Load(ctx, readOnly, card.ID, LoadRequest{Amount: 500})
	expectKind(t, err, apperr.KindPermissionDenied)

	other := ownerScope()
	other.MerchantID = "m2"
	_, err = svc.GetCard(ctx, other, card.ID)
	expectKind(t, err, apperr.KindNotFound)
}

func TestCustomersAndSummary(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	cust, err := svc.CreateCustomer(ctx, ownerScope(), CreateCustomerRequest{Email: "a@example.com", Name: "Ada", ExternalID: "ext-1"})
	if err != nil {
		t.Fatalf("create customer: %v", err)
	}
	_, err = svc.CreateCustomer(ctx, ownerScope(), CreateCustomerRequest{ExternalID: "ext-1"})
	expectKind(t, err, apperr.KindConflict)

	name := "Ada L."
	updated, err := svc.UpdateCustomer(ctx, ownerScope(), cust.ID, UpdateCustomerRequest{Name: &name})
	if err != nil || updated.Name != name || updated.Email != "a@example.com" {
		t.Fatalf("update customer: %+v %v", updated, err)
	}

	email, _, err := svc.CustomerContact(ctx, "m1", cust.ID)
	if err != nil || email != "a@example.com" {
		t.Fatalf("contact: %q %v", email, err)
	}

	card, err := svc.IssueCard(ctx, ownerScope(), IssueCardRequest{Type: domain.CardTypeDigital, InitialBalance: 1000, CustomerID: &cust.ID})
	if err != nil {
		t.Fatalf("issue for customer: %v", err)
	}
	if _, err := svc.Load(ctx, ownerScope(), card.ID, LoadRequest{Amount: 500}); err != nil {
		t.Fatalf("load: %v", err)
	}
	redeem, err := svc.Redeem(ctx, ownerScope(), card.ID, RedeemRequest{Amount: 200})
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if redeem.CustomerID == nil || *redeem.CustomerID != cust.ID {
		t.Fatalf("transaction must carry the card's customer")
	}

	sum, err := svc.Summary(ctx, ownerScope(), time.Time{}, testNow.Add(time.Second))
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if len(sum.Lines) != 2 || sum.NetChange != 300 {
		t.Fatalf("unexpected summary %+v", sum)
	}

	_, err = svc.Summary(ctx, staffScope(), time.Time{}, time.Time{})
	expectKind(t, err, apperr.KindPermissionDenied)
}

func TestConcurrentRedeemsNeverOverdraw(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	card := issue(t, svc, 5000)

	const workers = 12
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		short   int
		unknown []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Redeem(ctx, staffScope(), card.ID, RedeemRequest{Amount: 1000})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case apperr.IsKind(err, apperr.KindInsufficientBalance):
				short++
			default:
				unknown = append(unknown, err)
			}
		}()
	}
	wg.Wait()

	if len(unknown) > 0 {
		t.Fatalf("unexpected errors: %v", unknown)
	}
	if ok != 5 || short != workers-5 {
		t.Fatalf("expected 5 successes and %d insufficient, got %d and %d", workers-5, ok, short)
	}

	got, err := svc.GetCard(ctx, ownerScope(), card.ID)
	if err != nil {
		t.Fatalf("get card: %v", err)
	}
	txns, _, err := svc.ListTransactions(ctx, ownerScope(), domain.TransactionFilter{CardID: card.ID, Limit: 100})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	sum := int64(0)
	for _, txn := range txns {
		if txn.BalanceAfter < 0 {
			t.Fatalf("transaction left a negative balance: %+v", txn)
		}
		sum += txn.SignedAmount()
	}
	if got.CurrentBalance != 0 || got.CurrentBalance != got.InitialBalance+sum {
		t.Fatalf("balance %d does not match initial %d plus %d", got.CurrentBalance, got.InitialBalance, sum)
	}
}

func TestConcurrentRefundsOfOneRedemption(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	card := issue(t, svc, 2500)
	redeem, err := svc.Redeem(ctx, staffScope(), card.ID, RedeemRequest{Amount: 1000})
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = svc.Refund(ctx, ownerScope(), redeem.ID, RefundRequest{})
		}()
	}
	wg.Wait()

	succeeded, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case apperr.IsKind(err, apperr.KindConflict):
			conflicts++
		default:
			t.Fatalf("unexpected refund error: %v", err)
		}
	}
	if succeeded != 1 || conflicts != 1 {
		t.Fatalf("expected one refund and one conflict, got %d and %d", succeeded, conflicts)
	}
	got, _ := svc.GetCard(ctx, ownerScope(), card.ID)
	if got.CurrentBalance != 2500 {
		t.Fatalf("balance = %d, want 2500", got.CurrentBalance)
	}
}

func TestUpdateCardNamesWhatIsMissing(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	card := issue(t, svc, 1000)

	ghost := "cust-missing"
	_, err := svc.UpdateCard(ctx, ownerScope(), card.ID, UpdateCardRequest{CustomerID: &ghost})
	expectKind(t, err, apperr.KindNotFound)
	if !strings.Contains(err.Error(), "customer") {
		t.Fatalf("unknown customer reported as %q", err)
	}

	email := "a@example.com"
	_, err = svc.UpdateCard(ctx, ownerScope(), "card-missing", UpdateCardRequest{RecipientEmail: &email})
	expectKind(t, err, apperr.KindNotFound)
	if !strings.Contains(err.Error(), "card") || strings.Contains(err.Error(), "customer") {
		t.Fatalf("missing card reported as %q", err)
	}
}
