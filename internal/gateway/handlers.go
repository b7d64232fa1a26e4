package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"giftledger/internal/common/api"
	"giftledger/internal/common/apperr"
	"giftledger/internal/identity"
	"giftledger/internal/ledger"
	"giftledger/internal/ledger/domain"
)

// checkBalance handles POST /cards/check-balance
func (g *Gateway) checkBalance(w http.ResponseWriter, r *http.Request) error {
	var req ledger.CheckBalanceRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		return err
	}
	view, err := g.ledger.CheckBalance(r.Context(), req)
	if err != nil {
		return err
	}
	api.WriteData(w, http.StatusOK, view)
	return nil
}

// issueCard handles POST /cards
func (g *Gateway) issueCard(w http.ResponseWriter, r *http.Request, scope identity.Scope) error {
	var req ledger.IssueCardRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		return err
	}
	card, err := g.ledger.IssueCard(r.Context(), scope, req)
	if err != nil {
		return err
	}
	api.WriteData(w, http.StatusCreated, card)
	return nil
}

// listCards handles GET /cards
func (g *Gateway) listCards(w http.ResponseWriter, r *http.Request, scope identity.Scope) error {
	p := api.GetPaginationParams(r, 50, 100)
	f := domain.CardFilter{
		CustomerID: r.URL.Query().Get("customer_id"),
		Limit:      p.Limit,
		Offset:     p.Offset,
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, ok := domain.ParseCardStatus(raw)
		if !ok {
			return apperr.Validation("unknown status " + raw)
		}
		f.Status = status
	}

	cards, total, err := g.ledger.ListCards(r.Context(), scope, f)
	if err != nil {
		return err
	}
	api.WriteList(w, cards, api.NewMeta(p, total))
	return nil
}

// getCard handles GET /cards/{cardId}
func (g *Gateway) getCard(w http.ResponseWriter, r *http.Request, scope identity.Scope) error {
	card, err := g.ledger.GetCard(r.Context(), scope, chi.URLParam(r, "cardId"))
	if err != nil {
		return err
	}
	api.WriteData(w, http.StatusOK, card)
	return nil
}

// updateCard handles PATCH /cards/{cardId}
func (g *Gateway) updateCard(w http.ResponseWriter, r *http.Request, scope identity.Scope) error {
	var req ledger.UpdateCardRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		return err
	}
	card, err := g.ledger.UpdateCard(r.Context(), scope, chi.URLParam(r, "cardId"), req)
	if err != nil {
		return err
	}
	api.WriteData(w, http.StatusOK, card)
	return nil
}

// load handles POST /cards/{cardId}/load
func (g *Gateway) load(w http.ResponseWriter, r *http.Request, scope identity.Scope) error {
	var req ledger.LoadRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		return err
	}
	txn, err := g.ledger.Load(r.Context(), scope, chi.URLParam(r, "cardId"), req)
	if err != nil {
		return err
	}
	api.WriteData(w, http.StatusCreated, txn)
	return nil
}

// redeem handles POST /cards/{cardId}/redeem
func (g *Gateway) redeem(w http.ResponseWriter, r *http.Request, scope identity.Scope) error {
	var req ledger.RedeemRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		return err
	}
	txn, err := g.ledger.Redeem(r.Context(), scope, chi.URLParam(r, "cardId"), req)
	if err != nil {
		return err
	}
	api.WriteData(w, http.StatusCreated, txn)
	return nil
}

// redeemByCode handles POST /cards/redeem-by-code
func (g *Gateway) redeemByCode(w http.ResponseWriter, r *http.Request, scope identity.Scope) error {
	var req ledger.RedeemByCodeRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		return err
	}
	txn, err := g.ledger.RedeemByCode(r.Context(), scope, req)
	if err != nil {
		return err
	}
	api.WriteData(w, http.StatusCreated, txn)
	return nil
}

// redeemByTrack handles POST /cards/redeem-by-track
func (g *Gateway) redeemByTrack(w http.ResponseWriter, r *http.Request, scope identity.Scope) error {
	var req ledger.RedeemByTrackRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		return err
	}
	txn, err := g.ledger.RedeemByTrack(r.Context(), scope, req)
	if err != nil {
		return err
	}
	api.WriteData(w, http.StatusCreated, txn)
	return nil
}

// transfer handles POST /cards/{cardId}/transfer
func (g *Gateway) transfer(w http.ResponseWriter, r *http.Request, scope identity.Scope) error {
	var req ledger.TransferRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		return err
	}
	res, err := g.ledger.Transfer(r.Context(), scope, chi.URLParam(r, "cardId"), req)
	if err != nil {
		return err
	}
	api.WriteData(w, http.StatusCreated, res)
	return nil
}

// listTransactions handles GET /transactions
func (g *Gateway) listTransactions(w http.ResponseWriter, r *http.Request, scope identity.Scope) error {
	f, p, err := TransactionFilter(r)
	if err != nil {
		return err
	}
	txns, total, err := g.ledger.ListTransactions(r.Context(), scope, f)
	if err != nil {
		return err
	}
	api.WriteList(w, txns, api.NewMeta(p, total))
	return nil
}

// getTransaction handles GET /transactions/{id}
func (g *Gateway) getTransaction(w http.ResponseWriter, r *http.Request, scope identity.Scope) error {
	txn, err := g.ledger.GetTransaction(r.Context(), scope, chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	api.WriteData(w, http.StatusOK, txn)
	return nil
}

// refund handles POST /transactions/{id}/refund
func (g *Gateway) refund(w http.ResponseWriter, r *http.Request, scope identity.Scope) error {
	var req ledger.RefundRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		return err
	}
	txn, err := g.ledger.Refund(r.Context(), scope, chi.URLParam(r, "id"), req)
	if err != nil {
		return err
	}
	api.WriteData(w, http.StatusCreated, txn)
	return nil
}

// createCustomer handles POST /customers
func (g *Gateway) createCustomer(w http.ResponseWriter, r *http.Request, scope identity.Scope) error {
	var req ledger.CreateCustomerRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		return err
	}
	c, err := g.ledger.CreateCustomer(r.Context(), scope, req)
	if err != nil {
		return err
	}
	api.WriteData(w, http.StatusCreated, c)
	return nil
}

// listCustomers handles GET /customers
func (g *Gateway) listCustomers(w http.ResponseWriter, r *http.Request, scope identity.Scope) error {
	p := api.GetPaginationParams(r, 50, 100)
	customers, total, err := g.ledger.ListCustomers(r.Context(), scope, domain.CustomerFilter{
		Email:      r.URL.Query().Get("email"),
		ExternalID: r.URL.Query().Get("external_id"),
		Limit:      p.Limit,
		Offset:     p.Offset,
	})
	if err != nil {
		return err
	}
	api.WriteList(w, customers, api.NewMeta(p, total))
	return nil
}

// getCustomer handles GET /customers/{id}
func (g *Gateway) getCustomer(w http.ResponseWriter, r *http.Request, scope identity.Scope) error {
	c, err := g.ledger.GetCustomer(r.Context(), scope, chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	api.WriteData(w, http.StatusOK, c)
	return nil
}

// updateCustomer handles PATCH /customers/{id}
func (g *Gateway) updateCustomer(w http.ResponseWriter, r *http.Request, scope identity.Scope) error {
	var req ledger.UpdateCustomerRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		return err
	}
	c, err := g.ledger.UpdateCustomer(r.Context(), scope, chi.URLParam(r, "id"), req)
	if err != nil {
		return err
	}
	api.WriteData(w, http.StatusOK, c)
	return nil
}

// TransactionFilter reads card_id, type, from and to plus paging from the
// query string. The portal shares it.
func TransactionFilter(r *http.Request) (domain.TransactionFilter, api.PaginationParams, error) {
	p := api.GetPaginationParams(r, 50, 100)
	f := domain.TransactionFilter{
		CardID: r.URL.Query().Get("card_id"),
		Limit:  p.Limit,
		Offset: p.Offset,
	}
	if raw := r.URL.Query().Get("type"); raw != "" {
		t, ok := domain.ParseTransactionType(raw)
		if !ok {
			return f, p, apperr.Validation("unknown transaction type " + raw)
		}
		f.Type = t
	}
	var err error
	if f.From, err = api.GetTimeParam(r, "from"); err != nil {
		return f, p, err
	}
	if f.To, err = api.GetTimeParam(r, "to"); err != nil {
		return f, p, err
	}
	return f, p, nil
}
