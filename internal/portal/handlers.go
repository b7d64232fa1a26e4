package portal

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"giftledger/internal/apikey"
	"giftledger/internal/common/api"
	"giftledger/internal/common/apperr"
	"giftledger/internal/delivery/webhook"
	"giftledger/internal/gateway"
	"giftledger/internal/identity"
	"giftledger/internal/ledger"
	"giftledger/internal/ledger/domain"
)

// ChangeStatusRequest moves a card through its status machine
type ChangeStatusRequest struct {
	Status domain.CardStatus `json:"status" validate:"required"`
	Reason string            `json:"reason" validate:"max=500"`
}

func (p *Portal) listCards(w http.ResponseWriter, r *http.Request, scope identity.Scope) error {
	pg := api.GetPaginationParams(r, 50, 100)
	f := domain.CardFilter{CustomerID: r.URL.Query().Get("customer_id"), Limit: pg.Limit, Offset: pg.Offset}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, ok := domain.ParseCardStatus(raw)
		if !ok {
			return apperr.Validation("unknown status " + raw)
		}
		f.Status = status
	}
	cards, total, err := p.ledger.ListCards(r.Context(), scope, f)
	if err != nil {
		return err
	}
	api.WriteList(w, cards, api.NewMeta(pg, total))
	return nil
}

func (p *Portal) getCard(w http.ResponseWriter, r *http.Request, scope identity.Scope) error {
	card, err := p.ledger.GetCard(r.Context(), scope, chi.URLParam(r, "cardId"))
	if err != nil {
		return err
	}
	api.WriteData(w, http.StatusOK, card)
	return nil
}

// adjust handles POST /cards/{cardId}/adjust
func (p *Portal) adjust(w http.ResponseWriter, r *http.Request, scope identity.Scope) error {
	var req ledger.AdjustRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		return err
	}
	txn, err := p.ledger.Adjust(r.Context(), scope, chi.URLParam(r, "cardId"), req)
	if err != nil {
		return err
	}
	api.WriteData(w, http.StatusCreated, txn)
	return nil
}

// changeStatus handles PATCH /cards/{cardId}/status
func (p *Portal) changeStatus(w http.ResponseWriter, r *http.Request, scope identity.Scope) error {
	var req ChangeStatusRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		return err
	}
	status, ok := domain.ParseCardStatus(string(req.Status))
	if !ok {
		return apperr.Validation("unknown status " + string(req.Status))
	}
	card, err := p.ledger.ChangeStatus(r.Context(), scope, chi.URLParam(r, "cardId"), status, req.Reason)
	if err != nil {
		return err
	}
	api.WriteData(w, http.StatusOK, card)
	return nil
}

func (p *Portal) listTransactions(w http.ResponseWriter, r *http.Request, scope identity.Scope) error {
	f, pg, err := gateway.TransactionFilter(r)
	if err != nil {
		return err
	}
	txns, total, err := p.ledger.ListTransactions(r.Context(), scope, f)
	if err != nil {
		return err
	}
	api.WriteList(w, txns, api.NewMeta(pg, total))
	return nil
}

// refund handles POST /transactions/{id}/refund
func (p *Portal) refund(w http.ResponseWriter, r *http.Request, scope identity.Scope) error {
	var req ledger.RefundRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		return err
	}
	txn, err := p.ledger.Refund(r.Context(), scope, chi.URLParam(r, "id"), req)
	if err != nil {
		return err
	}
	api.WriteData(w, http.StatusCreated, txn)
	return nil
}

func (p *Portal) createKey(w http.ResponseWriter, r *http.Request, scope identity.Scope) error {
	var req apikey.CreateRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		return err
	}
	created, err := p.keys.Create(r.Context(), scope, req)
	if err != nil {
		return err
	}
	api.WriteData(w, http.StatusCreated, created)
	return nil
}

func (p *Portal) listKeys(w http.ResponseWriter, r *http.Request, scope identity.Scope) error {
	keys, err := p.keys.List(r.Context(), scope)
	if err != nil {
		return err
	}
	api.WriteData(w, http.StatusOK, keys)
	return nil
}

func (p *Portal) revokeKey(w http.ResponseWriter, r *http.Request, scope identity.Scope) error {
	id := chi.URLParam(r, "id")
	if err := p.keys.Revoke(r.Context(), scope, id); err != nil {
		return err
	}
	api.WriteData(w, http.StatusOK, map[string]string{"id": id, "status": string(apikey.StatusRevoked)})
	return nil
}

func (p *Portal) createWebhook(w http.ResponseWriter, r *http.Request, scope identity.Scope) error {
	var req webhook.CreateEndpointRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		return err
	}
	created, err := p.webhooks.CreateEndpoint(r.Context(), scope, req)
	if err != nil {
		return err
	}
	api.WriteData(w, http.StatusCreated, created)
	return nil
}

func (p *Portal) listWebhooks(w http.ResponseWriter, r *http.Request, scope identity.Scope) error {
	endpoints, err := p.webhooks.ListEndpoints(r.Context(), scope)
	if err != nil {
		return err
	}
	api.WriteData(w, http.StatusOK, endpoints)
	return nil
}

func (p *Portal) enableWebhook(w http.ResponseWriter, r *http.Request, scope identity.Scope) error {
	e, err := p.webhooks.EnableEndpoint(r.Context(), scope, chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	api.WriteData(w, http.StatusOK, e)
	return nil
}

func (p *Portal) listDeliveries(w http.ResponseWriter, r *http.Request, scope identity.Scope) error {
	pg := api.GetPaginationParams(r, 50, 100)
	ds, total, err := p.webhooks.ListDeliveries(r.Context(), scope, chi.URLParam(r, "id"), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	api.WriteList(w, ds, api.NewMeta(pg, int64(total)))
	return nil
}

func (p *Portal) listFailedEmails(w http.ResponseWriter, r *http.Request, scope identity.Scope) error {
	pg := api.GetPaginationParams(r, 50, 100)
	emails, total, err := p.emails.ListFailed(r.Context(), scope, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	api.WriteList(w, emails, api.NewMeta(pg, int64(total)))
	return nil
}

// summary handles GET /reports/summary?from=&to=
func (p *Portal) summary(w http.ResponseWriter, r *http.Request, scope identity.Scope) error {
	from, err := api.GetTimeParam(r, "from")
	if err != nil {
		return err
	}
	to, err := api.GetTimeParam(r, "to")
	if err != nil {
		return err
	}
	s, err := p.ledger.Summary(r.Context(), scope, from, to)
	if err != nil {
		return err
	}
	api.WriteData(w, http.StatusOK, s)
	return nil
}
