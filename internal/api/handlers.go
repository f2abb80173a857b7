package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Klingon-tech/orignode/internal/engine"
)

// StatusReport is the /status payload.
type StatusReport struct {
	Node  NodeInfo       `json:"node" yaml:"node"`
	Chain *engine.Status `json:"chain" yaml:"chain"`
}

// CreateWalletRequest is the body of POST /api/v1/wallets.
type CreateWalletRequest struct {
	UserID     string `json:"user_id"`
	Passphrase string `json:"passphrase"`
}

// WalletKeysRequest is the body of POST /api/v1/wallets/{address}/keys.
type WalletKeysRequest struct {
	Passphrase string `json:"passphrase"`
}

// SendRequest is the body of POST /api/v1/transactions. Amount is a
// decimal coin value.
type SendRequest struct {
	Sender     string `json:"sender"`
	Recipient  string `json:"recipient"`
	Amount     string `json:"amount"`
	Memo       string `json:"memo,omitempty"`
	Passphrase string `json:"passphrase"`
}

// BalanceResponse is the balance payload.
type BalanceResponse struct {
	Address string        `json:"address"`
	Balance engine.Amount `json:"balance"`
	Coins   string        `json:"coins"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Response{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Data:      s.info(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.chain.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	resp := okResponse(StatusReport{Node: s.info(), Chain: st})
	if !st.Active {
		resp.Status = StatusInactive
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateWallet(w http.ResponseWriter, r *http.Request) {
	var req CreateWalletRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		badRequest(w, "user_id is required")
		return
	}
	addr, err := s.wallets.CreateWallet(r.Context(), req.UserID, req.Passphrase)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, okResponse(map[string]string{"address": addr}))
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	bal, err := s.wallets.GetBalance(r.Context(), addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse(BalanceResponse{Address: addr, Balance: bal, Coins: bal.String()}))
}

func (s *Server) handleWalletKeys(w http.ResponseWriter, r *http.Request) {
	var req WalletKeysRequest
	if !decodeBody(w, r, &req) {
		return
	}
	addr := chi.URLParam(r, "address")
	keys, err := s.wallets.GetWallet(r.Context(), addr, req.Passphrase)
	if err != nil {
		if errors.Is(err, engine.ErrInvalidPassphrase) {
			s.record(eventInvalidPassphrase, clientIP(r), addr)
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse(keys))
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	txs, err := s.wallets.GetTransactions(r.Context(), chi.URLParam(r, "address"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse(txs))
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, err := engine.ParseAmount(req.Amount)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	tx, err := s.wallets.SendTransaction(r.Context(), engine.TxRequest{
		Sender:     req.Sender,
		Recipient:  req.Recipient,
		Amount:     amount,
		Memo:       req.Memo,
		Passphrase: req.Passphrase,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, okResponse(tx))
}
