package api

import (
	"net/http"
	"strconv"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/vault"
)

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, newStatusView(s.vault.Status(s.now())))
}

func (s *Server) handleAllowlist(w http.ResponseWriter, r *http.Request) {
	kind, err := vault.ParseAllowlistKind(r.PathValue("kind"))
	if err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "白名单类型无效"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"kind":    kind,
		"members": hexList(s.vault.Allowlist(kind)),
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	c, err := s.capability(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.vault.SetPaused(r.Context(), c, req.Paused); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": s.vault.Paused()})
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	var req PolicyView
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	policy, err := req.toPolicy()
	if err != nil {
		writeError(w, err)
		return
	}
	c, err := s.capability(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.vault.SetPolicy(r.Context(), c, policy); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newPolicyView(s.vault.Policy()))
}

func (s *Server) handleSetAllowlist(w http.ResponseWriter, r *http.Request) {
	var req allowlistRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	kind, err := vault.ParseAllowlistKind(req.Kind)
	if err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "白名单类型无效"))
		return
	}
	addr, err := parseAddress("address", req.Address)
	if err != nil {
		writeError(w, err)
		return
	}
	c, err := s.capability(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if kind == vault.AllowlistPayee {
		err = s.vault.SetPayeeAllowlist(r.Context(), c, addr, req.Allowed)
	} else {
		err = s.vault.SetTokenAllowlist(r.Context(), c, kind, addr, req.Allowed)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"kind":    kind,
		"members": hexList(s.vault.Allowlist(kind)),
	})
}

func (s *Server) handleSupply(w http.ResponseWriter, r *http.Request) {
	var req assetAmountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	asset, amount, err := req.parse()
	if err != nil {
		writeError(w, err)
		return
	}
	c, err := s.capability(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.vault.SupplyCollateral(r.Context(), c, asset, amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"asset": asset.Hex(), "supplied": amount.Dec()})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req assetAmountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	asset, amount, err := req.parse()
	if err != nil {
		writeError(w, err)
		return
	}
	to := s.vault.Address()
	if req.To != "" {
		if to, err = parseAddress("to", req.To); err != nil {
			writeError(w, err)
			return
		}
	}
	c, err := s.capability(r)
	if err != nil {
		writeError(w, err)
		return
	}
	actual, err := s.vault.WithdrawCollateral(r.Context(), c, asset, amount, to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"asset": asset.Hex(), "withdrawn": decimal(actual), "to": to.Hex()})
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	var req assetAmountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	asset, amount, err := req.parse()
	if err != nil {
		writeError(w, err)
		return
	}
	c, err := s.capability(r)
	if err != nil {
		writeError(w, err)
		return
	}
	repaid, err := s.vault.RepayDebt(r.Context(), c, asset, amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"asset": asset.Hex(), "repaid": decimal(repaid)})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeJSON(w, http.StatusOK, map[string]any{"events": []vault.Event{}})
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	events, err := s.events.ListEvents(r.Context(), s.vault.ID(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
