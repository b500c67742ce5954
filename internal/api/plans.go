package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"AgentVault/internal/auth"
	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/plan"
)

func (s *Server) requirePlans(w http.ResponseWriter) bool {
	if s.plans == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "计划队列未启用"))
		return false
	}
	return true
}

func (s *Server) handleSubmitPlan(w http.ResponseWriter, r *http.Request) {
	if !s.requirePlans(w) {
		return
	}
	var req plan.Request
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	actor := ""
	if subject := auth.SubjectFromContext(r.Context()); subject != nil {
		actor = subject.Name
	}
	sub, err := s.plans.Submit(r.Context(), actor, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sub)
}

type executeResponse struct {
	Receipt *plan.ReceiptView `json:"receipt,omitempty"`
	Error   *errorBody        `json:"error,omitempty"`
}

// handleExecutePlan 同步执行。持久化失败时交易已经完成，响应同时带回执和错误。
func (s *Server) handleExecutePlan(w http.ResponseWriter, r *http.Request) {
	var req plan.Request
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	p, err := req.ToPlan()
	if err != nil {
		writeError(w, err)
		return
	}
	c, err := s.capability(r)
	if err != nil {
		writeError(w, err)
		return
	}
	receipt, err := s.vault.ExecuteBorrowAndPay(r.Context(), c, p, s.now())
	resp := executeResponse{}
	if receipt != nil {
		resp.Receipt = plan.NewReceiptView(receipt)
	}
	if err != nil {
		body := errorPayload(err)
		resp.Error = &body
		writeJSON(w, xerrors.HTTPStatusOf(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	if !s.requirePlans(w) {
		return
	}
	sub, err := s.plans.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	if !s.requirePlans(w) {
		return
	}
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	subs, err := s.plans.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"submissions": subs})
}

func (s *Server) handlePlanStats(w http.ResponseWriter, r *http.Request) {
	if !s.requirePlans(w) {
		return
	}
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.plans.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func listOptionsFromQuery(r *http.Request) ([]plan.ListOption, error) {
	q := r.URL.Query()
	var opts []plan.ListOption
	intParam := func(name string) (int64, bool, error) {
		raw := strings.TrimSpace(q.Get(name))
		if raw == "" {
			return 0, false, nil
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			return 0, false, xerrors.New(xerrors.CodeInvalidArgument, name+" 必须是非负整数")
		}
		return v, true, nil
	}
	if v, ok, err := intParam("limit"); err != nil {
		return nil, err
	} else if ok {
		opts = append(opts, plan.WithLimit(int(v)))
	}
	if v, ok, err := intParam("offset"); err != nil {
		return nil, err
	} else if ok {
		opts = append(opts, plan.WithOffset(int(v)))
	}
	if v, ok, err := intParam("since"); err != nil {
		return nil, err
	} else if ok {
		opts = append(opts, plan.WithUpdatedSince(time.Unix(v, 0)))
	}
	if v, ok, err := intParam("until"); err != nil {
		return nil, err
	} else if ok {
		opts = append(opts, plan.WithUpdatedUntil(time.Unix(v, 0)))
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		var statuses []plan.Status
		for _, part := range strings.Split(raw, ",") {
			status := plan.Status(strings.TrimSpace(part))
			if !plan.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知状态 "+part)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, plan.WithStatuses(statuses...))
	}
	if strings.EqualFold(q.Get("order"), "asc") {
		opts = append(opts, plan.WithSortOrder(plan.SortByUpdatedAsc))
	}
	if query := q.Get("q"); query != "" {
		opts = append(opts, plan.WithQuery(query))
	}
	return opts, nil
}
