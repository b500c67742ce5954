package api

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/lending"
	"AgentVault/internal/vault"
)

// PolicyView 以十进制字符串表示策略，健康因子使用小数形式。
type PolicyView struct {
	MinHealthFactor string `json:"min_health_factor"`
	CooldownSeconds uint64 `json:"cooldown_seconds"`
	MaxBorrowPerTx  string `json:"max_borrow_per_tx"`
	MaxBorrowPerDay string `json:"max_borrow_per_day"`
}

func newPolicyView(p vault.Policy) PolicyView {
	return PolicyView{
		MinHealthFactor: lending.FormatWAD(p.MinHealthFactor),
		CooldownSeconds: p.CooldownSeconds,
		MaxBorrowPerTx:  decimal(p.MaxBorrowPerTx),
		MaxBorrowPerDay: decimal(p.MaxBorrowPerDay),
	}
}

func (v PolicyView) toPolicy() (vault.Policy, error) {
	minHF, err := lending.ParseWAD(v.MinHealthFactor)
	if err != nil {
		return vault.Policy{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "min_health_factor 无效")
	}
	maxTx, err := lending.ParseAmount(v.MaxBorrowPerTx)
	if err != nil {
		return vault.Policy{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "max_borrow_per_tx 无效")
	}
	maxDay, err := lending.ParseAmount(v.MaxBorrowPerDay)
	if err != nil {
		return vault.Policy{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "max_borrow_per_day 无效")
	}
	return vault.Policy{
		MinHealthFactor: minHF,
		CooldownSeconds: v.CooldownSeconds,
		MaxBorrowPerTx:  maxTx,
		MaxBorrowPerDay: maxDay,
	}, nil
}

// StatusView 是金库状态的对外表示。
type StatusView struct {
	VaultID           string              `json:"vault_id"`
	Address           string              `json:"address"`
	ChainID           string              `json:"chain_id"`
	Verifier          string              `json:"verifier,omitempty"`
	Nonce             uint64              `json:"nonce"`
	Paused            bool                `json:"paused"`
	Policy            PolicyView          `json:"policy"`
	WindowStart       int64               `json:"window_start"`
	WindowBorrowed    string              `json:"window_borrowed"`
	WindowHeadroom    string              `json:"window_headroom"`
	LastExecutionAt   int64               `json:"last_execution_at"`
	CooldownRemaining int64               `json:"cooldown_remaining"`
	Allowlists        map[string][]string `json:"allowlists"`
}

func newStatusView(st vault.Status) StatusView {
	view := StatusView{
		VaultID:           st.VaultID,
		Address:           st.Address.Hex(),
		Nonce:             st.Nonce,
		Paused:            st.Paused,
		Policy:            newPolicyView(st.Policy),
		WindowStart:       st.Window.Start,
		WindowBorrowed:    decimal(st.Window.Borrowed),
		WindowHeadroom:    decimal(st.WindowHeadroom),
		LastExecutionAt:   st.LastExecutionAt,
		CooldownRemaining: st.CooldownRemaining,
		Allowlists:        make(map[string][]string, len(st.Allowlists)),
	}
	if st.ChainID != nil {
		view.ChainID = st.ChainID.String()
	}
	if st.Verifier != nil {
		view.Verifier = st.Verifier.Hex()
	}
	for kind, members := range st.Allowlists {
		view.Allowlists[string(kind)] = hexList(members)
	}
	return view
}

type pauseRequest struct {
	Paused bool `json:"paused"`
}

type allowlistRequest struct {
	Kind    string `json:"kind"`
	Address string `json:"address"`
	Allowed bool   `json:"allowed"`
}

type assetAmountRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
	// To 仅用于提取抵押品，缺省为金库地址。
	To string `json:"to,omitempty"`
}

func (r assetAmountRequest) parse() (common.Address, *uint256.Int, error) {
	asset, err := parseAddress("asset", r.Asset)
	if err != nil {
		return common.Address{}, nil, err
	}
	amount, err := lending.ParseAmount(r.Amount)
	if err != nil {
		return common.Address{}, nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "amount 无效")
	}
	return asset, amount, nil
}

func parseAddress(field, raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, field+" 不是合法地址")
	}
	return common.HexToAddress(raw), nil
}

func decimal(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func hexList(addrs []common.Address) []string {
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, addr.Hex())
	}
	return out
}
