package vaultclient

import "fmt"

// Plan is the borrow-and-pay request an executor submits to the vault.
// Amounts are base-10 integers in the token's smallest unit.
type Plan struct {
	ID           string `json:"id,omitempty"`
	BorrowAsset  string `json:"borrow_asset"`
	BorrowAmount string `json:"borrow_amount"`
	Payee        string `json:"payee"`
	ExpiresAt    int64  `json:"expires_at"`
	Nonce        uint64 `json:"nonce"`
	Attestation  string `json:"attestation,omitempty"`
}

// Transaction is an on-chain transaction reported by the lending adapter.
type Transaction struct {
	Operation string `json:"operation"`
	Hash      string `json:"hash"`
}

// Receipt describes a committed execution.
type Receipt struct {
	VaultID          string        `json:"vault_id"`
	Nonce            uint64        `json:"nonce"`
	BorrowAsset      string        `json:"borrow_asset"`
	Amount           string        `json:"amount"`
	Payee            string        `json:"payee"`
	ExpiresAt        int64         `json:"expires_at"`
	ExecutedAt       int64         `json:"executed_at"`
	PreHealthFactor  string        `json:"pre_health_factor"`
	PostHealthFactor string        `json:"post_health_factor"`
	Transactions     []Transaction `json:"transactions,omitempty"`
}

// Submission tracks an asynchronously processed plan.
type Submission struct {
	ID        string   `json:"id"`
	VaultID   string   `json:"vault_id"`
	Actor     string   `json:"actor,omitempty"`
	Plan      Plan     `json:"plan"`
	Status    string   `json:"status"`
	Attempts  int      `json:"attempts"`
	ErrorCode string   `json:"error_code,omitempty"`
	LastError string   `json:"last_error,omitempty"`
	Receipt   *Receipt `json:"receipt,omitempty"`
	CreatedAt int64    `json:"created_at"`
	UpdatedAt int64    `json:"updated_at"`
}

// Done reports whether the submission reached a terminal status.
func (s Submission) Done() bool {
	switch s.Status {
	case "committed", "rejected", "failed":
		return true
	default:
		return false
	}
}

// Stats aggregates submissions by status.
type Stats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Committed       int   `json:"committed"`
	Rejected        int   `json:"rejected"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// Policy holds the owner-controlled limits. MinHealthFactor is a decimal
// string such as "1.5"; the borrow caps are integer amounts.
type Policy struct {
	MinHealthFactor string `json:"min_health_factor"`
	CooldownSeconds uint64 `json:"cooldown_seconds"`
	MaxBorrowPerTx  string `json:"max_borrow_per_tx"`
	MaxBorrowPerDay string `json:"max_borrow_per_day"`
}

// Status is a point-in-time view of the vault.
type Status struct {
	VaultID           string              `json:"vault_id"`
	Address           string              `json:"address"`
	ChainID           string              `json:"chain_id"`
	Verifier          string              `json:"verifier,omitempty"`
	Nonce             uint64              `json:"nonce"`
	Paused            bool                `json:"paused"`
	Policy            Policy              `json:"policy"`
	WindowStart       int64               `json:"window_start"`
	WindowBorrowed    string              `json:"window_borrowed"`
	WindowHeadroom    string              `json:"window_headroom"`
	LastExecutionAt   int64               `json:"last_execution_at"`
	CooldownRemaining int64               `json:"cooldown_remaining"`
	Allowlists        map[string][]string `json:"allowlists"`
}

// Allowlist lists the members of one allowlist kind.
type Allowlist struct {
	Kind    string   `json:"kind"`
	Members []string `json:"members"`
}

// Event is an audit record emitted by the vault.
type Event struct {
	ID         string            `json:"id"`
	VaultID    string            `json:"vault_id"`
	Kind       string            `json:"kind"`
	Nonce      uint64            `json:"nonce"`
	Actor      string            `json:"actor,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	OccurredAt int64             `json:"occurred_at"`
}

// ListFilter narrows ListSubmissions results. Zero values are ignored.
type ListFilter struct {
	Statuses  []string
	Limit     int
	Offset    int
	Since     int64
	Until     int64
	Ascending bool
	Query     string
}

// Health is the /healthz payload.
type Health struct {
	Status string `json:"status"`
	Vault  string `json:"vault"`
	Paused bool   `json:"paused"`
}

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int               `json:"-"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`

	receipt *Receipt
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agentvault api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentvault api error (%d): %s", e.StatusCode, e.Message)
}
