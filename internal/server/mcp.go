package server

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/devricklin/autoreply/internal/service"
)

// NewMCPServer creates the MCP server with the operator tools registered
func NewMCPServer(orch Orchestrator) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "autoreply-tools",
		Version: "v1.0.0",
	}, nil)

	t := &mcpTools{orch: orch}

	mcp.AddTool(server, &mcp.Tool{
		Name:        "autoreply_reconcile_account",
		Description: "Re-evaluate an account's auto-reply settings and apply the delivery mechanisms they need. Also lifts a session-invalid quarantine.",
	}, t.reconcileAccount)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "autoreply_teardown_account",
		Description: "Remove every auto-reply mechanism of an account: away message, persistent connection and polling.",
	}, t.teardownAccount)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "autoreply_account_status",
		Description: "Report an account's delivery state, connection mode, polling interval and last errors.",
	}, t.accountStatus)

	return server
}

type mcpTools struct {
	orch Orchestrator
}

// AccountInput names the account a tool acts on
type AccountInput struct {
	AccountID string `json:"account_id" jsonschema:"the account id from the account directory"`
}

// AccountOutput is the result of an account tool
type AccountOutput struct {
	Success bool         `json:"success"`
	Error   string       `json:"error,omitempty"`
	Status  *AccountView `json:"status,omitempty"`
}

// AccountView is an account status with timestamps rendered as RFC 3339 text
type AccountView struct {
	AccountID       string `json:"account_id"`
	State           string `json:"state"`
	Mode            string `json:"mode,omitempty"`
	PollInterval    string `json:"poll_interval,omitempty"`
	Connected       bool   `json:"connected"`
	LastHealthCheck string `json:"last_health_check,omitempty"`
	NativeProbe     string `json:"native_probe,omitempty"`
	SessionInvalid  bool   `json:"session_invalid"`
	LastError       string `json:"last_error,omitempty"`
	LastReconciled  string `json:"last_reconciled,omitempty"`
}

func newAccountView(st service.AccountStatus) *AccountView {
	v := &AccountView{
		AccountID:      st.AccountID,
		State:          string(st.State),
		Mode:           string(st.Mode),
		PollInterval:   st.PollInterval,
		Connected:      st.Connected,
		NativeProbe:    string(st.NativeProbe),
		SessionInvalid: st.SessionInvalid,
		LastError:      st.LastError,
	}
	if st.LastHealthCheck != nil {
		v.LastHealthCheck = st.LastHealthCheck.Format(time.RFC3339)
	}
	if st.LastReconciled != nil {
		v.LastReconciled = st.LastReconciled.Format(time.RFC3339)
	}
	return v
}

func (t *mcpTools) reconcileAccount(ctx context.Context, req *mcp.CallToolRequest, input AccountInput) (*mcp.CallToolResult, AccountOutput, error) {
	if input.AccountID == "" {
		return nil, AccountOutput{Error: "account_id is required"}, nil
	}

	err := t.orch.ReconcileAccount(ctx, input.AccountID)
	status := newAccountView(t.orch.Status(input.AccountID))
	if err != nil {
		return nil, AccountOutput{Error: err.Error(), Status: status}, nil
	}
	return nil, AccountOutput{Success: true, Status: status}, nil
}

func (t *mcpTools) teardownAccount(ctx context.Context, req *mcp.CallToolRequest, input AccountInput) (*mcp.CallToolResult, AccountOutput, error) {
	if input.AccountID == "" {
		return nil, AccountOutput{Error: "account_id is required"}, nil
	}

	if err := t.orch.TeardownAccount(ctx, input.AccountID); err != nil {
		return nil, AccountOutput{Error: err.Error()}, nil
	}
	return nil, AccountOutput{Success: true}, nil
}

func (t *mcpTools) accountStatus(ctx context.Context, req *mcp.CallToolRequest, input AccountInput) (*mcp.CallToolResult, AccountOutput, error) {
	if input.AccountID == "" {
		return nil, AccountOutput{Error: "account_id is required"}, nil
	}

	return nil, AccountOutput{Success: true, Status: newAccountView(t.orch.Status(input.AccountID))}, nil
}
