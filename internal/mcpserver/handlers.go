package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleStartSettlement starts a settlement and reports the outcome.
func (h *Handlers) HandleStartSettlement(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	in := StartSettlementInput{
		SettlementID:    req.GetString("settlement_id", ""),
		SellerIdentity:  req.GetString("seller_identity", ""),
		BuyerIdentity:   req.GetString("buyer_identity", ""),
		BuyerToken:      req.GetString("buyer_token", ""),
		AssetID:         req.GetString("asset_id", ""),
		DeadlineSeconds: int64(req.GetInt("deadline_seconds", 0)),
	}
	if in.SettlementID == "" || in.SellerIdentity == "" || in.BuyerIdentity == "" || in.AssetID == "" {
		return mcp.NewToolResultError("settlement_id, seller_identity, buyer_identity and asset_id are required"), nil
	}

	raw, err := h.client.StartSettlement(ctx, in)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnprocessableEntity {
			var res struct {
				Reason string `json:"reason"`
			}
			if json.Unmarshal(apiErr.Body, &res) == nil && res.Reason != "" {
				return mcp.NewToolResultError("Settlement rejected: " + res.Reason), nil
			}
		}
		return mcp.NewToolResultError(fmt.Sprintf("Failed to start settlement: %v", err)), nil
	}

	var res struct {
		Settlement map[string]any `json:"settlement"`
	}
	if err := json.Unmarshal(raw, &res); err != nil || res.Settlement == nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}
	return mcp.NewToolResultText("Settlement accepted.\n" + formatSettlement(res.Settlement)), nil
}

// HandleGetSettlement describes one settlement.
func (h *Handlers) HandleGetSettlement(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("settlement_id", "")
	if id == "" {
		return mcp.NewToolResultError("settlement_id is required"), nil
	}

	raw, err := h.client.GetSettlement(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get settlement: %v", err)), nil
	}

	var res struct {
		Settlement map[string]any `json:"settlement"`
	}
	if err := json.Unmarshal(raw, &res); err != nil || res.Settlement == nil {
		return mcp.NewToolResultError("unexpected settlement response format"), nil
	}
	return mcp.NewToolResultText(formatSettlement(res.Settlement)), nil
}

// HandleListSettlements lists settlements for an identity.
func (h *Handlers) HandleListSettlements(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	identity := req.GetString("identity", "")
	if identity == "" {
		return mcp.NewToolResultError("identity is required"), nil
	}

	raw, err := h.client.ListSettlements(ctx, identity, req.GetInt("limit", 0), req.GetString("cursor", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list settlements: %v", err)), nil
	}

	text, err := formatSettlementList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse settlements: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetReceipt returns the signed delivery receipt.
func (h *Handlers) HandleGetReceipt(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("settlement_id", "")
	if id == "" {
		return mcp.NewToolResultError("settlement_id is required"), nil
	}

	raw, err := h.client.GetReceipt(ctx, id)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return mcp.NewToolResultText("No receipt yet: delivery has not been proven for " + id + "."), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get receipt: %v", err)), nil
	}

	var res struct {
		Receipt map[string]any `json:"receipt"`
	}
	if err := json.Unmarshal(raw, &res); err != nil || res.Receipt == nil {
		return mcp.NewToolResultError("unexpected receipt response format"), nil
	}

	r := res.Receipt
	var sb strings.Builder
	sb.WriteString("Delivery Receipt:\n")
	sb.WriteString(fmt.Sprintf("  Settlement: %s\n", getString(r, "settlementId")))
	sb.WriteString(fmt.Sprintf("  Asset:      %s\n", getString(r, "assetId")))
	sb.WriteString(fmt.Sprintf("  Recipient:  %s\n", getString(r, "recipientIdentity")))
	sb.WriteString(fmt.Sprintf("  Signed at:  %s\n", getString(r, "signedAt")))
	sb.WriteString(fmt.Sprintf("  Oracle:     %s\n", getString(r, "oracleId")))
	sb.WriteString(fmt.Sprintf("  Signature:  %s\n", getString(r, "signature")))
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleVerifyReceipt checks a receipt signature.
func (h *Handlers) HandleVerifyReceipt(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("settlement_id", "")
	if id == "" {
		return mcp.NewToolResultError("settlement_id is required"), nil
	}

	raw, err := h.client.VerifyReceipt(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to verify receipt: %v", err)), nil
	}

	var res struct {
		Verification struct {
			Valid  bool   `json:"valid"`
			Signer string `json:"signer"`
			Error  string `json:"error"`
		} `json:"verification"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return mcp.NewToolResultError("unexpected verification response format"), nil
	}
	v := res.Verification
	if !v.Valid {
		msg := "Receipt is NOT valid."
		if v.Error != "" {
			msg += " " + v.Error
		}
		return mcp.NewToolResultText(msg), nil
	}
	return mcp.NewToolResultText("Receipt is valid. Signed by " + v.Signer + "."), nil
}

// HandleVerifyDelivery triggers an immediate delivery check.
func (h *Handlers) HandleVerifyDelivery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("settlement_id", "")
	if id == "" {
		return mcp.NewToolResultError("settlement_id is required"), nil
	}

	raw, err := h.client.VerifyDelivery(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Delivery check failed: %v", err)), nil
	}

	var res struct {
		Found      bool           `json:"found"`
		Settlement map[string]any `json:"settlement"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return mcp.NewToolResultError("unexpected verify response format"), nil
	}

	var sb strings.Builder
	if res.Found {
		sb.WriteString("Item found in the buyer's inventory.\n")
	} else {
		sb.WriteString("Item not yet in the buyer's inventory.\n")
	}
	if res.Settlement != nil {
		sb.WriteString(formatSettlement(res.Settlement))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleOracleStatus returns the raw oracle view.
func (h *Handlers) HandleOracleStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.OracleStatus(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get oracle status: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// --- Formatting helpers ---

func formatSettlement(s map[string]any) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Settlement %s: %s\n", getString(s, "settlementId"), getString(s, "state")))
	sb.WriteString(fmt.Sprintf("  Seller:   %s\n", getString(s, "sellerIdentity")))
	sb.WriteString(fmt.Sprintf("  Buyer:    %s\n", getString(s, "buyerIdentity")))
	sb.WriteString(fmt.Sprintf("  Asset:    %s\n", getString(s, "assetId")))
	sb.WriteString(fmt.Sprintf("  Deadline: %s\n", getString(s, "deadline")))
	if v := getString(s, "offerId"); v != "" {
		sb.WriteString(fmt.Sprintf("  Offer:    %s\n", v))
	}
	if v := getString(s, "confirmTx"); v != "" {
		sb.WriteString(fmt.Sprintf("  Confirm:  %s\n", v))
	}
	if v := getString(s, "reason"); v != "" {
		sb.WriteString(fmt.Sprintf("  Reason:   %s\n", v))
	}
	return sb.String()
}

func formatSettlementList(raw json.RawMessage) (string, error) {
	var page struct {
		Settlements []map[string]any `json:"settlements"`
		NextCursor  string           `json:"nextCursor"`
		HasMore     bool             `json:"hasMore"`
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		return "", fmt.Errorf("unexpected settlements response format")
	}
	if len(page.Settlements) == 0 {
		return "No settlements found.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d settlement(s):\n\n", len(page.Settlements)))
	for i, s := range page.Settlements {
		sb.WriteString(fmt.Sprintf("%d. %s  %s  asset %s\n", i+1,
			getString(s, "settlementId"), getString(s, "state"), getString(s, "assetId")))
		if v := getString(s, "reason"); v != "" {
			sb.WriteString(fmt.Sprintf("   %s\n", v))
		}
	}
	if page.HasMore {
		sb.WriteString(fmt.Sprintf("\nMore results: cursor=%s\n", page.NextCursor))
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}
