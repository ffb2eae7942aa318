package mcpserver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/riskengine/internal/client"
	"github.com/mbd888/riskengine/internal/risk"
)

const defaultHistoryPageSize = 20

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *client.Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(c *client.Client) *Handlers {
	return &Handlers{client: c}
}

func keyArgs(req mcp.CallToolRequest) (string, risk.Category, *mcp.CallToolResult) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return "", "", mcp.NewToolResultError("user_id is required")
	}
	category, err := risk.ParseCategory(req.GetString("category", ""))
	if err != nil {
		return "", "", mcp.NewToolResultError(err.Error())
	}
	return userID, category, nil
}

// HandleGetRiskProfile returns a user's profile in one category.
func (h *Handlers) HandleGetRiskProfile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, category, bad := keyArgs(req)
	if bad != nil {
		return bad, nil
	}

	p, err := h.client.GetProfile(ctx, userID, category)
	if client.IsNotFound(err) {
		return mcp.NewToolResultText(fmt.Sprintf("No %s profile for %s. The user has not been scored in this category yet.", category, userID)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get profile: %v", err)), nil
	}

	return mcp.NewToolResultText(formatProfile(p)), nil
}

// HandleGetCategoryScore returns the latest score with its breakdown.
func (h *Handlers) HandleGetCategoryScore(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, category, bad := keyArgs(req)
	if bad != nil {
		return bad, nil
	}

	score, err := h.client.GetCategoryScore(ctx, userID, category)
	if client.IsNotFound(err) {
		return mcp.NewToolResultText(fmt.Sprintf("No %s score for %s yet.", category, userID)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get score: %v", err)), nil
	}

	return mcp.NewToolResultText(formatScore(score)), nil
}

// HandleGetRiskHistory returns a page of status transitions.
func (h *Handlers) HandleGetRiskHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	var category risk.Category
	if raw := req.GetString("category", ""); raw != "" {
		c, err := risk.ParseCategory(raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		category = c
	}
	page := req.GetInt("page", 1)
	pageSize := req.GetInt("page_size", defaultHistoryPageSize)

	hist, err := h.client.GetHistory(ctx, userID, category, page, pageSize)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get history: %v", err)), nil
	}

	return mcp.NewToolResultText(formatHistory(userID, hist)), nil
}

// --- Formatting helpers ---

func formatProfile(p *risk.Profile) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Risk Profile (%s / %s):\n", p.UserID, p.Category)
	fmt.Fprintf(&sb, "  Status: %s (since %s)\n", p.CurrentStatus, p.StatusSince.UTC().Format(time.RFC3339))
	fmt.Fprintf(&sb, "  Score: %.1f / 100\n", p.CurrentScore)
	if p.Whitelisted {
		sb.WriteString("  Whitelisted: yes\n")
		if p.WhitelistNotes != "" {
			fmt.Fprintf(&sb, "  Notes: %s\n", p.WhitelistNotes)
		}
		if p.WhitelistExpiresAt != nil {
			fmt.Fprintf(&sb, "  Whitelist expires: %s\n", p.WhitelistExpiresAt.UTC().Format(time.RFC3339))
		}
	}
	if p.ConfigVersion != "" {
		fmt.Fprintf(&sb, "  Config: %s\n", p.ConfigVersion)
	}
	return sb.String()
}

func formatScore(s *risk.CategoryScore) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Category Score (%s / %s): %.1f\n", s.UserID, s.Category, s.Value)
	fmt.Fprintf(&sb, "  Recommended action: %s\n", s.Recommended)
	fmt.Fprintf(&sb, "  Computed: %s with %s\n", s.Timestamp.UTC().Format(time.RFC3339), s.ConfigVersion)

	subs := make([]risk.SubScore, len(s.SubScores))
	copy(subs, s.SubScores)
	sort.Slice(subs, func(i, j int) bool { return subs[i].Name < subs[j].Name })

	if len(subs) > 0 {
		sb.WriteString("\nSub-scores:\n")
	}
	for _, sub := range subs {
		fmt.Fprintf(&sb, "  %s: %.1f (weight %.2f)\n", sub.Name, sub.Value, sub.Weight)
		if len(sub.Ignored) > 0 {
			fmt.Fprintf(&sb, "    ignored: %s\n", strings.Join(sub.Ignored, ", "))
		}
	}
	return sb.String()
}

func formatHistory(userID string, page *client.HistoryPage) string {
	if len(page.Transitions) == 0 {
		return fmt.Sprintf("No transitions recorded for %s.", userID)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Transitions for %s (page %d, %d of %d total):\n\n",
		userID, page.Pagination.Page, len(page.Transitions), page.Pagination.Total)
	for i, t := range page.Transitions {
		fmt.Fprintf(&sb, "%d. %s [%s] %s -> %s by %s",
			i+1, t.Timestamp.UTC().Format(time.RFC3339), t.Category, t.PreviousStatus, t.NewStatus, t.ChangedBy)
		if t.TriggeringScore != nil {
			fmt.Fprintf(&sb, " (score %.1f)", *t.TriggeringScore)
		}
		sb.WriteString("\n")
		if t.Comment != "" {
			fmt.Fprintf(&sb, "   %s\n", t.Comment)
		}
	}
	if page.Pagination.HasMore {
		fmt.Fprintf(&sb, "\nMore entries available: request page %d.\n", page.Pagination.Page+1)
	}
	return sb.String()
}
