package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the risk engine MCP server. All tools are read-only.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetRiskProfile = mcp.NewTool("get_risk_profile",
	mcp.WithDescription(
		"Get a user's risk profile in one category: current status "+
			"(active, underReview, flagged, blocked, whitelisted), the latest score on a 0-100 scale, "+
			"how long the status has held, and whitelist details."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("The user's identifier")),
	mcp.WithString("category",
		mcp.Required(),
		mcp.Description("Risk category, e.g. 'bot', 'dumping', 'collusion', 'ghosting', 'splash'")),
)

var ToolGetCategoryScore = mcp.NewTool("get_category_score",
	mcp.WithDescription(
		"Get the most recent category score for a user with its sub-score breakdown, "+
			"the recommended action, and the configuration version that produced it. "+
			"Use this to explain why a user was flagged."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("The user's identifier")),
	mcp.WithString("category",
		mcp.Required(),
		mcp.Description("Risk category, e.g. 'bot', 'dumping', 'collusion', 'ghosting', 'splash'")),
)

var ToolGetRiskHistory = mcp.NewTool("get_risk_history",
	mcp.WithDescription(
		"List a user's status transitions, newest first. Each entry shows who made the change "+
			"(an operator or 'system'), the triggering score, and any comment."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("The user's identifier")),
	mcp.WithString("category",
		mcp.Description("Restrict to one category; omit for all categories")),
	mcp.WithNumber("page",
		mcp.Description("Page number, starting at 1 (default 1)")),
	mcp.WithNumber("page_size",
		mcp.Description("Entries per page (default 20)")),
)
