package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the escrow MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetEscrow = mcp.NewTool("get_escrow",
	mcp.WithDescription(
		"Look up a task escrow by ID. "+
			"Shows status, amount and fees, the parties, milestones, payouts made so far, "+
			"and any dispute attached to it."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID (e.g. 'esc_...')")),
)

var ToolListUserEscrows = mcp.NewTool("list_user_escrows",
	mcp.WithDescription(
		"List escrows where a user is the client or the tasker, newest first. "+
			"Without user_id, lists the escrows of the authenticated caller. "+
			"Listing another user's escrows requires an arbiter token."),
	mcp.WithString("user_id",
		mcp.Description("Client or tasker ID to list escrows for")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of escrows to return (default 20)")),
)

var ToolGetDispute = mcp.NewTool("get_dispute",
	mcp.WithDescription(
		"Look up a dispute by ID. "+
			"Shows who raised it and why, the evidence submitted, and the resolution if one was made."),
	mcp.WithString("dispute_id",
		mcp.Required(),
		mcp.Description("The dispute ID (e.g. 'dsp_...')")),
)

var ToolListActiveDisputes = mcp.NewTool("list_active_disputes",
	mcp.WithDescription(
		"List disputes that are open or under review and waiting for an arbiter. "+
			"Requires an arbiter token."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of disputes to return (default 20)")),
)

var ToolEscrowStats = mcp.NewTool("escrow_stats",
	mcp.WithDescription(
		"Get platform-wide escrow statistics: counts by status, and volume and average amount per currency."),
)
