package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions. Descriptions are what the model reads to decide which
// tool to use.

var ToolStartSettlement = mcp.NewTool("start_settlement",
	mcp.WithDescription(
		"Start settling an escrowed Steam item trade. The seller's inventory is checked, "+
			"ownership is recorded with the escrow program, a trade offer is sent to the buyer "+
			"and the buyer's inventory is watched until the deadline. "+
			"Returns the settlement, or the reason it was rejected."),
	mcp.WithString("settlement_id",
		mcp.Required(),
		mcp.Description("Identifier of the escrow on the program (letters, digits, '-' and '_')")),
	mcp.WithString("seller_identity",
		mcp.Required(),
		mcp.Description("Seller SteamID64 or linked wallet address")),
	mcp.WithString("buyer_identity",
		mcp.Required(),
		mcp.Description("Buyer SteamID64 or linked wallet address")),
	mcp.WithString("asset_id",
		mcp.Required(),
		mcp.Description("Steam asset id of the item being sold")),
	mcp.WithString("buyer_token",
		mcp.Description("Buyer trade offer token, required when the buyer is not a Steam friend")),
	mcp.WithNumber("deadline_seconds",
		mcp.Description("Seconds the buyer has to accept the offer. Omit for the server default.")),
)

var ToolGetSettlement = mcp.NewTool("get_settlement",
	mcp.WithDescription("Get the current state of a settlement, including failure reasons and transaction hashes."),
	mcp.WithString("settlement_id",
		mcp.Required(),
		mcp.Description("Settlement identifier")),
)

var ToolListSettlements = mcp.NewTool("list_settlements",
	mcp.WithDescription("List settlements where the identity is the buyer or seller, newest first."),
	mcp.WithString("identity",
		mcp.Required(),
		mcp.Description("SteamID64 or linked wallet address")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of settlements to return (default 50)")),
	mcp.WithString("cursor",
		mcp.Description("Cursor from a previous page")),
)

var ToolGetReceipt = mcp.NewTool("get_receipt",
	mcp.WithDescription("Get the signed delivery receipt the oracle issued for a settlement."),
	mcp.WithString("settlement_id",
		mcp.Required(),
		mcp.Description("Settlement identifier")),
)

var ToolVerifyReceipt = mcp.NewTool("verify_receipt",
	mcp.WithDescription("Check that a stored delivery receipt carries a valid oracle signature."),
	mcp.WithString("settlement_id",
		mcp.Required(),
		mcp.Description("Settlement identifier")),
)

var ToolVerifyDelivery = mcp.NewTool("verify_delivery",
	mcp.WithDescription(
		"Administrative: check the buyer's inventory now instead of waiting for the next poll. "+
			"Confirms delivery on-chain if the item has arrived."),
	mcp.WithString("settlement_id",
		mcp.Required(),
		mcp.Description("Settlement identifier")),
)

var ToolOracleStatus = mcp.NewTool("oracle_status",
	mcp.WithDescription("Administrative: list watched deliveries and the remaining Steam request budget."),
)
