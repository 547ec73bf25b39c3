// skinsettle MCP server - exposes settlement operations as MCP tools
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/skinsettle/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL:      envOrDefault("SKINSETTLE_API_URL", "http://localhost:8080"),
		APIKey:      os.Getenv("SKINSETTLE_API_KEY"),
		AdminSecret: os.Getenv("SKINSETTLE_ADMIN_SECRET"),
	}

	if cfg.APIKey == "" {
		fmt.Fprintln(os.Stderr, "SKINSETTLE_API_KEY is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
