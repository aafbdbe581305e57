// kbhub-mcp MCP 工具服务器子进程
// 由监控器启动，配置通过环境变量传入
package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/ashwinyue/kbhub/internal/mcpserver"
	"github.com/ashwinyue/kbhub/internal/model"
)

func main() {
	recordJSON := os.Getenv("KBHUB_MCP_RECORD")
	if recordJSON == "" {
		log.Fatal("KBHUB_MCP_RECORD is required")
	}
	var record model.MCPServerRecord
	if err := json.Unmarshal([]byte(recordJSON), &record); err != nil {
		log.Fatalf("Invalid KBHUB_MCP_RECORD: %v", err)
	}

	port := record.Port
	if v := os.Getenv("KBHUB_MCP_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			log.Fatalf("Invalid KBHUB_MCP_PORT: %v", err)
		}
		port = p
	}

	backendURL := os.Getenv("KBHUB_BACKEND_URL")
	if backendURL == "" {
		backendURL = "http://127.0.0.1:8000"
	}

	server, err := mcpserver.New(record, backendURL)
	if err != nil {
		log.Fatalf("Failed to create MCP server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.ListenAndServe(ctx, port); err != nil {
		log.Fatalf("MCP server error: %v", err)
	}
}
