package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	chunklib "github.com/AnishMulay/chunkstore/clients/library"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"gopkg.in/yaml.v3"
)

const callTimeout = 30 * time.Second

type MCPConfig struct {
	Coordinator string `yaml:"coordinator"`
}

// LoadConfig reads path when it exists and falls back to localhost:5000.
func LoadConfig(path string) (MCPConfig, error) {
	cfg := MCPConfig{Coordinator: "localhost:5000"}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

func addTools(s *server.MCPServer, client *chunklib.Client) {
	s.AddTool(mcp.NewTool("list_files",
		mcp.WithDescription("List stored files at their latest version"),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleListFiles(ctx, client)
	})

	s.AddTool(mcp.NewTool("list_versions",
		mcp.WithDescription("List the versions of a file, newest first"),
		mcp.WithString("name", mcp.Required(), mcp.Description("File name")),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleListVersions(ctx, request, client)
	})

	s.AddTool(mcp.NewTool("get_metadata",
		mcp.WithDescription("Show metadata of a file version"),
		mcp.WithString("name", mcp.Required(), mcp.Description("File name")),
		mcp.WithNumber("version", mcp.Description("Version number, latest when omitted")),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleGetMetadata(ctx, request, client)
	})
}

func handleListFiles(ctx context.Context, client *chunklib.Client) (*mcp.CallToolResult, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	files, err := client.ListFiles(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list files: %v", err)), nil
	}
	if len(files) == 0 {
		return mcp.NewToolResultText("No files stored"), nil
	}
	var b strings.Builder
	b.WriteString("Stored files:\n")
	for _, f := range files {
		fmt.Fprintf(&b, "- %s: version %d, %d bytes, %d chunks, id %s\n", f.FileName, f.LatestVersion, f.Size, f.ChunkCount, f.FileID)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func handleListVersions(ctx context.Context, request mcp.CallToolRequest, client *chunklib.Client) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	versions, err := client.ListVersions(ctx, name)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list versions: %v", err)), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Versions of %s:\n", name)
	for _, v := range versions {
		fmt.Fprintf(&b, "- v%d: %d bytes, uploaded %s, id %s\n", v.Version, v.Size, v.UploadTime.Format(time.RFC3339), v.FileID)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func handleGetMetadata(ctx context.Context, request mcp.CallToolRequest, client *chunklib.Client) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	version := request.GetInt("version", 0)

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	m, err := client.GetMetadata(ctx, name, int64(version))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get metadata: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("%s v%d: %d bytes, uploaded %s, id %s",
		m.FileName, m.Version, m.Size, m.UploadTime.Format(time.RFC3339), m.FileID)), nil
}

func main() {
	configPath := flag.String("config", "", "Path to the MCP config file")
	serverAddr := flag.String("server", "", "Coordinator address (overrides config)")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}
	if *serverAddr != "" {
		cfg.Coordinator = *serverAddr
	}

	client, err := chunklib.NewClient(cfg.Coordinator)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Client error: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	s := server.NewMCPServer(
		"chunkstore",
		"1.0.0",
		server.WithToolCapabilities(false),
	)
	addTools(s, client)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
	}
}
