// Package mcpserver provides an MCP (Model Context Protocol) server
// that drives the channel manager over stdio.
package mcpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/racecomms/internal/encpkg"
	"github.com/starford/racecomms/internal/models"
	"github.com/starford/racecomms/internal/plugin"
	"github.com/starford/racecomms/internal/sdk"
)

const addressFormatURI = "racecomms://link-address-format"

// Manager is the channel manager surface exposed as tools.
type Manager interface {
	Channels() map[string]models.ChannelStatus
	ActivateChannel(h sdk.Handle, channelGID, roleName string) models.PluginResponse
	Links() []plugin.LinkInfo
	CreateLink(h sdk.Handle, channelGID string) models.PluginResponse
	LoadLinkAddress(h sdk.Handle, channelGID, linkAddress string) models.PluginResponse
	OpenConnection(h sdk.Handle, linkType models.LinkType, linkID, linkHints string) models.PluginResponse
	CloseConnection(h sdk.Handle, connectionID string) models.PluginResponse
	SendPackage(h sdk.Handle, connectionID string, pkg encpkg.Package, timeoutTimestamp float64, batchID uint64) models.PluginResponse
}

// Host mints tracked handles and exposes the inbox.
type Host interface {
	Begin() sdk.Handle
	Finish(h sdk.Handle) sdk.Outcome
	Received(limit int) []sdk.ReceivedPackage
}

// Server wraps the MCP server with channel tools.
type Server struct {
	mcp  *server.MCPServer
	mgr  Manager
	host Host
}

// New creates a new MCP server with all tools registered.
func New(mgr Manager, host Host) *Server {
	s := &Server{mgr: mgr, host: host}

	s.mcp = server.NewMCPServer(
		"racecomms",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("list_channels",
		mcp.WithDescription("List the comms channels and their status."),
	), s.listChannels)

	s.mcp.AddTool(mcp.NewTool("activate_channel",
		mcp.WithDescription("Activate a channel. The direct channel becomes available "+
			"once its start port and hostname are answered; poll list_channels."),
		mcp.WithString("channel_gid", mcp.Required(), mcp.Description("Channel GID, e.g. twoSixDirectJava")),
		mcp.WithString("role", mcp.Description("Role name (default: default)")),
	), s.activateChannel)

	s.mcp.AddTool(mcp.NewTool("create_link",
		mcp.WithDescription("Create a link with a fresh local address. "+
			"The result carries the link ID and the address to hand to peers."),
		mcp.WithString("channel_gid", mcp.Required(), mcp.Description("Channel GID")),
	), s.createLink)

	s.mcp.AddTool(mcp.NewTool("load_link_address",
		mcp.WithDescription("Load a peer's link address. Read "+addressFormatURI+" for the format."),
		mcp.WithString("channel_gid", mcp.Required(), mcp.Description("Channel GID")),
		mcp.WithString("address", mcp.Required(), mcp.Description("Link address JSON")),
	), s.loadLinkAddress)

	s.mcp.AddTool(mcp.NewTool("list_links",
		mcp.WithDescription("List registered links with their addresses and connections."),
	), s.listLinks)

	s.mcp.AddTool(mcp.NewTool("open_connection",
		mcp.WithDescription("Open a connection on a link."),
		mcp.WithString("link_id", mcp.Required(), mcp.Description("Link ID")),
		mcp.WithString("link_type", mcp.Required(), mcp.Description("LT_SEND, LT_RECV or LT_BIDI")),
		mcp.WithString("hints", mcp.Description("Link hints JSON, e.g. {\"after\": 1700000000}")),
	), s.openConnection)

	s.mcp.AddTool(mcp.NewTool("close_connection",
		mcp.WithDescription("Close a connection."),
		mcp.WithString("connection_id", mcp.Required(), mcp.Description("Connection ID")),
	), s.closeConnection)

	s.mcp.AddTool(mcp.NewTool("send_package",
		mcp.WithDescription("Send an encrypted package on a connection."),
		mcp.WithString("connection_id", mcp.Required(), mcp.Description("Connection ID")),
		mcp.WithString("ciphertext", mcp.Required(), mcp.Description("Ciphertext, standard base64")),
		mcp.WithNumber("trace_id", mcp.Description("Trace ID")),
		mcp.WithNumber("span_id", mcp.Description("Span ID")),
	), s.sendPackage)

	s.mcp.AddTool(mcp.NewTool("received_packages",
		mcp.WithDescription("List the most recently received packages."),
		mcp.WithNumber("limit", mcp.Description("Max entries (default 20)")),
	), s.receivedPackages)

	s.mcp.AddResource(
		mcp.NewResource(addressFormatURI, "Link Address Format",
			mcp.WithResourceDescription("JSON address profiles accepted by each channel."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readAddressFormat,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// Listen serves the protocol over in and out until ctx is done or in closes.
func (s *Server) Listen(ctx context.Context, in io.Reader, out io.Writer) error {
	return server.NewStdioServer(s.mcp).Listen(ctx, in, out)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func jsonResult(v any) *mcp.CallToolResult {
	out, _ := json.MarshalIndent(v, "", "  ")
	return mcp.NewToolResultText(string(out))
}

// act runs one channel manager call under a tracked handle. A response other
// than PLUGIN_OK is reported as a tool error carrying the outcome.
func (s *Server) act(fn func(sdk.Handle) models.PluginResponse) *mcp.CallToolResult {
	handle := s.host.Begin()
	resp := fn(handle)
	body := map[string]any{
		"handle":   handle,
		"response": resp.String(),
		"outcome":  s.host.Finish(handle),
	}
	if resp != models.PluginOK {
		out, _ := json.Marshal(body)
		return mcp.NewToolResultError(string(out))
	}
	return jsonResult(body)
}

func (s *Server) listChannels(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	statuses := s.mgr.Channels()
	gids := make([]string, 0, len(statuses))
	for gid := range statuses {
		gids = append(gids, gid)
	}
	sort.Strings(gids)
	out := make([]map[string]string, 0, len(gids))
	for _, gid := range gids {
		out = append(out, map[string]string{"channelGid": gid, "status": statuses[gid].String()})
	}
	return jsonResult(out), nil
}

func (s *Server) activateChannel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	gid, err := req.RequireString("channel_gid")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	role := req.GetString("role", "default")
	return s.act(func(h sdk.Handle) models.PluginResponse {
		return s.mgr.ActivateChannel(h, gid, role)
	}), nil
}

func (s *Server) createLink(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	gid, err := req.RequireString("channel_gid")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return s.act(func(h sdk.Handle) models.PluginResponse {
		return s.mgr.CreateLink(h, gid)
	}), nil
}

func (s *Server) loadLinkAddress(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	gid, err := req.RequireString("channel_gid")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	address, err := req.RequireString("address")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return s.act(func(h sdk.Handle) models.PluginResponse {
		return s.mgr.LoadLinkAddress(h, gid, address)
	}), nil
}

func (s *Server) listLinks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.mgr.Links()), nil
}

func (s *Server) openConnection(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	linkID, err := req.RequireString("link_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rawType, err := req.RequireString("link_type")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	linkType, err := models.ParseLinkType(rawType)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	hints := req.GetString("hints", "{}")
	return s.act(func(h sdk.Handle) models.PluginResponse {
		return s.mgr.OpenConnection(h, linkType, linkID, hints)
	}), nil
}

func (s *Server) closeConnection(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	connID, err := req.RequireString("connection_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return s.act(func(h sdk.Handle) models.PluginResponse {
		return s.mgr.CloseConnection(h, connID)
	}), nil
}

func (s *Server) sendPackage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	connID, err := req.RequireString("connection_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	encoded, err := req.RequireString("ciphertext")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(ciphertext) == 0 {
		return mcp.NewToolResultError(fmt.Sprintf("ciphertext must be non-empty base64: %v", err)), nil
	}
	pkg := encpkg.Package{
		TraceID:    int64(req.GetFloat("trace_id", 0)),
		SpanID:     int64(req.GetFloat("span_id", 0)),
		Type:       encpkg.TypeNetworkManager,
		Ciphertext: ciphertext,
	}
	return s.act(func(h sdk.Handle) models.PluginResponse {
		return s.mgr.SendPackage(h, connID, pkg, 0, 0)
	}), nil
}

func (s *Server) receivedPackages(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := int(req.GetFloat("limit", 20))
	pkgs := s.host.Received(limit)
	if pkgs == nil {
		pkgs = []sdk.ReceivedPackage{}
	}
	return jsonResult(pkgs), nil
}

func (s *Server) readAddressFormat(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      addressFormatURI,
			MIMEType: "text/markdown",
			Text:     AddressFormat,
		},
	}, nil
}
