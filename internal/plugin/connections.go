package plugin

import (
	"log/slog"

	"github.com/starford/racecomms/internal/encpkg"
	"github.com/starford/racecomms/internal/models"
	"github.com/starford/racecomms/internal/sdk"
)

// OpenConnection opens a connection of the given type on a link. The first
// receive connection on a link starts its monitor.
func (p *Plugin) OpenConnection(h sdk.Handle, linkType models.LinkType, linkID, linkHints string) models.PluginResponse {
	p.mu.Lock()
	defer p.mu.Unlock()

	log := p.logger.With(slog.String("op", "open_connection"),
		slog.String("link_id", linkID),
		slog.String("link_type", linkType.String()))

	l, ok := p.links[linkID]
	if !ok {
		log.Error("link does not exist")
		p.connectionStatusLocked(h, "", models.ConnectionClosed, models.NewLinkProperties())
		return models.PluginError
	}
	connID := p.sdk.GenerateConnectionID(linkID)
	if connID == "" {
		log.Error("sdk returned no connection id")
		p.connectionStatusLocked(h, "", models.ConnectionClosed, l.Properties())
		return models.PluginError
	}

	conn, err := l.OpenConnection(linkType, connID, linkHints)
	if err != nil {
		log.Error("opening connection failed", slog.String("connection_id", connID), slog.String("error", err.Error()))
		p.connectionStatusLocked(h, connID, models.ConnectionClosed, l.Properties())
		return models.PluginError
	}
	p.connections[connID] = conn
	p.connectionStatusLocked(h, connID, models.ConnectionOpen, l.Properties())
	log.Info("connection open", slog.String("connection_id", connID), slog.Int("connections", len(p.connections)))
	return models.PluginOK
}

// CloseConnection closes one connection. Closing the last receive connection
// on a link stops its monitor.
func (p *Plugin) CloseConnection(h sdk.Handle, connectionID string) models.PluginResponse {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.connections[connectionID]; !ok {
		p.logger.Error("close: connection does not exist", slog.String("connection_id", connectionID))
		return models.PluginError
	}
	p.closeConnectionLocked(h, connectionID)
	return models.PluginOK
}

func (p *Plugin) closeConnectionLocked(h sdk.Handle, connectionID string) {
	conn := p.connections[connectionID]
	delete(p.connections, connectionID)
	l := conn.Link()
	l.CloseConnection(connectionID)
	p.connectionStatusLocked(h, connectionID, models.ConnectionClosed, l.Properties())
	p.logger.Info("connection closed", slog.String("connection_id", connectionID), slog.String("link_id", l.ID()))
}

// SendPackage writes a package to the link behind a connection and reports
// the outcome as a package status.
func (p *Plugin) SendPackage(h sdk.Handle, connectionID string, pkg encpkg.Package, timeoutTimestamp float64, batchID uint64) models.PluginResponse {
	p.mu.Lock()
	defer p.mu.Unlock()

	log := p.logger.With(slog.String("op", "send_package"),
		slog.String("connection_id", connectionID),
		slog.Uint64("batch_id", batchID))

	conn, ok := p.connections[connectionID]
	if !ok {
		log.Error("connection does not exist")
		p.packageStatusLocked(h, models.PackageFailedGeneric)
		return models.PluginError
	}
	if err := conn.Link().SendPackage(p.ctx, pkg); err != nil {
		log.Error("send failed", slog.Int("size", pkg.Size()), slog.String("error", err.Error()))
		p.packageStatusLocked(h, models.PackageFailedGeneric)
		return models.PluginError
	}
	p.packageStatusLocked(h, models.PackageSent)
	log.Debug("package sent", slog.Int("size", pkg.Size()))
	return models.PluginOK
}

// FlushChannel is not supported; neither channel is flushable.
func (p *Plugin) FlushChannel(h sdk.Handle, channelGID string, batchID uint64) models.PluginResponse {
	p.logger.Error("flushing is not supported", slog.String("channel_gid", channelGID), slog.Uint64("batch_id", batchID))
	return models.PluginError
}

// ServeFiles is not supported by either channel.
func (p *Plugin) ServeFiles(linkID, path string) models.PluginResponse {
	p.logger.Error("serving files is not supported", slog.String("link_id", linkID), slog.String("path", path))
	return models.PluginError
}

func (p *Plugin) connectionStatusLocked(h sdk.Handle, connectionID string, status models.ConnectionStatus, props models.LinkProperties) {
	if resp := p.sdk.OnConnectionStatusChanged(h, connectionID, status, props, sdk.BlockingTimeout); !resp.OK() {
		p.logger.Warn("connection status callback failed",
			slog.String("connection_id", connectionID),
			slog.String("status", status.String()),
			slog.String("sdk_status", resp.Status.String()))
	}
}

func (p *Plugin) packageStatusLocked(h sdk.Handle, status models.PackageStatus) {
	if resp := p.sdk.OnPackageStatusChanged(h, status, sdk.BlockingTimeout); !resp.OK() {
		p.logger.Warn("package status callback failed",
			slog.String("status", status.String()),
			slog.String("sdk_status", resp.Status.String()))
	}
}
