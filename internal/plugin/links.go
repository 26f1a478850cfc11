package plugin

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/starford/racecomms/internal/models"
	"github.com/starford/racecomms/internal/persist"
	"github.com/starford/racecomms/internal/profile"
	"github.com/starford/racecomms/internal/sdk"
)

// CreateLink builds a new link on an available channel with a synthesized
// address: a fresh listening port for the direct channel and a fresh
// hashtag for the indirect one.
func (p *Plugin) CreateLink(h sdk.Handle, channelGID string) models.PluginResponse {
	p.mu.Lock()
	defer p.mu.Unlock()

	log := p.logger.With(slog.String("op", "create_link"), slog.String("channel_gid", channelGID))
	if !p.channelAvailableLocked(h, channelGID, log) {
		return models.PluginError
	}

	var (
		address  string
		linkType models.LinkType
	)
	switch channelGID {
	case DirectChannelGID:
		address = profile.DirectAddress(p.hostname, p.nextAvailablePort)
		p.nextAvailablePort++
		linkType = models.LinkTypeRecv
	case IndirectChannelGID:
		hashtag := fmt.Sprintf("%s_%s_%d", p.settings.HashtagPrefix, p.persona, p.nextAvailableHashtag)
		p.nextAvailableHashtag++
		if err := persist.WriteInt(p.sdk, nextHashtagKey, p.nextAvailableHashtag); err != nil {
			log.Warn("persisting hashtag counter failed", slog.String("error", err.Error()))
		}
		address = profile.WhiteboardAddress(p.settings.WhiteboardHostname, p.settings.WhiteboardPort,
			hashtag, p.settings.CheckFrequencyMs, nowSeconds())
		linkType = models.LinkTypeBidi
	}
	return p.addLinkLocked(h, channelGID, address, linkType, models.LinkCreated, log)
}

// LoadLinkAddress builds a link to a peer-announced address. Direct links
// loaded this way only send.
func (p *Plugin) LoadLinkAddress(h sdk.Handle, channelGID, linkAddress string) models.PluginResponse {
	p.mu.Lock()
	defer p.mu.Unlock()

	log := p.logger.With(slog.String("op", "load_link_address"), slog.String("channel_gid", channelGID))
	if !p.channelAvailableLocked(h, channelGID, log) {
		return models.PluginError
	}
	linkType := models.LinkTypeBidi
	if channelGID == DirectChannelGID {
		linkType = models.LinkTypeSend
	}
	return p.addLinkLocked(h, channelGID, linkAddress, linkType, models.LinkLoaded, log)
}

// LoadLinkAddresses is not supported by either channel.
func (p *Plugin) LoadLinkAddresses(h sdk.Handle, channelGID string, linkAddresses []string) models.PluginResponse {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.logger.Error("loading multiple link addresses is not supported",
		slog.String("channel_gid", channelGID),
		slog.Int("addresses", len(linkAddresses)))
	p.linkDestroyedLocked(h, channelGID)
	return models.PluginError
}

// CreateLinkFromAddress builds a link that we host at a caller-chosen address.
func (p *Plugin) CreateLinkFromAddress(h sdk.Handle, channelGID, linkAddress string) models.PluginResponse {
	p.mu.Lock()
	defer p.mu.Unlock()

	log := p.logger.With(slog.String("op", "create_link_from_address"), slog.String("channel_gid", channelGID))
	if !p.channelAvailableLocked(h, channelGID, log) {
		return models.PluginError
	}
	linkType := models.LinkTypeBidi
	if channelGID == DirectChannelGID {
		linkType = models.LinkTypeRecv
	}
	return p.addLinkLocked(h, channelGID, linkAddress, linkType, models.LinkCreated, log)
}

// CreateBootstrapLink is not supported by either channel.
func (p *Plugin) CreateBootstrapLink(h sdk.Handle, channelGID, passphrase string) models.PluginResponse {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.logger.Error("bootstrap links are not supported", slog.String("channel_gid", channelGID))
	p.linkDestroyedLocked(h, channelGID)
	return models.PluginError
}

// DestroyLink closes every connection on a link, then drops the link.
func (p *Plugin) DestroyLink(h sdk.Handle, linkID string) models.PluginResponse {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.links[linkID]; !ok {
		p.logger.Error("destroy: link does not exist", slog.String("link_id", linkID))
		p.linkDestroyedLocked(h, "")
		return models.PluginError
	}
	p.destroyLinkLocked(h, linkID)
	return models.PluginOK
}

func (p *Plugin) destroyLinkLocked(h sdk.Handle, linkID string) {
	l := p.links[linkID]
	for _, connID := range p.connectionsOnLocked(l) {
		p.closeConnectionLocked(h, connID)
	}
	l.Close()
	delete(p.links, linkID)

	p.linkStatusLocked(h, linkID, models.LinkDestroyed, l.Properties())
	p.logger.Info("link destroyed", slog.String("link_id", linkID))
}

// channelAvailableLocked reports whether links may be created on the channel.
// When they may not, it reports LINK_DESTROYED with no link ID.
func (p *Plugin) channelAvailableLocked(h sdk.Handle, channelGID string, log *slog.Logger) bool {
	if p.channelStatuses[channelGID] == models.ChannelAvailable {
		return true
	}
	log.Error("channel not available", slog.String("status", p.channelStatuses[channelGID].String()))
	p.linkDestroyedLocked(h, channelGID)
	return false
}

func (p *Plugin) addLinkLocked(h sdk.Handle, channelGID, address string, linkType models.LinkType,
	status models.LinkStatus, log *slog.Logger) models.PluginResponse {
	props, ok := defaultLinkProperties(p.sdk.GetChannelProperties(channelGID), channelGID)
	if !ok {
		log.Error("invalid channel")
		p.linkDestroyedLocked(h, channelGID)
		return models.PluginError
	}
	props.LinkType = linkType
	props.LinkAddress = address

	parser, err := profile.ForChannel(address, channelGID == DirectChannelGID)
	if err != nil {
		log.Error("parsing link address failed", slog.String("address", address), slog.String("error", err.Error()))
		p.linkDestroyedLocked(h, channelGID)
		return models.PluginError
	}
	cfg := models.LinkConfig{LinkProfile: address, Personas: []string{p.persona}, LinkProps: props}
	l, err := parser.CreateLink(p.sdk, cfg, channelGID, p.linkOpts...)
	if err != nil {
		log.Error("building link failed", slog.String("error", err.Error()))
		p.linkDestroyedLocked(h, channelGID)
		return models.PluginError
	}

	p.links[l.ID()] = l
	p.linkStatusLocked(h, l.ID(), status, props)
	if resp := p.sdk.UpdateLinkProperties(l.ID(), props, sdk.BlockingTimeout); !resp.OK() {
		log.Warn("updating link properties failed", slog.String("sdk_status", resp.Status.String()))
	}
	log.Info("link ready",
		slog.String("link_id", l.ID()),
		slog.String("link_type", linkType.String()),
		slog.String("address", address))
	return models.PluginOK
}

// linkDestroyedLocked reports a failed link request with the channel's
// default link properties.
func (p *Plugin) linkDestroyedLocked(h sdk.Handle, channelGID string) {
	props, _ := defaultLinkProperties(p.sdk.GetChannelProperties(channelGID), channelGID)
	p.linkStatusLocked(h, "", models.LinkDestroyed, props)
}

func (p *Plugin) linkStatusLocked(h sdk.Handle, linkID string, status models.LinkStatus, props models.LinkProperties) {
	if resp := p.sdk.OnLinkStatusChanged(h, linkID, status, props, sdk.BlockingTimeout); !resp.OK() {
		p.logger.Warn("link status callback failed",
			slog.String("link_id", linkID),
			slog.String("status", status.String()),
			slog.String("sdk_status", resp.Status.String()))
	}
}

func nowSeconds() float64 {
	return float64(time.Now().UnixMicro()) / 1e6
}
