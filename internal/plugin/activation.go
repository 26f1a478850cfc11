package plugin

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/starford/racecomms/internal/models"
	"github.com/starford/racecomms/internal/sdk"
)

// ActivateChannel starts a channel. The indirect channel becomes available
// at once. The direct channel moves to STARTING and waits for the start port
// and hostname answers requested here.
func (p *Plugin) ActivateChannel(h sdk.Handle, channelGID, roleName string) models.PluginResponse {
	p.mu.Lock()
	defer p.mu.Unlock()

	log := p.logger.With(slog.String("op", "activate_channel"),
		slog.String("channel_gid", channelGID),
		slog.String("role", roleName))

	status, known := p.channelStatuses[channelGID]
	if !known {
		log.Error("unknown channel")
		return models.PluginError
	}
	switch status {
	case models.ChannelAvailable:
		log.Info("channel already available")
		return models.PluginOK
	case models.ChannelStarting:
		log.Info("channel activation already pending")
		return models.PluginOK
	}

	switch channelGID {
	case IndirectChannelGID:
		p.setChannelStatusLocked(h, channelGID, models.ChannelAvailable)
		p.sdk.DisplayInfoToUser(channelGID+" is available", models.DisplayToast)
	case DirectChannelGID:
		p.setChannelStatusLocked(h, channelGID, models.ChannelStarting)
		p.activationHandle = h
		p.startPortHandle, p.hostnameHandle = sdk.NullHandle, sdk.NullHandle

		resp := p.sdk.RequestPluginUserInput(startPortInputKey, startPortInputPrompt, true)
		if resp.OK() {
			p.startPortHandle = resp.Handle
			p.pendingInput[resp.Handle] = struct{}{}
		} else {
			log.Warn("requesting start port failed", slog.String("sdk_status", resp.Status.String()))
		}

		resp = p.sdk.RequestCommonUserInput(hostnameInputKey)
		if !resp.OK() {
			log.Error("requesting hostname failed", slog.String("sdk_status", resp.Status.String()))
			delete(p.pendingInput, p.startPortHandle)
			p.setChannelStatusLocked(h, channelGID, models.ChannelFailed)
			return models.PluginError
		}
		p.hostnameHandle = resp.Handle
		p.pendingInput[resp.Handle] = struct{}{}
	}
	log.Info("activation started")
	return models.PluginOK
}

// DeactivateChannel marks a channel unavailable and destroys its links.
func (p *Plugin) DeactivateChannel(h sdk.Handle, channelGID string) models.PluginResponse {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, known := p.channelStatuses[channelGID]; !known {
		p.logger.Error("deactivate: unknown channel", slog.String("channel_gid", channelGID))
		return models.PluginError
	}
	p.setChannelStatusLocked(h, channelGID, models.ChannelUnavailable)
	if channelGID == DirectChannelGID {
		clear(p.pendingInput)
	}

	for _, id := range sortedKeys(p.links) {
		if p.links[id].Properties().ChannelGID == channelGID {
			p.destroyLinkLocked(h, id)
		}
	}
	p.logger.Info("channel deactivated", slog.String("channel_gid", channelGID))
	return models.PluginOK
}

// OnUserInputReceived consumes the answers requested during direct channel
// activation.
func (p *Plugin) OnUserInputReceived(h sdk.Handle, answered bool, response string) models.PluginResponse {
	p.mu.Lock()
	defer p.mu.Unlock()

	log := p.logger.With(slog.String("op", "user_input"), slog.Uint64("handle", uint64(h)))

	if _, pending := p.pendingInput[h]; !pending {
		log.Warn("handle is not recognized")
		return models.PluginError
	}
	delete(p.pendingInput, h)

	switch h {
	case p.hostnameHandle:
		if !answered {
			log.Error("direct channel not available without a hostname")
			clear(p.pendingInput)
			p.setChannelStatusLocked(sdk.NullHandle, DirectChannelGID, models.ChannelUnavailable)
			return models.PluginOK
		}
		p.hostname = response
		log.Info("using hostname", slog.String("hostname", response))
	case p.startPortHandle:
		if !answered {
			log.Warn("no answer, using default start port", slog.Int("port", p.nextAvailablePort))
			break
		}
		port, err := parsePort(response)
		if err != nil {
			log.Warn("parsing start port failed", slog.String("response", response), slog.String("error", err.Error()))
			break
		}
		p.nextAvailablePort = port
		log.Info("using start port", slog.Int("port", port))
	}

	if len(p.pendingInput) == 0 && p.channelStatuses[DirectChannelGID] == models.ChannelStarting {
		p.setChannelStatusLocked(p.activationHandle, DirectChannelGID, models.ChannelAvailable)
		p.sdk.DisplayInfoToUser(DirectChannelGID+" is available", models.DisplayToast)
	}
	return models.PluginOK
}

// OnUserAcknowledgementReceived is a no-op; the plugin never asks for one.
func (p *Plugin) OnUserAcknowledgementReceived(h sdk.Handle) models.PluginResponse {
	p.logger.Debug("user acknowledgement", slog.Uint64("handle", uint64(h)))
	return models.PluginOK
}

func (p *Plugin) setChannelStatusLocked(h sdk.Handle, channelGID string, status models.ChannelStatus) {
	p.channelStatuses[channelGID] = status
	props := p.sdk.GetChannelProperties(channelGID)
	props.ChannelStatus = status
	if resp := p.sdk.OnChannelStatusChanged(h, channelGID, status, props, sdk.BlockingTimeout); !resp.OK() {
		p.logger.Warn("channel status callback failed",
			slog.String("channel_gid", channelGID),
			slog.String("sdk_status", resp.Status.String()))
	}
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range", port)
	}
	return port, nil
}
