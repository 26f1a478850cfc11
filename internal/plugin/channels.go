package plugin

import "github.com/starford/racecomms/internal/models"

// Channel GIDs served by this plugin.
const (
	DirectChannelGID   = "twoSixDirectJava"
	IndirectChannelGID = "twoSixIndirectJava"
)

// AfterHint is the link hint naming the whiteboard timestamp to read from.
const AfterHint = "after"

func symmetric(bps, latencyMs int, loss float32) models.LinkPropertyPair {
	set := models.LinkPropertySet{BandwidthBps: bps, LatencyMs: latencyMs, Loss: loss}
	return models.LinkPropertyPair{Send: set, Receive: set}
}

// DefaultChannels returns the static properties of both channels.
func DefaultChannels() map[string]models.ChannelProperties {
	return map[string]models.ChannelProperties{
		DirectChannelGID: {
			ChannelGID:       DirectChannelGID,
			ChannelStatus:    models.ChannelUnavailable,
			LinkDirection:    models.LinkTypeRecv,
			TransmissionType: models.TransmissionUnicast,
			ConnectionType:   models.ConnectionTypeDirect,
			SendType:         models.SendTypeEphemeralSync,
			MultiAddressable: false,
			Reliable:         false,
			IsFlushable:      false,
			DurationS:        -1,
			PeriodS:          -1,
			MTU:              -1,
			CreatorExpected:  symmetric(25700000, 16, -1),
			LoaderExpected:   symmetric(25700000, 16, -1),
			MaxLinks:         2000,
		},
		IndirectChannelGID: {
			ChannelGID:       IndirectChannelGID,
			ChannelStatus:    models.ChannelUnavailable,
			LinkDirection:    models.LinkTypeBidi,
			TransmissionType: models.TransmissionMulticast,
			ConnectionType:   models.ConnectionTypeIndirect,
			SendType:         models.SendTypeStoredAsync,
			MultiAddressable: false,
			Reliable:         false,
			IsFlushable:      false,
			DurationS:        -1,
			PeriodS:          -1,
			MTU:              -1,
			CreatorExpected:  symmetric(308000, 2900, 0.1),
			LoaderExpected:   symmetric(308000, 2900, 0.1),
			SupportedHints:   []string{AfterHint},
			MaxLinks:         1000,
		},
	}
}

// defaultLinkProperties derives link properties from a channel's properties
// with the measured worst and best bounds for that channel.
func defaultLinkProperties(ch models.ChannelProperties, channelGID string) (models.LinkProperties, bool) {
	props := models.NewLinkProperties()
	props.TransmissionType = ch.TransmissionType
	props.ConnectionType = ch.ConnectionType
	props.SendType = ch.SendType
	props.Reliable = ch.Reliable
	props.IsFlushable = ch.IsFlushable
	props.DurationS = ch.DurationS
	props.PeriodS = ch.PeriodS
	props.MTU = ch.MTU
	props.Expected = ch.CreatorExpected
	props.SupportedHints = append([]string(nil), ch.SupportedHints...)
	props.ChannelGID = channelGID

	switch channelGID {
	case DirectChannelGID:
		props.Worst = symmetric(23130000, 17, -1)
		props.Best = symmetric(28270000, 14, -1)
	case IndirectChannelGID:
		props.LinkType = models.LinkTypeBidi
		props.Worst = symmetric(277200, 3190, 0.1)
		props.Best = symmetric(338800, 2610, 0.1)
	default:
		return props, false
	}
	return props, true
}
