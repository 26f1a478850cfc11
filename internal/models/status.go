// Package models defines the channel, link and connection types shared by the
// comms plugin and its SDK boundary.
package models

import "encoding/json"

// ChannelStatus is the lifecycle state of a channel.
type ChannelStatus int

const (
	ChannelUndef ChannelStatus = iota
	ChannelAvailable
	ChannelUnavailable
	ChannelEnabled
	ChannelDisabled
	ChannelStarting
	ChannelFailed
	ChannelUnsupported
)

var channelStatusNames = map[ChannelStatus]string{
	ChannelUndef:       "CHANNEL_UNDEF",
	ChannelAvailable:   "CHANNEL_AVAILABLE",
	ChannelUnavailable: "CHANNEL_UNAVAILABLE",
	ChannelEnabled:     "CHANNEL_ENABLED",
	ChannelDisabled:    "CHANNEL_DISABLED",
	ChannelStarting:    "CHANNEL_STARTING",
	ChannelFailed:      "CHANNEL_FAILED",
	ChannelUnsupported: "CHANNEL_UNSUPPORTED",
}

func (s ChannelStatus) String() string {
	if n, ok := channelStatusNames[s]; ok {
		return n
	}
	return channelStatusNames[ChannelUndef]
}

func (s ChannelStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// LinkStatus is the lifecycle state of a link.
type LinkStatus int

const (
	LinkUndef LinkStatus = iota
	LinkCreated
	LinkLoaded
	LinkDestroyed
)

func (s LinkStatus) String() string {
	switch s {
	case LinkCreated:
		return "LINK_CREATED"
	case LinkLoaded:
		return "LINK_LOADED"
	case LinkDestroyed:
		return "LINK_DESTROYED"
	default:
		return "LINK_UNDEF"
	}
}

// ConnectionStatus is the lifecycle state of a connection.
type ConnectionStatus int

const (
	ConnectionInvalid ConnectionStatus = iota
	ConnectionOpen
	ConnectionClosed
	ConnectionAwaitingContact
	ConnectionInitFailed
	ConnectionAvailable
	ConnectionUnavailable
)

func (s ConnectionStatus) String() string {
	switch s {
	case ConnectionOpen:
		return "CONNECTION_OPEN"
	case ConnectionClosed:
		return "CONNECTION_CLOSED"
	case ConnectionAwaitingContact:
		return "CONNECTION_AWAITING_CONTACT"
	case ConnectionInitFailed:
		return "CONNECTION_INIT_FAILED"
	case ConnectionAvailable:
		return "CONNECTION_AVAILABLE"
	case ConnectionUnavailable:
		return "CONNECTION_UNAVAILABLE"
	default:
		return "CONNECTION_INVALID"
	}
}

// PackageStatus reports the outcome of a send.
type PackageStatus int

const (
	PackageInvalid PackageStatus = iota
	PackageSent
	PackageReceived
	PackageFailedGeneric
	PackageFailedNetworkError
	PackageFailedTimeout
)

func (s PackageStatus) String() string {
	switch s {
	case PackageSent:
		return "PACKAGE_SENT"
	case PackageReceived:
		return "PACKAGE_RECEIVED"
	case PackageFailedGeneric:
		return "PACKAGE_FAILED_GENERIC"
	case PackageFailedNetworkError:
		return "PACKAGE_FAILED_NETWORK_ERROR"
	case PackageFailedTimeout:
		return "PACKAGE_FAILED_TIMEOUT"
	default:
		return "PACKAGE_INVALID"
	}
}

// PluginResponse is the synchronous result of a plugin entry point.
type PluginResponse int

const (
	PluginUndef PluginResponse = iota
	PluginOK
	PluginTempError
	PluginError
	PluginFatal
)

func (r PluginResponse) String() string {
	switch r {
	case PluginOK:
		return "PLUGIN_OK"
	case PluginTempError:
		return "PLUGIN_TEMP_ERROR"
	case PluginError:
		return "PLUGIN_ERROR"
	case PluginFatal:
		return "PLUGIN_FATAL"
	default:
		return "PLUGIN_UNDEF"
	}
}

// DisplayType selects how user-facing information is shown.
type DisplayType int

const (
	DisplayDialog DisplayType = iota
	DisplayQRCode
	DisplayToast
	DisplayNotification
)
