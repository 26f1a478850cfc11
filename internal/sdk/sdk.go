// Package sdk defines the boundary between the comms plugin and the SDK that
// hosts it: ID generation, status callbacks, user input, persistent files and
// delivery of received packages.
package sdk

import (
	"math"

	"github.com/starford/racecomms/internal/encpkg"
	"github.com/starford/racecomms/internal/models"
)

// Handle correlates an asynchronous request with its callbacks.
type Handle uint64

// NullHandle marks callbacks that answer no particular request.
const NullHandle Handle = 0

// BlockingTimeout asks the SDK to wait as long as needed.
const BlockingTimeout int32 = math.MaxInt32

// Status is the SDK's answer to a call.
type Status int

const (
	StatusInvalid Status = iota
	StatusOK
	StatusShuttingDown
	StatusPluginMissing
	StatusInvalidArgument
	StatusPluginError
	StatusTimeout
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "SDK_OK"
	case StatusShuttingDown:
		return "SDK_SHUTTING_DOWN"
	case StatusPluginMissing:
		return "SDK_PLUGIN_MISSING"
	case StatusInvalidArgument:
		return "SDK_INVALID_ARGUMENT"
	case StatusPluginError:
		return "SDK_PLUGIN_ERROR"
	case StatusTimeout:
		return "SDK_TIMEOUT"
	default:
		return "SDK_INVALID"
	}
}

// Response is returned by every SDK call.
type Response struct {
	Status Status
	Handle Handle
}

// OK reports whether the call succeeded.
func (r Response) OK() bool { return r.Status == StatusOK }

// Comms is the SDK surface a comms plugin consumes.
type Comms interface {
	GenerateLinkID(channelGID string) string
	GenerateConnectionID(linkID string) string
	GetActivePersona() string
	GetChannelProperties(channelGID string) models.ChannelProperties

	ReceiveEncPkg(pkg encpkg.Package, connectionIDs []string, timeout int32) Response

	OnPackageStatusChanged(h Handle, status models.PackageStatus, timeout int32) Response
	OnConnectionStatusChanged(h Handle, connectionID string, status models.ConnectionStatus, props models.LinkProperties, timeout int32) Response
	OnLinkStatusChanged(h Handle, linkID string, status models.LinkStatus, props models.LinkProperties, timeout int32) Response
	OnChannelStatusChanged(h Handle, channelGID string, status models.ChannelStatus, props models.ChannelProperties, timeout int32) Response
	UpdateLinkProperties(linkID string, props models.LinkProperties, timeout int32) Response

	RequestPluginUserInput(key, prompt string, cache bool) Response
	RequestCommonUserInput(key string) Response
	DisplayInfoToUser(data string, displayType models.DisplayType) Response

	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte) Response
}

// UserInputHandler receives answers to user input requests.
type UserInputHandler interface {
	OnUserInputReceived(h Handle, answered bool, response string) models.PluginResponse
}
