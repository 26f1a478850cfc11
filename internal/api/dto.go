package api

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/racecomms/internal/models"
	"github.com/starford/racecomms/internal/plugin"
	"github.com/starford/racecomms/internal/sdk"
)

// ActivateChannelRequest is the optional body for activating a channel.
type ActivateChannelRequest struct {
	Role string `json:"role" example:"default"`
}

// CreateLinkRequest is the body for creating a link.
type CreateLinkRequest struct {
	ChannelGID string `json:"channelGid" example:"twoSixDirectJava"`
}

func (r CreateLinkRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ChannelGID, validation.Required),
	)
}

// LinkAddressRequest is the body for loading a peer address or creating a
// link on a chosen address.
type LinkAddressRequest struct {
	ChannelGID string `json:"channelGid" example:"twoSixDirectJava"`
	Address    string `json:"address" example:"{\"hostname\":\"10.0.0.2\",\"port\":10000}"`
}

func (r LinkAddressRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ChannelGID, validation.Required),
		validation.Field(&r.Address, validation.Required),
	)
}

// OpenConnectionRequest is the body for opening a connection.
type OpenConnectionRequest struct {
	LinkID   string          `json:"linkId" example:"twoSixDirectJava/LinkID_1"`
	LinkType models.LinkType `json:"linkType" example:"LT_RECV" swaggertype:"string"`
	Hints    string          `json:"hints" example:"{}"`
}

func (r OpenConnectionRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.LinkID, validation.Required),
		validation.Field(&r.LinkType, validation.Required),
	)
}

// SendPackageRequest is the body for sending one encrypted package.
type SendPackageRequest struct {
	TraceID    int64  `json:"traceId"`
	SpanID     int64  `json:"spanId"`
	Type       uint8  `json:"type"`
	Ciphertext []byte `json:"ciphertext" swaggertype:"string" format:"base64"`
	// Timeout is the epoch-seconds deadline passed to the channel manager.
	Timeout float64 `json:"timeout"`
	BatchID uint64  `json:"batchId"`
}

func (r SendPackageRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Ciphertext, validation.Required),
	)
}

// ActionResponse reports a channel manager call and the callbacks it made.
type ActionResponse struct {
	Handle   sdk.Handle  `json:"handle"`
	Response string      `json:"response" example:"PLUGIN_OK"`
	Outcome  sdk.Outcome `json:"outcome"`
}

// ChannelResponse is one channel in a listing.
type ChannelResponse struct {
	ChannelGID string `json:"channelGid" example:"twoSixDirectJava"`
	Status     string `json:"status" example:"CHANNEL_AVAILABLE"`
}

// LinkInfo is a registered link (aliased from the channel manager).
type LinkInfo = plugin.LinkInfo

// ReceivedPackage is one inbox entry (aliased from the SDK host).
type ReceivedPackage = sdk.ReceivedPackage
