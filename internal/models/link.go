package models

import (
	"encoding/json"
	"fmt"
)

// LinkType is the direction a link or connection carries traffic.
type LinkType int

const (
	LinkTypeUndef LinkType = iota
	LinkTypeSend
	LinkTypeRecv
	LinkTypeBidi
)

var linkTypeNames = map[LinkType]string{
	LinkTypeUndef: "LT_UNDEF",
	LinkTypeSend:  "LT_SEND",
	LinkTypeRecv:  "LT_RECV",
	LinkTypeBidi:  "LT_BIDI",
}

func (t LinkType) String() string {
	if n, ok := linkTypeNames[t]; ok {
		return n
	}
	return linkTypeNames[LinkTypeUndef]
}

// CanReceive reports whether t includes the receive direction.
func (t LinkType) CanReceive() bool {
	return t == LinkTypeRecv || t == LinkTypeBidi
}

// ParseLinkType accepts "LT_SEND", "send" and similar spellings.
func ParseLinkType(s string) (LinkType, error) {
	switch s {
	case "LT_SEND", "send":
		return LinkTypeSend, nil
	case "LT_RECV", "recv", "receive":
		return LinkTypeRecv, nil
	case "LT_BIDI", "bidi":
		return LinkTypeBidi, nil
	}
	return LinkTypeUndef, fmt.Errorf("unknown link type %q", s)
}

func (t LinkType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *LinkType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseLinkType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

type TransmissionType int

const (
	TransmissionUndef TransmissionType = iota
	TransmissionUnicast
	TransmissionMulticast
)

type ConnectionType int

const (
	ConnectionTypeUndef ConnectionType = iota
	ConnectionTypeDirect
	ConnectionTypeIndirect
	ConnectionTypeMixed
	ConnectionTypeLocal
)

type SendType int

const (
	SendTypeUndef SendType = iota
	SendTypeStoredAsync
	SendTypeEphemeralSync
)

// LinkPropertySet is one bandwidth/latency/loss sample.
// Negative values mean unknown.
type LinkPropertySet struct {
	BandwidthBps int     `json:"bandwidthBps"`
	LatencyMs    int     `json:"latencyMs"`
	Loss         float32 `json:"loss"`
}

// UnknownPropertySet has every field marked unknown.
var UnknownPropertySet = LinkPropertySet{BandwidthBps: -1, LatencyMs: -1, Loss: -1}

// LinkPropertyPair holds send and receive samples.
type LinkPropertyPair struct {
	Send    LinkPropertySet `json:"send"`
	Receive LinkPropertySet `json:"receive"`
}

// LinkProperties describes one link.
type LinkProperties struct {
	LinkType         LinkType         `json:"linkType"`
	TransmissionType TransmissionType `json:"transmissionType"`
	ConnectionType   ConnectionType   `json:"connectionType"`
	SendType         SendType         `json:"sendType"`
	Reliable         bool             `json:"reliable"`
	IsFlushable      bool             `json:"isFlushable"`
	DurationS        int              `json:"durationS"`
	PeriodS          int              `json:"periodS"`
	MTU              int              `json:"mtu"`
	Worst            LinkPropertyPair `json:"worst"`
	Expected         LinkPropertyPair `json:"expected"`
	Best             LinkPropertyPair `json:"best"`
	SupportedHints   []string         `json:"supportedHints,omitempty"`
	ChannelGID       string           `json:"channelGid"`
	LinkAddress      string           `json:"linkAddress"`
}

// NewLinkProperties returns properties with every sample unknown.
func NewLinkProperties() LinkProperties {
	unknown := LinkPropertyPair{Send: UnknownPropertySet, Receive: UnknownPropertySet}
	return LinkProperties{
		DurationS: -1,
		PeriodS:   -1,
		MTU:       -1,
		Worst:     unknown,
		Expected:  unknown,
		Best:      unknown,
	}
}

// ChannelProperties are the static capabilities of a channel.
type ChannelProperties struct {
	ChannelGID       string           `json:"channelGid"`
	ChannelStatus    ChannelStatus    `json:"channelStatus"`
	LinkDirection    LinkType         `json:"linkDirection"`
	TransmissionType TransmissionType `json:"transmissionType"`
	ConnectionType   ConnectionType   `json:"connectionType"`
	SendType         SendType         `json:"sendType"`
	MultiAddressable bool             `json:"multiAddressable"`
	Reliable         bool             `json:"reliable"`
	Bootstrap        bool             `json:"bootstrap"`
	IsFlushable      bool             `json:"isFlushable"`
	DurationS        int              `json:"durationS"`
	PeriodS          int              `json:"periodS"`
	MTU              int              `json:"mtu"`
	CreatorExpected  LinkPropertyPair `json:"creatorExpected"`
	LoaderExpected   LinkPropertyPair `json:"loaderExpected"`
	SupportedHints   []string         `json:"supportedHints,omitempty"`
	MaxLinks         int              `json:"maxLinks"`
	CurrentRole      string           `json:"currentRole"`
}

// LinkConfig is what a profile parser needs to build a link.
type LinkConfig struct {
	LinkProfile string
	Personas    []string
	LinkProps   LinkProperties
}
