// Package profile parses link profiles (the JSON link addresses peers exchange)
// and builds the matching Link.
package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/racecomms/internal/apperr"
	"github.com/starford/racecomms/internal/link"
	"github.com/starford/racecomms/internal/models"
)

// WhiteboardService is the service_name a multicast profile must carry.
const WhiteboardService = "twosix-whiteboard"

// Whiteboard profile defaults.
const (
	DefaultCheckFrequencyMs = 1000
	UnsetTimestamp          = -1.0
)

// ErrNoLinkID is returned when the SDK cannot mint a link ID.
var ErrNoLinkID = errors.New("profile: sdk returned no link id")

// SDK is what link construction needs from the SDK boundary.
type SDK interface {
	link.SDK
	GenerateLinkID(channelGID string) string
}

// Parser builds links from a parsed profile.
type Parser interface {
	CreateLink(s SDK, cfg models.LinkConfig, channelGID string, opts ...link.Option) (link.Link, error)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", apperr.ErrInvalidProfile, fmt.Sprintf(format, args...))
}

func decode(linkProfile string, v any) error {
	if err := json.Unmarshal([]byte(linkProfile), v); err != nil {
		return invalid("malformed json: %v", err)
	}
	return nil
}

// Parse picks the parser for a profile on a direct (unicast) or indirect
// (multicast whiteboard) channel. A profile whose multicast flag does not
// match the channel kind is rejected.
func Parse(linkProfile string, isDirect bool) (Parser, error) {
	var head struct {
		Multicast   bool   `json:"multicast"`
		ServiceName string `json:"service_name"`
	}
	if err := decode(linkProfile, &head); err != nil {
		return nil, err
	}

	switch {
	case head.Multicast && isDirect:
		return nil, invalid("multicast profile on a direct channel")
	case !head.Multicast && !isDirect:
		return nil, invalid("unicast profile on an indirect channel")
	case !head.Multicast:
		return ParseDirect(linkProfile)
	case head.ServiceName == WhiteboardService:
		return ParseWhiteboard(linkProfile)
	default:
		return nil, invalid("unknown service %q", head.ServiceName)
	}
}

// ForChannel parses an address with the channel's own parser. Unlike Parse it
// does not require the multicast and service_name fields, which link
// addresses exchanged between peers omit.
func ForChannel(linkAddress string, isDirect bool) (Parser, error) {
	if isDirect {
		return ParseDirect(linkAddress)
	}
	return ParseWhiteboard(linkAddress)
}

// DirectProfile addresses a direct link listener.
type DirectProfile struct {
	Hostname  string `json:"hostname"`
	Port      *int   `json:"port"`
	Multicast bool   `json:"multicast"`
}

// Validate checks required fields.
func (p *DirectProfile) Validate() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.Hostname, validation.Required),
		validation.Field(&p.Port, validation.NotNil, validation.Min(0), validation.Max(65535)),
	)
}

// DirectParser builds direct links.
type DirectParser struct {
	Profile DirectProfile
}

// ParseDirect parses and validates a direct profile.
func ParseDirect(linkProfile string) (*DirectParser, error) {
	var p DirectProfile
	if err := decode(linkProfile, &p); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, invalid("direct profile: %v", err)
	}
	if p.Multicast {
		return nil, invalid("direct profile must not be multicast")
	}
	return &DirectParser{Profile: p}, nil
}

func (d *DirectParser) CreateLink(s SDK, cfg models.LinkConfig, channelGID string, opts ...link.Option) (link.Link, error) {
	id := s.GenerateLinkID(channelGID)
	if id == "" {
		return nil, ErrNoLinkID
	}
	return link.NewDirect(id, link.DirectConfig{
		Hostname: d.Profile.Hostname,
		Port:     *d.Profile.Port,
	}, cfg, s, opts...), nil
}

// WhiteboardProfile addresses a tag on a whiteboard server.
type WhiteboardProfile struct {
	Hostname       string   `json:"hostname"`
	Port           *int     `json:"port"`
	Hashtag        string   `json:"hashtag"`
	CheckFrequency *int     `json:"checkFrequency"`
	Timestamp      *float64 `json:"timestamp"`
	Multicast      bool     `json:"multicast"`
	ServiceName    string   `json:"service_name"`
}

// Validate checks required fields and fills defaults.
func (p *WhiteboardProfile) Validate() error {
	if err := validation.ValidateStruct(p,
		validation.Field(&p.Hostname, validation.Required),
		validation.Field(&p.Port, validation.NotNil, validation.Min(0), validation.Max(65535)),
		validation.Field(&p.Hashtag, validation.Required),
		validation.Field(&p.CheckFrequency, validation.NilOrNotEmpty, validation.Min(1)),
	); err != nil {
		return err
	}
	if p.CheckFrequency == nil {
		v := DefaultCheckFrequencyMs
		p.CheckFrequency = &v
	}
	if p.Timestamp == nil {
		v := UnsetTimestamp
		p.Timestamp = &v
	}
	return nil
}

// WhiteboardParser builds whiteboard links.
type WhiteboardParser struct {
	Profile WhiteboardProfile
}

// ParseWhiteboard parses and validates a whiteboard profile.
func ParseWhiteboard(linkProfile string) (*WhiteboardParser, error) {
	var p WhiteboardProfile
	if err := decode(linkProfile, &p); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, invalid("whiteboard profile: %v", err)
	}
	if fixed := FixHashtag(p.Hashtag); fixed != p.Hashtag {
		slog.Warn("hashtag contains characters outside [a-z0-9], using it unchanged",
			slog.String("hashtag", p.Hashtag),
			slog.String("sanitized", fixed))
	}
	return &WhiteboardParser{Profile: p}, nil
}

func (w *WhiteboardParser) CreateLink(s SDK, cfg models.LinkConfig, channelGID string, opts ...link.Option) (link.Link, error) {
	id := s.GenerateLinkID(channelGID)
	if id == "" {
		return nil, ErrNoLinkID
	}
	return link.NewWhiteboard(id, link.WhiteboardConfig{
		Hostname:       w.Profile.Hostname,
		Port:           *w.Profile.Port,
		Hashtag:        w.Profile.Hashtag,
		CheckFrequency: msToDuration(*w.Profile.CheckFrequency),
		Timestamp:      *w.Profile.Timestamp,
	}, cfg, s, opts...), nil
}

// FixHashtag lowercases s and drops every character outside [a-z0-9].
func FixHashtag(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
