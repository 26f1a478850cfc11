package profile

import (
	"encoding/json"
	"time"
)

type directAddress struct {
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`
}

type whiteboardAddress struct {
	Hostname       string  `json:"hostname"`
	Port           int     `json:"port"`
	Hashtag        string  `json:"hashtag"`
	CheckFrequency int     `json:"checkFrequency"`
	Timestamp      float64 `json:"timestamp"`
}

// DirectAddress renders {"hostname":H,"port":P}.
func DirectAddress(hostname string, port int) string {
	b, _ := json.Marshal(directAddress{Hostname: hostname, Port: port})
	return string(b)
}

// WhiteboardAddress renders a whiteboard link address.
func WhiteboardAddress(hostname string, port int, hashtag string, checkFrequencyMs int, timestamp float64) string {
	b, _ := json.Marshal(whiteboardAddress{
		Hostname:       hostname,
		Port:           port,
		Hashtag:        hashtag,
		CheckFrequency: checkFrequencyMs,
		Timestamp:      timestamp,
	})
	return string(b)
}

func msToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
