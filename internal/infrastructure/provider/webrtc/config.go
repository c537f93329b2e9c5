package webrtc

import (
	"time"

	"rillcall/pkg/config"

	"github.com/pion/webrtc/v3"
)

// Config configures the WebRTC provider
type Config struct {
	SignalURL  string
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	RequestTimeout   time.Duration
	SubscribeTimeout time.Duration
	PLIInterval      time.Duration
}

// ConfigFromSettings reads the provider section
func ConfigFromSettings(cfg *config.Config) Config {
	var c Config
	c.SignalURL = cfg.Provider.SignalURL
	for _, server := range cfg.Provider.ICEServers {
		ice := webrtc.ICEServer{URLs: server.URLs}
		if server.Username != "" {
			ice.Username = server.Username
			ice.Credential = server.Credential
			ice.CredentialType = webrtc.ICECredentialTypePassword
		}
		c.ICEServers = append(c.ICEServers, ice)
	}
	c.PortRange.Min = cfg.Provider.PortRange.Min
	c.PortRange.Max = cfg.Provider.PortRange.Max
	c.RequestTimeout = cfg.Provider.RequestTimeout
	c.SubscribeTimeout = cfg.Provider.SubscribeTimeout
	c.PLIInterval = cfg.Provider.PLIInterval
	return c.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.SubscribeTimeout <= 0 {
		c.SubscribeTimeout = 15 * time.Second
	}
	if c.PLIInterval <= 0 {
		c.PLIInterval = 3 * time.Second
	}
	return c
}
