package webrtc_ext

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
)

// Peer connection factory is used to construct new (pre-configured) peer connections.
// All connections created by one factory share the same API (codecs, interceptors)
// and the same ICE server list.
type PeerConnectionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

func NewPeerConnectionFactory(config Config) (*PeerConnectionFactory, error) {
	api, err := createWebRTCAPI(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create WebRTC API: %w", err)
	}

	return &PeerConnectionFactory{
		api:    api,
		config: webrtc.Configuration{ICEServers: config.webrtcICEServers()},
	}, nil
}

// Creates a peer connection with the factory's API and ICE servers.
func (f *PeerConnectionFactory) CreatePeerConnection() (*webrtc.PeerConnection, error) {
	return f.api.NewPeerConnection(f.config)
}

// ICEServers returns the ICE configuration the factory hands to every connection.
func (f *PeerConnectionFactory) ICEServers() []webrtc.ICEServer {
	return f.config.ICEServers
}

// Creates Pion's WebRTC API with the default codecs and the default interceptors
// (NACK responder/generator, RTCP reports).
func createWebRTCAPI(config Config) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register default codecs: %w", err)
	}

	// The registry is per API, so it must not be shared with another API instance.
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to set default interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if config.UDP4Only {
		settingEngine.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	), nil
}
