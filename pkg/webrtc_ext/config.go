package webrtc_ext

import "github.com/pion/webrtc/v3"

// A single STUN or TURN server.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

// Configuration of the WebRTC API. The ICE server list is static for the lifetime of
// the factory, it is never renegotiated at runtime.
type Config struct {
	ICEServers []ICEServer `yaml:"servers"`
	// Gather IPv4 UDP candidates only.
	UDP4Only bool `yaml:"udp4Only"`
}

func (c Config) webrtcICEServers() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, server := range c.ICEServers {
		converted := webrtc.ICEServer{URLs: server.URLs}
		if server.Username != "" {
			converted.Username = server.Username
			converted.Credential = server.Credential
			converted.CredentialType = webrtc.ICECredentialTypePassword
		}
		servers = append(servers, converted)
	}

	return servers
}
