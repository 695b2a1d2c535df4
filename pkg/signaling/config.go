package signaling

import "maunium.net/go/mautrix/id"

// Configuration for the Matrix client.
type Config struct {
	// The Matrix ID (MXID) of the participant.
	UserID id.UserID `yaml:"userId"`
	// The URL of the homeserver that the participant talks to.
	HomeserverURL string `yaml:"homeserverUrl"`
	// The access token for the Matrix SDK.
	AccessToken string `yaml:"accessToken"`
	// How many events are fetched from the room timeline on every poll.
	PollLimit int `yaml:"pollLimit"`
}
