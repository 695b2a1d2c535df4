package startup

import "time"

// Timeouts of the startup phases and the intervals of the components the sequencer creates.
type Timeouts struct {
	Auth       time.Duration `yaml:"auth"`
	Media      time.Duration `yaml:"media"`
	Connection time.Duration `yaml:"connection"`
	Signaling  time.Duration `yaml:"signaling"`
	Chat       time.Duration `yaml:"chat"`
	// Covers the whole sequence, from auth until complete.
	Master time.Duration `yaml:"master"`
	// How long the chat channel may take to open once it is bound to a session.
	ChannelOpen time.Duration `yaml:"channelOpen"`
	// How long a disconnected session may take to recover.
	DisconnectGrace time.Duration `yaml:"disconnectGrace"`
	// How often the transport polls the backing store.
	PollInterval time.Duration `yaml:"pollInterval"`
}

// WithDefaults returns a copy with the zero values replaced by the defaults.
func (t Timeouts) WithDefaults() Timeouts {
	withDefault := func(value *time.Duration, fallback time.Duration) {
		if *value == 0 {
			*value = fallback
		}
	}

	withDefault(&t.Auth, 15*time.Second)
	withDefault(&t.Media, 30*time.Second)
	withDefault(&t.Connection, 15*time.Second)
	withDefault(&t.Signaling, 30*time.Second)
	withDefault(&t.Chat, 15*time.Second)
	withDefault(&t.Master, 120*time.Second)
	withDefault(&t.ChannelOpen, 15*time.Second)
	withDefault(&t.DisconnectGrace, 10*time.Second)
	withDefault(&t.PollInterval, time.Second)

	return t
}

// Of returns the timeout of the given phase, zero for the phases without one.
func (t Timeouts) Of(phase Phase) time.Duration {
	switch phase {
	case PhaseAuth:
		return t.Auth
	case PhaseMedia:
		return t.Media
	case PhaseConnecting:
		return t.Connection
	case PhaseSignaling:
		return t.Signaling
	case PhaseChat:
		return t.Chat
	default:
		return 0
	}
}
