package store

// Wire types of the room server HTTP API.

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

type CreateRoomResponse struct {
	RoomID        string `json:"roomId"`
	ParticipantID string `json:"participantId"`
	CreatedAt     int64  `json:"createdAt"`
}

type JoinRoomResponse struct {
	ParticipantID string `json:"participantId"`
	JoinedAt      int64  `json:"joinedAt"`
}

type LeaveRoomRequest struct {
	ParticipantID string `json:"participantId" binding:"required"`
}

type SignalsResponse struct {
	Signals []Envelope `json:"signals"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
