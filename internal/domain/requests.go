package domain

// RegisterRequest is the JSON body a relay node sends to register itself.
type RegisterRequest struct {
	Name      string `json:"name"`
	PublicKey string `json:"public_key"`
	Address   string `json:"address"`
}

// RegisterResponse confirms a registration.
type RegisterResponse struct {
	Identity   Identity `json:"identity"`
	Message    string   `json:"message"`
	LastActive int64    `json:"last_active"`
}

// ReputationRequest adjusts the reputation of a registered relay.
type ReputationRequest struct {
	Identity Identity `json:"identity"`
	Delta    int64    `json:"delta"`
}

// ReputationResponse carries the new score after an adjustment.
type ReputationResponse struct {
	Identity   Identity `json:"identity"`
	Reputation int64    `json:"reputation"`
	Message    string   `json:"message"`
}

// HeartbeatResponse is returned for a heartbeat over HTTP or WebSocket.
type HeartbeatResponse struct {
	HeartbeatOutcome
	Message string `json:"message"`
}

// SelectRequest asks the registry to match a client to a relay by name.
type SelectRequest struct {
	Name            string `json:"name"`
	ClientPublicKey string `json:"client_public_key"`
}

// ActiveServersResponse lists the active directory.
type ActiveServersResponse struct {
	Servers []ActiveServer `json:"servers"`
}

// EvictRequest removes records idle for longer than OlderThanSeconds.
type EvictRequest struct {
	OlderThanSeconds int64 `json:"older_than_seconds"`
}

// EvictResponse reports how many records were removed.
type EvictResponse struct {
	Evicted int `json:"evicted"`
}

// ErrorResponse is the JSON body returned by the server for structured errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code,omitempty"`
}
