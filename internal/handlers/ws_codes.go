// internal/handlers/ws_codes.go
package handlers

// Custom WebSocket close codes used by the lobby handler.
// These provide more specific reasons for closure than standard codes.
const (
	BadSubprotocolError   = 3000 // Client connected with an unsupported subprotocol.
	InvalidAuthTokenError = 3001 // Provided auth token was missing, invalid or expired.
	InvalidUserIDError    = 3002 // User ID derived from token was malformed or invalid.
	InvalidLobbyIDError   = 3003 // Target lobby ID specified in the WS URL does not exist or is invalid.
	NotParticipantError   = 3004 // Authenticated user is not a participant of the lobby.
	SubscribeFailedError  = 3005 // The state stream for the lobby could not be opened.
)
