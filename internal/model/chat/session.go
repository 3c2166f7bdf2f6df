package chat

// Session is a point-in-time copy of one persona conversation.
type Session struct {
	PersonaID       string    `json:"personaId"`
	Messages        []Message `json:"messages"`
	StreamingBuffer string    `json:"streamingBuffer"`
	IsLoading       bool      `json:"isLoading"`
	Loaded          bool      `json:"loaded"`
}

// Last returns the newest message, if any.
func (s Session) Last() (Message, bool) {
	if len(s.Messages) == 0 {
		return Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}
