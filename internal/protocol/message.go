package protocol

// Inbound event types sent by clients over the websocket.
const (
	EventJoin    = "join"
	EventMessage = "message"
	EventFile    = "file"
	EventDelete  = "delete"
	EventPing    = "ping"
)

// Outbound event types pushed to clients.
const (
	OutMessage        = "message"
	OutClear          = "clear"
	OutAnonymous      = "anonymous"
	OutCharacterLimit = "characterLimit"
	OutPaths          = "paths"
	OutError          = "error"
)

// AnonymousName replaces real usernames in projected history when a room
// has anonymous mode enabled.
const AnonymousName = "ANONYMOUS"

// Chat entry kinds stored in a room's message log.
const (
	KindText = "text"
	KindFile = "file"
)

// Inbound is the JSON envelope for every client → server event.
type Inbound struct {
	Type     string `json:"type"`
	Path     string `json:"path,omitempty"`
	Username string `json:"username,omitempty"`
	Text     string `json:"text,omitempty"`
	Filename string `json:"filename,omitempty"`
	FileType string `json:"fileType,omitempty"`
	Result   string `json:"result,omitempty"`
	Index    *int   `json:"index,omitempty"`
}

// Outbound is the JSON envelope for every server → client event.
type Outbound struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// ChatMessage is one entry in a room's append-only log. Text entries carry
// Text; file entries carry Filename/FileType/Result. Timestamp is stamped at
// append time and never changes.
type ChatMessage struct {
	Type      string `json:"type"`
	Username  string `json:"username"`
	Text      string `json:"text,omitempty"`
	Filename  string `json:"filename,omitempty"`
	FileType  string `json:"fileType,omitempty"`
	Result    string `json:"result,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// HistoryData is the payload of an OutMessage event.
type HistoryData struct {
	History []ChatMessage `json:"history"`
}

// ClearData is the payload of an OutClear event.
type ClearData struct {
	ClearMessages bool `json:"clearMessages"`
}

// FlagData is the payload of an OutAnonymous event.
type FlagData struct {
	Value bool `json:"value"`
}

// LimitData is the payload of an OutCharacterLimit event.
type LimitData struct {
	Value int `json:"value"`
}

// ErrorData is the payload of an OutError event.
type ErrorData struct {
	Message string `json:"message"`
}

// History wraps a message slice in an OutMessage event.
func History(msgs []ChatMessage) Outbound {
	if msgs == nil {
		msgs = []ChatMessage{}
	}
	return Outbound{Type: OutMessage, Data: HistoryData{History: msgs}}
}

// Error wraps an error string in an OutError event.
func Error(msg string) Outbound {
	return Outbound{Type: OutError, Data: ErrorData{Message: msg}}
}
