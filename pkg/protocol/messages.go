package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// Request types (Client → Server)
const (
	TypeRegister       = "register"
	TypeLogin          = "login"
	TypeLogout         = "logout"
	TypeGetOnline      = "getOnline"
	TypeCreateChat     = "createChat"
	TypeSendMessage    = "sendMessage"
	TypeGetChatHistory = "getChatHistory"
	TypeGetChats       = "getChats"
	TypeUpdateChat     = "updateChat"
	TypePing           = "ping"
)

// Reply and push types (Server → Client)
const (
	TypeResponse    = "response"
	TypeOnlineList  = "onlineList"
	TypeChatHistory = "chatHistory"
	TypeChatList    = "chatList"
	TypePong        = "pong"
	TypeMessage     = "message"
	TypeUserStatus  = "userStatus"
	TypeChatCreated = "chatCreated"
	TypeError       = "error"
)

// Response status values
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Error codes carried in Response.Error and ErrorEvent.Error
const (
	ErrCodeFraming        = "FramingError"
	ErrCodeAuth           = "AuthError"
	ErrCodeAccessDenied   = "AccessDenied"
	ErrCodeNotFound       = "NotFound"
	ErrCodeAlreadyOnline  = "AlreadyOnline"
	ErrCodePersistence    = "PersistenceError"
	ErrCodeUnknownRequest = "UnknownRequest"
	ErrCodeInvalidRequest = "InvalidRequest"
)

var (
	ErrMissingType = errors.New("message has no type")
)

// envelope is the part of every payload used for dispatch
type envelope struct {
	Type string `json:"type"`
}

// PeekType returns the type discriminator of a JSON payload
func PeekType(payload []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", fmt.Errorf("invalid message: %w", err)
	}
	if env.Type == "" {
		return "", ErrMissingType
	}
	return env.Type, nil
}

// Unmarshal decodes a payload into a typed message
func Unmarshal(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}
	return nil
}

// Marshal encodes a message as a frame payload
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// WriteMessage marshals v and writes it as one frame
func WriteMessage(w io.Writer, v any) error {
	payload, err := Marshal(v)
	if err != nil {
		return err
	}
	return EncodeFrame(w, &Frame{Version: ProtocolVersion, Payload: payload})
}

// RegisterRequest creates an account
type RegisterRequest struct {
	Type        string `json:"type"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName,omitempty"`
}

// LoginRequest authenticates the connection
type LoginRequest struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// LogoutRequest ends the session and the connection
type LogoutRequest struct {
	Type     string `json:"type"`
	Username string `json:"username,omitempty"`
}

// GetOnlineRequest asks for the online user list
type GetOnlineRequest struct {
	Type string `json:"type"`
}

// CreateChatRequest creates a private or group chat
type CreateChatRequest struct {
	Type         string   `json:"type"`
	ChatType     string   `json:"chatType"`
	Participants []string `json:"participants"`
	Creator      string   `json:"creator,omitempty"`
	ChatName     *string  `json:"chatName,omitempty"`
}

// SendMessageRequest posts a message to a chat. Timestamp is informational;
// the server stamps messages on receipt.
type SendMessageRequest struct {
	Type      string `json:"type"`
	ChatID    string `json:"chatId"`
	Sender    string `json:"sender,omitempty"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp,omitempty"`
}

// GetChatHistoryRequest asks for a chat's log; Limit 0 means everything
type GetChatHistoryRequest struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
	Limit  int    `json:"limit,omitempty"`
}

// GetChatsRequest asks for every chat the user participates in
type GetChatsRequest struct {
	Type string `json:"type"`
}

// UpdateChatRequest changes a chat's name or admin (admin only)
type UpdateChatRequest struct {
	Type     string  `json:"type"`
	ChatID   string  `json:"chatId"`
	ChatName *string `json:"chatName,omitempty"`
	Admin    *string `json:"admin,omitempty"`
}

// PingRequest keeps an idle connection alive
type PingRequest struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Response answers a request that has no dedicated reply type
type Response struct {
	Type    string   `json:"type"`
	Request string   `json:"request,omitempty"`
	Status  string   `json:"status"`
	Message string   `json:"message,omitempty"`
	Error   string   `json:"error,omitempty"`
	ChatID  string   `json:"chatId,omitempty"`
	Chats   []string `json:"chats,omitempty"`
}

// Success builds a success response for a request type
func Success(request, message string) *Response {
	return &Response{Type: TypeResponse, Request: request, Status: StatusSuccess, Message: message}
}

// Failure builds an error response for a request type
func Failure(request, code, message string) *Response {
	return &Response{Type: TypeResponse, Request: request, Status: StatusError, Error: code, Message: message}
}

// OK reports whether the response is a success
func (r *Response) OK() bool {
	return r.Status == StatusSuccess
}

// OnlineListEvent answers getOnline
type OnlineListEvent struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

// HistoryEntry is one message in a chatHistory reply
type HistoryEntry struct {
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatHistoryEvent answers getChatHistory
type ChatHistoryEvent struct {
	Type     string         `json:"type"`
	ChatID   string         `json:"chatId"`
	Messages []HistoryEntry `json:"messages"`
}

// ChatInfo describes a chat in a chatList reply
type ChatInfo struct {
	ChatID       string   `json:"chatId"`
	ChatType     string   `json:"chatType"`
	ChatName     string   `json:"chatName,omitempty"`
	Participants []string `json:"participants"`
	Admin        string   `json:"admin,omitempty"`
}

// ChatListEvent answers getChats
type ChatListEvent struct {
	Type  string     `json:"type"`
	Chats []ChatInfo `json:"chats"`
}

// PongEvent answers ping
type PongEvent struct {
	Type       string `json:"type"`
	Timestamp  int64  `json:"timestamp,omitempty"`
	ServerTime int64  `json:"serverTime"`
}

// MessageEvent is pushed to online participants when a message is appended
type MessageEvent struct {
	Type      string    `json:"type"`
	ChatID    string    `json:"chatId"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// UserStatusEvent is pushed to other online users on presence changes
type UserStatusEvent struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Status   string `json:"status"`
}

// ChatCreatedEvent is pushed to online participants of a new chat
type ChatCreatedEvent struct {
	Type     string  `json:"type"`
	ChatID   string  `json:"chatId"`
	ChatName *string `json:"chatName"`
}

// ErrorEvent is pushed when the server cannot answer a specific request
type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// Event is a server-initiated push
type Event interface {
	EventType() string
}

func (e *MessageEvent) EventType() string     { return TypeMessage }
func (e *UserStatusEvent) EventType() string  { return TypeUserStatus }
func (e *ChatCreatedEvent) EventType() string { return TypeChatCreated }
func (e *ErrorEvent) EventType() string       { return TypeError }

// NewMessageEvent builds a message push
func NewMessageEvent(chatID, sender, content string, ts time.Time) *MessageEvent {
	return &MessageEvent{Type: TypeMessage, ChatID: chatID, Sender: sender, Content: content, Timestamp: ts}
}

// NewUserStatusEvent builds a presence push
func NewUserStatusEvent(username, status string) *UserStatusEvent {
	return &UserStatusEvent{Type: TypeUserStatus, Username: username, Status: status}
}

// NewChatCreatedEvent builds a chatCreated push
func NewChatCreatedEvent(chatID string, chatName *string) *ChatCreatedEvent {
	return &ChatCreatedEvent{Type: TypeChatCreated, ChatID: chatID, ChatName: chatName}
}

// NewErrorEvent builds an error push
func NewErrorEvent(code, message string) *ErrorEvent {
	return &ErrorEvent{Type: TypeError, Error: code, Message: message}
}
