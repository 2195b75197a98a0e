package client

import (
	"fmt"
	"time"

	"github.com/aeolun/parley/pkg/protocol"
)

// DefaultRequestTimeout bounds how long the request helpers wait for a reply
const DefaultRequestTimeout = 10 * time.Second

// ResponseError is a request the server answered with status "error"
type ResponseError struct {
	Request string
	Code    string
	Message string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s failed: %s: %s", e.Request, e.Code, e.Message)
}

// SetPushHandler routes server pushes to fn on the read goroutine instead of
// Incoming. fn also receives stray replies skipped by Request. fn must not
// block.
func (c *Connection) SetPushHandler(fn func(*Message)) {
	c.mu.Lock()
	c.onPush = fn
	c.mu.Unlock()
}

func (c *Connection) pushHandler() func(*Message) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.onPush
}

// Request sends req and waits for its reply. The reply is either a message
// of replyType decoded into out, or a response for reqType. An error
// response is returned as *ResponseError.
func (c *Connection) Request(req any, reqType, replyType string, out any) (*protocol.Response, error) {
	if err := c.Send(req); err != nil {
		return nil, err
	}

	types := []string{protocol.TypeResponse}
	if replyType != "" && replyType != protocol.TypeResponse {
		types = append(types, replyType)
	}

	skip := c.pushHandler()
	for {
		msg, err := c.Await(DefaultRequestTimeout, skip, types...)
		if err != nil {
			return nil, err
		}

		if msg.Type != protocol.TypeResponse {
			if out != nil {
				if err := msg.Decode(out); err != nil {
					return nil, err
				}
			}
			return nil, nil
		}

		var resp protocol.Response
		if err := msg.Decode(&resp); err != nil {
			return nil, err
		}
		if resp.Request != "" && resp.Request != reqType {
			if skip != nil {
				skip(msg)
			}
			continue
		}
		if !resp.OK() {
			return &resp, &ResponseError{Request: reqType, Code: resp.Error, Message: resp.Message}
		}
		return &resp, nil
	}
}

// Register creates an account
func (c *Connection) Register(username, password, displayName string) error {
	_, err := c.Request(&protocol.RegisterRequest{
		Type:        protocol.TypeRegister,
		Username:    username,
		Password:    password,
		DisplayName: displayName,
	}, protocol.TypeRegister, "", nil)
	return err
}

// Login authenticates the connection and returns the user's chat ids
func (c *Connection) Login(username, password string) ([]string, error) {
	resp, err := c.Request(&protocol.LoginRequest{
		Type:     protocol.TypeLogin,
		Username: username,
		Password: password,
	}, protocol.TypeLogin, "", nil)
	if err != nil {
		return nil, err
	}
	return resp.Chats, nil
}

// Logout ends the session; the server closes the connection afterwards
func (c *Connection) Logout() error {
	_, err := c.Request(&protocol.LogoutRequest{Type: protocol.TypeLogout}, protocol.TypeLogout, "", nil)
	return err
}

// Ping measures the round trip to the server
func (c *Connection) Ping() (time.Duration, error) {
	start := time.Now()
	var pong protocol.PongEvent
	if _, err := c.Request(&protocol.PingRequest{Type: protocol.TypePing, Timestamp: start.UnixMilli()},
		protocol.TypePing, protocol.TypePong, &pong); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// OnlineUsers lists the users currently logged in
func (c *Connection) OnlineUsers() ([]string, error) {
	var list protocol.OnlineListEvent
	if _, err := c.Request(&protocol.GetOnlineRequest{Type: protocol.TypeGetOnline},
		protocol.TypeGetOnline, protocol.TypeOnlineList, &list); err != nil {
		return nil, err
	}
	return list.Users, nil
}

// CreateChat creates a private or group chat and returns its id.
// The logged-in user is added to participants by the server.
func (c *Connection) CreateChat(chatType string, participants []string, name *string) (string, error) {
	resp, err := c.Request(&protocol.CreateChatRequest{
		Type:         protocol.TypeCreateChat,
		ChatType:     chatType,
		Participants: participants,
		ChatName:     name,
	}, protocol.TypeCreateChat, "", nil)
	if err != nil {
		return "", err
	}
	return resp.ChatID, nil
}

// SendChatMessage appends content to a chat
func (c *Connection) SendChatMessage(chatID, content string) error {
	_, err := c.Request(&protocol.SendMessageRequest{
		Type:    protocol.TypeSendMessage,
		ChatID:  chatID,
		Content: content,
	}, protocol.TypeSendMessage, "", nil)
	return err
}

// History returns up to limit of the most recent messages in a chat
func (c *Connection) History(chatID string, limit int) ([]protocol.HistoryEntry, error) {
	var hist protocol.ChatHistoryEvent
	if _, err := c.Request(&protocol.GetChatHistoryRequest{
		Type:   protocol.TypeGetChatHistory,
		ChatID: chatID,
		Limit:  limit,
	}, protocol.TypeGetChatHistory, protocol.TypeChatHistory, &hist); err != nil {
		return nil, err
	}
	return hist.Messages, nil
}

// Chats lists every chat the user participates in
func (c *Connection) Chats() ([]protocol.ChatInfo, error) {
	var list protocol.ChatListEvent
	if _, err := c.Request(&protocol.GetChatsRequest{Type: protocol.TypeGetChats},
		protocol.TypeGetChats, protocol.TypeChatList, &list); err != nil {
		return nil, err
	}
	return list.Chats, nil
}

// UpdateChat renames a chat or hands its admin role to another participant
func (c *Connection) UpdateChat(chatID string, name, admin *string) error {
	_, err := c.Request(&protocol.UpdateChatRequest{
		Type:     protocol.TypeUpdateChat,
		ChatID:   chatID,
		ChatName: name,
		Admin:    admin,
	}, protocol.TypeUpdateChat, "", nil)
	return err
}
