package server

import (
	"errors"
	"fmt"
	"log"
	"time"
	"unicode/utf8"

	"github.com/aeolun/parley/pkg/protocol"
	"github.com/aeolun/parley/pkg/store"
)

// errCloseConnection ends the worker after a reply has been written
var errCloseConnection = errors.New("close connection")

// handleFrame dispatches one frame and reports whether the connection stays open
func (s *Server) handleFrame(c *Client, frame *protocol.Frame) bool {
	msgType, err := protocol.PeekType(frame.Payload)
	if err != nil {
		debugLog.Printf("Connection %s: undecodable payload: %v", c.ID, err)
		if err := s.sendFailure(c, "", protocol.ErrCodeInvalidRequest, "Malformed message"); err != nil {
			return false
		}
		return true
	}

	start := time.Now()
	err = s.handleMessage(c, msgType, frame.Payload)
	s.metrics.RecordRequest(requestLabel(msgType), time.Since(start))

	switch {
	case err == nil:
		return true
	case errors.Is(err, errCloseConnection):
		return false
	default:
		debugLog.Printf("Connection %s: write failed: %v", c.ID, err)
		return false
	}
}

// handleMessage routes a request according to the connection's state
func (s *Server) handleMessage(c *Client, msgType string, payload []byte) error {
	if msgType == protocol.TypePing {
		return s.handlePing(c, payload)
	}

	if c.Username() == "" {
		switch msgType {
		case protocol.TypeRegister:
			return s.handleRegister(c, payload)
		case protocol.TypeLogin:
			return s.handleLogin(c, payload)
		default:
			return s.sendFailure(c, msgType, protocol.ErrCodeUnknownRequest,
				fmt.Sprintf("Request %q is not available before login", msgType))
		}
	}

	switch msgType {
	case protocol.TypeGetOnline:
		return s.handleGetOnline(c)
	case protocol.TypeCreateChat:
		return s.handleCreateChat(c, payload)
	case protocol.TypeSendMessage:
		return s.handleSendMessage(c, payload)
	case protocol.TypeGetChatHistory:
		return s.handleGetChatHistory(c, payload)
	case protocol.TypeGetChats:
		return s.handleGetChats(c)
	case protocol.TypeUpdateChat:
		return s.handleUpdateChat(c, payload)
	case protocol.TypeLogout:
		return s.handleLogout(c, payload)
	default:
		return s.sendFailure(c, msgType, protocol.ErrCodeUnknownRequest,
			fmt.Sprintf("Unknown request %q", msgType))
	}
}

// send writes a reply on the client's connection
func (s *Server) send(c *Client, v any) error {
	err := c.Conn.WriteMessage(v)
	if errors.Is(err, protocol.ErrFrameTooLarge) {
		return s.sendFailure(c, "", protocol.ErrCodeInvalidRequest, "Reply exceeds the maximum frame size")
	}
	return err
}

func (s *Server) sendSuccess(c *Client, request, message string) error {
	return s.send(c, protocol.Success(request, message))
}

func (s *Server) sendFailure(c *Client, request, code, message string) error {
	s.metrics.RecordRequestError(code)
	return s.send(c, protocol.Failure(request, code, message))
}

// sendStoreError maps a store or registry error to its wire code
func (s *Server) sendStoreError(c *Client, request string, err error) error {
	var pe *store.PersistenceError
	switch {
	case errors.As(err, &pe):
		log.Printf("Connection %s: %s failed: %v", c.ID, request, err)
		s.metrics.RecordPersistenceError(pe.Op)
		return s.sendFailure(c, request, protocol.ErrCodePersistence, "Storage failure, try again")
	case errors.Is(err, store.ErrUserNotFound):
		return s.sendFailure(c, request, protocol.ErrCodeNotFound, err.Error())
	case errors.Is(err, store.ErrChatNotFound):
		return s.sendFailure(c, request, protocol.ErrCodeNotFound, err.Error())
	case errors.Is(err, store.ErrAccessDenied):
		return s.sendFailure(c, request, protocol.ErrCodeAccessDenied, err.Error())
	case errors.Is(err, store.ErrUsernameTaken):
		return s.sendFailure(c, request, protocol.ErrCodeAuth, err.Error())
	case errors.Is(err, ErrAlreadyOnline):
		return s.sendFailure(c, request, protocol.ErrCodeAlreadyOnline, err.Error())
	case errors.Is(err, store.ErrInvalidUsername),
		errors.Is(err, store.ErrInvalidChat),
		errors.Is(err, store.ErrChatExists):
		return s.sendFailure(c, request, protocol.ErrCodeInvalidRequest, err.Error())
	default:
		log.Printf("Connection %s: %s failed: %v", c.ID, request, err)
		return s.sendFailure(c, request, protocol.ErrCodePersistence, "Internal error")
	}
}

// decode unmarshals a typed request, answering InvalidRequest on failure
func (s *Server) decode(c *Client, request string, payload []byte, v any) (bool, error) {
	if err := protocol.Unmarshal(payload, v); err != nil {
		return false, s.sendFailure(c, request, protocol.ErrCodeInvalidRequest, "Malformed "+request+" request")
	}
	return true, nil
}

// checkIdentity rejects a request naming someone other than the logged-in user
func (s *Server) checkIdentity(c *Client, request, claimed string) (bool, error) {
	if claimed == "" || claimed == c.Username() {
		return true, nil
	}
	return false, s.sendFailure(c, request, protocol.ErrCodeAccessDenied,
		fmt.Sprintf("Requests on this connection act as %s", c.Username()))
}

func (s *Server) handlePing(c *Client, payload []byte) error {
	var req protocol.PingRequest
	protocol.Unmarshal(payload, &req)
	return s.send(c, &protocol.PongEvent{
		Type:       protocol.TypePong,
		Timestamp:  req.Timestamp,
		ServerTime: time.Now().UnixMilli(),
	})
}

// handleRegister creates credentials and a profile; the connection stays
// unauthenticated
func (s *Server) handleRegister(c *Client, payload []byte) error {
	var req protocol.RegisterRequest
	if ok, err := s.decode(c, protocol.TypeRegister, payload, &req); !ok {
		return err
	}

	if !store.ValidUsername(req.Username) {
		return s.sendFailure(c, protocol.TypeRegister, protocol.ErrCodeInvalidRequest,
			"Invalid username. Must be 1-32 characters, alphanumeric plus - and _")
	}
	if req.Password == "" {
		return s.sendFailure(c, protocol.TypeRegister, protocol.ErrCodeInvalidRequest, "Password must not be empty")
	}

	if err := s.store.Credentials.Register(req.Username, req.Password); err != nil {
		if errors.Is(err, store.ErrUsernameTaken) {
			return s.sendFailure(c, protocol.TypeRegister, protocol.ErrCodeAuth, "Username already taken")
		}
		return s.sendStoreError(c, protocol.TypeRegister, err)
	}

	// A profile left behind by an earlier partial registration is reused
	if err := s.store.Profiles.Create(req.Username, req.DisplayName); err != nil && !errors.Is(err, store.ErrUsernameTaken) {
		return s.sendStoreError(c, protocol.TypeRegister, err)
	}

	log.Printf("Registered user %s", req.Username)
	return s.sendSuccess(c, protocol.TypeRegister, "Registration successful")
}

// handleLogin binds the username to this connection. The presence lock keeps
// login and logout of one user strictly ordered, so a previous session's
// offline push always precedes the next online one.
func (s *Server) handleLogin(c *Client, payload []byte) error {
	var req protocol.LoginRequest
	if ok, err := s.decode(c, protocol.TypeLogin, payload, &req); !ok {
		return err
	}

	ok, err := s.store.Credentials.Verify(req.Username, req.Password)
	if err != nil {
		return s.sendStoreError(c, protocol.TypeLogin, err)
	}
	if !ok {
		return s.sendFailure(c, protocol.TypeLogin, protocol.ErrCodeAuth, "Invalid username or password")
	}

	unlock := s.presence.Lock(req.Username)
	defer unlock()

	profile, err := s.store.Profiles.Get(req.Username)
	if errors.Is(err, store.ErrUserNotFound) {
		if err := s.store.Profiles.Create(req.Username, ""); err != nil && !errors.Is(err, store.ErrUsernameTaken) {
			return s.sendStoreError(c, protocol.TypeLogin, err)
		}
		profile, err = s.store.Profiles.Get(req.Username)
	}
	if err != nil {
		return s.sendStoreError(c, protocol.TypeLogin, err)
	}

	if err := s.sessions.Add(req.Username, c); err != nil {
		return s.sendFailure(c, protocol.TypeLogin, protocol.ErrCodeAlreadyOnline,
			fmt.Sprintf("%s is already logged in", req.Username))
	}
	if err := s.store.Profiles.SetStatus(req.Username, store.StatusOnline); err != nil {
		s.sessions.Remove(req.Username)
		return s.sendStoreError(c, protocol.TypeLogin, err)
	}
	c.setUsername(req.Username)

	log.Printf("Connection %s: %s logged in via %s", c.ID, req.Username, c.Transport)

	resp := protocol.Success(protocol.TypeLogin, "Login successful")
	resp.Chats = s.reconcileChats(req.Username, profile.Chats)
	if resp.Chats == nil {
		resp.Chats = []string{}
	}
	if err := s.send(c, resp); err != nil {
		return err
	}

	s.sessions.Broadcast(protocol.NewUserStatusEvent(req.Username, string(store.StatusOnline)), req.Username)
	return nil
}

// handleLogout logs the user out, replies and closes the connection
func (s *Server) handleLogout(c *Client, payload []byte) error {
	var req protocol.LogoutRequest
	if ok, err := s.decode(c, protocol.TypeLogout, payload, &req); !ok {
		return err
	}
	if ok, err := s.checkIdentity(c, protocol.TypeLogout, req.Username); !ok {
		return err
	}

	s.disconnect(c)
	if err := s.sendSuccess(c, protocol.TypeLogout, "Logged out"); err != nil {
		return err
	}
	return errCloseConnection
}

// disconnect logs out the connection's user, if any. It is shared by logout
// and connection loss and runs at most once per login.
func (s *Server) disconnect(c *Client) {
	username := c.Username()
	if username == "" {
		return
	}

	unlock := s.presence.Lock(username)
	defer unlock()

	owned := s.sessions.Release(c)
	c.setUsername("")
	if !owned {
		return
	}

	if err := s.store.Profiles.SetStatus(username, store.StatusOffline); err != nil {
		log.Printf("Failed to mark %s offline: %v", username, err)
		var pe *store.PersistenceError
		if errors.As(err, &pe) {
			s.metrics.RecordPersistenceError(pe.Op)
		}
	}

	log.Printf("Connection %s: %s logged out", c.ID, username)
	s.sessions.Broadcast(protocol.NewUserStatusEvent(username, string(store.StatusOffline)), username)
}

func (s *Server) handleGetOnline(c *Client) error {
	return s.send(c, &protocol.OnlineListEvent{
		Type:  protocol.TypeOnlineList,
		Users: s.sessions.ListOnline(),
	})
}

// handleCreateChat creates a private or group chat with the caller as admin
func (s *Server) handleCreateChat(c *Client, payload []byte) error {
	var req protocol.CreateChatRequest
	if ok, err := s.decode(c, protocol.TypeCreateChat, payload, &req); !ok {
		return err
	}
	if ok, err := s.checkIdentity(c, protocol.TypeCreateChat, req.Creator); !ok {
		return err
	}
	creator := c.Username()

	chatType := store.ChatType(req.ChatType)
	if !chatType.Valid() {
		return s.sendFailure(c, protocol.TypeCreateChat, protocol.ErrCodeInvalidRequest,
			fmt.Sprintf("Unknown chat type %q", req.ChatType))
	}

	participants, err := store.NormalizeParticipants(append(req.Participants, creator))
	if err != nil {
		return s.sendFailure(c, protocol.TypeCreateChat, protocol.ErrCodeInvalidRequest, err.Error())
	}
	if chatType == store.ChatPrivate && len(participants) != 2 {
		return s.sendFailure(c, protocol.TypeCreateChat, protocol.ErrCodeInvalidRequest,
			"A private chat needs exactly one other participant")
	}

	for _, p := range participants {
		if _, err := s.store.Profiles.Get(p); err != nil {
			if errors.Is(err, store.ErrUserNotFound) {
				return s.sendFailure(c, protocol.TypeCreateChat, protocol.ErrCodeNotFound,
					fmt.Sprintf("User %s not found", p))
			}
			return s.sendStoreError(c, protocol.TypeCreateChat, err)
		}
	}

	chat, err := s.store.Chats.CreateChat(store.NewChat{
		Type:         chatType,
		Participants: participants,
		Name:         req.ChatName,
		Admin:        creator,
	})
	if errors.Is(err, store.ErrChatExists) && chatType == store.ChatPrivate && samePair(chat, participants) {
		s.appendChatToProfiles(chat.ID, []string{creator})
		resp := protocol.Success(protocol.TypeCreateChat, "Chat already exists")
		resp.ChatID = chat.ID
		return s.send(c, resp)
	}
	if errors.Is(err, store.ErrChatExists) {
		return s.sendFailure(c, protocol.TypeCreateChat, protocol.ErrCodeInvalidRequest,
			fmt.Sprintf("Chat %s already exists", chat.ID))
	}
	if err != nil {
		return s.sendStoreError(c, protocol.TypeCreateChat, err)
	}

	s.appendChatToProfiles(chat.ID, chat.Participants)
	log.Printf("Connection %s: %s created %s chat %s", c.ID, creator, chat.Type, chat.ID)

	resp := protocol.Success(protocol.TypeCreateChat, "Chat created")
	resp.ChatID = chat.ID
	if err := s.send(c, resp); err != nil {
		return err
	}

	ev := protocol.NewChatCreatedEvent(chat.ID, chat.Name)
	for _, p := range chat.Participants {
		s.sessions.Send(p, ev)
	}
	return nil
}

func samePair(chat *store.Chat, participants []string) bool {
	if chat == nil || len(chat.Participants) != len(participants) {
		return false
	}
	for _, p := range participants {
		if !chat.HasParticipant(p) {
			return false
		}
	}
	return true
}

// appendChatToProfiles lists chatID on each user's profile. Failures are
// logged; getChats repairs the lists later.
func (s *Server) appendChatToProfiles(chatID string, usernames []string) {
	for _, u := range usernames {
		if err := s.store.Profiles.AppendChat(u, chatID); err != nil {
			log.Printf("Failed to add chat %s to %s's profile: %v", chatID, u, err)
			var pe *store.PersistenceError
			if errors.As(err, &pe) {
				s.metrics.RecordPersistenceError(pe.Op)
			}
		}
	}
}

// reconcileChats returns the profile's chat list plus any chat the user is a
// participant of but which is missing from the profile, and repairs the profile
func (s *Server) reconcileChats(username string, listed []string) []string {
	known := make(map[string]bool, len(listed))
	for _, id := range listed {
		known[id] = true
	}

	chats := append([]string(nil), listed...)
	for _, id := range s.store.Chats.ListChatsContaining(username) {
		if known[id] {
			continue
		}
		chats = append(chats, id)
		s.appendChatToProfiles(id, []string{username})
	}
	return chats
}

// handleSendMessage appends a message and pushes it to the other online participants
func (s *Server) handleSendMessage(c *Client, payload []byte) error {
	var req protocol.SendMessageRequest
	if ok, err := s.decode(c, protocol.TypeSendMessage, payload, &req); !ok {
		return err
	}
	if ok, err := s.checkIdentity(c, protocol.TypeSendMessage, req.Sender); !ok {
		return err
	}
	sender := c.Username()

	if req.Content == "" {
		return s.sendFailure(c, protocol.TypeSendMessage, protocol.ErrCodeInvalidRequest, "Message is empty")
	}
	if limit := s.config.MaxMessageLength; limit > 0 && utf8.RuneCountInString(req.Content) > limit {
		return s.sendFailure(c, protocol.TypeSendMessage, protocol.ErrCodeInvalidRequest,
			fmt.Sprintf("Message exceeds %d characters", limit))
	}

	msg, err := s.store.Chats.AppendMessage(req.ChatID, sender, req.Content)
	if err != nil {
		return s.sendStoreError(c, protocol.TypeSendMessage, err)
	}
	s.metrics.RecordMessageAppended()

	if err := s.sendSuccess(c, protocol.TypeSendMessage, "Message sent"); err != nil {
		return err
	}

	chat, err := s.store.Chats.Get(req.ChatID)
	if err != nil {
		log.Printf("Failed to load chat %s for delivery: %v", req.ChatID, err)
		return nil
	}
	ev := protocol.NewMessageEvent(req.ChatID, msg.Sender, msg.Content, msg.Timestamp)
	for _, p := range chat.Participants {
		if p != sender {
			s.sessions.Send(p, ev)
		}
	}
	return nil
}

func (s *Server) handleGetChatHistory(c *Client, payload []byte) error {
	var req protocol.GetChatHistoryRequest
	if ok, err := s.decode(c, protocol.TypeGetChatHistory, payload, &req); !ok {
		return err
	}

	if _, err := s.store.Chats.Get(req.ChatID); err != nil {
		return s.sendStoreError(c, protocol.TypeGetChatHistory, err)
	}
	if !s.store.Chats.CanAccess(req.ChatID, c.Username()) {
		return s.sendFailure(c, protocol.TypeGetChatHistory, protocol.ErrCodeAccessDenied,
			fmt.Sprintf("You are not a participant of %s", req.ChatID))
	}

	limit := req.Limit
	if max := s.config.HistoryLimit; max > 0 && (limit <= 0 || limit > max) {
		limit = max
	}

	msgs, err := s.store.Chats.History(req.ChatID, limit)
	if err != nil {
		return s.sendStoreError(c, protocol.TypeGetChatHistory, err)
	}

	entries := make([]protocol.HistoryEntry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, protocol.HistoryEntry{Sender: m.Sender, Content: m.Content, Timestamp: m.Timestamp})
	}
	return s.send(c, &protocol.ChatHistoryEvent{
		Type:     protocol.TypeChatHistory,
		ChatID:   req.ChatID,
		Messages: entries,
	})
}

func (s *Server) handleGetChats(c *Client) error {
	username := c.Username()

	var listed []string
	profile, err := s.store.Profiles.Get(username)
	if err != nil {
		log.Printf("Failed to load profile of %s: %v", username, err)
	} else {
		listed = profile.Chats
	}

	ids := s.reconcileChats(username, listed)
	infos := make([]protocol.ChatInfo, 0, len(ids))
	for _, id := range ids {
		chat, err := s.store.Chats.Get(id)
		if err != nil || !chat.HasParticipant(username) {
			continue
		}
		info := protocol.ChatInfo{
			ChatID:       chat.ID,
			ChatType:     string(chat.Type),
			Participants: chat.Participants,
			Admin:        chat.Admin,
		}
		if chat.Name != nil {
			info.ChatName = *chat.Name
		}
		infos = append(infos, info)
	}

	return s.send(c, &protocol.ChatListEvent{Type: protocol.TypeChatList, Chats: infos})
}

// handleUpdateChat renames a chat or hands over its admin role; admin only
func (s *Server) handleUpdateChat(c *Client, payload []byte) error {
	var req protocol.UpdateChatRequest
	if ok, err := s.decode(c, protocol.TypeUpdateChat, payload, &req); !ok {
		return err
	}
	if req.ChatName == nil && req.Admin == nil {
		return s.sendFailure(c, protocol.TypeUpdateChat, protocol.ErrCodeInvalidRequest, "Nothing to update")
	}

	chat, err := s.store.Chats.Get(req.ChatID)
	if err != nil {
		return s.sendStoreError(c, protocol.TypeUpdateChat, err)
	}
	if chat.Admin != c.Username() {
		return s.sendFailure(c, protocol.TypeUpdateChat, protocol.ErrCodeAccessDenied,
			"Only the chat admin can update it")
	}

	if _, err := s.store.Chats.UpdateChat(req.ChatID, store.ChatUpdate{ChatName: req.ChatName, Admin: req.Admin}); err != nil {
		return s.sendStoreError(c, protocol.TypeUpdateChat, err)
	}

	resp := protocol.Success(protocol.TypeUpdateChat, "Chat updated")
	resp.ChatID = req.ChatID
	return s.send(c, resp)
}
