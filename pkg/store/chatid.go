package store

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

const (
	maxChatNameRunes = 64
	// Chat logs are stored as <id>.json, which must fit a 255 byte file name
	maxChatIDBytes = 200
)

// DeriveChatID computes the id of a new chat.
//
// A private chat between two users is keyed by their sorted usernames joined
// with "_", so the same pair always maps to the same chat. A group chat is
// keyed by its normalized name, or by its creation time when it has none.
func DeriveChatID(chatType ChatType, participants []string, name *string, now time.Time) (string, error) {
	switch chatType {
	case ChatPrivate:
		if len(participants) != 2 || participants[0] == participants[1] {
			return "", fmt.Errorf("%w: private chat needs exactly two distinct participants", ErrInvalidChat)
		}
		pair := []string{participants[0], participants[1]}
		sort.Strings(pair)
		return pair[0] + "_" + pair[1], nil

	case ChatGroup:
		if name != nil {
			if id := NormalizeChatName(*name); id != "" {
				return id, nil
			}
		}
		return fmt.Sprintf("group_%d", now.UnixMilli()), nil

	default:
		return "", fmt.Errorf("%w: unknown chat type %q", ErrInvalidChat, chatType)
	}
}

// NormalizeChatName lower-cases name, turns whitespace runs into "_" and keeps
// only letters, digits, combining marks, "_" and "-". A result without any
// letter or digit is returned as "" so the caller falls back to a generated id.
func NormalizeChatName(name string) string {
	joined := strings.Join(strings.Fields(strings.ToLower(name)), "_")

	var b strings.Builder
	runes, meaningful := 0, false
	for _, r := range joined {
		alnum := unicode.IsLetter(r) || unicode.IsDigit(r)
		if !alnum && r != '_' && r != '-' && !unicode.IsMark(r) {
			continue
		}
		if runes == maxChatNameRunes || b.Len()+utf8.RuneLen(r) > maxChatIDBytes {
			break
		}
		b.WriteRune(r)
		runes++
		meaningful = meaningful || alnum
	}

	if !meaningful {
		return ""
	}
	return b.String()
}

// NormalizeParticipants removes duplicates while keeping first-seen order and
// validates every username
func NormalizeParticipants(participants []string) ([]string, error) {
	seen := make(map[string]bool, len(participants))
	out := make([]string, 0, len(participants))
	for _, p := range participants {
		if !ValidUsername(p) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidUsername, p)
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out, nil
}

// prepareChat validates nc and returns the chat it describes
func prepareChat(nc NewChat) (*Chat, error) {
	participants, err := NormalizeParticipants(nc.Participants)
	if err != nil {
		return nil, err
	}
	if len(participants) == 0 {
		return nil, fmt.Errorf("%w: no participants", ErrInvalidChat)
	}

	now := nc.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}

	id, err := DeriveChatID(nc.Type, participants, nc.Name, now)
	if err != nil {
		return nil, err
	}
	if !validChatID(id) {
		return nil, fmt.Errorf("%w: id %q", ErrInvalidChat, id)
	}

	chat := &Chat{
		ID:           id,
		Type:         nc.Type,
		Participants: participants,
		Admin:        nc.Admin,
	}
	if nc.Name != nil {
		name := *nc.Name
		chat.Name = &name
	}
	if chat.Admin != "" && !chat.HasParticipant(chat.Admin) {
		return nil, fmt.Errorf("%w: admin %q is not a participant", ErrInvalidChat, chat.Admin)
	}
	return chat, nil
}

// applyUpdate returns a copy of c with upd applied, validating the result
func applyUpdate(c *Chat, upd ChatUpdate) (*Chat, error) {
	next := c.clone()

	if upd.Participants != nil {
		participants, err := NormalizeParticipants(*upd.Participants)
		if err != nil {
			return nil, err
		}
		if len(participants) == 0 {
			return nil, fmt.Errorf("%w: no participants", ErrInvalidChat)
		}
		if next.Type == ChatPrivate && len(participants) != 2 {
			return nil, fmt.Errorf("%w: private chat needs exactly two participants", ErrInvalidChat)
		}
		next.Participants = participants
	}

	if upd.ChatName != nil {
		name := *upd.ChatName
		next.Name = &name
	}

	if upd.Admin != nil {
		next.Admin = *upd.Admin
	}

	if next.Admin != "" && !next.HasParticipant(next.Admin) {
		return nil, fmt.Errorf("%w: admin %q is not a participant", ErrInvalidChat, next.Admin)
	}

	return next, nil
}
