package store

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestDeriveChatID(t *testing.T) {
	now := time.UnixMilli(42)

	tests := []struct {
		name         string
		chatType     ChatType
		participants []string
		chatName     *string
		want         string
		wantErr      bool
	}{
		{"private sorted", ChatPrivate, []string{"alice", "bob"}, nil, "alice_bob", false},
		{"private reversed", ChatPrivate, []string{"bob", "alice"}, nil, "alice_bob", false},
		{"private ignores name", ChatPrivate, []string{"bob", "alice"}, strPtr("x"), "alice_bob", false},
		{"private one", ChatPrivate, []string{"alice"}, nil, "", true},
		{"private three", ChatPrivate, []string{"a", "b", "c"}, nil, "", true},
		{"group named", ChatGroup, []string{"a"}, strPtr("Book  Club"), "book_club", false},
		{"group unnamed", ChatGroup, []string{"a"}, nil, "group_42", false},
		{"group symbols only", ChatGroup, []string{"a"}, strPtr("!!!"), "group_42", false},
		{"group underscores only", ChatGroup, []string{"a"}, strPtr("_ - _"), "group_42", false},
		{"group cyrillic", ChatGroup, []string{"a"}, strPtr("Мои друзья"), "мои_друзья", false},
		{"group emoji only", ChatGroup, []string{"a"}, strPtr("🎉 🎉"), "group_42", false},
		{"unknown type", ChatType("channel"), []string{"a"}, nil, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DeriveChatID(tt.chatType, tt.participants, tt.chatName, now)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidChat)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeChatName(t *testing.T) {
	assert.Equal(t, "hello_world", NormalizeChatName("  Hello   World "))
	assert.Equal(t, "a-b_c", NormalizeChatName("A-B c"))
	assert.Equal(t, "", NormalizeChatName("../.."))
	assert.Equal(t, "", NormalizeChatName("_ _"))
	assert.Equal(t, "мои_друзья", NormalizeChatName("Мои друзья"))
	assert.Equal(t, "наша_работа", NormalizeChatName("Наша работа"))
	assert.Equal(t, "日本語のチャット", NormalizeChatName("日本語のチャット"))
	assert.Equal(t, "café_2", NormalizeChatName("Café #2"))

	cyrillic := strings.Repeat("я", 100)
	assert.Equal(t, strings.Repeat("я", 64), NormalizeChatName(cyrillic))

	wide := strings.Repeat("𝒜", 100)
	got := NormalizeChatName(wide)
	assert.LessOrEqual(t, len(got), 200)
	assert.True(t, validChatID(got))

	long := ""
	for i := 0; i < 100; i++ {
		long += "ab"
	}
	assert.Len(t, NormalizeChatName(long), 64)
}

func TestNormalizeParticipants(t *testing.T) {
	got, err := NormalizeParticipants([]string{"bob", "alice", "bob"})
	require.NoError(t, err)
	assert.Equal(t, []string{"bob", "alice"}, got)

	_, err = NormalizeParticipants([]string{"alice", "no/slash"})
	assert.ErrorIs(t, err, ErrInvalidUsername)
}

var usernameGen = rapid.StringMatching(`[a-zA-Z0-9_-]{1,32}`)

func TestPrivateChatIDSymmetric(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := usernameGen.Draw(t, "a")
		b := usernameGen.Draw(t, "b")
		if a == b {
			t.Skip("same user")
		}

		ab, err := DeriveChatID(ChatPrivate, []string{a, b}, nil, time.Now())
		if err != nil {
			t.Fatalf("derive %q %q: %v", a, b, err)
		}
		ba, err := DeriveChatID(ChatPrivate, []string{b, a}, nil, time.Now())
		if err != nil {
			t.Fatalf("derive %q %q: %v", b, a, err)
		}
		if ab != ba {
			t.Fatalf("ids differ: %q vs %q", ab, ba)
		}
		if !validChatID(ab) {
			t.Fatalf("derived id %q is not a valid chat id", ab)
		}
	})
}

func TestNormalizedNamesAreSafe(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		name := rapid.String().Draw(t, "name")
		id := NormalizeChatName(name)
		if id == "" {
			return
		}
		if !validChatID(id) {
			t.Fatalf("NormalizeChatName(%q) = %q is not a valid chat id", name, id)
		}
	})
}
