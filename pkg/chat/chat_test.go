package chat

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseName(t *testing.T) {
	tests := []struct {
		in           string
		name         string
		participants []string
		wantErr      bool
	}{
		{in: "alice.bob", name: "alice.bob", participants: []string{"alice", "bob"}},
		{in: "bob.alice", name: "alice.bob", participants: []string{"alice", "bob"}},
		{in: "carol.alice.bob.alice", name: "alice.bob.carol", participants: []string{"alice", "bob", "carol"}},
		{in: "solo", name: "solo", participants: []string{"solo"}},
		{in: "mary-jane.bob", name: "bob.mary-jane", participants: []string{"bob", "mary-jane"}},
		{in: "a@b+c.bob", name: "a@b+c.bob", participants: []string{"a@b+c", "bob"}},
		{in: "josé.zoë", name: "josé.zoë", participants: []string{"josé", "zoë"}},
		{in: "a@b.com.bob", name: "a@b.bob.com", participants: []string{"a@b", "bob", "com"}},
		{in: "alice:1.bob", wantErr: true},
		{in: "", wantErr: true},
		{in: "alice..bob", wantErr: true},
		{in: "alice.", wantErr: true},
		{in: "al ice.bob", wantErr: true},
		{in: strings.Repeat("a.", maxParticipants) + "a", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			name, participants, err := ParseName(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidName)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.name, name)
			require.Equal(t, tt.participants, participants)
		})
	}
}

func TestNameIsOrderIndependent(t *testing.T) {
	require.Equal(t, Name([]string{"bob", "alice"}), Name([]string{"alice", " bob ", "alice"}))
}

func TestHasParticipant(t *testing.T) {
	c := Conversation{Name: "alice.bob", Participants: []string{"alice", "bob"}}
	require.True(t, c.HasParticipant("alice"))
	require.False(t, c.HasParticipant("mallory"))
}

func TestValidateContent(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"plain", "hi", false},
		{"multiline", "line one\nline two\ttabbed", false},
		{"max length", strings.Repeat("x", MaxContentLength), false},
		{"max length multibyte", strings.Repeat("é", MaxContentLength), false},
		{"empty", "", true},
		{"blank", "  \n\t ", true},
		{"too long", strings.Repeat("x", MaxContentLength+1), true},
		{"control character", "bell\a", true},
		{"invalid utf8", "bad\xffbyte", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateContent(tt.content)
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "want ValidationError, got %v", err)
			require.Equal(t, "content", verr.Field)
		})
	}
}

func TestValidateUsername(t *testing.T) {
	for _, good := range []string{"alice_99", "mary-jane", "a@b", "first+last", strings.Repeat("a", 150)} {
		require.NoError(t, ValidateUsername(good), "username %q should be accepted", good)
	}
	for _, bad := range []string{"", "has space", "dot.ted", "colon:ed", "tab\tbed", "slash/ed", strings.Repeat("a", 151)} {
		var verr *ValidationError
		require.True(t, errors.As(ValidateUsername(bad), &verr), "username %q should be rejected", bad)
	}
}
