package workspace

import (
	"crypto/rand"
	"fmt"
)

// inviteAlphabet excludes 0, 1, I, L and O so codes survive being read aloud
// or retyped from a screenshot.
const (
	inviteAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"
	inviteLength   = 8
)

func newInviteCode() (string, error) {
	buf := make([]byte, inviteLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("workspace: generate invite code: %w", err)
	}
	for i, b := range buf {
		buf[i] = inviteAlphabet[int(b)%len(inviteAlphabet)]
	}
	return string(buf), nil
}
