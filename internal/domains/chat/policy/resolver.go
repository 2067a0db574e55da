package policy

import (
	"regexp"
	"strings"

	"casetrack/go-chat/pkg/models"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

// RoomKey is what the session knows when it asks for a room: at most one of
// the fields has to be set, and precedence is RoomID, then CaseID, then
// CaseReference.
type RoomKey struct {
	RoomID        string
	CaseID        string
	CaseReference string
}

var caseIDPattern = regexp.MustCompile(`^case_[1-9A-HJ-NP-Za-km-z]{16,}$`)

// IsCaseID reports whether s is a structurally valid case identifier, as
// opposed to a human-readable case reference.
func IsCaseID(s string) bool {
	return caseIDPattern.MatchString(strings.TrimSpace(s))
}

// ResolveRoom picks the conversation matching key from candidates. A
// free-text reference match is only accepted when the candidate also carries
// a valid case id, so a reference never binds to a placeholder record.
func ResolveRoom(candidates []models.Conversation, key RoomKey) (models.Conversation, bool) {
	roomID := strings.TrimSpace(key.RoomID)
	if roomID != "" {
		for _, conv := range candidates {
			if conv.ID == roomID {
				return conv, true
			}
		}
	}

	caseID := strings.TrimSpace(key.CaseID)
	if IsCaseID(caseID) {
		for _, conv := range candidates {
			if conv.CaseID == caseID {
				return conv, true
			}
		}
	}

	reference := strings.TrimSpace(key.CaseReference)
	if reference != "" {
		for _, conv := range candidates {
			if conv.CaseReference == reference && IsCaseID(conv.CaseID) {
				return conv, true
			}
		}
	}

	return models.Conversation{}, false
}

// PairRoomID derives the deterministic room id two participants share. The
// pair is sorted first, so the id is the same regardless of which side
// derives it.
func PairRoomID(userIDA, userIDB string) string {
	a := strings.TrimSpace(userIDA)
	b := strings.TrimSpace(userIDB)
	if a > b {
		a, b = b, a
	}
	h := blake2b.Sum256([]byte(a + "\x00" + b))
	return "room1" + base58.Encode(h[:])
}
