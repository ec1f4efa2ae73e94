package engine

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

var nameAdjectives = []string{
	"Swift", "Bright", "Bold", "Cosmic", "Digital", "Electric", "Stellar",
	"Quantum", "Cyber", "Neon", "Turbo", "Ultra", "Mega", "Super", "Hyper",
}

var nameNouns = []string{
	"Phoenix", "Dragon", "Tiger", "Eagle", "Falcon", "Wolf", "Lion",
	"Panther", "Hawk", "Viper", "Ninja", "Samurai", "Warrior", "Knight",
}

// DisplayName derives a stable pseudonymous name ("SwiftPhoenix4821") from a
// subject id, for leaderboard rows where the subject never set a profile
// name. Same id, same name — the mapping hashes the id and indexes into
// fixed word lists, so no per-subject state is stored.
func DisplayName(subjectID string) string {
	digest := md5.Sum([]byte(subjectID))
	v := binary.BigEndian.Uint32(digest[:4])

	adj := nameAdjectives[v%uint32(len(nameAdjectives))]
	noun := nameNouns[(uint64(v)*7)%uint64(len(nameNouns))]
	num := v%9000 + 1000

	return fmt.Sprintf("%s%s%d", adj, noun, num)
}

// NewReferralCode generates an 8-character uppercase alphanumeric code.
// Uniqueness is enforced by the store's unique constraint, not here — on a
// collision the bootstrap path calls this again.
func NewReferralCode() string {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing means the platform is broken; fall back to a
		// digest of whatever bytes we got so creation can still proceed.
		sum := md5.Sum(buf[:])
		copy(buf[:], sum[:4])
	}
	return strings.ToUpper(hex.EncodeToString(buf[:]))
}
