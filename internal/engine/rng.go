package engine

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

const (
	// seedBytes is the entropy of a server seed before hex encoding.
	seedBytes = 32

	// drawDivisor maps the first 32 bits of a digest into [0, 1).
	drawDivisor = float64(0xFFFFFFFF)
)

// Commit generates a fresh server seed and returns it together with its
// SHA-256 commitment. The raw seed stays server-side until the round that
// consumed it is resolved; only the hash is disclosed up front.
func Commit() (serverSeed, serverSeedHash string, err error) {
	buf := make([]byte, seedBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate server seed: %w", err)
	}
	serverSeed = hex.EncodeToString(buf)
	return serverSeed, HashSeed(serverSeed), nil
}

// HashSeed returns the hex-encoded SHA-256 commitment for a server seed.
func HashSeed(serverSeed string) string {
	sum := sha256.Sum256([]byte(serverSeed))
	return hex.EncodeToString(sum[:])
}

// Draw derives a deterministic value in [0, 1) from the seed pair and nonce.
// The digest is SHA256(clientSeed ":" serverSeed ":" nonce); the first four
// bytes are read as a big-endian uint32 and divided by 0xFFFFFFFF. Pure
// function: same inputs always produce the same draw.
func Draw(clientSeed, serverSeed string, nonce uint64) float64 {
	h := sha256.New()
	fmt.Fprintf(h, "%s:%s:%d", clientSeed, serverSeed, nonce)
	var digest [sha256.Size]byte
	h.Sum(digest[:0])

	v := binary.BigEndian.Uint32(digest[:4])
	f := float64(v) / drawDivisor
	if f >= 1 {
		// 0xFFFFFFFF/0xFFFFFFFF == 1.0; clamp to keep the contract half-open.
		f = float64(0xFFFFFFFE) / drawDivisor
	}
	return f
}

// Floats derives count draws for one round. Draw i uses nonce+i, so games
// that need several values per round (mines places one mine per draw,
// plinko walks one row per draw) stay reproducible from the round's base
// nonce alone. The session layer still advances its nonce by exactly one
// per resolved round.
func Floats(clientSeed, serverSeed string, nonce uint64, count int) []float64 {
	floats := make([]float64, count)
	for i := 0; i < count; i++ {
		floats[i] = Draw(clientSeed, serverSeed, nonce+uint64(i))
	}
	return floats
}

// Verify recomputes both the seed commitment and the draw and checks that
// each matches what was claimed. Anyone holding the revealed seed can run
// this; it is the public half of the trust model.
func Verify(clientSeed, serverSeed, serverSeedHash string, nonce uint64, claimed float64) bool {
	if subtle.ConstantTimeCompare([]byte(HashSeed(serverSeed)), []byte(serverSeedHash)) != 1 {
		return false
	}
	return Draw(clientSeed, serverSeed, nonce) == claimed
}
