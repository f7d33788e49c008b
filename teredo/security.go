package teredo

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net/netip"
	"sync"

	"github.com/zeebo/blake3"
)

// The qualification procedure authenticates server responses with a
// client-chosen nonce.  Deriving nonces from a per-process secret via
// a keyed hash lets the client recognise its own nonce statelessly.
var (
	nonceMu  sync.Mutex
	nonceKey []byte
)

// InitNonceGenerator draws the per-process nonce secret.  It must be
// called before GenerateNonce, once per client worker.
func InitNonceGenerator() error {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("failed to gather nonce key material: %v", err)
	}
	nonceMu.Lock()
	nonceKey = key
	nonceMu.Unlock()
	return nil
}

// DeinitNonceGenerator wipes the nonce secret.  Subsequent
// GenerateNonce calls fail until the generator is initialised again.
func DeinitNonceGenerator() {
	nonceMu.Lock()
	for i := range nonceKey {
		nonceKey[i] = 0
	}
	nonceKey = nil
	nonceMu.Unlock()
}

// GenerateNonce derives the 8 octet qualification nonce for exchanges
// with the given server endpoint.
func GenerateNonce(server netip.AddrPort) ([8]byte, error) {
	var nonce [8]byte

	nonceMu.Lock()
	defer nonceMu.Unlock()
	if nonceKey == nil {
		return nonce, fmt.Errorf("nonce generator is not initialised")
	}

	h, err := blake3.NewKeyed(nonceKey)
	if err != nil {
		return nonce, fmt.Errorf("failed to create keyed hasher: %v", err)
	}
	addr := server.Addr().As16()
	h.Write(addr[:])
	var port [2]byte
	binary.BigEndian.PutUint16(port[:], server.Port())
	h.Write(port[:])

	copy(nonce[:], h.Sum(nil))
	return nonce, nil
}
