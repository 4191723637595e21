package bitcoin

import (
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

func TestDoubleSHA256_GenesisHeader(t *testing.T) {
	header := chaincfg.MainNetParams.GenesisBlock.Header
	raw := SerializeHeader(&header)

	got := chainhash.Hash(DoubleSHA256(raw))
	if got != *chaincfg.MainNetParams.GenesisHash {
		t.Errorf("genesis hash = %s, want %s", got, chaincfg.MainNetParams.GenesisHash)
	}
}

func TestHasherByName(t *testing.T) {
	tests := []struct {
		name    string
		key     []byte
		wantErr bool
	}{
		{"", nil, false},
		{"sha256d", nil, false},
		{"SHA256D", nil, false},
		{"blake2b", nil, false},
		{"blake2b", []byte("bridge"), false},
		{"blake2b", make([]byte, 65), true},
		{"scrypt", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := HasherByName(tt.name, tt.key)
			if (err != nil) != tt.wantErr {
				t.Fatalf("HasherByName() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && h == nil {
				t.Error("expected hasher")
			}
		})
	}
}

func TestBlake2bHasher(t *testing.T) {
	plain, _ := NewBlake2bHasher(nil)
	keyed, _ := NewBlake2bHasher([]byte("k"))

	// BLAKE2b-256 of the empty string
	want := "0e5751c026e543b2e8ab2eb06099daa1d1e5df47778f7787faab45cdf12fe3a8"
	got := plain(nil)
	if hex.EncodeToString(got[:]) != want {
		t.Errorf("blake2b-256(\"\") = %x, want %s", got, want)
	}

	if keyed(nil) == got {
		t.Error("keyed hasher must differ from unkeyed")
	}
	if keyed([]byte("a")) != keyed([]byte("a")) {
		t.Error("hasher must be deterministic")
	}
}
