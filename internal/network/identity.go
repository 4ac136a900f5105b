// Package network owns the node's libp2p host: its persistent identity, listen addresses
// and LAN discovery.
package network

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	crypto "github.com/libp2p/go-libp2p/core/crypto"
	peer "github.com/libp2p/go-libp2p/core/peer"

	"github.com/hivecompute/hive/core/mesh/common"
)

// PersistentIdentity holds the private key and peer ID.
type PersistentIdentity struct {
	PrivKey []byte `json:"priv_key"`
	PeerID  string `json:"peer_id"`
}

// SaveIdentity writes id to path with owner-only permissions.
func SaveIdentity(path string, id *PersistentIdentity) error {
	data, err := json.Marshal(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return common.ErrIO("create identity dir", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return common.ErrIO("write identity", err)
	}
	return nil
}

// LoadIdentity reads an identity written by SaveIdentity.
func LoadIdentity(path string) (*PersistentIdentity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var id PersistentIdentity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, err
	}
	return &id, nil
}

// LoadOrCreateIdentity returns the key stored at path, generating and saving an Ed25519 key
// on first use. An empty path yields an ephemeral identity.
func LoadOrCreateIdentity(path string) (crypto.PrivKey, peer.ID, error) {
	if path != "" {
		id, err := LoadIdentity(path)
		switch {
		case err == nil:
			return decodeIdentity(id)
		case !errors.Is(err, os.ErrNotExist):
			return nil, "", common.ErrIO("read identity", err)
		}
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, "", err
	}
	pid, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, "", err
	}
	if path == "" {
		return priv, pid, nil
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, "", err
	}
	if err := SaveIdentity(path, &PersistentIdentity{PrivKey: raw, PeerID: pid.String()}); err != nil {
		return nil, "", err
	}
	return priv, pid, nil
}

func decodeIdentity(id *PersistentIdentity) (crypto.PrivKey, peer.ID, error) {
	priv, err := crypto.UnmarshalPrivateKey(id.PrivKey)
	if err != nil {
		return nil, "", common.ErrIntegrity("identity key is unreadable")
	}
	pid, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, "", err
	}
	if id.PeerID != "" && id.PeerID != pid.String() {
		return nil, "", common.ErrIntegrity("identity peer id does not match key").
			WithContext("peer_id", id.PeerID)
	}
	return priv, pid, nil
}
