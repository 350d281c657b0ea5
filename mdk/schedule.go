package mdk

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/opd-ai/haven/crypto"
	"golang.org/x/crypto/hkdf"
)

const secretSize = 32

const labelPrefix = "haven-mdk "

// expand derives secretSize bytes from prk with the given label and context.
func expand(prk []byte, label string, context []byte) ([]byte, error) {
	info := make([]byte, 0, len(labelPrefix)+len(label)+len(context))
	info = append(info, labelPrefix...)
	info = append(info, label...)
	info = append(info, context...)

	out := make([]byte, secretSize)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, info), out); err != nil {
		return nil, fmt.Errorf("%w: %v", crypto.ErrKeyDerivation, err)
	}
	return out, nil
}

// nextEpochSecret advances the key schedule by one commit.
func nextEpochSecret(epochSecret, commitSecret []byte, groupID GroupID, nextEpoch uint64) ([]byte, error) {
	prk := hkdf.Extract(sha256.New, commitSecret, epochSecret)
	defer crypto.ZeroBytes(prk)

	ctx := make([]byte, 0, GroupIDSize+8)
	ctx = append(ctx, groupID[:]...)
	ctx = binary.BigEndian.AppendUint64(ctx, nextEpoch)
	return expand(prk, "epoch", ctx)
}

// exporterSecret is the NIP-44 key for kind-445 content in an epoch.
func exporterSecret(epochSecret []byte, groupID GroupID) ([]byte, error) {
	return expand(epochSecret, "exporter nostr", groupID[:])
}

// applicationKey is the AEAD key of inner frames in an epoch.
func applicationKey(epochSecret []byte, groupID GroupID) ([]byte, error) {
	return expand(epochSecret, "application", groupID[:])
}
