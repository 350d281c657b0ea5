package mdk

import (
	"crypto/ed25519"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"github.com/opd-ai/haven/crypto"
)

// encMode produces deterministic CBOR so signed structures encode the same
// way on every client.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("mdk: cbor encoder: %v", err))
	}
}

func marshal(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

func unmarshal(data []byte, v interface{}) error {
	return cbor.Unmarshal(data, v)
}

// member is a leaf of the group.
type member struct {
	Leaf         uint32 `cbor:"1,keyasint"`
	Identity     string `cbor:"2,keyasint"`
	SignatureKey []byte `cbor:"3,keyasint"`
	InitKey      []byte `cbor:"4,keyasint"`
}

// epochSecret is a retained epoch secret.
type epochSecret struct {
	Epoch  uint64 `cbor:"1,keyasint"`
	Secret []byte `cbor:"2,keyasint"`
}

// pendingCommit is a commit created locally and not yet merged.
type pendingCommit struct {
	Epoch       uint64   `cbor:"1,keyasint"`
	EpochSecret []byte   `cbor:"2,keyasint"`
	Members     []member `cbor:"3,keyasint"`
	NextLeaf    uint32   `cbor:"4,keyasint"`
	Proposals   []uint32 `cbor:"5,keyasint"`
	// InitKey is the private half of the init key the commit rotates to.
	InitKey []byte `cbor:"6,keyasint"`
}

func (p *pendingCommit) wipe() {
	crypto.ZeroBytes(p.EpochSecret)
	crypto.ZeroBytes(p.InitKey)
}

// groupState is everything this client knows about a group. It is stored
// as CBOR.
type groupState struct {
	MLSGroupID   GroupID    `cbor:"1,keyasint"`
	NostrGroupID GroupID    `cbor:"2,keyasint"`
	Name         string     `cbor:"3,keyasint"`
	Description  string     `cbor:"4,keyasint"`
	Admins       []string   `cbor:"5,keyasint"`
	Relays       []string   `cbor:"6,keyasint"`
	State        GroupState `cbor:"7,keyasint"`

	Epoch   uint64        `cbor:"8,keyasint"`
	Secrets []epochSecret `cbor:"9,keyasint"`

	Members  []member `cbor:"10,keyasint"`
	NextLeaf uint32   `cbor:"11,keyasint"`

	OwnLeaf     uint32 `cbor:"12,keyasint"`
	OwnIdentity string `cbor:"13,keyasint"`
	OwnInitKey  []byte `cbor:"14,keyasint"`
	OwnSigKey   []byte `cbor:"15,keyasint"`

	Pending *pendingCommit `cbor:"16,keyasint,omitempty"`
	// Proposals holds leaves that asked to leave, folded into the next
	// commit.
	Proposals []uint32 `cbor:"17,keyasint,omitempty"`

	WelcomerPubkey string `cbor:"18,keyasint,omitempty"`
	WrapperEventID string `cbor:"19,keyasint,omitempty"`
}

func (s *groupState) public() *Group {
	return &Group{
		MLSGroupID:   s.MLSGroupID,
		NostrGroupID: s.NostrGroupID,
		Name:         s.Name,
		Description:  s.Description,
		Admins:       append([]string(nil), s.Admins...),
		Relays:       append([]string(nil), s.Relays...),
		Epoch:        s.Epoch,
		State:        s.State,
		MemberCount:  len(s.Members),
	}
}

func (s *groupState) preview() *WelcomePreview {
	return &WelcomePreview{
		MLSGroupID:     s.MLSGroupID,
		NostrGroupID:   s.NostrGroupID,
		GroupName:      s.Name,
		Description:    s.Description,
		Admins:         append([]string(nil), s.Admins...),
		Relays:         append([]string(nil), s.Relays...),
		MemberCount:    len(s.Members),
		WelcomerPubkey: s.WelcomerPubkey,
		WrapperEventID: s.WrapperEventID,
	}
}

func (s *groupState) isAdmin(pubkeyHex string) bool {
	for _, a := range s.Admins {
		if a == pubkeyHex {
			return true
		}
	}
	return false
}

func (s *groupState) memberByLeaf(leaf uint32) (*member, bool) {
	for i := range s.Members {
		if s.Members[i].Leaf == leaf {
			return &s.Members[i], true
		}
	}
	return nil, false
}

func (s *groupState) memberByIdentity(pubkeyHex string) (*member, bool) {
	for i := range s.Members {
		if s.Members[i].Identity == pubkeyHex {
			return &s.Members[i], true
		}
	}
	return nil, false
}

// memberIdentities returns the member pubkeys sorted for stable output.
func (s *groupState) memberIdentities() []string {
	out := make([]string, 0, len(s.Members))
	for _, m := range s.Members {
		out = append(out, m.Identity)
	}
	sort.Strings(out)
	return out
}

// secretFor returns the retained secret of epoch.
func (s *groupState) secretFor(epoch uint64) ([]byte, bool) {
	for _, e := range s.Secrets {
		if e.Epoch == epoch {
			return e.Secret, true
		}
	}
	return nil, false
}

func (s *groupState) currentSecret() ([]byte, error) {
	secret, ok := s.secretFor(s.Epoch)
	if !ok {
		return nil, fmt.Errorf("%w: epoch %d", ErrEpochUnavailable, s.Epoch)
	}
	return secret, nil
}

// pushEpoch records a new epoch secret and drops the oldest beyond
// RetainedEpochs.
func (s *groupState) pushEpoch(epoch uint64, secret []byte) {
	s.Epoch = epoch
	s.Secrets = append(s.Secrets, epochSecret{Epoch: epoch, Secret: secret})
	sort.Slice(s.Secrets, func(i, j int) bool { return s.Secrets[i].Epoch > s.Secrets[j].Epoch })
	for len(s.Secrets) > RetainedEpochs {
		last := s.Secrets[len(s.Secrets)-1]
		crypto.ZeroBytes(last.Secret)
		s.Secrets = s.Secrets[:len(s.Secrets)-1]
	}
}

func (s *groupState) signingKey() ed25519.PrivateKey {
	return ed25519.PrivateKey(s.OwnSigKey)
}

// wipe zeroes all secrets held by the state.
func (s *groupState) wipe() {
	for _, e := range s.Secrets {
		crypto.ZeroBytes(e.Secret)
	}
	crypto.ZeroBytes(s.OwnInitKey)
	crypto.ZeroBytes(s.OwnSigKey)
	if s.Pending != nil {
		s.Pending.wipe()
	}
}

func hasLeaf(leaves []uint32, leaf uint32) bool {
	for _, l := range leaves {
		if l == leaf {
			return true
		}
	}
	return false
}
