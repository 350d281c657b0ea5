package mls

import (
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/opd-ai/haven/crypto"
	"github.com/opd-ai/haven/event"
	"github.com/opd-ai/haven/location"
	"github.com/opd-ai/haven/mdk"
	"github.com/sirupsen/logrus"
)

// DefaultMessageExpiry is attached to outbound group messages when the
// caller sets none.
const DefaultMessageExpiry = location.DefaultExpiry

// Config describes a new group.
type Config struct {
	Name        string
	Description string
	Relays      []string
	Admins      []string
}

// MessageOptions controls the public tags of outbound group messages.
type MessageOptions struct {
	// ExpiresAt defaults to now + DefaultMessageExpiry.
	ExpiresAt time.Time
	// Geohash adds a g tag cut to 5 characters. Leave empty unless the
	// user opted in.
	Geohash string
}

// CreateGroupResult is returned by CreateGroup.
type CreateGroupResult struct {
	Group         *mdk.Group
	WelcomeRumors []*nostr.Event
}

// Manager wraps the kit. It is safe for concurrent use; the kit
// serializes access internally.
type Manager struct {
	kit          *mdk.MDK
	timeProvider crypto.TimeProvider
}

// NewManager opens dataDir/haven_mdk.db sealed with storageKey.
func NewManager(dataDir string, storageKey []byte, tp crypto.TimeProvider) (*Manager, error) {
	storage, err := mdk.NewBoltStorage(dataDir, storageKey)
	if err != nil {
		return nil, wrap(err)
	}
	return NewManagerWithStorage(storage, tp)
}

// NewUnencryptedManager opens the store without sealing. For tests only.
func NewUnencryptedManager(dataDir string, tp crypto.TimeProvider) (*Manager, error) {
	storage, err := mdk.NewUnencryptedBoltStorage(dataDir)
	if err != nil {
		return nil, wrap(err)
	}
	return NewManagerWithStorage(storage, tp)
}

// NewManagerWithStorage creates a manager over any kit storage.
func NewManagerWithStorage(storage mdk.Storage, tp crypto.TimeProvider) (*Manager, error) {
	tp = crypto.OrDefault(tp)
	kit, err := mdk.New(storage, tp)
	if err != nil {
		return nil, wrap(err)
	}
	return &Manager{kit: kit, timeProvider: tp}, nil
}

// Close wipes in-memory group secrets and closes the store.
func (m *Manager) Close() error {
	return wrap(m.kit.Close())
}

// IsValidRelayURL reports whether u is a wss:// URL with a host.
func IsValidRelayURL(u string) bool {
	if !strings.HasPrefix(u, "wss://") {
		return false
	}
	parsed, err := url.Parse(u)
	return err == nil && parsed.Host != ""
}

// filterConfig drops invalid relay URLs and admin keys.
func filterConfig(cfg Config) Config {
	out := Config{Name: cfg.Name, Description: cfg.Description}
	for _, r := range cfg.Relays {
		if IsValidRelayURL(r) {
			out.Relays = append(out.Relays, r)
		}
	}
	for _, a := range cfg.Admins {
		if crypto.IsValidPublicKey(a) {
			out.Admins = append(out.Admins, a)
		}
	}
	if dropped := len(cfg.Relays) - len(out.Relays) + len(cfg.Admins) - len(out.Admins); dropped > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "CreateGroup",
			"package":  "mls",
			"dropped":  dropped,
		}).Warn("Ignored invalid relay URLs or admin keys")
	}
	return out
}

// CreateGroup creates a group and returns one welcome rumor per key
// package. The caller must call MergePendingCommit afterwards.
func (m *Manager) CreateGroup(creatorHex string, keyPackages []*nostr.Event, cfg Config) (*CreateGroupResult, error) {
	cfg = filterConfig(cfg)
	res, err := m.kit.CreateGroup(creatorHex, keyPackages, mdk.GroupConfig{
		Name:        cfg.Name,
		Description: cfg.Description,
		Relays:      cfg.Relays,
		Admins:      cfg.Admins,
	})
	if err != nil {
		return nil, wrap(err)
	}
	return &CreateGroupResult{Group: res.Group, WelcomeRumors: res.WelcomeRumors}, nil
}

// MergePendingCommit finalizes the last local commit.
func (m *Manager) MergePendingCommit(id mdk.GroupID) error {
	return wrap(m.kit.MergePendingCommit(id))
}

// ClearPendingCommit drops the last local commit.
func (m *Manager) ClearPendingCommit(id mdk.GroupID) error {
	return wrap(m.kit.ClearPendingCommit(id))
}

// CreateKeyPackage prepares a kind-443 event body for identityHex.
func (m *Manager) CreateKeyPackage(identityHex string, relays []string) (*mdk.KeyPackageBundle, error) {
	var valid []string
	for _, r := range relays {
		if IsValidRelayURL(r) {
			valid = append(valid, r)
		}
	}
	bundle, err := m.kit.CreateKeyPackage(identityHex, valid)
	return bundle, wrap(err)
}

// ProcessWelcome stores a welcome as a pending group.
func (m *Manager) ProcessWelcome(wrapperEventID string, rumor *nostr.Event) (*mdk.WelcomePreview, error) {
	preview, err := m.kit.ProcessWelcome(wrapperEventID, rumor)
	return preview, wrap(err)
}

// AcceptWelcome activates a pending group.
func (m *Manager) AcceptWelcome(id mdk.GroupID) error {
	return wrap(m.kit.AcceptWelcome(id))
}

// DeclineWelcome drops a pending group.
func (m *Manager) DeclineWelcome(id mdk.GroupID) error {
	return wrap(m.kit.DeclineWelcome(id))
}

// PendingWelcomes lists processed but unaccepted welcomes.
func (m *Manager) PendingWelcomes() []*mdk.WelcomePreview {
	return m.kit.GetPendingWelcomes()
}

// AddMembers creates a commit adding the owners of keyPackages.
func (m *Manager) AddMembers(id mdk.GroupID, keyPackages []*nostr.Event) (*mdk.UpdateResult, error) {
	res, err := m.kit.AddMembers(id, keyPackages)
	return res, wrap(err)
}

// RemoveMembers creates a commit removing pubkeys.
func (m *Manager) RemoveMembers(id mdk.GroupID, pubkeys []string) (*mdk.UpdateResult, error) {
	res, err := m.kit.RemoveMembers(id, pubkeys)
	return res, wrap(err)
}

// SelfUpdate returns a commit rotating this member's init key.
func (m *Manager) SelfUpdate(id mdk.GroupID) (*mdk.UpdateResult, error) {
	res, err := m.kit.SelfUpdate(id)
	return res, wrap(err)
}

// LeaveGroup returns the self-remove proposal to publish.
func (m *Manager) LeaveGroup(id mdk.GroupID) (*mdk.UpdateResult, error) {
	res, err := m.kit.LeaveGroup(id)
	return res, wrap(err)
}

// DeleteGroup removes all MLS state of a group.
func (m *Manager) DeleteGroup(id mdk.GroupID) error {
	return wrap(m.kit.DeleteGroup(id))
}

// GetMembers returns member pubkeys.
func (m *Manager) GetMembers(id mdk.GroupID) ([]string, error) {
	members, err := m.kit.GetMembers(id)
	return members, wrap(err)
}

// GetGroup returns a group.
func (m *Manager) GetGroup(id mdk.GroupID) (*mdk.Group, error) {
	g, err := m.kit.GetGroup(id)
	return g, wrap(err)
}

// GetGroups returns all groups.
func (m *Manager) GetGroups() ([]*mdk.Group, error) {
	groups, err := m.kit.GetGroups()
	return groups, wrap(err)
}

// Epoch returns the current epoch of a group.
func (m *Manager) Epoch(id mdk.GroupID) (uint64, error) {
	epoch, err := m.kit.Epoch(id)
	return epoch, wrap(err)
}

// ExporterSecret returns the exporter secret of epoch in a wiping
// container.
func (m *Manager) ExporterSecret(id mdk.GroupID, epoch uint64) (*crypto.ConversationKey, error) {
	raw, err := m.kit.ExporterSecret(id, epoch)
	if err != nil {
		if errors.Is(err, mdk.ErrEpochUnavailable) {
			return nil, &ExporterSecretUnavailableError{Epoch: epoch}
		}
		return nil, wrap(err)
	}
	defer crypto.ZeroBytes(raw)
	return crypto.NewConversationKey(raw)
}

// CreateMessage encrypts rumor into a signed kind-445 event.
func (m *Manager) CreateMessage(id mdk.GroupID, rumor *nostr.Event, opts MessageOptions) (*nostr.Event, error) {
	expires := opts.ExpiresAt
	if expires.IsZero() {
		expires = m.timeProvider.Now().Add(DefaultMessageExpiry)
	}
	evt, err := m.kit.CreateMessage(id, rumor, mdk.MessageOptions{
		ExpiresAt: expires.Unix(),
		Geohash:   opts.Geohash,
	})
	return evt, wrap(err)
}

// ProcessMessage routes evt to its group by h tag and maps the outcome.
func (m *Manager) ProcessMessage(evt *nostr.Event) (*Result, error) {
	res, err := m.kit.ProcessMessage(evt)
	if err != nil {
		return nil, wrap(err)
	}
	return m.mapResult(res), nil
}

func (m *Manager) processGroupMessage(id mdk.GroupID, evt *nostr.Event) (*Result, error) {
	res, err := m.kit.ProcessGroupMessage(id, evt)
	if err != nil {
		return nil, wrap(err)
	}
	return m.mapResult(res), nil
}

// mapResult turns a kit result into an application result.
func (m *Manager) mapResult(res *mdk.ProcessResult) *Result {
	out := &Result{MLSGroupID: res.MLSGroupID, Reason: res.Reason}

	switch res.Kind {
	case mdk.ApplicationMessage:
		if res.Rumor == nil || !event.IsLocationRumor(res.Rumor) {
			out.Kind = Unprocessable
			out.Reason = "unsupported application content"
			return out
		}
		loc, err := event.ParseLocation(res.Rumor)
		if err != nil {
			out.Kind = Unprocessable
			out.Reason = "malformed location"
			return out
		}
		out.Kind = Location
		out.SenderPubkey = res.SenderPubkey
		out.Location = loc
		out.Rumor = res.Rumor
		out.Expired = loc.IsExpiredAt(m.timeProvider.Now())
	case mdk.Proposal, mdk.Commit, mdk.ExternalJoinProposal:
		out.Kind = GroupUpdate
		out.Update = res.Kind
		out.SenderPubkey = res.SenderPubkey
	default:
		out.Kind = Unprocessable
	}

	if out.Kind == Unprocessable {
		logrus.WithFields(logrus.Fields{
			"function": "ProcessMessage",
			"package":  "mls",
			"group":    res.MLSGroupID.String(),
			"reason":   out.Reason,
		}).Debug("Unprocessable group message")
	}
	return out
}

// GroupContext returns the message-plane binding of a group.
func (m *Manager) GroupContext(id mdk.GroupID) (*GroupContext, error) {
	g, err := m.kit.GetGroup(id)
	if err != nil {
		return nil, wrap(err)
	}
	return &GroupContext{
		manager:      m,
		mlsGroupID:   g.MLSGroupID,
		nostrGroupID: g.NostrGroupID,
	}, nil
}
