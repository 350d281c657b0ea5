package mdk

import (
	"errors"
	"fmt"
	"sync"

	"github.com/opd-ai/haven/crypto"
	"github.com/sirupsen/logrus"
)

// MDK is the group key-agreement kit. All methods are safe for concurrent
// use.
type MDK struct {
	mu           sync.Mutex
	storage      Storage
	groups       map[GroupID]*groupState
	timeProvider crypto.TimeProvider
}

// New loads all groups from storage.
func New(storage Storage, tp crypto.TimeProvider) (*MDK, error) {
	m := &MDK{
		storage:      storage,
		groups:       make(map[GroupID]*groupState),
		timeProvider: crypto.OrDefault(tp),
	}

	ids, err := storage.ListGroups()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		raw, err := storage.LoadGroup(id)
		if err != nil {
			return nil, err
		}
		var st groupState
		if err := unmarshal(raw, &st); err != nil {
			return nil, fmt.Errorf("%w: decode group: %v", ErrStorage, err)
		}
		m.groups[id] = &st
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"package":  "mdk",
		"groups":   len(m.groups),
	}).Debug("MDK initialized")

	return m, nil
}

// Close wipes in-memory secrets and closes the storage.
func (m *MDK) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, st := range m.groups {
		st.wipe()
		delete(m.groups, id)
	}
	return m.storage.Close()
}

// persist writes st to storage. Callers hold m.mu.
func (m *MDK) persist(st *groupState) error {
	raw, err := marshal(st)
	if err != nil {
		return fmt.Errorf("%w: encode group: %v", ErrStorage, err)
	}
	if err := m.storage.SaveGroup(st.MLSGroupID, raw); err != nil {
		return err
	}
	m.groups[st.MLSGroupID] = st
	return nil
}

// group returns the state of id. Callers hold m.mu.
func (m *MDK) group(id GroupID) (*groupState, error) {
	st, ok := m.groups[id]
	if !ok {
		return nil, ErrGroupNotFound
	}
	return st, nil
}

// groupByNostrID finds a group by its routing id. Callers hold m.mu.
func (m *MDK) groupByNostrID(nostrID GroupID) (*groupState, bool) {
	for _, st := range m.groups {
		if st.NostrGroupID == nostrID {
			return st, true
		}
	}
	return nil, false
}

// GetGroup returns the public view of a group.
func (m *MDK) GetGroup(id GroupID) (*Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.group(id)
	if err != nil {
		return nil, err
	}
	return st.public(), nil
}

// GetGroups returns every known group.
func (m *MDK) GetGroups() ([]*Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Group, 0, len(m.groups))
	for _, st := range m.groups {
		out = append(out, st.public())
	}
	return out, nil
}

// GetMembers returns the member pubkeys of a group, sorted.
func (m *MDK) GetMembers(id GroupID) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.group(id)
	if err != nil {
		return nil, err
	}
	return st.memberIdentities(), nil
}

// Epoch returns the current epoch of a group.
func (m *MDK) Epoch(id GroupID) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.group(id)
	if err != nil {
		return 0, err
	}
	return st.Epoch, nil
}

// ExporterSecret returns the exporter secret of epoch. The caller owns the
// returned slice and should wipe it.
func (m *MDK) ExporterSecret(id GroupID, epoch uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.group(id)
	if err != nil {
		return nil, err
	}
	secret, ok := st.secretFor(epoch)
	if !ok {
		return nil, fmt.Errorf("%w: epoch %d", ErrEpochUnavailable, epoch)
	}
	return exporterSecret(secret, id)
}

// DeleteGroup removes all state of a group.
func (m *MDK) DeleteGroup(id GroupID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteGroup(id)
}

func (m *MDK) deleteGroup(id GroupID) error {
	st, ok := m.groups[id]
	if ok {
		st.wipe()
		delete(m.groups, id)
	}
	if err := m.storage.DeleteGroup(id); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}
