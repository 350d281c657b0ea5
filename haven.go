package haven

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/opd-ai/haven/circle"
	"github.com/opd-ai/haven/config"
	"github.com/opd-ai/haven/crypto"
	"github.com/opd-ai/haven/event"
	"github.com/opd-ai/haven/giftwrap"
	"github.com/opd-ai/haven/location"
	"github.com/opd-ai/haven/mdk"
	"github.com/opd-ai/haven/mls"
	"github.com/opd-ai/haven/relay"
	"github.com/opd-ai/haven/storage"
	"github.com/sirupsen/logrus"
)

// MLSStorageKeyName is the SecureKeyStorage entry holding the key that
// seals the MLS group store.
const MLSStorageKeyName = "haven.mdk.storage"

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("haven: core is closed")
	// ErrDuplicateEvent is returned when an inbound event was already
	// handled inside the replay window.
	ErrDuplicateEvent = errors.New("haven: event already processed")
	// ErrNoCircles is returned by SubscribeCircles when the user has no
	// accepted circle.
	ErrNoCircles = errors.New("haven: no accepted circles")
)

// Options configures a Core.
type Options struct {
	// Config is required. FixupAndValidate is applied to it.
	Config *config.Config
	// KeyStorage holds the identity and the MLS storage key. Required.
	KeyStorage crypto.SecureKeyStorage
	// Dialer defaults to relay.NostrDialer.
	Dialer relay.Dialer
	// TimeProvider defaults to the wall clock.
	TimeProvider crypto.TimeProvider
	// ReplayWindow defaults to crypto.DefaultReplayWindow.
	ReplayWindow time.Duration
}

// LocationCallback receives decrypted location updates.
type LocationCallback func(res *mls.Result)

// GroupUpdateCallback receives membership and epoch changes.
type GroupUpdateCallback func(res *mls.Result)

// InvitationCallback receives invitations recorded as pending.
type InvitationCallback func(inv *circle.Invitation)

// Core ties identity, circles, group encryption and relays together.
type Core struct {
	cfg          *config.Config
	identities   *crypto.IdentityStore
	identity     *crypto.Identity
	circles      *circle.Manager
	relays       *relay.Client
	wrapper      *giftwrap.Wrapper
	obfuscator   *location.Obfuscator
	replay       *crypto.ReplayGuard
	timeProvider crypto.TimeProvider

	callbackMu          sync.RWMutex
	locationCallback    LocationCallback
	groupUpdateCallback GroupUpdateCallback
	invitationCallback  InvitationCallback

	// resubscribe is signalled when the set of accepted circles changes.
	resubscribe chan struct{}

	mu     sync.Mutex
	closed bool
}

// New opens the stores under the configured data directory and loads the
// installation identity, creating one on first run.
func New(ctx context.Context, opts Options) (*Core, error) {
	if opts.Config == nil {
		return nil, errors.New("haven: config is required")
	}
	if opts.KeyStorage == nil {
		return nil, errors.New("haven: key storage is required")
	}
	cfg := opts.Config
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	tp := crypto.OrDefault(opts.TimeProvider)

	identities := crypto.NewIdentityStore(opts.KeyStorage)
	identity, created, err := identities.LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("haven: load identity: %w", err)
	}

	storageKey, err := loadOrCreateStorageKey(opts.KeyStorage)
	if err != nil {
		return nil, err
	}
	mlsManager, err := mls.NewManager(cfg.DataDir, storageKey, tp)
	crypto.ZeroBytes(storageKey)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(ctx, cfg.DataDir, tp)
	if err != nil {
		mlsManager.Close()
		return nil, err
	}
	circles := circle.NewManager(mlsManager, store, circle.Options{
		DefaultRelays: cfg.Relays.Fallback,
		TimeProvider:  tp,
	})

	relays, err := relay.NewClient(relay.Options{
		Dialer:         opts.Dialer,
		DefaultRelays:  cfg.Relays.Fallback,
		PublishTimeout: cfg.Relays.PublishTimeout(),
		FetchTimeout:   cfg.Relays.FetchTimeout(),
	})
	if err != nil {
		circles.Close()
		return nil, err
	}

	replay, err := crypto.NewPersistentReplayGuard(cfg.DataDir, opts.ReplayWindow, tp)
	if err != nil {
		circles.Close()
		relays.Close()
		return nil, err
	}

	c := &Core{
		cfg:          cfg,
		identities:   identities,
		identity:     identity,
		circles:      circles,
		relays:       relays,
		wrapper:      giftwrap.NewWrapper(tp),
		obfuscator:   location.NewObfuscator(cfg.Location.Settings().Precision, tp),
		replay:       replay,
		timeProvider: tp,
		resubscribe:  make(chan struct{}, 1),
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"package":  "haven",
		"pubkey":   identity.PublicKeyHex(),
		"created":  created,
	}).Info("Core started")
	return c, nil
}

func loadOrCreateStorageKey(ks crypto.SecureKeyStorage) ([]byte, error) {
	key, err := ks.Retrieve(MLSStorageKeyName)
	if err == nil {
		if len(key) != mdk.StorageKeySize {
			return nil, fmt.Errorf("haven: stored MLS key has %d bytes", len(key))
		}
		return key, nil
	}
	if !errors.Is(err, crypto.ErrKeyNotFound) {
		return nil, fmt.Errorf("haven: load MLS key: %w", err)
	}
	key = make([]byte, mdk.StorageKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := ks.Store(MLSStorageKeyName, key); err != nil {
		crypto.ZeroBytes(key)
		return nil, fmt.Errorf("haven: persist MLS key: %w", err)
	}
	return key, nil
}

func (c *Core) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

// PublicKey returns the hex public key of the installation identity.
func (c *Core) PublicKey() string {
	return c.identity.PublicKeyHex()
}

// Npub returns the bech32 public key.
func (c *Core) Npub() (string, error) {
	return c.identity.Npub()
}

// ExportNsec returns the identity secret in bech32 form for backup.
func (c *Core) ExportNsec() (string, error) {
	return c.identities.ExportNsec()
}

// Circles exposes the circle manager for listing, contacts and UI state.
func (c *Core) Circles() *circle.Manager {
	return c.circles
}

// OnLocation sets the callback for decrypted locations.
func (c *Core) OnLocation(callback LocationCallback) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.locationCallback = callback
}

// OnGroupUpdate sets the callback for membership and epoch changes.
func (c *Core) OnGroupUpdate(callback GroupUpdateCallback) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.groupUpdateCallback = callback
}

// OnInvitation sets the callback for new invitations.
func (c *Core) OnInvitation(callback InvitationCallback) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.invitationCallback = callback
}

func (c *Core) circlesChanged() {
	select {
	case c.resubscribe <- struct{}{}:
	default:
	}
}

func (c *Core) sign(evt *nostr.Event) error {
	return event.Sign(evt, c.identity)
}

// PublishKeyPackage publishes the kind-10051 list of inbox relays, then a
// fresh key package on the inbox relays.
func (c *Core) PublishKeyPackage(ctx context.Context) (*relay.PublishResult, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	inbox := c.cfg.Relays.Inbox
	bundle, err := c.circles.CreateKeyPackage(c.PublicKey(), inbox)
	if err != nil {
		return nil, err
	}
	kp := &nostr.Event{
		CreatedAt: nostr.Timestamp(c.timeProvider.Now().Unix()),
		Kind:      event.KindKeyPackage,
		Tags:      bundle.Tags,
		Content:   bundle.Content,
	}
	if err := c.sign(kp); err != nil {
		return nil, err
	}

	list := event.NewKeyPackageRelayList(inbox, c.timeProvider.Now())
	if err := c.sign(list); err != nil {
		return nil, err
	}
	// Contacts discover the list on the fallback relays.
	listRelays := append(append([]string(nil), inbox...), c.cfg.Relays.Fallback...)
	if _, err := c.relays.Publish(ctx, list, listRelays); err != nil {
		return nil, fmt.Errorf("haven: publish relay list: %w", err)
	}
	return c.relays.Publish(ctx, kp, inbox)
}

// InviteResult reports the delivery of welcomes.
type InviteResult struct {
	Invited []string
	// Failed maps an invitee pubkey to the reason its welcome was not
	// delivered.
	Failed map[string]error
}

func (r *InviteResult) record(pubkey string, err error) {
	if err == nil {
		r.Invited = append(r.Invited, pubkey)
		return
	}
	if r.Failed == nil {
		r.Failed = make(map[string]error)
	}
	r.Failed[pubkey] = err
}

// CreateResult is the outcome of CreateCircle.
type CreateResult struct {
	Circle *storage.Circle
	InviteResult
}

func (c *Core) fetchKeyPackages(ctx context.Context, invitees []string) ([]*nostr.Event, error) {
	kps := make([]*nostr.Event, 0, len(invitees))
	for _, pk := range invitees {
		kp, err := c.relays.FetchKeyPackage(ctx, pk)
		if err != nil {
			return nil, fmt.Errorf("haven: key package of %s: %w", pk, err)
		}
		kps = append(kps, kp)
	}
	return kps, nil
}

// sendWelcomes gift-wraps each welcome to its recipient and publishes it
// on the recipient's inbox relays, or the fallback relays when the
// recipient advertises none.
func (c *Core) sendWelcomes(ctx context.Context, welcomes []circle.WelcomeRumor) InviteResult {
	var res InviteResult
	for _, w := range welcomes {
		wrap, err := c.wrapper.WrapWelcome(c.identity, w.RecipientPubkey, w.Rumor)
		if err != nil {
			res.record(w.RecipientPubkey, err)
			continue
		}
		inbox, err := c.relays.FetchKeyPackageRelays(ctx, w.RecipientPubkey)
		if err != nil || len(inbox) == 0 {
			inbox = c.relays.DefaultRelays()
		}
		_, err = c.relays.Publish(ctx, wrap, inbox)
		res.record(w.RecipientPubkey, err)
	}
	if len(res.Failed) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "sendWelcomes",
			"package":  "haven",
			"failed":   len(res.Failed),
		}).Warn("Some welcomes were not delivered")
	}
	return res
}

// CreateCircle creates a location sharing circle with invitees and sends
// each of them a welcome. Invitees without a key package fail the whole
// call before any group state is created.
func (c *Core) CreateCircle(ctx context.Context, name string, invitees []string) (*CreateResult, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	kps, err := c.fetchKeyPackages(ctx, invitees)
	if err != nil {
		return nil, err
	}
	res, err := c.circles.CreateCircle(ctx, c.PublicKey(), kps, circle.Config{
		Name:   name,
		Type:   storage.LocationSharing,
		Relays: c.cfg.Relays.Circle,
		Admins: []string{c.PublicKey()},
	})
	if err != nil {
		return nil, err
	}
	c.circlesChanged()
	return &CreateResult{Circle: res.Circle, InviteResult: c.sendWelcomes(ctx, res.WelcomeRumors)}, nil
}

// HandleGiftWrap opens a kind-1059 event addressed to this identity and
// records the welcome inside as a pending invitation.
func (c *Core) HandleGiftWrap(ctx context.Context, wrap *nostr.Event) (*circle.Invitation, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if err := c.firstSight(wrap); err != nil {
		return nil, err
	}
	opened, err := c.wrapper.UnwrapWelcome(c.identity, wrap)
	if err != nil {
		return nil, err
	}
	inv, err := c.circles.ProcessInvitation(ctx, opened.WrapperEventID, opened.Rumor, "", opened.SenderPubkey)
	if err != nil {
		return nil, err
	}

	c.callbackMu.RLock()
	cb := c.invitationCallback
	c.callbackMu.RUnlock()
	if cb != nil {
		cb(inv)
	}
	return inv, nil
}

// AcceptInvitation joins a pending circle.
func (c *Core) AcceptInvitation(ctx context.Context, id mdk.GroupID) (*circle.CircleWithMembers, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	cwm, err := c.circles.AcceptInvitation(ctx, id)
	if err != nil {
		return nil, err
	}
	c.circlesChanged()
	return cwm, nil
}

// DeclineInvitation declines a pending circle.
func (c *Core) DeclineInvitation(ctx context.Context, id mdk.GroupID) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.circles.DeclineInvitation(ctx, id)
}

func (c *Core) circleRelays(ctx context.Context, id mdk.GroupID) ([]string, error) {
	cwm, err := c.circles.GetCircle(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(cwm.Circle.Relays) == 0 {
		return c.relays.DefaultRelays(), nil
	}
	return []string(cwm.Circle.Relays), nil
}

// ShareLocation obfuscates a fix to the configured precision, encrypts it
// for the circle and publishes it on the circle's relays.
func (c *Core) ShareLocation(ctx context.Context, id mdk.GroupID, lat, lon float64) (*relay.PublishResult, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	gc, err := c.circles.GroupContext(ctx, id)
	if err != nil {
		return nil, err
	}
	relays, err := c.circleRelays(ctx, id)
	if err != nil {
		return nil, err
	}

	loc := c.obfuscator.Obfuscate(lat, lon)
	rumor, err := event.LocationRumor(c.PublicKey(), loc, loc.Timestamp)
	if err != nil {
		return nil, err
	}
	opts := mls.MessageOptions{ExpiresAt: loc.ExpiresAt}
	if c.cfg.Location.IncludeGeohashTag {
		opts.Geohash = loc.Geohash
	}
	evt, err := gc.EncryptEvent(rumor, opts)
	if err != nil {
		return nil, err
	}
	return c.relays.Publish(ctx, evt, relays)
}

// HandleGroupEvent decrypts a kind-445 event and dispatches the result to
// the matching callback.
func (c *Core) HandleGroupEvent(ctx context.Context, evt *nostr.Event) (*mls.Result, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if err := c.firstSight(evt); err != nil {
		return nil, err
	}
	res, err := c.circles.ProcessGroupEvent(ctx, evt)
	if err != nil {
		return nil, err
	}

	c.callbackMu.RLock()
	locationCb, updateCb := c.locationCallback, c.groupUpdateCallback
	c.callbackMu.RUnlock()
	switch res.Kind {
	case mls.Location:
		if locationCb != nil {
			locationCb(res)
		}
	case mls.GroupUpdate:
		c.circlesChanged()
		if updateCb != nil {
			updateCb(res)
		}
	default:
		logrus.WithFields(logrus.Fields{
			"function": "HandleGroupEvent",
			"package":  "haven",
			"reason":   res.Reason,
		}).Debug("Ignored group event")
	}
	return res, nil
}

// firstSight authenticates evt and records its id. The id does not cover
// the signature, so only events with a valid signature are recorded.
func (c *Core) firstSight(evt *nostr.Event) error {
	if evt == nil {
		return fmt.Errorf("%w: nil event", event.ErrInvalidEvent)
	}
	if err := event.Verify(evt); err != nil {
		return err
	}
	if !c.replay.CheckAndStore(event.ComputeID(evt)) {
		return ErrDuplicateEvent
	}
	return nil
}

// LeaveCircle publishes a leave proposal and drops every local trace of
// the circle. The local state is removed even when no relay accepted the
// proposal; the publish error is returned in that case.
func (c *Core) LeaveCircle(ctx context.Context, id mdk.GroupID) (*relay.PublishResult, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	relays, err := c.circleRelays(ctx, id)
	if err != nil {
		return nil, err
	}
	proposal, err := c.circles.LeaveCircle(ctx, id)
	if err != nil {
		return nil, err
	}
	c.circlesChanged()
	return c.relays.Publish(ctx, proposal, relays)
}

// AddMembers invites pubkeys to an existing circle. The commit is merged
// only after a relay accepted it; the welcomes are sent afterwards.
func (c *Core) AddMembers(ctx context.Context, id mdk.GroupID, pubkeys []string) (*InviteResult, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	kps, err := c.fetchKeyPackages(ctx, pubkeys)
	if err != nil {
		return nil, err
	}
	update, err := c.circles.AddMembers(ctx, id, kps)
	if err != nil {
		return nil, err
	}
	if err := c.publishCommit(ctx, id, update.EvolutionEvent); err != nil {
		return nil, err
	}

	welcomes := make([]circle.WelcomeRumor, 0, len(update.WelcomeRumors))
	for i, rumor := range update.WelcomeRumors {
		welcomes = append(welcomes, circle.WelcomeRumor{RecipientPubkey: kps[i].PubKey, Rumor: rumor})
	}
	res := c.sendWelcomes(ctx, welcomes)
	return &res, nil
}

// RemoveMembers removes pubkeys from a circle.
func (c *Core) RemoveMembers(ctx context.Context, id mdk.GroupID, pubkeys []string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	update, err := c.circles.RemoveMembers(ctx, id, pubkeys)
	if err != nil {
		return err
	}
	return c.publishCommit(ctx, id, update.EvolutionEvent)
}

// RotateKeys publishes a commit that replaces this device's init key in a
// circle, so a leaked key stops exposing later epochs.
func (c *Core) RotateKeys(ctx context.Context, id mdk.GroupID) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	update, err := c.circles.RotateKeys(ctx, id)
	if err != nil {
		return err
	}
	return c.publishCommit(ctx, id, update.EvolutionEvent)
}

func (c *Core) publishCommit(ctx context.Context, id mdk.GroupID, commit *nostr.Event) error {
	relays, err := c.circleRelays(ctx, id)
	if err == nil {
		_, err = c.relays.Publish(ctx, commit, relays)
	}
	if err != nil {
		if abortErr := c.circles.AbortPendingCommit(id); abortErr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "publishCommit",
				"package":  "haven",
				"group":    id.String(),
				"error":    abortErr.Error(),
			}).Warn("Failed to clear pending commit")
		}
		return err
	}
	return c.circles.FinalizePendingCommit(ctx, id)
}

// SubscribeCircles subscribes to kind-445 events of every accepted circle
// on the union of their relays.
func (c *Core) SubscribeCircles(ctx context.Context) (*relay.Subscription, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	list, err := c.circles.ListCircles(ctx)
	if err != nil {
		return nil, err
	}
	var groupIDs, relays []string
	seen := make(map[string]struct{})
	for _, cwm := range list {
		if cwm.Membership.Status != storage.StatusAccepted {
			continue
		}
		id, err := mdk.GroupIDFromBytes(cwm.Circle.MLSGroupID)
		if err != nil {
			return nil, err
		}
		gc, err := c.circles.GroupContext(ctx, id)
		if err != nil {
			return nil, err
		}
		groupIDs = append(groupIDs, gc.NostrGroupIDHex())
		for _, u := range cwm.Circle.Relays {
			if _, ok := seen[u]; !ok {
				seen[u] = struct{}{}
				relays = append(relays, u)
			}
		}
	}
	if len(groupIDs) == 0 {
		return nil, ErrNoCircles
	}
	if len(relays) == 0 {
		relays = c.relays.DefaultRelays()
	}
	return c.relays.Subscribe(ctx, nostr.Filters{{
		Kinds: []int{event.KindGroupMessage},
		Tags:  nostr.TagMap{"h": groupIDs},
	}}, relays)
}

// SubscribeInvitations subscribes to gift wraps addressed to this
// identity on the inbox relays.
func (c *Core) SubscribeInvitations(ctx context.Context) (*relay.Subscription, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.relays.Subscribe(ctx, nostr.Filters{{
		Kinds: []int{event.KindGiftWrap},
		Tags:  nostr.TagMap{"p": []string{c.PublicKey()}},
	}}, c.cfg.Relays.Inbox)
}

// Run subscribes to invitations and circle traffic and handles events
// until ctx is cancelled. The circle subscription is reopened whenever
// the set of circles changes.
func (c *Core) Run(ctx context.Context) error {
	invitations, err := c.SubscribeInvitations(ctx)
	if err != nil {
		return err
	}
	defer invitations.Close()

	var groups *relay.Subscription
	openGroups := func() {
		if groups != nil {
			groups.Close()
			groups = nil
		}
		sub, err := c.SubscribeCircles(ctx)
		if err != nil {
			if !errors.Is(err, ErrNoCircles) {
				logrus.WithFields(logrus.Fields{
					"function": "Run",
					"package":  "haven",
					"error":    err.Error(),
				}).Warn("Circle subscription failed")
			}
			return
		}
		groups = sub
	}
	openGroups()
	defer func() {
		if groups != nil {
			groups.Close()
		}
	}()

	for {
		var groupEvents <-chan *nostr.Event
		if groups != nil {
			groupEvents = groups.Events
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.resubscribe:
			openGroups()
		case evt, ok := <-invitations.Events:
			if !ok {
				return fmt.Errorf("%w: invitation subscription ended", relay.ErrSubscription)
			}
			if _, err := c.HandleGiftWrap(ctx, evt); err != nil {
				c.logInbound("HandleGiftWrap", evt, err)
			}
		case evt, ok := <-groupEvents:
			if !ok {
				groups = nil
				continue
			}
			if _, err := c.HandleGroupEvent(ctx, evt); err != nil {
				c.logInbound("HandleGroupEvent", evt, err)
			}
		}
	}
}

func (c *Core) logInbound(function string, evt *nostr.Event, err error) {
	log := crypto.NewLogger("haven", function).
		WithField("event_id", evt.ID).
		WithError(err, "handle inbound event")
	if errors.Is(err, ErrDuplicateEvent) {
		log.Debug("Skipped duplicate event")
		return
	}
	log.Warn("Failed to handle inbound event")
}

// Close stops the core, closes the stores and wipes the identity from
// memory. It is safe to call more than once.
func (c *Core) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	var errs []error
	if err := c.relays.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.replay.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.circles.Close(); err != nil {
		errs = append(errs, err)
	}
	c.identity.Wipe()

	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"package":  "haven",
	}).Info("Core stopped")
	return errors.Join(errs...)
}
