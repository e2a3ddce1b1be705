// Package basket owns the canonical list of basket line items and keeps it
// in a storage slot. Every read goes to the slot; in-memory copies held by
// callers are snapshots only.
package basket

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"basket/pkg/storage"
)

const queueTimeout = 2 * time.Second

// Options configures a Store.
type Options struct {
	// Key is the storage slot name; owners get "<Key>:<owner>".
	Key    string
	Logger *zap.Logger
	Broker *Broker
}

// command envelopes the work the store goroutine must perform.
type command struct {
	ctx     context.Context
	action  string
	owner   string
	item    LineItem
	items   Basket
	index   int
	version string
	lineID  string
	reply   chan commandResult
}

// commandResult carries the outcome of a command back to the caller.
type commandResult struct {
	snapshot Snapshot
	item     LineItem
	err      error
}

// Store serializes every load-modify-save through one goroutine so each
// mutation is a single logical operation.
type Store struct {
	slots    storage.Slots
	key      string
	logger   *zap.Logger
	broker   *Broker
	commands chan command
	quit     chan struct{}
	done     chan struct{}
	newID    func() string
}

// NewStore launches the coordinating goroutine immediately.
func NewStore(slots storage.Slots, opts Options) *Store {
	if opts.Key == "" {
		opts.Key = DefaultKey
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Broker == nil {
		opts.Broker = NewBroker()
	}
	s := &Store{
		slots:    slots,
		key:      opts.Key,
		logger:   opts.Logger,
		broker:   opts.Broker,
		commands: make(chan command),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		newID:    uuid.NewString,
	}
	go s.loop()
	return s
}

// Key returns the slot name used for owner.
func (s *Store) Key(owner string) string {
	if owner == "" {
		return s.key
	}
	return s.key + ":" + owner
}

func (s *Store) loop() {
	defer close(s.done)
	for {
		select {
		case cmd := <-s.commands:
			cmd.reply <- s.execute(cmd)
		case <-s.quit:
			return
		}
	}
}

func (s *Store) execute(cmd command) commandResult {
	switch cmd.action {
	case "load":
		return commandResult{snapshot: s.read(cmd.ctx, cmd.owner)}
	case "save":
		snap, err := s.write(cmd.ctx, cmd.owner, cmd.items)
		if err != nil {
			return commandResult{err: err}
		}
		s.broker.Publish(Event{Kind: EventSaved, Owner: cmd.owner})
		return commandResult{snapshot: snap}
	case "add":
		current := s.read(cmd.ctx, cmd.owner)
		item := cmd.item
		if item.LineID == "" {
			item.LineID = s.newID()
		}
		snap, err := s.write(cmd.ctx, cmd.owner, append(current.Items, item))
		if err != nil {
			return commandResult{err: err}
		}
		s.logger.Info("basket item added",
			zap.String("owner", cmd.owner),
			zap.String("name", item.Name),
			zap.Int("items", len(snap.Items)))
		s.broker.Publish(Event{Kind: EventAdded, Owner: cmd.owner, Message: item.Name + " added to your basket"})
		return commandResult{snapshot: snap, item: item}
	case "removeAt":
		current := s.read(cmd.ctx, cmd.owner)
		if cmd.version != "" && cmd.version != current.Version {
			return commandResult{snapshot: current, err: ErrStaleSnapshot}
		}
		if cmd.index < 0 || cmd.index >= len(current.Items) {
			return commandResult{snapshot: current, err: fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, cmd.index, len(current.Items))}
		}
		return s.removeIndex(cmd, current, cmd.index)
	case "removeLine":
		current := s.read(cmd.ctx, cmd.owner)
		for i, item := range current.Items {
			if item.LineID == cmd.lineID {
				return s.removeIndex(cmd, current, i)
			}
		}
		return commandResult{snapshot: current, err: fmt.Errorf("%w: %s", ErrLineNotFound, cmd.lineID)}
	case "clear":
		if err := s.slots.Delete(cmd.ctx, s.Key(cmd.owner)); err != nil {
			return commandResult{err: fmt.Errorf("clearing basket: %w", err)}
		}
		s.logger.Info("basket cleared", zap.String("owner", cmd.owner))
		s.broker.Publish(Event{Kind: EventCleared, Owner: cmd.owner})
		return commandResult{snapshot: newSnapshot(Basket{})}
	default:
		return commandResult{err: fmt.Errorf("unknown basket action %s", cmd.action)}
	}
}

func (s *Store) removeIndex(cmd command, current Snapshot, index int) commandResult {
	removed := current.Items[index]
	next := make(Basket, 0, len(current.Items)-1)
	next = append(next, current.Items[:index]...)
	next = append(next, current.Items[index+1:]...)
	snap, err := s.write(cmd.ctx, cmd.owner, next)
	if err != nil {
		return commandResult{err: err}
	}
	s.logger.Info("basket item removed",
		zap.String("owner", cmd.owner),
		zap.String("name", removed.Name),
		zap.Int("items", len(snap.Items)))
	s.broker.Publish(Event{Kind: EventRemoved, Owner: cmd.owner})
	return commandResult{snapshot: snap, item: removed}
}

// read never fails: an absent, unreadable, or malformed slot is an empty basket.
func (s *Store) read(ctx context.Context, owner string) Snapshot {
	key := s.Key(owner)
	raw, err := s.slots.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Debug("basket slot unreadable, using empty basket", zap.String("key", key), zap.Error(err))
		}
		return newSnapshot(Basket{})
	}
	var items Basket
	if err := json.Unmarshal(raw, &items); err != nil {
		s.logger.Debug("basket slot malformed, using empty basket", zap.String("key", key), zap.Error(err))
		return newSnapshot(Basket{})
	}
	if items == nil {
		items = Basket{}
	}
	return newSnapshot(items)
}

func (s *Store) write(ctx context.Context, owner string, items Basket) (Snapshot, error) {
	if items == nil {
		items = Basket{}
	}
	data, err := encode(items)
	if err != nil {
		return Snapshot{}, err
	}
	if err := s.slots.Set(ctx, s.Key(owner), data); err != nil {
		return Snapshot{}, fmt.Errorf("saving basket: %w", err)
	}
	return Snapshot{Items: items, Version: versionOf(data)}, nil
}

func (s *Store) submit(ctx context.Context, cmd command) (commandResult, error) {
	cmd.ctx = ctx
	cmd.reply = make(chan commandResult, 1)

	select {
	case s.commands <- cmd:
	case <-ctx.Done():
		return commandResult{}, ctx.Err()
	case <-s.quit:
		return commandResult{}, errors.New("basket store is closed")
	case <-time.After(queueTimeout):
		return commandResult{}, errors.New("basket queue is busy")
	}

	select {
	case res := <-cmd.reply:
		return res, res.err
	case <-ctx.Done():
		return commandResult{}, ctx.Err()
	case <-time.After(queueTimeout):
		return commandResult{}, fmt.Errorf("basket %s timed out", cmd.action)
	}
}

// Load returns the persisted basket of owner. It never fails: storage errors
// and malformed values degrade to an empty basket.
func (s *Store) Load(ctx context.Context, owner string) Snapshot {
	res, err := s.submit(ctx, command{action: "load", owner: owner})
	if err != nil {
		s.logger.Debug("basket load degraded to empty", zap.String("owner", owner), zap.Error(err))
		return newSnapshot(Basket{})
	}
	return res.snapshot
}

// Save overwrites owner's slot with items. Last writer wins.
func (s *Store) Save(ctx context.Context, owner string, items Basket) (Snapshot, error) {
	for _, item := range items {
		if err := validate(item); err != nil {
			return Snapshot{}, err
		}
	}
	res, err := s.submit(ctx, command{action: "save", owner: owner, items: append(Basket(nil), items...)})
	return res.snapshot, err
}

// Add appends item to owner's basket and returns the stored line, with its
// line id assigned when it had none.
func (s *Store) Add(ctx context.Context, owner string, item LineItem) (LineItem, error) {
	item = normalize(item)
	if err := validate(item); err != nil {
		return LineItem{}, err
	}
	res, err := s.submit(ctx, command{action: "add", owner: owner, item: item})
	return res.item, err
}

// RemoveAt deletes the line at index from the freshly loaded basket. When
// version is not empty it must match the current version, otherwise
// ErrStaleSnapshot is returned and nothing changes.
func (s *Store) RemoveAt(ctx context.Context, owner string, index int, version string) (LineItem, error) {
	res, err := s.submit(ctx, command{action: "removeAt", owner: owner, index: index, version: version})
	return res.item, err
}

// RemoveLine deletes the line carrying lineID.
func (s *Store) RemoveLine(ctx context.Context, owner, lineID string) (LineItem, error) {
	res, err := s.submit(ctx, command{action: "removeLine", owner: owner, lineID: lineID})
	return res.item, err
}

// Clear empties owner's basket by deleting its slot; a later Load sees an
// empty basket with the version of an empty list.
func (s *Store) Clear(ctx context.Context, owner string) error {
	_, err := s.submit(ctx, command{action: "clear", owner: owner})
	return err
}

// Subscribe returns refresh events for owner's basket.
func (s *Store) Subscribe(owner string) (<-chan Event, func()) {
	return s.broker.Subscribe(owner)
}

// Broadcast asks every projection to re-render, e.g. after an external write.
func (s *Store) Broadcast(ev Event) {
	s.broker.Publish(ev)
}

// Close stops the goroutine to allow graceful shutdown.
func (s *Store) Close() {
	close(s.quit)
	<-s.done
}

func normalize(item LineItem) LineItem {
	item.Name = strings.TrimSpace(item.Name)
	if item.Name == "" {
		item.Name = PlaceholderName
	}
	item.Color = strings.TrimSpace(item.Color)
	item.Description = strings.TrimSpace(item.Description)
	item.ProductID = strings.TrimSpace(item.ProductID)
	return item
}

func validate(item LineItem) error {
	if math.IsNaN(item.Price) || math.IsInf(item.Price, 0) {
		return newValidationError("price must be a finite number")
	}
	if item.Price < 0 {
		return newValidationError("price must not be negative")
	}
	return nil
}

func encode(items Basket) ([]byte, error) {
	if items == nil {
		items = Basket{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("encoding basket: %w", err)
	}
	return data, nil
}

func newSnapshot(items Basket) Snapshot {
	data, err := encode(items)
	if err != nil {
		return Snapshot{Items: items}
	}
	return Snapshot{Items: items, Version: versionOf(data)}
}

func versionOf(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:16])
}

// Version computes the version a basket would have once persisted.
func Version(items Basket) string {
	return newSnapshot(items).Version
}
