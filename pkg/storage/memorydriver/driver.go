// Package memorydriver provides a database/sql driver that keeps basket slots
// in memory and mirrors them to a JSON snapshot file.
package memorydriver

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// slotRecord keeps the raw persisted representation of one slot.
type slotRecord struct {
	Key       string    `json:"key"`
	Payload   string    `json:"payload"`
	UpdatedAt time.Time `json:"updated_at"`
}

// snapshot is the on-disk form, slots sorted by key.
type snapshot struct {
	Slots []slotRecord `json:"slots"`
}

// storeCommand is one request to the store goroutine.
type storeCommand struct {
	action string
	slot   slotRecord
	reply  chan storeResult
}

// storeResult transfers either the looked up slot, an affected count, or an error.
type storeResult struct {
	slots    []slotRecord
	affected int64
	err      error
}

// store keeps the slot map guarded by a dedicated goroutine.
type store struct {
	commands        chan storeCommand
	closed          chan struct{}
	done            chan struct{}
	persistRequests chan snapshot
	slots           map[string]slotRecord
	snapshotPath    string
	logger          *zap.Logger
}

// newStore loads the snapshot at path and starts the owner and writer goroutines.
func newStore(path string, logger *zap.Logger) (*store, error) {
	loaded, err := readSnapshot(path)
	if err != nil {
		return nil, err
	}
	s := &store{
		commands:        make(chan storeCommand, 32),
		closed:          make(chan struct{}),
		done:            make(chan struct{}, 2),
		persistRequests: make(chan snapshot, 1),
		slots:           make(map[string]slotRecord),
		snapshotPath:    path,
		logger:          logger,
	}
	if loaded != nil {
		for _, rec := range loaded.Slots {
			s.slots[rec.Key] = rec
		}
	}
	go s.loop()
	go s.persistenceLoop()
	return s, nil
}

// loop serializes every mutation and read request.
func (s *store) loop() {
	defer func() { s.done <- struct{}{} }()
	for {
		select {
		case cmd := <-s.commands:
			switch cmd.action {
			case "upsertSlot":
				if cmd.slot.UpdatedAt.IsZero() {
					cmd.slot.UpdatedAt = time.Now().UTC()
				}
				s.slots[cmd.slot.Key] = cmd.slot
				s.queuePersist()
				cmd.reply <- storeResult{affected: 1}
			case "getSlot":
				rec, ok := s.slots[cmd.slot.Key]
				if !ok {
					cmd.reply <- storeResult{}
					continue
				}
				cmd.reply <- storeResult{slots: []slotRecord{rec}}
			case "deleteSlot":
				if _, ok := s.slots[cmd.slot.Key]; !ok {
					cmd.reply <- storeResult{}
					continue
				}
				delete(s.slots, cmd.slot.Key)
				s.queuePersist()
				cmd.reply <- storeResult{affected: 1}
			case "noop":
				cmd.reply <- storeResult{}
			default:
				cmd.reply <- storeResult{err: fmt.Errorf("unsupported action %s", cmd.action)}
			}
		case <-s.closed:
			return
		}
	}
}

// persistenceLoop writes queued snapshots off the store goroutine.
func (s *store) persistenceLoop() {
	defer func() { s.done <- struct{}{} }()
	for {
		select {
		case snap := <-s.persistRequests:
			s.persist(snap)
		case <-s.closed:
			// Flush whatever is still queued so the last mutation reaches disk.
			select {
			case snap := <-s.persistRequests:
				s.persist(snap)
			default:
			}
			return
		}
	}
}

func (s *store) persist(snap snapshot) {
	if err := writeSnapshot(s.snapshotPath, snap); err != nil {
		s.logger.Warn("basket snapshot not written",
			zap.String("path", s.snapshotPath),
			zap.Int("slots", len(snap.Slots)),
			zap.Error(err))
	}
}

// queuePersist hands the writer the latest slots without blocking.
// Only the newest snapshot matters, so an unwritten older one is replaced.
func (s *store) queuePersist() {
	if s.snapshotPath == "" {
		return
	}
	snap := snapshot{Slots: sortedSlots(s.slots)}
	select {
	case s.persistRequests <- snap:
	default:
		select {
		case <-s.persistRequests:
		default:
		}
		s.persistRequests <- snap
	}
}

// close stops both goroutines and waits for the final flush.
func (s *store) close() {
	close(s.closed)
	<-s.done
	<-s.done
}

// Driver exposes one slot store as a database/sql driver.
type Driver struct {
	store *store
}

// Open returns a connection onto the driver's store; name is ignored.
func (d *Driver) Open(name string) (driver.Conn, error) {
	if d.store == nil {
		return nil, errors.New("memory driver store is not initialized")
	}
	return &conn{store: d.store}, nil
}

// conn holds no state of its own.
type conn struct {
	store *store
}

// Prepare recognizes the handful of statements sqlslots issues.
func (c *conn) Prepare(query string) (driver.Stmt, error) {
	trimmed := strings.TrimSpace(strings.ToLower(query))
	switch {
	case strings.HasPrefix(trimmed, "insert into slots"):
		return &stmt{store: c.store, query: "upsertSlot"}, nil
	case strings.HasPrefix(trimmed, "select") && strings.Contains(trimmed, "from slots"):
		return &stmt{store: c.store, query: "getSlot"}, nil
	case strings.HasPrefix(trimmed, "delete from slots"):
		return &stmt{store: c.store, query: "deleteSlot"}, nil
	case strings.HasPrefix(trimmed, "create table"):
		return &stmt{store: c.store, query: "noop"}, nil
	default:
		return nil, fmt.Errorf("unsupported query: %s", query)
	}
}

// Close does nothing; Register's cleanup stops the store.
func (c *conn) Close() error { return nil }

// Begin is not implemented because slot writes are single statements.
func (c *conn) Begin() (driver.Tx, error) {
	return nil, errors.New("transactions are not supported by the memory driver")
}

// stmt is a prepared statement; query holds the resolved action.
type stmt struct {
	store *store
	query string
}

func (s *stmt) Close() error { return nil }

// NumInput returns -1 so database/sql accepts any argument count.
func (s *stmt) NumInput() int { return -1 }

// Exec runs upserts, deletes and schema statements.
func (s *stmt) Exec(args []driver.Value) (driver.Result, error) {
	if s.query == "noop" {
		return execResult{}, nil
	}
	cmd := storeCommand{action: s.query, reply: make(chan storeResult, 1)}

	switch s.query {
	case "upsertSlot":
		if len(args) < 2 {
			return nil, fmt.Errorf("expected at least 2 arguments, got %d", len(args))
		}
		cmd.slot = slotRecord{Key: toString(args[0]), Payload: toString(args[1])}
		if len(args) > 2 {
			updated, err := toTime(args[2])
			if err != nil {
				return nil, err
			}
			cmd.slot.UpdatedAt = updated
		}
	case "deleteSlot":
		if len(args) < 1 {
			return nil, errors.New("expected key for delete")
		}
		cmd.slot = slotRecord{Key: toString(args[0])}
	default:
		return nil, fmt.Errorf("unsupported exec action %s", s.query)
	}

	res, err := s.roundTrip(cmd)
	if err != nil {
		return nil, err
	}
	return execResult{affected: res.affected}, nil
}

// Query looks up a single slot by key.
func (s *stmt) Query(args []driver.Value) (driver.Rows, error) {
	if s.query != "getSlot" {
		return nil, errors.New("query only supports slot lookup")
	}
	if len(args) < 1 {
		return nil, errors.New("expected key for lookup")
	}
	cmd := storeCommand{action: s.query, slot: slotRecord{Key: toString(args[0])}, reply: make(chan storeResult, 1)}
	res, err := s.roundTrip(cmd)
	if err != nil {
		return nil, err
	}
	return &rows{slots: res.slots}, nil
}

// roundTrip sends the command and waits for the reply, honoring a timeout to avoid blocking forever.
func (s *stmt) roundTrip(cmd storeCommand) (storeResult, error) {
	select {
	case s.store.commands <- cmd:
	case <-s.store.closed:
		return storeResult{}, errors.New("memory driver store is closed")
	case <-time.After(2 * time.Second):
		return storeResult{}, errors.New("timed out while enqueuing command")
	}
	select {
	case res := <-cmd.reply:
		if res.err != nil {
			return storeResult{}, res.err
		}
		return res, nil
	case <-time.After(2 * time.Second):
		return storeResult{}, errors.New("timed out waiting for memory driver")
	}
}

// execResult fulfills the driver.Result interface.
type execResult struct {
	affected int64
}

func (r execResult) LastInsertId() (int64, error) { return 0, nil }
func (r execResult) RowsAffected() (int64, error) { return r.affected, nil }

// rows iterates through looked up records.
type rows struct {
	slots []slotRecord
	index int
}

func (r *rows) Columns() []string { return []string{"payload"} }

func (r *rows) Close() error { return nil }

func (r *rows) Next(dest []driver.Value) error {
	if r.index >= len(r.slots) {
		return io.EOF
	}
	dest[0] = r.slots[r.index].Payload
	r.index++
	return nil
}

func toString(value driver.Value) string {
	switch v := value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

func toTime(value driver.Value) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v.UTC(), nil
	case nil:
		return time.Time{}, nil
	case string:
		if v == "" {
			return time.Time{}, nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, err
		}
		return parsed.UTC(), nil
	default:
		return time.Time{}, errors.New("unsupported time format")
	}
}

var registrations atomic.Int64

// Register installs a fresh driver instance backed by the snapshot at path and
// returns the name to pass to sql.Open. An empty path keeps slots in memory only.
// Failed snapshot writes are logged to logger, which may be nil.
// The cleanup func stops the store after flushing the final snapshot.
func Register(path string, logger *zap.Logger) (string, func(), error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	store, err := newStore(path, logger)
	if err != nil {
		return "", func() {}, err
	}
	driverName := fmt.Sprintf("basket-memory-%d", registrations.Add(1))
	sql.Register(driverName, &Driver{store: store})
	cleanup := func() {
		store.close()
	}
	return driverName, cleanup, nil
}

// DefaultPath resolves the snapshot location when none is configured.
func DefaultPath() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(cwd, "basket-slots.json"), nil
}

// readSnapshot returns an empty snapshot when path is empty or missing.
func readSnapshot(path string) (*snapshot, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot %s: %w", path, err)
	}
	return &snap, nil
}

// writeSnapshot persists the current state to disk through a temp file and rename.
func writeSnapshot(path string, snap snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	temp := path + ".tmp"
	if err := os.WriteFile(temp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(temp, path)
}

// sortedSlots copies the map into a key-ordered slice so snapshots are stable.
func sortedSlots(src map[string]slotRecord) []slotRecord {
	out := make([]slotRecord, 0, len(src))
	for _, rec := range src {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
