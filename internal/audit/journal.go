// Package audit keeps a tamper-evident journal of broker state transitions.
// Each entry carries the hash of the previous one, so any edit to the stored
// history breaks the chain.
//
// The journal is a trail for operators; nothing is restored from it when the
// broker starts.
package audit

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	_ "github.com/mattn/go-sqlite3"

	"github.com/vmsbus/vms-server/internal/vms"
)

var log = logging.Logger("vms-audit")

// Event types
const (
	EventTypeAvailabilityChange = "availability.change"
	EventTypeSubscriptionChange = "subscription.change"
	EventTypePublisherRegister  = "publisher.register"
	EventTypeClientRegister     = "client.register"
	EventTypeClientUnregister   = "client.unregister"
)

// Components that own a sequence number.
const (
	ComponentResolver = "resolver"
	ComponentRouter   = "router"
	ComponentRegistry = "registry"
	ComponentBroker   = "broker"
)

var (
	ErrLogTampered   = errors.New("audit journal tampering detected")
	ErrEntryNotFound = errors.New("journal entry not found")
)

const (
	JournalDBFile = "journal.db"

	GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"
)

// Entry is a single journal record.
type Entry struct {
	ID           int64     `json:"id" yaml:"id"`
	Timestamp    time.Time `json:"timestamp" yaml:"timestamp"`
	EventType    string    `json:"event_type" yaml:"event_type"`
	Component    string    `json:"component" yaml:"component"`
	Sequence     int       `json:"sequence" yaml:"sequence"`
	Description  string    `json:"description" yaml:"description"`
	Details      string    `json:"details,omitempty" yaml:"details,omitempty"` // JSON encoded
	PreviousHash string    `json:"previous_hash" yaml:"previous_hash"`
	EntryHash    string    `json:"entry_hash" yaml:"entry_hash"`
}

// Journal writes hash-linked entries to sqlite.
type Journal struct {
	db       *sql.DB
	dbPath   string
	lastHash string
	lastID   int64
	mu       sync.Mutex
}

// Open opens or creates the journal under basePath.
func Open(basePath string) (*Journal, error) {
	if err := os.MkdirAll(basePath, 0700); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	dbPath := filepath.Join(basePath, JournalDBFile)
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}

	j := &Journal{
		db:       db,
		dbPath:   dbPath,
		lastHash: GenesisHash,
	}

	if err := j.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize journal database: %w", err)
	}

	if err := j.loadLastHash(); err != nil {
		log.Warnf("Failed to load last hash: %v", err)
	}

	return j, nil
}

func (j *Journal) initDB() error {
	_, err := j.db.Exec(`
		CREATE TABLE IF NOT EXISTS transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			component TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			description TEXT NOT NULL,
			details TEXT,
			previous_hash TEXT NOT NULL,
			entry_hash TEXT NOT NULL UNIQUE
		)
	`)
	if err != nil {
		return err
	}

	_, err = j.db.Exec(`CREATE INDEX IF NOT EXISTS idx_transitions_event_type ON transitions(event_type)`)
	if err != nil {
		return err
	}
	_, err = j.db.Exec(`CREATE INDEX IF NOT EXISTS idx_transitions_component ON transitions(component, sequence)`)
	return err
}

func (j *Journal) loadLastHash() error {
	var hash string
	var id int64
	err := j.db.QueryRow(`
		SELECT id, entry_hash FROM transitions ORDER BY id DESC LIMIT 1
	`).Scan(&id, &hash)

	if err == sql.ErrNoRows {
		j.lastHash = GenesisHash
		j.lastID = 0
		return nil
	} else if err != nil {
		return err
	}

	j.lastHash = hash
	j.lastID = id
	return nil
}

// Record appends an entry for a transition of component to sequence.
func (j *Journal) Record(eventType, component string, sequence int, description string, details map[string]interface{}) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	timestamp := time.Now().UTC()

	var detailsJSON string
	if details != nil {
		data, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("failed to marshal details: %w", err)
		}
		detailsJSON = string(data)
	}

	entry := Entry{
		Timestamp:    timestamp,
		EventType:    eventType,
		Component:    component,
		Sequence:     sequence,
		Description:  description,
		Details:      detailsJSON,
		PreviousHash: j.lastHash,
	}
	entry.EntryHash = computeEntryHash(entry)

	result, err := j.db.Exec(`
		INSERT INTO transitions (timestamp, event_type, component, sequence,
			description, details, previous_hash, entry_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, timestamp.UnixNano(), eventType, component, sequence,
		description, detailsJSON, j.lastHash, entry.EntryHash)
	if err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}

	id, _ := result.LastInsertId()
	j.lastID = id
	j.lastHash = entry.EntryHash

	log.Debugf("Journal: [%s] %s#%d - %s", eventType, component, sequence, description)
	return nil
}

func computeEntryHash(e Entry) string {
	data := fmt.Sprintf("%d|%s|%s|%d|%s|%s|%s",
		e.Timestamp.UnixNano(), e.EventType, e.Component, e.Sequence,
		e.Description, e.Details, e.PreviousHash)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// VerifyChain walks every entry in order and recomputes the hashes.
func (j *Journal) VerifyChain() (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.Query(`
		SELECT id, timestamp, event_type, component, sequence, description,
			details, previous_hash, entry_hash
		FROM transitions ORDER BY id ASC
	`)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	expectedPrevHash := GenesisHash
	var count int

	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return false, fmt.Errorf("failed to scan entry: %w", err)
		}

		if entry.PreviousHash != expectedPrevHash {
			log.Errorf("Chain break at entry %d: expected prev hash %s, got %s",
				entry.ID, expectedPrevHash, entry.PreviousHash)
			return false, ErrLogTampered
		}

		if computed := computeEntryHash(entry); entry.EntryHash != computed {
			log.Errorf("Hash mismatch at entry %d: stored %s, computed %s",
				entry.ID, entry.EntryHash, computed)
			return false, ErrLogTampered
		}

		expectedPrevHash = entry.EntryHash
		count++
	}
	if err := rows.Err(); err != nil {
		return false, err
	}

	log.Infof("Journal chain verified: %d entries, integrity OK", count)
	return true, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var entry Entry
	var timestamp int64
	var details sql.NullString

	err := row.Scan(&entry.ID, &timestamp, &entry.EventType, &entry.Component,
		&entry.Sequence, &entry.Description, &details,
		&entry.PreviousHash, &entry.EntryHash)
	if err != nil {
		return Entry{}, err
	}

	entry.Timestamp = time.Unix(0, timestamp).UTC()
	if details.Valid {
		entry.Details = details.String
	}
	return entry, nil
}

// QueryOptions filters journal queries.
type QueryOptions struct {
	EventType string
	Component string
	Since     time.Time
	Limit     int
	Offset    int
}

// Query returns matching entries, newest first.
func (j *Journal) Query(opts QueryOptions) ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	query := `
		SELECT id, timestamp, event_type, component, sequence, description,
			details, previous_hash, entry_hash
		FROM transitions WHERE 1=1
	`
	var args []interface{}

	if opts.EventType != "" {
		query += " AND event_type = ?"
		args = append(args, opts.EventType)
	}
	if opts.Component != "" {
		query += " AND component = ?"
		args = append(args, opts.Component)
	}
	if !opts.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, opts.Since.UnixNano())
	}

	query += " ORDER BY id DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
		if opts.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", opts.Offset)
		}
	}

	rows, err := j.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// GetEntry returns the entry with the given id.
func (j *Journal) GetEntry(id int64) (*Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry, err := scanEntry(j.db.QueryRow(`
		SELECT id, timestamp, event_type, component, sequence, description,
			details, previous_hash, entry_hash
		FROM transitions WHERE id = ?
	`, id))
	if err == sql.ErrNoRows {
		return nil, ErrEntryNotFound
	} else if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Count returns the number of entries.
func (j *Journal) Count() (int64, error) {
	var count int64
	err := j.db.QueryRow("SELECT COUNT(*) FROM transitions").Scan(&count)
	return count, err
}

// LastHash returns the hash of the most recent entry.
func (j *Journal) LastHash() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastHash
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// RecordAvailability journals a resolver snapshot.
func (j *Journal) RecordAvailability(a vms.AvailableLayers) error {
	layers := make([]string, 0, len(a.AssociatedLayers))
	for _, al := range a.AssociatedLayers {
		layers = append(layers, al.Layer.String())
	}
	return j.Record(EventTypeAvailabilityChange, ComponentResolver, a.Sequence,
		fmt.Sprintf("%d layers available", len(a.AssociatedLayers)),
		map[string]interface{}{"layers": layers})
}

// RecordSubscriptions journals a router snapshot.
func (j *Journal) RecordSubscriptions(s vms.SubscriptionState) error {
	layers := make([]string, 0, len(s.Layers))
	for _, l := range s.Layers {
		layers = append(layers, l.String())
	}
	return j.Record(EventTypeSubscriptionChange, ComponentRouter, s.Sequence,
		fmt.Sprintf("%d layers subscribed", len(s.Layers)),
		map[string]interface{}{"layers": layers})
}

// RecordPublisher journals a publisher id assignment.
func (j *Journal) RecordPublisher(id int, infoCID string) error {
	return j.Record(EventTypePublisherRegister, ComponentRegistry, id,
		fmt.Sprintf("Publisher %d registered", id),
		map[string]interface{}{"info_cid": infoCID})
}

// RecordClient journals a client joining or leaving the broker.
func (j *Journal) RecordClient(id vms.SubscriberID, registered bool) error {
	eventType := EventTypeClientRegister
	description := fmt.Sprintf("Client %s registered", id)
	if !registered {
		eventType = EventTypeClientUnregister
		description = fmt.Sprintf("Client %s unregistered", id)
	}
	return j.Record(eventType, ComponentBroker, 0, description, nil)
}
