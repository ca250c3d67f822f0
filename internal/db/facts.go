package db

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/netplay-project/netplay/internal/facts"
)

// FactsDatabase stores fact keys per profile. A profile is one player on
// one server, so switching servers does not leak picked items across them.
type FactsDatabase struct {
	db      *Database
	profile string
}

// FactRecord is one stored fact.
type FactRecord struct {
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
}

// NewFactsDatabase opens the database at dbPath and prepares the schema.
func NewFactsDatabase(dbPath, profile string) (*FactsDatabase, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	fdb := &FactsDatabase{db: database, profile: profile}

	if err := fdb.migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate facts database: %w", err)
	}

	return fdb, nil
}

// ProfileKey builds the profile name used to partition facts.
func ProfileKey(username, host string, port int) string {
	return fmt.Sprintf("%s@%s:%d", username, host, port)
}

func (fdb *FactsDatabase) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS facts (
			profile TEXT NOT NULL,
			key TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (profile, key)
		);

		CREATE INDEX IF NOT EXISTS idx_facts_profile ON facts(profile);

		CREATE TABLE IF NOT EXISTS pending_facts (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			profile TEXT NOT NULL,
			key TEXT NOT NULL,
			frame TEXT NOT NULL,
			UNIQUE (profile, key)
		);
	`

	_, err := fdb.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (fdb *FactsDatabase) Close() error {
	return fdb.db.Close()
}

// Profile returns the profile this store reads and writes.
func (fdb *FactsDatabase) Profile() string {
	return fdb.profile
}

// SaveFact records key. Saving an existing key is a no-op.
func (fdb *FactsDatabase) SaveFact(key string) error {
	_, err := fdb.db.Exec(
		"INSERT OR IGNORE INTO facts (profile, key) VALUES (?, ?)",
		fdb.profile, key,
	)
	if err != nil {
		return fmt.Errorf("failed to save fact %s: %w", key, err)
	}
	return nil
}

// ReplaceFacts makes keys the complete fact set of the profile.
func (fdb *FactsDatabase) ReplaceFacts(keys []string) error {
	err := fdb.db.Transaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM facts WHERE profile = ?", fdb.profile); err != nil {
			return err
		}

		stmt, err := tx.Prepare("INSERT OR IGNORE INTO facts (profile, key) VALUES (?, ?)")
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, key := range keys {
			if _, err := stmt.Exec(fdb.profile, key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to replace facts: %w", err)
	}

	log.Debug().Str("profile", fdb.profile).Int("count", len(keys)).Msg("fact snapshot stored")
	return nil
}

// LoadFacts returns the profile's keys in sorted order.
func (fdb *FactsDatabase) LoadFacts() ([]string, error) {
	records, err := fdb.Records()
	if err != nil {
		return nil, err
	}

	keys := make([]string, len(records))
	for i, r := range records {
		keys[i] = r.Key
	}
	sort.Strings(keys)
	return keys, nil
}

// Records returns every stored fact with its creation time, oldest first.
func (fdb *FactsDatabase) Records() ([]FactRecord, error) {
	rows, err := fdb.db.Query(
		"SELECT key, created_at FROM facts WHERE profile = ? ORDER BY created_at, key",
		fdb.profile,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query facts: %w", err)
	}
	defer rows.Close()

	var records []FactRecord
	for rows.Next() {
		var (
			r       FactRecord
			created interface{}
		)
		if err := rows.Scan(&r.Key, &created); err != nil {
			return nil, fmt.Errorf("failed to scan fact: %w", err)
		}
		r.CreatedAt = parseTimestamp(created)
		records = append(records, r)
	}
	return records, rows.Err()
}

// SavePending journals an outstanding fact with the frame that reports it.
func (fdb *FactsDatabase) SavePending(key, frame string) error {
	_, err := fdb.db.Exec(
		"INSERT OR REPLACE INTO pending_facts (profile, key, frame) VALUES (?, ?, ?)",
		fdb.profile, key, frame,
	)
	if err != nil {
		return fmt.Errorf("failed to journal fact %s: %w", key, err)
	}
	return nil
}

// DeletePending drops facts the server has confirmed.
func (fdb *FactsDatabase) DeletePending(keys []string) error {
	err := fdb.db.Transaction(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare("DELETE FROM pending_facts WHERE profile = ? AND key = ?")
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, key := range keys {
			if _, err := stmt.Exec(fdb.profile, key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to clear pending facts: %w", err)
	}
	return nil
}

// LoadPending returns the journaled facts in the order they were reported.
func (fdb *FactsDatabase) LoadPending() ([]facts.PendingFact, error) {
	rows, err := fdb.db.Query(
		"SELECT key, frame FROM pending_facts WHERE profile = ? ORDER BY seq",
		fdb.profile,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending facts: %w", err)
	}
	defer rows.Close()

	var pending []facts.PendingFact
	for rows.Next() {
		var p facts.PendingFact
		if err := rows.Scan(&p.Key, &p.Frame); err != nil {
			return nil, fmt.Errorf("failed to scan pending fact: %w", err)
		}
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

// Count returns the number of stored facts for the profile.
func (fdb *FactsDatabase) Count() (int, error) {
	var n int
	err := fdb.db.QueryRow("SELECT COUNT(*) FROM facts WHERE profile = ?", fdb.profile).Scan(&n)
	return n, err
}

// parseTimestamp accepts both the driver's time.Time and SQLite's
// CURRENT_TIMESTAMP text form.
func parseTimestamp(v interface{}) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		if parsed, err := time.Parse("2006-01-02 15:04:05", t); err == nil {
			return parsed
		}
	case []byte:
		return parseTimestamp(string(t))
	}
	return time.Time{}
}

// MaintenanceReport summarizes one Maintain run.
type MaintenanceReport struct {
	Facts      int
	SizeBefore int64
	SizeAfter  int64
	Duration   time.Duration
}

// Maintain checkpoints the database and reports its size.
func (fdb *FactsDatabase) Maintain() (MaintenanceReport, error) {
	start := time.Now()
	report := MaintenanceReport{SizeBefore: fdb.db.Size()}

	if err := fdb.db.Checkpoint(); err != nil {
		return report, err
	}

	n, err := fdb.Count()
	if err != nil {
		return report, fmt.Errorf("failed to count facts: %w", err)
	}
	report.Facts = n
	report.SizeAfter = fdb.db.Size()
	report.Duration = time.Since(start)
	return report, nil
}
