package store

import "fmt"

// SQLiteStorage implements adapters.Storage on top of DB's two fixed
// tables.
type SQLiteStorage struct {
	db *DB
}

func NewSQLiteStorage(db *DB) *SQLiteStorage {
	return &SQLiteStorage{db: db}
}

func (s *SQLiteStorage) PutOutboxEntry(id string, data []byte) error {
	_, err := s.db.Exec(`INSERT INTO outbox (packet_id, data) VALUES (?, ?)
		ON CONFLICT(packet_id) DO UPDATE SET data = excluded.data`, id, data)
	if err != nil {
		return fmt.Errorf("put outbox entry: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) GetOutboxEntries() (map[string][]byte, error) {
	rows, err := s.db.Query(`SELECT packet_id, data FROM outbox`)
	if err != nil {
		return nil, fmt.Errorf("get outbox entries: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		out[id] = data
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) DeleteOutboxEntry(id string) error {
	if _, err := s.db.Exec(`DELETE FROM outbox WHERE packet_id = ?`, id); err != nil {
		return fmt.Errorf("delete outbox entry: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) PutUploadLedgerEntry(id string, deliveredAtISO string) error {
	_, err := s.db.Exec(`INSERT INTO upload_ledger (packet_id, delivered_at) VALUES (?, ?)
		ON CONFLICT(packet_id) DO UPDATE SET delivered_at = excluded.delivered_at`, id, deliveredAtISO)
	if err != nil {
		return fmt.Errorf("put upload ledger entry: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) GetUploadLedger() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT packet_id, delivered_at FROM upload_ledger`)
	if err != nil {
		return nil, fmt.Errorf("get upload ledger: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, deliveredAt string
		if err := rows.Scan(&id, &deliveredAt); err != nil {
			return nil, fmt.Errorf("scan upload ledger entry: %w", err)
		}
		out[id] = deliveredAt
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
