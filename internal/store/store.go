package store

import (
	"bytes"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/daverage/tracelens/internal/trace"
)

// NotFoundError is returned when a trace id is unknown to the store.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("trace %s not found", e.ID)
}

// Store owns all trace and step data. Every other entity in the system is
// derived and can be recomputed from here.
type Store struct {
	db     *DB
	logger *zap.Logger
}

// NewStore creates a trace store on top of an open database.
func NewStore(db *DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	MetadataKey   string
	MetadataValue string
	Limit         int
}

// Ingest validates and persists a trace, returning its id. Traces without an
// id are assigned one. A trace that fails validation is never partially
// stored.
func (s *Store) Ingest(t *trace.Trace) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}

	if t.ID == "" {
		t.ID = uuid.New().String()
	}

	metadataJSON, err := json.Marshal(orEmpty(t.Metadata))
	if err != nil {
		return "", fmt.Errorf("failed to serialize metadata: %w", err)
	}

	tx, err := s.db.conn.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO traces (id, step_count, dim, metadata)
		VALUES (?, ?, ?, ?)
	`, t.ID, len(t.Steps), t.Dim(), string(metadataJSON))
	if err != nil {
		return "", fmt.Errorf("failed to insert trace %s: %w", t.ID, err)
	}

	for i, step := range t.Steps {
		attendedJSON, err := json.Marshal(orEmptyWeights(step.Attended))
		if err != nil {
			return "", fmt.Errorf("failed to serialize step %d attention: %w", i, err)
		}
		externalJSON, err := json.Marshal(orEmptyWeights(step.External))
		if err != nil {
			return "", fmt.Errorf("failed to serialize step %d external refs: %w", i, err)
		}
		_, err = tx.Exec(`
			INSERT INTO steps (trace_id, idx, representation, attended, external_refs)
			VALUES (?, ?, ?, ?, ?)
		`, t.ID, i, EncodeVector(step.Representation), string(attendedJSON), string(externalJSON))
		if err != nil {
			return "", fmt.Errorf("failed to insert step %d of trace %s: %w", i, t.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}

	s.logger.Debug("Trace ingested",
		zap.String("trace_id", t.ID),
		zap.Int("steps", len(t.Steps)),
		zap.Int("dim", t.Dim()),
	)

	return t.ID, nil
}

// Get loads a trace by id.
func (s *Store) Get(id string) (*trace.Trace, error) {
	var metadataJSON string
	var stepCount, dim int
	err := s.db.conn.QueryRow(`
		SELECT step_count, dim, metadata FROM traces WHERE id = ?
	`, id).Scan(&stepCount, &dim, &metadataJSON)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query trace %s: %w", id, err)
	}

	t := &trace.Trace{ID: id}
	if err := json.Unmarshal([]byte(metadataJSON), &t.Metadata); err != nil {
		return nil, fmt.Errorf("failed to parse metadata for trace %s: %w", id, err)
	}

	rows, err := s.db.conn.Query(`
		SELECT representation, attended, external_refs
		FROM steps WHERE trace_id = ? ORDER BY idx
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps for trace %s: %w", id, err)
	}
	defer rows.Close()

	t.Steps = make([]trace.Step, 0, stepCount)
	for rows.Next() {
		var blob []byte
		var attendedJSON, externalJSON string
		if err := rows.Scan(&blob, &attendedJSON, &externalJSON); err != nil {
			return nil, err
		}

		step := trace.Step{}
		step.Representation, err = DecodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("failed to decode step representation for trace %s: %w", id, err)
		}
		if err := json.Unmarshal([]byte(attendedJSON), &step.Attended); err != nil {
			return nil, fmt.Errorf("failed to parse step attention for trace %s: %w", id, err)
		}
		if err := json.Unmarshal([]byte(externalJSON), &step.External); err != nil {
			return nil, fmt.Errorf("failed to parse step external refs for trace %s: %w", id, err)
		}
		t.Steps = append(t.Steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return t, nil
}

// List returns ids of stored traces matching the filter, ordered by
// insertion time then id so repeated calls are restartable and stable.
func (s *Store) List(f Filter) ([]string, error) {
	query := `SELECT id, metadata FROM traces ORDER BY created_at, id`
	rows, err := s.db.conn.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list traces: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id, metadataJSON string
		if err := rows.Scan(&id, &metadataJSON); err != nil {
			return nil, err
		}
		if f.MetadataKey != "" {
			var metadata map[string]string
			if err := json.Unmarshal([]byte(metadataJSON), &metadata); err != nil {
				continue
			}
			if metadata[f.MetadataKey] != f.MetadataValue {
				continue
			}
		}
		ids = append(ids, id)
		if f.Limit > 0 && len(ids) >= f.Limit {
			break
		}
	}
	return ids, rows.Err()
}

// GetAll loads every trace matching the filter, in List order.
func (s *Store) GetAll(f Filter) ([]*trace.Trace, error) {
	ids, err := s.List(f)
	if err != nil {
		return nil, err
	}
	traces := make([]*trace.Trace, 0, len(ids))
	for _, id := range ids {
		t, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		traces = append(traces, t)
	}
	return traces, nil
}

// Count returns the number of stored traces.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.conn.QueryRow(`SELECT COUNT(*) FROM traces`).Scan(&n)
	return n, err
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func orEmptyWeights(m map[int]float64) map[int]float64 {
	if m == nil {
		return map[int]float64{}
	}
	return m
}

// EncodeVector converts a float32 slice to a little-endian blob with a
// leading dimension count.
func EncodeVector(v []float32) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint32(len(v)))
	for _, val := range v {
		binary.Write(buf, binary.LittleEndian, val)
	}
	return buf.Bytes()
}

// DecodeVector converts a blob back to a float32 slice.
func DecodeVector(data []byte) ([]float32, error) {
	buf := bytes.NewReader(data)

	var dim uint32
	if err := binary.Read(buf, binary.LittleEndian, &dim); err != nil {
		return nil, err
	}

	v := make([]float32, dim)
	for i := uint32(0); i < dim; i++ {
		if err := binary.Read(buf, binary.LittleEndian, &v[i]); err != nil {
			return nil, err
		}
	}
	return v, nil
}
