package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ssargent/skalddb/pkg/codec"
	"github.com/ssargent/skalddb/pkg/engine"
)

const (
	maxBodyBytes     = 64 << 20
	defaultScanLimit = 1000
	maxScanLimit     = 100000
)

func hidden(name string) bool { return strings.HasPrefix(name, "_") }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := s.db.Stats(); err != nil {
		sendError(w, "unhealthy: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	sendSuccess(w, map[string]string{"status": "healthy"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.db.Stats()
	if err != nil {
		sendEngineError(w, err)
		return
	}
	sendSuccess(w, stats)
}

func (s *Server) tableInfo(t *engine.Table) (TableInfo, error) {
	stats, err := s.db.Stats()
	if err != nil {
		return TableInfo{}, err
	}
	info := TableInfo{TableDefinition: DefinitionFromSchema(t.Name(), t.Schema())}
	for _, ts := range stats.Tables {
		if ts.Name == t.Name() {
			info.Rows = ts.Rows
			info.Bytes = ts.Bytes
		}
	}
	return info, nil
}

func (s *Server) handleListTables(w http.ResponseWriter, r *http.Request) {
	out := []TableInfo{}
	for _, t := range s.db.Tables() {
		if hidden(t.Name()) {
			continue
		}
		info, err := s.tableInfo(t)
		if err != nil {
			sendEngineError(w, err)
			return
		}
		out = append(out, info)
	}
	sendSuccess(w, out)
}

func (s *Server) handleCreateTable(w http.ResponseWriter, r *http.Request) {
	var def TableDefinition
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&def); err != nil {
		sendError(w, "Invalid JSON in request body", http.StatusBadRequest)
		return
	}
	if hidden(def.Name) {
		sendError(w, "Table names starting with _ are reserved", http.StatusBadRequest)
		return
	}
	schema, err := SchemaFromDefinition(def)
	if err != nil {
		sendEngineError(w, err)
		return
	}
	t, err := s.db.CreateTable(def.Name, schema)
	if err != nil {
		sendEngineError(w, err)
		return
	}
	info, err := s.tableInfo(t)
	if err != nil {
		sendEngineError(w, err)
		return
	}
	sendStatus(w, http.StatusCreated, info)
}

// table resolves the {table} URL parameter, writing the error response
// when it fails.
func (s *Server) table(w http.ResponseWriter, r *http.Request) (*engine.Table, bool) {
	name := chi.URLParam(r, "table")
	if hidden(name) {
		sendError(w, fmt.Sprintf("%v: %s", engine.ErrUnknownTable, name), http.StatusNotFound)
		return nil, false
	}
	t, err := s.db.Table(name)
	if err != nil {
		sendEngineError(w, err)
		return nil, false
	}
	return t, true
}

func (s *Server) handleGetTable(w http.ResponseWriter, r *http.Request) {
	t, ok := s.table(w, r)
	if !ok {
		return
	}
	info, err := s.tableInfo(t)
	if err != nil {
		sendEngineError(w, err)
		return
	}
	sendSuccess(w, info)
}

func (s *Server) handleScanRows(w http.ResponseWriter, r *http.Request) {
	t, ok := s.table(w, r)
	if !ok {
		return
	}
	limit := defaultScanLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxScanLimit {
			sendError(w, fmt.Sprintf("limit must be between 1 and %d", maxScanLimit), http.StatusBadRequest)
			return
		}
		limit = n
	}

	res := ScanResult{Rows: []json.RawMessage{}}
	for row, err := range t.Scan() {
		if err != nil {
			sendEngineError(w, err)
			return
		}
		if len(res.Rows) == limit {
			res.Truncated = true
			break
		}
		doc, err := RowToJSON(t.Schema(), row)
		if err != nil {
			sendEngineError(w, err)
			return
		}
		res.Rows = append(res.Rows, doc)
	}
	sendSuccess(w, res)
}

func (s *Server) pathKey(w http.ResponseWriter, r *http.Request, t *engine.Table) (codec.Value, bool) {
	key, err := ParseKey(t.Schema().KeyField(), chi.URLParam(r, "key"))
	if err != nil {
		sendEngineError(w, err)
		return codec.Value{}, false
	}
	return key, true
}

func (s *Server) handleGetRow(w http.ResponseWriter, r *http.Request) {
	t, ok := s.table(w, r)
	if !ok {
		return
	}
	key, ok := s.pathKey(w, r, t)
	if !ok {
		return
	}
	row, err := t.Get(key)
	if err != nil {
		sendEngineError(w, err)
		return
	}
	doc, err := RowToJSON(t.Schema(), row)
	if err != nil {
		sendEngineError(w, err)
		return
	}
	sendSuccess(w, doc)
}

// handlePutRow upserts one row. The row's key field must match the path.
func (s *Server) handlePutRow(w http.ResponseWriter, r *http.Request) {
	t, ok := s.table(w, r)
	if !ok {
		return
	}
	key, ok := s.pathKey(w, r, t)
	if !ok {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		sendError(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	row, err := RowFromJSON(t.Schema(), body)
	if err != nil {
		sendEngineError(w, err)
		return
	}
	if got := t.Schema().RowKey(row); !got.Equal(key) {
		sendError(w, fmt.Sprintf("%v: path key %s, row key %s", engine.ErrKeyMismatch, key, got), http.StatusConflict)
		return
	}

	id, err := s.commit(func(tx *engine.Transaction) error { return t.Upsert(tx, row) })
	if err != nil {
		sendEngineError(w, err)
		return
	}
	sendSuccess(w, TransactionResult{ID: id, Operations: 1})
}

func (s *Server) handleDeleteRow(w http.ResponseWriter, r *http.Request) {
	t, ok := s.table(w, r)
	if !ok {
		return
	}
	key, ok := s.pathKey(w, r, t)
	if !ok {
		return
	}
	id, err := s.commit(func(tx *engine.Transaction) error { return t.Delete(tx, key) })
	if err != nil {
		sendEngineError(w, err)
		return
	}
	sendSuccess(w, TransactionResult{ID: id, Operations: 1})
}

// commit runs stage in a fresh transaction and commits it.
func (s *Server) commit(stage func(*engine.Transaction) error) (string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", err
	}
	if err := stage(tx); err != nil {
		_ = tx.Rollback()
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return tx.ID(), nil
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	var req TransactionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		sendError(w, "Invalid JSON in request body", http.StatusBadRequest)
		return
	}
	if len(req.Operations) == 0 {
		sendError(w, "Transaction has no operations", http.StatusBadRequest)
		return
	}

	id, err := s.commit(func(tx *engine.Transaction) error {
		for i, op := range req.Operations {
			if err := s.stage(tx, op); err != nil {
				return fmt.Errorf("operation %d (%s %s): %w", i, op.Op, op.Table, err)
			}
		}
		return nil
	})
	if err != nil {
		sendEngineError(w, err)
		return
	}
	sendSuccess(w, TransactionResult{ID: id, Operations: len(req.Operations)})
}

func (s *Server) stage(tx *engine.Transaction, op Operation) error {
	if hidden(op.Table) {
		return fmt.Errorf("%w: %s", engine.ErrUnknownTable, op.Table)
	}
	t, err := s.db.Table(op.Table)
	if err != nil {
		return err
	}
	keyOf := func() (codec.Value, error) {
		if op.Key == "" {
			return codec.Value{}, fmt.Errorf("%w: %s needs a key", errBadRequest, op.Op)
		}
		return ParseKey(t.Schema().KeyField(), op.Key)
	}

	switch op.Op {
	case "insert", "upsert":
		row, err := RowFromJSON(t.Schema(), op.Row)
		if err != nil {
			return err
		}
		if op.Op == "insert" {
			return t.Insert(tx, row)
		}
		return t.Upsert(tx, row)
	case "update":
		key, err := keyOf()
		if err != nil {
			return err
		}
		row, err := RowFromJSON(t.Schema(), op.Row)
		if err != nil {
			return err
		}
		return t.Update(tx, key, row)
	case "delete":
		key, err := keyOf()
		if err != nil {
			return err
		}
		return t.Delete(tx, key)
	}
	return fmt.Errorf("%w: unknown op %q", errBadRequest, op.Op)
}

// handleExport streams every row as a sequence of BSON documents.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	t, ok := s.table(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/bson")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", t.Name()+".bson"))

	dw := codec.NewDocumentWriter(w, t.Schema())
	n := 0
	for row, err := range t.Scan() {
		if err == nil {
			err = dw.Write(row)
		}
		if err != nil {
			// Headers are gone; the client sees a truncated stream.
			s.log.Error("export failed", zap.String("table", t.Name()), zap.Int("rows", n), zap.Error(err))
			return
		}
		n++
	}
	s.log.Info("table exported", zap.String("table", t.Name()), zap.Int("rows", n))
}

// handleImport reads a BSON document stream and commits every row in one
// transaction. ?mode=upsert replaces existing rows instead of failing.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	t, ok := s.table(w, r)
	if !ok {
		return
	}
	stage := t.Insert
	switch mode := r.URL.Query().Get("mode"); mode {
	case "", "insert":
	case "upsert":
		stage = t.Upsert
	default:
		sendError(w, fmt.Sprintf("unknown import mode %q", mode), http.StatusBadRequest)
		return
	}

	start := time.Now()
	n := 0
	_, err := s.commit(func(tx *engine.Transaction) error {
		dr := codec.NewDocumentReader(http.MaxBytesReader(w, r.Body, maxBodyBytes), t.Schema())
		for {
			row, err := dr.Next()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("document %d: %w", n, err)
			}
			if err := stage(tx, row); err != nil {
				return fmt.Errorf("document %d: %w", n, err)
			}
			n++
		}
	})
	if err != nil {
		sendEngineError(w, err)
		return
	}
	s.log.Info("table imported",
		zap.String("table", t.Name()),
		zap.Int("rows", n),
		zap.Duration("duration", time.Since(start)),
	)
	sendSuccess(w, ImportResult{Table: t.Name(), Rows: n})
}

func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	if s.keys == nil {
		sendError(w, "Key store not configured", http.StatusNotImplemented)
		return
	}
	var req CreateKeyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		sendError(w, "Invalid JSON in request body", http.StatusBadRequest)
		return
	}
	var ttl time.Duration
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil || d <= 0 {
			sendError(w, "ttl must be a positive duration", http.StatusBadRequest)
			return
		}
		ttl = d
	}
	key, err := s.keys.Create(req.Description, ttl)
	if err != nil {
		sendEngineError(w, err)
		return
	}
	sendStatus(w, http.StatusCreated, key)
}

func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	if s.keys == nil {
		sendSuccess(w, []APIKey{})
		return
	}
	keys, err := s.keys.List()
	if err != nil {
		sendEngineError(w, err)
		return
	}
	sendSuccess(w, keys)
}

func (s *Server) handleGetAPIKey(w http.ResponseWriter, r *http.Request) {
	if s.keys == nil {
		sendError(w, "API key not found", http.StatusNotFound)
		return
	}
	key, err := s.keys.Get(chi.URLParam(r, "id"))
	if err != nil {
		sendEngineError(w, err)
		return
	}
	sendSuccess(w, key)
}

func (s *Server) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	if s.keys == nil {
		sendError(w, "API key not found", http.StatusNotFound)
		return
	}
	if err := s.keys.Revoke(chi.URLParam(r, "id")); err != nil {
		sendEngineError(w, err)
		return
	}
	sendSuccess(w, map[string]string{"message": "API key revoked"})
}

func (s *Server) handleDeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	if s.keys == nil {
		sendError(w, "API key not found", http.StatusNotFound)
		return
	}
	if err := s.keys.Delete(chi.URLParam(r, "id")); err != nil {
		sendEngineError(w, err)
		return
	}
	sendSuccess(w, map[string]string{"message": "API key deleted"})
}
