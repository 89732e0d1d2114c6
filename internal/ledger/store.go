// Package ledger keeps the record of paid uploads per wallet and the log of
// charges that were settled but not served.
package ledger

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis keys.
const (
	recordKeyFmt = "ledger:upload:%s"
	walletKeyFmt = "ledger:wallet:%s"
)

// MaxExport bounds how many records one export returns.
const MaxExport = 10000

// Record is one paid upload.
type Record struct {
	ID        string    `json:"record_id"`
	Wallet    string    `json:"wallet_address"`
	ContentID string    `json:"content_id"`
	URL       string    `json:"url"`
	Type      string    `json:"type"`
	Encrypted bool      `json:"encrypted"`
	SizeBytes int64     `json:"size_bytes"`
	CostUSD   float64   `json:"cost_usd"`
	CreatedAt time.Time `json:"created_at"`
}

// Entry is the public view of a Record, keyed by the stored object's ID.
type Entry struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Type      string    `json:"type"`
	Encrypted bool      `json:"encrypted"`
	SizeBytes int64     `json:"size_bytes"`
	CostUSD   float64   `json:"cost_usd"`
	CreatedAt time.Time `json:"created_at"`
}

func (r Record) Entry() Entry {
	return Entry{
		ID:        r.ContentID,
		URL:       r.URL,
		Type:      r.Type,
		Encrypted: r.Encrypted,
		SizeBytes: r.SizeBytes,
		CostUSD:   r.CostUSD,
		CreatedAt: r.CreatedAt,
	}
}

// Store persists records in Redis: one JSON value per record and a sorted
// set per wallet scored by creation time.
type Store struct {
	rdb *redis.Client
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func walletKey(wallet string) string {
	return fmt.Sprintf(walletKeyFmt, strings.ToLower(wallet))
}

// Save writes r, assigning an ID and timestamp when missing. Saving the same
// ID twice overwrites the first copy.
func (s *Store) Save(ctx context.Context, r *Record) error {
	if r.Wallet == "" {
		return fmt.Errorf("ledger: record has no wallet")
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, fmt.Sprintf(recordKeyFmt, r.ID), raw, 0)
		pipe.ZAdd(ctx, walletKey(r.Wallet), redis.Z{
			Score:  float64(r.CreatedAt.UnixMilli()),
			Member: r.ID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("ledger: save %s: %w", r.ID, err)
	}
	return nil
}

// List returns a wallet's records, newest first.
func (s *Store) List(ctx context.Context, wallet string, limit, offset int) ([]Record, error) {
	if limit <= 0 || offset < 0 {
		return []Record{}, nil
	}
	ids, err := s.rdb.ZRevRange(ctx, walletKey(wallet), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("ledger: list %s: %w", wallet, err)
	}
	if len(ids) == 0 {
		return []Record{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = fmt.Sprintf(recordKeyFmt, id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("ledger: load records: %w", err)
	}
	out := make([]Record, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var r Record
		if err := json.Unmarshal([]byte(str), &r); err != nil {
			return nil, fmt.Errorf("ledger: decode record %s: %w", ids[i], err)
		}
		out = append(out, r)
	}
	return out, nil
}

// Count returns how many records a wallet has.
func (s *Store) Count(ctx context.Context, wallet string) (int64, error) {
	n, err := s.rdb.ZCard(ctx, walletKey(wallet)).Result()
	if err != nil {
		return 0, fmt.Errorf("ledger: count %s: %w", wallet, err)
	}
	return n, nil
}

// Export returns up to MaxExport of a wallet's entries, newest first.
func (s *Store) Export(ctx context.Context, wallet string) ([]Entry, error) {
	records, err := s.List(ctx, wallet, MaxExport, 0)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, len(records))
	for i, r := range records {
		entries[i] = r.Entry()
	}
	return entries, nil
}

// ExportJSON writes entries as an indented JSON array.
func ExportJSON(w io.Writer, entries []Entry) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}

var csvHeader = []string{"id", "url", "type", "encrypted", "size_bytes", "cost_usd", "created_at"}

// ExportCSV writes entries as CSV with a header row.
func ExportCSV(w io.Writer, entries []Entry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, e := range entries {
		row := []string{
			e.ID,
			e.URL,
			e.Type,
			strconv.FormatBool(e.Encrypted),
			strconv.FormatInt(e.SizeBytes, 10),
			strconv.FormatFloat(e.CostUSD, 'f', -1, 64),
			e.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
