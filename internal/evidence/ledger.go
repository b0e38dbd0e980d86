// Package evidence keeps an append-only, hash-chained JSON Lines ledger of
// evidence files referenced by incidents.
//
// Each record's chain_hash is SHA-256 over the hex strings prev_hash and
// file_sha256 concatenated. The first record chains from GenesisHash.
// The ledger assumes a single writer; callers running several pipelines
// against one ledger must serialize appends themselves.
package evidence

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"encroachwatch/internal/model"
)

var GenesisHash = strings.Repeat("0", 64)

const tailBlock = 4096

type Ledger struct {
	path string
	now  func() time.Time
}

func NewLedger(path string) *Ledger {
	return &Ledger{path: path, now: func() time.Time { return time.Now().UTC() }}
}

func (l *Ledger) Path() string {
	return l.path
}

// Append hashes each file in order and appends one record per file. Each
// record is synced to disk before the next file is processed. Records
// written before a failure stay in the ledger and are returned with the error.
func (l *Ledger) Append(incidentID string, files []string) ([]model.EvidenceRecord, error) {
	if len(files) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return nil, err
	}
	prev, err := l.lastChainHash()
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := make([]model.EvidenceRecord, 0, len(files))
	for _, file := range files {
		fileHash, err := FileSHA256(file)
		if err != nil {
			return out, fmt.Errorf("hash %s: %w", file, err)
		}
		rec := model.EvidenceRecord{
			Timestamp:  l.now().Format(time.RFC3339Nano),
			IncidentID: incidentID,
			File:       file,
			FileSHA256: fileHash,
			PrevHash:   prev,
			ChainHash:  ChainHash(prev, fileHash),
		}
		line, err := json.Marshal(rec)
		if err != nil {
			return out, err
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			return out, err
		}
		if err := f.Sync(); err != nil {
			return out, err
		}
		out = append(out, rec)
		prev = rec.ChainHash
	}
	return out, nil
}

// Verify replays the chain from GenesisHash. It returns false and the number
// of good records preceding the first malformed or mismatched one. A missing
// ledger verifies as (true, 0).
func (l *Ledger) Verify() (bool, int) {
	f, err := os.Open(l.path)
	if err != nil {
		return errors.Is(err, os.ErrNotExist), 0
	}
	defer f.Close()

	prev := GenesisHash
	count := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec model.EvidenceRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return false, count
		}
		if rec.PrevHash != prev || ChainHash(prev, rec.FileSHA256) != rec.ChainHash {
			return false, count
		}
		prev = rec.ChainHash
		count++
	}
	if sc.Err() != nil {
		return false, count
	}
	return true, count
}

// Records returns every decodable record, in ledger order.
func (l *Ledger) Records() ([]model.EvidenceRecord, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []model.EvidenceRecord
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var rec model.EvidenceRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// lastChainHash reads the ledger tail backwards in blocks until it holds a
// complete last line.
func (l *Ledger) lastChainHash() (string, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return GenesisHash, nil
		}
		return "", err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	size := info.Size()
	var tail []byte
	for size > 0 {
		step := int64(tailBlock)
		if step > size {
			step = size
		}
		size -= step
		chunk := make([]byte, step)
		if _, err := f.ReadAt(chunk, size); err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		tail = append(chunk, tail...)
		if bytes.Count(bytes.TrimRight(tail, "\n"), []byte{'\n'}) > 0 {
			break
		}
	}
	tail = bytes.TrimSpace(tail)
	if len(tail) == 0 {
		return GenesisHash, nil
	}
	if i := bytes.LastIndexByte(tail, '\n'); i >= 0 {
		tail = tail[i+1:]
	}
	var rec model.EvidenceRecord
	if err := json.Unmarshal(tail, &rec); err != nil || rec.ChainHash == "" {
		return "", fmt.Errorf("ledger %s: unreadable last record", l.path)
	}
	return rec.ChainHash, nil
}

func ChainHash(prev, fileHash string) string {
	sum := sha256.Sum256([]byte(prev + fileHash))
	return hex.EncodeToString(sum[:])
}

func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
