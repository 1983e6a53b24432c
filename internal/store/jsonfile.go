package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/brbranch/charcache/internal/model"
)

// SchemaVersion はJSONファイル形式のバージョン
const SchemaVersion = 1

// fileEnvelope はJSONファイルのトップレベル構造
type fileEnvelope struct {
	SchemaVersion int                                      `json:"schemaVersion"`
	Namespace     string                                   `json:"namespace"`
	Records       map[string]*model.CharacterizationRecord `json:"records"`
}

// JSONFilePersister は単一のJSONファイルに保存するPersister
//
// 保存は同じディレクトリの一時ファイルに書いてfsyncし、renameで置き換える。
// 書き込み途中で失敗しても、以前のファイルは完全な状態で残る。
type JSONFilePersister struct {
	path string

	// テストで差し替える
	rename func(oldpath, newpath string) error
}

// NewJSONFilePersister はJSONFilePersisterを作成する
func NewJSONFilePersister(path string) *JSONFilePersister {
	return &JSONFilePersister{
		path:   path,
		rename: os.Rename,
	}
}

// Location は保存先のパスを返す
func (p *JSONFilePersister) Location() string {
	return p.path
}

// Load はファイルを読み込む。ファイルがなければ空のスナップショットを返す
func (p *JSONFilePersister) Load(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(p.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return emptySnapshot(), nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", p.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return emptySnapshot(), nil
	}

	snap, err := decodeSnapshot(data)
	if err != nil {
		return nil, &DeserializationError{Location: p.path, Err: err}
	}
	return snap, nil
}

// Save はスナップショットでファイルをアトミックに置き換える
func (p *JSONFilePersister) Save(ctx context.Context, snap *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(fileEnvelope{
		SchemaVersion: SchemaVersion,
		Namespace:     snap.Namespace,
		Records:       snap.Records,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmpPath := filepath.Join(dir, "."+filepath.Base(p.path)+"."+uuid.NewString()+".tmp")
	if err := writeSynced(tmpPath, data); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := p.rename(tmpPath, p.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace %s: %w", p.path, err)
	}

	// renameを永続化するためディレクトリもfsyncする（失敗は無視）
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	return nil
}

// decodeSnapshot はエンベロープ形式と旧形式（IDをキーとするマップ）の両方を読む
// 同じキーが重複している場合は最初の値を採用する
func decodeSnapshot(data []byte) (*Snapshot, error) {
	top, err := decodeObjectFirstWins(data)
	if err != nil {
		return nil, err
	}

	snap := emptySnapshot()
	rawRecords := top

	_, hasVersion := top["schemaVersion"]
	recordsJSON, hasRecords := top["records"]
	if hasVersion && hasRecords {
		var version int
		if err := json.Unmarshal(top["schemaVersion"], &version); err != nil {
			return nil, fmt.Errorf("invalid schemaVersion: %w", err)
		}
		if version > SchemaVersion {
			return nil, fmt.Errorf("unsupported schemaVersion %d", version)
		}
		if ns, ok := top["namespace"]; ok {
			if err := json.Unmarshal(ns, &snap.Namespace); err != nil {
				return nil, fmt.Errorf("invalid namespace: %w", err)
			}
		}
		if bytes.Equal(bytes.TrimSpace(recordsJSON), []byte("null")) {
			return snap, nil
		}
		rawRecords, err = decodeObjectFirstWins(recordsJSON)
		if err != nil {
			return nil, fmt.Errorf("invalid records: %w", err)
		}
	}

	for id, raw := range rawRecords {
		var rec *model.CharacterizationRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("invalid record %q: %w", id, err)
		}
		if rec == nil {
			continue
		}
		// キーを正とする
		rec.ID = id
		snap.Records[id] = rec
	}
	return snap, nil
}

// decodeObjectFirstWins はJSONオブジェクトをキーごとの生の値に分解する
// encoding/jsonのマップ復元は後勝ちになるため、トークン単位で読んで先勝ちにする
func decodeObjectFirstWins(data []byte) (map[string]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("expected JSON object, got %v", tok)
	}

	out := make(map[string]json.RawMessage)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("expected object key, got %v", keyTok)
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("invalid value for %q: %w", key, err)
		}
		if _, exists := out[key]; !exists {
			out[key] = raw
		}
	}

	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return out, nil
}
