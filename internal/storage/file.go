package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore はJSONファイルに全キーを保存するStore実装。
// 書き込みは一時ファイルへの書き出しとリネームで原子的に行う。
type FileStore struct {
	mu   sync.Mutex
	path string
	data map[string]string
}

// NewFileStore は指定パスのファイルからFileStoreを生成する。
// ファイルが存在しない場合は空の状態で開始する。
// ファイルの内容が壊れている場合はエラーを返す。
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, data: make(map[string]string)}

	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("状態ファイルの読み込みに失敗しました: %w", err)
	}

	if err := json.Unmarshal(b, &s.data); err != nil {
		return nil, fmt.Errorf("状態ファイルのパースに失敗しました: %w", err)
	}

	return s, nil
}

// Get はキーの値を返す。
func (s *FileStore) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

// Set はキーに値を保存し、ファイルに書き出す。
func (s *FileStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return s.flushLocked()
}

// Delete は指定された全キーを削除し、1回の書き出しでファイルに反映する。
func (s *FileStore) Delete(keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.data, k)
	}
	return s.flushLocked()
}

// flushLocked は現在の状態を一時ファイル経由で原子的に書き出す。
// 呼び出し元でmuを保持していること。
func (s *FileStore) flushLocked() error {
	b, err := json.Marshal(s.data)
	if err != nil {
		return fmt.Errorf("状態のシリアライズに失敗しました: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("状態ディレクトリの作成に失敗しました: %w", err)
	}
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("状態ファイルの書き込みに失敗しました: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("状態ファイルの置き換えに失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ Store = (*FileStore)(nil)
