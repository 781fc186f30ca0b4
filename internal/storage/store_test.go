package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMemoryStore_SetGetDelete(t *testing.T) {
	s := NewMemoryStore()

	if _, ok := s.Get(KeyAuthToken); ok {
		t.Error("未設定のキーで ok=true が返った")
	}

	if err := s.Set(KeyAuthToken, "tok-1"); err != nil {
		t.Fatalf("Set がエラーを返した: %v", err)
	}

	v, ok := s.Get(KeyAuthToken)
	if !ok || v != "tok-1" {
		t.Errorf("Get = (%q, %v), want (tok-1, true)", v, ok)
	}

	if err := s.Delete(KeyAuthToken); err != nil {
		t.Fatalf("Delete がエラーを返した: %v", err)
	}
	if _, ok := s.Get(KeyAuthToken); ok {
		t.Error("削除済みのキーで ok=true が返った")
	}
}

func TestMemoryStore_DeleteMultipleKeys(t *testing.T) {
	s := NewMemoryStore()
	keys := []string{KeyAuthToken, KeyUser, KeyAniListToken, KeyAuthState}
	for _, k := range keys {
		if err := s.Set(k, "v"); err != nil {
			t.Fatalf("Set がエラーを返した: %v", err)
		}
	}

	if err := s.Delete(keys...); err != nil {
		t.Fatalf("Delete がエラーを返した: %v", err)
	}

	for _, k := range keys {
		if _, ok := s.Get(k); ok {
			t.Errorf("キー %s が削除されていない", k)
		}
	}
}

func TestFileStore_PersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	s1, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore がエラーを返した: %v", err)
	}
	if err := s1.Set(KeySyncCount, "7"); err != nil {
		t.Fatalf("Set がエラーを返した: %v", err)
	}

	// 別インスタンスで開き直しても値が残っている
	s2, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore がエラーを返した: %v", err)
	}
	v, ok := s2.Get(KeySyncCount)
	if !ok || v != "7" {
		t.Errorf("再読み込み後の Get = (%q, %v), want (7, true)", v, ok)
	}
}

func TestFileStore_MissingFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.json")

	s, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("存在しないファイルでエラーが返った: %v", err)
	}
	if _, ok := s.Get(KeyAuthToken); ok {
		t.Error("空の状態で ok=true が返った")
	}
}

func TestFileStore_CorruptFileReturnsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := NewFileStore(path); err == nil {
		t.Error("壊れた状態ファイルでエラーが返らなかった")
	}
}
