// Package storage はキー/バリュー型の永続化契約を提供する。
// 永続化の実体はホストアプリケーション側の関心事であり、
// このパッケージはその契約（Store）と組み込み実装（メモリ/ファイル）のみを持つ。
package storage

// 永続化キー。元クライアントのlocalStorageキーと同一の名前を使う。
const (
	// KeyAuthToken はローカルセッショントークン。
	KeyAuthToken = "auth_token"
	// KeyUser はシリアライズ済みユーザープロフィール。
	KeyUser = "user"
	// KeyAniListToken はAniListのアクセストークン。
	KeyAniListToken = "anilist_token"
	// KeyAuthState はOAuthの偽造防止nonce。リダイレクト往復の間のみ存在する。
	KeyAuthState = "anilist_auth_state"
	// KeySyncCount は当日の同期実行回数。
	KeySyncCount = "sync_count"
	// KeyLastSyncDate は同期回数が属する日付キー。
	KeyLastSyncDate = "last_sync_date"
	// KeyAutoSyncEnabled は自動同期の有効フラグ。
	KeyAutoSyncEnabled = "auto_sync_enabled"
)

// Store はキー/バリュー永続化のインターフェース。
// Deleteは複数キーを1回の操作として原子的に削除する。
// 実装はゴルーチンセーフでなければならない。
type Store interface {
	// Get はキーの値を返す。キーが存在しない場合はok=false。
	Get(key string) (value string, ok bool)
	// Set はキーに値を保存する。
	Set(key, value string) error
	// Delete は指定された全キーを原子的に削除する。存在しないキーは無視する。
	Delete(keys ...string) error
}
