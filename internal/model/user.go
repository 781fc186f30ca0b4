// Package model はドメインモデルを定義する。
package model

// FeatureFlag はプラン（ティア）ごとに開放される機能を表す。
type FeatureFlag string

const (
	// FeatureUnlimitedAutoSync は自動同期の無制限利用。
	FeatureUnlimitedAutoSync FeatureFlag = "unlimited_auto_sync"
	// FeatureFullHistory は同期履歴の全件表示。
	FeatureFullHistory FeatureFlag = "full_history"
)

// Tier はサブスクリプションのプランを表す。
type Tier string

const (
	TierFree      Tier = "FREE"
	TierPro       Tier = "PRO"
	TierSupporter Tier = "SUPPORTER"
	TierLifetime  Tier = "LIFETIME"
)

// TierInfo はプランに紐づく機能フラグと数値上限を表す。
// auto_syncs_per_dayとsync_history_limitは数値または"Infinity"で返される。
type TierInfo struct {
	Features         []FeatureFlag `json:"features"`
	AutoSyncsPerDay  Limit         `json:"auto_syncs_per_day"`
	SyncHistoryLimit Limit         `json:"sync_history_limit"`
}

// Profile はバックエンドが返すユーザープロフィールのスナップショット。
// 部分更新は行わず、再取得時に丸ごと置き換える。
type Profile struct {
	ID       string    `json:"_id"`
	Email    string    `json:"email"`
	IsAdmin  bool      `json:"is_admin"`
	Tier     Tier      `json:"tier"`
	TierInfo *TierInfo `json:"tier_info"`
}

// HasFeature はプロフィールのプランが指定機能を持つかを返す。
// tier_infoが無い場合は常にfalse。
func (p *Profile) HasFeature(flag FeatureFlag) bool {
	if p == nil || p.TierInfo == nil {
		return false
	}
	for _, f := range p.TierInfo.Features {
		if f == flag {
			return true
		}
	}
	return false
}
