package model

import (
	"encoding/json"
	"fmt"
)

// Limit は数値上限を表す。バックエンドは無制限を文字列"Infinity"で返すため、
// JSON数値と"Infinity"の両方を受け付ける。
type Limit struct {
	Value     int
	Unlimited bool
}

// NewLimit は有限の上限値を生成する。
func NewLimit(n int) Limit {
	return Limit{Value: n}
}

// UnlimitedLimit は無制限の上限値を生成する。
func UnlimitedLimit() Limit {
	return Limit{Unlimited: true}
}

// Allows は現在のカウントで次の1回が許可されるかを返す。
func (l Limit) Allows(count int) bool {
	if l.Unlimited {
		return true
	}
	return count < l.Value
}

// String は表示用の文字列を返す。無制限は"∞"。
func (l Limit) String() string {
	if l.Unlimited {
		return "∞"
	}
	return fmt.Sprintf("%d", l.Value)
}

// UnmarshalJSON はJSON数値または文字列"Infinity"をLimitに変換する。
func (l *Limit) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		*l = Limit{Value: n}
		return nil
	}

	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("上限値のパースに失敗しました: %s", string(b))
	}
	if s != "Infinity" {
		return fmt.Errorf("上限値として不正な文字列です: %q", s)
	}
	*l = Limit{Unlimited: true}
	return nil
}

// MarshalJSON はLimitをJSONに変換する。無制限は"Infinity"。
func (l Limit) MarshalJSON() ([]byte, error) {
	if l.Unlimited {
		return json.Marshal("Infinity")
	}
	return json.Marshal(l.Value)
}
