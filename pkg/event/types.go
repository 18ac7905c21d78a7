package event

import (
	"encoding/json"
	"time"
)

// Type は分析イベントの種類を表す。
type Type string

const (
	// TypeUserRegistered はユーザーが登録されたことを表す。
	TypeUserRegistered Type = "UserRegistered"
	// TypeUserLoggedIn はユーザーがログインしたことを表す。
	TypeUserLoggedIn Type = "UserLoggedIn"
	// TypeTokenRefreshed はトークンペアが再発行されたことを表す。
	TypeTokenRefreshed Type = "TokenRefreshed"
	// TypeNutritionAnalyzed は栄養分析が実行されたことを表す。
	TypeNutritionAnalyzed Type = "NutritionAnalyzed"
	// TypeRecipeImportRequested はレシピの取り込みが依頼されたことを表す。
	TypeRecipeImportRequested Type = "RecipeImportRequested"
)

// knownTypes は受け付けるイベント種別の集合。
var knownTypes = map[Type]struct{}{
	TypeUserRegistered:        {},
	TypeUserLoggedIn:          {},
	TypeTokenRefreshed:        {},
	TypeNutritionAnalyzed:     {},
	TypeRecipeImportRequested: {},
}

// Valid は既知のイベント種別かどうかを返す。
func (t Type) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

// Event はユーザー操作を記録する不変の分析イベント。
type Event struct {
	// ID はイベントの一意識別子（UUID）。
	ID string `json:"id"`
	// UserID は操作したユーザーの識別子。
	UserID string `json:"user_id"`
	// EventType はイベントの種類。
	EventType Type `json:"event_type"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
	// CreatedAt はイベントの発生日時。
	CreatedAt time.Time `json:"created_at"`
}

// UserRegisteredData はUserRegisteredイベントのデータ。
type UserRegisteredData struct {
	// Username は登録されたユーザー名。
	Username string `json:"username"`
}

// UserLoggedInData はUserLoggedInイベントのデータ。
type UserLoggedInData struct {
	// ClientIP はログイン元のIPアドレス。
	ClientIP string `json:"client_ip,omitempty"`
}

// TokenRefreshedData はTokenRefreshedイベントのデータ。
type TokenRefreshedData struct {
	// PreviousTokenID は使用されたリフレッシュトークンのjti。
	PreviousTokenID string `json:"previous_token_id"`
}

// NutritionAnalyzedData はNutritionAnalyzedイベントのデータ。
type NutritionAnalyzedData struct {
	// Ingredients は分析対象の材料数。
	Ingredients int `json:"ingredients"`
	// Servings は分析対象の人数分。
	Servings int `json:"servings"`
	// Calories は1人前あたりのカロリー。
	Calories float64 `json:"calories"`
}

// RecipeImportRequestedData はRecipeImportRequestedイベントのデータ。
type RecipeImportRequestedData struct {
	// BatchID は取り込みバッチの識別子。
	BatchID string `json:"batch_id"`
	// Sources は取り込み元の件数。
	Sources int `json:"sources"`
}

// Dashboard はユーザーごとのイベント集計結果。
type Dashboard struct {
	// UserID は集計対象のユーザー。
	UserID string `json:"user_id"`
	// TotalEvents は全イベント数。
	TotalEvents int64 `json:"total_events"`
	// Counts はイベント種別ごとの件数。
	Counts map[Type]int64 `json:"counts"`
	// LastActivityAt は最後のイベントの発生日時。イベントがない場合はnull。
	LastActivityAt *time.Time `json:"last_activity_at"`
}
