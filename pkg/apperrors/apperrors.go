// Package apperrors 提供對戰協調服務的錯誤處理
//
// 所有回傳給玩家的錯誤都帶有穩定的錯誤碼（Code），
// 客戶端依錯誤碼而非錯誤訊息做判斷，訊息只供人閱讀。
package apperrors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
//
// 錯誤分類原則：
//   - VALIDATION：載荷格式錯誤，在進入任何狀態變更前就被擋下，並計入洪水防護
//   - STATE：動作與當前階段/回合不一致（如不在自己回合開火）
//   - RATE_LIMITED：超過滑動視窗限流上限
//   - SOFT_BAN：重複送出無效載荷觸發的全面暫時封鎖
//   - RECONNECT_CONFLICT：令牌仍被在線的擁有者持有
//   - RECONNECT_STALE：令牌對應的房間/佇列已消失或寬限期已過（非致命，退回重新排隊）
//   - DEPENDENCY：共享儲存或遙測呼叫失敗（記錄後靜默降級，不中斷玩家動作）
//   - INTERNAL：不可預期的內部錯誤
const (
	CodeValidation        = "VALIDATION"
	CodeState             = "STATE"
	CodeRateLimited       = "RATE_LIMITED"
	CodeSoftBan           = "SOFT_BAN"
	CodeReconnectConflict = "RECONNECT_CONFLICT"
	CodeReconnectStale    = "RECONNECT_STALE"
	CodeDependency        = "DEPENDENCY"
	CodeInternal          = "INTERNAL"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 實現 errors.Is（以錯誤碼比對）
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 添加詳細資訊
func (e *AppError) WithDetails(details string) *AppError {
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Details: details,
		Err:     e.Err,
	}
}

// 預定義錯誤
var (
	// ErrInvalidPayload 載荷格式錯誤
	ErrInvalidPayload = New(CodeValidation, "invalid payload")

	// ErrRateLimited 超過限流上限
	ErrRateLimited = New(CodeRateLimited, "rate limit exceeded")

	// ErrSoftBanned 因重複無效輸入被暫時封鎖
	ErrSoftBanned = New(CodeSoftBan, "temporarily banned for repeated invalid input")

	// ErrReconnectConflict 重連令牌仍被在線玩家持有
	ErrReconnectConflict = New(CodeReconnectConflict, "reconnect token is held by a live connection")

	// ErrReconnectStale 重連令牌已失效
	ErrReconnectStale = New(CodeReconnectStale, "reconnect token expired or target gone")

	// ErrNotYourTurn 不在自己的回合
	ErrNotYourTurn = New(CodeState, "not your turn")

	// ErrWrongPhase 動作與房間階段不符
	ErrWrongPhase = New(CodeState, "action not allowed in current phase")

	// ErrRoomNotFound 房間不存在
	ErrRoomNotFound = New(CodeState, "room not found")

	// ErrRoomOver 對局已結束，不再接受變更
	ErrRoomOver = New(CodeState, "game already over")

	// ErrTokenExhausted 令牌生成重試耗盡（實務上幾乎不可能發生）
	ErrTokenExhausted = New(CodeInternal, "token generation retries exhausted")
)

// Code 取出錯誤碼；非 AppError 一律視為 INTERNAL
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// IsValidation 檢查是否為載荷驗證錯誤
func IsValidation(err error) bool {
	return Code(err) == CodeValidation
}

// IsState 檢查是否為狀態錯誤
func IsState(err error) bool {
	return Code(err) == CodeState
}

// IsRateLimited 檢查是否為限流錯誤
func IsRateLimited(err error) bool {
	return Code(err) == CodeRateLimited
}

// IsReconnectStale 檢查是否為過期重連錯誤
func IsReconnectStale(err error) bool {
	return Code(err) == CodeReconnectStale
}
