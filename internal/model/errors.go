// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, token, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeWeakPassword            = "WEAK_PASSWORD"
	ErrCodePasswordMismatch        = "PASSWORD_MISMATCH"
	ErrCodePasswordReused          = "PASSWORD_REUSED"
	ErrCodeEmailAlreadyRegistered  = "EMAIL_ALREADY_REGISTERED"
	ErrCodeHandleAlreadyRegistered = "HANDLE_ALREADY_REGISTERED"
	ErrCodeConcurrentSession       = "CONCURRENT_SESSION_EXISTS"
	ErrCodeUnauthenticated         = "UNAUTHENTICATED"
	ErrCodeEmailNotVerified        = "EMAIL_NOT_VERIFIED"
	ErrCodeInvalidOrExpiredToken   = "INVALID_OR_EXPIRED_TOKEN"
	ErrCodeForbidden               = "FORBIDDEN"
	ErrCodeServiceUnavailable      = "SERVICE_UNAVAILABLE"
	ErrCodeNotFound                = "NOT_FOUND"
	ErrCodeInternal                = "INTERNAL_ERROR"
	ErrCodeValidation              = "VALIDATION_FAILED"
)

// HasCode はerrがAPIErrorであり、指定コードを持つかを返す。
func HasCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// NewWeakPasswordError はパスワード強度不足エラーを生成する。
// missingには不足している文字種などの理由を渡す。
func NewWeakPasswordError(missing string) *APIError {
	return &APIError{
		Code:     ErrCodeWeakPassword,
		Message:  fmt.Sprintf("La contraseña es demasiado débil: %s.", missing),
		Category: "validation",
		Action:   "Usa al menos 8 caracteres con mayúsculas, minúsculas, dígitos y un símbolo.",
	}
}

// NewPasswordMismatchError は現在のパスワード不一致エラーを生成する。
func NewPasswordMismatchError() *APIError {
	return &APIError{
		Code:     ErrCodePasswordMismatch,
		Message:  "La contraseña actual no es correcta.",
		Category: "auth",
		Action:   "Verifica tu contraseña actual e inténtalo de nuevo.",
	}
}

// NewPasswordReusedError は新旧パスワードが同一の場合のエラーを生成する。
func NewPasswordReusedError() *APIError {
	return &APIError{
		Code:     ErrCodePasswordReused,
		Message:  "La nueva contraseña debe ser distinta de la actual.",
		Category: "validation",
		Action:   "Elige una contraseña que no hayas usado en esta cuenta.",
	}
}

// NewEmailAlreadyRegisteredError はメールアドレス重複エラーを生成する。
func NewEmailAlreadyRegisteredError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailAlreadyRegistered,
		Message:  "El correo ya está registrado.",
		Category: "validation",
		Action:   "Inicia sesión o recupera tu contraseña.",
	}
}

// NewHandleAlreadyRegisteredError はCodeforcesハンドル重複エラーを生成する。
func NewHandleAlreadyRegisteredError() *APIError {
	return &APIError{
		Code:     ErrCodeHandleAlreadyRegistered,
		Message:  "El handle de Codeforces ya está en uso.",
		Category: "validation",
		Action:   "Verifica tu handle o contacta a un administrador.",
	}
}

// NewConcurrentSessionError は有効なセッションが既に存在する場合のエラーを生成する。
func NewConcurrentSessionError() *APIError {
	return &APIError{
		Code:     ErrCodeConcurrentSession,
		Message:  "Ya existe una sesión activa para esta cuenta.",
		Category: "auth",
		Action:   "Cierra la sesión abierta en otro dispositivo o espera a que expire.",
	}
}

// NewUnauthenticatedError は未認証エラーを生成する。
func NewUnauthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthenticated,
		Message:  "Se requiere autenticación.",
		Category: "auth",
		Action:   "Inicia sesión.",
	}
}

// NewInvalidCredentialsError は認証情報不一致エラーを生成する。
// メールアドレスの存在有無を推測されないよう、未登録の場合も同じエラーを返す。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthenticated,
		Message:  "Correo o contraseña incorrectos.",
		Category: "auth",
		Action:   "Verifica tus datos e inténtalo de nuevo.",
	}
}

// NewEmailNotVerifiedError はメール未確認エラーを生成する。
func NewEmailNotVerifiedError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailNotVerified,
		Message:  "Debes verificar tu correo antes de iniciar sesión.",
		Category: "auth",
		Action:   "Revisa tu bandeja de entrada o solicita un nuevo correo de verificación.",
	}
}

// NewInvalidOrExpiredTokenError は無効または期限切れトークンのエラーを生成する。
func NewInvalidOrExpiredTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidOrExpiredToken,
		Message:  "El enlace no es válido o ya expiró.",
		Category: "token",
		Action:   "Solicita un nuevo enlace.",
	}
}

// NewForbiddenError は権限不足エラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "No tienes permisos para realizar esta acción.",
		Category: "auth",
		Action:   "Contacta a un administrador si crees que es un error.",
	}
}

// NewServiceUnavailableError は外部サービス障害エラーを生成する。
func NewServiceUnavailableError(service string) *APIError {
	return &APIError{
		Code:     ErrCodeServiceUnavailable,
		Message:  fmt.Sprintf("El servicio externo no está disponible: %s.", service),
		Category: "system",
		Action:   "Inténtalo de nuevo en unos minutos.",
	}
}

// NewNotFoundError はリソース未検出エラーを生成する。
func NewNotFoundError(resource string) *APIError {
	return &APIError{
		Code:     ErrCodeNotFound,
		Message:  fmt.Sprintf("No se encontró: %s.", resource),
		Category: "validation",
		Action:   "Verifica el identificador solicitado.",
	}
}

// NewValidationError は入力値不正エラーを生成する。
func NewValidationError(field, reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("Campo inválido %s: %s.", field, reason),
		Category: "validation",
		Action:   "Corrige el campo indicado e inténtalo de nuevo.",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログにのみ記録すること。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "Ocurrió un error interno.",
		Category: "system",
		Action:   "Inténtalo de nuevo más tarde.",
	}
}
