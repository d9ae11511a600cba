package marketplace

import (
	"errors"
	"fmt"
)

// ErrorKind классифицирует ошибки клиента API.
// Политика повторов видна по типу: транспортные сбои и 429 повторяются
// с бэкоффом, 401 дает ровно одну повторную аутентификацию,
// остальные ошибки не повторяются.
type ErrorKind int

const (
	// ErrKindTransport - сетевой сбой или ответ 5xx, повторяется с бэкоффом
	ErrKindTransport ErrorKind = iota
	// ErrKindRateLimited - HTTP 429 от маркетплейса, повторяется с бэкоффом
	ErrKindRateLimited
	// ErrKindUnauthorized - HTTP 401, дает одну повторную аутентификацию
	ErrKindUnauthorized
	// ErrKindMalformed - тело ответа не является JSON-объектом с полем isError
	ErrKindMalformed
	// ErrKindAPI - содержательная ошибка маркетплейса (4xx/5xx или isError=true)
	ErrKindAPI
	// ErrKindRetryExhausted - исчерпан лимит повторных попыток
	ErrKindRetryExhausted
)

// String возвращает имя вида ошибки для логов и метрик
func (k ErrorKind) String() string {
	switch k {
	case ErrKindTransport:
		return "transport"
	case ErrKindRateLimited:
		return "rate_limited"
	case ErrKindUnauthorized:
		return "unauthorized"
	case ErrKindMalformed:
		return "malformed_response"
	case ErrKindAPI:
		return "api_error"
	case ErrKindRetryExhausted:
		return "retry_exhausted"
	}
	return "unknown"
}

// Error - ошибка вызова API маркетплейса
type Error struct {
	Kind     ErrorKind
	Endpoint string
	Status   int      // HTTP статус, если применимо
	Message  string   // человекочитаемое описание
	Details  []string // сообщения из тела ответа маркетплейса
	Err      error    // исходная ошибка, если есть
}

// Error реализует интерфейс error
func (e *Error) Error() string {
	msg := fmt.Sprintf("marketplace %s: %s %s", e.Kind, e.Endpoint, e.Message)
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap возвращает исходную ошибку
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf возвращает вид ошибки клиента API или false, если ошибка не от клиента
func KindOf(err error) (ErrorKind, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind, true
	}
	return 0, false
}

// IsRetryable сообщает, имеет ли смысл повторять операцию целиком
func IsRetryable(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	return kind == ErrKindTransport || kind == ErrKindRateLimited || kind == ErrKindRetryExhausted
}
