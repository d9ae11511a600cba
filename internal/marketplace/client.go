package marketplace

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/athebyme/gomarket-sync/internal/telemetry"
	"github.com/athebyme/gomarket-sync/pkg/interfaces"
)

// maxResponseBody ограничивает размер читаемого тела ответа
const maxResponseBody = 10 << 20 // 10 МБ

// Credentials - учетные данные одного аккаунта маркетплейса
type Credentials struct {
	Account  string // метка аккаунта, например "main" или "fbe"
	Username string
	Password string
}

// ClientOptions - настройки HTTP клиента маркетплейса
type ClientOptions struct {
	BaseURL         string
	RequestTimeout  time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration // база экспоненциального бэкоффа
	BulkMaxEntities int           // потолок сущностей в одном bulk-запросе
}

// ResponseMessage - одно сообщение маркетплейса в теле ответа
type ResponseMessage struct {
	Text string `json:"text"`
}

// Envelope - конверт ответа маркетплейса. Каждый ответ обязан содержать
// булево поле isError; его отсутствие - нарушение протокола.
type Envelope struct {
	IsError     *bool             `json:"isError"`
	Messages    []ResponseMessage `json:"messages"`
	Results     json.RawMessage   `json:"results"`
	CurrentPage int               `json:"currentPage"`
	TotalPages  int               `json:"totalPages"`
	TotalCount  int               `json:"totalCount"`
}

// ErrorTexts возвращает тексты сообщений об ошибках из конверта
func (e *Envelope) ErrorTexts() []string {
	texts := make([]string, 0, len(e.Messages))
	for _, m := range e.Messages {
		texts = append(texts, m.Text)
	}
	return texts
}

// orderEndpoints - эндпоинты, лимитируемые классом "orders".
// Таблица статична: маркетплейс выделяет повышенный лимит
// ровно этому набору операций с заказами.
var orderEndpoints = map[string]struct{}{
	"order/read":            {},
	"order/count":           {},
	"order/save":            {},
	"order/acknowledge":     {},
	"order/unlock-courier":  {},
	"order/attachment/save": {},
}

// ClassifyEndpoint возвращает класс ресурсов для эндпоинта API
func ClassifyEndpoint(endpoint string) ResourceClass {
	if _, ok := orderEndpoints[strings.Trim(endpoint, "/")]; ok {
		return ResourceClassOrders
	}
	return ResourceClassOther
}

// Client - аутентифицированный HTTP клиент API маркетплейса.
// Владеет политикой повторов и классификацией ошибок; перед каждым
// сетевым вызовом занимает слот рейт-лимитера своего класса ресурсов.
type Client struct {
	httpClient *http.Client
	baseURL    string
	creds      Credentials
	limiter    *RateLimiter
	maxRetries int
	backoff    time.Duration
	bulkMax    int
	logger     interfaces.LoggerPort

	authMu     sync.RWMutex
	authHeader string
}

// NewClient создает клиент API для одного аккаунта маркетплейса.
// Отсутствие учетных данных - фатальная ошибка конфигурации.
func NewClient(creds Credentials, limiter *RateLimiter, logger interfaces.LoggerPort, opts ClientOptions) (*Client, error) {
	if creds.Account == "" {
		return nil, fmt.Errorf("не задана метка аккаунта маркетплейса")
	}
	if creds.Username == "" || creds.Password == "" {
		return nil, fmt.Errorf("аккаунт %q: не заданы учетные данные маркетплейса", creds.Account)
	}
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("не задан базовый URL маркетплейса")
	}
	if limiter == nil {
		return nil, fmt.Errorf("не задан рейт-лимитер")
	}

	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 500 * time.Millisecond
	}
	if opts.BulkMaxEntities <= 0 {
		opts.BulkMaxEntities = 50
	}

	c := &Client{
		httpClient: &http.Client{Timeout: opts.RequestTimeout},
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		creds:      creds,
		limiter:    limiter,
		maxRetries: opts.MaxRetries,
		backoff:    opts.RetryBackoff,
		bulkMax:    opts.BulkMaxEntities,
		logger:     logger.WithAccount(creds.Account),
	}
	c.authHeader = c.computeAuthHeader()
	return c, nil
}

// Account возвращает метку аккаунта, от имени которого работает клиент
func (c *Client) Account() string {
	return c.creds.Account
}

// BulkMaxEntities возвращает потолок сущностей в одном bulk-запросе
func (c *Client) BulkMaxEntities() int {
	return c.bulkMax
}

// computeAuthHeader вычисляет заголовок Basic-аутентификации
func (c *Client) computeAuthHeader() string {
	token := base64.StdEncoding.EncodeToString([]byte(c.creds.Username + ":" + c.creds.Password))
	return "Basic " + token
}

// refreshAuth заново выводит заголовок аутентификации из учетных данных
func (c *Client) refreshAuth() {
	c.authMu.Lock()
	c.authHeader = c.computeAuthHeader()
	c.authMu.Unlock()
}

// currentAuth возвращает текущий заголовок аутентификации
func (c *Client) currentAuth() string {
	c.authMu.RLock()
	defer c.authMu.RUnlock()
	return c.authHeader
}

// Request выполняет запрос к API маркетплейса с учетом рейт-лимитов и политики повторов:
// транспортные сбои и 429 повторяются до maxRetries раз с экспоненциальным бэкоффом,
// 401 дает ровно одну повторную аутентификацию, остальные ошибки возвращаются сразу.
func (c *Client) Request(ctx context.Context, method, endpoint string, body interface{}, query url.Values) (*Envelope, error) {
	class := ClassifyEndpoint(endpoint)
	reauthenticated := false
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleepBackoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		if err := c.limiter.Acquire(ctx, class); err != nil {
			return nil, err
		}

		env, err := c.do(ctx, method, endpoint, body, query)
		if err == nil {
			return env, nil
		}

		kind, _ := KindOf(err)
		switch kind {
		case ErrKindTransport, ErrKindRateLimited:
			lastErr = err
			c.logger.WarnWithContext(ctx, "Запрос к маркетплейсу будет повторен",
				interfaces.LogField{Key: "endpoint", Value: endpoint},
				interfaces.LogField{Key: "attempt", Value: attempt + 1},
				interfaces.LogField{Key: "error", Value: err.Error()},
			)
			continue
		case ErrKindUnauthorized:
			if reauthenticated {
				return nil, err
			}
			reauthenticated = true
			c.refreshAuth()
			c.logger.WarnWithContext(ctx, "Повторная аутентификация после 401",
				interfaces.LogField{Key: "endpoint", Value: endpoint})
			// Повторная аутентификация не расходует попытку бэкоффа
			attempt--
			continue
		default:
			return nil, err
		}
	}

	c.countFailure(endpoint, ErrKindRetryExhausted)
	return nil, &Error{
		Kind:     ErrKindRetryExhausted,
		Endpoint: endpoint,
		Message:  fmt.Sprintf("исчерпаны %d повторных попыток", c.maxRetries),
		Err:      lastErr,
	}
}

// sleepBackoff приостанавливает вызывающего на base * 2^(attempt-1) плюс джиттер
func (c *Client) sleepBackoff(ctx context.Context, attempt int) error {
	wait := c.backoff * (1 << (attempt - 1))
	wait += time.Duration(rand.Int63n(int64(c.backoff)/2 + 1))

	timer := time.NewTimer(wait)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// do выполняет ровно один HTTP вызов и классифицирует его результат
func (c *Client) do(ctx context.Context, method, endpoint string, body interface{}, query url.Values) (*Envelope, error) {
	u := c.baseURL + "/" + strings.TrimLeft(endpoint, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, &Error{Kind: ErrKindAPI, Endpoint: endpoint, Message: "не удалось сериализовать тело запроса", Err: err}
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, &Error{Kind: ErrKindTransport, Endpoint: endpoint, Message: "не удалось построить запрос", Err: err}
	}
	req.Header.Set("Authorization", c.currentAuth())
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	telemetry.RequestsTotal.WithLabelValues(endpoint, c.creds.Account).Inc()
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	telemetry.RequestDuration.WithLabelValues(endpoint, c.creds.Account).Observe(time.Since(start).Seconds())

	if err != nil {
		c.countFailure(endpoint, ErrKindTransport)
		return nil, &Error{Kind: ErrKindTransport, Endpoint: endpoint, Message: "сетевой сбой", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		c.countFailure(endpoint, ErrKindTransport)
		return nil, &Error{Kind: ErrKindTransport, Endpoint: endpoint, Message: "не удалось прочитать тело ответа", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		c.countFailure(endpoint, ErrKindUnauthorized)
		return nil, &Error{Kind: ErrKindUnauthorized, Endpoint: endpoint, Status: resp.StatusCode, Message: "аутентификация отклонена"}
	case resp.StatusCode == http.StatusTooManyRequests:
		c.countFailure(endpoint, ErrKindRateLimited)
		return nil, &Error{Kind: ErrKindRateLimited, Endpoint: endpoint, Status: resp.StatusCode, Message: "превышен лимит запросов"}
	case resp.StatusCode >= 500:
		c.countFailure(endpoint, ErrKindTransport)
		return nil, &Error{Kind: ErrKindTransport, Endpoint: endpoint, Status: resp.StatusCode, Message: "ошибка сервера маркетплейса"}
	case resp.StatusCode >= 400:
		c.countFailure(endpoint, ErrKindAPI)
		return nil, &Error{
			Kind:     ErrKindAPI,
			Endpoint: endpoint,
			Status:   resp.StatusCode,
			Message:  "запрос отклонен маркетплейсом",
			Details:  errorTextsFromBody(data),
		}
	}

	env, err := parseEnvelope(endpoint, data)
	if err != nil {
		c.countFailure(endpoint, ErrKindMalformed)
		return nil, err
	}

	if *env.IsError {
		c.countFailure(endpoint, ErrKindAPI)
		return nil, &Error{
			Kind:     ErrKindAPI,
			Endpoint: endpoint,
			Status:   resp.StatusCode,
			Message:  "маркетплейс вернул isError=true",
			Details:  env.ErrorTexts(),
		}
	}

	return env, nil
}

// parseEnvelope разбирает тело ответа и проверяет протокольный инвариант:
// ответ обязан быть JSON-объектом с булевым полем isError
func parseEnvelope(endpoint string, data []byte) (*Envelope, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &Error{Kind: ErrKindMalformed, Endpoint: endpoint, Message: "тело ответа не является JSON-объектом", Err: err}
	}
	if _, ok := raw["isError"]; !ok {
		return nil, &Error{Kind: ErrKindMalformed, Endpoint: endpoint, Message: "в ответе отсутствует поле isError"}
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &Error{Kind: ErrKindMalformed, Endpoint: endpoint, Message: "не удалось разобрать конверт ответа", Err: err}
	}
	if env.IsError == nil {
		return nil, &Error{Kind: ErrKindMalformed, Endpoint: endpoint, Message: "поле isError не является булевым"}
	}
	return &env, nil
}

// errorTextsFromBody пытается извлечь сообщения об ошибках из произвольного тела
func errorTextsFromBody(data []byte) []string {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil
	}
	return env.ErrorTexts()
}

// countFailure инкрементирует счетчик неуспешных запросов
func (c *Client) countFailure(endpoint string, kind ErrorKind) {
	telemetry.RequestFailures.WithLabelValues(endpoint, c.creds.Account, kind.String()).Inc()
}
