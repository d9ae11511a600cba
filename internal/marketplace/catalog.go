package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/athebyme/gomarket-sync/internal/domain/models"
)

// CatalogItem - позиция каталога маркетплейса в том виде,
// в котором ее возвращает API
type CatalogItem struct {
	ID       int64   `json:"id"`
	SKU      string  `json:"sku"`
	Name     string  `json:"name"`
	Price    float64 `json:"price"`
	Currency string  `json:"currency"`
	Stock    int     `json:"stock"`
}

// CatalogPage - одна страница постраничного чтения каталога.
// RawItems хранит исходные payload'ы позиций для идемпотентной записи в БД.
type CatalogPage struct {
	Items       []CatalogItem
	RawItems    []json.RawMessage
	CurrentPage int
	TotalPages  int
	TotalCount  int
}

// Empty сообщает, пуста ли страница
func (p *CatalogPage) Empty() bool {
	return len(p.Items) == 0
}

// OrderFilters - необязательные фильтры чтения заказов
type OrderFilters struct {
	Status        string
	CreatedAfter  time.Time
	CreatedBefore time.Time
}

// StockUpdate - обновление остатка одной позиции
type StockUpdate struct {
	ID    int64  `json:"id"`
	SKU   string `json:"sku"`
	Stock int    `json:"stock"`
}

// kindEndpoints сопоставляет тип сущности эндпоинту постраничного чтения
var kindEndpoints = map[models.EntityKind]string{
	models.EntityKindProduct: "product/read",
	models.EntityKindOffer:   "offer/read",
	models.EntityKindOrder:   "order/read",
}

// GetProducts читает одну страницу товаров каталога
func (c *Client) GetProducts(ctx context.Context, page, limit int) (*CatalogPage, error) {
	return c.readPage(ctx, "product/read", page, limit, nil)
}

// GetOffers читает одну страницу офферов
func (c *Client) GetOffers(ctx context.Context, page, limit int) (*CatalogPage, error) {
	return c.readPage(ctx, "offer/read", page, limit, nil)
}

// GetCategories читает одну страницу категорий
func (c *Client) GetCategories(ctx context.Context, page, limit int) (*CatalogPage, error) {
	return c.readPage(ctx, "category/read", page, limit, nil)
}

// GetOrders читает одну страницу заказов с необязательными фильтрами
// по статусу и диапазону дат
func (c *Client) GetOrders(ctx context.Context, page, limit int, filters OrderFilters) (*CatalogPage, error) {
	query := url.Values{}
	if filters.Status != "" {
		query.Set("status", filters.Status)
	}
	if !filters.CreatedAfter.IsZero() {
		query.Set("createdAfter", filters.CreatedAfter.UTC().Format(time.RFC3339))
	}
	if !filters.CreatedBefore.IsZero() {
		query.Set("createdBefore", filters.CreatedBefore.UTC().Format(time.RFC3339))
	}
	return c.readPage(ctx, "order/read", page, limit, query)
}

// ReadPage читает одну страницу сущностей заданного типа
func (c *Client) ReadPage(ctx context.Context, kind models.EntityKind, page, limit int) (*CatalogPage, error) {
	endpoint, ok := kindEndpoints[kind]
	if !ok {
		return nil, fmt.Errorf("неизвестный тип сущности: %q", kind)
	}
	return c.readPage(ctx, endpoint, page, limit, nil)
}

// readPage выполняет постраничное чтение и разбирает результаты
func (c *Client) readPage(ctx context.Context, endpoint string, page, limit int, query url.Values) (*CatalogPage, error) {
	if query == nil {
		query = url.Values{}
	}
	query.Set("page", strconv.Itoa(page))
	query.Set("limit", strconv.Itoa(limit))

	env, err := c.Request(ctx, http.MethodGet, endpoint, nil, query)
	if err != nil {
		return nil, err
	}

	result := &CatalogPage{
		CurrentPage: env.CurrentPage,
		TotalPages:  env.TotalPages,
		TotalCount:  env.TotalCount,
	}
	if result.CurrentPage == 0 {
		result.CurrentPage = page
	}

	if len(env.Results) == 0 {
		return result, nil
	}

	var rawItems []json.RawMessage
	if err := json.Unmarshal(env.Results, &rawItems); err != nil {
		return nil, &Error{Kind: ErrKindMalformed, Endpoint: endpoint, Message: "поле results не является массивом", Err: err}
	}

	for _, raw := range rawItems {
		var item CatalogItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, &Error{Kind: ErrKindMalformed, Endpoint: endpoint, Message: "не удалось разобрать позицию каталога", Err: err}
		}
		result.Items = append(result.Items, item)
		result.RawItems = append(result.RawItems, raw)
	}

	return result, nil
}

// UpdateStock обновляет остаток одной позиции
func (c *Client) UpdateStock(ctx context.Context, update StockUpdate) error {
	_, err := c.Request(ctx, http.MethodPost, "offer/stock", update, nil)
	return err
}

// BulkUpdateStock обновляет остатки пакетом. Размер пакета ограничен
// потолком маркетплейса; превышение - ошибка вызывающего, а не повод
// молча резать пакет.
func (c *Client) BulkUpdateStock(ctx context.Context, updates []StockUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	if len(updates) > c.bulkMax {
		return fmt.Errorf("размер пакета %d превышает потолок маркетплейса %d", len(updates), c.bulkMax)
	}

	body := map[string]interface{}{"offers": updates}
	_, err := c.Request(ctx, http.MethodPost, "offer/stock-bulk", body, nil)
	return err
}

// UpdateOrderStatus обновляет статус заказа (класс ресурсов "orders")
func (c *Client) UpdateOrderStatus(ctx context.Context, orderID int64, status string) error {
	body := map[string]interface{}{
		"id":     orderID,
		"status": status,
	}
	_, err := c.Request(ctx, http.MethodPost, "order/save", body, nil)
	return err
}

// ToEntity отображает позицию каталога в локальную модель сущности маркетплейса
func (it CatalogItem) ToEntity(kind models.EntityKind, account string, raw json.RawMessage, seenAt time.Time) models.RemoteEntity {
	return models.RemoteEntity{
		ExternalID: strconv.FormatInt(it.ID, 10),
		Account:    account,
		Kind:       kind,
		SKU:        it.SKU,
		Name:       it.Name,
		Price:      it.Price,
		Currency:   it.Currency,
		Stock:      it.Stock,
		Payload:    raw,
		LastSeenAt: seenAt.UTC(),
	}
}
