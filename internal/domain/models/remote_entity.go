package models

import (
	"encoding/json"
	"time"
)

// EntityKind определяет тип сущности маркетплейса
type EntityKind string

const (
	EntityKindProduct EntityKind = "product"
	EntityKindOffer   EntityKind = "offer"
	EntityKindOrder   EntityKind = "order"
)

// RemoteEntity представляет сущность маркетплейса (товар, оффер или заказ),
// полученную при синхронизации. Идентичность записи - пара (ExternalID, Account):
// одна и та же позиция в разных аккаунтах хранится как разные записи,
// кросс-аккаунтное сопоставление выполняется только по SKU на этапе сверки.
type RemoteEntity struct {
	ExternalID string     `json:"external_id"`
	Account    string     `json:"account"`
	Kind       EntityKind `json:"kind"`
	SKU        string     `json:"sku"`
	Name       string     `json:"name,omitempty"`
	Price      float64    `json:"price"`
	Currency   string     `json:"currency,omitempty"`
	Stock      int        `json:"stock"`
	// Payload содержит исходный ответ маркетплейса в формате JSON.
	// Для работы с динамическими данными используем json.RawMessage.
	Payload    json.RawMessage `db:"payload" json:"payload,omitempty"`
	LastSeenAt time.Time       `db:"last_seen_at" json:"last_seen_at"`
}
