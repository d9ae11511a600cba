package models

// AccountSnapshot представляет срез каталога одного аккаунта,
// полученный постраничным чтением через API маркетплейса
type AccountSnapshot struct {
	Account  string         `json:"account"`
	Entities []RemoteEntity `json:"entities"`
}

// ReconciledEntity - сущность каталога, аннотированная результатом сверки
type ReconciledEntity struct {
	RemoteEntity

	IsDuplicate    bool     `json:"is_duplicate"`
	DuplicateCount int      `json:"duplicate_count"`
	Accounts       []string `json:"accounts,omitempty"`
}

// ReconciliationGroup объединяет копии одной позиции (по SKU) из разных аккаунтов.
// Это отчетное представление поверх RemoteEntity, а не объединение ключей хранения:
// записи остаются раздельными, группа лишь фиксирует факт дублирования и конфликты.
type ReconciliationGroup struct {
	SKU            string             `json:"sku"`
	Entities       []ReconciledEntity `json:"entities"`
	Accounts       []string           `json:"accounts"`
	PriceConflict  bool               `json:"price_conflict"`
	StockConflict  bool               `json:"stock_conflict"`
	Representative *ReconciledEntity  `json:"representative,omitempty"`
}

// ReconciliationReport - итог одного прохода сверки по всем аккаунтам
type ReconciliationReport struct {
	UniqueCount    int                   `json:"unique_count"`
	DuplicateCount int                   `json:"duplicate_count"`
	Groups         []ReconciliationGroup `json:"groups"`
}
