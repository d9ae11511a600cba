package syncer

import (
	"github.com/athebyme/gomarket-sync/internal/domain/models"
)

// ReconcilerOptions - политика сверки каталогов
type ReconcilerOptions struct {
	// FlagIdenticalDuplicates определяет, попадают ли в отчет для оператора
	// дубликаты без конфликтов цены и остатка. Группировка при этом
	// выполняется всегда - политика влияет только на публикуемый срез.
	FlagIdenticalDuplicates bool
}

// Reconciler сверяет срезы каталогов нескольких аккаунтов и находит
// дубликаты по SKU. Чистая функция над входными данными: ни ввода-вывода,
// ни мутации хранилища; решение о том, какой аккаунт "выигрывает",
// принимает внешний вызывающий.
type Reconciler struct {
	opts ReconcilerOptions
}

// NewReconciler создает движок сверки с заданной политикой
func NewReconciler(opts ReconcilerOptions) *Reconciler {
	return &Reconciler{opts: opts}
}

// Combine объединяет срезы каталогов всех аккаунтов, группируя позиции по SKU
// с сохранением порядка первого появления. SKU, встречающийся более чем
// в одном аккаунте, образует группу дубликатов: каждая его копия помечается
// IsDuplicate со списком аккаунтов и их числом. Внутри группы расхождение
// цены или остатка (с нулевым допуском) поднимает флаг конфликта.
func (r *Reconciler) Combine(snapshots []models.AccountSnapshot) *models.ReconciliationReport {
	type skuBucket struct {
		entities []models.ReconciledEntity
		accounts []string
		seen     map[string]struct{}
	}

	buckets := make(map[string]*skuBucket)
	var order []string

	for _, snapshot := range snapshots {
		for _, entity := range snapshot.Entities {
			account := entity.Account
			if account == "" {
				account = snapshot.Account
			}

			bucket, ok := buckets[entity.SKU]
			if !ok {
				bucket = &skuBucket{seen: make(map[string]struct{})}
				buckets[entity.SKU] = bucket
				order = append(order, entity.SKU)
			}

			reconciled := models.ReconciledEntity{RemoteEntity: entity}
			reconciled.Account = account
			bucket.entities = append(bucket.entities, reconciled)

			if _, dup := bucket.seen[account]; !dup {
				bucket.seen[account] = struct{}{}
				bucket.accounts = append(bucket.accounts, account)
			}
		}
	}

	report := &models.ReconciliationReport{}

	for _, sku := range order {
		bucket := buckets[sku]

		group := models.ReconciliationGroup{
			SKU:      sku,
			Accounts: bucket.accounts,
		}

		isDuplicate := len(bucket.accounts) > 1
		if isDuplicate {
			report.DuplicateCount++
		} else {
			report.UniqueCount++
		}

		for i := range bucket.entities {
			bucket.entities[i].IsDuplicate = isDuplicate
			if isDuplicate {
				bucket.entities[i].DuplicateCount = len(bucket.accounts)
				bucket.entities[i].Accounts = bucket.accounts
			}
		}
		group.Entities = bucket.entities

		if isDuplicate {
			group.PriceConflict, group.StockConflict = detectConflicts(bucket.entities)
		}

		// Представителем группы считается первая встреченная копия
		group.Representative = &group.Entities[0]

		report.Groups = append(report.Groups, group)
	}

	return report
}

// ActionableGroups возвращает группы дубликатов, подлежащие вниманию оператора,
// с учетом политики FlagIdenticalDuplicates
func (r *Reconciler) ActionableGroups(report *models.ReconciliationReport) []models.ReconciliationGroup {
	var actionable []models.ReconciliationGroup
	for _, group := range report.Groups {
		if len(group.Accounts) < 2 {
			continue
		}
		if !r.opts.FlagIdenticalDuplicates && !group.PriceConflict && !group.StockConflict {
			continue
		}
		actionable = append(actionable, group)
	}
	return actionable
}

// detectConflicts проверяет расхождения цены и остатка внутри группы дубликатов
func detectConflicts(entities []models.ReconciledEntity) (priceConflict, stockConflict bool) {
	if len(entities) < 2 {
		return false, false
	}

	first := entities[0]
	for _, entity := range entities[1:] {
		if entity.Price != first.Price {
			priceConflict = true
		}
		if entity.Stock != first.Stock {
			stockConflict = true
		}
	}
	return priceConflict, stockConflict
}
