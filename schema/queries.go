package schema

import (
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func GetProduct(db *gorm.DB, accref string) (Product, error) {
	var product Product
	result := db.First(&product, "accref = ?", accref)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return product, ErrProductNotFound
		}
		slog.Error("sql error in get product", "accref", accref, "error", result.Error)
		return product, ErrDbAccessFailed
	}
	return product, nil
}

// GetProductByPubDID looks a product up by its publisher DID.
func GetProductByPubDID(db *gorm.DB, pubDID string) (Product, error) {
	var product Product
	result := db.First(&product, "pubdid = ?", pubDID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return product, ErrProductNotFound
		}
		slog.Error("sql error in get product", "pubdid", pubDID, "error", result.Error)
		return product, ErrDbAccessFailed
	}
	return product, nil
}

func GetUser(db *gorm.DB, username string) (User, error) {
	var user User
	result := db.First(&user, "username = ?", username)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return user, ErrUserNotFound
		}
		slog.Error("sql error in get user", "username", username, "error", result.Error)
		return user, ErrDbAccessFailed
	}
	return user, nil
}

// PublishResources replaces the registry records of an RD. Records no
// longer published are kept as deleted so harvesters learn about the
// removal.
func PublishResources(db *gorm.DB, sourceRD string, resources []Resource) error {
	now := time.Now().UTC().Truncate(time.Second)
	return db.Transaction(func(txn *gorm.DB) error {
		if err := txn.Model(&Resource{}).Where("source_rd = ?", sourceRD).
			Updates(map[string]any{"deleted": true, "updated_at": now}).Error; err != nil {
			slog.Error("sql error marking resources deleted", "rd", sourceRD, "error", err)
			return ErrDbAccessFailed
		}
		if err := txn.Model(&Set{}).Where("source_rd = ?", sourceRD).
			Update("deleted", true).Error; err != nil {
			slog.Error("sql error marking sets deleted", "rd", sourceRD, "error", err)
			return ErrDbAccessFailed
		}

		for _, res := range resources {
			res.SourceRD = sourceRD
			res.Deleted = false
			res.UpdatedAt = now
			sets := res.Sets
			res.Sets = nil
			if err := txn.Clauses(clause.OnConflict{UpdateAll: true}).Create(&res).Error; err != nil {
				slog.Error("sql error publishing resource", "rd", sourceRD, "res_id", res.ResID, "error", err)
				return ErrDbAccessFailed
			}
			for _, set := range sets {
				set.SourceRD, set.ResID, set.Deleted = sourceRD, res.ResID, false
				if err := txn.Clauses(clause.OnConflict{UpdateAll: true}).Create(&set).Error; err != nil {
					slog.Error("sql error publishing set", "rd", sourceRD, "res_id", res.ResID, "error", err)
					return ErrDbAccessFailed
				}
			}
		}
		return nil
	})
}

// ResourceFilter selects registry records for OAI-PMH list verbs.
type ResourceFilter struct {
	From  *time.Time
	Until *time.Time
	Set   string
}

func ListResources(db *gorm.DB, filter ResourceFilter) ([]Resource, error) {
	query := db.Model(&Resource{}).Preload("Sets", "deleted = ?", false)
	if filter.From != nil {
		query = query.Where("updated_at >= ?", *filter.From)
	}
	if filter.Until != nil {
		query = query.Where("updated_at <= ?", *filter.Until)
	}
	if filter.Set != "" {
		sets := db.Model(&Set{}).Select("source_rd || '#' || res_id").Where("set_name = ?", filter.Set)
		query = query.Where("source_rd || '#' || res_id IN (?)", sets)
	}

	var resources []Resource
	if err := query.Order("ivoid").Find(&resources).Error; err != nil {
		slog.Error("sql error listing resources", "error", err)
		return nil, ErrDbAccessFailed
	}
	return resources, nil
}

func GetResource(db *gorm.DB, ivoid string) (Resource, error) {
	var res Resource
	result := db.Preload("Sets", "deleted = ?", false).First(&res, "ivoid = ?", ivoid)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return res, ErrResourceNotFound
		}
		slog.Error("sql error in get resource", "ivoid", ivoid, "error", result.Error)
		return res, ErrDbAccessFailed
	}
	return res, nil
}

// ListSetNames returns the names of all sets with live members.
func ListSetNames(db *gorm.DB) ([]string, error) {
	var names []string
	if err := db.Model(&Set{}).Where("deleted = ?", false).Distinct().
		Order("set_name").Pluck("set_name", &names).Error; err != nil {
		slog.Error("sql error listing sets", "error", err)
		return nil, ErrDbAccessFailed
	}
	return names, nil
}

// SetTableMeta replaces the table catalog entries of an RD.
func SetTableMeta(db *gorm.DB, sourceRD string, entries []TableMeta) error {
	return db.Transaction(func(txn *gorm.DB) error {
		if err := txn.Where("source_rd = ?", sourceRD).Delete(&TableMeta{}).Error; err != nil {
			slog.Error("sql error clearing table meta", "rd", sourceRD, "error", err)
			return ErrDbAccessFailed
		}
		for _, e := range entries {
			e.SourceRD = sourceRD
			if err := txn.Clauses(clause.OnConflict{UpdateAll: true}).Create(&e).Error; err != nil {
				slog.Error("sql error setting table meta", "table", e.TableName, "error", err)
				return ErrDbAccessFailed
			}
		}
		return nil
	})
}

func ListTableMeta(db *gorm.DB, adqlOnly bool) ([]TableMeta, error) {
	query := db.Order("table_name")
	if adqlOnly {
		query = query.Where("adql = ?", true)
	}
	var entries []TableMeta
	if err := query.Find(&entries).Error; err != nil {
		slog.Error("sql error listing table meta", "error", err)
		return nil, ErrDbAccessFailed
	}
	return entries, nil
}
