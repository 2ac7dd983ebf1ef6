package repository

import (
	"context"
	"strings"

	"github.com/bitfantasy/nimo-mes/internal/process/entity"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ProcessRepository 工艺文件仓储
type ProcessRepository struct {
	db *gorm.DB
}

// NewProcessRepository 创建工艺文件仓储
func NewProcessRepository(db *gorm.DB) *ProcessRepository {
	return &ProcessRepository{db: db}
}

// ListFilter 列表过滤条件
type ListFilter struct {
	Keyword    string
	NewestOnly bool
	Limit      int
}

// List 按零件名称/材料模糊查询，NewestOnly 时每个零件名称只取 id 最大的一条
func (r *ProcessRepository) List(ctx context.Context, f ListFilter) ([]entity.ProcessDocument, error) {
	var docs []entity.ProcessDocument

	query := r.db.WithContext(ctx).Model(&entity.ProcessDocument{})

	if f.NewestOnly {
		latest := r.db.Model(&entity.ProcessDocument{}).
			Select("MAX(id)").
			Group("part_name")
		query = query.Where("id IN (?)", latest)
	}
	if kw := strings.TrimSpace(f.Keyword); kw != "" {
		like := "%" + strings.ToLower(kw) + "%"
		query = query.Where("LOWER(part_name) LIKE ? OR LOWER(material) LIKE ?", like, like)
	}

	limit := f.Limit
	if limit <= 0 || limit > entity.MaxListResults {
		limit = entity.MaxListResults
	}

	err := query.
		Order("id DESC").
		Limit(limit).
		Find(&docs).Error
	return docs, err
}

// FindByID 根据ID查找工艺文件（不含工序）
func (r *ProcessRepository) FindByID(ctx context.Context, id uint64) (*entity.ProcessDocument, error) {
	var doc entity.ProcessDocument
	err := r.db.WithContext(ctx).First(&doc, "id = ?", id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &doc, nil
}

// FindWithSteps 根据ID查找工艺文件及按顺序排列的工序
func (r *ProcessRepository) FindWithSteps(ctx context.Context, id uint64) (*entity.ProcessDocument, error) {
	var doc entity.ProcessDocument
	err := r.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC")
		}).
		First(&doc, "id = ?", id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &doc, nil
}

// ListSteps 获取工艺文件的工序
func (r *ProcessRepository) ListSteps(ctx context.Context, processID uint64) ([]entity.ProcessStep, error) {
	var steps []entity.ProcessStep
	err := r.db.WithContext(ctx).
		Where("process_id = ?", processID).
		Order("position ASC").
		Find(&steps).Error
	return steps, err
}

// History 获取同一零件名称的全部版本（version 降序）
func (r *ProcessRepository) History(ctx context.Context, partName string) ([]entity.ProcessDocument, error) {
	var docs []entity.ProcessDocument
	err := r.db.WithContext(ctx).
		Where("part_name = ?", partName).
		Order("version DESC").
		Find(&docs).Error
	return docs, err
}

// MaxVersion 零件名称下当前最大版本号，没有记录时为 0
func (r *ProcessRepository) MaxVersion(ctx context.Context, partName string) (int, error) {
	var maxVersion int
	err := r.db.WithContext(ctx).
		Model(&entity.ProcessDocument{}).
		Where("part_name = ?", partName).
		Select("COALESCE(MAX(version), 0)").
		Scan(&maxVersion).Error
	return maxVersion, err
}

// VersionTaken 零件名称与版本号是否已被其他工艺文件占用，excludeID 为 0 时不排除
func (r *ProcessRepository) VersionTaken(ctx context.Context, partName string, version int, excludeID uint64) (bool, error) {
	var count int64
	q := r.db.WithContext(ctx).
		Model(&entity.ProcessDocument{}).
		Where("part_name = ? AND version = ?", partName, version)
	if excludeID != 0 {
		q = q.Where("id <> ?", excludeID)
	}
	err := q.Count(&count).Error
	return count > 0, err
}

// NextVersion 获取下一个版本号
func (r *ProcessRepository) NextVersion(ctx context.Context, partName string) (int, error) {
	maxVersion, err := r.MaxVersion(ctx, partName)
	if err != nil {
		return 0, err
	}
	return maxVersion + 1, nil
}

// Create 创建工艺文件（不级联写工序）
func (r *ProcessRepository) Create(ctx context.Context, doc *entity.ProcessDocument) error {
	if doc.RowVersion == 0 {
		doc.RowVersion = 1
	}
	err := r.db.WithContext(ctx).Omit(clause.Associations).Create(doc).Error
	return translate(err)
}

// UpdateGuarded 以完整新状态覆盖可变字段，row_version 不匹配时返回 ErrConflict
func (r *ProcessRepository) UpdateGuarded(ctx context.Context, doc *entity.ProcessDocument, expectedRowVersion int64) error {
	res := r.db.WithContext(ctx).
		Model(&entity.ProcessDocument{}).
		Where("id = ? AND row_version = ?", doc.ID, expectedRowVersion).
		Updates(map[string]interface{}{
			"part_name":      doc.PartName,
			"workpiece_size": doc.WorkpieceSize,
			"material":       doc.Material,
			"picture":        doc.Picture,
			"note":           doc.Note,
			"edited_by":      doc.EditedBy,
			"edited_by_name": doc.EditedByName,
			"edited_at":      doc.EditedAt,
			"row_version":    expectedRowVersion + 1,
		})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	doc.RowVersion = expectedRowVersion + 1
	return nil
}

// Delete 删除工艺文件
func (r *ProcessRepository) Delete(ctx context.Context, id uint64) error {
	res := r.db.WithContext(ctx).Delete(&entity.ProcessDocument{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateSteps 批量写入工序
func (r *ProcessRepository) CreateSteps(ctx context.Context, steps []entity.ProcessStep) error {
	if len(steps) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&steps).Error
}

// DeleteSteps 删除工艺文件的全部工序
func (r *ProcessRepository) DeleteSteps(ctx context.Context, processID uint64) error {
	return r.db.WithContext(ctx).
		Where("process_id = ?", processID).
		Delete(&entity.ProcessStep{}).Error
}
