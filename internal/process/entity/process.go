package entity

import "time"

// ProcessDocument 工艺文件，按零件名称形成版本链 v1 → v2 → v3 …
type ProcessDocument struct {
	ID            uint64     `json:"id" gorm:"primaryKey;autoIncrement"`
	PartName      string     `json:"part_name" gorm:"size:128;not null;uniqueIndex:idx_process_part_version,priority:1"`
	WorkpieceSize string     `json:"workpiece_size" gorm:"size:128"`
	Material      string     `json:"material" gorm:"size:128;index"`
	Picture       string     `json:"picture,omitempty" gorm:"size:512"`
	Version       int        `json:"version" gorm:"not null;default:1;uniqueIndex:idx_process_part_version,priority:2"`
	RowVersion    int64      `json:"row_version" gorm:"not null;default:1"`
	CreatedBy     string     `json:"created_by" gorm:"size:32"`
	CreatedByName string     `json:"created_by_name" gorm:"size:64"`
	CreatedAt     time.Time  `json:"created_at"`
	EditedBy      string     `json:"edited_by,omitempty" gorm:"size:32"`
	EditedByName  string     `json:"edited_by_name,omitempty" gorm:"size:64"`
	EditedAt      *time.Time `json:"edited_at,omitempty"`
	Note          string     `json:"note,omitempty" gorm:"type:text"`

	// Relations
	Steps []ProcessStep `json:"steps,omitempty" gorm:"foreignKey:ProcessID"`
}

func (ProcessDocument) TableName() string {
	return "process_documents"
}

// ProcessStep 工序，Position 在同一工艺文件内从 1 连续编号
type ProcessStep struct {
	ID               uint64  `json:"id" gorm:"primaryKey;autoIncrement"`
	ProcessID        uint64  `json:"process_id" gorm:"not null;index"`
	Position         int     `json:"position" gorm:"not null"`
	Department       string  `json:"department" gorm:"size:64"`
	Content          string  `json:"content" gorm:"type:text"`
	Fixture          string  `json:"fixture" gorm:"size:256"`
	EstimatedTime    float64 `json:"estimated_time" gorm:"type:decimal(10,2);not null;default:0"`
	QuantityPerSetup string  `json:"quantity_per_setup" gorm:"size:32;not null;default:1"`
	Picture          string  `json:"picture,omitempty" gorm:"size:512"`
	Note             string  `json:"note,omitempty" gorm:"type:text"`
}

func (ProcessStep) TableName() string {
	return "process_steps"
}

// 保存分支
const (
	SaveActionCreated   = "created"
	SaveActionVersioned = "versioned"
	SaveActionUpdated   = "updated"
	SaveActionDeleted   = "deleted"
)

// DefaultQuantityPerSetup 每次装夹数量缺省值
const DefaultQuantityPerSetup = "1"

// MaxListResults 列表查询上限
const MaxListResults = 200
