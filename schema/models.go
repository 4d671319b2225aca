package schema

import (
	"errors"
	"time"

	"gorm.io/datatypes"
)

// TableMeta lists the published tables of all RDs.
type TableMeta struct {
	TableName   string `gorm:"primaryKey"`
	SourceRD    string `gorm:"column:source_rd;index;not null"`
	Description string
	ResDir      string
	Adql        bool `gorm:"not null"`
}

// Resource is a registry record.
type Resource struct {
	SourceRD  string `gorm:"column:source_rd;primaryKey"`
	ResID     string `gorm:"primaryKey"`
	Ivoid     string `gorm:"index;not null"`
	Title     string
	ResType   string
	Deleted   bool      `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`

	Sets []Set `gorm:"foreignKey:SourceRD,ResID;references:SourceRD,ResID;constraint:OnDelete:CASCADE"`
}

// Set is the membership of a resource in an OAI set, per renderer.
type Set struct {
	SourceRD string `gorm:"column:source_rd;primaryKey"`
	ResID    string `gorm:"primaryKey"`
	SetName  string `gorm:"primaryKey"`
	Renderer string `gorm:"primaryKey"`
	Deleted  bool   `gorm:"not null"`
}

type User struct {
	Username string `gorm:"primaryKey;size:100"`
	Password []byte `gorm:"not null"`
	Remarks  string
}

// Product is a file-backed dataset; the columns match the products
// table of the //products RD.
type Product struct {
	Accref      string `gorm:"primaryKey"`
	Owner       *string
	Embargo     *time.Time
	Mime        string
	Accesspath  string `gorm:"not null"`
	Sourcetable string `gorm:"index"`
	Datalink    *string
	Preview     *string
	Pubdid      *string `gorm:"index"`
}

type JobResult struct {
	Name string `json:"name"`
	Mime string `json:"mime"`
}

// Job is a UWS job. The same model backs the tap_jobs and dl_jobs
// tables.
type Job struct {
	JobID             string `gorm:"primaryKey;size:64"`
	Phase             string `gorm:"index;not null"`
	RunID             string
	Owner             string
	ExecutionDuration int       `gorm:"not null"`
	DestructionTime   time.Time `gorm:"index;not null"`
	CreationTime      time.Time `gorm:"not null"`
	StartTime         *time.Time
	EndTime           *time.Time
	Parameters        datatypes.JSONMap
	Results           datatypes.JSONSlice[JobResult]
	Error             string
	Pid               int
	JobClass          string
}

var (
	ErrResourceNotFound = errors.New("resource not found")
	ErrProductNotFound  = errors.New("product not found")
	ErrUserNotFound     = errors.New("user not found")
	ErrDbAccessFailed   = errors.New("db access failed")
)
