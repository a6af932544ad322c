package docdb

import "time"

// documentRow is one stored document. Data holds the JSON encoding. Keys
// fit in 191 characters; manifest validation bounds name@version to match.
type documentRow struct {
	Collection string    `gorm:"primaryKey;size:64;column:collection"`
	Key        string    `gorm:"primaryKey;size:191;column:doc_key"`
	Data       string    `gorm:"not null;column:data"`
	CreatedAt  time.Time `gorm:"index;column:created_at"`
	UpdatedAt  time.Time `gorm:"column:updated_at"`
}

func (documentRow) TableName() string { return "documents" }

// fieldRow indexes one top-level field of a document by the SHA-256 of its
// JSON encoding, so equality lookups work for any value on every dialect.
type fieldRow struct {
	Collection string `gorm:"primaryKey;size:64;column:collection;index:idx_document_fields_lookup,priority:1"`
	Key        string `gorm:"primaryKey;size:191;column:doc_key"`
	Field      string `gorm:"primaryKey;size:191;column:field;index:idx_document_fields_lookup,priority:2"`
	ValueHash  string `gorm:"size:64;not null;column:value_hash;index:idx_document_fields_lookup,priority:3"`
}

func (fieldRow) TableName() string { return "document_fields" }
