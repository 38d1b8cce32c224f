package models

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// ConditionOperator is the comparison applied to a patient's queue offset
type ConditionOperator string

const (
	ConditionOperatorEqual         ConditionOperator = "EQUAL"
	ConditionOperatorGreater       ConditionOperator = "GREATER"
	ConditionOperatorLess          ConditionOperator = "LESS"
	ConditionOperatorRange         ConditionOperator = "RANGE"
	ConditionOperatorDefault       ConditionOperator = "DEFAULT"
	ConditionOperatorUnconditioned ConditionOperator = "UNCONDITIONED"
)

func (o ConditionOperator) String() string {
	return string(o)
}

// Valid checks if the operator is valid
func (o ConditionOperator) Valid() bool {
	switch o {
	case ConditionOperatorEqual, ConditionOperatorGreater, ConditionOperatorLess,
		ConditionOperatorRange, ConditionOperatorDefault, ConditionOperatorUnconditioned:
		return true
	default:
		return false
	}
}

// IsStructural reports whether the operator compares the offset against values
func (o ConditionOperator) IsStructural() bool {
	switch o {
	case ConditionOperatorEqual, ConditionOperatorGreater, ConditionOperatorLess, ConditionOperatorRange:
		return true
	default:
		return false
	}
}

// Scan implements the sql.Scanner interface for ConditionOperator
func (o *ConditionOperator) Scan(value any) error {
	if value == nil {
		*o = ""
		return nil
	}
	switch v := value.(type) {
	case string:
		*o = ConditionOperator(v)
	case []byte:
		*o = ConditionOperator(string(v))
	default:
		return fmt.Errorf("cannot scan %T into ConditionOperator", value)
	}
	return nil
}

// Value implements the driver.Valuer interface for ConditionOperator
func (o ConditionOperator) Value() (driver.Value, error) {
	if !o.Valid() {
		return nil, fmt.Errorf("invalid ConditionOperator: %s", o)
	}
	return string(o), nil
}

// MessageTemplate is the text sent to a patient. Content may hold the
// placeholders {PN} {PQP} {CQP} {ETR} {DN}.
type MessageTemplate struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	QueueID            uint      `gorm:"not null;index:idx_message_templates_queue_id" json:"queue_id"`
	ModeratorID        uint      `gorm:"not null;index:idx_message_templates_moderator_id" json:"moderator_id"`
	Title              string    `gorm:"size:255;not null" json:"title"`
	Content            string    `gorm:"type:text;not null" json:"content"`
	MessageConditionID *uint     `gorm:"index:idx_message_templates_condition_id" json:"message_condition_id,omitempty"`
	IsDeleted          bool      `gorm:"not null;default:false" json:"is_deleted"`
	CreatedAt          time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');not null" json:"created_at"`
	UpdatedAt          time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');not null" json:"updated_at"`
}

func (MessageTemplate) TableName() string { return "message_templates" }

// MessageCondition selects a template by the patient's offset.
// TemplateID is nullable so a condition can be inserted before its template and back-patched.
type MessageCondition struct {
	ID         uint              `gorm:"primaryKey" json:"id"`
	QueueID    uint              `gorm:"not null;index:idx_message_conditions_queue_id" json:"queue_id"`
	TemplateID *uint             `gorm:"uniqueIndex:uk_message_conditions_template_id" json:"template_id,omitempty"`
	Operator   ConditionOperator `gorm:"type:varchar(20);not null" json:"operator"`
	Value      *int              `json:"value,omitempty"`
	MinValue   *int              `json:"min_value,omitempty"`
	MaxValue   *int              `json:"max_value,omitempty"`
	Priority   int               `gorm:"not null;default:0" json:"priority"`
	CreatedAt  time.Time         `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');not null" json:"created_at"`
	UpdatedAt  time.Time         `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');not null" json:"updated_at"`
}

func (MessageCondition) TableName() string { return "message_conditions" }

// Matches evaluates a structural condition against an offset.
// DEFAULT and UNCONDITIONED never match structurally.
func (c MessageCondition) Matches(offset int) bool {
	switch c.Operator {
	case ConditionOperatorEqual:
		return c.Value != nil && offset == *c.Value
	case ConditionOperatorGreater:
		return c.Value != nil && offset > *c.Value
	case ConditionOperatorLess:
		return c.Value != nil && offset < *c.Value
	case ConditionOperatorRange:
		return c.MinValue != nil && c.MaxValue != nil && *c.MinValue <= offset && offset <= *c.MaxValue
	default:
		return false
	}
}

// MessageTemplateFilter provides filter fields for repository queries
type MessageTemplateFilter struct {
	ID          *uint
	IDs         []uint
	QueueID     *uint
	ModeratorID *uint
	IsDeleted   *bool
}

// MessageConditionFilter provides filter fields for repository queries
type MessageConditionFilter struct {
	ID      *uint
	QueueID *uint
}
