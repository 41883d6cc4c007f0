package model

import (
	"fmt"
	"time"
)

// Category is the kind of an inventory item.
type Category string

// Inventory categories.
const (
	CategoryYarn  Category = "yarn"
	CategoryHook  Category = "hook"
	CategoryOther Category = "other"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryYarn, CategoryHook, CategoryOther:
		return true
	}
	return false
}

// InventoryItem is a yarn skein, hook or other supply owned by the user.
type InventoryItem struct {
	ID             string
	Category       Category
	Name           string
	Description    string
	Quantity       int
	Unit           string
	Images         []string
	YarnDetails    *YarnDetails
	HookDetails    *HookDetails
	OtherDetails   *OtherDetails
	Location       string
	Tags           []string
	UsedInProjects []string
	Notes          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time
}

// YarnDetails holds yarn-specific attributes.
type YarnDetails struct {
	Brand         string     `json:"brand,omitempty"`
	ColorName     string     `json:"colorName,omitempty"`
	ColorCode     string     `json:"colorCode,omitempty"`
	Weight        string     `json:"weight,omitempty"`
	Fiber         string     `json:"fiber,omitempty"`
	Yardage       float64    `json:"yardage,omitempty"`
	Grams         float64    `json:"grams,omitempty"`
	DyeLot        string     `json:"dyeLot,omitempty"`
	PurchaseDate  *time.Time `json:"purchaseDate,omitempty"`
	PurchasePrice float64    `json:"purchasePrice,omitempty"`
	Store         string     `json:"store,omitempty"`
}

// HookDetails holds hook-specific attributes.
type HookDetails struct {
	Brand        string     `json:"brand,omitempty"`
	Size         string     `json:"size,omitempty"`
	SizeMM       float64    `json:"sizeMm,omitempty"`
	Material     string     `json:"material,omitempty"`
	PurchaseDate *time.Time `json:"purchaseDate,omitempty"`
}

// OtherDetails holds attributes of notions and tools that are neither yarn nor hooks.
type OtherDetails struct {
	Type         string     `json:"type,omitempty"`
	Brand        string     `json:"brand,omitempty"`
	PurchaseDate *time.Time `json:"purchaseDate,omitempty"`
}

// Validate checks the required fields of an inventory item.
func (i *InventoryItem) Validate() error {
	if i.Name == "" {
		return fmt.Errorf("%w: name required", ErrInvalid)
	}
	if !i.Category.Valid() {
		return fmt.Errorf("%w: unknown category %q", ErrInvalid, i.Category)
	}
	if i.Quantity < 0 {
		return fmt.Errorf("%w: quantity must not be negative", ErrInvalid)
	}
	return nil
}

// Active reports whether the item has not been soft-deleted.
func (i *InventoryItem) Active() bool {
	return i.DeletedAt == nil
}
