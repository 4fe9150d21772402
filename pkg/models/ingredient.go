package models

import (
	"strings"
	"time"
)

type Category string

const (
	CategoryDairy      Category = "dairy"
	CategoryMeat       Category = "meat"
	CategoryVegetables Category = "vegetables"
	CategorySpices     Category = "spices"
	CategoryGrains     Category = "grains"
	CategoryOther      Category = "other"
)

var Categories = []Category{
	CategoryDairy,
	CategoryMeat,
	CategoryVegetables,
	CategorySpices,
	CategoryGrains,
	CategoryOther,
}

func (c Category) Valid() bool {
	for _, category := range Categories {
		if c == category {
			return true
		}
	}
	return false
}

// NormalizeCategory lower-cases and trims a category taken from user input.
func NormalizeCategory(raw string) Category {
	return Category(strings.ToLower(strings.TrimSpace(raw)))
}

type Unit string

const (
	UnitKilogram   Unit = "kg"
	UnitGram       Unit = "g"
	UnitLitre      Unit = "l"
	UnitMillilitre Unit = "ml"
	UnitPiece      Unit = "piece"
)

func (u Unit) Valid() bool {
	switch u {
	case UnitKilogram, UnitGram, UnitLitre, UnitMillilitre, UnitPiece:
		return true
	}
	return false
}

type Ingredient struct {
	ID          string    `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description" db:"description"`
	Price       float64   `json:"price" db:"price"`
	Category    Category  `json:"category" db:"category"`
	Image       string    `json:"image" db:"image"`
	Stock       int       `json:"stock" db:"stock"`
	Unit        Unit      `json:"unit" db:"unit"`
	Version     int       `json:"version" db:"version"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time `json:"updatedAt" db:"updated_at"`
}

// Normalize trims free text and lower-cases the enum fields in place.
func (i *Ingredient) Normalize() {
	i.Name = strings.TrimSpace(i.Name)
	i.Category = NormalizeCategory(string(i.Category))
	i.Unit = Unit(strings.ToLower(strings.TrimSpace(string(i.Unit))))
}

func (i *Ingredient) Validate() error {
	v := &ValidationError{}
	if i.Name == "" {
		v.Add("name", "is required")
	}
	if strings.TrimSpace(i.Description) == "" {
		v.Add("description", "is required")
	}
	if i.Price < 0 {
		v.Add("price", "must be at least 0")
	}
	if !i.Category.Valid() {
		v.Add("category", "must be one of dairy, meat, vegetables, spices, grains, other")
	}
	if i.Image == "" {
		v.Add("image", "is required")
	}
	if i.Stock < 0 {
		v.Add("stock", "must be at least 0")
	}
	if !i.Unit.Valid() {
		v.Add("unit", "must be one of kg, g, l, ml, piece")
	}
	return v.OrNil()
}
