package mapper

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sebastjanm/crochet-tracker-sub001/internal/model"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/store"
)

// InventoryTable is the name of the inventory collection locally and remotely.
const InventoryTable = "inventory_items"

// InventoryRow mirrors one row of the inventory_items table.
type InventoryRow struct {
	store.Meta
	Category       string          `json:"category"`
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	Quantity       int             `json:"quantity"`
	Unit           string          `json:"unit"`
	Images         json.RawMessage `json:"images"`
	YarnDetails    json.RawMessage `json:"yarn_details"`
	HookDetails    json.RawMessage `json:"hook_details"`
	OtherDetails   json.RawMessage `json:"other_details"`
	Location       string          `json:"location"`
	Tags           json.RawMessage `json:"tags"`
	UsedInProjects json.RawMessage `json:"used_in_projects"`
	Notes          string          `json:"notes"`
}

// Clone implements store.Record.
func (r *InventoryRow) Clone() *InventoryRow {
	c := *r
	c.Meta = r.CloneMeta()
	c.Images = cloneRaw(r.Images)
	c.YarnDetails = cloneRaw(r.YarnDetails)
	c.HookDetails = cloneRaw(r.HookDetails)
	c.OtherDetails = cloneRaw(r.OtherDetails)
	c.Tags = cloneRaw(r.Tags)
	c.UsedInProjects = cloneRaw(r.UsedInProjects)
	return &c
}

// Validate implements store.Record.
func (r *InventoryRow) Validate() error {
	if err := r.Meta.Validate(); err != nil {
		return err
	}
	if r.Name == "" {
		return fmt.Errorf("inventory item %s: missing name", r.ID)
	}
	if !model.Category(r.Category).Valid() {
		return fmt.Errorf("inventory item %s: invalid category %q", r.ID, r.Category)
	}
	if r.Quantity < 0 {
		return fmt.Errorf("inventory item %s: negative quantity %d", r.ID, r.Quantity)
	}
	for field, raw := range map[string]json.RawMessage{
		"images":           r.Images,
		"yarn_details":     r.YarnDetails,
		"hook_details":     r.HookDetails,
		"other_details":    r.OtherDetails,
		"tags":             r.Tags,
		"used_in_projects": r.UsedInProjects,
	} {
		if err := validJSON(field, raw); err != nil {
			return fmt.Errorf("inventory item %s: %w", r.ID, err)
		}
	}
	return nil
}

// InventoryToDomain converts a row into an inventory item. It never fails:
// malformed columns are logged and read as empty values.
func InventoryToDomain(r *InventoryRow) model.InventoryItem {
	return model.InventoryItem{
		ID:             r.ID,
		Category:       model.Category(r.Category),
		Name:           r.Name,
		Description:    r.Description,
		Quantity:       r.Quantity,
		Unit:           r.Unit,
		Images:         ParseStrings("images", r.Images),
		YarnDetails:    parseObject[model.YarnDetails]("yarn_details", r.YarnDetails),
		HookDetails:    parseObject[model.HookDetails]("hook_details", r.HookDetails),
		OtherDetails:   parseObject[model.OtherDetails]("other_details", r.OtherDetails),
		Location:       r.Location,
		Tags:           ParseStrings("tags", r.Tags),
		UsedInProjects: ParseStrings("used_in_projects", r.UsedInProjects),
		Notes:          r.Notes,
		CreatedAt:      parseTime("created_at", r.CreatedAt),
		UpdatedAt:      parseTime("updated_at", r.UpdatedAt),
		DeletedAt:      parseTimePtr("deleted_at", r.DeletedAt),
	}
}

// InventoryToRow converts an inventory item into a row owned by userID.
func InventoryToRow(item *model.InventoryItem, userID string) *InventoryRow {
	return &InventoryRow{
		Meta: store.Meta{
			ID:        item.ID,
			UserID:    userID,
			CreatedAt: formatTime(item.CreatedAt),
			UpdatedAt: formatTime(item.UpdatedAt),
			DeletedAt: store.FormatTimePtr(item.DeletedAt),
		},
		Category:       string(item.Category),
		Name:           item.Name,
		Description:    item.Description,
		Quantity:       item.Quantity,
		Unit:           item.Unit,
		Images:         EncodeList("images", item.Images),
		YarnDetails:    encodeObject("yarn_details", item.YarnDetails),
		HookDetails:    encodeObject("hook_details", item.HookDetails),
		OtherDetails:   encodeObject("other_details", item.OtherDetails),
		Location:       item.Location,
		Tags:           EncodeList("tags", item.Tags),
		UsedInProjects: EncodeList("used_in_projects", item.UsedInProjects),
		Notes:          item.Notes,
	}
}

func parseTime(field, s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := store.ParseTime(s)
	if err != nil {
		slog.Warn("malformed timestamp, using zero time", "field", field, "value", s)
		return time.Time{}
	}
	return t
}

func parseTimePtr(field string, s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t, err := store.ParseTime(*s)
	if err != nil {
		slog.Warn("malformed timestamp, dropping", "field", field, "value", *s)
		return nil
	}
	return &t
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return store.FormatTime(t)
}
