package mapper

import (
	"encoding/json"
	"fmt"

	"github.com/sebastjanm/crochet-tracker-sub001/internal/model"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/store"
)

// ProjectTable is the name of the project collection locally and remotely.
const ProjectTable = "projects"

// ProjectRow mirrors one row of the projects table.
type ProjectRow struct {
	store.Meta
	Title              string          `json:"title"`
	Description        string          `json:"description"`
	Status             string          `json:"status"`
	ProjectType        string          `json:"project_type"`
	Images             json.RawMessage `json:"images"`
	PatternImages      json.RawMessage `json:"pattern_images"`
	PatternPDF         string          `json:"pattern_pdf"`
	PatternURL         string          `json:"pattern_url"`
	InspirationURL     string          `json:"inspiration_url"`
	YarnMaterials      json.RawMessage `json:"yarn_materials"`
	YarnUsedIDs        json.RawMessage `json:"yarn_used_ids"`
	HookUsedIDs        json.RawMessage `json:"hook_used_ids"`
	WorkProgress       json.RawMessage `json:"work_progress"`
	InspirationSources json.RawMessage `json:"inspiration_sources"`
	TimeSessions       json.RawMessage `json:"time_sessions"`
	StartDate          *string         `json:"start_date"`
	CompletedDate      *string         `json:"completed_date"`

	IsCurrentlyWorkingOn bool    `json:"is_currently_working_on"`
	WorkingStartedAt     *string `json:"currently_working_on_started_at"`
	WorkingEndedAt       *string `json:"currently_working_on_ended_at"`
}

// Clone implements store.Record.
func (r *ProjectRow) Clone() *ProjectRow {
	c := *r
	c.Meta = r.CloneMeta()
	c.Images = cloneRaw(r.Images)
	c.PatternImages = cloneRaw(r.PatternImages)
	c.YarnMaterials = cloneRaw(r.YarnMaterials)
	c.YarnUsedIDs = cloneRaw(r.YarnUsedIDs)
	c.HookUsedIDs = cloneRaw(r.HookUsedIDs)
	c.WorkProgress = cloneRaw(r.WorkProgress)
	c.InspirationSources = cloneRaw(r.InspirationSources)
	c.TimeSessions = cloneRaw(r.TimeSessions)
	c.StartDate = cloneString(r.StartDate)
	c.CompletedDate = cloneString(r.CompletedDate)
	c.WorkingStartedAt = cloneString(r.WorkingStartedAt)
	c.WorkingEndedAt = cloneString(r.WorkingEndedAt)
	return &c
}

// Validate implements store.Record.
func (r *ProjectRow) Validate() error {
	if err := r.Meta.Validate(); err != nil {
		return err
	}
	if r.Title == "" {
		return fmt.Errorf("project %s: missing title", r.ID)
	}
	if !model.ProjectStatus(r.Status).Valid() {
		return fmt.Errorf("project %s: invalid status %q", r.ID, r.Status)
	}
	for field, raw := range map[string]json.RawMessage{
		"images":              r.Images,
		"pattern_images":      r.PatternImages,
		"yarn_materials":      r.YarnMaterials,
		"yarn_used_ids":       r.YarnUsedIDs,
		"hook_used_ids":       r.HookUsedIDs,
		"work_progress":       r.WorkProgress,
		"inspiration_sources": r.InspirationSources,
		"time_sessions":       r.TimeSessions,
	} {
		if err := validJSON(field, raw); err != nil {
			return fmt.Errorf("project %s: %w", r.ID, err)
		}
	}
	return nil
}

// ProjectToDomain converts a row into a project. It never fails: malformed
// columns are logged and read as empty values.
func ProjectToDomain(r *ProjectRow) model.Project {
	return model.Project{
		ID:                   r.ID,
		Title:                r.Title,
		Description:          r.Description,
		Status:               model.ProjectStatus(r.Status),
		ProjectType:          r.ProjectType,
		Images:               ParseStrings("images", r.Images),
		PatternImages:        ParseStrings("pattern_images", r.PatternImages),
		PatternPDF:           r.PatternPDF,
		PatternURL:           r.PatternURL,
		InspirationURL:       r.InspirationURL,
		YarnMaterials:        ParseList[model.YarnMaterial]("yarn_materials", r.YarnMaterials),
		YarnUsedIDs:          ParseStrings("yarn_used_ids", r.YarnUsedIDs),
		HookUsedIDs:          ParseStrings("hook_used_ids", r.HookUsedIDs),
		WorkProgress:         ParseList[model.WorkProgressEntry]("work_progress", r.WorkProgress),
		InspirationSources:   ParseStrings("inspiration_sources", r.InspirationSources),
		TimeSessions:         ParseList[model.TimeSession]("time_sessions", r.TimeSessions),
		StartDate:            parseTimePtr("start_date", r.StartDate),
		CompletedDate:        parseTimePtr("completed_date", r.CompletedDate),
		CreatedAt:            parseTime("created_at", r.CreatedAt),
		UpdatedAt:            parseTime("updated_at", r.UpdatedAt),
		DeletedAt:            parseTimePtr("deleted_at", r.DeletedAt),
		IsCurrentlyWorkingOn: r.IsCurrentlyWorkingOn,
		WorkingStartedAt:     parseTimePtr("currently_working_on_started_at", r.WorkingStartedAt),
		WorkingEndedAt:       parseTimePtr("currently_working_on_ended_at", r.WorkingEndedAt),
	}
}

// ProjectToRow converts a project into a row owned by userID.
func ProjectToRow(p *model.Project, userID string) *ProjectRow {
	return &ProjectRow{
		Meta: store.Meta{
			ID:        p.ID,
			UserID:    userID,
			CreatedAt: formatTime(p.CreatedAt),
			UpdatedAt: formatTime(p.UpdatedAt),
			DeletedAt: store.FormatTimePtr(p.DeletedAt),
		},
		Title:                p.Title,
		Description:          p.Description,
		Status:               string(p.Status),
		ProjectType:          p.ProjectType,
		Images:               EncodeList("images", p.Images),
		PatternImages:        EncodeList("pattern_images", p.PatternImages),
		PatternPDF:           p.PatternPDF,
		PatternURL:           p.PatternURL,
		InspirationURL:       p.InspirationURL,
		YarnMaterials:        EncodeList("yarn_materials", p.YarnMaterials),
		YarnUsedIDs:          EncodeList("yarn_used_ids", p.YarnUsedIDs),
		HookUsedIDs:          EncodeList("hook_used_ids", p.HookUsedIDs),
		WorkProgress:         EncodeList("work_progress", p.WorkProgress),
		InspirationSources:   EncodeList("inspiration_sources", p.InspirationSources),
		TimeSessions:         EncodeList("time_sessions", p.TimeSessions),
		StartDate:            store.FormatTimePtr(p.StartDate),
		CompletedDate:        store.FormatTimePtr(p.CompletedDate),
		IsCurrentlyWorkingOn: p.IsCurrentlyWorkingOn,
		WorkingStartedAt:     store.FormatTimePtr(p.WorkingStartedAt),
		WorkingEndedAt:       store.FormatTimePtr(p.WorkingEndedAt),
	}
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
