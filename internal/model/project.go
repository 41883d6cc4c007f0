package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalid wraps every validation failure of a project or inventory item.
var ErrInvalid = errors.New("invalid")

// ProjectStatus is the lifecycle state of a project.
type ProjectStatus string

// Project statuses.
const (
	StatusToDo       ProjectStatus = "to-do"
	StatusInProgress ProjectStatus = "in-progress"
	StatusOnHold     ProjectStatus = "on-hold"
	StatusCompleted  ProjectStatus = "completed"
	StatusFrogged    ProjectStatus = "frogged"
)

// Valid reports whether s is a known status.
func (s ProjectStatus) Valid() bool {
	switch s {
	case StatusToDo, StatusInProgress, StatusOnHold, StatusCompleted, StatusFrogged:
		return true
	}
	return false
}

// Project is a crochet or knitting project.
type Project struct {
	ID                 string
	Title              string
	Description        string
	Status             ProjectStatus
	ProjectType        string
	Images             []string
	PatternImages      []string
	PatternPDF         string
	PatternURL         string
	InspirationURL     string
	YarnMaterials      []YarnMaterial
	YarnUsedIDs        []string
	HookUsedIDs        []string
	WorkProgress       []WorkProgressEntry
	InspirationSources []string
	TimeSessions       []TimeSession
	StartDate          *time.Time
	CompletedDate      *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
	DeletedAt          *time.Time

	IsCurrentlyWorkingOn bool
	WorkingStartedAt     *time.Time
	WorkingEndedAt       *time.Time
}

// YarnMaterial records how much of an inventory item a project uses.
type YarnMaterial struct {
	ItemID   string  `json:"itemId"`
	Quantity float64 `json:"quantity"`
}

// WorkProgressEntry is a journal entry on a project.
type WorkProgressEntry struct {
	ID    string    `json:"id"`
	Date  time.Time `json:"date"`
	Notes string    `json:"notes"`
}

// TimeSession is one tracked stretch of work on a project.
type TimeSession struct {
	ID              string     `json:"id"`
	StartedAt       time.Time  `json:"startedAt"`
	EndedAt         *time.Time `json:"endedAt,omitempty"`
	DurationSeconds int64      `json:"durationSeconds"`
}

// Validate checks the required fields and materials of a project.
func (p *Project) Validate() error {
	if p.Title == "" {
		return fmt.Errorf("%w: title required", ErrInvalid)
	}
	if !p.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalid, p.Status)
	}
	for _, m := range p.YarnMaterials {
		if m.ItemID == "" {
			return fmt.Errorf("%w: yarn material without item id", ErrInvalid)
		}
		if m.Quantity < 0 {
			return fmt.Errorf("%w: yarn material %s has negative quantity", ErrInvalid, m.ItemID)
		}
	}
	return nil
}

// Active reports whether the project has not been soft-deleted.
func (p *Project) Active() bool {
	return p.DeletedAt == nil
}

// UsedInventoryIDs returns every inventory id the project references, without duplicates.
func (p *Project) UsedInventoryIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		ids = append(ids, id)
	}
	for _, id := range p.YarnUsedIDs {
		add(id)
	}
	for _, m := range p.YarnMaterials {
		add(m.ItemID)
	}
	for _, id := range p.HookUsedIDs {
		add(id)
	}
	return ids
}
