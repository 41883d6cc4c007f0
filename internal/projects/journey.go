package projects

import (
	"time"

	"github.com/sebastjanm/crochet-tracker-sub001/internal/model"
)

// Journey summarizes the user's crafting history.
type Journey struct {
	Total          int                         `json:"total"`
	ByStatus       map[model.ProjectStatus]int `json:"byStatus"`
	Completed      int                         `json:"completed"`
	CurrentlyOn    int                         `json:"currentlyWorkingOn"`
	MinutesWorked  int64                       `json:"minutesWorked"`
	JournalEntries int                         `json:"journalEntries"`
	YarnsUsed      int                         `json:"yarnsUsed"`
	HooksUsed      int                         `json:"hooksUsed"`
}

// Journey computes statistics over the active projects. Open time sessions
// count up to now.
func (s *Service) Journey() Journey {
	return journey(s.List(""), s.now())
}

func journey(projects []model.Project, now time.Time) Journey {
	j := Journey{ByStatus: make(map[model.ProjectStatus]int)}
	yarns := make(map[string]bool)
	hooks := make(map[string]bool)

	var worked time.Duration
	for _, p := range projects {
		j.Total++
		j.ByStatus[p.Status]++
		if p.Status == model.StatusCompleted {
			j.Completed++
		}
		if p.IsCurrentlyWorkingOn {
			j.CurrentlyOn++
		}
		j.JournalEntries += len(p.WorkProgress)

		for _, ts := range p.TimeSessions {
			if ts.EndedAt != nil {
				worked += time.Duration(ts.DurationSeconds) * time.Second
			} else if now.After(ts.StartedAt) {
				worked += now.Sub(ts.StartedAt)
			}
		}

		for _, id := range p.YarnUsedIDs {
			yarns[id] = true
		}
		for _, m := range p.YarnMaterials {
			yarns[m.ItemID] = true
		}
		for _, id := range p.HookUsedIDs {
			hooks[id] = true
		}
	}

	j.MinutesWorked = int64(worked / time.Minute)
	j.YarnsUsed = len(yarns)
	j.HooksUsed = len(hooks)
	return j
}
