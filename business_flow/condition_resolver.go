package businessflow

import (
	"sort"
	"strconv"
	"strings"

	"github.com/amirphl/clinic-queue/models"
)

// ResolutionReason explains why a template was (or was not) chosen for a patient
type ResolutionReason string

const (
	ResolutionCondition ResolutionReason = "CONDITION"
	ResolutionDefault   ResolutionReason = "DEFAULT"
	ResolutionExcluded  ResolutionReason = "EXCLUDED"
	ResolutionNoMatch   ResolutionReason = "NO_MATCH"
	// ResolutionManual marks a template picked explicitly by the caller
	ResolutionManual ResolutionReason = "MANUAL"
)

// Resolution is the outcome of matching one patient
type Resolution struct {
	Template  *models.MessageTemplate
	Condition *models.MessageCondition
	Reason    ResolutionReason
	Offset    int
}

// ConditionSet is the prepared condition list of one queue
type ConditionSet struct {
	structural []*models.MessageCondition
	fallback   *models.MessageCondition
	templates  map[uint]*models.MessageTemplate
}

// NewConditionSet orders the structural conditions by priority then id and picks
// the DEFAULT condition. Conditions without a live template are ignored.
func NewConditionSet(conditions []*models.MessageCondition, templates []*models.MessageTemplate) *ConditionSet {
	set := &ConditionSet{templates: make(map[uint]*models.MessageTemplate, len(templates))}
	for _, t := range templates {
		if t == nil || t.IsDeleted {
			continue
		}
		set.templates[t.ID] = t
	}

	for _, c := range conditions {
		if c == nil || c.TemplateID == nil {
			continue
		}
		if _, ok := set.templates[*c.TemplateID]; !ok {
			continue
		}
		switch {
		case c.Operator.IsStructural():
			set.structural = append(set.structural, c)
		case c.Operator == models.ConditionOperatorDefault:
			if set.fallback == nil || lessCondition(c, set.fallback) {
				set.fallback = c
			}
		}
	}

	sort.SliceStable(set.structural, func(i, j int) bool {
		return lessCondition(set.structural[i], set.structural[j])
	})
	return set
}

func lessCondition(a, b *models.MessageCondition) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.ID < b.ID
}

// Resolve picks the template for a patient: first structural match by priority,
// then the DEFAULT condition. UNCONDITIONED templates are never picked.
func (s *ConditionSet) Resolve(queue models.Queue, patient models.Patient) Resolution {
	offset := patient.Offset(queue)

	for _, c := range s.structural {
		if c.Matches(offset) {
			return Resolution{
				Template:  s.templates[*c.TemplateID],
				Condition: c,
				Reason:    ResolutionCondition,
				Offset:    offset,
			}
		}
	}

	if s.fallback != nil {
		return Resolution{
			Template:  s.templates[*s.fallback.TemplateID],
			Condition: s.fallback,
			Reason:    ResolutionDefault,
			Offset:    offset,
		}
	}

	return Resolution{Reason: ResolutionNoMatch, Offset: offset}
}

// ResolveTemplate is the one-shot form of ConditionSet.Resolve
func ResolveTemplate(queue models.Queue, patient models.Patient, conditions []*models.MessageCondition, templates []*models.MessageTemplate) Resolution {
	return NewConditionSet(conditions, templates).Resolve(queue, patient)
}

// EstimatedMinutesRemaining is offset times the per-patient wait, never negative
func EstimatedMinutesRemaining(queue models.Queue, patient models.Patient) int {
	minutes := patient.Offset(queue) * queue.EstimatedWaitMinutes
	if minutes < 0 {
		return 0
	}
	return minutes
}

// RenderTemplate substitutes {PN} {PQP} {CQP} {ETR} {DN} in content
func RenderTemplate(content string, queue models.Queue, patient models.Patient) string {
	replacer := strings.NewReplacer(
		"{PN}", patient.FullName,
		"{PQP}", strconv.Itoa(patient.Position),
		"{CQP}", strconv.Itoa(queue.CurrentPosition),
		"{ETR}", strconv.Itoa(EstimatedMinutesRemaining(queue, patient)),
		"{DN}", queue.DoctorName,
	)
	return replacer.Replace(content)
}
