package businessflow

import (
	"testing"

	"github.com/amirphl/clinic-queue/models"
	"github.com/amirphl/clinic-queue/utils"
	"github.com/stretchr/testify/assert"
)

func condition(id, templateID uint, op models.ConditionOperator, priority int) *models.MessageCondition {
	return &models.MessageCondition{ID: id, QueueID: 1, TemplateID: utils.ToPtr(templateID), Operator: op, Priority: priority}
}

func TestConditionSet_Resolve(t *testing.T) {
	queue := models.Queue{ID: 1, CurrentPosition: 10, EstimatedWaitMinutes: 5, DoctorName: "Dr. Salem"}
	templates := []*models.MessageTemplate{
		{ID: 1, QueueID: 1, Content: "next"},
		{ID: 2, QueueID: 1, Content: "soon"},
		{ID: 3, QueueID: 1, Content: "later"},
		{ID: 4, QueueID: 1, Content: "fallback"},
		{ID: 5, QueueID: 1, Content: "manual only"},
		{ID: 6, QueueID: 1, Content: "deleted", IsDeleted: true},
	}

	equal := condition(1, 1, models.ConditionOperatorEqual, 1)
	equal.Value = utils.ToPtr(1)
	rng := condition(2, 2, models.ConditionOperatorRange, 2)
	rng.MinValue = utils.ToPtr(1)
	rng.MaxValue = utils.ToPtr(3)
	greater := condition(3, 3, models.ConditionOperatorGreater, 3)
	greater.Value = utils.ToPtr(3)
	fallback := condition(4, 4, models.ConditionOperatorDefault, 0)
	unconditioned := condition(5, 5, models.ConditionOperatorUnconditioned, 0)
	dead := condition(6, 6, models.ConditionOperatorLess, 0)
	dead.Value = utils.ToPtr(100)

	set := NewConditionSet([]*models.MessageCondition{greater, fallback, unconditioned, dead, rng, equal}, templates)

	tests := []struct {
		name       string
		position   int
		templateID uint
		reason     ResolutionReason
	}{
		{name: "lowest priority wins on overlap", position: 11, templateID: 1, reason: ResolutionCondition},
		{name: "range is inclusive", position: 13, templateID: 2, reason: ResolutionCondition},
		{name: "greater than", position: 20, templateID: 3, reason: ResolutionCondition},
		{name: "already served falls back", position: 9, templateID: 4, reason: ResolutionDefault},
		{name: "current patient falls back", position: 10, templateID: 4, reason: ResolutionDefault},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := set.Resolve(queue, models.Patient{Position: tt.position})
			assert.Equal(t, tt.reason, res.Reason)
			if assert.NotNil(t, res.Template) {
				assert.Equal(t, tt.templateID, res.Template.ID)
			}
			assert.Equal(t, tt.position-10, res.Offset)
		})
	}
}

func TestConditionSet_NoMatchWithoutDefault(t *testing.T) {
	queue := models.Queue{ID: 1, CurrentPosition: 1}
	templates := []*models.MessageTemplate{{ID: 1, QueueID: 1}, {ID: 2, QueueID: 1}}
	equal := condition(1, 1, models.ConditionOperatorEqual, 0)
	equal.Value = utils.ToPtr(2)
	unconditioned := condition(2, 2, models.ConditionOperatorUnconditioned, 0)

	res := ResolveTemplate(queue, models.Patient{Position: 5}, []*models.MessageCondition{equal, unconditioned}, templates)
	assert.Equal(t, ResolutionNoMatch, res.Reason)
	assert.Nil(t, res.Template)
	assert.Equal(t, 4, res.Offset)
}

func TestConditionSet_TiesBreakByID(t *testing.T) {
	queue := models.Queue{ID: 1, CurrentPosition: 0}
	templates := []*models.MessageTemplate{{ID: 1, QueueID: 1}, {ID: 2, QueueID: 1}}
	second := condition(8, 2, models.ConditionOperatorLess, 5)
	second.Value = utils.ToPtr(10)
	first := condition(7, 1, models.ConditionOperatorLess, 5)
	first.Value = utils.ToPtr(10)

	res := ResolveTemplate(queue, models.Patient{Position: 3}, []*models.MessageCondition{second, first}, templates)
	assert.Equal(t, uint(1), res.Template.ID)
	assert.Equal(t, uint(7), res.Condition.ID)
}

func TestRenderTemplate(t *testing.T) {
	queue := models.Queue{CurrentPosition: 10, EstimatedWaitMinutes: 7, DoctorName: "Dr. Salem"}

	content := "Hello {PN}, your number is {PQP}. Now serving {CQP}. About {ETR} minutes with {DN}. {UNKNOWN}"
	got := RenderTemplate(content, queue, models.Patient{FullName: "Mona", Position: 13})
	assert.Equal(t, "Hello Mona, your number is 13. Now serving 10. About 21 minutes with Dr. Salem. {UNKNOWN}", got)

	// a patient already past the current position never gets a negative estimate
	got = RenderTemplate("{ETR}", queue, models.Patient{Position: 4})
	assert.Equal(t, "0", got)
	assert.Equal(t, 0, EstimatedMinutesRemaining(queue, models.Patient{Position: 10}))
}
