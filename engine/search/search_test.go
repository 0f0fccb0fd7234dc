package search

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/devmesh/devmesh/engine/domain"
)

func TestClampK_DefaultsAndCaps(t *testing.T) {
	assert.Equal(t, DefaultK, clampK(0))
	assert.Equal(t, DefaultK, clampK(-5))
	assert.Equal(t, 10, clampK(10))
	assert.Equal(t, MaxK, clampK(MaxK+1000))
}

func TestClampN_DefaultsAndCaps(t *testing.T) {
	assert.Equal(t, DefaultN, clampN(0))
	assert.Equal(t, MaxN, clampN(MaxN+1))
}

func TestTemplateResultSort_BreaksTiesOnLastSeenThenID(t *testing.T) {
	now := time.Now()
	results := []TemplateResult{
		{Template: domain.Template{ID: 2, LastSeen: now.Add(-time.Hour)}, Score: 0.9},
		{Template: domain.Template{ID: 1, LastSeen: now.Add(-time.Hour)}, Score: 0.9},
		{Template: domain.Template{ID: 3, LastSeen: now}, Score: 0.9},
	}

	sortResults(results)

	assert.Equal(t, int64(3), results[0].Template.ID) // most recent last_seen first
	assert.Equal(t, int64(1), results[1].Template.ID) // tie on last_seen broken by lower id
	assert.Equal(t, int64(2), results[2].Template.ID)
}

func TestDegraded_ErrorMessage(t *testing.T) {
	d := &Degraded{Reason: "embedding backend unreachable"}
	assert.Contains(t, d.Error(), "embedding backend unreachable")
}
