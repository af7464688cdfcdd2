package turnitin

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandunsahiru/turnitin-bot/internal/types"
)

func makeItems(n int) []types.QueueItem {
	items := make([]types.QueueItem, n)
	for i := range items {
		items[i] = types.QueueItem{
			ID:         fmt.Sprintf("item-%d", i),
			FilePath:   fmt.Sprintf("/uploads/doc-%d.docx", i),
			UserID:     fmt.Sprintf("user-%d", i),
			ChatID:     int64(1000 + i),
			EnqueuedAt: time.Date(2026, 8, 25, 10, 0, i, 0, time.UTC),
			Status:     types.StatusPending,
		}
	}
	return items
}

func makeStudents(n int) []types.Student {
	students := make([]types.Student, n)
	for i := range students {
		students[i] = types.Student{ID: fmt.Sprintf("sid-%d", i), Name: fmt.Sprintf("Student %d", i)}
	}
	return students
}

func TestCapacity_IsMinOfAllThree(t *testing.T) {
	cases := []struct {
		form, students, queued, want int
	}{
		{8, 5, 3, 3},
		{8, 2, 6, 2},
		{1, 9, 9, 1},
		{0, 9, 9, 0},
		{8, 0, 4, 0},
		{8, 8, 8, 8},
	}
	for _, tc := range cases {
		got := BatchCapacity{FormSlots: tc.form, Students: tc.students, Queued: tc.queued}.Capacity()
		assert.Equalf(t, tc.want, got, "form=%d students=%d queued=%d", tc.form, tc.students, tc.queued)
	}
}

func TestPlanBatch_AssignsInQueueOrder(t *testing.T) {
	plan := PlanBatch(makeItems(3), makeStudents(5), 8)
	require.Len(t, plan, 3)
	for i, sa := range plan {
		assert.Equal(t, i, sa.Slot)
		assert.Equal(t, fmt.Sprintf("item-%d", i), sa.Item.ID)
	}
}

func TestPlanBatch_NoIdentityReusedWithinBatch(t *testing.T) {
	plan := PlanBatch(makeItems(6), makeStudents(6), 8)
	seen := map[string]bool{}
	for _, sa := range plan {
		assert.Falsef(t, seen[sa.Student.ID], "identity %s assigned twice", sa.Student.ID)
		seen[sa.Student.ID] = true
	}
}

func TestPlanBatch_ItemsBeyondCapacityStayUnassigned(t *testing.T) {
	plan := PlanBatch(makeItems(6), makeStudents(2), 8)
	require.Len(t, plan, 2)
	assert.Equal(t, "item-0", plan[0].Item.ID)
	assert.Equal(t, "item-1", plan[1].Item.ID)
}

func TestPlanTopUp_UsesOnlySlackAndFreshIdentities(t *testing.T) {
	students := makeStudents(5)

	// 3 slots already consumed out of 8; 2 fresh identities remain.
	topUp := PlanTopUp(makeItems(4), students, 8, 3)
	require.Len(t, topUp, 2)
	assert.Equal(t, 3, topUp[0].Slot)
	assert.Equal(t, "sid-3", topUp[0].Student.ID)
	assert.Equal(t, 4, topUp[1].Slot)
	assert.Equal(t, "sid-4", topUp[1].Student.ID)
}

func TestPlanTopUp_NoSlack(t *testing.T) {
	assert.Nil(t, PlanTopUp(makeItems(2), makeStudents(8), 8, 8))
	assert.Nil(t, PlanTopUp(makeItems(2), makeStudents(3), 8, 3))
	assert.Nil(t, PlanTopUp(nil, makeStudents(8), 8, 2))
}
