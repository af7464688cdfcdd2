package turnitin

import (
	"github.com/sandunsahiru/turnitin-bot/internal/types"
)

// SlotAssignment maps one queue item to one upload-form slot and one
// student identity for a single batch transaction.
type SlotAssignment struct {
	Slot    int // zero-based form field index
	Item    types.QueueItem
	Student types.Student
}

// BatchCapacity is the headroom discovered for one batch pass.
type BatchCapacity struct {
	FormSlots int
	Students  int
	Queued    int
}

// Capacity is min(form slots, available identities, queued items).
func (c BatchCapacity) Capacity() int {
	n := c.FormSlots
	if c.Students < n {
		n = c.Students
	}
	if c.Queued < n {
		n = c.Queued
	}
	if n < 0 {
		return 0
	}
	return n
}

// PlanBatch assigns queued items to form slots and identities in queue
// order. No identity is used more than once per batch; items beyond
// capacity stay unassigned for a later pass.
func PlanBatch(items []types.QueueItem, students []types.Student, formSlots int) []SlotAssignment {
	capacity := BatchCapacity{FormSlots: formSlots, Students: len(students), Queued: len(items)}.Capacity()
	plan := make([]SlotAssignment, 0, capacity)
	for i := 0; i < capacity; i++ {
		plan = append(plan, SlotAssignment{
			Slot:    i,
			Item:    items[i],
			Student: students[i],
		})
	}
	return plan
}

// PlanTopUp extends an existing plan with newly arrived items, reusing
// only the slack capacity and the identities not yet consumed. used is
// how many slots the current plan occupies.
func PlanTopUp(newItems []types.QueueItem, students []types.Student, formSlots, used int) []SlotAssignment {
	slack := formSlots - used
	studentsLeft := len(students) - used
	n := len(newItems)
	if slack < n {
		n = slack
	}
	if studentsLeft < n {
		n = studentsLeft
	}
	if n <= 0 {
		return nil
	}
	plan := make([]SlotAssignment, 0, n)
	for i := 0; i < n; i++ {
		plan = append(plan, SlotAssignment{
			Slot:    used + i,
			Item:    newItems[i],
			Student: students[used+i],
		})
	}
	return plan
}
