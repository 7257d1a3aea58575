// Package capacity holds the remaining-capacity arithmetic shared by the
// booking transaction and the read-side info endpoints. It is pure: decisions
// made from it are only safe when the registration snapshot was taken under
// the same lock that guards the write.
package capacity

import "slotbooker/internal/model"

// CountActive returns how many registrations in regs occupy a seat of slotID.
// Cancelled rows free their seat immediately and are never counted.
func CountActive(slotID int64, regs []model.EventRegistration) int {
	n := 0
	for _, r := range regs {
		if r.SlotID == slotID && r.Status.Active() {
			n++
		}
	}
	return n
}

// Available returns the number of free seats on the slot, never negative.
// A slot can be transiently over capacity after an admin lowers the cap;
// bookings then fail until enough registrations cancel.
func Available(slot *model.EventSlot, regs []model.EventRegistration) int {
	free := slot.Capacity - CountActive(slot.ID, regs)
	if free < 0 {
		return 0
	}
	return free
}

// AvailableFromCount is Available for callers that already hold the active
// count (the SQL path counts in the database rather than loading rows).
func AvailableFromCount(cap, active int) int {
	free := cap - active
	if free < 0 {
		return 0
	}
	return free
}
