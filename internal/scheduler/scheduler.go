// Package scheduler matches pending sessions to (machine, slot) pairs
// and enforces slot uniqueness, grounded on the reference codebase's
// priority-queue scheduler in structure (one struct wrapping the store,
// a mutex-free design once atomicity moved into the store layer) but
// replacing its in-memory heap with Claim Store compare-and-set, since
// slot state here must survive a process restart.
package scheduler

import (
	"context"
	"errors"
	"sort"

	"github.com/stokedconsulting/fleetcoord/internal/apperrors"
	"github.com/stokedconsulting/fleetcoord/internal/claimstore"
)

// Scheduler exposes assign/release/availability over the Claim Store.
type Scheduler struct {
	store claimstore.Store
}

func New(store claimstore.Store) *Scheduler {
	return &Scheduler{store: store}
}

// Availability describes one machine's free capacity.
type Availability struct {
	MachineID string `json:"machine_id"`
	Total     int    `json:"total"`
	Occupied  int    `json:"occupied"`
	FreeSlots []int  `json:"free_slots"`
}

// Assign binds sessionID to a slot on machineID. If slot is non-nil it
// must be in the machine's slot set and free; otherwise the
// lowest-numbered free slot is chosen. The session row named by
// sessionID must already exist (created with no slot by the state
// machine) before Assign is called.
func (s *Scheduler) Assign(ctx context.Context, sessionID, machineID string, slot *int) (string, int, error) {
	machine, err := s.store.GetMachine(ctx, machineID)
	if err != nil {
		if errors.Is(err, claimstore.ErrNotFound) {
			return "", 0, apperrors.New(apperrors.KindNotFound, "unknown machine "+machineID)
		}
		return "", 0, apperrors.Wrap(apperrors.KindInternal, err, "load machine")
	}
	if machine.Status != claimstore.MachineOnline {
		return "", 0, apperrors.Newf(apperrors.KindValidation, "machine %s is not online", machineID)
	}

	occupied, err := s.occupiedSlots(ctx, machineID)
	if err != nil {
		return "", 0, err
	}

	target := 0
	if slot != nil {
		if !containsInt(machine.Slots, *slot) {
			return "", 0, apperrors.Newf(apperrors.KindValidation, "slot %d is not on machine %s", *slot, machineID)
		}
		if occupied[*slot] {
			return "", 0, apperrors.Conflict(apperrors.ReasonSlotOccupied, "slot already occupied")
		}
		target = *slot
	} else {
		free, ok := lowestFree(machine.Slots, occupied)
		if !ok {
			return "", 0, apperrors.New(apperrors.KindValidation, "no slots available on machine "+machineID)
		}
		target = free
	}

	_, err = s.store.AssignSlot(ctx, sessionID, machineID, target)
	if err != nil {
		if errors.Is(err, claimstore.ErrDuplicateKey) {
			return "", 0, apperrors.Conflict(apperrors.ReasonSlotOccupied, "slot already occupied")
		}
		if errors.Is(err, claimstore.ErrNotFound) {
			return "", 0, apperrors.NotFound("session", sessionID)
		}
		return "", 0, apperrors.Wrap(apperrors.KindInternal, err, "assign slot")
	}
	return machineID, target, nil
}

// Release idempotently frees sessionID's slot.
func (s *Scheduler) Release(ctx context.Context, sessionID string) error {
	_, err := s.store.ReleaseSlot(ctx, sessionID)
	if err != nil && !errors.Is(err, claimstore.ErrNotFound) {
		return apperrors.Wrap(apperrors.KindInternal, err, "release slot")
	}
	return nil
}

// Availability reports free/occupied slots per machine, sorted by free
// slot count descending. If machineID is non-empty only that machine
// is reported.
func (s *Scheduler) Availability(ctx context.Context, machineID string) ([]Availability, error) {
	filter := claimstore.M{}
	if machineID != "" {
		filter["machine_id"] = machineID
	}
	machines, err := s.store.ListMachines(ctx, filter)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "list machines")
	}

	out := make([]Availability, 0, len(machines))
	for _, m := range machines {
		occupied, err := s.occupiedSlots(ctx, m.MachineID)
		if err != nil {
			return nil, err
		}
		a := Availability{MachineID: m.MachineID, Total: len(m.Slots)}
		for _, slot := range m.Slots {
			if occupied[slot] {
				a.Occupied++
			} else {
				a.FreeSlots = append(a.FreeSlots, slot)
			}
		}
		sort.Ints(a.FreeSlots)
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return len(out[i].FreeSlots) > len(out[j].FreeSlots) })
	return out, nil
}

func (s *Scheduler) occupiedSlots(ctx context.Context, machineID string) (map[int]bool, error) {
	sessions, err := s.store.ListSessions(ctx, claimstore.M{
		"machine_id": machineID,
		"status":     claimstore.M{"$in": claimstore.SessionOccupyingStatuses},
	}, claimstore.ListOpts{})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "list sessions for machine")
	}
	occupied := make(map[int]bool, len(sessions))
	for _, sess := range sessions {
		if sess.Slot != nil {
			occupied[*sess.Slot] = true
		}
	}
	return occupied, nil
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func lowestFree(slots []int, occupied map[int]bool) (int, bool) {
	sorted := append([]int(nil), slots...)
	sort.Ints(sorted)
	for _, slot := range sorted {
		if !occupied[slot] {
			return slot, true
		}
	}
	return 0, false
}
