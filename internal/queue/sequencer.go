package queue

import (
	"context"

	"qpro/queue-engine/internal/store"
)

const (
	NumberingOffice     = "office"
	NumberingDepartment = "department"
)

const noDepartmentPartition = "dept:-"

// Allocation is the position a new ticket takes. Sequence orders the office
// queue; Number is what the holder sees. They are equal with office-wide
// numbering.
type Allocation struct {
	Sequence  int
	Number    int
	Partition string
}

type Sequencer struct {
	mode string
}

func NewSequencer(mode string) Sequencer {
	if mode != NumberingDepartment {
		mode = NumberingOffice
	}
	return Sequencer{mode: mode}
}

func (s Sequencer) Mode() string {
	return s.mode
}

// Next draws from the office's persisted counters inside tx, so a number is
// only consumed when tx commits.
func (s Sequencer) Next(ctx context.Context, tx store.OfficeTx, serviceDay, departmentID string) (Allocation, error) {
	sequence, err := tx.NextNumber(ctx, store.SequenceKey{ServiceDay: serviceDay})
	if err != nil {
		return Allocation{}, err
	}
	if s.mode != NumberingDepartment {
		return Allocation{Sequence: sequence, Number: sequence}, nil
	}

	partition := departmentPartition(departmentID)
	number, err := tx.NextNumber(ctx, store.SequenceKey{ServiceDay: serviceDay, Partition: partition})
	if err != nil {
		return Allocation{}, err
	}
	return Allocation{Sequence: sequence, Number: number, Partition: partition}, nil
}

func departmentPartition(departmentID string) string {
	if departmentID == "" {
		return noDepartmentPartition
	}
	return "dept:" + departmentID
}
