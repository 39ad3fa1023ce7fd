package domain

// Placement describes where a moved task should land.
type Placement struct {
	// Status is the destination column; empty keeps the current one.
	Status Status
	// TargetID is the requested task to land on. It may not resolve.
	TargetID string
	// Target is the resolved TargetID, nil when it did not resolve.
	Target *Task
}

// MovePlan holds the writes produced by Reposition.
type MovePlan struct {
	Task          Task
	Shifted       []Task
	StatusChanged bool
}

// Reposition computes the new position of moving and the sibling shifts needed
// to keep positions in the destination column contiguous.
//
// column holds the tasks currently stored in the destination column. A
// requested target that did not resolve leaves the position unchanged. The
// target's position is interpreted in the same ordinal space as the moving
// task's old position; callers pick targets from the destination column.
func Reposition(moving Task, p Placement, column []Task) MovePlan {
	newStatus := p.Status
	if newStatus == "" {
		newStatus = moving.Status
	}
	plan := MovePlan{Task: moving, StatusChanged: newStatus != moving.Status}
	target := p.Target

	switch {
	case p.TargetID != "":
		if target == nil || target.ID == moving.ID {
			break
		}
		oldPos, newPos := moving.Position, target.Position
		for _, t := range column {
			if t.ID == moving.ID {
				continue
			}
			switch {
			case oldPos < newPos && t.Position > oldPos && t.Position <= newPos:
				t.Position--
			case oldPos > newPos && t.Position >= newPos && t.Position < oldPos:
				t.Position++
			default:
				continue
			}
			plan.Shifted = append(plan.Shifted, t)
		}
		plan.Task.Position = newPos
	case plan.StatusChanged:
		count := 0
		for _, t := range column {
			if t.ID != moving.ID {
				count++
			}
		}
		plan.Task.Position = count
	}

	plan.Task.Status = newStatus
	return plan
}
