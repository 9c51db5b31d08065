package store

import (
	"fmt"
	"math"
	"math/bits"
)

// ritRoot is the tree root in shifted (offset-relative) coordinates.
const ritRoot int64 = 0

// ritOffsetInit marks a tree that has never had an interval inserted.
const ritOffsetInit int64 = -1

// RITState is one relational interval tree: the offset fixed by the first
// insert, the power-of-two roots bounding each side, and the smallest
// bisection step any fork node has needed.
type RITState struct {
	Offset    int64
	LeftRoot  int64
	RightRoot int64
	MinStep   int64
}

type ritState = RITState

func newRITState() ritState {
	return ritState{Offset: ritOffsetInit, LeftRoot: 0, RightRoot: 1, MinStep: math.MaxInt64}
}

// ritRange is an inclusive span of fork node ids.
type ritRange struct {
	Min, Max int64
}

// floorPow2 returns the largest power of two <= v, for v >= 1.
func floorPow2(v int64) int64 {
	return int64(1) << (63 - bits.LeadingZeros64(uint64(v)))
}

func absInt(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// forkNode bisects from the root of the side [l,u] lies on until it reaches a
// node inside [l,u]. It returns the node and the step that would follow it.
func (r *ritState) forkNode(l, u int64) (node, step int64) {
	node = ritRoot
	if u < ritRoot {
		node = r.LeftRoot
	} else if l > ritRoot {
		node = r.RightRoot
	}
	for step = absInt(node) / 2; step >= 1; step /= 2 {
		if u < node {
			node -= step
		} else if node < l {
			node += step
		} else {
			break
		}
	}
	return node, step
}

// insert grows the tree to cover [lower,upper] and returns the fork node the
// interval is stored under. changed reports whether the state must be saved.
func (r *ritState) insert(lower, upper int64) (node int64, changed bool) {
	if r.Offset == ritOffsetInit {
		r.Offset = lower
		changed = true
	}
	l, u := lower-r.Offset, upper-r.Offset

	if u < ritRoot && l <= 2*r.LeftRoot {
		r.LeftRoot = -floorPow2(-l)
		changed = true
	}
	if l > ritRoot && u >= 2*r.RightRoot {
		r.RightRoot = floorPow2(u)
		changed = true
	}

	node, step := r.forkNode(l, u)
	if node != ritRoot && step < r.MinStep {
		r.MinStep = step
		changed = true
	}
	return node, changed
}

// leftRight computes the fork nodes whose intervals can intersect
// [lower,upper]. Intervals under a left node intersect when they end at or
// after lower; under a right node, when they start at or before upper.
func (r *ritState) leftRight(lower, upper int64) (left []ritRange, right []int64) {
	lower -= r.Offset
	upper -= r.Offset

	// every fork inside the span intersects it
	left = append(left, ritRange{lower, upper})

	node, step := ritRoot, int64(0)
	if lower > node || upper < node {
		if lower > node {
			node = r.RightRoot
			left = append(left, ritRange{ritRoot, ritRoot})
		} else {
			node = r.LeftRoot
			right = append(right, ritRoot)
		}
		for step = absInt(node) / 2; step >= 1; step /= 2 {
			if lower > node {
				left = append(left, ritRange{node, node})
				node += step
			} else if upper < node {
				right = append(right, node)
				node -= step
			} else {
				break
			}
		}
	}

	leftNode, leftStep := node-step, step/2
	rightNode, rightStep := node+step, step/2
	if node == ritRoot {
		// the span straddles the root: descend both side trees from their roots
		leftNode, leftStep = r.LeftRoot, absInt(r.LeftRoot)/2
		rightNode, rightStep = r.RightRoot, r.RightRoot/2
	}

	for ls := leftStep; ls >= 1; ls /= 2 {
		if lower == leftNode {
			break
		} else if lower > leftNode {
			left = append(left, ritRange{leftNode, leftNode})
			leftNode += ls
		} else {
			leftNode -= ls
		}
	}

	for rs := rightStep; rs >= 1; rs /= 2 {
		if upper == rightNode {
			break
		} else if upper < rightNode {
			right = append(right, rightNode)
			rightNode -= rs
		} else {
			rightNode += rs
		}
	}
	return left, right
}

func ritTimer(kind OwnerKind) string {
	if kind == Edge {
		return "rit-2"
	}
	return "rit-1"
}

// RIT returns the current state of the tree for kind.
func (s *Store) RIT(kind OwnerKind) RITState { return s.rits[kind] }

// ritInsert places [lower,upper] in the tree for kind, persisting any state
// change, and returns its fork node.
func (s *Store) ritInsert(kind OwnerKind, lower, upper int64) (int64, error) {
	defer s.timer(ritTimer(kind))()
	node, changed := s.rits[kind].insert(lower, upper)
	if changed {
		if err := s.saveRIT(kind); err != nil {
			return 0, err
		}
	}
	return node, nil
}

// prepLeftRight fills the scratch relations for an overlap query on
// [lower,upper] against the tree for kind.
func (s *Store) prepLeftRight(kind OwnerKind, lower, upper int64) error {
	defer s.timer(ritTimer(kind))()
	left, right := s.rits[kind].leftRight(lower, upper)
	for _, lr := range left {
		if _, err := s.exec(`INSERT INTO rit_left_nodes (rit_min, rit_max) VALUES (?, ?)`, lr.Min, lr.Max); err != nil {
			return fmt.Errorf("failed to add left node: %w", err)
		}
	}
	for _, n := range right {
		if _, err := s.exec(`INSERT INTO rit_right_nodes (rit_id) VALUES (?)`, n); err != nil {
			return fmt.Errorf("failed to add right node: %w", err)
		}
	}
	return nil
}

// clearLeftRight empties the scratch relations.
func (s *Store) clearLeftRight() error {
	if _, err := s.exec(`DELETE FROM rit_left_nodes`); err != nil {
		return err
	}
	_, err := s.exec(`DELETE FROM rit_right_nodes`)
	return err
}
