package ocflsync

import (
	"errors"
	"fmt"
	"sort"
)

// PlanItem is the work for one remote digest.
type PlanItem struct {
	Digest Digest `json:"digest" yaml:"digest"`
	Size   int64  `json:"size" yaml:"size"`

	// Destinations are all logical paths the remote declares for Digest.
	Destinations []string `json:"destinations" yaml:"destinations"`

	// Sources are local paths already holding Digest.
	Sources []string `json:"sources,omitempty" yaml:"sources,omitempty"`

	// Missing are destinations that do not hold Digest yet.
	Missing []string `json:"missing,omitempty" yaml:"missing,omitempty"`

	// Conflicts are the missing destinations that currently exist locally
	// with other content.
	Conflicts []string `json:"conflicts,omitempty" yaml:"conflicts,omitempty"`

	// Satisfied is set when Digest exists somewhere under the local root,
	// so no network transfer is needed.
	Satisfied bool `json:"satisfied" yaml:"satisfied"`
}

// Complete reports whether every destination already holds the content.
func (i PlanItem) Complete() bool { return i.Satisfied && len(i.Missing) == 0 }

// PullPlan is the result of reconciling a local index with a remote state.
type PullPlan struct {
	Algorithm Algorithm  `json:"algorithm" yaml:"algorithm"`
	Items     []PlanItem `json:"items" yaml:"items"`
}

// Fetch returns the items whose content must be downloaded.
func (p *PullPlan) Fetch() []PlanItem {
	var out []PlanItem
	for _, it := range p.Items {
		if !it.Satisfied {
			out = append(out, it)
		}
	}
	return out
}

// Local returns satisfied items with destinations that still need a copy
// of the local content.
func (p *PullPlan) Local() []PlanItem {
	var out []PlanItem
	for _, it := range p.Items {
		if it.Satisfied && len(it.Missing) > 0 {
			out = append(out, it)
		}
	}
	return out
}

// CompleteCount returns the number of items needing no work.
func (p *PullPlan) CompleteCount() int {
	n := 0
	for _, it := range p.Items {
		if it.Complete() {
			n++
		}
	}
	return n
}

// FetchBytes sums the declared sizes of the fetch items.
func (p *PullPlan) FetchBytes() int64 {
	var total int64
	for _, it := range p.Fetch() {
		total += it.Size
	}
	return total
}

// Plan compares a local index against a remote version state. Content is
// matched by digest only: a local file under any name satisfies a remote
// digest. Both sides must use the same digest algorithm.
func Plan(local *DigestIndex, remote *VersionState) (*PullPlan, error) {
	if local == nil || remote == nil {
		return nil, errors.New("plan: nil index or state")
	}
	if local.Algorithm != remote.Algorithm {
		return nil, &AlgorithmMismatchError{Local: local.Algorithm, Remote: remote.Algorithm}
	}
	if err := remote.State.Validate(); err != nil {
		return nil, fmt.Errorf("plan: remote state: %w", err)
	}

	plan := &PullPlan{Algorithm: remote.Algorithm, Items: make([]PlanItem, 0, len(remote.State))}
	for d, info := range remote.State {
		item := PlanItem{
			Digest:       d,
			Size:         info.Size,
			Destinations: sortedUnique(info.Paths),
			Sources:      local.Paths(d),
			Satisfied:    local.Has(d),
		}
		for _, dest := range item.Destinations {
			have, exists := local.DigestOf(dest)
			if exists && have == d {
				continue
			}
			item.Missing = append(item.Missing, dest)
			if exists {
				item.Conflicts = append(item.Conflicts, dest)
			}
		}
		if len(item.Sources) == 0 {
			item.Sources = nil
		}
		plan.Items = append(plan.Items, item)
	}
	sort.Slice(plan.Items, func(i, j int) bool { return plan.Items[i].Digest < plan.Items[j].Digest })
	return plan, nil
}

func sortedUnique(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	j := 0
	for i, s := range out {
		if i > 0 && s == out[j-1] {
			continue
		}
		out[j] = s
		j++
	}
	return out[:j]
}
