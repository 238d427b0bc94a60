package scheduler

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"

	"github.com/me/kestrel/internal/store"
	"github.com/me/kestrel/pkg/model"
)

// Policy breaks ties when several queued tasks or available workers are
// equally eligible. It never changes which pairs may match, only the order in
// which they are tried.
type Policy interface {
	Name() string
	// PickTask chooses one member of the queued-task set at key.
	PickTask(ctx context.Context, r store.Reader, key string) (string, bool, error)
	OrderJobs(ids []int64) []int64
	OrderWorkers(workers []*model.Worker) []*model.Worker
}

// ParsePolicy returns the policy registered under name.
func ParsePolicy(name string) (Policy, error) {
	switch strings.ToLower(name) {
	case "", "random":
		return RandomPolicy{}, nil
	case "fifo":
		return FIFOPolicy{}, nil
	}
	return nil, fmt.Errorf("unknown tie-break policy %q", name)
}

// RandomPolicy picks arbitrary tasks and workers, delegating task choice to
// the store's random-member primitive.
type RandomPolicy struct{}

func (RandomPolicy) Name() string { return "random" }

func (RandomPolicy) PickTask(ctx context.Context, r store.Reader, key string) (string, bool, error) {
	return r.SRandMember(ctx, key)
}

func (RandomPolicy) OrderJobs(ids []int64) []int64 {
	out := append([]int64(nil), ids...)
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

func (RandomPolicy) OrderWorkers(workers []*model.Worker) []*model.Worker {
	out := append([]*model.Worker(nil), workers...)
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// FIFOPolicy prefers the lowest task ordinal, the oldest job and the earliest
// registered worker.
type FIFOPolicy struct{}

func (FIFOPolicy) Name() string { return "fifo" }

func (FIFOPolicy) PickTask(ctx context.Context, r store.Reader, key string) (string, bool, error) {
	members, err := r.SMembers(ctx, key)
	if err != nil || len(members) == 0 {
		return "", false, err
	}
	best, bestN := "", -1
	for _, m := range members {
		n, err := strconv.Atoi(m)
		if err != nil {
			continue
		}
		if bestN < 0 || n < bestN {
			best, bestN = m, n
		}
	}
	return best, bestN >= 0, nil
}

func (FIFOPolicy) OrderJobs(ids []int64) []int64 {
	out := append([]int64(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (FIFOPolicy) OrderWorkers(workers []*model.Worker) []*model.Worker {
	out := append([]*model.Worker(nil), workers...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].RegisteredAt.Before(out[j].RegisteredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
