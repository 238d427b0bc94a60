package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/me/kestrel/internal/store"
	"github.com/me/kestrel/pkg/model"
)

// runScheduler starts a scheduler over a memory store and stops it when the
// test ends.
func runScheduler(t *testing.T, cfg Config) *Scheduler {
	t.Helper()
	s := New(store.NewMemoryStore(quietLogger()), cfg, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s
}

func fifoConfig() Config {
	cfg := DefaultConfig()
	cfg.Policy = FIFOPolicy{}
	return cfg
}

func recv(t *testing.T, sub *Subscription) model.Notification {
	t.Helper()
	select {
	case n := <-sub.C:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
	return model.Notification{}
}

func TestMutator_SerializesOperations(t *testing.T) {
	m := NewMutator(4, 0, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Do(context.Background(), "incr", func(context.Context) (any, error) {
				counter++
				return counter, nil
			})
			if err != nil {
				t.Errorf("Do: %v", err)
			}
		}()
	}
	wg.Wait()

	v, err := call(context.Background(), m, "read", func(context.Context) (int, error) { return counter, nil })
	if err != nil || v != 100 {
		t.Errorf("counter = %d, %v; want 100", v, err)
	}
}

func TestMutator_Stopped(t *testing.T) {
	m := NewMutator(1, 0, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}

	_, err := m.Do(context.Background(), "late", func(context.Context) (any, error) { return nil, nil })
	if !errors.Is(err, ErrStopped) {
		t.Errorf("Do after stop = %v, want ErrStopped", err)
	}
}

func TestMutator_CallerContextCancelled(t *testing.T) {
	m := NewMutator(1, 0, quietLogger())
	go m.Run(t.Context())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ran := false
	_, err := m.Do(ctx, "abandoned", func(context.Context) (any, error) {
		ran = true
		return nil, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	// Flush the queue so a possibly enqueued request has been handled.
	call(context.Background(), m, "flush", func(context.Context) (bool, error) { return ran, nil })
	if ran {
		t.Error("operation ran for a caller that had already given up")
	}
}

func TestMutator_PropagatesErrors(t *testing.T) {
	m := NewMutator(1, 0, quietLogger())
	go m.Run(t.Context())

	_, err := call(context.Background(), m, "fail", func(context.Context) (int, error) {
		return 0, storeErr("apply", errors.New("connection refused"))
	})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("err = %v, want ErrStoreUnavailable", err)
	}
}

func TestEmitter_FiltersAndDrops(t *testing.T) {
	em := NewEmitter(quietLogger())
	all := em.Subscribe(8, nil)
	w1 := em.Subscribe(8, ForWorker("w1"))
	small := em.Subscribe(1, OfKind(model.NotifyTaskAssigned))

	em.Publish(
		model.Notification{Kind: model.NotifyTaskAssigned, WorkerID: "w1"},
		model.Notification{Kind: model.NotifyTaskAssigned, WorkerID: "w2"},
		model.Notification{Kind: model.NotifyJobCompleted, Owner: "alice"},
	)

	if len(all.C) != 3 {
		t.Errorf("unfiltered subscriber got %d, want 3", len(all.C))
	}
	if len(w1.C) != 1 {
		t.Errorf("worker subscriber got %d, want 1", len(w1.C))
	}
	if len(small.C) != 1 || small.Dropped() != 1 {
		t.Errorf("small subscriber buffered %d dropped %d, want 1 and 1", len(small.C), small.Dropped())
	}

	w1.Close()
	w1.Close()
	if em.Subscribers() != 2 {
		t.Errorf("Subscribers = %d, want 2", em.Subscribers())
	}
	<-w1.C // buffered before Close
	if _, ok := <-w1.C; ok {
		t.Error("closed subscription still delivers")
	}

	owner := em.Subscribe(1, ForOwner("alice"))
	em.Publish(model.Notification{Kind: model.NotifyJobCompleted, Owner: "alice"})
	if n := recv(t, owner); n.Kind != model.NotifyJobCompleted {
		t.Errorf("owner subscriber got %+v", n)
	}

	both := em.Subscribe(4, All(ForWorker("w1"), nil, OfKind(model.NotifyWorkerDispatchReset)))
	em.Publish(
		model.Notification{Kind: model.NotifyTaskAssigned, WorkerID: "w1"},
		model.Notification{Kind: model.NotifyWorkerDispatchReset, WorkerID: "w1"},
	)
	if len(both.C) != 1 {
		t.Errorf("combined filter got %d, want 1", len(both.C))
	}
}

func TestScheduler_EndToEnd(t *testing.T) {
	s := runScheduler(t, fifoConfig())
	ctx := context.Background()
	sub := s.Events().Subscribe(16, nil)
	defer sub.Close()

	if _, err := s.RegisterWorker(ctx, "w1", nil, 1); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	if _, err := s.SetPresence(ctx, "w1", model.WorkerStateAvailable); err != nil {
		t.Fatalf("SetPresence: %v", err)
	}
	res, err := s.SubmitJob(ctx, model.JobSpec{Owner: "alice", Command: "echo hi", Size: 1})
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if res.Dispatched[0] != "w1" {
		t.Fatalf("Dispatched = %v", res.Dispatched)
	}
	n := recv(t, sub)
	if n.Kind != model.NotifyTaskAssigned || n.WorkerID != "w1" || n.Command != "echo hi" {
		t.Errorf("notification = %+v", n)
	}

	if err := s.StartTask(ctx, "w1", res.JobID, 0); err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	if _, err := s.FinishTask(ctx, "w1", res.JobID, 0); err != nil {
		t.Fatalf("FinishTask: %v", err)
	}
	n = recv(t, sub)
	if n.Kind != model.NotifyJobCompleted || n.JobID != res.JobID || n.Owner != "alice" {
		t.Errorf("notification = %+v", n)
	}

	r, err := s.JobStatus(ctx, res.JobID)
	if err != nil || r.Status != model.JobStatusCompleted {
		t.Errorf("JobStatus = %+v, %v", r, err)
	}
	ps, err := s.PoolStatus(ctx)
	if err != nil || ps != (model.PoolStatus{Online: 1, Available: 1}) {
		t.Errorf("PoolStatus = %+v, %v", ps, err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestScheduler_ConcurrentSubmits(t *testing.T) {
	s := runScheduler(t, DefaultConfig())
	ctx := context.Background()
	for _, id := range []string{"w1", "w2", "w3"} {
		s.RegisterWorker(ctx, id, nil, 1)
		s.SetAvailable(ctx, id)
	}

	var wg sync.WaitGroup
	ids := make(chan int64, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.SubmitJob(ctx, model.JobSpec{Owner: "o", Command: "c", Size: 2})
			if err != nil {
				t.Errorf("SubmitJob: %v", err)
				return
			}
			ids <- res.JobID
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[int64]bool{}
	for id := range ids {
		if seen[id] {
			t.Errorf("job id %d assigned twice", id)
		}
		seen[id] = true
	}

	active, err := s.ActiveJobs(ctx)
	if err != nil {
		t.Fatalf("ActiveJobs: %v", err)
	}
	pending := 0
	for _, r := range active {
		if r.Tasks.Total() != 2 {
			t.Errorf("job %d counts %+v", r.ID, r.Tasks)
		}
		pending += r.Tasks.Pending
	}
	if pending != 3 {
		t.Errorf("pending tasks = %d, want one per worker (3)", pending)
	}
}

func TestLoop_TickExpiresAndRematches(t *testing.T) {
	s := runScheduler(t, fifoConfig())
	ctx := context.Background()
	s.RegisterWorker(ctx, "w1", nil, 1)
	s.SetAvailable(ctx, "w1")
	res, _ := s.SubmitJob(ctx, model.JobSpec{Owner: "a", Command: "x", Size: 1})

	sub := s.Events().Subscribe(8, nil)
	defer sub.Close()

	loop := NewLoop(s, quietLogger())
	loop.now = func() time.Time { return time.Now().Add(time.Minute) }
	if err := loop.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if n := recv(t, sub); n.Kind != model.NotifyWorkerDispatchReset || n.JobID != res.JobID {
		t.Errorf("first notification = %+v, want worker_dispatch_reset", n)
	}
	if n := recv(t, sub); n.Kind != model.NotifyTaskAssigned || n.WorkerID != "w1" {
		t.Errorf("second notification = %+v, want task_assigned", n)
	}
	detail, err := s.JobDetail(ctx, res.JobID)
	if err != nil {
		t.Fatalf("JobDetail: %v", err)
	}
	if detail.Tasks[0].Status != model.TaskStatusPending || detail.Tasks[0].WorkerID != "w1" {
		t.Errorf("task = %+v, want pending on w1", detail.Tasks[0])
	}
}

func TestLoop_RematchesAfterReset(t *testing.T) {
	s := runScheduler(t, fifoConfig())
	ctx := context.Background()
	cfg := s.Config()
	if cfg.SweepInterval != 5*time.Second {
		t.Fatalf("SweepInterval = %v", cfg.SweepInterval)
	}
	s.RegisterWorker(ctx, "w1", nil, 1)
	s.RegisterWorker(ctx, "w2", nil, 1)
	s.SetAvailable(ctx, "w1")
	res, _ := s.SubmitJob(ctx, model.JobSpec{Owner: "a", Command: "x", Size: 1})
	s.SetAvailable(ctx, "w2") // no queued task left for w2 yet

	loop := NewLoop(s, quietLogger())
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	started := make(chan error, 1)
	go func() { started <- loop.Start(loopCtx) }()

	// Wait for the loop to subscribe before producing the reset.
	deadline := time.Now().Add(2 * time.Second)
	for s.Events().Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	watch := s.Events().Subscribe(8, OfKind(model.NotifyTaskAssigned))
	defer watch.Close()

	if _, err := s.ResetTask(ctx, "w1", res.JobID, 0); err != nil {
		t.Fatalf("ResetTask: %v", err)
	}
	n := recv(t, watch)
	if n.JobID != res.JobID {
		t.Errorf("reassignment = %+v", n)
	}

	if err := loop.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
	if err := <-started; err != nil {
		t.Errorf("Start returned %v", err)
	}
}

func TestScheduler_StoppedRejectsOperations(t *testing.T) {
	s := New(store.NewMemoryStore(quietLogger()), DefaultConfig(), quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	if _, err := s.PoolStatus(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("PoolStatus after stop = %v, want ErrStopped", err)
	}
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in   string
		want string
		err  bool
	}{
		{"", "random", false},
		{"random", "random", false},
		{"FIFO", "fifo", false},
		{"lifo", "", true},
	}
	for _, tt := range tests {
		p, err := ParsePolicy(tt.in)
		if tt.err {
			if err == nil {
				t.Errorf("ParsePolicy(%q) should fail", tt.in)
			}
			continue
		}
		if err != nil || p.Name() != tt.want {
			t.Errorf("ParsePolicy(%q) = %v, %v", tt.in, p, err)
		}
	}
}

func TestFIFOPolicy_Order(t *testing.T) {
	st := store.NewMemoryStore(quietLogger())
	ctx := context.Background()
	st.Apply(ctx, store.NewBatch().SAdd("q", "10").SAdd("q", "2").SAdd("q", "7"))

	got, ok, err := FIFOPolicy{}.PickTask(ctx, st, "q")
	if err != nil || !ok || got != "2" {
		t.Errorf("PickTask = %q, %v, %v; want 2", got, ok, err)
	}
	if _, ok, _ := (FIFOPolicy{}).PickTask(ctx, st, "empty"); ok {
		t.Error("PickTask on empty set found a member")
	}

	jobs := FIFOPolicy{}.OrderJobs([]int64{3, 1, 2})
	if jobs[0] != 1 || jobs[2] != 3 {
		t.Errorf("OrderJobs = %v", jobs)
	}

	late := &model.Worker{ID: "a", RegisteredAt: epoch.Add(time.Second)}
	early := &model.Worker{ID: "b", RegisteredAt: epoch}
	ws := FIFOPolicy{}.OrderWorkers([]*model.Worker{late, early})
	if ws[0] != early {
		t.Errorf("OrderWorkers put %s first, want b", ws[0].ID)
	}
}

func TestRandomPolicy_KeepsMembers(t *testing.T) {
	in := []int64{1, 2, 3, 4, 5}
	out := RandomPolicy{}.OrderJobs(in)
	if len(out) != len(in) {
		t.Fatalf("OrderJobs changed length: %v", out)
	}
	sum := int64(0)
	for _, v := range out {
		sum += v
	}
	if sum != 15 {
		t.Errorf("OrderJobs lost members: %v", out)
	}
}

func TestScheduler_FailedTurnPublishesNothing(t *testing.T) {
	fs := &failingStore{Store: store.NewMemoryStore(quietLogger())}
	s := New(fs, fifoConfig(), quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	if _, err := s.RegisterWorker(ctx, "w1", nil, 1); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := s.SetAvailable(ctx, "w1"); err != nil {
		t.Fatalf("available: %v", err)
	}
	sub := s.Events().Subscribe(8, nil)
	defer sub.Close()

	fs.failing.Store(true)
	_, err := s.SubmitJob(ctx, model.JobSpec{Owner: "alice", Command: "render", Size: 1})
	fs.failing.Store(false)
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("submit err = %v, want ErrStoreUnavailable", err)
	}
	select {
	case n := <-sub.C:
		t.Errorf("failed turn published %+v", n)
	case <-time.After(100 * time.Millisecond):
	}
	if pool, err := s.PoolStatus(ctx); err != nil || pool.Available != 1 {
		t.Errorf("pool = %+v, %v", pool, err)
	}
}

func TestScheduler_RequestShutdown(t *testing.T) {
	s := runScheduler(t, fifoConfig())
	ctx := context.Background()
	if _, err := s.RegisterWorker(ctx, "w1", nil, 1); err != nil {
		t.Fatalf("register: %v", err)
	}
	sub := s.Events().Subscribe(4, ForWorker("w1"))
	defer sub.Close()

	if err := s.RequestShutdown(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown worker err = %v, want ErrNotFound", err)
	}
	if err := s.RequestShutdown(ctx, "w1"); err != nil {
		t.Fatalf("RequestShutdown: %v", err)
	}
	n := recv(t, sub)
	if n.Kind != model.NotifyWorkerShutdown || n.WorkerID != "w1" {
		t.Errorf("notification = %+v", n)
	}
	if d, err := s.Worker(ctx, "w1"); err != nil || d.State != model.WorkerStateOffline {
		t.Errorf("worker = %+v, %v", d, err)
	}
}
