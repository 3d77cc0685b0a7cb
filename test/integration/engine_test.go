//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/watchman/internal/daemon"
	"github.com/eliteGoblin/focusd/watchman/internal/domain"
	"github.com/eliteGoblin/focusd/watchman/internal/infra"
	"github.com/eliteGoblin/focusd/watchman/internal/policy"
	"github.com/eliteGoblin/focusd/watchman/internal/usecase"
	"github.com/eliteGoblin/focusd/watchman/test/fixtures"
)

// processTable is a scripted process list shared by the subscriber, the probe and the controller.
type processTable struct {
	mu      sync.Mutex
	procs   map[int32]string
	nextPID int32
	started []domain.StartRequest
}

func newProcessTable() *processTable {
	return &processTable{procs: make(map[int32]string), nextPID: 1000}
}

func (t *processTable) snapshot(ctx context.Context) (map[int32]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := make(map[int32]string, len(t.procs))
	for pid, name := range t.procs {
		snap[pid] = name
	}
	return snap, nil
}

func (t *processTable) spawn(name string) int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextPID++
	t.procs[t.nextPID] = name
	return t.nextPID
}

func (t *processTable) kill(pid int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.procs, pid)
}

func (t *processTable) IsRunning(executable string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, name := range t.procs {
		if name == executable {
			return true
		}
	}
	return false
}

func (t *processTable) Start(ctx context.Context, req domain.StartRequest) (int, error) {
	pid := t.spawn(filepath.Base(req.Path))
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = append(t.started, req)
	return int(pid), nil
}

func (t *processTable) Stop(ctx context.Context, executable string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for pid, name := range t.procs {
		if name == executable {
			delete(t.procs, pid)
			n++
		}
	}
	return n, nil
}

func (t *processTable) startRequests() []domain.StartRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.StartRequest(nil), t.started...)
}

var _ = Describe("Engine", func() {
	var (
		ctx         context.Context
		cancel      context.CancelFunc
		appDir      string
		store       *infra.SQLRuleStore
		table       *processTable
		channelName string
		done        chan error
	)

	BeforeEach(func() {
		dataDir := GinkgoT().TempDir()
		appDir = GinkgoT().TempDir()
		for _, exe := range []string{"game", "companion", "blocker"} {
			Expect(fixtures.WriteExecutable(appDir, exe)).To(Succeed())
		}

		key, err := infra.LoadOrCreateKey(infra.NewFileKeyProvider(dataDir))
		Expect(err).NotTo(HaveOccurred())
		store, err = infra.NewSQLRuleStore(dataDir, key)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(store.Close)

		table = newProcessTable()
		channelName = fmt.Sprintf("watchman_it_%d_%d", os.Getpid(), GinkgoParallelProcess())
		ctx, cancel = context.WithCancel(context.Background())
		DeferCleanup(cancel)
	})

	startEngine := func() {
		channel, err := infra.CreateControlChannel(channelName)
		Expect(err).NotTo(HaveOccurred())

		logger := zap.NewNop()
		fs := infra.NewFileSystemManager()
		retry := policy.RetryPolicy{Attempts: 2, Wait: 50 * time.Millisecond}
		taskManager := usecase.NewTaskManager(store, table, table, fs, retry, nil, logger)
		timing := daemon.Timing{PollInterval: 25 * time.Millisecond, WatchTimeout: 250 * time.Millisecond}
		supervisor := daemon.NewSupervisor(daemon.SupervisorConfig{Timing: timing}, store, channel,
			infra.NewPollingSubscriberWithSnapshot(table.snapshot), taskManager, fs, nil, logger)

		done = make(chan error, 1)
		stopped := make(chan struct{})
		go func() {
			defer close(stopped)
			done <- supervisor.Run(ctx)
		}()
		DeferCleanup(func() {
			cancel()
			Eventually(stopped, 3*time.Second).Should(BeClosed())
		})
		Eventually(func() domain.ControlState { return infra.ReadState(channelName) }).Should(Equal(domain.StateRun))
	}

	It("starts the companion when the game starts", func() {
		_, err := store.SaveProfile(ctx, fixtures.LauncherProfile("gaming", appDir, "game", "companion", "blocker"))
		Expect(err).NotTo(HaveOccurred())
		startEngine()

		// Give the watchers time to arm before the game appears.
		time.Sleep(200 * time.Millisecond)
		table.spawn("game")

		Eventually(table.startRequests, 3*time.Second).Should(HaveLen(1))
		req := table.startRequests()[0]
		Expect(req.Path).To(Equal(filepath.Join(appDir, "companion")))
		Expect(req.Args).To(Equal([]string{"--launched-by", "watchman"}))
		Expect(req.Window).To(Equal(domain.WindowMinimizedInactive))

		Consistently(table.startRequests, 500*time.Millisecond).Should(HaveLen(1), "companion already running")
	})

	It("respects conditions", func() {
		_, err := store.SaveProfile(ctx, fixtures.LauncherProfile("gaming", appDir, "game", "companion", "blocker"))
		Expect(err).NotTo(HaveOccurred())
		table.spawn("blocker")
		startEngine()

		time.Sleep(200 * time.Millisecond)
		table.spawn("game")
		Consistently(table.startRequests, time.Second).Should(BeEmpty())
	})

	It("stops the companion when the game exits", func() {
		_, err := store.SaveProfile(ctx, fixtures.CloserProfile("closing", appDir, "game", "companion"))
		Expect(err).NotTo(HaveOccurred())
		game := table.spawn("game")
		table.spawn("companion")
		startEngine()

		time.Sleep(200 * time.Millisecond)
		table.kill(game)
		Eventually(func() bool { return table.IsRunning("companion") }, 3*time.Second).Should(BeFalse())
	})

	It("picks up new profiles on reload and exits on request", func() {
		startEngine()

		_, err := store.SaveProfile(ctx, fixtures.LauncherProfile("gaming", appDir, "game", "companion", "blocker"))
		Expect(err).NotTo(HaveOccurred())
		Expect(infra.Request(channelName, domain.StateRead)).To(Succeed())
		Eventually(func() domain.ControlState { return infra.ReadState(channelName) }).Should(Equal(domain.StateRun))

		time.Sleep(200 * time.Millisecond)
		table.spawn("game")
		Eventually(table.startRequests, 3*time.Second).Should(HaveLen(1))

		Expect(infra.Request(channelName, domain.StateExit)).To(Succeed())
		Eventually(done, 3*time.Second).Should(Receive(BeNil()))
		Expect(infra.ReadState(channelName)).To(Equal(domain.StateNotRunning))
	})
})
