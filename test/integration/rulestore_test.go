//go:build integration

package integration

import (
	"bytes"
	"context"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/watchman/internal/domain"
	"github.com/eliteGoblin/focusd/watchman/internal/infra"
	"github.com/eliteGoblin/focusd/watchman/internal/policy"
	"github.com/eliteGoblin/focusd/watchman/internal/usecase"
	"github.com/eliteGoblin/focusd/watchman/test/fixtures"
)

var _ = Describe("Encrypted rule store", func() {
	var (
		ctx     context.Context
		dataDir string
		key     []byte
		store   *infra.SQLRuleStore
	)

	BeforeEach(func() {
		ctx = context.Background()
		dataDir = GinkgoT().TempDir()

		var err error
		key, err = infra.LoadOrCreateKey(infra.NewFileKeyProvider(dataDir))
		Expect(err).NotTo(HaveOccurred())

		store, err = infra.NewSQLRuleStore(dataDir, key)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(store.Close)
	})

	activeProfiles := func() []domain.Profile {
		session, err := store.OpenSession(ctx)
		Expect(err).NotTo(HaveOccurred())
		defer session.Close()

		profiles, err := session.ActiveProfiles(ctx)
		Expect(err).NotTo(HaveOccurred())
		return profiles
	}

	It("round trips a profile through a read session", func() {
		_, err := store.SaveProfile(ctx, fixtures.LauncherProfile("gaming", "/apps", "game", "companion", "blocker"))
		Expect(err).NotTo(HaveOccurred())

		profiles := activeProfiles()
		Expect(profiles).To(HaveLen(1))
		Expect(profiles[0].Name).To(Equal("gaming"))
		Expect(profiles[0].Processes).To(HaveLen(1))
		Expect(profiles[0].Processes[0].Kind).To(Equal(domain.KindCreation))

		Expect(profiles[0].Tasks).To(HaveLen(1))
		task := profiles[0].Tasks[0]
		Expect(task.Process.ExecutablePath()).To(Equal(filepath.Join("/apps", "companion")))
		Expect(task.WindowMinimized).To(BeTrue())
		Expect(task.Conditions).To(HaveLen(1))
		Expect(task.Conditions[0].Running).To(BeFalse())
		Expect(task.Conditions[0].Process.Executable).To(Equal("blocker"))
	})

	It("hides inactive profiles from the engine", func() {
		id, err := store.SaveProfile(ctx, fixtures.CloserProfile("closing", "/apps", "game", "companion"))
		Expect(err).NotTo(HaveOccurred())
		Expect(activeProfiles()).To(HaveLen(1))

		Expect(store.SetProfileActive(ctx, id, false)).To(Succeed())
		Expect(activeProfiles()).To(BeEmpty())

		all, err := store.ListProfiles(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(all).To(HaveLen(1))
	})

	It("deletes a profile with its tasks", func() {
		id, err := store.SaveProfile(ctx, fixtures.LauncherProfile("gaming", "/apps", "game", "companion", "blocker"))
		Expect(err).NotTo(HaveOccurred())

		Expect(store.DeleteProfile(ctx, id)).To(Succeed())
		_, err = store.GetProfileByName(ctx, "gaming")
		Expect(err).To(MatchError(infra.ErrProfileNotFound))
	})

	It("persists across reopen and rejects the wrong key", func() {
		_, err := store.SaveProfile(ctx, fixtures.LauncherProfile("gaming", "/apps", "game", "companion", "blocker"))
		Expect(err).NotTo(HaveOccurred())
		Expect(store.Close()).To(Succeed())

		reopened, err := infra.NewSQLRuleStore(dataDir, key)
		Expect(err).NotTo(HaveOccurred())
		defer reopened.Close()
		p, err := reopened.GetProfileByName(ctx, "gaming")
		Expect(err).NotTo(HaveOccurred())
		Expect(p.Tasks).To(HaveLen(1))

		wrongKey, err := infra.GenerateKey()
		Expect(err).NotTo(HaveOccurred())
		_, err = infra.NewSQLRuleStore(dataDir, wrongKey)
		Expect(err).To(HaveOccurred())
	})

	Describe("import and export", func() {
		It("exports and re-imports under a fresh name", func() {
			_, err := store.SaveProfile(ctx, fixtures.LauncherProfile("gaming", "/apps", "game", "companion", "blocker"))
			Expect(err).NotTo(HaveOccurred())

			original, err := store.GetProfileByName(ctx, "gaming")
			Expect(err).NotTo(HaveOccurred())

			var doc bytes.Buffer
			Expect(usecase.ExportProfile(&doc, *original)).To(Succeed())

			importer := usecase.NewProfileImporter(store, policy.NewRegistry(), infra.NewFileSystemManager(), zap.NewNop())
			result, err := importer.Import(ctx, &doc, usecase.ImportOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Name).To(Equal("gaming_01"))

			copied, err := store.GetProfileByName(ctx, "gaming_01")
			Expect(err).NotTo(HaveOccurred())
			Expect(copied.ID).NotTo(Equal(original.ID))
			Expect(copied.Tasks[0].Conditions[0].Process.Executable).To(Equal("blocker"))
		})

		It("detects install paths of known apps", func() {
			home := GinkgoT().TempDir()
			steam := fixtures.NewFakeSteamStructure(home)
			Expect(steam.Create()).To(Succeed())
			DeferCleanup(steam.Cleanup)

			var doc bytes.Buffer
			Expect(usecase.ExportProfile(&doc, fixtures.LauncherProfile("dota", "/not/installed", "dota2", "steam", "blocker"))).To(Succeed())

			registry := policy.NewRegistryWithApps(policy.NewSteamAppWithHome(home), policy.NewDota2AppWithHome(home))
			importer := usecase.NewProfileImporter(store, registry, infra.NewFileSystemManagerWithHome(home), zap.NewNop())
			result, err := importer.Import(ctx, &doc, usecase.ImportOptions{DetectPaths: true})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Detected).NotTo(BeEmpty())

			p, err := store.GetProfileByName(ctx, "dota")
			Expect(err).NotTo(HaveOccurred())
			Expect(p.Processes[0].Path).To(Equal(steam.Dota2Dir()))
			Expect(p.Tasks[0].Process.Path).To(Equal(steam.Root()))
			Expect(p.Tasks[0].Conditions[0].Process.Path).To(Equal("/not/installed"), "unknown apps keep their path")
		})
	})
})
