package repository_test

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/basel-ax/streamgen/internal/domain"
	"github.com/basel-ax/streamgen/internal/repository"
)

type RepositoryIntegrationSuite struct {
	suite.Suite
	ctx         context.Context
	pgContainer *postgres.PostgresContainer
	db          *sql.DB
	repo        *repository.PostgresImageRepository
}

func (s *RepositoryIntegrationSuite) SetupSuite() {
	s.ctx = context.Background()
	var err error

	s.pgContainer, err = postgres.Run(s.ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("streamgen_test"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(2*time.Minute),
		),
	)
	require.NoError(s.T(), err, "Failed to start postgres container")

	connStr, err := s.pgContainer.ConnectionString(s.ctx, "sslmode=disable")
	require.NoError(s.T(), err)

	s.db, err = sql.Open("postgres", connStr)
	require.NoError(s.T(), err)
	require.NoError(s.T(), s.db.PingContext(s.ctx))

	require.NoError(s.T(), repository.ApplyMigrations(s.db))
	require.NoError(s.T(), repository.ApplyMigrations(s.db), "re-applying migrations is a no-op")

	s.repo = repository.NewPostgresImageRepository(s.db)
}

func (s *RepositoryIntegrationSuite) TearDownSuite() {
	if s.db != nil {
		s.db.Close()
	}
	if s.pgContainer != nil {
		require.NoError(s.T(), s.pgContainer.Terminate(s.ctx))
	}
}

func (s *RepositoryIntegrationSuite) SetupTest() {
	_, err := s.db.ExecContext(s.ctx, `TRUNCATE generation_images, batches RESTART IDENTITY CASCADE`)
	s.Require().NoError(err)
}

func (s *RepositoryIntegrationSuite) newBatch(id string, count int) domain.Batch {
	b := domain.Batch{
		ID:             id,
		UserID:         "user-1",
		Prompt:         "a lighthouse at dusk",
		Mode:           domain.ModeOpenAI,
		Quality:        "high",
		RequestedCount: count,
	}
	return b
}

func (s *RepositoryIntegrationSuite) image(batchID string, n int) *domain.GenerationImage {
	return &domain.GenerationImage{
		BatchID:     batchID,
		ImageNumber: n,
		Filename:    fmt.Sprintf("%s_%d.png", batchID, n),
		Width:       1024,
		Height:      1024,
		AspectClass: "1:1",
		CostCents:   17,
		Quality:     "high",
	}
}

func (s *RepositoryIntegrationSuite) mainImages(batchID string) []int {
	images, err := s.repo.ListBatchImages(s.ctx, batchID)
	s.Require().NoError(err)
	var mains []int
	for _, img := range images {
		if img.IsMainImage {
			mains = append(mains, img.ImageNumber)
		}
	}
	return mains
}

func (s *RepositoryIntegrationSuite) TestBatchWrittenWithFirstImage() {
	b := s.newBatch("batch-idem", 2)

	_, err := s.repo.GetBatch(s.ctx, b.ID)
	s.ErrorIs(err, domain.ErrNotFound)

	for n := 1; n <= 2; n++ {
		_, err := s.repo.CreateGenerationRecord(s.ctx, b, s.image(b.ID, n))
		s.Require().NoError(err)
	}

	got, err := s.repo.GetBatch(s.ctx, b.ID)
	s.Require().NoError(err)
	s.Equal(domain.ModeOpenAI, got.Mode)
	s.Equal(2, got.RequestedCount)
}

func (s *RepositoryIntegrationSuite) TestFirstPersistedImageIsMain() {
	b := s.newBatch("batch-main", 2)

	first := s.image(b.ID, 2)
	_, err := s.repo.CreateGenerationRecord(s.ctx, b, first)
	s.Require().NoError(err)
	s.True(first.IsMainImage)

	second := s.image(b.ID, 1)
	_, err = s.repo.CreateGenerationRecord(s.ctx, b, second)
	s.Require().NoError(err)
	s.False(second.IsMainImage)

	s.Equal([]int{2}, s.mainImages(b.ID))
}

func (s *RepositoryIntegrationSuite) TestConcurrentInsertsYieldOneMain() {
	b := s.newBatch("batch-race", 4)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for n := 1; n <= 4; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := s.repo.CreateGenerationRecord(s.ctx, b, s.image(b.ID, n))
			errs <- err
		}(n)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		s.Require().NoError(err)
	}

	s.Len(s.mainImages(b.ID), 1)
}

func (s *RepositoryIntegrationSuite) TestDuplicateSlot() {
	b := s.newBatch("batch-dup", 1)

	_, err := s.repo.CreateGenerationRecord(s.ctx, b, s.image(b.ID, 1))
	s.Require().NoError(err)

	_, err = s.repo.CreateGenerationRecord(s.ctx, b, s.image(b.ID, 1))
	s.ErrorIs(err, domain.ErrDuplicateSlot)
}

func (s *RepositoryIntegrationSuite) TestFailedInsertLeavesNoBatch() {
	b := s.newBatch("batch-failed", 1)

	invalid := s.image(b.ID, 0)
	_, err := s.repo.CreateGenerationRecord(s.ctx, b, invalid)
	s.Require().Error(err)

	_, err = s.repo.GetBatch(s.ctx, b.ID)
	s.ErrorIs(err, domain.ErrNotFound)

	var batches int
	s.Require().NoError(s.db.QueryRowContext(s.ctx, `SELECT COUNT(*) FROM batches`).Scan(&batches))
	s.Zero(batches)
}

func (s *RepositoryIntegrationSuite) TestCreateRejectsForeignImage() {
	b := s.newBatch("batch-a", 1)
	_, err := s.repo.CreateGenerationRecord(s.ctx, b, s.image("batch-b", 1))
	s.Require().Error(err)

	_, err = s.repo.GetBatch(s.ctx, b.ID)
	s.ErrorIs(err, domain.ErrNotFound)
}

func (s *RepositoryIntegrationSuite) TestPromoteMainImage() {
	b := s.newBatch("batch-promote", 2)
	for n := 1; n <= 2; n++ {
		_, err := s.repo.CreateGenerationRecord(s.ctx, b, s.image(b.ID, n))
		s.Require().NoError(err)
	}
	s.Equal([]int{1}, s.mainImages(b.ID))

	s.Require().NoError(s.repo.PromoteMainImage(s.ctx, b.ID, 2))
	s.Equal([]int{2}, s.mainImages(b.ID))

	s.Require().NoError(s.repo.PromoteMainImage(s.ctx, b.ID, 2), "promoting the current main is a no-op")
	s.Equal([]int{2}, s.mainImages(b.ID))

	err := s.repo.PromoteMainImage(s.ctx, b.ID, 5)
	s.ErrorIs(err, domain.ErrNotFound)
	s.Equal([]int{2}, s.mainImages(b.ID))
}

func (s *RepositoryIntegrationSuite) TestThumbnailRepairQueue() {
	b := s.newBatch("batch-thumb", 2)
	withThumb := s.image(b.ID, 1)
	withThumb.HasThumbnail = true
	_, err := s.repo.CreateGenerationRecord(s.ctx, b, withThumb)
	s.Require().NoError(err)

	missing := s.image(b.ID, 2)
	id, err := s.repo.CreateGenerationRecord(s.ctx, b, missing)
	s.Require().NoError(err)

	pending, err := s.repo.ListMissingThumbnails(s.ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(pending, 1)
	s.Equal(id, pending[0].ID)

	s.Require().NoError(s.repo.MarkThumbnail(s.ctx, id))
	pending, err = s.repo.ListMissingThumbnails(s.ctx, 10)
	s.Require().NoError(err)
	s.Empty(pending)
}

func TestRepositoryIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RepositoryIntegrationSuite))
}
