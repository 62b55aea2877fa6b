package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/basel-ax/streamgen/internal/domain"
	"github.com/basel-ax/streamgen/internal/repository"
)

// MockImageRepository is a mock type for the ImageRepository type
type MockImageRepository struct {
	mock.Mock
}

// CreateGenerationRecord provides a mock function with given fields: ctx, batch, img
func (_m *MockImageRepository) CreateGenerationRecord(ctx context.Context, batch domain.Batch, img *domain.GenerationImage) (int64, error) {
	ret := _m.Called(ctx, batch, img)

	var r0 int64
	if rf, ok := ret.Get(0).(func(context.Context, domain.Batch, *domain.GenerationImage) int64); ok {
		r0 = rf(ctx, batch, img)
	} else {
		r0 = ret.Get(0).(int64)
	}

	return r0, ret.Error(1)
}

// PromoteMainImage provides a mock function with given fields: ctx, batchID, imageNumber
func (_m *MockImageRepository) PromoteMainImage(ctx context.Context, batchID string, imageNumber int) error {
	ret := _m.Called(ctx, batchID, imageNumber)
	return ret.Error(0)
}

// ListBatchImages provides a mock function with given fields: ctx, batchID
func (_m *MockImageRepository) ListBatchImages(ctx context.Context, batchID string) ([]domain.GenerationImage, error) {
	ret := _m.Called(ctx, batchID)

	var r0 []domain.GenerationImage
	if ret.Get(0) != nil {
		r0 = ret.Get(0).([]domain.GenerationImage)
	}

	return r0, ret.Error(1)
}

// GetBatch provides a mock function with given fields: ctx, batchID
func (_m *MockImageRepository) GetBatch(ctx context.Context, batchID string) (*domain.Batch, error) {
	ret := _m.Called(ctx, batchID)

	var r0 *domain.Batch
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*domain.Batch)
	}

	return r0, ret.Error(1)
}

// ListMissingThumbnails provides a mock function with given fields: ctx, limit
func (_m *MockImageRepository) ListMissingThumbnails(ctx context.Context, limit int) ([]domain.GenerationImage, error) {
	ret := _m.Called(ctx, limit)

	var r0 []domain.GenerationImage
	if ret.Get(0) != nil {
		r0 = ret.Get(0).([]domain.GenerationImage)
	}

	return r0, ret.Error(1)
}

// MarkThumbnail provides a mock function with given fields: ctx, id
func (_m *MockImageRepository) MarkThumbnail(ctx context.Context, id int64) error {
	ret := _m.Called(ctx, id)
	return ret.Error(0)
}

// NewMockImageRepository creates a new instance of MockImageRepository. It also registers a testing interface on the mock.
func NewMockImageRepository(t interface {
	mock.TestingT
	Helper()
}) *MockImageRepository {
	m := &MockImageRepository{}
	m.Mock.Test(t)
	t.Helper()
	return m
}

var _ repository.ImageRepository = (*MockImageRepository)(nil)
