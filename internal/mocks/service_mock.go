package mocks

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"

	"github.com/basel-ax/streamgen/internal/domain"
	"github.com/basel-ax/streamgen/internal/relay"
	"github.com/basel-ax/streamgen/internal/service"
)

// MockPersister is a mock type for the Persister type
type MockPersister struct {
	mock.Mock
}

// Persist provides a mock function with given fields: ctx, batch, slot, image, referenceImageCount
func (_m *MockPersister) Persist(ctx context.Context, batch domain.Batch, slot int, image []byte, referenceImageCount int) (*domain.GenerationImage, error) {
	ret := _m.Called(ctx, batch, slot, image, referenceImageCount)

	var r0 *domain.GenerationImage
	if rf, ok := ret.Get(0).(func(context.Context, domain.Batch, int, []byte, int) *domain.GenerationImage); ok {
		r0 = rf(ctx, batch, slot, image, referenceImageCount)
	} else if ret.Get(0) != nil {
		r0 = ret.Get(0).(*domain.GenerationImage)
	}

	return r0, ret.Error(1)
}

// FileRef provides a mock function with given fields: filename
func (_m *MockPersister) FileRef(filename string) string {
	ret := _m.Called(filename)

	if rf, ok := ret.Get(0).(func(string) string); ok {
		return rf(filename)
	}
	return ret.String(0)
}

// MockSlotRunner is a mock type for the SlotRunner type
type MockSlotRunner struct {
	mock.Mock
}

// RunSlot provides a mock function with given fields: ctx, slot, req, onPartial
func (_m *MockSlotRunner) RunSlot(ctx context.Context, slot int, req domain.ImageGenerationRequest, onPartial domain.PartialFunc) ([]byte, error) {
	ret := _m.Called(ctx, slot, req, onPartial)

	var r0 []byte
	if rf, ok := ret.Get(0).(func(context.Context, int, domain.ImageGenerationRequest, domain.PartialFunc) []byte); ok {
		r0 = rf(ctx, slot, req, onPartial)
	} else if ret.Get(0) != nil {
		r0 = ret.Get(0).([]byte)
	}

	return r0, ret.Error(1)
}

// MockImageClient is a mock type for the ImageClient type
type MockImageClient struct {
	mock.Mock
}

// SupportsStreaming provides a mock function with given fields: req
func (_m *MockImageClient) SupportsStreaming(req domain.ImageGenerationRequest) bool {
	ret := _m.Called(req)
	return ret.Bool(0)
}

// StreamRequest provides a mock function with given fields: req
func (_m *MockImageClient) StreamRequest(req domain.ImageGenerationRequest) (relay.Request, error) {
	ret := _m.Called(req)
	return ret.Get(0).(relay.Request), ret.Error(1)
}

// GenerateImage provides a mock function with given fields: ctx, req
func (_m *MockImageClient) GenerateImage(ctx context.Context, req domain.ImageGenerationRequest) ([]byte, error) {
	ret := _m.Called(ctx, req)

	var r0 []byte
	if ret.Get(0) != nil {
		r0 = ret.Get(0).([]byte)
	}

	return r0, ret.Error(1)
}

// MockForwarder is a mock type for the Forwarder type
type MockForwarder struct {
	mock.Mock
}

// Forward provides a mock function with given fields: ctx, req, w
func (_m *MockForwarder) Forward(ctx context.Context, req relay.Request, w io.Writer) relay.Result {
	ret := _m.Called(ctx, req, w)

	if rf, ok := ret.Get(0).(func(context.Context, relay.Request, io.Writer) relay.Result); ok {
		return rf(ctx, req, w)
	}
	return ret.Get(0).(relay.Result)
}

// MockPromptWriter is a mock type for the PromptWriter type
type MockPromptWriter struct {
	mock.Mock
}

// Optimize provides a mock function with given fields: ctx, text
func (_m *MockPromptWriter) Optimize(ctx context.Context, text string) (string, error) {
	ret := _m.Called(ctx, text)
	return ret.String(0), ret.Error(1)
}

// Random provides a mock function with given fields: ctx, theme
func (_m *MockPromptWriter) Random(ctx context.Context, theme string) (string, error) {
	ret := _m.Called(ctx, theme)
	return ret.String(0), ret.Error(1)
}

var (
	_ service.Persister    = (*MockPersister)(nil)
	_ domain.SlotRunner    = (*MockSlotRunner)(nil)
	_ service.ImageClient  = (*MockImageClient)(nil)
	_ service.Forwarder    = (*MockForwarder)(nil)
	_ service.PromptWriter = (*MockPromptWriter)(nil)
)
