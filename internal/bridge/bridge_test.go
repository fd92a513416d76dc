package bridge

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"townpass.dev/locationtracker/internal/eventbus"
	"townpass.dev/locationtracker/internal/history"
)

type mockController struct {
	running  bool
	starts   int
	stops    int
	startErr error
}

func (m *mockController) Start() error {
	m.starts++
	if m.startErr != nil {
		return m.startErr
	}
	m.running = true
	return nil
}

func (m *mockController) Stop() error {
	m.stops++
	m.running = false
	return nil
}

func (m *mockController) IsRunning() bool {
	return m.running
}

type recordingSink struct {
	got []history.LocationSample
	err error
}

func (r *recordingSink) Success(e history.LocationSample) error {
	r.got = append(r.got, e)
	return r.err
}

var sample = history.LocationSample{Latitude: 25.04, Longitude: 121.51, CapturedAt: "2024-03-14T09:26:53.589Z"}

func TestCommands(t *testing.T) {
	ctl := &mockController{}
	b := New(ctl)
	ctx := context.Background()

	res, err := b.Handle(ctx, MethodIsRunning)
	require.NoError(t, err)
	assert.Equal(t, false, res)

	res, err = b.Handle(ctx, MethodStart)
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, 1, ctl.starts)

	res, err = b.Handle(ctx, MethodIsRunning)
	require.NoError(t, err)
	assert.Equal(t, true, res)

	res, err = b.Handle(ctx, MethodStop)
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, 1, ctl.stops)
	assert.False(t, ctl.running)
}

func TestUnknownMethod(t *testing.T) {
	b := New(&mockController{})
	_, err := b.Handle(context.Background(), "pause")
	assert.ErrorIs(t, err, ErrNotImplemented)
}

func TestControllerErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	b := New(&mockController{startErr: boom})
	_, err := b.Handle(context.Background(), MethodStart)
	assert.ErrorIs(t, err, boom)
}

func TestEmitWithoutListener(t *testing.T) {
	b := New(&mockController{})
	assert.False(t, b.Listening())
	b.Emit(sample)
}

func TestListenReplacesPreviousSink(t *testing.T) {
	b := New(&mockController{})
	first := &recordingSink{}
	second := &recordingSink{}

	b.Listen(first)
	b.Emit(sample)
	b.Listen(second)
	b.Emit(sample)

	assert.Len(t, first.got, 1)
	assert.Len(t, second.got, 1)
}

type replaceableSink struct {
	recordingSink
	replaced int
}

func (r *replaceableSink) Replaced() {
	r.replaced++
}

func TestListenNotifiesReplacedSink(t *testing.T) {
	b := New(&mockController{})
	first := &replaceableSink{}
	second := &replaceableSink{}

	b.Listen(first)
	assert.Equal(t, 0, first.replaced)
	b.Listen(second)
	assert.Equal(t, 1, first.replaced)
	assert.Equal(t, 0, second.replaced)

	b.Emit(sample)
	assert.Empty(t, first.got)
	assert.Len(t, second.got, 1)
}

func TestCancelClearsOnlyCurrentSink(t *testing.T) {
	b := New(&mockController{})
	first := &recordingSink{}
	second := &recordingSink{}

	tok1 := b.Listen(first)
	tok2 := b.Listen(second)

	b.Cancel(tok1)
	assert.True(t, b.Listening())
	b.Emit(sample)
	assert.Len(t, second.got, 1)

	b.Cancel(tok2)
	assert.False(t, b.Listening())
	b.Emit(sample)
	assert.Len(t, second.got, 1)
	assert.Empty(t, first.got)
}

func TestSinkErrorIsSwallowed(t *testing.T) {
	b := New(&mockController{})
	s := &recordingSink{err: errors.New("closed")}
	b.Listen(s)
	b.Emit(sample)
	b.Emit(sample)
	assert.Len(t, s.got, 2)
}

func TestBusEventsReachSink(t *testing.T) {
	eb, err := eventbus.New(1)
	require.NoError(t, err)
	b := New(&mockController{})
	b.Attach(eb)

	s := &recordingSink{}
	b.Listen(s)
	require.NoError(t, eb.Emit(context.Background(), eventbus.TopicLocationUpdate, sample))

	require.Len(t, s.got, 1)
	assert.Equal(t, sample, s.got[0])
}

func TestSinkFunc(t *testing.T) {
	b := New(&mockController{})
	var n int
	b.Listen(SinkFunc(func(history.LocationSample) error {
		n++
		return nil
	}))
	b.Emit(sample)
	assert.Equal(t, 1, n)
}
