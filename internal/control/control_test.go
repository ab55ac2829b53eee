package control

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type stubRunner struct {
	name   string
	ran    chan struct{}
	retErr error
}

func (s *stubRunner) Name() string { return s.name }

func (s *stubRunner) Run(ctx context.Context) error {
	close(s.ran)
	<-ctx.Done()
	return s.retErr
}

type stubCloser struct {
	closed *bool
}

func (c *stubCloser) Close() error {
	*c.closed = true
	return nil
}

func TestPauseFlagDefaultsFalse(t *testing.T) {
	var p PauseFlag
	assert.False(t, p.Get())
	p.Set(true)
	assert.True(t, p.Get())
}

func TestInitStartsBothRunnersAndDeinitJoins(t *testing.T) {
	s := New()
	audio := &stubRunner{name: "audioreader", ran: make(chan struct{})}
	cmd := &stubRunner{name: "cmdreader", ran: make(chan struct{})}

	if err := s.Init(context.Background(), audio, cmd); err != nil {
		t.Fatalf("Init: %v", err)
	}

	select {
	case <-audio.ran:
	case <-time.After(time.Second):
		t.Fatal("audio runner never started")
	}
	select {
	case <-cmd.ran:
	case <-time.After(time.Second):
		t.Fatal("cmd runner never started")
	}

	s.Deinit()
}

func TestDeinitClosesRegisteredResourcesInReverseOrder(t *testing.T) {
	s := New()
	audio := &stubRunner{name: "audioreader", ran: make(chan struct{})}
	cmd := &stubRunner{name: "cmdreader", ran: make(chan struct{})}
	if err := s.Init(context.Background(), audio, cmd); err != nil {
		t.Fatalf("Init: %v", err)
	}

	var order []int
	s.RegisterCloser(orderedCloser{order: &order, id: 1})
	s.RegisterCloser(orderedCloser{order: &order, id: 2})

	s.Deinit()

	assert.Equal(t, []int{2, 1}, order)
}

type orderedCloser struct {
	order *[]int
	id    int
}

func (c orderedCloser) Close() error {
	*c.order = append(*c.order, c.id)
	return nil
}
