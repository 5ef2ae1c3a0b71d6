package srv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/codeGROOVE-dev/parley/pkg/chat"
)

func echoFor(conversation, content string) Echo {
	return NewEcho(chat.Message{
		ID:           uuid.New(),
		Conversation: conversation,
		AuthorID:     "u-alice",
		Author:       "alice",
		Content:      content,
		Timestamp:    time.Now(),
	})
}

func receive(t *testing.T, c *Client) Echo {
	t.Helper()
	select {
	case e := <-c.send:
		return e
	case <-time.After(time.Second):
		t.Fatalf("client %s did not receive an echo", c.ID)
		return Echo{}
	}
}

func expectNothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case e := <-c.send:
		t.Fatalf("client %s unexpectedly received %q", c.ID, e.Message.Content)
	case <-time.After(50 * time.Millisecond):
	}
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub()
	go hub.Run(ctx)
	t.Cleanup(func() {
		hub.Stop()
		hub.Wait()
		cancel()
	})
	return hub
}

func TestHubDeliversToGroupIncludingPublisher(t *testing.T) {
	hub := startHub(t)

	a := NewClient("a", "alice", "alice.bob.carol", nil)
	b := NewClient("b", "bob", "alice.bob.carol", nil)
	c := NewClient("c", "carol", "alice.bob.carol", nil)
	outsider := NewClient("d", "dave", "dave.erin", nil)
	for _, cl := range []*Client{a, b, c} {
		hub.Subscribe("alice.bob.carol", cl)
	}
	hub.Subscribe("dave.erin", outsider)

	if got := hub.ClientCount(); got != 4 {
		t.Errorf("ClientCount() = %d, want 4", got)
	}
	if got := hub.SubscriberCount("alice.bob.carol"); got != 3 {
		t.Errorf("SubscriberCount() = %d, want 3", got)
	}

	if err := hub.Publish(context.Background(), "alice.bob.carol", echoFor("alice.bob.carol", "hi")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	for _, cl := range []*Client{a, b, c} {
		if e := receive(t, cl); e.Message.Content != "hi" || e.Type != TypeFormMessageEcho {
			t.Errorf("client %s got %+v", cl.ID, e)
		}
	}
	expectNothing(t, outsider)
}

func TestHubPreservesPublisherOrder(t *testing.T) {
	hub := startHub(t)

	a := NewClient("a", "alice", "alice.bob", nil)
	b := NewClient("b", "bob", "alice.bob", nil)
	hub.Subscribe("alice.bob", a)
	hub.Subscribe("alice.bob", b)

	const n = 50
	for i := range n {
		if err := hub.Publish(context.Background(), "alice.bob", echoFor("alice.bob", fmt.Sprint(i))); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}
	for _, cl := range []*Client{a, b} {
		for i := range n {
			if e := receive(t, cl); e.Message.Content != fmt.Sprint(i) {
				t.Fatalf("client %s message %d = %q", cl.ID, i, e.Message.Content)
			}
		}
	}
}

func TestHubDoubleUnsubscribe(t *testing.T) {
	hub := startHub(t)

	a := NewClient("a", "alice", "alice.bob", nil)
	b := NewClient("b", "bob", "alice.bob", nil)
	hub.Subscribe("alice.bob", a)
	hub.Subscribe("alice.bob", b)

	if !hub.Unsubscribe("alice.bob", "b") {
		t.Error("first unsubscribe should report removal")
	}
	if hub.Unsubscribe("alice.bob", "b") {
		t.Error("second unsubscribe should be a no-op")
	}
	if hub.Unsubscribe("never.joined", "x") {
		t.Error("unsubscribe of unknown conversation should be a no-op")
	}

	if err := hub.Publish(context.Background(), "alice.bob", echoFor("alice.bob", "still here")); err != nil {
		t.Fatal(err)
	}
	if e := receive(t, a); e.Message.Content != "still here" {
		t.Errorf("remaining subscriber got %q", e.Message.Content)
	}
	expectNothing(t, b)
}

func TestHubEvictsSlowSubscriber(t *testing.T) {
	hub := startHub(t)

	fast := NewClient("fast", "alice", "alice.bob", nil)
	slow := NewClient("slow", "bob", "alice.bob", nil)
	hub.Subscribe("alice.bob", fast)
	hub.Subscribe("alice.bob", slow)

	for range sendBufferSize {
		slow.send <- echoFor("alice.bob", "backlog")
	}

	if err := hub.Publish(context.Background(), "alice.bob", echoFor("alice.bob", "overflow")); err != nil {
		t.Fatal(err)
	}
	if e := receive(t, fast); e.Message.Content != "overflow" {
		t.Errorf("fast subscriber got %q", e.Message.Content)
	}

	deadline := time.Now().Add(time.Second)
	for hub.SubscriberCount("alice.bob") != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := hub.SubscriberCount("alice.bob"); got != 1 {
		t.Errorf("SubscriberCount() = %d after overflow, want 1", got)
	}
	if !slow.IsClosed() {
		t.Error("slow subscriber should be closed")
	}
}

func TestHubPublishAfterStop(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	a := NewClient("a", "alice", "alice.bob", nil)
	hub.Subscribe("alice.bob", a)

	hub.Stop()
	hub.Stop()
	hub.Wait()

	if err := hub.Publish(ctx, "alice.bob", echoFor("alice.bob", "late")); !errors.Is(err, ErrHubStopped) {
		t.Errorf("Publish after Stop = %v, want ErrHubStopped", err)
	}
	if !a.IsClosed() {
		t.Error("hub shutdown should close subscribers")
	}
	if got := hub.ClientCount(); got != 0 {
		t.Errorf("ClientCount() = %d after shutdown, want 0", got)
	}
}

func TestHubConcurrentSubscribeAndPublish(t *testing.T) {
	hub := startHub(t)

	stable := NewClient("stable", "alice", "alice.bob", nil)
	hub.Subscribe("alice.bob", stable)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := NewClient(fmt.Sprintf("churn-%d", i), "bob", "alice.bob", nil)
			for range 20 {
				hub.Subscribe("alice.bob", c)
				hub.Unsubscribe("alice.bob", c.ID)
			}
		}()
	}
	const n = 50
	for i := range n {
		if err := hub.Publish(context.Background(), "alice.bob", echoFor("alice.bob", fmt.Sprint(i))); err != nil {
			t.Fatal(err)
		}
	}
	wg.Wait()

	for i := range n {
		if e := receive(t, stable); e.Message.Content != fmt.Sprint(i) {
			t.Fatalf("message %d = %q", i, e.Message.Content)
		}
	}
	if got := hub.SubscriberCount("alice.bob"); got != 1 {
		t.Errorf("SubscriberCount() = %d, want 1", got)
	}
}

func TestClientCloseIsIdempotent(t *testing.T) {
	c := NewClient("a", "alice", "alice.bob", nil)
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Close()
		}()
	}
	wg.Wait()
	if !c.IsClosed() {
		t.Error("client should be closed")
	}
	if c.deliver(echoFor("alice.bob", "x")) {
		t.Error("deliver to a closed client should fail")
	}
	if c.queueControl(control{Type: TypePong}) {
		t.Error("queueControl on a closed client should fail")
	}
}
