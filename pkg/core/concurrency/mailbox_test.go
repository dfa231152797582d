package concurrency

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewBoundedMailbox(t *testing.T) {
	mailbox := NewBoundedMailbox[string](10)

	if mailbox == nil {
		t.Error("NewBoundedMailbox() should not return nil")
	}

	if mailbox.Capacity() != 10 {
		t.Errorf("Capacity() = %d, want 10", mailbox.Capacity())
	}

	if got := NewBoundedMailbox[int](0).Capacity(); got != 100 {
		t.Errorf("Capacity() with zero = %d, want default 100", got)
	}
}

func TestMailbox_Send(t *testing.T) {
	mailbox := NewBoundedMailbox[string](2)

	if err := mailbox.Send("message1"); err != nil {
		t.Errorf("Send() error = %v", err)
	}
	mailbox.Send("message2")

	if err := mailbox.Send("message3"); err != ErrMailboxFull {
		t.Errorf("Send() to full mailbox error = %v, want ErrMailboxFull", err)
	}
}

func TestMailbox_ReceiveOrder(t *testing.T) {
	mailbox := NewBoundedMailbox[int](10)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		mailbox.Send(i)
	}
	for i := 0; i < 5; i++ {
		got, err := mailbox.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive() error = %v", err)
		}
		if got != i {
			t.Errorf("Receive() = %d, want %d", got, i)
		}
	}
}

func TestMailbox_PutBlocksUntilRoom(t *testing.T) {
	mailbox := NewBoundedMailbox[string](1)
	mailbox.Send("first")

	done := make(chan error, 1)
	go func() {
		done <- mailbox.Put(context.Background(), "second")
	}()

	select {
	case err := <-done:
		t.Fatalf("Put() returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	if msg, _ := mailbox.Receive(context.Background()); msg != "first" {
		t.Errorf("Receive() = %v, want first", msg)
	}
	if err := <-done; err != nil {
		t.Errorf("Put() error = %v", err)
	}
	if msg, _ := mailbox.Receive(context.Background()); msg != "second" {
		t.Errorf("Receive() = %v, want second", msg)
	}
}

func TestMailbox_PutContextCancelled(t *testing.T) {
	mailbox := NewBoundedMailbox[string](1)
	mailbox.Send("first")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := mailbox.Put(ctx, "second"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Put() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestMailbox_Close(t *testing.T) {
	mailbox := NewBoundedMailbox[string](10)
	mailbox.Send("queued")

	mailbox.Close()

	if !mailbox.IsClosed() {
		t.Error("IsClosed() should return true after Close()")
	}

	if err := mailbox.Send("test"); err != ErrMailboxClosed {
		t.Errorf("Send() after close error = %v, want ErrMailboxClosed", err)
	}

	ctx := context.Background()
	if msg, err := mailbox.Receive(ctx); err != nil || msg != "queued" {
		t.Errorf("Receive() after close = %v, %v, want queued message", msg, err)
	}
	if _, err := mailbox.Receive(ctx); err != ErrMailboxClosed {
		t.Errorf("Receive() on drained closed mailbox error = %v, want ErrMailboxClosed", err)
	}

	mailbox.Close()
}

func TestMailbox_Size(t *testing.T) {
	mailbox := NewBoundedMailbox[string](10)

	if mailbox.Size() != 0 {
		t.Errorf("Size() = %d, want 0", mailbox.Size())
	}

	mailbox.Send("msg1")
	mailbox.Send("msg2")
	if mailbox.Size() != 2 {
		t.Errorf("Size() = %d, want 2", mailbox.Size())
	}
}
